package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func openTemp(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "data", "peers.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestUpsertAndGet(t *testing.T) {
	db := openTemp(t)

	if _, ok := db.GetPeer("peer-1"); ok {
		t.Fatal("unknown peer reported as cached")
	}

	err := db.UpsertPeer(CachedPeer{
		PeerID:      "peer-1",
		DisplayName: "Ada",
		Role:        "participant",
		LastSession: "room-7",
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	p, ok := db.GetPeer("peer-1")
	if !ok {
		t.Fatal("peer not found after upsert")
	}
	if p.DisplayName != "Ada" || p.Role != "participant" || p.LastSession != "room-7" {
		t.Errorf("wrong record: %+v", p)
	}
	if p.SeenCount != 1 {
		t.Errorf("seen_count = %d, want 1", p.SeenCount)
	}
}

func TestUpsertIncrementsSeenCount(t *testing.T) {
	db := openTemp(t)

	for i := 0; i < 3; i++ {
		if err := db.UpsertPeer(CachedPeer{PeerID: "peer-1", DisplayName: "Ada"}); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}
	// Identity fields track the most recent sighting.
	if err := db.UpsertPeer(CachedPeer{PeerID: "peer-1", DisplayName: "Ada L.", Role: "streamer"}); err != nil {
		t.Fatalf("final upsert: %v", err)
	}

	p, ok := db.GetPeer("peer-1")
	if !ok {
		t.Fatal("peer not found")
	}
	if p.SeenCount != 4 {
		t.Errorf("seen_count = %d, want 4", p.SeenCount)
	}
	if p.DisplayName != "Ada L." || p.Role != "streamer" {
		t.Errorf("latest identity not kept: %+v", p)
	}
}

func TestAnonymousSightingKeepsKnownName(t *testing.T) {
	db := openTemp(t)

	if err := db.UpsertPeer(CachedPeer{PeerID: "peer-1", DisplayName: "Ada", Role: "participant"}); err != nil {
		t.Fatal(err)
	}
	// A later pulse without a display name must not erase the known one.
	if err := db.UpsertPeer(CachedPeer{PeerID: "peer-1", Role: "viewer"}); err != nil {
		t.Fatal(err)
	}

	p, ok := db.GetPeer("peer-1")
	if !ok {
		t.Fatal("peer not found")
	}
	if p.DisplayName != "Ada" {
		t.Errorf("display name erased by anonymous sighting: %q", p.DisplayName)
	}
	if p.Role != "viewer" || p.SeenCount != 2 {
		t.Errorf("sighting not recorded: %+v", p)
	}
}

func TestListPeers(t *testing.T) {
	db := openTemp(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := db.UpsertPeer(CachedPeer{PeerID: id}); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}

	peers, err := db.ListPeers()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(peers) != 3 {
		t.Fatalf("got %d peers, want 3", len(peers))
	}
	seen := map[string]bool{}
	for _, p := range peers {
		seen[p.PeerID] = true
	}
	for _, id := range []string{"a", "b", "c"} {
		if !seen[id] {
			t.Errorf("peer %s missing from listing", id)
		}
	}
}

func TestPrunePeers(t *testing.T) {
	db := openTemp(t)

	if err := db.UpsertPeer(CachedPeer{PeerID: "fresh"}); err != nil {
		t.Fatal(err)
	}

	// Nothing is older than a minute yet.
	n, err := db.PrunePeers(time.Minute)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 0 {
		t.Errorf("pruned %d fresh rows", n)
	}

	// A zero keep window makes everything stale.
	n, err = db.PrunePeers(-time.Minute)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d rows, want 1", n)
	}
	if _, ok := db.GetPeer("fresh"); ok {
		t.Error("pruned peer still cached")
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertPeer(CachedPeer{PeerID: "peer-1", DisplayName: "Ada"}); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	p, ok := db.GetPeer("peer-1")
	if !ok || p.DisplayName != "Ada" {
		t.Errorf("record lost across reopen: %+v ok=%v", p, ok)
	}
}
