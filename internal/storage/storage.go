// Package storage persists peer identities across restarts so a rejoining
// client can greet known peers by name before their first presence pulse
// arrives.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite peer cache.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the cache database at path, creating parent
// directories as needed.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL for concurrency; busy timeout so a second process backs off
	// instead of erroring.
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS peer_cache (
			peer_id      TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			role         TEXT NOT NULL DEFAULT '',
			last_session TEXT NOT NULL DEFAULT '',
			seen_count   INTEGER NOT NULL DEFAULT 0,
			last_seen    DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create peer cache: %w", err)
	}

	return &DB{db: db, path: path}, nil
}

func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.Close()
}

// CachedPeer is the persistent record of a remote peer's last known
// identity. Only fresh presence traffic updates it; a peer going silent
// never erases what we knew.
type CachedPeer struct {
	PeerID      string
	DisplayName string
	Role        string
	LastSession string
	SeenCount   int
	LastSeen    time.Time
}

// UpsertPeer stores or refreshes a peer sighting. An anonymous sighting
// never erases a previously learned display name.
func (d *DB) UpsertPeer(p CachedPeer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO peer_cache (peer_id, display_name, role, last_session, seen_count, last_seen)
		VALUES (?, ?, ?, ?, 1, CURRENT_TIMESTAMP)
		ON CONFLICT(peer_id) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name = ''
				THEN peer_cache.display_name ELSE excluded.display_name END,
			role         = excluded.role,
			last_session = excluded.last_session,
			seen_count   = peer_cache.seen_count + 1,
			last_seen    = CURRENT_TIMESTAMP`,
		p.PeerID, p.DisplayName, p.Role, p.LastSession,
	)
	return err
}

// GetPeer returns the last known identity for a peer, or false if unknown.
func (d *DB) GetPeer(peerID string) (CachedPeer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var p CachedPeer
	var lastSeen string
	err := d.db.QueryRow(`
		SELECT peer_id, display_name, role, last_session, seen_count, last_seen
		FROM peer_cache WHERE peer_id = ?`, peerID).
		Scan(&p.PeerID, &p.DisplayName, &p.Role, &p.LastSession, &p.SeenCount, &lastSeen)
	if err != nil {
		return CachedPeer{}, false
	}
	p.LastSeen, _ = time.Parse("2006-01-02 15:04:05", lastSeen)
	return p, true
}

// ListPeers returns every cached peer, most recently seen first.
func (d *DB) ListPeers() ([]CachedPeer, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT peer_id, display_name, role, last_session, seen_count, last_seen
		FROM peer_cache ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CachedPeer
	for rows.Next() {
		var p CachedPeer
		var lastSeen string
		if err := rows.Scan(&p.PeerID, &p.DisplayName, &p.Role, &p.LastSession, &p.SeenCount, &lastSeen); err != nil {
			return nil, err
		}
		p.LastSeen, _ = time.Parse("2006-01-02 15:04:05", lastSeen)
		out = append(out, p)
	}
	return out, rows.Err()
}

// PrunePeers deletes peers not seen within keep. Returns how many rows
// went away.
func (d *DB) PrunePeers(keep time.Duration) (int64, error) {
	cutoff := time.Now().Add(-keep).UTC().Format("2006-01-02 15:04:05")
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.Exec(`DELETE FROM peer_cache WHERE last_seen < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
