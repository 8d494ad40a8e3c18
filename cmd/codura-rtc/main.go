// Command codura-rtc joins a study session from the terminal. It is the
// reference wiring of the rtc stack: config file, identity, relay
// transport, peer cache, and the topology controller on top.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/abdkhan-git/codura-rtc/internal/config"
	"github.com/abdkhan-git/codura-rtc/internal/conn"
	"github.com/abdkhan-git/codura-rtc/internal/media"
	"github.com/abdkhan-git/codura-rtc/internal/presence"
	"github.com/abdkhan-git/codura-rtc/internal/relay/memrelay"
	"github.com/abdkhan-git/codura-rtc/internal/relay/pubsubrelay"
	"github.com/abdkhan-git/codura-rtc/internal/relay/wsrelay"
	"github.com/abdkhan-git/codura-rtc/internal/signal"
	"github.com/abdkhan-git/codura-rtc/internal/storage"
	"github.com/abdkhan-git/codura-rtc/internal/topology"
	"github.com/abdkhan-git/codura-rtc/internal/util"
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

// peerCacheRetention is how long a cached peer identity outlives its last
// sighting before startup pruning drops it.
const peerCacheRetention = 90 * 24 * time.Hour

var (
	cfgPath   = flag.String("config", "config.json", "Path to the config file (created on first run)")
	sessionID = flag.String("session", "", "Session id to join (required)")
	mode      = flag.String("mode", "mesh", "Session topology: mesh or broadcast")
	role      = flag.String("role", "participant", "Session role: participant, streamer or viewer")
	name      = flag.String("name", "", "Display name (default: profile label from config)")
	peerID    = flag.String("peer-id", "", "Peer id (default: generated)")
	version   = flag.Bool("version", false, "Show version")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("codura-rtc v%s\n", appVersion)
		return
	}
	if *sessionID == "" {
		fmt.Fprintln(os.Stderr, "usage: codura-rtc -session <id> [-mode mesh|broadcast] [-role participant|streamer|viewer]")
		os.Exit(2)
	}

	if err := run(); err != nil {
		log.Fatalf("codura-rtc: %v", err)
	}
}

func run() error {
	cfg, created, err := config.Ensure(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if created {
		log.Printf("Created default config at %s", *cfgPath)
	}

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	self := *peerID
	if self == "" {
		self = uuid.NewString()
	}
	display := *name
	if display == "" {
		display = cfg.Profile.Label
	}

	relay, err := buildRelay(ctx, cfg, self)
	if err != nil {
		return err
	}
	defer relay.Close()

	// Relative paths in the config resolve against the config file's
	// directory, not the process working directory.
	cfgDir := filepath.Dir(*cfgPath)

	var cache *storage.DB
	if cfg.Storage.PeerDBPath != "" {
		cache, err = storage.Open(util.ResolvePath(cfgDir, cfg.Storage.PeerDBPath))
		if err != nil {
			log.Printf("peer cache disabled: %v", err)
		} else {
			defer cache.Close()
			if n, err := cache.PrunePeers(peerCacheRetention); err != nil {
				log.Printf("peer cache prune: %v", err)
			} else if n > 0 {
				log.Printf("peer cache: pruned %d stale peer(s)", n)
			}
		}
	}

	factory, err := conn.NewPionFactory(cfg.Session.StunServers)
	if err != nil {
		return fmt.Errorf("webrtc setup: %w", err)
	}

	capture, err := media.NewProvider()
	if err != nil {
		return fmt.Errorf("capture setup: %w", err)
	}

	ctl, err := topology.JoinRoom(ctx, *sessionID, topology.Params{
		Relay:       relay,
		SelfID:      self,
		DisplayName: display,
		Role:        parseRole(*role),
		Mode:        parseMode(*mode),
		LinkFactory: factory,
		Capture:     capture,
		Presence: presence.Options{
			Heartbeat: time.Duration(cfg.Presence.HeartbeatSec) * time.Second,
			TTL:       time.Duration(cfg.Presence.TTLSec) * time.Second,
		},
		Conn: conn.Options{
			NegotiationTimeout: time.Duration(cfg.Session.NegotiationTimeoutSec) * time.Second,
			DisconnectGrace:    time.Duration(cfg.Session.DisconnectGraceSec) * time.Second,
			OnConnected: func(remote string) {
				log.Printf("connected to %s", remote)
			},
		},
	})
	if err != nil {
		return err
	}

	// Reload tunables when the config file changes; only presence and
	// session timing apply to a running session, and those bind at join
	// time, so a change is just surfaced for the next join.
	watcher, err := config.Watch(*cfgPath, func(next config.Config) {
		log.Printf("config reloaded; new timing applies to the next session join")
		_ = next
	})
	if err != nil {
		log.Printf("config watch disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	log.Printf("joined session %s as %s (%s, %s)", *sessionID, self, *role, *mode)
	go rosterLoop(ctx, ctl, cache, *sessionID)

	<-ctx.Done()
	log.Printf("leaving session %s", *sessionID)

	leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ctl.Leave(leaveCtx); err != nil {
		log.Printf("leave: %v", err)
	}
	for _, evt := range ctl.History() {
		log.Printf("  %s %s", evt.At.Format("15:04:05"), evt.Msg)
	}
	return nil
}

func buildRelay(ctx context.Context, cfg config.Config, self string) (signal.Relay, error) {
	switch cfg.Relay.Kind {
	case "pubsub":
		return pubsubrelay.New(ctx, self, pubsubrelay.Options{
			ListenPort:  cfg.Relay.ListenPort,
			MdnsTag:     cfg.Relay.MdnsTag,
			TopicPrefix: cfg.Relay.TopicPrefix,
			KeyFile:     util.ResolvePath(filepath.Dir(*cfgPath), cfg.Identity.KeyFile),
		})
	case "websocket":
		return wsrelay.Dial(ctx, cfg.Relay.URL, self)
	case "memory":
		// Single-process loopback, useful for poking at the stack.
		return memrelay.NewBus().Client(self), nil
	default:
		return nil, fmt.Errorf("unknown relay kind %q", cfg.Relay.Kind)
	}
}

// rosterLoop periodically prints the roster and records sightings in the
// peer cache.
func rosterLoop(ctx context.Context, ctl *topology.Controller, cache *storage.DB, sessionID string) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			members, err := ctl.Members()
			if err != nil {
				log.Printf("roster: %v", err)
				continue
			}
			var names []string
			for _, m := range members {
				label := m.DisplayName
				if cache != nil {
					// A peer whose presence pulse has not carried a name
					// yet may still be known from an earlier session.
					if label == "" {
						if p, ok := cache.GetPeer(m.ID); ok && p.DisplayName != "" {
							label = p.DisplayName
						}
					}
					if err := cache.UpsertPeer(storage.CachedPeer{
						PeerID:      m.ID,
						DisplayName: m.DisplayName,
						Role:        string(m.Role),
						LastSession: sessionID,
					}); err != nil {
						log.Printf("peer cache: %v", err)
					}
				}
				names = append(names, fmt.Sprintf("%s(%s)", label, m.Role))
			}
			log.Printf("roster: %d peer(s) [%s], %d connection(s)",
				len(members), strings.Join(names, " "), len(ctl.Connections()))
		}
	}
}

func parseMode(s string) topology.Mode {
	if s == "broadcast" {
		return topology.ModeBroadcast
	}
	return topology.ModeMesh
}

func parseRole(s string) signal.Role {
	switch s {
	case "streamer":
		return signal.RoleStreamer
	case "viewer":
		return signal.RoleViewer
	default:
		return signal.RoleParticipant
	}
}
