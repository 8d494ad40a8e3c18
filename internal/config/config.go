package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/abdkhan-git/codura-rtc/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Profile  Profile  `json:"profile"`
	Relay    Relay    `json:"relay"`
	Presence Presence `json:"presence"`
	Session  Session  `json:"session"`
	Storage  Storage  `json:"storage"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
}

type Profile struct {
	Label string `json:"label"`
}

// Relay selects the signaling transport. Kind "pubsub" runs a libp2p
// GossipSub node (LAN discovery via mDNS); "websocket" dials a relay
// server at URL; "memory" is the in-process bus used by tests and demos.
type Relay struct {
	Kind        string `json:"kind"`
	URL         string `json:"url"`
	ListenPort  int    `json:"listen_port"`
	MdnsTag     string `json:"mdns_tag"`
	TopicPrefix string `json:"topic_prefix"`
}

type Presence struct {
	HeartbeatSec int `json:"heartbeat_seconds"`
	TTLSec       int `json:"ttl_seconds"`
}

// Session tunes the per-connection state machine. The disconnect grace is
// deliberately exposed: a quick pairing session wants a short one, a long
// lecture broadcast tolerates much more.
type Session struct {
	NegotiationTimeoutSec int      `json:"negotiation_timeout_seconds"`
	DisconnectGraceSec    int      `json:"disconnect_grace_seconds"`
	StunServers           []string `json:"stun_servers"`
}

type Storage struct {
	// Optional path to a SQLite database caching peer identities across
	// restarts. Empty means no persistence.
	PeerDBPath string `json:"peer_db_path"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		Profile: Profile{
			Label: "anonymous",
		},
		Relay: Relay{
			Kind:        "pubsub",
			ListenPort:  0,
			MdnsTag:     "codura-mdns",
			TopicPrefix: "codura.rtc",
		},
		Presence: Presence{
			HeartbeatSec: 5,
			TTLSec:       15,
		},
		Session: Session{
			NegotiationTimeoutSec: 15,
			DisconnectGraceSec:    10,
			StunServers:           []string{"stun:stun.l.google.com:19302"},
		},
		Storage: Storage{
			PeerDBPath: "",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	// Relay
	switch c.Relay.Kind {
	case "pubsub":
		if c.Relay.ListenPort < 0 || c.Relay.ListenPort > 65535 {
			return errors.New("relay.listen_port must be 0..65535")
		}
		if strings.TrimSpace(c.Relay.MdnsTag) == "" {
			return errors.New("relay.mdns_tag is required for the pubsub relay")
		}
	case "websocket":
		if err := validateRelayURL(c.Relay.URL); err != nil {
			return fmt.Errorf("relay.url: %w", err)
		}
	case "memory":
	default:
		return fmt.Errorf("relay.kind must be pubsub, websocket or memory (got %q)", c.Relay.Kind)
	}
	if strings.TrimSpace(c.Relay.TopicPrefix) == "" {
		return errors.New("relay.topic_prefix is required")
	}

	// Presence
	if c.Presence.HeartbeatSec <= 0 {
		return errors.New("presence.heartbeat_seconds must be > 0")
	}
	if c.Presence.TTLSec <= 0 {
		return errors.New("presence.ttl_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec >= c.Presence.TTLSec {
		return errors.New("presence.heartbeat_seconds must be < presence.ttl_seconds")
	}

	// Session
	if c.Session.NegotiationTimeoutSec <= 0 {
		return errors.New("session.negotiation_timeout_seconds must be > 0")
	}
	if c.Session.DisconnectGraceSec <= 0 {
		return errors.New("session.disconnect_grace_seconds must be > 0")
	}
	for _, s := range c.Session.StunServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "stuns:") {
			return fmt.Errorf("session.stun_servers: %q is not a stun: url", s)
		}
	}

	return nil
}

func validateRelayURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("required for the websocket relay")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
