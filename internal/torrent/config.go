package torrent

import (
	"log/slog"
	"time"

	"github.com/prxssh/piecewise/internal/meta"
	"github.com/prxssh/piecewise/internal/peer"
	"github.com/prxssh/piecewise/internal/scheduler"
	"github.com/prxssh/piecewise/internal/storage"
)

// TrackerConfig holds the announce-cadence knobs the torrent needs to build
// tracker.TrackerOpts at construction time.
type TrackerConfig struct {
	AnnounceInterval    time.Duration
	MinAnnounceInterval time.Duration
	MaxAnnounceBackoff  time.Duration
}

func withDefaultTrackerConfig() *TrackerConfig {
	return &TrackerConfig{
		MinAnnounceInterval: 20 * time.Minute,
		MaxAnnounceBackoff:  45 * time.Minute,
	}
}

// Config composes every sub-component's config. There is no global state
// anywhere in this tree: every constructor, all the way down, takes its
// config explicitly.
type Config struct {
	Scheduler *scheduler.Config
	Storage   *storage.Config
	Peer      *peer.Config
	Tracker   *TrackerConfig

	// Logger is the root logger every sub-component derives from. Nil
	// falls back to slog.Default().
	Logger *slog.Logger

	// ListenAddr is the address this torrent accepts inbound peer
	// connections on, e.g. ":6881". Empty disables inbound listening.
	ListenAddr string

	// Crypto supplies the signature/encryption bindings NewTorrent needs
	// when the descriptor passed in is a container rather than a plain
	// bencoded manifest. Nil is fine for a plaintext, unsigned container
	// or a legacy bencoded descriptor.
	Crypto *meta.CryptoProvider
}

func WithDefaultConfig() *Config {
	return &Config{
		Scheduler: scheduler.WithDefaultConfig(),
		Storage:   storage.WithDefaultConfig(),
		Peer:      peer.WithDefaultConfig(),
		Tracker:   withDefaultTrackerConfig(),
	}
}
