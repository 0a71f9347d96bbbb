package torrent

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync"

	"github.com/prxssh/piecewise/internal/meta"
	"github.com/prxssh/piecewise/internal/peer"
	"github.com/prxssh/piecewise/internal/piece"
	"github.com/prxssh/piecewise/internal/protocol"
	"github.com/prxssh/piecewise/internal/scheduler"
	"github.com/prxssh/piecewise/internal/storage"
	"github.com/prxssh/piecewise/internal/tracker"
	"golang.org/x/sync/errgroup"
)

// Torrent wires together a single download/upload: the piece manager, disk
// storage, peer swarm, scheduler, and (when the descriptor carries announce
// URLs) a tracker. It owns nothing beyond what's needed to run those
// components; there is no package-level state to clean up on Stop.
type Torrent struct {
	Metainfo *meta.Metainfo `json:"metainfo"`

	peerID       [protocol.PeerIDSize]byte
	cfg          *Config
	logger       *slog.Logger
	tracker      *tracker.Tracker
	peerManager  *peer.Swarm
	storage      *storage.Store
	scheduler    *scheduler.Scheduler
	pieceManager *piece.Manager
	cancel       context.CancelFunc
	listenPort   uint16

	announceMu    sync.Mutex
	startedSent   bool
	completedSent bool
}

// parseDescriptor accepts either a legacy bencoded manifest or a descriptor
// container: a container is always a JSON object, so the leading
// non-whitespace byte disambiguates the two without needing a caller-supplied
// flag.
func parseDescriptor(data []byte, crypto *meta.CryptoProvider) (*meta.Metainfo, error) {
	trimmed := bytesTrimLeftSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return meta.Load(data, meta.LoadOptions{Crypto: crypto})
	}
	return meta.ParseMetainfo(data)
}

// listenPort extracts the numeric port from a listen address like ":6881";
// it is the value reported to the tracker so other peers can dial back.
func listenPort(addr string) uint16 {
	if addr == "" {
		return 0
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	p, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(p)
}

func bytesTrimLeftSpace(b []byte) []byte {
	i := 0
	for i < len(b) {
		switch b[i] {
		case ' ', '\t', '\n', '\r':
			i++
		default:
			return b[i:]
		}
	}
	return b[i:]
}

// NewTorrent parses data as a descriptor, builds every sub-component against
// cfg, and wires them together. The tracker is omitted when the descriptor
// carries no announce URLs at all; peers must then be supplied externally
// via AdmitPeers.
func NewTorrent(peerID [protocol.PeerIDSize]byte, data []byte, cfg *Config) (*Torrent, error) {
	if cfg == nil {
		cfg = WithDefaultConfig()
	}

	metainfo, err := parseDescriptor(data, cfg.Crypto)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("torrent", metainfo.Info.Name)

	store, err := storage.NewStorage(metainfo, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}

	pieceCount := uint32(len(metainfo.Info.Pieces))

	pieceManager, err := piece.NewManager(
		pieceCount,
		uint32(metainfo.Info.PieceLength),
		uint64(metainfo.Size()),
		cfg.Peer.MaxPeers,
		cfg.Scheduler.DownloadStrategy,
		logger,
	)
	if err != nil {
		return nil, err
	}

	sched := scheduler.NewScheduler(cfg.Scheduler, pieceManager, store, nil, logger)

	isSeeder := store.Bitfield().All(int(pieceCount))

	peerManager, err := peer.NewSwarm(&peer.SwarmOpts{
		Config:       cfg.Peer,
		Logger:       logger,
		DescriptorID: metainfo.DescriptorID,
		PeerID:       peerID,
		PieceCount:   int(pieceCount),
		Scheduler:    sched,
		IsSeeder:     isSeeder,
	})
	if err != nil {
		return nil, err
	}

	sched.SetSender(peerManager)

	t := &Torrent{
		Metainfo:     metainfo,
		peerID:       peerID,
		cfg:          cfg,
		logger:       logger,
		pieceManager: pieceManager,
		scheduler:    sched,
		peerManager:  peerManager,
		storage:      store,
		listenPort:   listenPort(cfg.ListenAddr),
		// A torrent that starts with every piece already on disk never
		// announces "completed"; that event marks the transition, not
		// the state.
		completedSent: isSeeder,
	}

	if metainfo.Announce != "" || len(metainfo.AnnounceList) > 0 {
		tr, err := tracker.NewTracker(
			metainfo.Announce,
			metainfo.AnnounceList,
			&tracker.TrackerOpts{
				Log:                 logger,
				AnnounceInterval:    cfg.Tracker.AnnounceInterval,
				MinAnnounceInterval: cfg.Tracker.MinAnnounceInterval,
				MaxAnnounceBackoff:  cfg.Tracker.MaxAnnounceBackoff,
				OnAnnounceStart:     t.buildAnnounceParams,
				OnAnnounceSuccess: func(addrs []netip.AddrPort) {
					t.peerManager.AdmitPeers(addrs)
				},
			},
		)
		if err != nil {
			return nil, fmt.Errorf("torrent: building tracker: %w", err)
		}
		t.tracker = tr
	} else {
		logger.Warn("descriptor carries no announce urls; peers must be admitted externally")
	}

	return t, nil
}

// Run starts every sub-component and blocks until one of them returns or ctx
// is canceled.
func (t *Torrent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return t.peerManager.Run(gctx) })
	g.Go(func() error { return t.scheduler.Run(gctx) })
	g.Go(func() error { return t.storage.Run(gctx) })

	if t.cfg.ListenAddr != "" {
		g.Go(func() error { return t.peerManager.Listen(gctx, t.cfg.ListenAddr) })
	}

	if t.tracker != nil {
		g.Go(func() error { return t.tracker.Run(gctx) })
	}

	return g.Wait()
}

func (t *Torrent) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

// AdmitPeers queues addrs for outbound dialing, bypassing the tracker. Used
// for peers supplied on the command line or discovered out of band.
func (t *Torrent) AdmitPeers(addrs []netip.AddrPort) {
	t.peerManager.AdmitPeers(addrs)
}

type Stats struct {
	peer.SwarmMetrics
	tracker.TrackerMetrics
	Progress    float64            `json:"progress"`
	Peers       []peer.PeerMetrics `json:"peers"`
	PieceStates []int              `json:"pieceStates"`
}

func (t *Torrent) GetStats() *Stats {
	swarmStats := t.peerManager.Stats()

	rawStates := t.pieceManager.PieceStatus()
	pieceStates := make([]int, len(rawStates))
	for i, status := range rawStates {
		pieceStates[i] = int(status)
	}

	s := &Stats{
		Progress:    0.0,
		Peers:       t.peerManager.PeerMetrics(),
		PieceStates: pieceStates,
	}
	s.SwarmMetrics = swarmStats
	if t.tracker != nil {
		s.TrackerMetrics = t.tracker.Stats()
	}

	if total := len(s.PieceStates); total > 0 {
		completed := 0
		for _, st := range s.PieceStates {
			if st == int(piece.StatusDone) {
				completed++
			}
		}
		s.Progress = (float64(completed) / float64(total)) * 100.0
	}
	return s
}

func (t *Torrent) GetConfig() *Config {
	return t.cfg
}

func (t *Torrent) buildAnnounceParams() *tracker.AnnounceParams {
	stats := t.peerManager.Stats()
	left := t.storage.BytesLeft()

	t.announceMu.Lock()
	event := tracker.EventNone
	switch {
	case !t.startedSent:
		event = tracker.EventStarted
		t.startedSent = true
	case left == 0 && !t.completedSent:
		event = tracker.EventCompleted
		t.completedSent = true
	}
	t.announceMu.Unlock()

	return &tracker.AnnounceParams{
		Event:        event,
		DescriptorID: t.Metainfo.DescriptorID,
		PeerID:       t.peerID,
		Uploaded:     stats.TotalUploaded,
		Downloaded:   stats.TotalDownloaded,
		Left:         left,
		NumWant:      50,
		Port:         t.listenPort,
	}
}
