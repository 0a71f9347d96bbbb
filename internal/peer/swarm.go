package peer

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/piecewise/internal/protocol"
	"github.com/prxssh/piecewise/internal/ratelimit"
	"github.com/prxssh/piecewise/internal/retry"
	"github.com/prxssh/piecewise/internal/scheduler"
	"github.com/prxssh/piecewise/internal/utils/bitfield"
)

type Config struct {
	MaxPeers               int
	PeerOutboxBacklog      int
	ReadTimeout            time.Duration
	WriteTimeout           time.Duration
	DialTimeout            time.Duration
	KeepAliveInterval      time.Duration
	RechokeInterval        time.Duration
	PeerInactivityDuration time.Duration

	// MaxUploadRate/MaxDownloadRate are torrent-wide throughput caps in
	// bytes/second, shared across every peer in the swarm. Zero disables
	// the corresponding limit.
	MaxUploadRate    int64
	MaxDownloadRate  int64
	RateLimitRefresh time.Duration
}

func WithDefaultConfig() *Config {
	return &Config{
		MaxPeers:               50,
		ReadTimeout:            45 * time.Second,
		WriteTimeout:           30 * time.Second,
		DialTimeout:            45 * time.Second,
		KeepAliveInterval:      90 * time.Second,
		RechokeInterval:        10 * time.Second,
		PeerInactivityDuration: 2 * time.Minute,
		PeerOutboxBacklog:      256,
	}
}

// Swarm owns every live peer connection for a single download/upload and
// implements scheduler.PeerSender, letting the scheduler push outbound wire
// messages to a specific peer without knowing how connections are held.
type Swarm struct {
	cfg          *Config
	logger       *slog.Logger
	peerMut      sync.RWMutex
	peers        map[netip.AddrPort]*Peer
	descriptorID [protocol.DescriptorIDSize]byte
	peerID       [protocol.PeerIDSize]byte
	pieceCount   int
	isSeeder     bool
	stats        *SwarmStats

	scheduler *scheduler.Scheduler

	listener      net.Listener
	peerConnectCh chan netip.AddrPort

	uploadLimiter   *ratelimit.Limiter
	downloadLimiter *ratelimit.Limiter
}

type SwarmStats struct {
	TotalPeers       atomic.Uint32
	ConnectingPeers  atomic.Uint32
	FailedConnection atomic.Uint32
	UnchokedPeers    atomic.Uint32
	InterestedPeers  atomic.Uint32
	UploadingTo      atomic.Uint32
	DownloadingFrom  atomic.Uint32
	TotalDownloaded  atomic.Uint64
	TotalUploaded    atomic.Uint64
	DownloadRate     atomic.Uint64
	UploadRate       atomic.Uint64
}

type SwarmOpts struct {
	Config       *Config
	Logger       *slog.Logger
	DescriptorID [protocol.DescriptorIDSize]byte
	PeerID       [protocol.PeerIDSize]byte
	PieceCount   int
	Scheduler    *scheduler.Scheduler
	IsSeeder     bool
}

type SwarmMetrics struct {
	TotalPeers       uint32 `json:"totalPeers"`
	ConnectingPeers  uint32 `json:"connectingPeers"`
	FailedConnection uint32 `json:"failedConnection"`
	UnchokedPeers    uint32 `json:"unchokedPeers"`
	InterestedPeers  uint32 `json:"interestedPeers"`
	UploadingTo      uint32 `json:"uploadingTo"`
	DownloadingFrom  uint32 `json:"downloadingFrom"`
	TotalDownloaded  uint64 `json:"totalDownloaded"`
	TotalUploaded    uint64 `json:"totalUploaded"`
	DownloadRate     uint64 `json:"downloadRate"`
	UploadRate       uint64 `json:"uploadRate"`
}

func NewSwarm(opts *SwarmOpts) (*Swarm, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = WithDefaultConfig()
	}

	return &Swarm{
		cfg:           cfg,
		descriptorID:  opts.DescriptorID,
		peerID:        opts.PeerID,
		pieceCount:    opts.PieceCount,
		stats:         &SwarmStats{},
		scheduler:     opts.Scheduler,
		peers:         make(map[netip.AddrPort]*Peer),
		peerConnectCh: make(chan netip.AddrPort, cfg.MaxPeers),
		logger:        opts.Logger.With("source", "peer_swarm"),
		isSeeder:      opts.IsSeeder,
		uploadLimiter: ratelimit.New(ratelimit.Options{
			RatePerSecond:   cfg.MaxUploadRate,
			RefreshInterval: cfg.RateLimitRefresh,
		}),
		downloadLimiter: ratelimit.New(ratelimit.Options{
			RatePerSecond:   cfg.MaxDownloadRate,
			RefreshInterval: cfg.RateLimitRefresh,
		}),
	}, nil
}

func (s *Swarm) Run(ctx context.Context) error {
	defer s.uploadLimiter.Stop()
	defer s.downloadLimiter.Stop()

	if s.isSeeder {
		s.logger.Info("starting with every piece already held; serving only")
	}

	var wg sync.WaitGroup

	wg.Add(3)
	go func() { defer wg.Done(); s.maintenanceLoop(ctx) }()
	go func() { defer wg.Done(); s.statsLoop(ctx) }()
	go func() { defer wg.Done(); s.chokeLoop(ctx) }()

	for dialWorker := 0; dialWorker < 10; dialWorker++ {
		wg.Add(1)
		go func() { defer wg.Done(); s.peerDialerLoop(ctx) }()
	}

	wg.Wait()

	return nil
}

func (s *Swarm) Stats() SwarmMetrics {
	ps := s.stats
	return SwarmMetrics{
		TotalPeers:       ps.TotalPeers.Load(),
		ConnectingPeers:  ps.ConnectingPeers.Load(),
		FailedConnection: ps.FailedConnection.Load(),
		UnchokedPeers:    ps.UnchokedPeers.Load(),
		InterestedPeers:  ps.InterestedPeers.Load(),
		UploadingTo:      ps.UploadingTo.Load(),
		DownloadingFrom:  ps.DownloadingFrom.Load(),
		TotalDownloaded:  ps.TotalDownloaded.Load(),
		TotalUploaded:    ps.TotalUploaded.Load(),
		DownloadRate:     ps.DownloadRate.Load(),
		UploadRate:       ps.UploadRate.Load(),
	}
}

func (s *Swarm) PeerMetrics() []PeerMetrics {
	s.peerMut.RLock()
	defer s.peerMut.RUnlock()

	metrics := make([]PeerMetrics, 0, len(s.peers))
	for _, peer := range s.peers {
		metrics = append(metrics, peer.Stats())
	}

	return metrics
}

func (s *Swarm) AdmitPeers(addrs []netip.AddrPort) {
	for _, addr := range addrs {
		select {
		case s.peerConnectCh <- addr:
		default:
			s.logger.Warn("admit peer queue full; dropping", "addr", addr)
		}
	}
}

func (s *Swarm) addPeer(ctx context.Context, addr netip.AddrPort) (*Peer, error) {
	s.peerMut.RLock()
	_, dup := s.peers[addr]
	totalPeers := len(s.peers)
	s.peerMut.RUnlock()

	if dup {
		return nil, nil
	}

	if totalPeers >= s.cfg.MaxPeers {
		return nil, nil
	}

	s.stats.ConnectingPeers.Add(1)
	defer s.stats.ConnectingPeers.Add(^uint32(0))

	var peer *Peer
	err := retry.Do(ctx, func(ctx context.Context) error {
		p, err := NewPeer(ctx, addr, s.peerOpts())
		if err != nil {
			return err
		}
		peer = p
		return nil
	}, retry.WithExponentialBackoff(3, time.Second, 4*time.Second)...)

	if err != nil {
		s.stats.FailedConnection.Add(1)
		return nil, err
	}

	s.peerMut.Lock()
	s.peers[peer.addr] = peer
	s.peerMut.Unlock()

	s.stats.TotalPeers.Add(1)

	return peer, nil
}

// Listen accepts inbound connections on laddr, performs the receiving side
// of the handshake, and admits each successfully handshaken connection the
// same way an outbound dial is admitted. It blocks until ctx is canceled.
func (s *Swarm) Listen(ctx context.Context, laddr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", laddr)
	if err != nil {
		return err
	}
	s.listener = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	l := s.logger.With("component", "listener")
	l.Info("listening for inbound peers", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.Warn("accept failed", "error", err.Error())
			continue
		}

		go s.acceptPeer(ctx, conn)
	}
}

func (s *Swarm) acceptPeer(ctx context.Context, conn net.Conn) {
	l := s.logger.With("component", "listener")

	tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		_ = conn.Close()
		return
	}
	addr := tcpAddr.AddrPort()

	s.peerMut.RLock()
	_, dup := s.peers[addr]
	total := len(s.peers)
	s.peerMut.RUnlock()

	if dup || total >= s.cfg.MaxPeers {
		_ = conn.Close()
		return
	}

	_, err := protocol.Accept(conn, s.peerID, func(id [protocol.DescriptorIDSize]byte) bool {
		return id == s.descriptorID
	})
	if err != nil {
		l.Debug("inbound handshake failed", "addr", addr, "error", err.Error())
		_ = conn.Close()
		return
	}

	peer := NewAcceptedPeer(conn, addr, s.peerOpts())

	s.peerMut.Lock()
	s.peers[addr] = peer
	s.peerMut.Unlock()

	s.stats.TotalPeers.Add(1)

	defer s.removePeer(addr)
	_ = peer.Run(ctx)
}

// peerOpts builds the PeerOpts shared by every connection this swarm makes,
// wiring each wire-level callback to push an event onto the scheduler's
// queue. The scheduler learns about a peer only after AddPeer has been
// called for it, which happens on handshake.
func (s *Swarm) peerOpts() *PeerOpts {
	eventQueue := s.scheduler.GetPeerEventQueue()
	pieceCount := s.pieceCount

	return &PeerOpts{
		Log:                  s.logger,
		PieceCount:           pieceCount,
		DescriptorID:         s.descriptorID,
		PeerID:               s.peerID,
		DialTimeout:          s.cfg.DialTimeout,
		ReadTimeout:          s.cfg.ReadTimeout,
		WriteTimeout:         s.cfg.WriteTimeout,
		KeepAliveInterval:    s.cfg.KeepAliveInterval,
		OutboundQueueBacklog: s.cfg.PeerOutboxBacklog,

		OnHandshake: func(addr netip.AddrPort) {
			s.scheduler.AddPeer(addr, pieceCount)
			eventQueue <- scheduler.NewHandshakeEvent(addr)
		},
		OnBitfield: func(addr netip.AddrPort, bf bitfield.Bitfield) {
			eventQueue <- scheduler.NewBitfieldEvent(addr, bf)
		},
		OnHave: func(addr netip.AddrPort, pieceIdx uint32) {
			eventQueue <- scheduler.NewHaveEvent(addr, pieceIdx)
		},
		OnPiece: func(addr netip.AddrPort, pieceIdx, begin uint32, block []byte) {
			eventQueue <- scheduler.NewPieceEvent(addr, pieceIdx, begin, block)
		},
		OnRequest: func(addr netip.AddrPort, pieceIdx, begin, length uint32) {
			eventQueue <- scheduler.NewRequestEvent(addr, pieceIdx, begin, length)
		},
		OnCancel: func(addr netip.AddrPort, pieceIdx, begin, length uint32) {
			eventQueue <- scheduler.NewCancelEvent(addr, pieceIdx, begin, length)
		},
		OnChoke: func(addr netip.AddrPort) {
			eventQueue <- scheduler.NewChokedEvent(addr)
		},
		OnDisconnect: func(addr netip.AddrPort) {
			eventQueue <- scheduler.NewGoneEvent(addr)
			s.removePeer(addr)
		},
		RequestWork: func(addr netip.AddrPort) {
			eventQueue <- scheduler.NewUnchokedEvent(addr)
		},
		PieceLength:     s.scheduler.PieceLength,
		UploadLimiter:   s.uploadLimiter,
		DownloadLimiter: s.downloadLimiter,
	}
}

func (s *Swarm) removePeer(addr netip.AddrPort) {
	s.peerMut.Lock()
	if _, exists := s.peers[addr]; !exists {
		s.peerMut.Unlock()
		return
	}
	delete(s.peers, addr)
	s.peerMut.Unlock()

	s.stats.TotalPeers.Add(^uint32(0))
}

func (s *Swarm) GetPeer(addr netip.AddrPort) (*Peer, bool) {
	s.peerMut.RLock()
	defer s.peerMut.RUnlock()

	peer, ok := s.peers[addr]
	return peer, ok
}

func (s *Swarm) maintenanceLoop(ctx context.Context) {
	l := s.logger.With("component", "maintenance loop")
	l.Debug("started")

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			maxIdle := s.cfg.PeerInactivityDuration
			var inactivePeerAddrs []netip.AddrPort

			s.peerMut.RLock()
			for addr, peer := range s.peers {
				if peer.Idleness() > maxIdle {
					inactivePeerAddrs = append(inactivePeerAddrs, addr)
				}
			}
			s.peerMut.RUnlock()

			for _, addr := range inactivePeerAddrs {
				if peer, ok := s.GetPeer(addr); ok {
					peer.Close()
				}
				s.removePeer(addr)
			}

			n := len(inactivePeerAddrs)
			if n > 0 {
				l.Info("removed inactive peers", "count", n)
			}
		}
	}
}

func (s *Swarm) peerDialerLoop(ctx context.Context) {
	l := s.logger.With("component", "peer dialer loop")
	l.Debug("started")

	for {
		select {
		case <-ctx.Done():
			return

		case peerAddr, ok := <-s.peerConnectCh:
			if !ok {
				return
			}

			peer, err := s.addPeer(ctx, peerAddr)
			if err != nil {
				l.Debug("peer connection failed", "addr", peerAddr, "error", err.Error())
				continue
			}
			if peer == nil { // duplicate or swarm full
				continue
			}

			go func(p *Peer) {
				defer s.removePeer(p.addr)
				_ = p.Run(ctx)
			}(peer)
		}
	}
}

func (s *Swarm) statsLoop(ctx context.Context) {
	l := s.logger.With("component", "stats loop")
	l.Debug("started")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.Warn("context done, exiting", "error", ctx.Err())
			return

		case <-ticker.C:
			var totUp, totDown, upRate, downRate uint64
			var unchoked, interested, uploadingTo, downloadingFrom uint32

			s.peerMut.RLock()
			for _, peer := range s.peers {
				totUp += peer.stats.Uploaded.Load()
				totDown += peer.stats.Downloaded.Load()
				ru := peer.stats.UploadRate.Load()
				rd := peer.stats.DownloadRate.Load()
				upRate += ru
				downRate += rd

				if !peer.AmChoking() {
					unchoked++
				}
				if peer.AmInterested() {
					interested++
				}
				if ru > 0 {
					uploadingTo++
				}
				if rd > 0 {
					downloadingFrom++
				}
			}
			s.peerMut.RUnlock()

			s.stats.TotalUploaded.Store(totUp)
			s.stats.TotalDownloaded.Store(totDown)
			s.stats.UploadRate.Store(upRate)
			s.stats.DownloadRate.Store(downRate)
			s.stats.UnchokedPeers.Store(unchoked)
			s.stats.InterestedPeers.Store(interested)
			s.stats.UploadingTo.Store(uploadingTo)
			s.stats.DownloadingFrom.Store(downloadingFrom)
		}
	}
}

// chokeLoop periodically unchokes every peer that has told us it's
// interested, and chokes every peer that hasn't. There is no rate-based
// ranking, no fixed number of upload slots, and no rotating optimistic
// unchoke: a peer is unchoked purely because it wants something from us.
func (s *Swarm) chokeLoop(ctx context.Context) {
	l := s.logger.With("source", "choke loop")
	l.Debug("started")

	ticker := time.NewTicker(s.cfg.RechokeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			s.rechoke()
		}
	}
}

func (s *Swarm) rechoke() {
	s.peerMut.RLock()
	defer s.peerMut.RUnlock()

	for _, peer := range s.peers {
		if peer.PeerInterested() {
			if peer.AmChoking() {
				peer.SendUnchoke()
			}
		} else if !peer.AmChoking() {
			peer.SendChoke()
		}
	}
}

var _ scheduler.PeerSender = (*Swarm)(nil)

func (s *Swarm) SendBitfield(addr netip.AddrPort, bf bitfield.Bitfield) {
	if peer, ok := s.GetPeer(addr); ok {
		peer.SendBitfield(bf)
	}
}

func (s *Swarm) SendHave(addr netip.AddrPort, pieceIdx uint32) {
	if peer, ok := s.GetPeer(addr); ok {
		peer.SendHave(pieceIdx)
	}
}

func (s *Swarm) SendChoke(addr netip.AddrPort) {
	if peer, ok := s.GetPeer(addr); ok {
		peer.SendChoke()
	}
}

func (s *Swarm) SendUnchoke(addr netip.AddrPort) {
	if peer, ok := s.GetPeer(addr); ok {
		peer.SendUnchoke()
	}
}

func (s *Swarm) SendInterested(addr netip.AddrPort) {
	if peer, ok := s.GetPeer(addr); ok {
		peer.SendInterested()
	}
}

func (s *Swarm) SendNotInterested(addr netip.AddrPort) {
	if peer, ok := s.GetPeer(addr); ok {
		peer.SendNotInterested()
	}
}

func (s *Swarm) SendRequest(addr netip.AddrPort, pieceIdx, begin, length uint32) {
	if peer, ok := s.GetPeer(addr); ok {
		peer.SendRequest(pieceIdx, begin, length)
	}
}

func (s *Swarm) SendPiece(addr netip.AddrPort, pieceIdx, begin uint32, data []byte) {
	if peer, ok := s.GetPeer(addr); ok {
		peer.SendPiece(pieceIdx, begin, data)
	}
}

// ClosePeer tears down the session with addr, e.g. after repeated request
// timeouts. Closing the peer fires its OnDisconnect callback, which queues
// the scheduler's GoneEvent and calls removePeer.
func (s *Swarm) ClosePeer(addr netip.AddrPort) {
	if peer, ok := s.GetPeer(addr); ok {
		peer.Close()
	}
}
