// Package scheduler bridges peer wire events and the piece manager: it
// decides which blocks to request from which peer, forwards completed
// blocks to storage, serves blocks requested by peers, and broadcasts HAVE
// once storage confirms a piece is written and verified.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/prxssh/piecewise/internal/piece"
	"github.com/prxssh/piecewise/internal/storage"
	"github.com/prxssh/piecewise/internal/utils/bitfield"
	"golang.org/x/sync/errgroup"
)

// ErrIrrecoverablePiece reports that a piece failed its digest check from
// three distinct peers; the descriptor or the underlying storage is
// corrupted and the torrent cannot make progress. Fatal for the torrent.
type ErrIrrecoverablePiece struct{ Piece uint32 }

func (e *ErrIrrecoverablePiece) Error() string {
	return fmt.Sprintf("scheduler: piece %d irrecoverable after repeated bad data from distinct peers", e.Piece)
}

type Config struct {
	// MaxInflightRequestsPerPeer bounds how many outstanding block
	// requests the scheduler will keep queued against a single peer.
	MaxInflightRequestsPerPeer uint32

	// MinInflightRequestsPerPeer is the floor used when a peer's
	// measured throughput would otherwise push its window below it.
	MinInflightRequestsPerPeer uint32

	// RequestTimeout is how long a block may stay assigned to a peer
	// before it is released back to StatusWant and retried elsewhere.
	RequestTimeout time.Duration

	// DownloadStrategy picks which not-yet-owned piece to request next.
	DownloadStrategy piece.DownloadStrategy

	// MaxPeers bounds the availability counter used for rarest-first
	// selection.
	MaxPeers int

	EventQueueSize int
}

func WithDefaultConfig() *Config {
	return &Config{
		MaxInflightRequestsPerPeer: 10,
		MinInflightRequestsPerPeer: 2,
		RequestTimeout:             20 * time.Second,
		DownloadStrategy:           piece.StrategyRarestFirst,
		MaxPeers:                   50,
		EventQueueSize:             256,
	}
}

// PeerSender is the subset of swarm behavior the scheduler needs to push
// messages to a specific connected peer. The scheduler depends on this
// interface rather than the peer/swarm packages directly, so it never needs
// to know how a peer connection is actually represented.
type PeerSender interface {
	SendBitfield(addr netip.AddrPort, bf bitfield.Bitfield)
	SendHave(addr netip.AddrPort, pieceIdx uint32)
	SendChoke(addr netip.AddrPort)
	SendUnchoke(addr netip.AddrPort)
	SendInterested(addr netip.AddrPort)
	SendNotInterested(addr netip.AddrPort)
	SendRequest(addr netip.AddrPort, pieceIdx, begin, length uint32)
	SendPiece(addr netip.AddrPort, pieceIdx, begin uint32, data []byte)
	ClosePeer(addr netip.AddrPort)
}

// maxConsecutiveTimeouts is how many request timeouts in a row a peer may
// accrue before its session is closed.
const maxConsecutiveTimeouts = 3

// blockRequest records one outstanding REQUEST to a peer. A PIECE frame is
// legitimate only when a prior request matches it on (index, offset, length),
// so the expected length is kept alongside the deadline clock.
type blockRequest struct {
	requestedAt time.Time
	length      uint32
}

type peerState struct {
	addr                netip.AddrPort
	pieces              bitfield.Bitfield
	choking             bool // true while the remote peer is choking us
	interested          bool // true once we have told this peer we're interested
	blockAssignments    map[uint64]blockRequest
	maxInflightRequests uint32
	consecutiveTimeouts int
}

type Scheduler struct {
	logger *slog.Logger
	cfg    *Config

	mut                   sync.Mutex
	inflightPieceRequests int32

	peerMut sync.RWMutex
	peers   map[netip.AddrPort]*peerState

	pieceManager *piece.Manager
	storage      *storage.Store
	sender       PeerSender

	bfMut            sync.RWMutex
	downloadedPieces bitfield.Bitfield

	eventQueue chan Event
}

func NewScheduler(
	cfg *Config,
	pieceManager *piece.Manager,
	store *storage.Store,
	sender PeerSender,
	logger *slog.Logger,
) *Scheduler {
	if cfg == nil {
		cfg = WithDefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")

	return &Scheduler{
		logger:           logger,
		cfg:              cfg,
		peers:            make(map[netip.AddrPort]*peerState),
		pieceManager:     pieceManager,
		storage:          store,
		sender:           sender,
		downloadedPieces: store.Bitfield(),
		eventQueue:       make(chan Event, cfg.EventQueueSize),
	}
}

// SetSender wires the scheduler to the component that actually owns peer
// connections. It must be called before Run, since the swarm that implements
// PeerSender needs a reference to this scheduler to construct itself,
// creating an unavoidable two-phase construction.
func (s *Scheduler) SetSender(sender PeerSender) {
	s.sender = sender
}

// GetPeerEventQueue returns the channel peer callbacks push inbound wire
// events onto.
func (s *Scheduler) GetPeerEventQueue() chan<- Event {
	return s.eventQueue
}

// PieceLength reports the exact byte length of the piece at idx (the last
// piece is typically shorter than the rest). Exposed so peer sessions can
// reject REQUEST/PIECE frames whose offset+length overruns the piece.
func (s *Scheduler) PieceLength(idx uint32) uint32 {
	return s.pieceManager.PieceLength(idx)
}

// AddPeer registers a newly connected peer before any events about it are
// delivered.
func (s *Scheduler) AddPeer(addr netip.AddrPort, pieceCount int) {
	s.peerMut.Lock()
	defer s.peerMut.Unlock()

	s.peers[addr] = &peerState{
		addr:                addr,
		pieces:              bitfield.New(pieceCount),
		choking:             true,
		blockAssignments:    make(map[uint64]blockRequest),
		maxInflightRequests: s.cfg.MinInflightRequestsPerPeer,
	}
}

func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.eventLoop(gctx) })
	g.Go(func() error { return s.pieceResultLoop(gctx) })
	g.Go(func() error { return s.timeoutLoop(gctx) })

	s.logger.Info("scheduler started")

	return g.Wait()
}

func (s *Scheduler) eventLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-s.eventQueue:
			if !ok {
				return nil
			}
			s.handlePeerEvent(event)
		}
	}
}

// pieceResultLoop consumes storage's verification results, updates the
// piece manager, and broadcasts HAVE to every connected peer once a piece
// is confirmed written to disk.
func (s *Scheduler) pieceResultLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case result, ok := <-s.storage.PieceResultQueue:
			if !ok {
				return nil
			}

			s.pieceManager.MarkPieceVerified(result.Piece, result.Success)

			if !result.Success {
				if result.Irrecoverable {
					s.logger.Error("piece irrecoverable after repeated bad data", "piece", result.Piece)
					return &ErrIrrecoverablePiece{Piece: result.Piece}
				}
				continue
			}

			s.bfMut.Lock()
			s.downloadedPieces.Set(int(result.Piece))
			s.bfMut.Unlock()

			s.broadcastHave(result.Piece)
			s.refreshInterestAll()
		}
	}
}

func (s *Scheduler) broadcastHave(pieceIdx uint32) {
	s.peerMut.RLock()
	defer s.peerMut.RUnlock()

	for addr := range s.peers {
		s.sender.SendHave(addr, pieceIdx)
	}
}

// timeoutLoop releases blocks that have been assigned to a peer for longer
// than RequestTimeout, so they can be retried against a different peer.
func (s *Scheduler) timeoutLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.RequestTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.reapTimedOutBlocks()
		}
	}
}

func (s *Scheduler) reapTimedOutBlocks() {
	now := time.Now()

	type expired struct {
		addr  netip.AddrPort
		piece uint32
		begin uint32
	}

	s.peerMut.RLock()
	var timedOut []expired
	for addr, peer := range s.peers {
		for key, req := range peer.blockAssignments {
			if now.Sub(req.requestedAt) < s.cfg.RequestTimeout {
				continue
			}
			pieceIdx, begin := unpackBlockKey(key)
			timedOut = append(timedOut, expired{addr: addr, piece: pieceIdx, begin: begin})
		}
	}
	s.peerMut.RUnlock()

	if len(timedOut) == 0 {
		return
	}

	var toClose []netip.AddrPort

	s.peerMut.Lock()
	for _, e := range timedOut {
		if peer, ok := s.peers[e.addr]; ok {
			delete(peer.blockAssignments, blockKey(e.piece, e.begin))
			peer.consecutiveTimeouts++
		}
	}
	for addr, peer := range s.peers {
		if peer.consecutiveTimeouts >= maxConsecutiveTimeouts {
			toClose = append(toClose, addr)
		}
	}
	s.peerMut.Unlock()

	s.mut.Lock()
	s.inflightPieceRequests -= int32(len(timedOut))
	s.mut.Unlock()

	for _, e := range timedOut {
		s.pieceManager.UnassignBlock(e.addr, e.piece, e.begin)
		s.logger.Debug("request timed out", "peer", e.addr, "piece", e.piece, "begin", e.begin)
	}

	for _, addr := range toClose {
		s.logger.Warn("closing peer after repeated request timeouts", "peer", addr)
		s.sender.ClosePeer(addr)
	}
}

// nextForPeer assigns as many new blocks as the peer's window allows and
// sends the corresponding REQUEST messages.
func (s *Scheduler) nextForPeer(addr netip.AddrPort) {
	s.peerMut.Lock()
	peer, ok := s.peers[addr]
	if !ok || peer.choking {
		s.peerMut.Unlock()
		return
	}

	capacity := uint32(0)
	if peer.maxInflightRequests > uint32(len(peer.blockAssignments)) {
		capacity = peer.maxInflightRequests - uint32(len(peer.blockAssignments))
	}
	peerBF := peer.pieces
	s.peerMut.Unlock()

	if capacity == 0 {
		return
	}

	blocks := s.pieceManager.NextBlocksForPeer(addr, peerBF, capacity)
	if len(blocks) == 0 {
		return
	}

	s.peerMut.Lock()
	peer, ok = s.peers[addr]
	if !ok {
		s.peerMut.Unlock()
		for _, b := range blocks {
			s.pieceManager.UnassignBlock(addr, b.PieceIdx, b.Begin)
		}
		return
	}
	for _, b := range blocks {
		peer.blockAssignments[blockKey(b.PieceIdx, b.Begin)] = blockRequest{
			requestedAt: time.Now(),
			length:      b.Length,
		}
	}
	s.peerMut.Unlock()

	s.mut.Lock()
	s.inflightPieceRequests += int32(len(blocks))
	s.mut.Unlock()

	for _, b := range blocks {
		s.sender.SendRequest(addr, b.PieceIdx, b.Begin, b.Length)
	}
}

// weWant reports whether bf has any piece set that we do not already have.
// The local bitfield check must happen before INTERESTED is ever sent, never
// after, so every call site that might send INTERESTED goes through this.
func (s *Scheduler) weWant(bf bitfield.Bitfield) bool {
	s.bfMut.RLock()
	defer s.bfMut.RUnlock()

	n := bf.Len()
	for i := 0; i < n; i++ {
		if bf.Has(i) && !s.downloadedPieces.Has(i) {
			return true
		}
	}
	return false
}

// updateInterest recomputes whether we are interested in addr given its
// currently known bitfield, and sends INTERESTED/NOT_INTERESTED only on a
// transition so a peer is never told the same thing twice in a row.
func (s *Scheduler) updateInterest(addr netip.AddrPort) {
	s.peerMut.Lock()
	peer, ok := s.peers[addr]
	if !ok {
		s.peerMut.Unlock()
		return
	}
	want := s.weWant(peer.pieces)
	changed := want != peer.interested
	peer.interested = want
	s.peerMut.Unlock()

	if !changed {
		return
	}
	if want {
		s.sender.SendInterested(addr)
	} else {
		s.sender.SendNotInterested(addr)
	}
}

// refreshInterestAll re-evaluates interest for every connected peer. Called
// after a piece is verified, since completing a piece can make us no longer
// interested in peers whose advertised pieces we now already have.
func (s *Scheduler) refreshInterestAll() {
	s.peerMut.RLock()
	addrs := make([]netip.AddrPort, 0, len(s.peers))
	for addr := range s.peers {
		addrs = append(addrs, addr)
	}
	s.peerMut.RUnlock()

	for _, addr := range addrs {
		s.updateInterest(addr)
	}
}

// updateAvailability adjusts the rarest-first counters for every piece set
// in bf.
func (s *Scheduler) updateAvailability(bf bitfield.Bitfield, delta int) {
	for i := 0; i < bf.Len(); i++ {
		if bf.Has(i) {
			s.pieceManager.UpdateAvailability(uint32(i), delta)
		}
	}
}

func blockKey(pieceIdx, begin uint32) uint64 {
	return uint64(pieceIdx)<<32 | uint64(begin)
}

func unpackBlockKey(key uint64) (pieceIdx, begin uint32) {
	return uint32(key >> 32), uint32(key & 0xFFFFFFFF)
}
