package scheduler

import (
	"context"
	"crypto/sha256"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/prxssh/piecewise/internal/meta"
	"github.com/prxssh/piecewise/internal/piece"
	"github.com/prxssh/piecewise/internal/storage"
	"github.com/prxssh/piecewise/internal/utils/bitfield"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sentRequest struct {
	addr   netip.AddrPort
	piece  uint32
	begin  uint32
	length uint32
}

// fakeSender records every outbound message the scheduler asks for, standing
// in for the peer swarm.
type fakeSender struct {
	mu         sync.Mutex
	bitfields  []netip.AddrPort
	haves      map[netip.AddrPort][]uint32
	interested []netip.AddrPort
	requests   []sentRequest
	closed     []netip.AddrPort
}

func newFakeSender() *fakeSender {
	return &fakeSender{haves: make(map[netip.AddrPort][]uint32)}
}

func (f *fakeSender) SendBitfield(addr netip.AddrPort, bf bitfield.Bitfield) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bitfields = append(f.bitfields, addr)
}

func (f *fakeSender) SendHave(addr netip.AddrPort, pieceIdx uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.haves[addr] = append(f.haves[addr], pieceIdx)
}

func (f *fakeSender) SendChoke(addr netip.AddrPort)   {}
func (f *fakeSender) SendUnchoke(addr netip.AddrPort) {}

func (f *fakeSender) SendInterested(addr netip.AddrPort) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interested = append(f.interested, addr)
}

func (f *fakeSender) SendNotInterested(addr netip.AddrPort) {}

func (f *fakeSender) SendRequest(addr netip.AddrPort, pieceIdx, begin, length uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, sentRequest{addr: addr, piece: pieceIdx, begin: begin, length: length})
}

func (f *fakeSender) SendPiece(addr netip.AddrPort, pieceIdx, begin uint32, data []byte) {}

func (f *fakeSender) ClosePeer(addr netip.AddrPort) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, addr)
}

func (f *fakeSender) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeSender) interestedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.interested)
}

// newTestScheduler builds a scheduler over a real (empty) store for a
// single-file torrent of pieceCount 16-byte pieces.
func newTestScheduler(t *testing.T, pieceCount int, sender PeerSender) (*Scheduler, *storage.Store) {
	t.Helper()

	pieceLen := int32(16)
	stream := make([]byte, pieceCount*int(pieceLen))
	for i := range stream {
		stream[i] = byte(i*13 + 7)
	}

	hashes := make([][meta.PieceHashSize]byte, pieceCount)
	for i := 0; i < pieceCount; i++ {
		hashes[i] = sha256.Sum256(stream[i*int(pieceLen) : (i+1)*int(pieceLen)])
	}

	mi := &meta.Metainfo{Info: &meta.Info{
		Name:        "payload.bin",
		PieceLength: pieceLen,
		Pieces:      hashes,
		Length:      int64(len(stream)),
	}}

	store, err := storage.NewStorage(mi, &storage.Config{
		DownloadDir:    t.TempDir(),
		PieceQueueSize: 8,
		DiskQueueSize:  8,
	}, testLogger())
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	mgr, err := piece.NewManager(
		uint32(pieceCount), uint32(pieceLen), uint64(len(stream)),
		10, piece.StrategyRarestFirst, testLogger(),
	)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	cfg := &Config{
		MaxInflightRequestsPerPeer: 5,
		MinInflightRequestsPerPeer: 2,
		RequestTimeout:             50 * time.Millisecond,
		DownloadStrategy:           piece.StrategyRarestFirst,
		MaxPeers:                   10,
		EventQueueSize:             16,
	}

	return NewScheduler(cfg, mgr, store, sender, testLogger()), store
}

func fullBitfield(n int) bitfield.Bitfield {
	bf := bitfield.New(n)
	for i := 0; i < n; i++ {
		bf.Set(i)
	}
	return bf
}

func TestScheduler_HandshakeSendsBitfield(t *testing.T) {
	sender := newFakeSender()
	s, _ := newTestScheduler(t, 3, sender)

	addr := netip.MustParseAddrPort("10.0.0.1:6881")
	s.AddPeer(addr, 3)
	s.handlePeerEvent(NewHandshakeEvent(addr))

	if len(sender.bitfields) != 1 || sender.bitfields[0] != addr {
		t.Fatalf("expected exactly one BITFIELD to %v, got %v", addr, sender.bitfields)
	}
}

func TestScheduler_InterestedSentOnlyAfterWantedBitfield(t *testing.T) {
	sender := newFakeSender()
	s, _ := newTestScheduler(t, 3, sender)

	addr := netip.MustParseAddrPort("10.0.0.1:6881")
	s.AddPeer(addr, 3)

	s.handlePeerEvent(NewBitfieldEvent(addr, fullBitfield(3)))
	if got := sender.interestedCount(); got != 1 {
		t.Fatalf("expected 1 INTERESTED after wanted bitfield, got %d", got)
	}

	// Telling us again about pieces we already want must not repeat the
	// message.
	s.handlePeerEvent(NewHaveEvent(addr, 1))
	if got := sender.interestedCount(); got != 1 {
		t.Fatalf("expected no duplicate INTERESTED, got %d", got)
	}
}

func TestScheduler_SeederNeverSendsInterested(t *testing.T) {
	sender := newFakeSender()
	s, _ := newTestScheduler(t, 3, sender)

	// Local side already has every piece.
	s.downloadedPieces = fullBitfield(3)

	addr := netip.MustParseAddrPort("10.0.0.1:6881")
	s.AddPeer(addr, 3)
	s.handlePeerEvent(NewBitfieldEvent(addr, fullBitfield(3)))

	if got := sender.interestedCount(); got != 0 {
		t.Fatalf("seeder sent INTERESTED %d times", got)
	}
}

func TestScheduler_UnchokeIssuesBoundedRequests(t *testing.T) {
	sender := newFakeSender()
	s, _ := newTestScheduler(t, 4, sender)

	addr := netip.MustParseAddrPort("10.0.0.1:6881")
	s.AddPeer(addr, 4)
	s.handlePeerEvent(NewBitfieldEvent(addr, fullBitfield(4)))
	s.handlePeerEvent(NewUnchokedEvent(addr))

	// The per-peer window starts at MinInflightRequestsPerPeer.
	if got := sender.requestCount(); got != 2 {
		t.Fatalf("expected 2 in-flight requests, got %d", got)
	}

	seen := make(map[uint64]bool)
	for _, r := range sender.requests {
		key := blockKey(r.piece, r.begin)
		if seen[key] {
			t.Fatalf("duplicate request for piece %d begin %d", r.piece, r.begin)
		}
		seen[key] = true
	}
}

func TestScheduler_NoRequestsWhileChoked(t *testing.T) {
	sender := newFakeSender()
	s, _ := newTestScheduler(t, 4, sender)

	addr := netip.MustParseAddrPort("10.0.0.1:6881")
	s.AddPeer(addr, 4)
	s.handlePeerEvent(NewBitfieldEvent(addr, fullBitfield(4)))
	s.nextForPeer(addr)

	if got := sender.requestCount(); got != 0 {
		t.Fatalf("issued %d requests while peer_choking", got)
	}
}

func TestScheduler_UnsolicitedPieceDiscarded(t *testing.T) {
	sender := newFakeSender()
	s, store := newTestScheduler(t, 3, sender)

	addr := netip.MustParseAddrPort("10.0.0.1:6881")
	s.AddPeer(addr, 3)

	s.handlePeerEvent(NewPieceEvent(addr, 0, 0, make([]byte, 16)))

	if got := len(store.BlockQueue); got != 0 {
		t.Fatalf("unsolicited PIECE reached storage (%d queued)", got)
	}
}

func TestScheduler_SolicitedPieceRoutedToStorage(t *testing.T) {
	sender := newFakeSender()
	s, store := newTestScheduler(t, 3, sender)

	addr := netip.MustParseAddrPort("10.0.0.1:6881")
	s.AddPeer(addr, 3)
	s.handlePeerEvent(NewBitfieldEvent(addr, fullBitfield(3)))
	s.handlePeerEvent(NewUnchokedEvent(addr))

	if sender.requestCount() == 0 {
		t.Fatal("no requests issued")
	}
	req := sender.requests[0]

	s.handlePeerEvent(NewPieceEvent(addr, req.piece, req.begin, make([]byte, req.length)))

	select {
	case block := <-store.BlockQueue:
		if block.PieceIdx != req.piece || block.Begin != req.begin {
			t.Fatalf("wrong block routed: piece=%d begin=%d", block.PieceIdx, block.Begin)
		}
	default:
		t.Fatal("solicited PIECE never reached storage")
	}
}

func TestScheduler_PieceWithMismatchedLengthDiscarded(t *testing.T) {
	sender := newFakeSender()
	s, store := newTestScheduler(t, 3, sender)

	addr := netip.MustParseAddrPort("10.0.0.1:6881")
	s.AddPeer(addr, 3)
	s.handlePeerEvent(NewBitfieldEvent(addr, fullBitfield(3)))
	s.handlePeerEvent(NewUnchokedEvent(addr))

	if sender.requestCount() == 0 {
		t.Fatal("no requests issued")
	}
	req := sender.requests[0]

	// A block that matches the request's (index, offset) but not its
	// length is not a legitimate answer.
	s.handlePeerEvent(NewPieceEvent(addr, req.piece, req.begin, make([]byte, req.length-1)))
	if got := len(store.BlockQueue); got != 0 {
		t.Fatalf("short block reached storage (%d queued)", got)
	}
	s.handlePeerEvent(NewPieceEvent(addr, req.piece, req.begin, make([]byte, req.length+1)))
	if got := len(store.BlockQueue); got != 0 {
		t.Fatalf("long block reached storage (%d queued)", got)
	}

	// The request stays outstanding, so a correctly-sized answer is still
	// accepted afterwards.
	s.handlePeerEvent(NewPieceEvent(addr, req.piece, req.begin, make([]byte, req.length)))
	select {
	case block := <-store.BlockQueue:
		if block.PieceIdx != req.piece || block.Begin != req.begin {
			t.Fatalf("wrong block routed: piece=%d begin=%d", block.PieceIdx, block.Begin)
		}
	default:
		t.Fatal("correctly-sized block never reached storage")
	}
}

func TestScheduler_IrrecoverablePieceStopsTorrent(t *testing.T) {
	sender := newFakeSender()
	s, store := newTestScheduler(t, 3, sender)

	errCh := make(chan error, 1)
	go func() { errCh <- s.pieceResultLoop(context.Background()) }()

	store.PieceResultQueue <- &storage.PieceResult{Piece: 1, Success: false, Irrecoverable: true}

	select {
	case err := <-errCh:
		var irr *ErrIrrecoverablePiece
		if !errors.As(err, &irr) || irr.Piece != 1 {
			t.Fatalf("want ErrIrrecoverablePiece for piece 1, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pieceResultLoop never surfaced the irrecoverable piece")
	}
}

func TestScheduler_CommitBroadcastsHave(t *testing.T) {
	sender := newFakeSender()
	s, store := newTestScheduler(t, 3, sender)

	a := netip.MustParseAddrPort("10.0.0.1:6881")
	b := netip.MustParseAddrPort("10.0.0.2:6881")
	s.AddPeer(a, 3)
	s.AddPeer(b, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { defer close(done); _ = s.pieceResultLoop(ctx) }()

	store.PieceResultQueue <- &storage.PieceResult{Piece: 2, Success: true}

	deadline := time.Now().Add(2 * time.Second)
	for {
		sender.mu.Lock()
		gotA, gotB := len(sender.haves[a]), len(sender.haves[b])
		sender.mu.Unlock()
		if gotA == 1 && gotB == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("HAVE not broadcast to every peer: a=%d b=%d", gotA, gotB)
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.bfMut.RLock()
	has := s.downloadedPieces.Has(2)
	s.bfMut.RUnlock()
	if !has {
		t.Fatal("committed piece missing from local bitfield")
	}

	cancel()
	<-done
}

func TestScheduler_RepeatedTimeoutsCloseSession(t *testing.T) {
	sender := newFakeSender()
	s, _ := newTestScheduler(t, 3, sender)

	addr := netip.MustParseAddrPort("10.0.0.1:6881")
	s.AddPeer(addr, 3)

	expire := func(pieceIdx uint32) {
		s.peerMut.Lock()
		s.peers[addr].blockAssignments[blockKey(pieceIdx, 0)] = blockRequest{
			requestedAt: time.Now().Add(-time.Minute),
			length:      16,
		}
		s.peerMut.Unlock()
		s.reapTimedOutBlocks()
	}

	expire(0)
	expire(1)
	if len(sender.closed) != 0 {
		t.Fatalf("session closed after only two timeouts")
	}

	expire(2)
	if len(sender.closed) != 1 || sender.closed[0] != addr {
		t.Fatalf("expected session close after three consecutive timeouts, got %v", sender.closed)
	}
}

func TestScheduler_PeerGoneReleasesAssignments(t *testing.T) {
	sender := newFakeSender()
	s, _ := newTestScheduler(t, 3, sender)

	addr := netip.MustParseAddrPort("10.0.0.1:6881")
	s.AddPeer(addr, 3)
	s.handlePeerEvent(NewBitfieldEvent(addr, fullBitfield(3)))
	s.handlePeerEvent(NewUnchokedEvent(addr))

	issued := sender.requestCount()
	if issued == 0 {
		t.Fatal("no requests issued")
	}

	s.handlePeerEvent(NewGoneEvent(addr))

	// A second peer must be able to claim the released blocks.
	other := netip.MustParseAddrPort("10.0.0.2:6881")
	s.AddPeer(other, 3)
	s.handlePeerEvent(NewBitfieldEvent(other, fullBitfield(3)))
	s.handlePeerEvent(NewUnchokedEvent(other))

	if got := sender.requestCount(); got != issued*2 {
		t.Fatalf("released blocks not reassignable: %d requests total, want %d", got, issued*2)
	}
}
