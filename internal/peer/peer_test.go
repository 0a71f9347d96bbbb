package peer

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/prxssh/piecewise/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startTestPeer wires one end of a net.Pipe into a Peer (as if the handshake
// had already completed on an accepted connection) and runs it. The returned
// channel yields Run's error once the session ends.
func startTestPeer(t *testing.T, conn net.Conn, pieceCount int, opts *PeerOpts) chan error {
	t.Helper()

	if opts == nil {
		opts = &PeerOpts{}
	}
	opts.Log = testLogger()
	opts.PieceCount = pieceCount
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	opts.KeepAliveInterval = time.Minute
	if opts.PieceLength == nil {
		opts.PieceLength = func(uint32) uint32 { return 16 }
	}

	p := NewAcceptedPeer(conn, netip.MustParseAddrPort("127.0.0.1:1"), opts)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	t.Cleanup(p.Close)

	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()
	return errCh
}

func awaitState(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPeer_InitialChokeInterestState(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	opts := &PeerOpts{Log: testLogger(), PieceCount: 4}
	p := NewAcceptedPeer(local, netip.MustParseAddrPort("127.0.0.1:1"), opts)
	defer p.Close()

	if !p.AmChoking() || !p.PeerChoking() {
		t.Fatal("both sides must start choked")
	}
	if p.AmInterested() || p.PeerInterested() {
		t.Fatal("both sides must start not interested")
	}
}

func TestPeer_RemoteUnchokeAndInterestObserved(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	opts := &PeerOpts{}
	opts.Log = testLogger()
	opts.PieceCount = 4
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	opts.KeepAliveInterval = time.Minute

	p := NewAcceptedPeer(local, netip.MustParseAddrPort("127.0.0.1:1"), opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer p.Close()
	go func() { _ = p.Run(ctx) }()

	if err := protocol.WriteMessage(remote, protocol.MessageUnchoke()); err != nil {
		t.Fatalf("write unchoke: %v", err)
	}
	awaitState(t, "peer_choking=false", func() bool { return !p.PeerChoking() })

	if err := protocol.WriteMessage(remote, protocol.MessageInterested()); err != nil {
		t.Fatalf("write interested: %v", err)
	}
	awaitState(t, "peer_interested=true", func() bool { return p.PeerInterested() })

	if err := protocol.WriteMessage(remote, protocol.MessageChoke()); err != nil {
		t.Fatalf("write choke: %v", err)
	}
	awaitState(t, "peer_choking=true", func() bool { return p.PeerChoking() })
}

func TestPeer_PieceIndexOutOfRangeClosesSession(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	errCh := startTestPeer(t, local, 4, nil)

	msg := protocol.MessagePiece(9, 0, make([]byte, 8))
	if err := protocol.WriteMessage(remote, msg); err != nil {
		t.Fatalf("write piece: %v", err)
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected a protocol error for out-of-range piece index")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("session not closed on out-of-range piece index")
	}
}

func TestPeer_BlockOverrunClosesSession(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	// Piece length is 16; begin 12 + 8 bytes overruns it.
	errCh := startTestPeer(t, local, 4, nil)

	msg := protocol.MessagePiece(0, 12, make([]byte, 8))
	if err := protocol.WriteMessage(remote, msg); err != nil {
		t.Fatalf("write piece: %v", err)
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected a protocol error for block overrun")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("session not closed on block overrun")
	}
}

func TestPeer_BitfieldTrailingBitsClosesSession(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	// 10 pieces need 2 bytes; the low 6 bits of byte 1 are padding and
	// must be zero.
	errCh := startTestPeer(t, local, 10, nil)

	msg := protocol.MessageBitfield([]byte{0x00, 0x01})
	if err := protocol.WriteMessage(remote, msg); err != nil {
		t.Fatalf("write bitfield: %v", err)
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected a protocol error for set trailing bits")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("session not closed on malformed bitfield")
	}
}

func TestPeer_SendRequestSuppressedWhileChoked(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	defer local.Close()

	opts := &PeerOpts{Log: testLogger(), PieceCount: 4}
	p := NewAcceptedPeer(local, netip.MustParseAddrPort("127.0.0.1:1"), opts)
	defer p.Close()

	// peer_choking starts true, so nothing may be queued.
	p.SendRequest(0, 0, 16)
	select {
	case m := <-p.outbox:
		t.Fatalf("REQUEST queued while peer_choking: %v", m)
	default:
	}
}

func TestPeer_SendPieceSuppressedWhileAmChoking(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	defer local.Close()

	opts := &PeerOpts{Log: testLogger(), PieceCount: 4}
	p := NewAcceptedPeer(local, netip.MustParseAddrPort("127.0.0.1:1"), opts)
	defer p.Close()

	p.SendPiece(0, 0, make([]byte, 16))
	select {
	case m := <-p.outbox:
		t.Fatalf("PIECE queued while am_choking: %v", m)
	default:
	}
}

func TestPeer_UnsolicitedCallbacksWired(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	haveCh := make(chan uint32, 1)
	opts := &PeerOpts{
		OnHave: func(_ netip.AddrPort, piece uint32) { haveCh <- piece },
	}
	_ = startTestPeer(t, local, 4, opts)

	if err := protocol.WriteMessage(remote, protocol.MessageHave(2)); err != nil {
		t.Fatalf("write have: %v", err)
	}

	select {
	case got := <-haveCh:
		if got != 2 {
			t.Fatalf("OnHave got piece %d, want 2", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnHave never fired")
	}
}
