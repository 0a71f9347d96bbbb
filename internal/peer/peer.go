package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/piecewise/internal/protocol"
	"github.com/prxssh/piecewise/internal/ratelimit"
	"github.com/prxssh/piecewise/internal/utils/bitfield"
	"golang.org/x/sync/errgroup"
)

const (
	defaultDialTimeout          = 7 * time.Second
	defaultReadTimeout          = 30 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultKeepAliveInterval    = 90 * time.Second
	defaultOutboundQueueBacklog = 256

	// messageHistoryCapacity bounds the ring buffer of recent wire events
	// kept per peer for diagnostics; old entries are overwritten, never
	// grown.
	messageHistoryCapacity = 32
)

const (
	maskAmChoking      = 1 << 0
	maskAmInterested   = 1 << 1
	maskPeerChoking    = 1 << 2
	maskPeerInterested = 1 << 3
)

type Peer struct {
	log           *slog.Logger
	conn          net.Conn
	addr          netip.AddrPort
	state         uint32
	stats         *PeerStats
	pieceCount    int
	lastAcitivyAt atomic.Int64
	outbox        chan *protocol.Message
	closeOnce     sync.Once
	stopped       atomic.Bool
	cancel        context.CancelFunc
	readTimeout   time.Duration
	writeTimeout  time.Duration
	keepAlive     time.Duration
	onBitfield      func(netip.AddrPort, bitfield.Bitfield)
	onHave          func(netip.AddrPort, uint32)
	onDisconnect    func(netip.AddrPort)
	onHandshake     func(netip.AddrPort)
	onPiece         func(netip.AddrPort, uint32, uint32, []byte)
	onRequest       func(netip.AddrPort, uint32, uint32, uint32)
	onCancel        func(netip.AddrPort, uint32, uint32, uint32)
	onChoke         func(netip.AddrPort)
	requestWork     func(netip.AddrPort)
	pieceLength     func(uint32) uint32
	uploadLimiter   *ratelimit.Limiter
	downloadLimiter *ratelimit.Limiter
	history         *messageHistoryBuffer
}

// PeerStats holds per-connection counters/timestamps. All counters are
// atomic and monotonically increasing for the lifetime of a peer.
type PeerStats struct {
	// Downloaded is the total number of BYTES we have received from this
	// peer.
	Downloaded atomic.Uint64

	// Uploaded is the total number of BYTES we have sent to this peer.
	Uploaded atomic.Uint64

	// DownloadRate is an instantaneous or smoothed BYTES PER SECOND estimate
	// of incoming data.
	DownloadRate atomic.Uint64

	// UploadRate is an instantaneous or smoothed BYTES PER SECOND estimate of
	// outgoing data.
	UploadRate atomic.Uint64

	// MessagesReceived counts frames successfully READ from the socket,
	// including keep-alives.
	MessagesReceived atomic.Uint64

	// MessagesSent counts frames successfully WRITTEN to the socket,
	// including keep-alives.
	MessagesSent atomic.Uint64

	// RequestsSent counts REQUEST messages we successfully wrote to the
	// socket.
	RequestsSent atomic.Uint64

	// RequestsReceived counts REQUEST messages received from the peer.
	RequestsReceived atomic.Uint64

	// RequestsCancelled is the total number of CANCELs (both directions).
	RequestsCancelled atomic.Uint64

	// RequestsTimeout counts our detected timeouts for requests we sent to
	// this peer.
	RequestsTimeout atomic.Uint64

	// PiecesReceived counts PIECE messages we received (i.e., completed
	// blocks from the peer).
	PiecesReceived atomic.Uint64

	// PiecesSent counts PIECE messages we successfully wrote (i.e., blocks
	// uploaded to the peer).
	PiecesSent atomic.Uint64

	// Errors counts protocol or I/O errors local to this peer connection
	// (failed reads/writes, malformed messages, etc.).
	Errors atomic.Uint64

	// ConnectedAt is the wall-clock time when the TCP connection and
	// handshake succeeded.
	ConnectedAt time.Time

	// DisconnectedAt is the wall-clock time when the connection was
	// closed (local or remote).
	DisconnectedAt time.Time
}

// PeerMetrics is a snapshot of a single peer's connection + transfer stats.
type PeerMetrics struct {
	Addr           netip.AddrPort
	Downloaded     uint64
	Uploaded       uint64
	RequestsSent   uint64
	BlocksReceived uint64
	BlocksFailed   uint64
	LastActive     time.Time
	ConnectedAt    time.Time
	ConnectedFor   int64 // duration in nanoseconds
	DownloadRate   uint64
	UploadRate     uint64
	IsChoked       bool
	IsInterested   bool
	RecentEvents   []*Event
}

// PeerOpts configures a single outbound peer connection. There is no global
// config in this package: every timeout, queue size, and identity value the
// peer needs comes in through this struct, threaded down from the caller's
// own config. Zero-valued durations/sizes fall back to sane defaults.
type PeerOpts struct {
	Log          *slog.Logger
	PieceCount   int
	DescriptorID [protocol.DescriptorIDSize]byte
	PeerID       [protocol.PeerIDSize]byte

	DialTimeout          time.Duration
	ReadTimeout          time.Duration
	WriteTimeout         time.Duration
	KeepAliveInterval    time.Duration
	OutboundQueueBacklog int

	OnBitfield   func(netip.AddrPort, bitfield.Bitfield)
	OnHave       func(netip.AddrPort, uint32)
	OnDisconnect func(netip.AddrPort)
	OnHandshake  func(netip.AddrPort)
	OnPiece      func(netip.AddrPort, uint32, uint32, []byte)
	OnRequest    func(netip.AddrPort, uint32, uint32, uint32)
	OnCancel     func(netip.AddrPort, uint32, uint32, uint32)
	OnChoke      func(netip.AddrPort)
	RequestWork  func(netip.AddrPort)

	// PieceLength returns the exact byte length of the piece at the given
	// index (the last piece is typically shorter than the rest). Used to
	// reject REQUEST/PIECE payloads whose offset+length overruns the
	// piece. Nil disables the check.
	PieceLength func(uint32) uint32

	// UploadLimiter/DownloadLimiter throttle this peer's PIECE writes and
	// reads respectively. Nil (the default) means unlimited; a shared
	// *ratelimit.Limiter across every peer of a torrent enforces a
	// torrent-wide cap instead of a per-peer one.
	UploadLimiter   *ratelimit.Limiter
	DownloadLimiter *ratelimit.Limiter
}

func (o *PeerOpts) withDefaults() *PeerOpts {
	out := *o
	if out.DialTimeout == 0 {
		out.DialTimeout = defaultDialTimeout
	}
	if out.ReadTimeout == 0 {
		out.ReadTimeout = defaultReadTimeout
	}
	if out.WriteTimeout == 0 {
		out.WriteTimeout = defaultWriteTimeout
	}
	if out.KeepAliveInterval == 0 {
		out.KeepAliveInterval = defaultKeepAliveInterval
	}
	if out.OutboundQueueBacklog == 0 {
		out.OutboundQueueBacklog = defaultOutboundQueueBacklog
	}
	return &out
}

// NewPeer dials addr, performs the outbound handshake verifying the remote's
// descriptor id matches opts.DescriptorID, and returns a Peer ready for Run.
func NewPeer(ctx context.Context, addr netip.AddrPort, opts *PeerOpts) (*Peer, error) {
	opts = opts.withDefaults()
	log := opts.Log.With("src", "peer", "addr", addr)

	dialer := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, err
	}

	handshake := protocol.NewHandshake(opts.DescriptorID, opts.PeerID)
	if _, err := handshake.Exchange(conn, true); err != nil {
		_ = conn.Close()
		return nil, err
	}

	p := &Peer{
		log:             log,
		conn:            conn,
		addr:            addr,
		stats:           &PeerStats{},
		readTimeout:     opts.ReadTimeout,
		writeTimeout:    opts.WriteTimeout,
		keepAlive:       opts.KeepAliveInterval,
		onBitfield:      opts.OnBitfield,
		onHave:          opts.OnHave,
		onDisconnect:    opts.OnDisconnect,
		onHandshake:     opts.OnHandshake,
		onPiece:         opts.OnPiece,
		onRequest:       opts.OnRequest,
		onCancel:        opts.OnCancel,
		onChoke:         opts.OnChoke,
		requestWork:     opts.RequestWork,
		pieceLength:     opts.PieceLength,
		uploadLimiter:   opts.UploadLimiter,
		downloadLimiter: opts.DownloadLimiter,
		pieceCount:      opts.PieceCount,
		outbox:          make(chan *protocol.Message, opts.OutboundQueueBacklog),
		history:         newMessageHistoryBuffer(messageHistoryCapacity),
	}
	p.setState(maskAmChoking|maskPeerChoking, true)
	p.lastAcitivyAt.Store(time.Now().UnixNano())
	p.stats.ConnectedAt = time.Now()

	return p, nil
}

// NewAcceptedPeer wraps an already-handshaken inbound connection (see
// protocol.Accept) into a Peer ready for Run.
func NewAcceptedPeer(conn net.Conn, addr netip.AddrPort, opts *PeerOpts) *Peer {
	opts = opts.withDefaults()
	log := opts.Log.With("src", "peer", "addr", addr, "inbound", true)

	p := &Peer{
		log:             log,
		conn:            conn,
		addr:            addr,
		stats:           &PeerStats{},
		readTimeout:     opts.ReadTimeout,
		writeTimeout:    opts.WriteTimeout,
		keepAlive:       opts.KeepAliveInterval,
		onBitfield:      opts.OnBitfield,
		onHave:          opts.OnHave,
		onDisconnect:    opts.OnDisconnect,
		onHandshake:     opts.OnHandshake,
		onPiece:         opts.OnPiece,
		onRequest:       opts.OnRequest,
		onCancel:        opts.OnCancel,
		onChoke:         opts.OnChoke,
		requestWork:     opts.RequestWork,
		pieceLength:     opts.PieceLength,
		uploadLimiter:   opts.UploadLimiter,
		downloadLimiter: opts.DownloadLimiter,
		pieceCount:      opts.PieceCount,
		outbox:          make(chan *protocol.Message, opts.OutboundQueueBacklog),
		history:         newMessageHistoryBuffer(messageHistoryCapacity),
	}
	p.setState(maskAmChoking|maskPeerChoking, true)
	p.lastAcitivyAt.Store(time.Now().UnixNano())
	p.stats.ConnectedAt = time.Now()

	return p
}

func (p *Peer) Run(ctx context.Context) error {
	defer p.Close()

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.readMessagesLoop(gctx) })
	g.Go(func() error { return p.writeMessagesLoop(gctx) })
	g.Go(func() error { return p.downloadUploadRatesLoop(gctx) })

	return g.Wait()
}

func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		p.stopped.Store(true)

		if p.cancel != nil {
			p.cancel()
		}

		_ = p.conn.Close()
		close(p.outbox)
		p.stats.DisconnectedAt = time.Now()

		if p.onDisconnect != nil {
			p.onDisconnect(p.addr)
		}

		p.log.Debug("stopped peer")
	})
}

func (p *Peer) Idleness() time.Duration {
	ns := time.Unix(0, p.lastAcitivyAt.Load())
	return time.Since(ns)
}

func (p *Peer) SendBitfield(bf bitfield.Bitfield) {
	p.enqueueMessage(protocol.MessageBitfield(bf.Bytes()))
}

func (p *Peer) SendKeepAlive() {
	p.enqueueMessage(nil)
}

func (p *Peer) SendChoke() {
	p.enqueueMessage(protocol.MessageChoke())
}

func (p *Peer) SendUnchoke() {
	p.enqueueMessage(protocol.MessageUnchoke())
}

func (p *Peer) SendInterested() {
	p.enqueueMessage(protocol.MessageInterested())
}

func (p *Peer) SendNotInterested() {
	p.enqueueMessage(protocol.MessageNotInterested())
}

func (p *Peer) SendHave(piece uint32) {
	p.enqueueMessage(protocol.MessageHave(piece))
}

func (p *Peer) SendCancel(piece, begin, length uint32) {
	p.enqueueMessage(protocol.MessageCancel(piece, begin, length))
}

func (p *Peer) SendRequest(piece, begin, length uint32) {
	if p.PeerChoking() {
		return
	}

	p.enqueueMessage(protocol.MessageRequest(piece, begin, length))
}

func (p *Peer) SendPiece(piece, begin uint32, block []byte) {
	if p.AmChoking() {
		return
	}

	p.enqueueMessage(protocol.MessagePiece(piece, begin, block))
}

func (p *Peer) readMessagesLoop(ctx context.Context) error {
	l := p.log.With("component", "read message loop")
	l.Debug("started")

	for {
		select {
		case <-ctx.Done():
			l.Warn("context done!", "error", ctx.Err().Error())
			return nil
		default:
		}

		message, err := p.readMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}

			l.Warn("failed to read message, exiting!", "error", err.Error())
			return err
		}

		if message != nil && message.ID == protocol.MsgPiece && p.downloadLimiter != nil {
			if n := len(message.Payload); n >= 8 {
				if err := p.downloadLimiter.Wait(ctx, int64(n-8)); err != nil {
					l.Warn("download rate wait aborted", "error", err.Error())
					return err
				}
			}
		}

		if err := p.handleMessage(message); err != nil {
			l.Warn("handle message failed", "error", err.Error())
			return err
		}
	}
}

func (p *Peer) writeMessagesLoop(ctx context.Context) error {
	l := p.log.With("component", "write messages loop")
	l.Debug("started")

	if p.onHandshake != nil {
		p.onHandshake(p.addr)
	}

	keepAliveInterval := p.keepAlive
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.Warn("exiting; context done!", "error", ctx.Err().Error())
			return nil

		case message, ok := <-p.outbox:
			if !ok {
				l.Warn("exiting; outbox is closed")
				return nil
			}

			if !protocol.IsKeepAlive(message) {
				l.Debug("writing message", "message", message.ID.String())
			}

			if err := p.writeMessage(ctx, message); err != nil {
				l.Warn(
					"failed to write message, exiting loop",
					"error", err.Error(),
				)
				return err
			}

		case <-ticker.C:
			lastAcitivyAt := time.Unix(0, p.lastAcitivyAt.Load())

			if time.Since(lastAcitivyAt) >= keepAliveInterval {
				p.SendKeepAlive()
			}
		}
	}
}

// Rate calculation (UploadRate / DownloadRate)
//
// We maintain two monotonic byte counters per peer: Uploaded and Downloaded.
// A 1s ticker snapshots these totals and computes a delta from the previous
// snapshot. The delta over the tick interval is the instantaneous throughput
// in bytes/sec:
//
//	instant = (curTotal - lastTotal) / elapsedSeconds
//
// To reduce jitter, we smooth the instantaneous value with an exponential
// moving average (EMA):
//
//	emaNext = α*instant + (1-α)*emaPrev
//
// where 0<α≤1. Higher α reacts faster; lower α is smoother. If you prefer a
// raw per-second rate, set α=1 (emaNext == instant).
//
// Notes:
//   - Counters only increase; unsigned subtraction yields the correct delta.
//   - If the ticker drifts, divide by the measured elapsedSeconds instead of
//     assuming exactly 1s.
//   - Store the final bytes/sec into UploadRate and DownloadRate atomically.
//   - Pauses naturally produce zero deltas (zero rate).
func (p *Peer) downloadUploadRatesLoop(ctx context.Context) error {
	l := p.log.With("component", "download-upload rate loop")
	l.Debug("started")

	t := time.NewTicker(time.Second)
	defer t.Stop()

	lastUp := p.stats.Uploaded.Load()
	lastDown := p.stats.Downloaded.Load()

	const alpha = 0.2
	var (
		upEMA   uint64
		downEMA uint64
		inited  bool
	)

	for {
		select {
		case <-ctx.Done():
			l.Warn("context done!", "error", ctx.Err().Error())
			return nil
		case <-t.C:
			curUp := p.stats.Uploaded.Load()
			curDown := p.stats.Downloaded.Load()

			instUp := curUp - lastUp
			instDown := curDown - lastDown

			if !inited {
				upEMA = instUp
				downEMA = instDown
				inited = true
			} else {
				upEMA = uint64(alpha*float64(instUp) + (1-alpha)*float64(upEMA))
				downEMA = uint64(alpha*float64(instDown) + (1-alpha)*float64(downEMA))
			}

			p.stats.UploadRate.Store(upEMA)
			p.stats.DownloadRate.Store(downEMA)

			// Update baseline for next iteration
			lastUp = curUp
			lastDown = curDown
		}
	}
}

func (p *Peer) readMessage() (*protocol.Message, error) {
	_ = p.conn.SetReadDeadline(time.Now().Add(p.readTimeout))
	defer p.conn.SetReadDeadline(time.Time{})

	message, err := protocol.ReadMessage(p.conn)
	if err != nil {
		p.stats.Errors.Add(1)
		return nil, err
	}

	p.stats.MessagesReceived.Add(1)
	p.lastAcitivyAt.Store(time.Now().UnixNano())

	return message, nil
}

func (p *Peer) writeMessage(ctx context.Context, message *protocol.Message) error {
	if message != nil && message.ID == protocol.MsgPiece && p.uploadLimiter != nil {
		if n := len(message.Payload); n >= 8 {
			if err := p.uploadLimiter.Wait(ctx, int64(n-8)); err != nil {
				return err
			}
		}
	}

	_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	defer p.conn.SetWriteDeadline(time.Time{})

	if err := protocol.WriteMessage(p.conn, message); err != nil {
		p.stats.Errors.Add(1)
		return err
	}

	p.onMessageWritten(message)
	return nil
}

func (p *Peer) AmChoking() bool      { return p.getState(maskAmChoking) }
func (p *Peer) AmInterested() bool   { return p.getState(maskAmInterested) }
func (p *Peer) PeerChoking() bool    { return p.getState(maskPeerChoking) }
func (p *Peer) PeerInterested() bool { return p.getState(maskPeerInterested) }

func (p *Peer) getState(mask uint32) bool { return atomic.LoadUint32(&p.state)&mask != 0 }

func (p *Peer) setState(mask uint32, on bool) {
	for {
		old := atomic.LoadUint32(&p.state)
		var new uint32
		if on {
			new = old | mask
		} else {
			new = old &^ mask
		}

		if atomic.CompareAndSwapUint32(&p.state, old, new) {
			return
		}
	}
}

func (p *Peer) handleMessage(message *protocol.Message) error {
	if protocol.IsKeepAlive(message) {
		return nil
	}

	if err := message.ValidatePayloadSize(); err != nil {
		p.stats.Errors.Add(1)
		return fmt.Errorf("%s: %w", message.ID, err)
	}
	if err := message.ValidateBitfieldPayload(p.pieceCount); err != nil {
		p.stats.Errors.Add(1)
		return fmt.Errorf("bitfield: %w", err)
	}

	p.recordEvent(EventReceived, message)

	switch message.ID {
	case protocol.MsgChoke:
		p.setState(maskPeerChoking, true)
		if p.onChoke != nil {
			p.onChoke(p.addr)
		}
	case protocol.MsgUnchoke:
		p.setState(maskPeerChoking, false)
		if p.requestWork != nil {
			p.requestWork(p.addr)
		}
	case protocol.MsgInterested:
		p.setState(maskPeerInterested, true)
	case protocol.MsgNotInterested:
		p.setState(maskPeerInterested, false)
	case protocol.MsgBitfield:
		bf := bitfield.FromBytes(message.Payload)
		if p.onBitfield != nil {
			p.onBitfield(p.addr, bf)
		}
	case protocol.MsgHave:
		piece, ok := message.ParseHave()
		if !ok {
			return errors.New("malformed have message")
		}
		if !p.pieceInRange(piece) {
			p.stats.Errors.Add(1)
			return fmt.Errorf("have: piece index %d out of range", piece)
		}
		if p.onHave != nil {
			p.onHave(p.addr, piece)
		}

	case protocol.MsgPiece:
		piece, begin, block, ok := message.ParsePiece()
		if !ok {
			return errors.New("malformed piece message")
		}
		if !p.pieceInRange(piece) {
			p.stats.Errors.Add(1)
			return fmt.Errorf("piece: piece index %d out of range", piece)
		}
		if !p.blockInRange(piece, begin, uint32(len(block))) {
			p.stats.Errors.Add(1)
			return fmt.Errorf("piece: block %d+%d overruns piece %d", begin, len(block), piece)
		}

		if p.onPiece != nil {
			p.onPiece(p.addr, piece, begin, block)
		}
		p.stats.PiecesReceived.Add(1)
		p.stats.Downloaded.Add(uint64(len(block)))
	case protocol.MsgRequest:
		piece, begin, length, ok := message.ParseRequest()
		if !ok {
			return errors.New("malformed request message")
		}
		if !p.pieceInRange(piece) {
			p.stats.Errors.Add(1)
			return fmt.Errorf("request: piece index %d out of range", piece)
		}
		if !p.blockInRange(piece, begin, length) {
			p.stats.Errors.Add(1)
			return fmt.Errorf("request: block %d+%d overruns piece %d", begin, length, piece)
		}
		if length > 16*1024 {
			p.stats.Errors.Add(1)
			return fmt.Errorf("request: block length %d exceeds 16 KiB", length)
		}

		p.stats.RequestsReceived.Add(1)
		if p.onRequest != nil {
			p.onRequest(p.addr, piece, begin, length)
		}
	case protocol.MsgCancel:
		piece, begin, length, ok := message.ParseCancel()
		if !ok {
			return errors.New("malformed cancel message")
		}
		if !p.pieceInRange(piece) {
			p.stats.Errors.Add(1)
			return fmt.Errorf("cancel: piece index %d out of range", piece)
		}

		p.stats.RequestsCancelled.Add(1)
		if p.onCancel != nil {
			p.onCancel(p.addr, piece, begin, length)
		}
	default:
		return fmt.Errorf("invalid message id '%d'", message.ID)
	}

	return nil
}

// pieceInRange reports whether idx is a valid piece index for this torrent.
// A zero pieceCount means the peer was not told the torrent's size (should
// not happen in practice) and no bound is enforced.
func (p *Peer) pieceInRange(idx uint32) bool {
	if p.pieceCount == 0 {
		return true
	}
	return int(idx) < p.pieceCount
}

// blockInRange reports whether [begin, begin+length) falls within the piece
// at idx. A nil pieceLength callback (length unknown to the caller) skips
// the check rather than rejecting every frame.
func (p *Peer) blockInRange(idx, begin, length uint32) bool {
	if p.pieceLength == nil {
		return true
	}
	pl := p.pieceLength(idx)
	if pl == 0 {
		return true
	}
	end := uint64(begin) + uint64(length)
	return end <= uint64(pl)
}

func (p *Peer) enqueueMessage(message *protocol.Message) bool {
	if p.stopped.Load() {
		return false
	}

	select {
	case p.outbox <- message:
		return true
	default:
		return false
	}
}

func (p *Peer) onMessageWritten(message *protocol.Message) {
	p.stats.MessagesSent.Add(1)
	p.lastAcitivyAt.Store(time.Now().UnixNano())

	if message == nil {
		return
	}

	p.recordEvent(EventSent, message)

	switch message.ID {
	case protocol.MsgChoke:
		p.setState(maskAmChoking, true)

	case protocol.MsgUnchoke:
		p.setState(maskAmChoking, false)

	case protocol.MsgInterested:
		p.setState(maskAmInterested, true)

	case protocol.MsgNotInterested:
		p.setState(maskAmInterested, false)

	case protocol.MsgHave:
		// nothing to do

	case protocol.MsgBitfield:
		// nothing to do

	case protocol.MsgRequest:
		p.stats.RequestsSent.Add(1)

	case protocol.MsgPiece:
		// Piece upload truly happened; count piece + payload bytes
		// Payload layout: 4(index) + 4(begin) + <block>
		if n := len(message.Payload); n >= 8 {
			blockLen := n - 8
			p.stats.PiecesSent.Add(1)
			p.stats.Uploaded.Add(uint64(blockLen))
		}

	case protocol.MsgCancel:
		p.stats.RequestsCancelled.Add(1)

	default:
		// unknown ID; nothing to do
	}
}

// recordEvent appends a wire-level event to this peer's bounded history,
// used by RecentEvents for diagnostics. Keep-alives (nil message) are not
// recorded.
func (p *Peer) recordEvent(direction string, message *protocol.Message) {
	if message == nil {
		return
	}

	p.history.Add(&Event{
		Timestamp:   time.Now(),
		Direction:   direction,
		MessageType: message.ID.String(),
		PayloadSize: len(message.Payload),
	})
}

// RecentEvents returns up to n of the most recently sent/received wire
// messages for this peer, oldest first.
func (p *Peer) RecentEvents(n int) []*Event {
	events, err := p.history.Get(n)
	if err != nil {
		return nil
	}
	return events
}

// Stats returns a snapshot of metrics for this peer.
func (p *Peer) Stats() PeerMetrics {
	lastNs := p.lastAcitivyAt.Load()
	lastActive := time.Unix(0, lastNs)
	connectedAt := p.stats.ConnectedAt
	connectedFor := time.Since(connectedAt).Nanoseconds()

	return PeerMetrics{
		Addr:           p.addr,
		Downloaded:     p.stats.Downloaded.Load(),
		Uploaded:       p.stats.Uploaded.Load(),
		RequestsSent:   p.stats.RequestsSent.Load(),
		BlocksReceived: p.stats.PiecesReceived.Load(),
		BlocksFailed:   p.stats.RequestsTimeout.Load(),
		LastActive:     lastActive,
		ConnectedAt:    connectedAt,
		ConnectedFor:   connectedFor,
		DownloadRate:   p.stats.DownloadRate.Load(),
		UploadRate:     p.stats.UploadRate.Load(),
		IsChoked:       p.PeerChoking(),
		IsInterested:   p.AmInterested(),
		RecentEvents:   p.RecentEvents(messageHistoryCapacity),
	}
}
