package piece

import (
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/prxssh/piecewise/internal/utils/bitfield"
)

// MaxBlockLength is the largest block size a peer may request in a single
// REQUEST message. Requests for a larger length are rejected by the wire
// layer before they ever reach the manager.
const MaxBlockLength = 16 * 1024 // 16KB

// BlockInfo describes a single block assignment handed back to a caller so it
// can be turned into an outbound REQUEST message.
type BlockInfo struct {
	PieceIdx uint32
	Begin    uint32
	Length   uint32
}

// Status is the lifecycle state of a piece or a block within a piece.
type Status uint8

const (
	StatusWant Status = iota
	StatusInflight
	StatusDone
)

// blockOwner records which peer a block is currently assigned to. Blocks
// have exactly one owner at a time: the manager does not support endgame
// duplicate-requesting, so a block in flight is never handed to a second
// peer until it times out or its owner disconnects.
type blockOwner struct {
	peer        netip.AddrPort
	requestedAt time.Time
}

type block struct {
	status Status
	owner  *blockOwner
}

type piece struct {
	index         uint32
	status        Status
	length        uint32
	blockCount    uint32
	lastBlockSize uint32
	doneBlocks    uint32
	verified      bool
	blocks        []*block
}

// Manager tracks the download state of every piece and block in a torrent:
// which blocks are missing, in flight, or done, and who currently owns each
// in-flight block. It knows nothing about file layout or digest
// verification; those concerns belong to the storage package.
type Manager struct {
	logger          *slog.Logger
	mut             sync.RWMutex
	pieces          []*piece
	pieceCount      uint32
	nextPiece       uint32
	nextBlock       uint32
	remainingBlocks uint32
	lastPieceLength uint32
	availability    *availabilityBucket
	strategy        DownloadStrategy
}

// NewManager builds the block bookkeeping for a torrent of the given total
// size, split into pieces of pieceLen bytes each (the final piece may be
// shorter). maxPeers bounds the availability counter used for rarest-first
// selection: it need not be exact, only an upper estimate of swarm size.
func NewManager(
	pieceCount uint32,
	pieceLen uint32,
	size uint64,
	maxPeers int,
	strategy DownloadStrategy,
	logger *slog.Logger,
) (*Manager, error) {
	if size == 0 {
		return nil, errors.New("piece: total size must be greater than zero")
	}

	lastPieceLen, ok := LastPieceLength(size, pieceLen)
	if !ok {
		return nil, errors.New("piece: out of bounds")
	}

	pieces := make([]*piece, pieceCount)
	totalBlocks := uint32(0)

	for i := uint32(0); i < pieceCount; i++ {
		currPieceLen, _ := PieceLengthAt(i, size, pieceLen)
		blockCount, _ := BlocksInPiece(currPieceLen)
		blocks := make([]*block, blockCount)
		totalBlocks += blockCount

		for j := uint32(0); j < blockCount; j++ {
			blocks[j] = &block{status: StatusWant}
		}

		lastBlockLen, _ := LastBlockInPiece(currPieceLen)

		pieces[i] = &piece{
			index:         i,
			status:        StatusWant,
			length:        currPieceLen,
			verified:      false,
			blocks:        blocks,
			blockCount:    blockCount,
			lastBlockSize: lastBlockLen,
		}
	}

	return &Manager{
		logger:          logger,
		pieces:          pieces,
		pieceCount:      pieceCount,
		remainingBlocks: totalBlocks,
		lastPieceLength: lastPieceLen,
		availability:    newAvailabilityBucket(int(pieceCount), maxPeers),
		strategy:        strategy,
	}, nil
}

// UpdateAvailability adjusts the recorded peer count for a piece by delta
// (+1 when a peer announces it via BITFIELD/HAVE, -1 when that peer
// disconnects). It feeds the rarest-first piece selection.
func (m *Manager) UpdateAvailability(pieceIdx uint32, delta int) {
	m.availability.Move(int(pieceIdx), delta)
}

func (m *Manager) PieceCount() uint32 {
	m.mut.RLock()
	defer m.mut.RUnlock()

	return m.pieceCount
}

func (m *Manager) ResetSequentialState() {
	m.mut.Lock()
	defer m.mut.Unlock()

	m.nextPiece = 0
	m.nextBlock = 0

	for m.nextPiece < m.pieceCount && m.pieces[m.nextPiece].verified {
		m.nextPiece++
	}
}

func (m *Manager) PieceLength(pieceIdx uint32) uint32 {
	m.mut.RLock()
	defer m.mut.RUnlock()

	return m.pieces[pieceIdx].length
}

func (m *Manager) PieceComplete(pieceIdx uint32) bool {
	m.mut.Lock()
	defer m.mut.Unlock()

	piece := m.pieces[pieceIdx]
	return piece.doneBlocks == piece.blockCount
}

func (m *Manager) PieceStatus() []Status {
	m.mut.RLock()
	defer m.mut.RUnlock()

	states := make([]Status, m.pieceCount)
	for i, piece := range m.pieces {
		states[i] = piece.status
	}

	return states
}

// MarkBlockComplete records that peer delivered the block at (pieceIdx,
// begin). It is a no-op if the block was already marked done, which happens
// when a timed-out request is later answered by its original owner.
func (m *Manager) MarkBlockComplete(peer netip.AddrPort, pieceIdx, begin uint32) {
	m.mut.Lock()
	defer m.mut.Unlock()

	piece := m.pieces[pieceIdx]
	blockIdx, ok := BlockIndexForBegin(begin, piece.length)
	if !ok {
		return
	}
	block := piece.blocks[blockIdx]
	if block.status == StatusDone {
		return
	}
	block.status = StatusDone
	block.owner = nil
	piece.doneBlocks++
}

// MarkPieceVerified records the result of a digest check performed by the
// storage layer. A failed check (ok == false) resets every block in the
// piece back to StatusWant so it can be re-requested from scratch.
func (m *Manager) MarkPieceVerified(pieceIdx uint32, ok bool) {
	m.mut.Lock()
	defer m.mut.Unlock()

	piece := m.pieces[pieceIdx]
	if piece.verified {
		return
	}

	if ok {
		piece.verified = true
		piece.status = StatusDone

		if m.nextPiece == pieceIdx {
			m.nextPiece++
			m.nextBlock = 0
		}

		return
	}

	m.logger.Warn("piece failed verification, resetting blocks", "piece", pieceIdx)

	for b := 0; b < int(piece.blockCount); b++ {
		if piece.blocks[b].status != StatusWant {
			m.remainingBlocks++
		}

		piece.blocks[b].status = StatusWant
		piece.blocks[b].owner = nil
	}

	piece.doneBlocks = 0
	piece.status = StatusWant
}

func (m *Manager) AssignBlock(peer netip.AddrPort, pieceIdx, blockIdx uint32) bool {
	m.mut.Lock()
	defer m.mut.Unlock()

	_, ok := m.safeAssignBlock(peer, pieceIdx, blockIdx)
	return ok
}

// UnassignBlock releases peer's claim on the block at (pieceIdx, begin),
// returning it to StatusWant. Called on request timeout or peer
// disconnection.
func (m *Manager) UnassignBlock(peer netip.AddrPort, pieceIdx, begin uint32) {
	m.mut.Lock()
	defer m.mut.Unlock()

	if pieceIdx >= m.pieceCount {
		return
	}

	piece := m.pieces[pieceIdx]
	blockIdx, ok := BlockIndexForBegin(begin, piece.length)
	if !ok {
		return
	}
	block := piece.blocks[blockIdx]

	if block.owner == nil || block.owner.peer != peer {
		return
	}

	block.owner = nil
	if block.status != StatusDone {
		block.status = StatusWant
		m.remainingBlocks++
	}
}

// AssignInProgressBlocks hands out blocks from pieces that are already
// partially downloaded, so a piece is finished before new ones are started.
func (m *Manager) AssignInProgressBlocks(
	peer netip.AddrPort,
	peerBF bitfield.Bitfield,
	capacity uint32,
) ([]*BlockInfo, uint32) {
	m.mut.Lock()
	defer m.mut.Unlock()

	assigned := make([]*BlockInfo, 0, capacity)

	for i := uint32(0); i < m.pieceCount && capacity > 0; i++ {
		piece := m.pieces[i]
		if piece.verified || piece.doneBlocks == 0 || !peerBF.Has(int(piece.index)) {
			continue
		}

		for j := uint32(0); j < piece.blockCount && capacity > 0; j++ {
			if blk, ok := m.safeAssignBlock(peer, i, j); ok {
				assigned = append(assigned, blk)
				capacity--
			}
		}
	}

	return assigned, capacity
}

// AssignSequentialBlocks hands out blocks in strict piece order, advancing an
// internal cursor. Used by the sequential download strategy.
func (m *Manager) AssignSequentialBlocks(
	peer netip.AddrPort,
	peerBF bitfield.Bitfield,
	capacity uint32,
) ([]*BlockInfo, uint32) {
	m.mut.Lock()
	defer m.mut.Unlock()

	assigned := make([]*BlockInfo, 0, capacity)

	for m.nextPiece < m.pieceCount && capacity > 0 {
		for m.nextPiece < m.pieceCount && m.pieces[m.nextPiece].verified {
			m.nextPiece++
			m.nextBlock = 0
		}

		if m.nextPiece >= m.pieceCount {
			break
		}

		if !peerBF.Has(int(m.nextPiece)) {
			m.nextPiece++
			m.nextBlock = 0
			continue
		}

		piece := m.pieces[m.nextPiece]
		for bi := m.nextBlock; bi < piece.blockCount && capacity > 0; bi++ {
			blk, ok := m.safeAssignBlock(peer, piece.index, bi)
			if ok {
				assigned = append(assigned, blk)
				capacity--
				m.nextBlock = bi + 1
			}
		}

		if m.nextBlock >= piece.blockCount {
			m.nextPiece++
			m.nextBlock = 0
		}

		break
	}

	return assigned, capacity
}

// AssignBlocksFromList hands out wanted blocks from the pieces in
// pieceIndices, in order, filling each piece's blocks before moving to the
// next so a started piece finishes quickly. Used by the rarest-first and
// random strategies, which supply the piece ordering.
func (m *Manager) AssignBlocksFromList(
	peer netip.AddrPort,
	pieceIndices []uint32,
	capacity uint32,
) ([]*BlockInfo, uint32) {
	m.mut.Lock()
	defer m.mut.Unlock()

	assigned := make([]*BlockInfo, 0, capacity)

	for _, pieceIdx := range pieceIndices {
		if capacity < 1 {
			break
		}

		if pieceIdx >= m.pieceCount || m.pieces[pieceIdx].verified {
			continue
		}

		piece := m.pieces[pieceIdx]

		for blockIdx := uint32(0); blockIdx < piece.blockCount && capacity > 0; blockIdx++ {
			blk, ok := m.safeAssignBlock(peer, piece.index, blockIdx)
			if ok {
				assigned = append(assigned, blk)
				capacity--
			}
		}
	}

	return assigned, capacity
}

func (m *Manager) safeAssignBlock(peer netip.AddrPort, pieceIdx, blockIdx uint32) (*BlockInfo, bool) {
	piece := m.pieces[pieceIdx]
	block := piece.blocks[blockIdx]

	begin, length, ok := BlockBounds(piece.length, blockIdx)
	if !ok {
		return nil, false
	}

	if block.status != StatusWant || block.owner != nil {
		return nil, false
	}

	piece.status = StatusInflight
	block.status = StatusInflight
	block.owner = &blockOwner{peer: peer, requestedAt: time.Now()}
	m.remainingBlocks--

	return &BlockInfo{
		PieceIdx: pieceIdx,
		Begin:    begin,
		Length:   length,
	}, true
}
