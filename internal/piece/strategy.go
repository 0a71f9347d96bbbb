package piece

import (
	"math/rand/v2"
	"net/netip"
	"slices"

	"github.com/prxssh/piecewise/internal/utils/bitfield"
)

// DownloadStrategy selects which not-yet-owned pieces a peer should be asked
// for next, once blocks from already-in-progress pieces have been exhausted.
type DownloadStrategy uint8

const (
	StrategyRarestFirst DownloadStrategy = iota
	StrategySequential
	StrategyRandom
)

// NextBlocksForPeer assigns up to capacity blocks to peer, preferring blocks
// from pieces that are already partially downloaded before starting new
// pieces under the manager's configured strategy.
func (m *Manager) NextBlocksForPeer(
	peer netip.AddrPort,
	peerBF bitfield.Bitfield,
	capacity uint32,
) []*BlockInfo {
	if capacity == 0 {
		return nil
	}

	assigned, remaining := m.AssignInProgressBlocks(peer, peerBF, capacity)
	if remaining == 0 {
		return assigned
	}

	var more []*BlockInfo
	switch m.strategy {
	case StrategySequential:
		more, remaining = m.AssignSequentialBlocks(peer, peerBF, remaining)
	case StrategyRandom:
		more, remaining = m.assignRandomBlocks(peer, peerBF, remaining)
	default:
		more, remaining = m.assignRarestFirstBlocks(peer, peerBF, remaining)
	}

	return append(assigned, more...)
}

func (m *Manager) assignRandomBlocks(
	peer netip.AddrPort,
	peerBF bitfield.Bitfield,
	capacity uint32,
) ([]*BlockInfo, uint32) {
	m.mut.RLock()
	candidates := make([]uint32, 0, m.pieceCount)
	for i := uint32(0); i < m.pieceCount; i++ {
		if !m.pieces[i].verified && peerBF.Has(int(i)) {
			candidates = append(candidates, i)
		}
	}
	m.mut.RUnlock()

	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	return m.AssignBlocksFromList(peer, candidates, capacity)
}

func (m *Manager) assignRarestFirstBlocks(
	peer netip.AddrPort,
	peerBF bitfield.Bitfield,
	capacity uint32,
) ([]*BlockInfo, uint32) {
	ordered := make([]uint32, 0, m.pieceCount)

	first, ok := m.availability.FirstNonEmpty()
	if !ok {
		return nil, capacity
	}

	for a := first; a <= m.availability.maxAvail; a++ {
		bucket := m.availability.Bucket(a)
		slices.Sort(bucket)
		for _, p := range bucket {
			if peerBF.Has(p) {
				ordered = append(ordered, uint32(p))
			}
		}
	}

	return m.AssignBlocksFromList(peer, ordered, capacity)
}
