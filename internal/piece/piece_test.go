package piece

import (
	"io"
	"log/slog"
	"net/netip"
	"reflect"
	"testing"

	"github.com/prxssh/piecewise/internal/utils/bitfield"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewManager(t *testing.T) {
	tests := []struct {
		name          string
		pieceCount    uint32
		pieceLen      uint32
		size          uint64
		expectedErr   bool
		expectedCount uint32
	}{
		{
			name:          "valid arguments",
			pieceCount:    2,
			pieceLen:      16384,
			size:          32768,
			expectedErr:   false,
			expectedCount: 2,
		},
		{
			name:          "invalid size",
			pieceCount:    0,
			pieceLen:      16384,
			size:          0,
			expectedErr:   true,
			expectedCount: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr, err := NewManager(tt.pieceCount, tt.pieceLen, tt.size, 50, StrategyRarestFirst, testLogger())
			if (err != nil) != tt.expectedErr {
				t.Errorf("NewManager() error = %v, wantErr %v", err, tt.expectedErr)
				return
			}
			if err == nil && mgr.PieceCount() != tt.expectedCount {
				t.Errorf(
					"NewManager() piece count = %v, want %v",
					mgr.PieceCount(),
					tt.expectedCount,
				)
			}
		})
	}
}

func TestPieceManager_PieceLength(t *testing.T) {
	pieceLen := uint32(16384)
	size := uint64(16384)
	mgr, _ := NewManager(1, pieceLen, size, 50, StrategyRarestFirst, testLogger())

	if length := mgr.PieceLength(0); length != pieceLen {
		t.Errorf("PieceLength(0) = %v, want %v", length, pieceLen)
	}
}

func TestPieceManager_PieceComplete(t *testing.T) {
	pieceLen := uint32(16384)
	size := uint64(16384)
	mgr, _ := NewManager(1, pieceLen, size, 50, StrategyRarestFirst, testLogger())

	if complete := mgr.PieceComplete(0); complete {
		t.Errorf("PieceComplete(0) should be false initially")
	}
}

func TestPieceManager_MarkBlockComplete(t *testing.T) {
	pieceLen := uint32(16384)
	size := uint64(16384)
	mgr, _ := NewManager(1, pieceLen, size, 50, StrategyRarestFirst, testLogger())
	peer := netip.MustParseAddrPort("1.2.3.4:5678")

	mgr.MarkBlockComplete(peer, 0, 0)

	piece := mgr.pieces[0]
	if piece.blocks[0].status != StatusDone {
		t.Errorf("Block status should be StatusDone")
	}
	if piece.doneBlocks != 1 {
		t.Errorf("doneBlocks should be 1")
	}
}

func TestPieceManager_MarkPieceVerified(t *testing.T) {
	pieceLen := uint32(16384)
	size := uint64(16384)
	mgr, _ := NewManager(1, pieceLen, size, 50, StrategyRarestFirst, testLogger())

	mgr.MarkPieceVerified(0, true)
	piece := mgr.pieces[0]
	if !piece.verified {
		t.Errorf("Piece should be verified")
	}
	if piece.status != StatusDone {
		t.Errorf("Piece status should be StatusDone")
	}

	// Re-verification is a no-op once a piece is verified.
	mgr.MarkPieceVerified(0, false)
	if !piece.verified {
		t.Errorf("Piece should remain verified")
	}
}

func TestPieceManager_AssignAndUnassignBlock(t *testing.T) {
	pieceLen := uint32(16384)
	size := uint64(16384)
	mgr, _ := NewManager(1, pieceLen, size, 50, StrategyRarestFirst, testLogger())
	peer := netip.MustParseAddrPort("5.6.7.8:1234")

	assigned := mgr.AssignBlock(peer, 0, 0)
	if !assigned {
		t.Errorf("AssignBlock should return true")
	}

	piece := mgr.pieces[0]
	block := piece.blocks[0]
	if block.status != StatusInflight {
		t.Errorf("Block status should be StatusInflight")
	}
	if block.owner == nil {
		t.Errorf("Block should have an owner")
	}

	// A second peer cannot claim a block already owned by another peer.
	other := netip.MustParseAddrPort("9.9.9.9:9999")
	if mgr.AssignBlock(other, 0, 0) {
		t.Errorf("AssignBlock should refuse a block already owned")
	}

	mgr.UnassignBlock(peer, 0, 0)
	if block.status != StatusWant {
		t.Errorf("Block status should be StatusWant after unassign")
	}
	if block.owner != nil {
		t.Errorf("Block should have no owner after unassign")
	}
}

func TestPieceStatus(t *testing.T) {
	pieceLen := uint32(16384)
	size := uint64(49152)

	mgr, _ := NewManager(3, pieceLen, size, 50, StrategyRarestFirst, testLogger())
	mgr.pieces[0].status = StatusDone
	mgr.pieces[1].status = StatusInflight

	expectedStatus := []Status{StatusDone, StatusInflight, StatusWant}
	if !reflect.DeepEqual(mgr.PieceStatus(), expectedStatus) {
		t.Errorf("PieceStatus() = %v, want %v", mgr.PieceStatus(), expectedStatus)
	}
}

func TestAssignSequentialBlocks(t *testing.T) {
	pieceLen := uint32(16384)
	size := uint64(49152)
	peer := netip.MustParseAddrPort("1.2.3.4:5678")
	bf := bitfield.New(3)
	bf.Set(0)
	bf.Set(1)
	bf.Set(2)
	mgr, _ := NewManager(3, pieceLen, size, 50, StrategySequential, testLogger())

	blocks, capacity := mgr.AssignSequentialBlocks(peer, bf, 5)
	if capacity != 4 {
		t.Errorf("Expected capacity to be 4, got %d", capacity)
	}
	if len(blocks) != 1 {
		t.Errorf("Expected to assign 1 block, got %d", len(blocks))
	}
	if blocks[0].PieceIdx != 0 {
		t.Errorf("Expected piece index to be 0, got %d", blocks[0].PieceIdx)
	}
	if owner := mgr.pieces[0].blocks[0].owner.peer; owner != peer {
		t.Errorf("Expected owner to be %v, got %v", peer, owner)
	}
}

func TestAssignInProgressBlocks(t *testing.T) {
	pieceLen := uint32(16384)
	size := uint64(49152)
	peer := netip.MustParseAddrPort("1.2.3.4:5678")
	bf := bitfield.New(3)
	bf.Set(0)
	bf.Set(1)
	bf.Set(2)
	mgr, _ := NewManager(3, pieceLen, size, 50, StrategyRarestFirst, testLogger())
	mgr.pieces[0].doneBlocks = 1 // Mark one block as done to make the piece "in progress"

	blocks, capacity := mgr.AssignInProgressBlocks(peer, bf, 5)
	if capacity != 4 {
		t.Errorf("Expected capacity to be 4, got %d", capacity)
	}
	if len(blocks) != 1 {
		t.Errorf("Expected to assign 1 block, got %d", len(blocks))
	}
	if blocks[0].PieceIdx != 0 {
		t.Errorf("Expected piece index to be 0, got %d", blocks[0].PieceIdx)
	}
	if owner := mgr.pieces[0].blocks[0].owner.peer; owner != peer {
		t.Errorf("Expected owner to be %v, got %v", peer, owner)
	}
}

func TestAssignBlocksFromList(t *testing.T) {
	pieceLen := uint32(16384)
	size := uint64(49152)
	peer := netip.MustParseAddrPort("1.2.3.4:5678")
	mgr, _ := NewManager(3, pieceLen, size, 50, StrategyRarestFirst, testLogger())

	blocks, capacity := mgr.AssignBlocksFromList(peer, []uint32{1, 2}, 5)
	if capacity != 3 {
		t.Errorf("Expected capacity to be 3, got %d", capacity)
	}
	if len(blocks) != 2 {
		t.Errorf("Expected to assign 2 blocks, got %d", len(blocks))
	}
	if blocks[0].PieceIdx != 1 {
		t.Errorf("Expected piece index to be 1, got %d", blocks[0].PieceIdx)
	}
	if owner := mgr.pieces[1].blocks[0].owner.peer; owner != peer {
		t.Errorf("Expected owner to be %v, got %v", peer, owner)
	}
	if owner := mgr.pieces[2].blocks[0].owner.peer; owner != peer {
		t.Errorf("Expected owner to be %v, got %v", peer, owner)
	}
}

func TestNextBlocksForPeer_RarestFirst(t *testing.T) {
	pieceLen := uint32(16384)
	size := uint64(49152)
	peer := netip.MustParseAddrPort("1.2.3.4:5678")
	bf := bitfield.New(3)
	bf.Set(0)
	bf.Set(1)
	bf.Set(2)
	mgr, _ := NewManager(3, pieceLen, size, 50, StrategyRarestFirst, testLogger())

	mgr.UpdateAvailability(0, 1)
	mgr.UpdateAvailability(0, 1)
	mgr.UpdateAvailability(1, 1)

	blocks := mgr.NextBlocksForPeer(peer, bf, 1)
	if len(blocks) != 1 {
		t.Fatalf("Expected 1 block, got %d", len(blocks))
	}
	if blocks[0].PieceIdx != 2 {
		t.Errorf("Expected rarest piece (2) to be picked first, got %d", blocks[0].PieceIdx)
	}
}
