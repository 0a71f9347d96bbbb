// Package storage owns everything about turning verified bytes into files
// on disk (and back): file layout, the piece write-buffer, SHA-256 digest
// verification, the ownership bitfield, and resume-time re-verification of
// data that already exists on disk. It knows nothing about peers, requests,
// or scheduling — those are the scheduler package's job.
package storage

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/prxssh/piecewise/internal/meta"
	"github.com/prxssh/piecewise/internal/utils/bitfield"
	"golang.org/x/sync/errgroup"
)

// badPieceLimit is how many distinct peers may be blamed for a failed digest
// check on the same piece before it is given up on as irrecoverable.
const badPieceLimit = 3

type Config struct {
	DownloadDir    string
	PieceQueueSize int
	DiskQueueSize  int
}

func WithDefaultConfig() *Config {
	return &Config{
		DownloadDir:    defaultDownloadDir(),
		PieceQueueSize: 200,
		DiskQueueSize:  100,
	}
}

func defaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}

	switch runtime.GOOS {
	case "windows", "darwin":
		return filepath.Join(home, "Downloads", "piecewise")
	default: // linux, bsd, etc.
		return filepath.Join(home, ".local", "share", "piecewise", "downloads")
	}
}

// BlockData is a single block of piece data received from a peer, ready to
// be accumulated into its parent piece's write buffer.
type BlockData struct {
	Peer     netip.AddrPort
	PieceIdx uint32
	Begin    uint32
	PieceLen uint32
	Data     []byte
}

// PieceResult reports the outcome of verifying and (on success) writing a
// piece to disk. Irrecoverable is set once badPieceLimit distinct peers have
// each supplied data for the piece that failed its digest check.
type PieceResult struct {
	Piece         uint32
	Success       bool
	Irrecoverable bool
}

type Store struct {
	cfg              *Config
	log              *slog.Logger
	pieceBufferMut   sync.RWMutex
	pieceBuffers     map[uint32]*pieceBuffer
	pieceHashes      [][meta.PieceHashSize]byte
	pieceLen         int32
	lastPieceLen     int32
	totalSize        int64
	files            []*datafile
	bitfieldMut      sync.RWMutex
	have             bitfield.Bitfield
	badPeersMut      sync.Mutex
	badPeers         map[uint32]map[netip.AddrPort]struct{}
	BlockQueue       chan *BlockData
	PieceResultQueue chan *PieceResult
	diskWriteQueue   chan *completePiece
}

type pieceBuffer struct {
	mut      sync.Mutex
	blocks   map[uint32][]byte
	size     int
	received int
}

type datafile struct {
	f      *os.File
	offset int64
	length int64
	path   string
}

type completePiece struct {
	index uint32
	data  []byte
}

// NewStorage lays out the on-disk files for metainfo under cfg.DownloadDir
// and re-verifies any data that already exists there, so a restarted
// download resumes from its prior progress instead of from scratch.
func NewStorage(metainfo *meta.Metainfo, cfg *Config, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "storage")

	if cfg == nil {
		cfg = WithDefaultConfig()
	}

	files, err := setupFiles(metainfo, cfg.DownloadDir)
	if err != nil {
		return nil, fmt.Errorf("setup files: %w", err)
	}

	lastPieceLen, _ := pieceutilLastPieceLength(metainfo)

	s := &Store{
		cfg:              cfg,
		log:              log,
		files:            files,
		pieceHashes:      metainfo.Info.Pieces,
		pieceLen:         metainfo.Info.PieceLength,
		lastPieceLen:     lastPieceLen,
		totalSize:        metainfo.Size(),
		pieceBuffers:     make(map[uint32]*pieceBuffer),
		badPeers:         make(map[uint32]map[netip.AddrPort]struct{}),
		have:             bitfield.New(len(metainfo.Info.Pieces)),
		PieceResultQueue: make(chan *PieceResult, cfg.DiskQueueSize),
		diskWriteQueue:   make(chan *completePiece, cfg.DiskQueueSize),
		BlockQueue:       make(chan *BlockData, cfg.PieceQueueSize),
	}

	if err := s.recomputeBitfield(); err != nil {
		return nil, fmt.Errorf("recompute bitfield: %w", err)
	}

	return s, nil
}

// recomputeBitfield re-hashes every piece's bytes already present on disk
// and marks it Have when the digest matches. It runs once at startup so a
// resumed download never re-requests data it already has.
func (s *Store) recomputeBitfield() error {
	n := len(s.pieceHashes)
	buf := make([]byte, s.pieceLen)

	for i := 0; i < n; i++ {
		pieceLen := s.pieceLen
		if i == n-1 {
			pieceLen = s.lastPieceLen
		}

		data := buf[:pieceLen]
		if err := s.readRange(int64(i)*int64(s.pieceLen), data); err != nil {
			continue
		}

		if sha256.Sum256(data) == s.pieceHashes[i] {
			s.have.Set(i)
		}
	}

	n64 := s.have.Count()
	if n64 > 0 {
		s.log.Info("resumed from existing data", "verified_pieces", n64, "total_pieces", n)
	}

	return nil
}

// Bitfield returns a snapshot of which pieces are already verified and
// present on disk.
func (s *Store) Bitfield() bitfield.Bitfield {
	s.bitfieldMut.RLock()
	defer s.bitfieldMut.RUnlock()

	return s.have.Clone()
}

// BytesLeft reports how many payload bytes are not yet verified on disk,
// the "left" figure a tracker announce carries.
func (s *Store) BytesLeft() uint64 {
	s.bitfieldMut.RLock()
	defer s.bitfieldMut.RUnlock()

	n := len(s.pieceHashes)
	var left uint64
	for i := 0; i < n; i++ {
		if s.have.Has(i) {
			continue
		}
		if i == n-1 {
			left += uint64(s.lastPieceLen)
		} else {
			left += uint64(s.pieceLen)
		}
	}
	return left
}

func (s *Store) Have(pieceIdx uint32) bool {
	s.bitfieldMut.RLock()
	defer s.bitfieldMut.RUnlock()

	return s.have.Has(int(pieceIdx))
}

// Close releases the underlying file handles. Safe to call after Run's
// context has been cancelled.
func (s *Store) Close() error {
	var firstErr error
	for _, f := range s.files {
		if err := f.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.processBlocksLoop(gctx) })
	g.Go(func() error { return s.writeToDiskLoop(gctx) })

	s.log.Info("workers started")

	return g.Wait()
}

func (s *Store) processBlocksLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case block, ok := <-s.BlockQueue:
			if !ok {
				return nil
			}

			if err := s.handleBlock(block); err != nil {
				s.log.Error("handle block failed", "error", err.Error())
			}
		}
	}
}

func (s *Store) handleBlock(block *BlockData) error {
	if s.Have(block.PieceIdx) {
		s.log.Debug("discarding block for already-committed piece", "piece", block.PieceIdx)
		return nil
	}
	if uint64(block.Begin)+uint64(len(block.Data)) > uint64(block.PieceLen) {
		s.log.Warn("discarding out-of-range block", "piece", block.PieceIdx, "begin", block.Begin, "len", len(block.Data))
		return nil
	}

	s.pieceBufferMut.Lock()
	buf, exists := s.pieceBuffers[block.PieceIdx]
	if !exists {
		buf = &pieceBuffer{
			blocks: make(map[uint32][]byte),
			size:   int(block.PieceLen),
		}
		s.pieceBuffers[block.PieceIdx] = buf
	}
	s.pieceBufferMut.Unlock()

	buf.mut.Lock()

	if _, exists := buf.blocks[block.Begin]; exists {
		buf.mut.Unlock()
		s.log.Debug("received duplicate block", "piece", block.PieceIdx, "begin", block.Begin)
		return nil
	}

	buf.blocks[block.Begin] = block.Data
	buf.received += len(block.Data)

	if buf.received != buf.size {
		buf.mut.Unlock()
		return nil
	}

	completeData := make([]byte, buf.size)
	for begin, data := range buf.blocks {
		copy(completeData[begin:], data)
	}

	buf.mut.Unlock()

	if sha256.Sum256(completeData) != s.pieceHashes[block.PieceIdx] {
		return s.handleBadPiece(block.PieceIdx, block.Peer)
	}

	s.pieceBufferMut.Lock()
	delete(s.pieceBuffers, block.PieceIdx)
	s.pieceBufferMut.Unlock()

	s.diskWriteQueue <- &completePiece{index: block.PieceIdx, data: completeData}

	return nil
}

func (s *Store) handleBadPiece(pieceIdx uint32, peer netip.AddrPort) error {
	s.log.Warn("piece hash mismatch, discarding", "piece", pieceIdx, "peer", peer)

	s.pieceBufferMut.Lock()
	delete(s.pieceBuffers, pieceIdx)
	s.pieceBufferMut.Unlock()

	s.badPeersMut.Lock()
	offenders, ok := s.badPeers[pieceIdx]
	if !ok {
		offenders = make(map[netip.AddrPort]struct{})
		s.badPeers[pieceIdx] = offenders
	}
	offenders[peer] = struct{}{}
	irrecoverable := len(offenders) >= badPieceLimit
	s.badPeersMut.Unlock()

	s.PieceResultQueue <- &PieceResult{Piece: pieceIdx, Success: false, Irrecoverable: irrecoverable}

	return fmt.Errorf("piece %d: hash mismatch", pieceIdx)
}

func (s *Store) writeToDiskLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case piece, ok := <-s.diskWriteQueue:
			if !ok {
				return nil
			}

			success := true

			if err := s.writePiece(piece); err != nil {
				s.log.Error("failed to write piece to disk", "index", piece.index, "error", err.Error())
				success = false
			} else {
				s.bitfieldMut.Lock()
				s.have.Set(int(piece.index))
				s.bitfieldMut.Unlock()
			}

			s.PieceResultQueue <- &PieceResult{Piece: piece.index, Success: success}
		}
	}
}

func (s *Store) writePiece(piece *completePiece) error {
	pieceAbsStart := int64(piece.index) * int64(s.pieceLen)
	pieceAbsEnd := pieceAbsStart + int64(len(piece.data))

	for _, file := range s.files {
		fileAbsStart := file.offset
		fileAbsEnd := fileAbsStart + file.length

		overlapStart := max(pieceAbsStart, fileAbsStart)
		overlapEnd := min(pieceAbsEnd, fileAbsEnd)

		if overlapStart >= overlapEnd {
			continue
		}

		writeLen := overlapEnd - overlapStart
		offsetInFile := overlapStart - fileAbsStart
		offsetInData := overlapStart - pieceAbsStart

		n, err := file.f.WriteAt(piece.data[offsetInData:offsetInData+writeLen], offsetInFile)
		if err != nil {
			return fmt.Errorf("file write error for %s: %w", file.path, err)
		}
		if int64(n) != writeLen {
			return fmt.Errorf("incomplete write to file %s: wrote %d, expected %d", file.path, n, writeLen)
		}
	}

	return nil
}

// ReadBlock serves the seeder path: it returns the length bytes at byte
// offset begin within piece pieceIdx.
func (s *Store) ReadBlock(pieceIdx uint32, begin, length uint32) ([]byte, error) {
	if !s.Have(pieceIdx) {
		return nil, fmt.Errorf("piece %d not available", pieceIdx)
	}

	data := make([]byte, length)
	absStart := int64(pieceIdx)*int64(s.pieceLen) + int64(begin)

	if err := s.readRange(absStart, data); err != nil {
		return nil, err
	}

	return data, nil
}

func (s *Store) readRange(absStart int64, data []byte) error {
	absEnd := absStart + int64(len(data))

	for _, file := range s.files {
		fileAbsStart := file.offset
		fileAbsEnd := file.offset + file.length

		overlapStart := max(absStart, fileAbsStart)
		overlapEnd := min(absEnd, fileAbsEnd)

		if overlapStart >= overlapEnd {
			continue
		}

		readLen := overlapEnd - overlapStart
		offsetInFile := overlapStart - fileAbsStart
		offsetInData := overlapStart - absStart

		n, err := file.f.ReadAt(data[offsetInData:offsetInData+readLen], offsetInFile)
		if err != nil {
			return fmt.Errorf("file read error for %s: %w", file.path, err)
		}
		if int64(n) != readLen {
			return fmt.Errorf("incomplete read from file %s: read %d, expected %d", file.path, n, readLen)
		}
	}

	return nil
}

func setupFiles(metainfo *meta.Metainfo, downloadDir string) ([]*datafile, error) {
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return nil, err
	}

	var (
		currentOffset int64
		datafiles     []*datafile
	)

	if metainfo.Info.Length > 0 {
		fp := filepath.Join(downloadDir, metainfo.Info.Name)
		mapping, err := createFileMapping(fp, metainfo.Info.Length, currentOffset)
		if err != nil {
			return nil, err
		}

		datafiles = append(datafiles, mapping)
		return datafiles, nil
	}

	for _, file := range metainfo.Info.Files {
		fp := filepath.Join(downloadDir, metainfo.Info.Name)
		for _, pathPart := range file.Path {
			fp = filepath.Join(fp, pathPart)
		}

		mapping, err := createFileMapping(fp, file.Length, currentOffset)
		if err != nil {
			return nil, err
		}

		datafiles = append(datafiles, mapping)
		currentOffset += file.Length
	}

	return datafiles, nil
}

func createFileMapping(path string, size, offset int64) (*datafile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	if err := file.Truncate(size); err != nil {
		file.Close()
		return nil, err
	}

	return &datafile{path: path, length: size, offset: offset, f: file}, nil
}

func pieceutilLastPieceLength(metainfo *meta.Metainfo) (int32, error) {
	n := len(metainfo.Info.Pieces)
	if n == 0 {
		return 0, fmt.Errorf("no pieces")
	}

	size := metainfo.Size()
	pieceLen := int64(metainfo.Info.PieceLength)

	rem := size % pieceLen
	if rem == 0 {
		return metainfo.Info.PieceLength, nil
	}

	return int32(rem), nil
}
