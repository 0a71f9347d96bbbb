package meta

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var (
	ErrEmptyRoot          = errors.New("meta: root has no files")
	ErrPieceLenOutOfRange = errors.New("meta: piece length out of range")
)

// PieceLengthMin and PieceLengthMax bound the [Lmin, Lmax] interval a
// descriptor's piece length must fall within.
const (
	PieceLengthMin int32 = 16 * 1024
	PieceLengthMax int32 = 2 * 1024 * 1024
)

// CreateOptions configures CreateDescriptor. There is no package-level
// default; callers supply every field explicitly.
type CreateOptions struct {
	Root        string
	Trackers    []string
	PieceLength int32
	Private     bool
	Comment     string
	CreatedBy   string
}

// fileEntry is an intermediate record built while walking root, before the
// file's path is made relative and piece hashing begins.
type fileEntry struct {
	absPath string
	relPath []string
	length  int64
	digest  [PieceHashSize]byte
}

// CreateDescriptor walks opts.Root (a file or a directory), in stable
// lexicographic depth-first order, records each file's length and whole-file
// digest, and streams the logical concatenation of all files through SHA-256
// in opts.PieceLength chunks (the final chunk may be shorter) to produce the
// piece digest list. It then computes the descriptor identifier from the
// canonical encoding of {name, piece_length, piece_digests, files}.
func CreateDescriptor(opts CreateOptions) (*Metainfo, error) {
	if opts.PieceLength < PieceLengthMin || opts.PieceLength > PieceLengthMax {
		return nil, ErrPieceLenOutOfRange
	}

	entries, name, err := walkFiles(opts.Root)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrEmptyRoot
	}

	for i := range entries {
		digest, err := digestFile(entries[i].absPath)
		if err != nil {
			return nil, fmt.Errorf("meta: hashing %s: %w", entries[i].absPath, err)
		}
		entries[i].digest = digest
	}

	pieces, err := hashPieces(entries, opts.PieceLength)
	if err != nil {
		return nil, err
	}

	info := &Info{
		Name:        name,
		PieceLength: opts.PieceLength,
		Pieces:      pieces,
		Private:     opts.Private,
	}

	if len(entries) == 1 && len(entries[0].relPath) == 1 && entries[0].relPath[0] == name {
		info.Length = entries[0].length
	} else {
		info.Files = make([]*File, len(entries))
		for i, e := range entries {
			info.Files[i] = &File{
				Length: e.length,
				Path:   e.relPath,
				Hash:   hex.EncodeToString(e.digest[:]),
			}
		}
	}

	subset := descriptorInfoSubset(info)
	canon, err := CanonicalEncode(subset)
	if err != nil {
		return nil, err
	}
	descID := sha256.Sum256(canon)

	mi := &Metainfo{
		Info:         info,
		DescriptorID: descID,
		CreationDate: time.Now().UTC(),
		CreatedBy:    opts.CreatedBy,
		Comment:      opts.Comment,
	}
	if len(opts.Trackers) > 0 {
		mi.Announce = opts.Trackers[0]
	}
	if len(opts.Trackers) > 1 {
		mi.AnnounceList = [][]string{opts.Trackers}
	}

	return mi, nil
}

// walkFiles enumerates the files under root in lexicographic, depth-first,
// stable order and returns them alongside the descriptor's display name
// (root's base name for a directory, or the single file's base name).
func walkFiles(root string) ([]fileEntry, string, error) {
	stat, err := os.Stat(root)
	if err != nil {
		return nil, "", err
	}

	name := filepath.Base(filepath.Clean(root))

	if !stat.IsDir() {
		return []fileEntry{{
			absPath: root,
			relPath: []string{name},
			length:  stat.Size(),
		}}, name, nil
	}

	var entries []fileEntry
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		entries = append(entries, fileEntry{
			absPath: path,
			relPath: append([]string{name}, strings.Split(filepath.ToSlash(rel), "/")...),
			length:  info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	// filepath.WalkDir already visits each directory's children in
	// lexicographic order, but re-sort the flattened list defensively so
	// the piece stream's file order is unambiguous regardless of
	// directory nesting.
	sort.Slice(entries, func(i, j int) bool {
		return filepath.Join(entries[i].relPath...) < filepath.Join(entries[j].relPath...)
	})

	return entries, name, nil
}

func digestFile(path string) ([PieceHashSize]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return [PieceHashSize]byte{}, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return [PieceHashSize]byte{}, err
	}

	var out [PieceHashSize]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// hashPieces streams the logical concatenation of entries (in order) through
// SHA-256 in pieceLength-byte chunks, producing one digest per piece. The
// trailing piece may be shorter than pieceLength.
func hashPieces(entries []fileEntry, pieceLength int32) ([][PieceHashSize]byte, error) {
	var pieces [][PieceHashSize]byte

	h := sha256.New()
	var inPiece int64

	flush := func() {
		var d [PieceHashSize]byte
		copy(d[:], h.Sum(nil))
		pieces = append(pieces, d)
		h.Reset()
		inPiece = 0
	}

	buf := make([]byte, 32*1024)
	for _, e := range entries {
		f, err := os.Open(e.absPath)
		if err != nil {
			return nil, err
		}

		for {
			want := int64(len(buf))
			if remain := int64(pieceLength) - inPiece; remain < want {
				want = remain
			}
			if want == 0 {
				flush()
				continue
			}

			n, rerr := f.Read(buf[:want])
			if n > 0 {
				h.Write(buf[:n])
				inPiece += int64(n)
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				f.Close()
				return nil, rerr
			}
		}
		f.Close()
	}

	if inPiece > 0 {
		flush()
	}

	return pieces, nil
}
