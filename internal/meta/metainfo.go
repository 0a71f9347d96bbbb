package meta

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/prxssh/piecewise/internal/bencode"
	"github.com/prxssh/piecewise/internal/cast"
)

// PieceHashSize is the width of a single piece digest and of the descriptor
// identifier: SHA-256, never the traditional 20-byte SHA-1.
const PieceHashSize = sha256.Size

type Metainfo struct {
	Info         *Info               `json:"info"`
	Announce     string              `json:"announce"`
	AnnounceList [][]string          `json:"announceList"`
	CreationDate time.Time           `json:"creationDate"`
	CreatedBy    string              `json:"createdBy"`
	Comment      string              `json:"comment"`
	Encoding     string              `json:"encoding"`
	URLs         []string            `json:"urls"`
	DescriptorID [PieceHashSize]byte `json:"descriptorId"`
}

type Info struct {
	Name        string                  `json:"name"`
	PieceLength int32                   `json:"pieceLength"`
	Pieces      [][PieceHashSize]byte   `json:"pieces"`
	Private     bool                    `json:"private"`
	Length      int64                   `json:"length"`
	Files       []*File                 `json:"files"`
}

type File struct {
	Length int64    `json:"length"`
	Path   []string `json:"path"`

	// Hash is the optional whole-file SHA-256 digest, lowercase hex.
	// Empty when the descriptor's creator did not record one.
	Hash string `json:"hash,omitempty"`
}

var (
	ErrTopLevelNotDict     = errors.New("metainfo: top-level is not a dict")
	ErrAnnounceMissing     = errors.New("metainfo: both announce and announce-list missing")
	ErrInfoMissing         = errors.New("metainfo: 'info' missing")
	ErrInfoNotDict         = errors.New("metainfo: 'info' is not a dict")
	ErrNameMissing         = errors.New("metainfo: 'info' name missing")
	ErrPieceLenMissing     = errors.New("metainfo: 'info' piece length missing")
	ErrPieceLenNonPositive = errors.New("metainfo: 'info' piece length must be > 0")
	ErrPiecesMissing       = errors.New("metainfo: 'info' pieces missing")
	ErrPiecesLenInvalid    = errors.New("metainfo: 'info' pieces length not multiple of 32")
	ErrPieceCountMismatch  = errors.New("metainfo: piece count does not match total size")
	ErrLayoutInvalid       = errors.New("metainfo: invalid single/multi-file layout")
	ErrCreationDateInvalid = errors.New("metainfo: invalid creation date")
)

func (m *Metainfo) Size() int64 {
	if m.Info.Length > 0 {
		return m.Info.Length
	}

	var sum int64
	for _, f := range m.Info.Files {
		sum += f.Length
	}

	return sum
}

// ParseMetainfo decodes a classic bencoded .torrent-style dict into a
// Metainfo. This is the legacy load path; descriptors created by
// CreateDescriptor use the canonical hex encoding instead (see canonical.go).
func ParseMetainfo(data []byte) (*Metainfo, error) {
	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	root, ok := raw.(map[string]any)
	if !ok {
		return nil, ErrTopLevelNotDict
	}

	announce, err := parseOptionalString(root["announce"])
	if err != nil {
		return nil, err
	}
	announceList, err := parseAnnounceList(root["announce-list"])
	if err != nil {
		return nil, err
	}
	if announce == "" && len(announceList) == 0 {
		return nil, ErrAnnounceMissing
	}

	var creationDate time.Time
	if v, ok := root["creation date"]; ok {
		secs, err := cast.ToInt(v)
		if err != nil || secs < 0 {
			return nil, ErrCreationDateInvalid
		}
		creationDate = time.Unix(secs, 0).UTC()
	}

	createdBy, err := parseOptionalString(root["created by"])
	if err != nil {
		return nil, err
	}
	comment, err := parseOptionalString(root["comment"])
	if err != nil {
		return nil, err
	}
	encoding, err := parseOptionalString(root["encoding"])
	if err != nil {
		return nil, err
	}

	info, err := parseInfo(root["info"])
	if err != nil {
		return nil, err
	}

	infoDict, _ := root["info"].(map[string]any)
	descID, err := descriptorID(infoDict)
	if err != nil {
		return nil, fmt.Errorf("metainfo: descriptor id: %w", err)
	}

	return &Metainfo{
		Info:         info,
		DescriptorID: descID,
		Announce:     announce,
		AnnounceList: announceList,
		CreationDate: creationDate,
		CreatedBy:    createdBy,
		Comment:      comment,
		Encoding:     encoding,
	}, nil
}

func parseInfo(anyInfo any) (*Info, error) {
	if anyInfo == nil {
		return nil, ErrInfoMissing
	}
	dict, ok := anyInfo.(map[string]any)
	if !ok {
		return nil, ErrInfoNotDict
	}

	var (
		out Info
		err error
	)

	nameVal, ok := dict["name"]
	if !ok {
		return nil, ErrNameMissing
	}
	out.Name, err = cast.ToString(nameVal)
	if err != nil || out.Name == "" {
		return nil, fmt.Errorf("metainfo: invalid 'name': %w", err)
	}

	plVal, ok := dict["piece length"]
	if !ok {
		return nil, ErrPieceLenMissing
	}
	plen, err := cast.ToInt(plVal)
	if err != nil || plen <= 0 {
		return nil, ErrPieceLenNonPositive
	}
	if plen < int64(PieceLengthMin) || plen > int64(PieceLengthMax) {
		return nil, ErrPieceLenOutOfRange
	}
	out.PieceLength = int32(plen)

	out.Pieces, err = parsePieces(dict["pieces"])
	if err != nil {
		return nil, err
	}

	if v, ok := dict["private"]; ok {
		privInt, err := cast.ToInt(v)
		if err != nil || (privInt != 0 && privInt != 1) {
			return nil, fmt.Errorf(
				"metainfo: invalid 'private' flag",
			)
		}
		out.Private = privInt == 1
	}

	// Layout: either single-file ('length') or multi-file ('files')
	lengthVal, hasLength := dict["length"]
	filesVal, hasFiles := dict["files"]

	switch {
	case hasLength && !hasFiles:
		length, err := cast.ToInt(lengthVal)
		if err != nil || length < 0 {
			return nil, fmt.Errorf("metainfo: invalid 'length'")
		}
		out.Length = length

	case hasFiles && !hasLength:
		out.Files, err = parseFiles(filesVal)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrLayoutInvalid
	}

	// The two load paths agree on this invariant: splitting the payload
	// into PieceLength-byte pieces must yield exactly the advertised
	// digest count.
	size := out.Length
	for _, f := range out.Files {
		size += f.Length
	}
	wantPieces := (size + int64(out.PieceLength) - 1) / int64(out.PieceLength)
	if int64(len(out.Pieces)) != wantPieces {
		return nil, ErrPieceCountMismatch
	}

	return &out, nil
}

func parseFiles(v any) ([]*File, error) {
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return nil, fmt.Errorf("metainfo: invalid or empty 'files'")
	}

	files := make([]*File, 0, len(arr))

	for i, it := range arr {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("metainfo: files[%d]: not a dict", i)
		}

		fl, ok := m["length"]
		if !ok {
			return nil, fmt.Errorf("metainfo: files[%d]: length missing", i)
		}
		ln, err := cast.ToInt(fl)
		if err != nil || ln < 0 {
			return nil, fmt.Errorf("metainfo: files[%d]: invalid length", i)
		}

		rawPath, ok := m["path"]
		if !ok {
			return nil, fmt.Errorf("metainfo: files[%d]: path missing", i)
		}
		segments, err := cast.ToStringSlice(rawPath)
		if err != nil || len(segments) == 0 {
			return nil, fmt.Errorf("metainfo: files[%d]: invalid path", i)
		}

		var hash string
		if hv, ok := m["hash"]; ok {
			hash, _ = cast.ToString(hv)
		}

		files = append(files, &File{Length: ln, Path: segments, Hash: hash})
	}

	return files, nil
}

func parseAnnounceList(v any) ([][]string, error) {
	if v == nil {
		return [][]string{}, nil
	}
	raw, ok := v.([]any)
	if !ok {
		return [][]string{}, fmt.Errorf("metainfo: invalid announce-list")
	}
	tiered, err := cast.ToTieredStrings(raw)
	if err != nil {
		return [][]string{}, fmt.Errorf("metainfo: invalid announce-list: %w", err)
	}

	out := make([][]string, 0, len(tiered))
	for _, tier := range tiered {
		if len(tier) > 0 {
			out = append(out, tier)
		}
	}
	return out, nil
}

func parseOptionalString(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	return cast.ToString(v)
}

// descriptorID computes the content-addressed identifier over the raw
// bencoded info dict: SHA-256, never truncated to SHA-1 width.
func descriptorID(info map[string]any) ([PieceHashSize]byte, error) {
	buf, err := bencode.Marshal(info)
	if err != nil {
		return [PieceHashSize]byte{}, err
	}
	return sha256.Sum256(buf), nil
}

func parsePieces(v any) ([][PieceHashSize]byte, error) {
	if v == nil {
		return nil, ErrPiecesMissing
	}

	pieceBytes, err := cast.ToBytes(v)
	if err != nil {
		return nil, fmt.Errorf("metainfo: 'pieces': %w", err)
	}
	if len(pieceBytes)%PieceHashSize != 0 {
		return nil, ErrPiecesLenInvalid
	}

	n := len(pieceBytes) / PieceHashSize
	out := make([][PieceHashSize]byte, n)
	for i := 0; i < n; i++ {
		copy(out[i][:], pieceBytes[i*PieceHashSize:(i+1)*PieceHashSize])
	}

	return out, nil
}
