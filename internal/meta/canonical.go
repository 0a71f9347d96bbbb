package meta

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
)

// CanonicalEncode serializes v into the deterministic encoding used to
// compute a descriptor identifier. It intentionally differs from bencode:
// keys are emitted in sorted order (as bencode also does), but integers are
// always decimal and every byte string is lowercase hex rather than a
// length-prefixed raw run — there is no ambiguity between a string's length
// and its content, and the output contains no insignificant whitespace.
//
// Supported value types: []byte, string, int64, []any, map[string]any.
func CanonicalEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeCanonical(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case []byte:
		return encodeCanonicalHex(buf, x)
	case string:
		return encodeCanonicalHex(buf, []byte(x))
	case int:
		return encodeCanonicalInt(buf, int64(x))
	case int32:
		return encodeCanonicalInt(buf, int64(x))
	case int64:
		return encodeCanonicalInt(buf, x)
	case []any:
		return encodeCanonicalList(buf, x)
	case map[string]any:
		return encodeCanonicalDict(buf, x)
	default:
		return fmt.Errorf("meta: canonical encode: unsupported type %T", v)
	}
}

// encodeCanonicalHex writes 'h' <lowercase hex> 'e'.
func encodeCanonicalHex(buf *bytes.Buffer, b []byte) error {
	buf.WriteByte('h')
	const hexDigits = "0123456789abcdef"
	for _, c := range b {
		buf.WriteByte(hexDigits[c>>4])
		buf.WriteByte(hexDigits[c&0x0f])
	}
	buf.WriteByte('e')
	return nil
}

// encodeCanonicalInt writes 'i' <decimal> 'e'.
func encodeCanonicalInt(buf *bytes.Buffer, n int64) error {
	buf.WriteByte('i')
	buf.WriteString(strconv.FormatInt(n, 10))
	buf.WriteByte('e')
	return nil
}

// encodeCanonicalList writes 'l' <elements> 'e'.
func encodeCanonicalList(buf *bytes.Buffer, xs []any) error {
	buf.WriteByte('l')
	for _, x := range xs {
		if err := encodeCanonical(buf, x); err != nil {
			return err
		}
	}
	buf.WriteByte('e')
	return nil
}

// encodeCanonicalDict writes 'd' <sorted key,value pairs> 'e'. Keys are
// sorted lexicographically over their raw (pre-hex) bytes, not their hex
// encoding, so key order is stable regardless of encoding choice.
func encodeCanonicalDict(buf *bytes.Buffer, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('d')
	for _, k := range keys {
		if err := encodeCanonicalHex(buf, []byte(k)); err != nil {
			return err
		}
		if err := encodeCanonical(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('e')
	return nil
}

// descriptorInfoSubset builds the canonical-encodable map for the
// {name, piece_length, piece_digests, files} subset a descriptor identifier
// is computed over.
func descriptorInfoSubset(info *Info) map[string]any {
	pieces := make([]any, len(info.Pieces))
	for i, p := range info.Pieces {
		pieces[i] = append([]byte(nil), p[:]...)
	}

	subset := map[string]any{
		"name":         info.Name,
		"piece_length": int64(info.PieceLength),
		"pieces":       pieces,
	}

	if len(info.Files) > 0 {
		files := make([]any, len(info.Files))
		for i, f := range info.Files {
			path := make([]any, len(f.Path))
			for j, seg := range f.Path {
				path[j] = seg
			}
			files[i] = map[string]any{
				"length": f.Length,
				"path":   path,
			}
		}
		subset["files"] = files
	} else {
		subset["length"] = info.Length
	}

	return subset
}
