package protocol

import (
	"encoding"
	"errors"
	"io"
)

const (
	btProtocol = "BitTorrent protocol"
	reservedN  = 8

	// DescriptorIDSize is the width of the descriptor identifier carried in
	// the handshake. Descriptors are identified by a 32-byte SHA-256
	// digest; the handshake carries the full width, never truncated down
	// to the classic 20-byte info-hash.
	DescriptorIDSize = 32

	// PeerIDSize is the width of the (unrelated, much looser) peer
	// identifier: 20 bytes, matching the wider BitTorrent ecosystem's
	// peer-id convention.
	PeerIDSize = 20
)

// Handshake represents the initial peer-wire handshake.
//
// Wire format (in bytes), no length prefix:
//
//	<pstrlen><pstr><reserved:8><descriptor_id:32><peer_id:20>
//
// Example:
//
//	19 "BitTorrent protocol" <8 zero bytes> <descriptor id> <peer id>
type Handshake struct {
	Pstr         string                 // Protocol identifier, "BitTorrent protocol"
	Reserved     [reservedN]byte        // Reserved bytes used for feature flags
	DescriptorID [DescriptorIDSize]byte // SHA-256 digest identifying the torrent's descriptor
	PeerID       [PeerIDSize]byte       // Peer identifier
}

var (
	ErrProtocolMismatch     = errors.New("handshake: protocol string mismatch")
	ErrBadPstrlen           = errors.New("handshake: invalid protocol string length")
	ErrShortHandshake       = errors.New("handshake: short read")
	ErrDescriptorIDMismatch = errors.New("handshake: descriptor id mismatch")
	ErrUnknownDescriptor    = errors.New("handshake: no descriptor registered for id")
)

var (
	_ encoding.BinaryMarshaler   = (*Handshake)(nil)
	_ encoding.BinaryUnmarshaler = (*Handshake)(nil)
	_ io.WriterTo                = (*Handshake)(nil)
	_ io.ReaderFrom              = (*Handshake)(nil)
)

// NewHandshake returns a canonical handshake for the given descriptor
// identifier and local peer ID.
func NewHandshake(descriptorID [DescriptorIDSize]byte, peerID [PeerIDSize]byte) *Handshake {
	return &Handshake{
		Pstr:         btProtocol,
		DescriptorID: descriptorID,
		PeerID:       peerID,
	}
}

// MarshalBinary encodes the handshake into its wire representation.
func (h *Handshake) MarshalBinary() ([]byte, error) {
	if len(h.Pstr) == 0 || len(h.Pstr) > 255 {
		return nil, ErrBadPstrlen
	}

	n := 1 + len(h.Pstr) + reservedN + DescriptorIDSize + PeerIDSize
	buf := make([]byte, n)

	buf[0] = byte(len(h.Pstr))
	offset := 1
	offset += copy(buf[offset:], []byte(h.Pstr))
	offset += copy(buf[offset:], make([]byte, reservedN))
	offset += copy(buf[offset:], h.DescriptorID[:])
	offset += copy(buf[offset:], h.PeerID[:])

	return buf, nil
}

// UnmarshalBinary parses a handshake from its wire format.
func (h *Handshake) UnmarshalBinary(b []byte) error {
	if len(b) < 1 {
		return ErrShortHandshake
	}

	pstrlen := int(b[0])
	if pstrlen == 0 || pstrlen > 255 {
		return ErrBadPstrlen
	}
	const tail = reservedN + DescriptorIDSize + PeerIDSize
	if len(b) < 1+pstrlen+tail {
		return ErrShortHandshake
	}

	pstrStart := 1
	pstrEnd := pstrStart + pstrlen
	copy(h.Reserved[:], b[pstrEnd:pstrEnd+reservedN])
	copy(h.DescriptorID[:], b[pstrEnd+reservedN:pstrEnd+reservedN+DescriptorIDSize])
	copy(h.PeerID[:], b[pstrEnd+reservedN+DescriptorIDSize:])

	h.Pstr = string(b[pstrStart:pstrEnd])
	return nil
}

// WriteTo implements io.WriterTo.
func (h *Handshake) WriteTo(w io.Writer) (int64, error) {
	b, err := h.MarshalBinary()
	if err != nil {
		return 0, err
	}

	n, err := w.Write(b)
	return int64(n), err
}

// ReadFrom implements io.ReaderFrom.
func (h *Handshake) ReadFrom(r io.Reader) (int64, error) {
	var hdr [1]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, ErrShortHandshake
		}
		return 0, err
	}
	pstrlen := int(hdr[0])
	if pstrlen == 0 || pstrlen > 255 {
		return 1, ErrBadPstrlen
	}

	rest := make([]byte, pstrlen+reservedN+DescriptorIDSize+PeerIDSize)
	if _, err := io.ReadFull(r, rest); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return int64(1 + len(rest)), ErrShortHandshake
		}
		return int64(1 + len(rest)), err
	}

	if err := h.UnmarshalBinary(append(hdr[:], rest...)); err != nil {
		return int64(1 + len(rest)), err
	}
	return int64(1 + len(rest)), nil
}

// ReadHandshake reads a full handshake from r and returns it.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var h Handshake
	_, err := h.ReadFrom(r)
	return h, err
}

// WriteHandshake writes h to w in wire format.
func WriteHandshake(w io.Writer, h Handshake) error {
	_, err := h.WriteTo(w)
	return err
}

// Exchange performs the outbound (initiator) handshake: it writes the local
// handshake first, then reads the remote one, then validates the protocol
// string and (optionally) the descriptor identifier.
func (h Handshake) Exchange(rw io.ReadWriter, verifyDescriptorID bool) (peer Handshake, err error) {
	if _, err = (&h).WriteTo(rw); err != nil {
		return Handshake{}, err
	}
	if _, err = (&peer).ReadFrom(rw); err != nil {
		return Handshake{}, err
	}

	if peer.Pstr != btProtocol {
		return Handshake{}, ErrProtocolMismatch
	}
	if verifyDescriptorID && peer.DescriptorID != h.DescriptorID {
		return Handshake{}, ErrDescriptorIDMismatch
	}
	return peer, nil
}

// Accept performs the listener-side handshake: it reads the remote
// handshake first, uses resolve to look up a locally-known descriptor by
// the advertised descriptor id, and only then writes back the local
// handshake (built from the resolved descriptor id and localPeerID). If
// resolve returns false the connection is not answered and
// ErrUnknownDescriptor is returned; the caller is expected to close the
// connection.
func Accept(rw io.ReadWriter, localPeerID [PeerIDSize]byte, resolve func(descriptorID [DescriptorIDSize]byte) bool) (peer Handshake, err error) {
	if _, err = (&peer).ReadFrom(rw); err != nil {
		return Handshake{}, err
	}

	if peer.Pstr != btProtocol {
		return Handshake{}, ErrProtocolMismatch
	}

	if !resolve(peer.DescriptorID) {
		return Handshake{}, ErrUnknownDescriptor
	}

	local := NewHandshake(peer.DescriptorID, localPeerID)
	if _, err = local.WriteTo(rw); err != nil {
		return Handshake{}, err
	}

	return peer, nil
}
