package meta

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prxssh/piecewise/internal/xenvelope"
)

// ContainerMagic is the fixed version literal every descriptor container
// begins with. Save never writes anything else; Load rejects anything else.
const ContainerMagic = "PIECEWISE-DESCRIPTOR-v1"

// FormatVersion is recorded in the plaintext body for forward compatibility;
// Load does not currently reject a different value, only a different magic.
const FormatVersion = 1

var (
	// DescriptorFormatError wraps any structural problem with a loaded
	// container or its body: unknown magic, malformed JSON, a piece
	// count or piece length outside [Lmin, Lmax], or a piece digest of
	// the wrong width. Fatal for the torrent.
	ErrDescriptorFormatError = errors.New("meta: DescriptorFormatError")

	// ErrDescriptorDecryptError reports an AEAD authentication failure
	// while opening an encrypted body. Fatal for the torrent.
	ErrDescriptorDecryptError = errors.New("meta: DescriptorDecryptError")

	// ErrDescriptorSignatureError reports a signature that fails to
	// verify against a configured public key. Fatal for the torrent.
	// When no public key is configured, Load logs and continues instead
	// of returning this.
	ErrDescriptorSignatureError = errors.New("meta: DescriptorSignatureError")
)

// envelopeBody is the plaintext body of a descriptor container,
// JSON-encoded with byte strings as lowercase hex.
type envelopeBody struct {
	Name          string   `json:"name"`
	Files         []*File  `json:"files,omitempty"`
	Length        int64    `json:"length,omitempty"`
	PieceLength   int32    `json:"pieceLength"`
	PieceHashes   []string `json:"pieceHashes"`
	Trackers      []string `json:"trackers,omitempty"`
	Comment       string   `json:"comment,omitempty"`
	CreatedBy     string   `json:"createdBy,omitempty"`
	Private       bool     `json:"private,omitempty"`
	CreationDate  int64    `json:"creationDate"`
	DescriptorID  string   `json:"descriptorId"`
	FormatVersion int      `json:"formatVersion"`
}

// encryptedBody is the body shape when container.encrypted is true: a
// freshly generated symmetric key hybrid-encrypted to the issuer's public
// key, plus the AEAD-sealed plaintext body.
type encryptedBody struct {
	EncryptedKey []byte `json:"encryptedKey"`
	Nonce        []byte `json:"nonce"`
	Ciphertext   []byte `json:"ciphertext"`
}

type container struct {
	Magic     string          `json:"magic"`
	Encrypted bool            `json:"encrypted"`
	Body      json.RawMessage `json:"body"`
	Signature []byte          `json:"signature,omitempty"`
}

// CryptoProvider supplies the capability bindings Save/Load need; a caller
// that never encrypts or signs may pass a zero-valued CryptoProvider (every
// operation it would need is then simply unused).
type CryptoProvider struct {
	Aead      xenvelope.Aead
	Signer    xenvelope.Signer
	Verifier  xenvelope.Verifier
	WrapKey   func(symKey []byte) ([]byte, error)
	UnwrapKey func(wrapped []byte) ([]byte, error)
}

// SaveOptions configures container serialization.
type SaveOptions struct {
	Encrypt bool
	Sign    bool
	Crypto  *CryptoProvider
}

// Save serializes mi into the self-describing container format: a fixed
// magic, the plaintext or hybrid-encrypted body, and an optional signature
// over the plaintext body bytes.
func Save(mi *Metainfo, opts SaveOptions) ([]byte, error) {
	plaintext, err := marshalBody(mi)
	if err != nil {
		return nil, err
	}

	c := container{Magic: ContainerMagic}

	if opts.Sign {
		if opts.Crypto == nil || opts.Crypto.Signer == nil {
			return nil, fmt.Errorf("meta: Save: signing requested but no Signer configured")
		}
		sig, err := opts.Crypto.Signer.Sign(plaintext)
		if err != nil {
			return nil, fmt.Errorf("meta: sign body: %w", err)
		}
		c.Signature = sig
	}

	if opts.Encrypt {
		if opts.Crypto == nil || opts.Crypto.Aead == nil || opts.Crypto.WrapKey == nil {
			return nil, fmt.Errorf("meta: Save: encryption requested but no Aead/WrapKey configured")
		}

		symKey := make([]byte, opts.Crypto.Aead.KeySize())
		if _, err := rand.Read(symKey); err != nil {
			return nil, fmt.Errorf("meta: generate symmetric key: %w", err)
		}

		nonce, ciphertext, err := opts.Crypto.Aead.Seal(symKey, plaintext)
		if err != nil {
			return nil, fmt.Errorf("meta: seal body: %w", err)
		}

		wrapped, err := opts.Crypto.WrapKey(symKey)
		if err != nil {
			return nil, fmt.Errorf("meta: wrap symmetric key: %w", err)
		}

		encBody, err := json.Marshal(encryptedBody{
			EncryptedKey: wrapped,
			Nonce:        nonce,
			Ciphertext:   ciphertext,
		})
		if err != nil {
			return nil, err
		}

		c.Encrypted = true
		c.Body = encBody
	} else {
		c.Body = plaintext
	}

	return json.Marshal(c)
}

// LoadOptions configures container parsing. Crypto may be nil when the
// container is known to be plaintext and unsigned.
type LoadOptions struct {
	Crypto *CryptoProvider
	Log    *slog.Logger
}

// Load parses a container produced by Save. It decrypts (if the container
// is encrypted), verifies the signature (if present and a Verifier is
// configured), and parses the body into a Metainfo.
func Load(data []byte, opts LoadOptions) (*Metainfo, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	var c container
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: malformed container: %v", ErrDescriptorFormatError, err)
	}
	if c.Magic != ContainerMagic {
		return nil, fmt.Errorf("%w: unrecognized magic %q", ErrDescriptorFormatError, c.Magic)
	}

	plaintext := []byte(c.Body)
	if c.Encrypted {
		if opts.Crypto == nil || opts.Crypto.Aead == nil || opts.Crypto.UnwrapKey == nil {
			return nil, fmt.Errorf("%w: body is encrypted but no Aead/UnwrapKey configured", ErrDescriptorDecryptError)
		}

		var enc encryptedBody
		if err := json.Unmarshal(c.Body, &enc); err != nil {
			return nil, fmt.Errorf("%w: malformed encrypted body: %v", ErrDescriptorFormatError, err)
		}

		symKey, err := opts.Crypto.UnwrapKey(enc.EncryptedKey)
		if err != nil {
			return nil, fmt.Errorf("%w: unwrap key: %v", ErrDescriptorDecryptError, err)
		}

		opened, err := opts.Crypto.Aead.Open(symKey, enc.Nonce, enc.Ciphertext)
		if err != nil {
			return nil, ErrDescriptorDecryptError
		}
		plaintext = opened
	}

	if len(c.Signature) > 0 {
		if opts.Crypto == nil || opts.Crypto.Verifier == nil {
			log.Info("descriptor container carries a signature but no public key is configured; skipping verification")
		} else if err := opts.Crypto.Verifier.Verify(plaintext, c.Signature); err != nil {
			return nil, ErrDescriptorSignatureError
		}
	}

	return unmarshalBody(plaintext)
}

func marshalBody(mi *Metainfo) ([]byte, error) {
	hashes := make([]string, len(mi.Info.Pieces))
	for i, h := range mi.Info.Pieces {
		hashes[i] = hex.EncodeToString(h[:])
	}

	var trackers []string
	if mi.Announce != "" {
		trackers = append(trackers, mi.Announce)
	}
	for _, tier := range mi.AnnounceList {
		trackers = append(trackers, tier...)
	}

	body := envelopeBody{
		Name:          mi.Info.Name,
		Files:         mi.Info.Files,
		Length:        mi.Info.Length,
		PieceLength:   mi.Info.PieceLength,
		PieceHashes:   hashes,
		Trackers:      trackers,
		Comment:       mi.Comment,
		CreatedBy:     mi.CreatedBy,
		Private:       mi.Info.Private,
		CreationDate:  mi.CreationDate.Unix(),
		DescriptorID:  hex.EncodeToString(mi.DescriptorID[:]),
		FormatVersion: FormatVersion,
	}

	return json.Marshal(body)
}

func unmarshalBody(data []byte) (*Metainfo, error) {
	var body envelopeBody
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("%w: malformed body: %v", ErrDescriptorFormatError, err)
	}

	if body.PieceLength < PieceLengthMin || body.PieceLength > PieceLengthMax {
		return nil, fmt.Errorf("%w: piece length %d out of [%d, %d]",
			ErrDescriptorFormatError, body.PieceLength, PieceLengthMin, PieceLengthMax)
	}

	size := body.Length
	for _, f := range body.Files {
		size += f.Length
	}
	wantPieces := (size + int64(body.PieceLength) - 1) / int64(body.PieceLength)
	if int64(len(body.PieceHashes)) != wantPieces {
		return nil, fmt.Errorf("%w: piece count %d, want %d", ErrDescriptorFormatError, len(body.PieceHashes), wantPieces)
	}

	pieces := make([][PieceHashSize]byte, len(body.PieceHashes))
	for i, hexHash := range body.PieceHashes {
		raw, err := hex.DecodeString(hexHash)
		if err != nil || len(raw) != PieceHashSize {
			return nil, fmt.Errorf("%w: piece %d digest is not %d bytes", ErrDescriptorFormatError, i, PieceHashSize)
		}
		copy(pieces[i][:], raw)
	}

	descIDRaw, err := hex.DecodeString(body.DescriptorID)
	if err != nil || len(descIDRaw) != PieceHashSize {
		return nil, fmt.Errorf("%w: descriptor id is not %d bytes", ErrDescriptorFormatError, PieceHashSize)
	}
	var descID [PieceHashSize]byte
	copy(descID[:], descIDRaw)

	info := &Info{
		Name:        body.Name,
		PieceLength: body.PieceLength,
		Pieces:      pieces,
		Private:     body.Private,
		Length:      body.Length,
		Files:       body.Files,
	}

	var announce string
	var announceList [][]string
	if len(body.Trackers) > 0 {
		announce = body.Trackers[0]
		announceList = [][]string{body.Trackers}
	}

	return &Metainfo{
		Info:         info,
		DescriptorID: descID,
		Announce:     announce,
		AnnounceList: announceList,
		CreationDate: time.Unix(body.CreationDate, 0).UTC(),
		CreatedBy:    body.CreatedBy,
		Comment:      body.Comment,
	}, nil
}
