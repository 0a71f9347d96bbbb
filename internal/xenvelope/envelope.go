// Package xenvelope implements the descriptor container's optional
// encryption and signing. The engine depends only on three capability
// interfaces (Digest, Signer/Verifier, Aead); this package supplies the
// default bindings (SHA-256, RSA-4096, ChaCha20-Poly1305) behind them.
// The storage and meta packages call crypto/sha256 directly for hashing.
package xenvelope

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// Digest computes a collision-resistant hash over arbitrary bytes.
type Digest interface {
	Sum(data []byte) []byte
	Size() int
}

// Signer produces a signature over plaintext body bytes.
type Signer interface {
	Sign(body []byte) ([]byte, error)
}

// Verifier checks a signature produced by the matching Signer.
type Verifier interface {
	Verify(body, signature []byte) error
}

// Aead authenticates and encrypts the plaintext body under a fresh
// symmetric key; Seal returns the nonce apart from the ciphertext and Open
// takes the two as separate arguments.
type Aead interface {
	Seal(key, plaintext []byte) (nonce, ciphertext []byte, err error)
	Open(key, nonce, ciphertext []byte) ([]byte, error)
	KeySize() int
}

var (
	ErrMACMismatch  = errors.New("xenvelope: authentication failed")
	ErrKeySize      = errors.New("xenvelope: wrong key size")
	ErrSignatureBad = errors.New("xenvelope: signature verification failed")
)

// SHA256Digest is the default Digest binding.
type SHA256Digest struct{}

func (SHA256Digest) Sum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

func (SHA256Digest) Size() int { return sha256.Size }

// ChaCha20Poly1305 is the default Aead binding: a 96-bit (12-byte) nonce
// generated fresh per Seal call.
type ChaCha20Poly1305 struct{}

func (ChaCha20Poly1305) KeySize() int { return chacha20poly1305.KeySize }

func (c ChaCha20Poly1305) Seal(key, plaintext []byte) (nonce, ciphertext []byte, err error) {
	if len(key) != c.KeySize() {
		return nil, nil, ErrKeySize
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, fmt.Errorf("xenvelope: new aead: %w", err)
	}

	nonce = make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("xenvelope: nonce: %w", err)
	}

	ciphertext = aead.Seal(nil, nonce, plaintext, nil)
	return nonce, ciphertext, nil
}

func (c ChaCha20Poly1305) Open(key, nonce, ciphertext []byte) ([]byte, error) {
	if len(key) != c.KeySize() {
		return nil, ErrKeySize
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("xenvelope: new aead: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("xenvelope: nonce size %d, want %d", len(nonce), aead.NonceSize())
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrMACMismatch
	}
	return plaintext, nil
}

// RSASigner/RSAVerifier implement Signer/Verifier with PKCS1v15 over a
// SHA-256 digest of the body.
type RSASigner struct {
	Key *rsa.PrivateKey
}

func (s RSASigner) Sign(body []byte) ([]byte, error) {
	digest := sha256.Sum256(body)
	return rsa.SignPKCS1v15(rand.Reader, s.Key, crypto.SHA256, digest[:])
}

type RSAVerifier struct {
	Key *rsa.PublicKey
}

func (v RSAVerifier) Verify(body, signature []byte) error {
	digest := sha256.Sum256(body)
	if err := rsa.VerifyPKCS1v15(v.Key, crypto.SHA256, digest[:], signature); err != nil {
		return ErrSignatureBad
	}
	return nil
}

// RSAKeyPair generates a fresh 4096-bit RSA key, used both for issuer
// signing and for the hybrid-encryption recipient key.
func RSAKeyPair() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, 4096)
}

// WrapKey hybrid-encrypts a freshly generated symmetric key to pub using
// RSA-OAEP, for the envelope's {encrypted_key} field.
func WrapKey(pub *rsa.PublicKey, symKey []byte) ([]byte, error) {
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, symKey, nil)
}

// UnwrapKey reverses WrapKey using the issuer's private key.
func UnwrapKey(priv *rsa.PrivateKey, wrapped []byte) ([]byte, error) {
	return rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
}

// MarshalPublicKey/ParsePublicKey round-trip an RSA public key through the
// standard PKIX DER encoding, the form the descriptor container's
// out-of-band key distribution uses.
func MarshalPublicKey(pub *rsa.PublicKey) ([]byte, error) {
	return x509.MarshalPKIXPublicKey(pub)
}

func ParsePublicKey(der []byte) (*rsa.PublicKey, error) {
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("xenvelope: not an RSA public key")
	}
	return pub, nil
}
