package meta

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/prxssh/piecewise/internal/xenvelope"
)

func buildDescriptor(t *testing.T, fill byte) *Metainfo {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.bin")
	if err := os.WriteFile(path, bytes15360(fill), 0o644); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	mi, err := CreateDescriptor(CreateOptions{
		Root:        path,
		Trackers:    []string{"https://tracker.example/announce"},
		PieceLength: PieceLengthMin,
		Comment:     "test descriptor",
		CreatedBy:   "piecewise-test",
	})
	if err != nil {
		t.Fatalf("CreateDescriptor: %v", err)
	}
	return mi
}

func TestSaveLoad_Plaintext_RoundTrip(t *testing.T) {
	mi := buildDescriptor(t, 0x11)

	data, err := Save(mi, SaveOptions{})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(data, LoadOptions{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got.DescriptorID != mi.DescriptorID {
		t.Fatalf("descriptor id mismatch: %x vs %x", got.DescriptorID, mi.DescriptorID)
	}
	if got.Info.Name != mi.Info.Name || got.Info.PieceLength != mi.Info.PieceLength {
		t.Fatalf("info mismatch: %+v vs %+v", got.Info, mi.Info)
	}
	if len(got.Info.Pieces) != len(mi.Info.Pieces) {
		t.Fatalf("piece count mismatch: %d vs %d", len(got.Info.Pieces), len(mi.Info.Pieces))
	}
	for i := range mi.Info.Pieces {
		if got.Info.Pieces[i] != mi.Info.Pieces[i] {
			t.Fatalf("piece %d digest mismatch", i)
		}
	}
	if got.Announce != mi.Announce {
		t.Fatalf("announce mismatch: %q vs %q", got.Announce, mi.Announce)
	}
}

func TestSaveLoad_RejectsWrongMagic(t *testing.T) {
	if _, err := Load([]byte(`{"magic":"nope","body":{}}`), LoadOptions{}); err == nil {
		t.Fatalf("expected error for wrong magic")
	}
}

func TestSaveLoad_Signed(t *testing.T) {
	mi := buildDescriptor(t, 0x22)

	key, err := xenvelope.RSAKeyPair()
	if err != nil {
		t.Skipf("rsa key generation unavailable: %v", err)
	}

	data, err := Save(mi, SaveOptions{
		Sign: true,
		Crypto: &CryptoProvider{
			Signer: xenvelope.RSASigner{Key: key},
		},
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, err := Load(data, LoadOptions{
		Crypto: &CryptoProvider{Verifier: xenvelope.RSAVerifier{Key: &key.PublicKey}},
	}); err != nil {
		t.Fatalf("Load with valid signature: %v", err)
	}

	otherKey, err := xenvelope.RSAKeyPair()
	if err != nil {
		t.Skipf("rsa key generation unavailable: %v", err)
	}
	if _, err := Load(data, LoadOptions{
		Crypto: &CryptoProvider{Verifier: xenvelope.RSAVerifier{Key: &otherKey.PublicKey}},
	}); err != ErrDescriptorSignatureError {
		t.Fatalf("want ErrDescriptorSignatureError, got %v", err)
	}
}

func TestSaveLoad_Encrypted(t *testing.T) {
	mi := buildDescriptor(t, 0x33)

	key, err := xenvelope.RSAKeyPair()
	if err != nil {
		t.Skipf("rsa key generation unavailable: %v", err)
	}

	aead := xenvelope.ChaCha20Poly1305{}
	crypto := &CryptoProvider{
		Aead:      aead,
		WrapKey:   func(symKey []byte) ([]byte, error) { return xenvelope.WrapKey(&key.PublicKey, symKey) },
		UnwrapKey: func(wrapped []byte) ([]byte, error) { return xenvelope.UnwrapKey(key, wrapped) },
	}

	data, err := Save(mi, SaveOptions{Encrypt: true, Crypto: crypto})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(data, LoadOptions{Crypto: crypto})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.DescriptorID != mi.DescriptorID {
		t.Fatalf("descriptor id mismatch after decrypt round-trip")
	}

	if _, err := Load(data, LoadOptions{}); !errors.Is(err, ErrDescriptorDecryptError) {
		t.Fatalf("want ErrDescriptorDecryptError without crypto configured, got %v", err)
	}
}
