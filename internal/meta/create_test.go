package meta

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCreateDescriptor_SingleFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.bin")
	data := bytes15360(0x42)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	mi, err := CreateDescriptor(CreateOptions{
		Root:        path,
		PieceLength: PieceLengthMin,
	})
	if err != nil {
		t.Fatalf("CreateDescriptor: %v", err)
	}

	if mi.Info.Name != "payload.bin" {
		t.Fatalf("name = %q", mi.Info.Name)
	}
	if mi.Info.Length != int64(len(data)) {
		t.Fatalf("length = %d, want %d", mi.Info.Length, len(data))
	}
	wantPieces := (len(data) + int(PieceLengthMin) - 1) / int(PieceLengthMin)
	if len(mi.Info.Pieces) != wantPieces {
		t.Fatalf("pieces = %d, want %d", len(mi.Info.Pieces), wantPieces)
	}

	var zero [PieceHashSize]byte
	if mi.DescriptorID == zero {
		t.Fatalf("descriptor id not computed")
	}
}

func TestCreateDescriptor_Deterministic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	if err := os.WriteFile(path, bytes15360(0x7), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	a, err := CreateDescriptor(CreateOptions{Root: path, PieceLength: PieceLengthMin})
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b, err := CreateDescriptor(CreateOptions{Root: path, PieceLength: PieceLengthMin})
	if err != nil {
		t.Fatalf("create b: %v", err)
	}
	if a.DescriptorID != b.DescriptorID {
		t.Fatalf("descriptor id not deterministic across runs: %x vs %x", a.DescriptorID, b.DescriptorID)
	}
}

func TestCreateDescriptor_MultiFile_LexicographicOrder(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "root")
	if err := os.MkdirAll(filepath.Join(sub, "a"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	os.WriteFile(filepath.Join(sub, "a", "2.txt"), []byte("second"), 0o644)
	os.WriteFile(filepath.Join(sub, "a", "1.txt"), []byte("first"), 0o644)
	os.WriteFile(filepath.Join(sub, "z.txt"), []byte("zzz"), 0o644)

	mi, err := CreateDescriptor(CreateOptions{Root: sub, PieceLength: PieceLengthMin})
	if err != nil {
		t.Fatalf("CreateDescriptor: %v", err)
	}
	if len(mi.Info.Files) != 3 {
		t.Fatalf("files = %d, want 3", len(mi.Info.Files))
	}

	var paths []string
	for _, f := range mi.Info.Files {
		paths = append(paths, filepath.Join(f.Path...))
	}
	want := []string{
		filepath.Join("root", "a", "1.txt"),
		filepath.Join("root", "a", "2.txt"),
		filepath.Join("root", "z.txt"),
	}
	for i, w := range want {
		if paths[i] != w {
			t.Fatalf("paths[%d] = %q, want %q (all: %v)", i, paths[i], w, paths)
		}
	}
}

func TestCreateDescriptor_PieceLengthOutOfRange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	os.WriteFile(path, []byte("x"), 0o644)

	if _, err := CreateDescriptor(CreateOptions{Root: path, PieceLength: 1}); err != ErrPieceLenOutOfRange {
		t.Fatalf("want ErrPieceLenOutOfRange, got %v", err)
	}
}

func bytes15360(fill byte) []byte {
	b := make([]byte, 15360) // shorter than PieceLengthMin so it's a single, truncated piece
	for i := range b {
		b[i] = fill
	}
	return b
}
