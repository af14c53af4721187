package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestStreamHashDeterministic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.bin")
	if err := os.WriteFile(path, []byte("hello world"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	h1, err := StreamHash(path)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := StreamHash(path)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 != h2 {
		t.Errorf("hash not deterministic: %s vs %s", h1, h2)
	}
	// Known SHA-256 of "hello world".
	if h1 != "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9" {
		t.Errorf("unexpected hash: %s", h1)
	}
}

func TestDeterministicName(t *testing.T) {
	hash := "0123456789abcdef0123456789abcdef"
	got := DeterministicName("IMG_1234.ARW", hash)
	if got != "IMG_1234__0123456789ab.jpg" {
		t.Errorf("unexpected name: %s", got)
	}
	// Same inputs, same name.
	if again := DeterministicName("IMG_1234.ARW", hash); again != got {
		t.Errorf("name not deterministic: %s vs %s", again, got)
	}
	// Extension always becomes .jpg.
	if !strings.HasSuffix(DeterministicName("photo.jpeg", hash), ".jpg") {
		t.Error("expected .jpg suffix")
	}
}

func TestSanitizeFolderName(t *testing.T) {
	cases := map[string]string{
		"Alice":          "Alice",
		"Jan Novák":      "Jan_Novak",
		"a/b\\c:d":       "a_b_c_d",
		"  spaced out  ": "spaced_out",
		"":               "unnamed",
		"...":            "unnamed",
	}
	for in, want := range cases {
		if got := SanitizeFolderName(in); got != want {
			t.Errorf("SanitizeFolderName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCopyIfMissingIdempotent(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.jpg")
	dst := filepath.Join(dir, "out", "dst.jpg")
	if err := os.WriteFile(src, []byte("original"), 0o644); err != nil {
		t.Fatalf("write src: %v", err)
	}

	copied, err := CopyIfMissing(src, dst)
	if err != nil {
		t.Fatalf("first copy: %v", err)
	}
	if !copied {
		t.Error("first copy should report copied")
	}

	// Overwrite the source; the existing destination must be trusted.
	if err := os.WriteFile(src, []byte("changed"), 0o644); err != nil {
		t.Fatalf("rewrite src: %v", err)
	}
	copied, err = CopyIfMissing(src, dst)
	if err != nil {
		t.Fatalf("second copy: %v", err)
	}
	if copied {
		t.Error("second copy should be a no-op")
	}

	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read dst: %v", err)
	}
	if string(data) != "original" {
		t.Errorf("destination overwritten: %q", data)
	}
}

func TestCopyFileLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	if err := os.WriteFile(src, []byte("data"), 0o644); err != nil {
		t.Fatalf("write src: %v", err)
	}

	if err := CopyFile(src, dst); err != nil {
		t.Fatalf("copy: %v", err)
	}
	if _, err := os.Stat(dst + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state.json")

	if err := WriteFileAtomic(path, []byte(`{"ok":true}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Errorf("unexpected content: %s", data)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}
