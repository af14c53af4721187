// Package storage provides the file-level primitives the commit phase
// relies on: streaming hashes, deterministic output names and
// crash-tolerant copies.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// hashChunkSize keeps memory flat regardless of file size.
const hashChunkSize = 64 * 1024

// StreamHash computes the SHA-256 of a file by streaming it in fixed
// chunks.
func StreamHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, hashChunkSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DeterministicName derives the output filename for a source image:
// the source stem plus the first 12 hex chars of its content hash,
// always with a .jpg extension. The same source file always produces
// the same name, which is what makes commit replay idempotent.
func DeterministicName(sourceFilename, sha256Hex string) string {
	stem := strings.TrimSuffix(sourceFilename, filepath.Ext(sourceFilename))
	short := sha256Hex
	if len(short) > 12 {
		short = short[:12]
	}
	return fmt.Sprintf("%s__%s.jpg", stem, short)
}

// SanitizeFolderName turns an arbitrary person name into a safe relative
// folder name: diacritics stripped, path separators and control
// characters replaced, whitespace collapsed to underscores.
func SanitizeFolderName(name string) string {
	decomposed := norm.NFD.String(name)

	var b strings.Builder
	for _, r := range decomposed {
		switch {
		case unicode.Is(unicode.Mn, r):
			// combining mark left over from NFD, drop it
		case r == '/' || r == '\\' || r == ':' || r == 0:
			b.WriteByte('_')
		case unicode.IsControl(r):
			b.WriteByte('_')
		case unicode.IsSpace(r):
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}

	out := strings.Trim(b.String(), "._ ")
	if out == "" {
		out = "unnamed"
	}
	return out
}

// CopyFile copies src to dst through a temporary file in the destination
// directory, renaming into place only after the full content is flushed.
// A crash mid-copy leaves a .tmp file, never a truncated destination.
func CopyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", dst, err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("copy to %s: %w", tmp, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", dst, err)
	}
	return nil
}

// CopyIfMissing copies src to dst unless dst already exists. Returns
// true when a copy actually happened. Existing files are trusted
// because output names encode the content hash.
func CopyIfMissing(src, dst string) (bool, error) {
	if _, err := os.Stat(dst); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("stat %s: %w", dst, err)
	}
	if err := CopyFile(src, dst); err != nil {
		return false, err
	}
	return true, nil
}

// WriteFileAtomic writes data to path via a temp file and rename.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// RemoveStaged deletes a batch's staging directory after a successful
// commit. Missing directories are fine.
func RemoveStaged(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove staging %s: %w", dir, err)
	}
	return nil
}
