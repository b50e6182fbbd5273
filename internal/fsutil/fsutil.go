package fsutil

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrOutsideBase = errors.New("path escapes base directory")
	ErrNotFound    = errors.New("file not found")
	ErrNotAFile    = errors.New("not a regular file")
	ErrInvalidName = errors.New("invalid file name")
)

// SanitizeName turns a client-declared upload name into an on-disk name:
// directory components are dropped and spaces become underscores. Nothing
// else is filtered.
func SanitizeName(declared string) (string, error) {
	name := strings.ReplaceAll(declared, "\\", "/")
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	name = strings.ReplaceAll(name, " ", "_")
	switch name {
	case "", ".", "..":
		return "", ErrInvalidName
	}
	return name, nil
}

// Resolve returns the canonical absolute path of name inside baseDir.
//
// name must be a single path segment; separators, NUL bytes, "." and ".."
// are rejected with ErrOutsideBase rather than stripped. Both sides are
// symlink-resolved before the prefix check, so a link inside baseDir that
// points elsewhere is also ErrOutsideBase. The file itself need not exist.
func Resolve(baseDir, name string) (string, error) {
	base, err := canonicalBase(baseDir)
	if err != nil {
		return "", err
	}
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, "/\\\x00") || filepath.IsAbs(name) {
		return "", ErrOutsideBase
	}

	joined := filepath.Join(base, name)
	real, err := filepath.EvalSymlinks(joined)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		// Either nothing is there, or a dangling symlink whose target we
		// cannot vouch for.
		if _, lerr := os.Lstat(joined); lerr == nil {
			return "", ErrOutsideBase
		}
		real = joined
	default:
		return "", err
	}

	if !within(base, real) {
		return "", ErrOutsideBase
	}
	return real, nil
}

// ResolveExisting is Resolve for read and delete: the target must exist and
// be a regular file.
func ResolveExisting(baseDir, name string) (string, error) {
	p, err := Resolve(baseDir, name)
	if err != nil {
		return "", err
	}
	st, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if !st.Mode().IsRegular() {
		return "", ErrNotAFile
	}
	return p, nil
}

func canonicalBase(baseDir string) (string, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return "", err
	}
	real, err := filepath.EvalSymlinks(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("base directory %s: %w", abs, ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return real, nil
}

func within(base, p string) bool {
	prefix := strings.TrimSuffix(base, string(filepath.Separator)) + string(filepath.Separator)
	return strings.HasPrefix(p, prefix) && len(p) > len(prefix)
}

// WriteFileAtomic writes r to dst via a temp file in the same directory,
// so readers see either the old file or the complete new one.
func WriteFileAtomic(dst string, r io.Reader, perm fs.FileMode) error {
	dir := filepath.Dir(dst)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, dst)
}

// MoveFile renames src to dst, falling back to copy+fsync when the two are
// on different filesystems.
func MoveFile(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		in, oerr := os.Open(src)
		if oerr != nil {
			return fmt.Errorf("move file: rename=%v open=%v", err, oerr)
		}
		defer in.Close()
		if err2 := WriteFileAtomic(dst, in, 0o644); err2 != nil {
			return fmt.Errorf("move file: rename=%v copy=%v", err, err2)
		}
		_ = os.Remove(src)
	}
	return nil
}
