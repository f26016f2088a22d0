package retain

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// maxSuffix bounds the collision search so a full directory of same-named
// files ends in an error instead of a loop.
const maxSuffix = 100000

// Mover relocates files into Dir without ever overwriting an existing file.
type Mover struct {
	Dir string
}

// Retain moves path into the target directory and returns its final
// location. When the base name is taken, the smallest free "_N" suffix is
// inserted before the extension.
func (m Mover) Retain(path string) (string, error) {
	if err := os.MkdirAll(m.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create retention directory %s: %w", m.Dir, err)
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("retain %s: %w", path, err)
	}

	dest, err := m.reserve(filepath.Base(path))
	if err != nil {
		return "", err
	}

	if err := move(path, dest); err != nil {
		_ = os.Remove(dest)
		return "", fmt.Errorf("move %s to %s: %w", path, dest, err)
	}
	return dest, nil
}

// reserve claims the first free candidate name by creating it exclusively.
// The empty placeholder is replaced by the move.
func (m Mover) reserve(name string) (string, error) {
	for n := 0; n <= maxSuffix; n++ {
		candidate := filepath.Join(m.Dir, Candidate(name, n))
		f, err := os.OpenFile(candidate, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			if err := f.Close(); err != nil {
				return "", fmt.Errorf("reserve %s: %w", candidate, err)
			}
			return candidate, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("reserve %s: %w", candidate, err)
		}
	}
	return "", fmt.Errorf("no free name for %s in %s", name, m.Dir)
}

// Candidate returns name with suffix _n inserted before the extension, or
// name itself for n == 0.
func Candidate(name string, n int) string {
	if n == 0 {
		return name
	}
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext) + "_" + strconv.Itoa(n) + ext
}

func move(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return err
	}
	return copyAndRemove(src, dst)
}

func copyAndRemove(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	return os.Remove(src)
}
