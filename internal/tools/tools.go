package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/fmueller/ambirec/internal/platform"
	"go.uber.org/zap"
)

var ErrToolUnavailable = errors.New("external tool unavailable")

// exitCommandNotFound is what a wrapper script or shell reports when the
// program it launches is missing.
const exitCommandNotFound = 127

// Tool is a resolved external executable.
type Tool struct {
	Name       string
	Executable string
	Env        []string
	Timeout    time.Duration
	Logger     *zap.Logger
}

// Resolve locates an executable: envVar override first, then PATH, then the
// locations bundled next to the running binary.
func Resolve(name, envVar string) (string, error) {
	if envVar != "" {
		if override := strings.TrimSpace(os.Getenv(envVar)); override != "" {
			if err := ensureExecutable(override); err != nil {
				return "", fmt.Errorf("%w: %s is not executable: %v", ErrToolUnavailable, envVar, err)
			}
			return override, nil
		}
	}

	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	self, err := os.Executable()
	if err == nil {
		for _, candidate := range PathCandidates(self, name) {
			if ensureExecutable(candidate) == nil {
				return candidate, nil
			}
		}
	}

	return "", fmt.Errorf("%w: %s not found in PATH", ErrToolUnavailable, name)
}

// PathCandidates lists where a bundled copy of name may live relative to
// the ambirec executable.
func PathCandidates(selfExecutable, name string) []string {
	binDir := filepath.Dir(selfExecutable)
	binary := binaryName(name)
	rt := platform.CurrentRuntime()
	hostTarget := rt.OS + "_" + rt.Arch

	return []string{
		filepath.Join(binDir, "..", "libexec", "ambirec", binary),
		filepath.Join(binDir, "libexec", "ambirec", binary),
		filepath.Join(binDir, "packaging", "tools", hostTarget, binary),
	}
}

// Lookup resolves name and returns a Tool ready to run.
func Lookup(name, envVar string, logger *zap.Logger) (*Tool, error) {
	path, err := Resolve(name, envVar)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tool{Name: name, Executable: path, Logger: logger}, nil
}

// Run executes the tool and waits for it. A missing executable or an exit
// status of 127 yields ErrToolUnavailable.
func (t *Tool) Run(ctx context.Context, args ...string) error {
	if err := ensureExecutable(t.Executable); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrToolUnavailable, t.Name, err)
	}

	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, t.Executable, args...)
	if len(t.Env) > 0 {
		cmd.Env = append(os.Environ(), t.Env...)
	}
	var stderr bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr

	t.logger().Debug("running external tool", zap.String("tool", t.Executable), zap.Strings("args", args))
	err := cmd.Run()
	if err == nil {
		return nil
	}

	errText := strings.TrimSpace(stderr.String())
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr) && exitErr.ExitCode() == exitCommandNotFound:
		return fmt.Errorf("%w: %s exited with status %d (%s)", ErrToolUnavailable, t.Name, exitCommandNotFound, errText)
	case isMissingSharedLibraryError(errText):
		return fmt.Errorf("%w: %s at %s is missing required shared libraries (%s)", ErrToolUnavailable, t.Name, t.Executable, errText)
	case isIllegalInstructionError(errText) || isIllegalInstructionError(err.Error()):
		return fmt.Errorf("%w: %s crashed with an illegal CPU instruction", ErrToolUnavailable, t.Name)
	case ctx.Err() != nil:
		return fmt.Errorf("%s: %w", t.Name, ctx.Err())
	case errText != "":
		return fmt.Errorf("%s failed: %w (%s)", t.Name, err, errText)
	default:
		return fmt.Errorf("%s failed: %w", t.Name, err)
	}
}

func (t *Tool) logger() *zap.Logger {
	if t.Logger == nil {
		return zap.NewNop()
	}
	return t.Logger
}

// CopyFile copies src to a new file at dst, replacing it if present.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func binaryName(name string) string {
	if runtime.GOOS == "windows" {
		return name + ".exe"
	}
	return name
}

func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if runtime.GOOS != "windows" && info.Mode()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}

func isMissingSharedLibraryError(stderr string) bool {
	value := strings.ToLower(strings.TrimSpace(stderr))
	if value == "" {
		return false
	}

	patterns := []string{
		"error while loading shared libraries",
		"cannot open shared object file",
		"dyld: library not loaded",
		"image not found",
	}

	for _, pattern := range patterns {
		if strings.Contains(value, pattern) {
			return true
		}
	}

	return false
}

func isIllegalInstructionError(stderr string) bool {
	return strings.Contains(strings.ToLower(stderr), "illegal instruction")
}
