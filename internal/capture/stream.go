package capture

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// stopTimeout bounds how long a recorder may take to exit after SIGINT
// before it is killed.
const stopTimeout = 2 * time.Second

// commandStream exposes a recorder subprocess's stdout. Close stops the
// process and releases the device.
type commandStream struct {
	cmd    *exec.Cmd
	stdout *os.File
	stderr *tailBuffer
	done   chan error
	logger *zap.Logger
	eof    atomic.Bool

	once     sync.Once
	closeErr error
}

func startStream(name string, args []string, logger *zap.Logger) (*commandStream, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	// A plain pipe instead of StdoutPipe: Wait runs concurrently with reads
	// and must not close the read end under us.
	stdout, stdoutWriter, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%s stdout pipe: %w", name, err)
	}

	cmd := exec.Command(name, args...)
	cmd.Stdout = stdoutWriter
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr

	logger.Debug("opening audio input", zap.String("command", name), zap.Strings("args", args))
	err = cmd.Start()
	_ = stdoutWriter.Close()
	if err != nil {
		_ = stdout.Close()
		return nil, fmt.Errorf("%w: start %s: %v", ErrDeviceUnavailable, name, err)
	}

	s := &commandStream{
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
		done:   make(chan error, 1),
		logger: logger,
	}
	go func() {
		s.done <- cmd.Wait()
	}()

	return s, nil
}

func (s *commandStream) Read(p []byte) (int, error) {
	n, err := s.stdout.Read(p)
	if errors.Is(err, io.EOF) {
		s.eof.Store(true)
	}
	return n, err
}

func (s *commandStream) Close() error {
	s.once.Do(func() {
		s.closeErr = s.stop()
		_ = s.stdout.Close()
	})
	return s.closeErr
}

func (s *commandStream) stop() error {
	select {
	case err := <-s.done:
		// The recorder exited on its own; a non-zero exit means the device
		// failed rather than that we stopped it.
		return s.exitError(err)
	default:
	}

	if s.eof.Load() {
		// stdout is closed, so the recorder is already on its way out.
		select {
		case err := <-s.done:
			return s.exitError(err)
		case <-time.After(stopTimeout):
		}
	}

	stopSignalSent := s.cmd.Process.Signal(os.Interrupt) == nil

	var err error
	select {
	case err = <-s.done:
	case <-time.After(stopTimeout):
		_ = s.cmd.Process.Kill()
		err = <-s.done
	}

	if err == nil {
		return nil
	}
	if stopSignalSent {
		s.logger.Debug("recording process exited after stop signal", zap.Error(err))
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			s.logger.Debug("recording process stopped by signal", zap.String("signal", status.Signal().String()))
			return nil
		}
	}

	return s.exitError(err)
}

func (s *commandStream) exitError(err error) error {
	if err == nil {
		return nil
	}
	if tail := strings.TrimSpace(s.stderr.String()); tail != "" {
		return fmt.Errorf("%s: %w (%s)", s.cmd.Path, err, tail)
	}
	return fmt.Errorf("%s: %w", s.cmd.Path, err)
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, _ := b.buf.Write(p)
	if over := b.buf.Len() - b.limit; over > 0 {
		b.buf.Next(over)
	}
	return n, nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
