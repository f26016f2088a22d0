package cli

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fmueller/ambirec/internal/capture"
	"github.com/fmueller/ambirec/internal/config"
	"github.com/stretchr/testify/require"
)

func runCommand(t *testing.T, args []string) (stdout string, stderr string, err error) {
	t.Helper()

	cmd := NewRootCmd()
	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)

	cmd.SetOut(outBuf)
	cmd.SetErr(errBuf)
	cmd.SetArgs(args)

	err = cmd.Execute()
	return outBuf.String(), errBuf.String(), err
}

// isolateEnv keeps config loading away from the user's home and environment.
func isolateEnv(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(home, "data"))
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(home); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return home
}

// testConfig captures 8 kHz mono in 100ms cycles and keeps every external
// tool out of the way.
func testConfig(root string) *config.Config {
	return &config.Config{
		GroupID:     "group_0",
		Hostname:    "test-host",
		ToolTimeout: time.Minute,
		Capture: config.CaptureConfig{
			Backend:    "fake",
			SampleRate: 8000,
			Channels:   1,
			FrameSize:  400,
			Cycle:      100 * time.Millisecond,
			Grace:      2 * time.Second,
		},
		Filter:  config.FilterConfig{Enabled: true, LowHz: 100, HighHz: 3000, Order: 4},
		Denoise: config.DenoiseConfig{Mode: "none"},
		Encode:  config.EncodeConfig{Encoder: "none"},
		Ship:    config.ShipConfig{Enabled: false, Timeout: time.Second},
		Paths: config.PathsConfig{
			Spool:      filepath.Join(root, "spool"),
			Work:       filepath.Join(root, "work"),
			Archive:    filepath.Join(root, "archive"),
			Recordings: filepath.Join(root, "recordings"),
		},
	}
}

// zeroStream yields silence until closed.
type zeroStream struct {
	once   sync.Once
	closed chan struct{}
}

func (s *zeroStream) Read(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, os.ErrClosed
	default:
	}
	clear(p)
	return len(p), nil
}

func (s *zeroStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type fakeBackend struct {
	openErr error

	mu    sync.Mutex
	opens int
}

func (b *fakeBackend) Name() string   { return "fake" }
func (b *fakeBackend) Available() bool { return true }

func (b *fakeBackend) Open(context.Context, capture.DeviceConfig) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opens++
	if b.openErr != nil {
		return nil, b.openErr
	}
	return &zeroStream{closed: make(chan struct{})}, nil
}

func (b *fakeBackend) ListDevices(context.Context) (string, error) {
	return "fake-device", nil
}

func (b *fakeBackend) openCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens
}

func writeTestWAV(t *testing.T, path string, samples []int16, sampleRate int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, makePCM16WAVForTest(samples, sampleRate, 1), 0o644))
}

func makePCM16WAVForTest(samples []int16, sampleRate int, channels int) []byte {
	bytesPerSample := 2
	dataSize := len(samples) * bytesPerSample
	fmtChunkSize := 16
	riffSize := 4 + (8 + fmtChunkSize) + (8 + dataSize)

	out := make([]byte, 12+8+fmtChunkSize+8+dataSize)
	off := 0

	copy(out[off:], []byte("RIFF"))
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(riffSize))
	off += 4
	copy(out[off:], []byte("WAVE"))
	off += 4

	copy(out[off:], []byte("fmt "))
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(fmtChunkSize))
	off += 4
	binary.LittleEndian.PutUint16(out[off:], 1)
	off += 2
	binary.LittleEndian.PutUint16(out[off:], uint16(channels))
	off += 2
	binary.LittleEndian.PutUint32(out[off:], uint32(sampleRate))
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(sampleRate*channels*bytesPerSample))
	off += 4
	binary.LittleEndian.PutUint16(out[off:], uint16(channels*bytesPerSample))
	off += 2
	binary.LittleEndian.PutUint16(out[off:], 16)
	off += 2

	copy(out[off:], []byte("data"))
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(dataSize))
	off += 4

	for _, s := range samples {
		binary.LittleEndian.PutUint16(out[off:], uint16(s))
		off += 2
	}

	return out
}
