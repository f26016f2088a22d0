package capture

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/fmueller/ambirec/internal/audio"
	"github.com/stretchr/testify/require"
)

// fakeStream yields zeroed PCM until closed. failures makes the first reads
// fail; limit caps the number of bytes delivered before EOF.
type fakeStream struct {
	mu       sync.Mutex
	closed   chan struct{}
	failures int
	limit    int
	block    bool
	sent     int
}

func newFakeStream() *fakeStream {
	return &fakeStream{closed: make(chan struct{}), limit: -1}
}

func (s *fakeStream) Read(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, os.ErrClosed
	default:
	}

	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return 0, errors.New("input overflow")
	}
	if s.limit >= 0 && s.sent >= s.limit {
		block := s.block
		s.mu.Unlock()
		if block {
			<-s.closed
			return 0, os.ErrClosed
		}
		return 0, io.EOF
	}
	n := len(p)
	if s.limit >= 0 && n > s.limit-s.sent {
		n = s.limit - s.sent
	}
	s.sent += n
	s.mu.Unlock()

	clear(p[:n])
	return n, nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return nil
}

type fakeBackend struct {
	open func() (io.ReadCloser, error)
}

func (b fakeBackend) Name() string                                { return "fake" }
func (b fakeBackend) Available() bool                             { return true }
func (b fakeBackend) ListDevices(context.Context) (string, error) { return "", nil }
func (b fakeBackend) Open(context.Context, DeviceConfig) (io.ReadCloser, error) {
	return b.open()
}

type recordingQueue struct {
	mu    sync.Mutex
	names []string
}

func (q *recordingQueue) Push(name string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.names = append(q.names, name)
	return nil
}

func (q *recordingQueue) Names() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.names...)
}

// cyclesThenCancel returns a Sleep that ends the run after n cycles without
// waiting.
func cyclesThenCancel(n int, cancel context.CancelFunc) func(context.Context, time.Duration) error {
	count := 0
	return func(ctx context.Context, _ time.Duration) error {
		count++
		if count >= n {
			cancel()
			return context.Canceled
		}
		return ctx.Err()
	}
}

func newTestProducer(t *testing.T, backend Backend) *Producer {
	t.Helper()
	return &Producer{
		Backend:   backend,
		Device:    DeviceConfig{SampleRate: 8000, Channels: 1},
		Clock:     Clock{Cycle: 100 * time.Millisecond},
		SpoolDir:  filepath.Join(t.TempDir(), "spool"),
		FrameSize: 256,
	}
}

func TestProducerEnqueuesOneSegmentPerCycle(t *testing.T) {
	t.Parallel()

	p := newTestProducer(t, fakeBackend{open: func() (io.ReadCloser, error) { return newFakeStream(), nil }})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Clock.Sleep = cyclesThenCancel(3, cancel)

	queue := &recordingQueue{}
	require.NoError(t, p.Run(ctx, queue))

	names := queue.Names()
	require.Len(t, names, 3)
	require.True(t, sort.StringsAreSorted(names))
	require.NotEqual(t, names[0], names[1])
	require.NotEqual(t, names[1], names[2])

	for _, name := range names {
		clip, err := audio.ReadWAV(filepath.Join(p.SpoolDir, name))
		require.NoError(t, err)
		require.Equal(t, 8000, clip.Format.SampleRate)
		require.Equal(t, 800, clip.Frames())
	}

	parts, err := filepath.Glob(filepath.Join(p.SpoolDir, "*.part"))
	require.NoError(t, err)
	require.Empty(t, parts)
}

func TestProducerStopsWhenDeviceCannotOpen(t *testing.T) {
	t.Parallel()

	p := newTestProducer(t, fakeBackend{open: func() (io.ReadCloser, error) {
		return nil, errors.New("device busy")
	}})

	queue := &recordingQueue{}
	err := p.Run(context.Background(), queue)
	require.ErrorIs(t, err, ErrDeviceUnavailable)
	require.Empty(t, queue.Names())
}

func TestProducerStopsWhenDeviceDeliversNothing(t *testing.T) {
	t.Parallel()

	p := newTestProducer(t, fakeBackend{open: func() (io.ReadCloser, error) {
		s := newFakeStream()
		s.limit = 0
		return s, nil
	}})

	queue := &recordingQueue{}
	err := p.Run(context.Background(), queue)
	require.ErrorIs(t, err, ErrDeviceUnavailable)
	require.Empty(t, queue.Names())

	entries, err := os.ReadDir(p.SpoolDir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestProducerKeepsPartialSegmentOnCancel(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	stream.limit = 2 * 300
	stream.block = true

	p := newTestProducer(t, fakeBackend{open: func() (io.ReadCloser, error) { return stream, nil }})
	p.Clock.Cycle = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	queue := &recordingQueue{}
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, queue) }()

	require.Eventually(t, func() bool {
		stream.mu.Lock()
		defer stream.mu.Unlock()
		return stream.sent == stream.limit
	}, time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("producer did not stop after cancel")
	}

	names := queue.Names()
	require.Len(t, names, 1)
	clip, err := audio.ReadWAV(filepath.Join(p.SpoolDir, names[0]))
	require.NoError(t, err)
	require.Equal(t, 300, clip.Frames())
}

func TestCaptureDropsFailedReads(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	stream.failures = 2
	p := newTestProducer(t, fakeBackend{open: func() (io.ReadCloser, error) { return stream, nil }})

	start := time.Now()
	seg, err := p.Capture(context.Background(), p.Clock.Window(start))
	require.NoError(t, err)
	require.Equal(t, 100*time.Millisecond, seg.Duration)
	require.Equal(t, 16, seg.BitDepth)
	require.FileExists(t, seg.Path)
}

func TestCaptureEndsCycleAfterConsecutiveReadErrors(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	stream.failures = 1000
	p := newTestProducer(t, fakeBackend{open: func() (io.ReadCloser, error) { return stream, nil }})
	p.MaxReadErrors = 3

	_, err := p.Capture(context.Background(), p.Clock.Window(time.Now()))
	require.ErrorIs(t, err, ErrDeviceUnavailable)

	stream.mu.Lock()
	defer stream.mu.Unlock()
	require.Equal(t, 997, stream.failures)
}
