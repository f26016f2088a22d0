package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fmueller/ambirec/internal/audio"
	"github.com/fmueller/ambirec/internal/segment"
	"go.uber.org/zap"
)

const (
	defaultFrameSize     = 1024
	defaultMaxReadErrors = 50
	// stopGrace lets a device that delivers slightly slower than its nominal
	// rate finish the window's frame budget.
	stopGrace = 2 * time.Second
)

// Queue receives the names of finished segments.
type Queue interface {
	Push(name string) error
}

// Producer owns the audio input device and emits one segment file per
// clock cycle.
type Producer struct {
	Backend   Backend
	Device    DeviceConfig
	Clock     Clock
	SpoolDir  string
	FrameSize int
	Namer     *segment.Namer
	Logger    *zap.Logger

	// MaxReadErrors ends a cycle early after this many consecutive failed
	// reads.
	MaxReadErrors int
}

// Run captures segments until ctx is cancelled. It returns nil on
// cancellation and ErrDeviceUnavailable when the device cannot be opened or
// delivers nothing.
func (p *Producer) Run(ctx context.Context, queue Queue) error {
	if p.Namer == nil {
		p.Namer = segment.NewNamer(".wav")
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		window := p.Clock.Window(p.Clock.now())
		seg, err := p.Capture(ctx, window)
		switch {
		case errors.Is(err, ErrDeviceUnavailable):
			p.log().Error("audio device failed; stopping capture", zap.Error(err))
			return err
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil
		case err != nil:
			p.log().Error("capture cycle failed", zap.Time("window_start", window.Start), zap.Error(err))
		default:
			if pushErr := queue.Push(seg.Name); pushErr != nil {
				p.log().Error("failed to enqueue segment; raw capture left in spool", zap.String("segment", seg.Name), zap.String("path", seg.Path), zap.Error(pushErr))
			}
		}

		if err := p.Clock.WaitUntil(ctx, window.Next); err != nil {
			return nil
		}
	}
}

// Capture records one window into a new segment file in the spool
// directory. A segment cut short by cancellation is still returned when it
// holds audio.
func (p *Producer) Capture(ctx context.Context, window Window) (segment.Segment, error) {
	if p.Namer == nil {
		p.Namer = segment.NewNamer(".wav")
	}

	format := audio.Format{
		SampleRate:    defaultSampleRate(p.Device.SampleRate),
		Channels:      defaultChannels(p.Device.Channels),
		BitsPerSample: BitDepth,
	}

	name := p.Namer.Next(window.Start)
	if err := os.MkdirAll(p.SpoolDir, 0o755); err != nil {
		return segment.Segment{}, fmt.Errorf("create spool directory %s: %w", p.SpoolDir, err)
	}
	finalPath := filepath.Join(p.SpoolDir, name)
	partPath := finalPath + ".part"

	p.log().Info("cycle started", zap.String("segment", name), zap.String("backend", p.Backend.Name()), zap.Duration("duration", window.Duration()))

	device := p.Device
	device.Logger = p.log()
	stream, err := p.Backend.Open(ctx, device)
	if err != nil {
		if errors.Is(err, ErrDeviceUnavailable) {
			return segment.Segment{}, err
		}
		return segment.Segment{}, fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, p.Backend.Name(), err)
	}

	var closed atomic.Bool
	closeStream := func() error {
		if closed.Swap(true) {
			return nil
		}
		return stream.Close()
	}
	defer func() {
		if err := closeStream(); err != nil {
			p.log().Warn("audio input closed with error", zap.String("segment", name), zap.Error(err))
		}
	}()

	// Reads block on the device; closing the stream unblocks them when the
	// window overruns or capture is cancelled.
	stopOnCancel := context.AfterFunc(ctx, func() { _ = stream.Close() })
	defer stopOnCancel()
	overrun := time.AfterFunc(time.Until(window.Stop)+stopGrace, func() { _ = stream.Close() })
	defer overrun.Stop()

	f, err := os.Create(partPath)
	if err != nil {
		return segment.Segment{}, fmt.Errorf("create segment file: %w", err)
	}
	writer, err := audio.NewWAVWriter(f, format)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(partPath)
		return segment.Segment{}, err
	}

	budget := int64(window.Duration().Seconds() * float64(format.SampleRate))
	if budget <= 0 {
		budget = 1
	}
	dropped := p.readFrames(stream, writer, format, budget, name)
	frames := writer.Frames()

	if err := writer.Close(); err != nil {
		_ = os.Remove(partPath)
		return segment.Segment{}, err
	}

	if frames == 0 {
		_ = os.Remove(partPath)
		if ctx.Err() != nil {
			return segment.Segment{}, ctx.Err()
		}
		closeErr := closeStream()
		return segment.Segment{}, fmt.Errorf("%w: %s delivered no audio: %v", ErrDeviceUnavailable, p.Backend.Name(), closeErr)
	}

	if err := os.Rename(partPath, finalPath); err != nil {
		_ = os.Remove(partPath)
		return segment.Segment{}, fmt.Errorf("finalize segment file: %w", err)
	}

	seg := segment.Segment{
		Name:       name,
		Path:       finalPath,
		SampleRate: format.SampleRate,
		Channels:   format.Channels,
		BitDepth:   format.BitsPerSample,
		Duration:   time.Duration(frames) * time.Second / time.Duration(format.SampleRate),
		Encoding:   segment.EncodingRaw,
		State:      segment.StateCaptured,
	}

	p.log().Info("cycle finished",
		zap.String("segment", name),
		zap.Int64("frames", frames),
		zap.Int("dropped_reads", dropped),
		zap.Duration("captured", seg.Duration),
	)
	return seg, nil
}

// readFrames copies up to budget sample frames from the stream. Failed
// reads are dropped, not retried.
func (p *Producer) readFrames(stream io.Reader, writer *audio.WAVWriter, format audio.Format, budget int64, name string) int {
	frameSize := p.FrameSize
	if frameSize <= 0 {
		frameSize = defaultFrameSize
	}
	maxErrors := p.MaxReadErrors
	if maxErrors <= 0 {
		maxErrors = defaultMaxReadErrors
	}

	bytesPerFrame := format.BytesPerFrame()
	buf := make([]byte, frameSize*bytesPerFrame)
	dropped, consecutive := 0, 0

	for remaining := budget; remaining > 0; {
		want := int64(frameSize)
		if remaining < want {
			want = remaining
		}

		n, err := io.ReadFull(stream, buf[:want*int64(bytesPerFrame)])
		whole := n - n%bytesPerFrame
		if whole > 0 {
			if _, werr := writer.Write(buf[:whole]); werr != nil {
				p.log().Error("write segment data failed", zap.String("segment", name), zap.Error(werr))
				return dropped
			}
			remaining -= int64(whole / bytesPerFrame)
		}

		if err == nil {
			consecutive = 0
			continue
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, os.ErrClosed) {
			if remaining > 0 {
				p.log().Warn("audio input ended before cycle end", zap.String("segment", name), zap.Int64("missing_frames", remaining))
			}
			return dropped
		}

		dropped++
		consecutive++
		p.log().Warn("audio read failed; frame dropped", zap.String("segment", name), zap.Error(err))
		if consecutive >= maxErrors {
			p.log().Error("too many consecutive read errors; ending cycle early", zap.String("segment", name), zap.Int("errors", consecutive))
			return dropped
		}
	}

	return dropped
}

func (p *Producer) log() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}
