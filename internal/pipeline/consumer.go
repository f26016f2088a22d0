package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fmueller/ambirec/internal/audio"
	"github.com/fmueller/ambirec/internal/journal"
	"github.com/fmueller/ambirec/internal/segment"
	"github.com/fmueller/ambirec/internal/ship"
	"github.com/fmueller/ambirec/internal/transcode"
	"go.uber.org/zap"
)

type Processor interface {
	Process(ctx context.Context, rawPath string) (transcode.Artifact, error)
}

type Shipper interface {
	Ship(ctx context.Context, art ship.Artifact, sessionID string) (ship.JobRef, error)
}

type Retainer interface {
	Retain(path string) (string, error)
}

// Consumer runs queued segments through processing, shipping and retention,
// one at a time and in queue order.
type Consumer struct {
	SpoolDir  string
	Processor Processor
	// Shipper is nil when shipping is disabled.
	Shipper  Shipper
	Retainer Retainer
	Journal  journal.Journal

	GroupID  string
	Hostname string
	KeepRaw  bool

	Now    func() time.Time
	Logger *zap.Logger
}

// Outcome is what happened to one segment.
type Outcome struct {
	Segment  segment.Segment
	Retained []string
	Job      ship.JobRef
	Err      error
}

// Run handles segments until the queue's sentinel is reached. Per-segment
// failures are logged and never end the loop.
func (c *Consumer) Run(ctx context.Context, q *Queue) error {
	for {
		name, err := q.Pop(ctx)
		if errors.Is(err, ErrClosed) {
			c.log().Info("work queue drained; processing stopped")
			return nil
		}
		if err != nil {
			return err
		}

		c.Handle(ctx, name)
	}
}

// Handle processes a segment from the spool directory.
func (c *Consumer) Handle(ctx context.Context, name string) Outcome {
	return c.HandleFile(ctx, filepath.Join(c.SpoolDir, name))
}

// HandleFile processes the raw capture at rawPath.
func (c *Consumer) HandleFile(ctx context.Context, rawPath string) Outcome {
	started := c.now()
	seg := segment.Segment{
		Name:     filepath.Base(rawPath),
		Path:     rawPath,
		BitDepth: 16,
		Encoding: segment.EncodingRaw,
		State:    segment.StateCaptured,
	}
	log := c.log().With(zap.String("segment", seg.Name))
	if format, duration, err := audio.ProbeWAV(rawPath); err == nil {
		seg.SampleRate = format.SampleRate
		seg.Channels = format.Channels
		seg.BitDepth = format.BitsPerSample
		seg.Duration = duration
	} else {
		log.Debug("capture header unreadable", zap.Error(err))
	}
	log.Info("segment processing started", zap.String("path", rawPath), zap.Duration("duration", seg.Duration))

	out := Outcome{}
	var errs []error
	fail := func(stage segment.Stage, err error) {
		if seg.State != segment.StateFailed {
			seg.Fail(stage)
		}
		errs = append(errs, err)
		log.Error("stage failed", zap.String("stage", string(stage)), zap.Error(err))
	}

	art, processed := c.process(ctx, &seg, log, fail)

	if processed {
		c.ship(ctx, &seg, art, &out, log, fail)
	}

	c.retain(&seg, rawPath, art, processed, &out, log, fail)

	out.Segment = seg
	out.Err = errors.Join(errs...)
	elapsed := c.now().Sub(started)

	entry := journal.Entry{
		Segment:   seg.Name,
		State:     seg.State,
		FailedAt:  seg.FailedAt,
		Encoding:  seg.Encoding,
		Duration:  seg.Duration,
		Retained:  out.Retained,
		ObjectKey: out.Job.ObjectKey,
		SessionID: out.Job.SessionID,
		JobID:     out.Job.JobID,
		Elapsed:   elapsed,
		Recorded:  c.now(),
	}
	if out.Err != nil {
		entry.Error = out.Err.Error()
	}
	if c.Journal != nil {
		if err := c.Journal.Record(ctx, entry); err != nil {
			log.Warn("failed to record segment outcome", zap.Error(err))
		}
	}

	fields := []zap.Field{
		zap.String("state", string(seg.State)),
		zap.String("encoding", string(seg.Encoding)),
		zap.Duration("elapsed", elapsed),
		zap.Strings("retained", out.Retained),
	}
	if seg.State == segment.StateFailed {
		log.Warn("segment processing finished with failure", append(fields, zap.String("failed_at", string(seg.FailedAt)))...)
	} else {
		log.Info("segment processing finished", fields...)
	}
	return out
}

func (c *Consumer) process(ctx context.Context, seg *segment.Segment, log *zap.Logger, fail func(segment.Stage, error)) (transcode.Artifact, bool) {
	log.Info("stage started", zap.String("stage", string(segment.StageTranscode)))
	stageStart := c.now()

	art, err := c.Processor.Process(ctx, seg.Path)
	for _, fb := range art.Fallbacks {
		log.Warn("stage fell back to less processed audio", zap.Error(fb))
	}
	if err != nil {
		fail(segment.StageTranscode, err)
		return art, false
	}

	for _, state := range art.Completed {
		if advErr := seg.Advance(state); advErr != nil {
			log.Debug("state transition skipped", zap.Error(advErr))
		}
	}
	seg.Path = art.Path
	seg.Encoding = art.Encoding

	log.Info("stage finished",
		zap.String("stage", string(segment.StageTranscode)),
		zap.String("content_type", art.ContentType),
		zap.Duration("elapsed", c.now().Sub(stageStart)),
	)
	return art, true
}

func (c *Consumer) ship(ctx context.Context, seg *segment.Segment, art transcode.Artifact, out *Outcome, log *zap.Logger, fail func(segment.Stage, error)) {
	switch {
	case c.Shipper == nil:
		log.Debug("shipping disabled")
		return
	case art.Silent:
		log.Info("segment is silent; not shipping",
			zap.Float64("rms_dbfs", art.Metrics.RMSdBFS),
			zap.Float64("peak_dbfs", art.Metrics.PeakdBFS),
		)
		return
	}

	log.Info("stage started", zap.String("stage", string(segment.StageShip)))
	stageStart := c.now()

	sessionID := segment.SessionID(c.GroupID, c.Hostname, c.now())
	ref, err := c.Shipper.Ship(ctx, ship.Artifact{Path: art.Path, ContentType: art.ContentType}, sessionID)
	out.Job = ref
	if err != nil {
		fail(segment.StageShip, err)
		return
	}
	if err := seg.Advance(segment.StateShipped); err != nil {
		log.Debug("state transition skipped", zap.Error(err))
	}

	log.Info("stage finished",
		zap.String("stage", string(segment.StageShip)),
		zap.String("session_id", ref.SessionID),
		zap.String("object_key", ref.ObjectKey),
		zap.String("job_id", ref.JobID),
		zap.Duration("elapsed", c.now().Sub(stageStart)),
	)
}

// retain preserves the processed artifact, falling back to the raw capture
// when there is none. The raw capture is deleted only once the artifact is
// safely retained and keep_raw is off.
func (c *Consumer) retain(seg *segment.Segment, rawPath string, art transcode.Artifact, processed bool, out *Outcome, log *zap.Logger, fail func(segment.Stage, error)) {
	log.Info("stage started", zap.String("stage", string(segment.StageRetain)))

	artifactRetained := false
	if processed && art.Path != "" {
		final, err := c.Retainer.Retain(art.Path)
		if err != nil {
			fail(segment.StageRetain, fmt.Errorf("retain artifact: %w", err))
		} else {
			out.Retained = append(out.Retained, final)
			seg.Path = final
			artifactRetained = true
		}
	}

	rawConsumed := artifactRetained && art.Path == rawPath
	switch {
	case rawConsumed:
		// the capture itself was the artifact
	case !artifactRetained || c.KeepRaw:
		final, err := c.Retainer.Retain(rawPath)
		if err != nil {
			fail(segment.StageRetain, fmt.Errorf("retain raw capture: %w", err))
			log.Error("raw capture left in place for manual recovery", zap.String("path", rawPath))
		} else {
			out.Retained = append(out.Retained, final)
			if !artifactRetained {
				seg.Path = final
			}
		}
	default:
		if err := os.Remove(rawPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("failed to remove raw capture", zap.String("path", rawPath), zap.Error(err))
		}
	}

	if seg.State != segment.StateFailed {
		if err := seg.Advance(segment.StateRetained); err != nil {
			log.Debug("state transition skipped", zap.Error(err))
		}
	}
	log.Info("stage finished", zap.String("stage", string(segment.StageRetain)), zap.Strings("retained", out.Retained))
}

func (c *Consumer) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

func (c *Consumer) log() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}
