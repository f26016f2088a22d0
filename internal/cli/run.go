package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/fmueller/ambirec/internal/capture"
	"github.com/fmueller/ambirec/internal/denoise"
	"github.com/fmueller/ambirec/internal/encode"
	"github.com/fmueller/ambirec/internal/journal"
	"github.com/fmueller/ambirec/internal/pipeline"
	"github.com/fmueller/ambirec/internal/retain"
	"github.com/fmueller/ambirec/internal/ship"
	"github.com/fmueller/ambirec/internal/transcode"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const journalPingTimeout = 3 * time.Second

func newRunCmd(app *appState) *cobra.Command {
	return &cobra.Command{
		Use:         "run",
		Short:       "Capture segments continuously and process them until interrupted",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationConfig: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.runPipeline(cmd.Context())
		},
	}
}

// runPipeline runs the capture producer and the processing consumer until
// SIGINT or SIGTERM, then drains the queue.
func (a *appState) runPipeline(ctx context.Context) error {
	cfg := a.cfg
	if err := a.ensureDirs(cfg.Paths.Spool, cfg.Paths.Work, cfg.Paths.Archive); err != nil {
		return err
	}

	backend, err := a.selectBackend()
	if err != nil {
		return err
	}

	consumer, closeConsumer, err := a.buildConsumer()
	if err != nil {
		return err
	}
	defer closeConsumer()

	producer := &capture.Producer{
		Backend:   backend,
		Device:    a.deviceConfig(),
		Clock:     capture.Clock{Cycle: cfg.Capture.Cycle, Pause: cfg.Capture.Pause, Align: cfg.Capture.Align},
		SpoolDir:  cfg.Paths.Spool,
		FrameSize: cfg.Capture.FrameSize,
		Logger:    a.log(),
	}

	queue := pipeline.NewQueue()
	if err := enqueueLeftovers(cfg.Paths.Spool, queue, a.log()); err != nil {
		return err
	}

	sigCtx, stopSignals := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	captureCtx, cancelCapture := context.WithCancel(sigCtx)
	defer cancelCapture()

	a.log().Info(
		"ambient capture started",
		zap.String("backend", backend.Name()),
		zap.Duration("cycle", cfg.Capture.Cycle),
		zap.String("spool", cfg.Paths.Spool),
		zap.String("archive", cfg.Paths.Archive),
		zap.Bool("ship", cfg.Ship.Enabled),
	)

	producerDone := make(chan error, 1)
	go func() { producerDone <- producer.Run(captureCtx, queue) }()

	// Queued segments are processed to the end even after an interrupt.
	consumerDone := make(chan error, 1)
	go func() { consumerDone <- consumer.Run(context.WithoutCancel(sigCtx), queue) }()

	var runErr error
	select {
	case <-sigCtx.Done():
		stopSignals()
		a.log().Info("shutdown requested; finishing in-flight segment", zap.Duration("grace", cfg.Capture.Grace))
		cancelCapture()
		select {
		case err := <-producerDone:
			runErr = err
		case <-time.After(cfg.Capture.Grace):
			a.log().Warn("capture did not stop within grace period; its segment stays in the spool", zap.String("spool", cfg.Paths.Spool))
		}
	case err := <-producerDone:
		runErr = err
		if errors.Is(err, capture.ErrDeviceUnavailable) {
			a.log().Error("capture stopped; draining queued segments", zap.Error(err))
		}
	}

	queue.Close()
	a.log().Info("waiting for queued segments", zap.Int("pending", queue.Len()))
	if err := <-consumerDone; err != nil {
		runErr = errors.Join(runErr, err)
	}

	a.log().Info("ambient capture stopped")
	return runErr
}

func (a *appState) buildConsumer() (*pipeline.Consumer, func(), error) {
	cfg := a.cfg
	logger := a.log()

	denoiser, err := denoise.Select(cfg.Denoise.Mode, cfg.Denoise.Device, cfg.ToolTimeout, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("select denoiser: %w", err)
	}
	encoder, err := encode.Select(cfg.Encode.Encoder, cfg.Encode.Level, cfg.ToolTimeout, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("select encoder: %w", err)
	}
	logger.Info("processing stages ready", zap.String("denoiser", denoiser.Name()), zap.String("encoder", encoder.Name()))

	var shipper pipeline.Shipper
	if cfg.Ship.Enabled {
		shipper = ship.New(ship.Options{
			TicketURL:  cfg.Ship.TicketURL,
			TriggerURL: cfg.Ship.TriggerURL,
			GroupID:    cfg.GroupID,
			Token:      cfg.Ship.Token,
			Timeout:    cfg.Ship.Timeout,
			Logger:     logger,
		})
	}

	var jrnl journal.Journal = journal.Nop{}
	if cfg.Journal.Enabled {
		redisJournal := journal.NewRedis(journal.RedisOptions{
			Addr:     cfg.Journal.Addr,
			Password: cfg.Journal.Password,
			DB:       cfg.Journal.DB,
			Prefix:   cfg.Journal.Prefix,
			TTL:      cfg.Journal.TTL,
		})
		pingCtx, cancel := withTimeout(context.Background(), journalPingTimeout)
		if err := redisJournal.Ping(pingCtx); err != nil {
			logger.Warn("job journal unreachable; outcomes will be logged only", zap.String("addr", cfg.Journal.Addr), zap.Error(err))
		}
		cancel()
		jrnl = redisJournal
	}

	consumer := &pipeline.Consumer{
		SpoolDir: cfg.Paths.Spool,
		Processor: &transcode.Stage{
			WorkDir:              cfg.Paths.Work,
			Band:                 cfg.Filter.Passband(),
			Denoiser:             denoiser,
			Encoder:              encoder,
			SilenceGate:          cfg.Silence.Gate,
			SilenceThresholdDBFS: cfg.Silence.ThresholdDBFS,
			Logger:               logger,
		},
		Shipper:  shipper,
		Retainer: retain.Mover{Dir: cfg.Paths.Archive},
		Journal:  jrnl,
		GroupID:  cfg.GroupID,
		Hostname: cfg.Hostname,
		KeepRaw:  cfg.KeepRaw,
		Now:      a.clock(),
		Logger:   logger,
	}

	closeFn := func() {
		if err := jrnl.Close(); err != nil {
			logger.Warn("failed to close job journal", zap.Error(err))
		}
	}
	return consumer, closeFn, nil
}

// enqueueLeftovers queues finished captures that a previous run left in the
// spool directory, oldest first.
func enqueueLeftovers(spoolDir string, queue *pipeline.Queue, logger *zap.Logger) error {
	entries, err := os.ReadDir(spoolDir)
	if err != nil {
		return fmt.Errorf("read spool directory %s: %w", spoolDir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".wav") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		if err := queue.Push(name); err != nil {
			return fmt.Errorf("enqueue leftover %s: %w", name, err)
		}
	}
	if len(names) > 0 {
		logger.Info("resuming leftover segments from spool", zap.Int("count", len(names)))
	}
	return nil
}
