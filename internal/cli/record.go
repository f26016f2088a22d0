package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fmueller/ambirec/internal/capture"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// interactiveLimit bounds a recording that is stopped by Ctrl-C.
const interactiveLimit = 24 * time.Hour

type recordOptions struct {
	duration  time.Duration
	output    string
	immediate bool
}

func newRecordCmd(app *appState) *cobra.Command {
	opts := &recordOptions{}

	cmd := &cobra.Command{
		Use:         "record",
		Short:       "Record a single segment into a WAV file",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationConfig: configCaptureOnly},
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := app.recordSegment(cmd.Context(), *opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}

	cmd.Flags().DurationVar(&opts.duration, "duration", 0, "Record duration, e.g. 30s; 0 records until Ctrl-C")
	cmd.Flags().StringVar(&opts.output, "output", "", "Output WAV file path")
	cmd.Flags().BoolVar(&opts.immediate, "immediate", false, "Start recording immediately without waiting for Enter")

	return cmd
}

func (a *appState) recordSegment(ctx context.Context, opts recordOptions) (string, error) {
	backend, err := a.selectBackend()
	if err != nil {
		return "", err
	}

	outPath, err := a.recordingOutputPath(opts.output)
	if err != nil {
		return "", err
	}

	interactive := opts.duration <= 0
	if interactive && !opts.immediate {
		if err := capture.WaitForEnter(os.Stdin, os.Stderr, "Press Enter to start recording, Ctrl-C to stop."); err != nil {
			return "", err
		}
	}

	sigCtx, stopSignals := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	producer := &capture.Producer{
		Backend:   backend,
		Device:    a.deviceConfig(),
		SpoolDir:  filepath.Dir(outPath),
		FrameSize: a.cfg.Capture.FrameSize,
		Logger:    a.log(),
	}

	length := opts.duration
	if interactive {
		length = interactiveLimit
	}
	start := a.clock()()
	window := capture.Window{Start: start, Stop: start.Add(length), Next: start.Add(length)}

	a.log().Info("recording started", zap.String("backend", backend.Name()), zap.String("output", outPath))
	stopProgress := startProgress(a.progressEnabled(), "Recording", opts.duration)
	seg, err := producer.Capture(sigCtx, window)
	stopProgress()
	if err != nil {
		return "", fmt.Errorf("record audio with backend %s: %w", backend.Name(), err)
	}

	if seg.Path != outPath {
		if err := os.Rename(seg.Path, outPath); err != nil {
			return "", fmt.Errorf("move recording to %s: %w", outPath, err)
		}
	}

	a.log().Info("recording finished", zap.String("path", outPath), zap.Duration("duration", seg.Duration))
	return outPath, nil
}
