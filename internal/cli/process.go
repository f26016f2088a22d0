package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fmueller/ambirec/internal/pipeline"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newProcessCmd(app *appState) *cobra.Command {
	return &cobra.Command{
		Use:         "process <file>...",
		Short:       "Process, ship and retain existing WAV captures",
		Long:        "Run WAV files, such as raw captures retained after a failure, through filtering, encoding, shipping and retention.",
		Args:        cobra.MinimumNArgs(1),
		Annotations: map[string]string{annotationConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.processFiles(cmd.Context(), cmd.OutOrStdout(), args)
		},
	}
}

func (a *appState) processFiles(ctx context.Context, out io.Writer, paths []string) error {
	resolved := make([]string, 0, len(paths))
	for _, path := range paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", path, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("audio file not found: %s", path)
			}
			return fmt.Errorf("stat %s: %w", path, err)
		}
		if info.IsDir() {
			return fmt.Errorf("audio path is a directory: %s", path)
		}
		resolved = append(resolved, abs)
	}

	if err := a.ensureDirs(a.cfg.Paths.Work, a.cfg.Paths.Archive); err != nil {
		return err
	}

	consumer, closeConsumer, err := a.buildConsumer()
	if err != nil {
		return err
	}
	defer closeConsumer()

	var errs []error
	for _, path := range resolved {
		outcome := consumer.HandleFile(ctx, path)
		fmt.Fprintln(out, formatOutcome(outcome))
		if outcome.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", filepath.Base(path), outcome.Err))
		}
	}

	if len(errs) > 0 {
		a.log().Warn("some files failed", zap.Int("failed", len(errs)), zap.Int("total", len(resolved)))
		return errors.Join(errs...)
	}
	return nil
}

// formatOutcome renders one tab-separated line: segment, state, retained
// paths and job id.
func formatOutcome(o pipeline.Outcome) string {
	state := string(o.Segment.State)
	if o.Segment.FailedAt != "" {
		state += "(" + string(o.Segment.FailedAt) + ")"
	}
	job := o.Job.JobID
	if job == "" {
		job = "-"
	}
	retained := strings.Join(o.Retained, ",")
	if retained == "" {
		retained = "-"
	}
	return strings.Join([]string{o.Segment.Name, state, retained, job}, "\t")
}
