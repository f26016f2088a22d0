package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fmueller/ambirec/internal/capture"
	"github.com/fmueller/ambirec/internal/config"
	"github.com/fmueller/ambirec/internal/logging"
	"github.com/fmueller/ambirec/internal/version"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/spf13/cobra"
)

// annotationConfig marks commands that need the resolved configuration.
// configCaptureOnly loads it with shipping turned off.
const (
	annotationConfig  = "ambirec/config"
	configCaptureOnly = "capture-only"
)

type appState struct {
	configFile string
	envFile    string
	verbose    bool
	jsonLogs   bool
	noProgress bool

	cfg    *config.Config
	logger *zap.Logger
	now    func() time.Time

	backendFn func(name string) (capture.Backend, error)
}

// flagKeys maps config keys to the persistent flags that override them.
var flagKeys = map[string]string{
	"group_id":               "group",
	"keep_raw":               "keep-raw",
	"capture.backend":        "backend",
	"capture.input":          "input",
	"capture.format":         "input-format",
	"capture.sample_rate":    "sample-rate",
	"capture.channels":       "channels",
	"capture.cycle":          "cycle",
	"capture.pause":          "pause",
	"capture.align":          "align",
	"filter.enabled":         "bandpass",
	"denoise.mode":           "denoise",
	"encode.encoder":         "encoder",
	"silence.gate":           "silence-gate",
	"silence.threshold_dbfs": "silence-threshold-dbfs",
	"ship.enabled":           "ship",
	"paths.spool":            "spool-dir",
	"paths.archive":          "archive-dir",
	"log.file":               "log-file",
}

func NewRootCmd() *cobra.Command {
	app := &appState{
		envFile:   ".env",
		now:       time.Now,
		backendFn: capture.NewBackend,
	}

	cmd := &cobra.Command{
		Use:           "ambirec",
		Short:         "Record ambient audio in segments, clean it up and ship it for transcription",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Resolve(),
		Annotations:   map[string]string{annotationConfig: "true"},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.setup(cmd)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.runPipeline(cmd.Context())
		},
	}

	cmd.SetVersionTemplate("{{.Name}} v{{.Version}}\n")

	bindLoggingFlags(cmd, app)
	bindConfigFlags(cmd, app)
	bindCaptureFlags(cmd)
	bindProcessingFlags(cmd)

	cmd.AddCommand(newRunCmd(app))
	cmd.AddCommand(newRecordCmd(app))
	cmd.AddCommand(newProcessCmd(app))
	cmd.AddCommand(newDevicesCmd(app))
	cmd.AddCommand(newConfigCmd(app))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func bindLoggingFlags(cmd *cobra.Command, app *appState) {
	flags := cmd.PersistentFlags()
	flags.BoolVar(&app.verbose, "verbose", app.verbose, "Enable verbose logs")
	flags.BoolVar(&app.jsonLogs, "json", app.jsonLogs, "Enable JSON logging")
	flags.BoolVar(&app.noProgress, "no-progress", app.noProgress, "Disable progress indicators")
	flags.String("log-file", "", "Also write JSON logs to this file, rotated by size")
}

func bindConfigFlags(cmd *cobra.Command, app *appState) {
	flags := cmd.PersistentFlags()
	flags.StringVar(&app.configFile, "config", app.configFile, "YAML config file (default: platform config dir)")
	flags.StringVar(&app.envFile, "env-file", app.envFile, "Optional .env file with AMBIREC_* variables")
	flags.String("group", "group_0", "Group id sent with every transcription trigger")
	flags.String("spool-dir", "", "Directory for raw captures awaiting processing")
	flags.String("archive-dir", "", "Directory where processed and failed segments are retained")
}

func bindCaptureFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("backend", "auto", "Recording backend: auto|pw-record|arecord|ffmpeg")
	flags.String("input", "", "Input device (run \"ambirec devices\" to list); e.g. node-ID (pw-record), hw:1,0 (arecord), :1 (ffmpeg)")
	flags.String("input-format", "", "Input format for ffmpeg backend (pulse|alsa)")
	flags.Int("sample-rate", 44100, "Capture sample rate in Hz")
	flags.Int("channels", 1, "Capture channel count")
	flags.Duration("cycle", 5*time.Minute, "Length of one recording cycle")
	flags.Duration("pause", 2*time.Second, "Gap at the end of each cycle before the next one starts")
	flags.Bool("align", true, "Align cycle boundaries to the wall clock")
}

func bindProcessingFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.Bool("bandpass", true, "Apply the band-pass filter before encoding")
	flags.String("denoise", "auto", "Deep denoiser: auto|none|resemble-enhance")
	flags.String("encoder", "auto", "Encoder: auto|ffmpeg|flac|none")
	flags.Bool("silence-gate", false, "Retain near-silent segments without shipping them")
	flags.Float64("silence-threshold-dbfs", -65, "Silence gate threshold in dBFS")
	flags.Bool("ship", true, "Upload processed segments and trigger transcription")
	flags.Bool("keep-raw", false, "Retain the raw capture next to the processed artifact")
}

// setup builds the logger and, for commands that need it, the
// configuration.
func (a *appState) setup(cmd *cobra.Command) error {
	opts := logging.Options{Verbose: a.verbose, JSON: a.jsonLogs}

	if mode := cmd.Annotations[annotationConfig]; mode != "" {
		var overrides map[string]any
		if mode == configCaptureOnly {
			overrides = map[string]any{"ship.enabled": false}
		}
		cfg, err := config.Load(config.LoadOptions{
			ConfigFile: a.configFile,
			EnvFile:    a.envFile,
			Flags:      cmd.Flags(),
			FlagKeys:   flagKeys,
			Overrides:  overrides,
		})
		if err != nil {
			return err
		}
		a.cfg = cfg
		opts.File = logging.FileOptions{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		}
	}

	logger, err := logging.New(opts)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	a.logger = logger
	return nil
}

func (a *appState) ensureDirs(dirs ...string) error {
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

func (a *appState) recordingOutputPath(override string) (string, error) {
	if strings.TrimSpace(override) != "" {
		if err := os.MkdirAll(filepath.Dir(override), 0o755); err != nil {
			return "", fmt.Errorf("create output directory: %w", err)
		}
		return override, nil
	}

	dir := a.cfg.Paths.Recordings
	if strings.TrimSpace(dir) == "" {
		dir = a.cfg.Paths.Archive
	}
	if err := a.ensureDirs(dir); err != nil {
		return "", err
	}

	return filepath.Join(dir, fmt.Sprintf("recording-%s.wav", a.clock()().Format("20060102-150405"))), nil
}

func (a *appState) selectBackend() (capture.Backend, error) {
	backendFn := a.backendFn
	if backendFn == nil {
		backendFn = capture.NewBackend
	}
	return backendFn(a.cfg.Capture.Backend)
}

func (a *appState) deviceConfig() capture.DeviceConfig {
	return capture.DeviceConfig{
		SampleRate: a.cfg.Capture.SampleRate,
		Channels:   a.cfg.Capture.Channels,
		Input:      a.cfg.Capture.Input,
		Format:     a.cfg.Capture.Format,
		Logger:     a.log(),
	}
}

func (a *appState) log() *zap.Logger {
	if a.logger == nil {
		return zap.NewNop()
	}
	return a.logger
}

func (a *appState) progressEnabled() bool {
	if a.noProgress {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}

func (a *appState) clock() func() time.Time {
	if a.now == nil {
		return time.Now
	}
	return a.now
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
