package encode

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fmueller/ambirec/internal/tools"
	"go.uber.org/zap"
)

const (
	ContentTypeFLAC = "audio/flac"
	ContentTypeWAV  = "audio/wav"

	EnvFFmpegPath = "AMBIREC_FFMPEG_PATH"
	EnvFLACPath   = "AMBIREC_FLAC_PATH"

	DefaultLevel = 8
)

// Encoder compresses a WAV file losslessly into outPath.
type Encoder interface {
	Name() string
	Extension() string
	ContentType() string
	Encode(ctx context.Context, inPath, outPath string) error
}

// Noop leaves audio as uncompressed WAV.
type Noop struct{}

func (Noop) Name() string        { return "none" }
func (Noop) Extension() string   { return ".wav" }
func (Noop) ContentType() string { return ContentTypeWAV }

func (Noop) Encode(_ context.Context, inPath, outPath string) error {
	if inPath == outPath {
		return nil
	}
	if err := tools.CopyFile(inPath, outPath); err != nil {
		return fmt.Errorf("copy wav: %w", err)
	}
	return nil
}

type FFmpeg struct {
	Tool  *tools.Tool
	Level int
}

func (e *FFmpeg) Name() string        { return "ffmpeg" }
func (e *FFmpeg) Extension() string   { return ".flac" }
func (e *FFmpeg) ContentType() string { return ContentTypeFLAC }

func (e *FFmpeg) Encode(ctx context.Context, inPath, outPath string) error {
	args := []string{
		"-nostdin", "-hide_banner", "-loglevel", "error", "-y",
		"-i", inPath,
		"-c:a", "flac", "-compression_level", strconv.Itoa(e.Level),
		outPath,
	}
	return verifyOutput(e.Tool.Run(ctx, args...), outPath)
}

type FLAC struct {
	Tool  *tools.Tool
	Level int
}

func (e *FLAC) Name() string        { return "flac" }
func (e *FLAC) Extension() string   { return ".flac" }
func (e *FLAC) ContentType() string { return ContentTypeFLAC }

func (e *FLAC) Encode(ctx context.Context, inPath, outPath string) error {
	args := []string{"-" + strconv.Itoa(e.Level), "-f", "-s", "-o", outPath, inPath}
	return verifyOutput(e.Tool.Run(ctx, args...), outPath)
}

// verifyOutput rejects a run that exited cleanly but left no usable file.
func verifyOutput(runErr error, outPath string) error {
	if runErr != nil {
		_ = os.Remove(outPath)
		return runErr
	}
	info, err := os.Stat(outPath)
	if err != nil {
		return fmt.Errorf("encoder output missing: %w", err)
	}
	if info.Size() == 0 {
		_ = os.Remove(outPath)
		return fmt.Errorf("encoder output %s is empty", outPath)
	}
	return nil
}

func clampLevel(level int) int {
	switch {
	case level < 0:
		return DefaultLevel
	case level > 12:
		return 12
	default:
		return level
	}
}

// Select resolves an encoder by name. "auto" tries ffmpeg then flac and
// falls back to Noop when neither is installed.
func Select(name string, level int, timeout time.Duration, logger *zap.Logger) (Encoder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	level = clampLevel(level)

	build := func(binary string) (Encoder, error) {
		envVar := EnvFFmpegPath
		if binary == "flac" {
			envVar = EnvFLACPath
		}
		tool, err := tools.Lookup(binary, envVar, logger)
		if err != nil {
			return nil, err
		}
		tool.Timeout = timeout
		if binary == "flac" {
			// the flac CLI only knows levels 0 to 8
			return &FLAC{Tool: tool, Level: min(level, 8)}, nil
		}
		return &FFmpeg{Tool: tool, Level: level}, nil
	}

	switch strings.ToLower(strings.TrimSpace(name)) {
	case "none", "wav", "off":
		return Noop{}, nil
	case "", "auto":
		for _, binary := range []string{"ffmpeg", "flac"} {
			if enc, err := build(binary); err == nil {
				return enc, nil
			}
		}
		logger.Info("no FLAC encoder available; segments will be shipped as WAV")
		return Noop{}, nil
	case "ffmpeg", "flac":
		return build(strings.ToLower(strings.TrimSpace(name)))
	default:
		return nil, fmt.Errorf("unknown encoder %q", name)
	}
}
