package denoise

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fmueller/ambirec/internal/tools"
	"go.uber.org/zap"
)

const (
	ResembleEnhanceName = "resemble-enhance"
	EnvPath             = "AMBIREC_DENOISE_PATH"
)

var ErrNoOutput = errors.New("denoiser produced no output")

// Denoiser removes background noise from a WAV file. It writes its result
// into outDir and never modifies the input.
type Denoiser interface {
	Name() string
	Denoise(ctx context.Context, inPath, outDir string) (string, error)
}

// Noop hands the input back unchanged.
type Noop struct{}

func (Noop) Name() string { return "none" }

func (Noop) Denoise(_ context.Context, inPath, _ string) (string, error) {
	return inPath, nil
}

// ResembleEnhance drives the resemble-enhance command line tool, which works
// on whole directories.
type ResembleEnhance struct {
	Tool   *tools.Tool
	Device string
}

func NewResembleEnhance(device string, timeout time.Duration, logger *zap.Logger) (*ResembleEnhance, error) {
	tool, err := tools.Lookup(ResembleEnhanceName, EnvPath, logger)
	if err != nil {
		return nil, err
	}
	tool.Timeout = timeout
	// torchaudio's default backend cannot read the files resemble-enhance
	// writes on most installs.
	tool.Env = []string{"TORCHAUDIO_USE_SOUNDFILE=1", "TORCHAUDIO_BACKEND=soundfile"}

	if strings.TrimSpace(device) == "" {
		device = "cpu"
	}
	return &ResembleEnhance{Tool: tool, Device: device}, nil
}

func (r *ResembleEnhance) Name() string { return ResembleEnhanceName }

func (r *ResembleEnhance) Denoise(ctx context.Context, inPath, outDir string) (string, error) {
	scratch, err := os.MkdirTemp(outDir, ".denoise-*")
	if err != nil {
		return "", fmt.Errorf("create denoise scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	inDir := filepath.Join(scratch, "in")
	resultDir := filepath.Join(scratch, "out")
	if err := os.MkdirAll(inDir, 0o755); err != nil {
		return "", fmt.Errorf("create denoise input directory: %w", err)
	}
	if err := linkOrCopy(inPath, filepath.Join(inDir, filepath.Base(inPath))); err != nil {
		return "", fmt.Errorf("stage denoise input: %w", err)
	}

	if err := r.Tool.Run(ctx, inDir, resultDir, "--denoise_only", "--device", r.Device); err != nil {
		return "", err
	}

	stem := strings.TrimSuffix(filepath.Base(inPath), filepath.Ext(inPath))
	found, err := findOutput(resultDir, stem)
	if err != nil {
		return "", err
	}

	dest := filepath.Join(outDir, stem+".denoised.wav")
	if err := os.Rename(found, dest); err != nil {
		return "", fmt.Errorf("move denoised output: %w", err)
	}
	return dest, nil
}

// findOutput returns the first WAV under dir whose name starts with stem.
// The tool mirrors input names but may nest them or append a suffix.
func findOutput(dir, stem string) (string, error) {
	var found string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || found != "" {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, stem) && strings.EqualFold(filepath.Ext(name), ".wav") {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("scan denoise output: %w", err)
	}
	if found == "" {
		return "", fmt.Errorf("%w for %s", ErrNoOutput, stem)
	}
	return found, nil
}

func linkOrCopy(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	return tools.CopyFile(src, dst)
}

// Select resolves a denoiser by name: "none" disables denoising, "auto"
// uses resemble-enhance when installed and falls back to Noop otherwise.
func Select(name, device string, timeout time.Duration, logger *zap.Logger) (Denoiser, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none", "off":
		return Noop{}, nil
	case "auto":
		d, err := NewResembleEnhance(device, timeout, logger)
		if err != nil {
			logger.Info("deep denoise unavailable; continuing with band-pass only", zap.Error(err))
			return Noop{}, nil
		}
		return d, nil
	case ResembleEnhanceName:
		return NewResembleEnhance(device, timeout, logger)
	default:
		return nil, fmt.Errorf("unknown denoiser %q", name)
	}
}
