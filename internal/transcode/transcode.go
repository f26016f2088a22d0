package transcode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fmueller/ambirec/internal/audio"
	"github.com/fmueller/ambirec/internal/denoise"
	"github.com/fmueller/ambirec/internal/encode"
	"github.com/fmueller/ambirec/internal/segment"
	"go.uber.org/zap"
)

var ErrNoPlayableArtifact = errors.New("no playable artifact")

// Artifact is the processed form of a segment, ready to ship.
type Artifact struct {
	Path        string
	ContentType string
	Encoding    segment.Encoding

	// Completed lists the lifecycle states reached, in order.
	Completed []segment.State
	// Fallbacks holds the stage errors that were recovered from.
	Fallbacks []error

	Silent  bool
	Metrics audio.SilenceMetrics
}

// Stage turns a raw capture into a shippable artifact inside WorkDir. The
// raw file is only ever read.
type Stage struct {
	WorkDir string
	// Band is nil when band-pass filtering is disabled.
	Band     *audio.Passband
	Denoiser denoise.Denoiser
	Encoder  encode.Encoder

	SilenceGate          bool
	SilenceThresholdDBFS float64

	Logger *zap.Logger
}

func (s *Stage) Process(ctx context.Context, rawPath string) (Artifact, error) {
	name := filepath.Base(rawPath)
	stem := strings.TrimSuffix(name, filepath.Ext(name))

	if err := os.MkdirAll(s.WorkDir, 0o755); err != nil {
		return Artifact{}, &segment.StageError{Stage: segment.StageTranscode, Segment: name, Err: fmt.Errorf("create work directory: %w", err)}
	}

	var intermediates []string
	defer func() {
		for _, path := range intermediates {
			_ = os.Remove(path)
		}
	}()

	art := Artifact{Encoding: segment.EncodingRaw}
	working := rawPath
	fallback := func(stage segment.Stage, err error) {
		art.Fallbacks = append(art.Fallbacks, &segment.StageError{Stage: stage, Segment: name, Err: err})
		s.log().Debug("stage fell back", zap.String("segment", name), zap.String("stage", string(stage)), zap.Error(err))
	}

	if s.Band != nil {
		out := filepath.Join(s.WorkDir, stem+".filtered.wav")
		if err := filterFile(rawPath, out, *s.Band); err != nil {
			_ = os.Remove(out)
			fallback(segment.StageFilter, err)
		} else {
			intermediates = append(intermediates, out)
			working = out
			art.Encoding = segment.EncodingFiltered
		}
	}
	art.Completed = append(art.Completed, segment.StateFiltered)

	if d := s.Denoiser; d != nil && d.Name() != (denoise.Noop{}).Name() {
		s.log().Debug("denoising", zap.String("segment", name), zap.String("denoiser", d.Name()))
		out, err := d.Denoise(ctx, working, s.WorkDir)
		switch {
		case err != nil:
			fallback(segment.StageDenoise, err)
		case out != working:
			intermediates = append(intermediates, out)
			working = out
			art.Encoding = segment.EncodingDenoised
			art.Completed = append(art.Completed, segment.StateDenoised)
		}
	}

	if s.SilenceGate {
		silent, metrics, err := audio.IsSilentWAV(working, s.SilenceThresholdDBFS)
		if err != nil {
			fallback(segment.StageTranscode, fmt.Errorf("measure level: %w", err))
		} else {
			art.Silent = silent
			art.Metrics = metrics
		}
	}

	enc := s.Encoder
	if enc == nil {
		enc = encode.Noop{}
	}
	if enc.ContentType() == encode.ContentTypeFLAC {
		out := filepath.Join(s.WorkDir, stem+enc.Extension())
		s.log().Debug("encoding", zap.String("segment", name), zap.String("encoder", enc.Name()))
		err := enc.Encode(ctx, working, out)
		if err == nil {
			art.Path = out
			art.ContentType = encode.ContentTypeFLAC
			art.Encoding = segment.EncodingEncoded
			art.Completed = append(art.Completed, segment.StateEncoded)
			return art, nil
		}
		fallback(segment.StageEncode, err)
	}

	// Uncompressed fallback: the working WAV must still decode.
	if _, err := audio.ReadWAV(working); err != nil {
		failures := append([]error{ErrNoPlayableArtifact, err}, art.Fallbacks...)
		return art, &segment.StageError{Stage: segment.StageTranscode, Segment: name, Err: errors.Join(failures...)}
	}

	final := filepath.Join(s.WorkDir, stem+".wav")
	if sameFile(final, rawPath) && working != rawPath {
		// work directory is the spool; keep the processed audio apart
		final = filepath.Join(s.WorkDir, stem+".clean.wav")
	}
	switch {
	case sameFile(final, rawPath):
		// the unprocessed capture is the artifact
	case working == rawPath:
		if err := (encode.Noop{}).Encode(ctx, rawPath, final); err != nil {
			_ = os.Remove(final)
			return art, &segment.StageError{Stage: segment.StageTranscode, Segment: name, Err: errors.Join(ErrNoPlayableArtifact, err)}
		}
	default:
		if err := os.Rename(working, final); err != nil {
			return art, &segment.StageError{Stage: segment.StageTranscode, Segment: name, Err: errors.Join(ErrNoPlayableArtifact, err)}
		}
	}

	art.Path = final
	art.ContentType = encode.ContentTypeWAV
	art.Completed = append(art.Completed, segment.StateEncoded)
	return art, nil
}

func filterFile(in, out string, band audio.Passband) error {
	clip, err := audio.ReadWAV(in)
	if err != nil {
		return err
	}
	filtered, err := audio.BandPass(clip, band)
	if err != nil {
		return err
	}
	return audio.WriteWAV(out, filtered)
}

func sameFile(a, b string) bool {
	return filepath.Clean(a) == filepath.Clean(b)
}

func (s *Stage) log() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}
