package denoise

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fmueller/ambirec/internal/tools"
	"github.com/stretchr/testify/require"
)

// fakeResemble copies every file of the input directory into the output
// directory with an "_enhanced" suffix and records its arguments and
// environment.
const fakeResemble = `#!/bin/sh
set -eu
printf '%s\n' "$@" > "$(dirname "$0")/args.txt"
printf '%s %s\n' "$TORCHAUDIO_USE_SOUNDFILE" "$TORCHAUDIO_BACKEND" > "$(dirname "$0")/env.txt"
mkdir -p "$2/nested"
for f in "$1"/*; do
  name=$(basename "$f" .wav)
  cp "$f" "$2/nested/${name}_enhanced.wav"
done
`

func newFakeResemble(t *testing.T, script string) (*ResembleEnhance, string) {
	t.Helper()

	binDir := t.TempDir()
	path := filepath.Join(binDir, "resemble-enhance")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))

	t.Setenv(EnvPath, path)
	d, err := NewResembleEnhance("", time.Minute, nil)
	require.NoError(t, err)
	return d, binDir
}

func TestResembleEnhanceDenoisesIntoOutDir(t *testing.T) {
	d, binDir := newFakeResemble(t, fakeResemble)

	work := t.TempDir()
	in := filepath.Join(work, "segment-20240301-100000.000000.filtered.wav")
	require.NoError(t, os.WriteFile(in, []byte("RIFF-data"), 0o644))

	out, err := d.Denoise(context.Background(), in, work)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(work, "segment-20240301-100000.000000.filtered.denoised.wav"), out)

	content, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, "RIFF-data", string(content))

	original, err := os.ReadFile(in)
	require.NoError(t, err)
	require.Equal(t, "RIFF-data", string(original))

	args, err := os.ReadFile(filepath.Join(binDir, "args.txt"))
	require.NoError(t, err)
	require.Contains(t, string(args), "--denoise_only\n--device\ncpu\n")

	env, err := os.ReadFile(filepath.Join(binDir, "env.txt"))
	require.NoError(t, err)
	require.Equal(t, "1 soundfile\n", string(env))

	scratch, err := filepath.Glob(filepath.Join(work, ".denoise-*"))
	require.NoError(t, err)
	require.Empty(t, scratch)
}

func TestResembleEnhanceWithoutOutput(t *testing.T) {
	d, _ := newFakeResemble(t, "#!/bin/sh\nexit 0\n")

	work := t.TempDir()
	in := filepath.Join(work, "a.wav")
	require.NoError(t, os.WriteFile(in, []byte("x"), 0o644))

	_, err := d.Denoise(context.Background(), in, work)
	require.ErrorIs(t, err, ErrNoOutput)
}

func TestResembleEnhanceMissingDependency(t *testing.T) {
	d, _ := newFakeResemble(t, "#!/bin/sh\necho 'resemble-enhance not found' >&2\nexit 127\n")

	work := t.TempDir()
	in := filepath.Join(work, "a.wav")
	require.NoError(t, os.WriteFile(in, []byte("x"), 0o644))

	_, err := d.Denoise(context.Background(), in, work)
	require.ErrorIs(t, err, tools.ErrToolUnavailable)
}

func TestSelectAutoFallsBackToNoop(t *testing.T) {
	t.Setenv(EnvPath, "")
	t.Setenv("PATH", t.TempDir())

	d, err := Select("auto", "cpu", time.Minute, nil)
	require.NoError(t, err)
	require.Equal(t, "none", d.Name())

	_, err = Select(ResembleEnhanceName, "cpu", time.Minute, nil)
	require.ErrorIs(t, err, tools.ErrToolUnavailable)
}

func TestSelectNoneAndUnknown(t *testing.T) {
	t.Parallel()

	d, err := Select("none", "", 0, nil)
	require.NoError(t, err)
	out, err := d.Denoise(context.Background(), "/tmp/in.wav", "/tmp")
	require.NoError(t, err)
	require.Equal(t, "/tmp/in.wav", out)

	_, err = Select("rnnoise", "", 0, nil)
	require.Error(t, err)
}
