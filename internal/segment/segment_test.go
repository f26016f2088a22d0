package segment

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSessionIDSanitizesGroupAndHost(t *testing.T) {
	t.Parallel()

	got := SessionID("group/1", "lab.local", time.Unix(1700000000, 0))
	require.Equal(t, "group-1-lab-local-1700000000", got)
}

func TestSanitizeKeepsAllowedCharacters(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Group_0-a", Sanitize("Group_0-a"))
	require.Equal(t, "a-b-c-d", Sanitize("a b:céd"))
}

func TestNamerIsStrictlyIncreasing(t *testing.T) {
	t.Parallel()

	namer := NewNamer("wav")
	at := time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)

	first := namer.Next(at)
	second := namer.Next(at)
	third := namer.Next(at.Add(-time.Hour))
	fourth := namer.Next(at.Add(time.Second))

	require.Equal(t, "segment-20261018-093000.000000.wav", first)
	require.Less(t, first, second)
	require.Less(t, second, third)
	require.Less(t, third, fourth)

	t1, err := ParseTime(first)
	require.NoError(t, err)
	t2, err := ParseTime(second)
	require.NoError(t, err)
	require.True(t, t2.After(t1))
	require.True(t, t1.Equal(at))
}

func TestParseTimeRejectsForeignNames(t *testing.T) {
	t.Parallel()

	_, err := ParseTime("output.wav")
	require.Error(t, err)
}

func TestAdvanceFollowsLifecycle(t *testing.T) {
	t.Parallel()

	seg := &Segment{Name: "s1"}
	require.NoError(t, seg.Advance(StateCaptured))
	require.NoError(t, seg.Advance(StateFiltered))
	require.NoError(t, seg.Advance(StateEncoded))
	require.Error(t, seg.Advance(StateFiltered))

	seg.Fail(StageShip)
	require.Equal(t, StateFailed, seg.State)
	require.Equal(t, StageShip, seg.FailedAt)
	require.Error(t, seg.Advance(StateRetained))
}

func TestStageErrorUnwraps(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	err := &StageError{Stage: StageEncode, Segment: "s1.wav", Err: cause}
	require.ErrorIs(t, err, cause)
	require.Equal(t, "encode s1.wav: boom", err.Error())

	var stageErr *StageError
	require.True(t, errors.As(error(err), &stageErr))
	require.Equal(t, StageEncode, stageErr.Stage)
}
