package journal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fmueller/ambirec/internal/segment"
	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/require"
)

func sampleEntry() Entry {
	return Entry{
		Segment:   "segment-20240301-100000.000000.wav",
		State:     segment.StateRetained,
		Encoding:  segment.EncodingEncoded,
		Duration:  5 * time.Minute,
		Retained:  []string{"/archive/segment-20240301-100000.000000.flac"},
		ObjectKey: "recordings/obj-1",
		SessionID: "group_0-lab-1709287200",
		JobID:     "job-42",
		Elapsed:   1500 * time.Millisecond,
		Recorded:  time.Date(2024, 3, 1, 10, 0, 5, 0, time.UTC),
	}
}

func TestRedisRecordWritesHashAndTTL(t *testing.T) {
	t.Parallel()

	db, mock := redismock.NewClientMock()
	j := NewRedisWithClient(db, "", 0)

	key := "ambirec:segment:segment-20240301-100000.000000.wav"
	mock.ExpectHSet(key,
		"state", "retained",
		"failed_at", "",
		"encoding", "encoded",
		"duration_ms", "300000",
		"retained", "/archive/segment-20240301-100000.000000.flac",
		"object_key", "recordings/obj-1",
		"session_id", "group_0-lab-1709287200",
		"job_id", "job-42",
		"error", "",
		"elapsed_ms", "1500",
		"recorded_at", "2024-03-01T10:00:05Z",
	).SetVal(10)
	mock.ExpectExpire(key, DefaultTTL).SetVal(true)

	require.NoError(t, j.Record(context.Background(), sampleEntry()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisRecordJoinsRetainedPaths(t *testing.T) {
	t.Parallel()

	db, mock := redismock.NewClientMock()
	j := NewRedisWithClient(db, "test:", time.Hour)

	entry := Entry{
		Segment:  "s.wav",
		State:    segment.StateFailed,
		FailedAt: segment.StageShip,
		Encoding: segment.EncodingFiltered,
		Retained: []string{"/a/s.wav", "/a/s_1.wav"},
		Error:    "ticket down",
		Recorded: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}

	mock.ExpectHSet("test:s.wav",
		"state", "failed",
		"failed_at", "ship",
		"encoding", "filtered",
		"duration_ms", "0",
		"retained", "/a/s.wav,/a/s_1.wav",
		"object_key", "",
		"session_id", "",
		"job_id", "",
		"error", "ticket down",
		"elapsed_ms", "0",
		"recorded_at", "2024-03-01T00:00:00Z",
	).SetVal(10)
	mock.ExpectExpire("test:s.wav", time.Hour).SetVal(true)

	require.NoError(t, j.Record(context.Background(), entry))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisRecordPropagatesErrors(t *testing.T) {
	t.Parallel()

	db, mock := redismock.NewClientMock()
	j := NewRedisWithClient(db, "", 0)

	entry := sampleEntry()
	mock.ExpectHSet(j.Key(entry.Segment), entry.fields()...).SetErr(errors.New("connection refused"))

	err := j.Record(context.Background(), entry)
	require.ErrorContains(t, err, "HSET")
	require.ErrorContains(t, err, "connection refused")
}

func TestRedisPing(t *testing.T) {
	t.Parallel()

	db, mock := redismock.NewClientMock()
	mock.ExpectPing().SetErr(errors.New("dial tcp: refused"))

	err := NewRedisWithClient(db, "", 0).Ping(context.Background())
	require.ErrorContains(t, err, "redis ping")
}

func TestNopJournal(t *testing.T) {
	t.Parallel()

	var j Journal = Nop{}
	require.NoError(t, j.Record(context.Background(), sampleEntry()))
	require.NoError(t, j.Close())
}
