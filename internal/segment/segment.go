package segment

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

type State string

const (
	StateCaptured State = "captured"
	StateFiltered State = "filtered"
	StateDenoised State = "denoised"
	StateEncoded  State = "encoded"
	StateShipped  State = "shipped"
	StateRetained State = "retained"
	StateFailed   State = "failed"
)

type Encoding string

const (
	EncodingRaw      Encoding = "raw"
	EncodingFiltered Encoding = "filtered"
	EncodingDenoised Encoding = "denoised"
	EncodingEncoded  Encoding = "encoded"
)

type Stage string

const (
	StageCapture   Stage = "capture"
	StageFilter    Stage = "filter"
	StageDenoise   Stage = "denoise"
	StageEncode    Stage = "encode"
	StageShip      Stage = "ship"
	StageRetain    Stage = "retain"
	StageTranscode Stage = "transcode"
)

// Segment is one fixed-duration unit of captured audio and the artifact
// currently standing in for it.
type Segment struct {
	Name       string
	Path       string
	SampleRate int
	Channels   int
	BitDepth   int
	Duration   time.Duration
	Encoding   Encoding
	State      State
	FailedAt   Stage
}

// Fail moves the segment into the absorbing failed state.
func (s *Segment) Fail(stage Stage) {
	s.State = StateFailed
	s.FailedAt = stage
}

// Advance applies a forward transition. Transitions out of the failed
// state and backwards transitions are rejected.
func (s *Segment) Advance(next State) error {
	if s.State == StateFailed {
		return fmt.Errorf("segment %s already failed at %s", s.Name, s.FailedAt)
	}
	if next == StateFailed {
		return fmt.Errorf("use Fail to mark segment %s as failed", s.Name)
	}
	if rank(next) <= rank(s.State) {
		return fmt.Errorf("invalid transition for %s: %s -> %s", s.Name, s.State, next)
	}
	s.State = next
	return nil
}

func rank(state State) int {
	switch state {
	case StateCaptured:
		return 1
	case StateFiltered:
		return 2
	case StateDenoised:
		return 3
	case StateEncoded:
		return 4
	case StateShipped:
		return 5
	case StateRetained:
		return 6
	default:
		return 0
	}
}

// StageError ties a failure to the segment and pipeline stage it came from.
type StageError struct {
	Stage   Stage
	Segment string
	Err     error
}

func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	if e.Segment == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Segment, e.Err)
}

func (e *StageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

const (
	namePrefix = "segment-"
	nameLayout = "20060102-150405.000000"
)

// Namer hands out segment filenames whose embedded UTC timestamps are
// strictly increasing, even when two cycles start within the same
// microsecond.
type Namer struct {
	mu   sync.Mutex
	last time.Time
	ext  string
}

func NewNamer(ext string) *Namer {
	if ext == "" {
		ext = ".wav"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return &Namer{ext: ext}
}

func (n *Namer) Next(at time.Time) string {
	n.mu.Lock()
	defer n.mu.Unlock()

	ts := at.UTC().Truncate(time.Microsecond)
	if !n.last.IsZero() && !ts.After(n.last) {
		ts = n.last.Add(time.Microsecond)
	}
	n.last = ts

	return namePrefix + ts.Format(nameLayout) + n.ext
}

// ParseTime recovers the timestamp embedded in a segment filename.
func ParseTime(name string) (time.Time, error) {
	base := filepath.Base(name)
	if !strings.HasPrefix(base, namePrefix) {
		return time.Time{}, fmt.Errorf("segment name %q has no %q prefix", base, namePrefix)
	}
	stamp := strings.TrimPrefix(base, namePrefix)
	if len(stamp) < len(nameLayout) {
		return time.Time{}, fmt.Errorf("segment name %q has no timestamp", base)
	}
	return time.ParseInLocation(nameLayout, stamp[:len(nameLayout)], time.UTC)
}

var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

func Sanitize(value string) string {
	return unsafeIDChars.ReplaceAllString(value, "-")
}

// SessionID correlates a transcription request with its upload.
func SessionID(groupID, hostname string, issuedAt time.Time) string {
	return Sanitize(groupID) + "-" + Sanitize(hostname) + "-" + strconv.FormatInt(issuedAt.Unix(), 10)
}
