package journal

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fmueller/ambirec/internal/segment"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultPrefix = "ambirec:segment:"
	DefaultTTL    = 24 * time.Hour
)

// Entry is the recorded outcome of one segment.
type Entry struct {
	Segment   string
	State     segment.State
	FailedAt  segment.Stage
	Encoding  segment.Encoding
	Duration  time.Duration
	Retained  []string
	ObjectKey string
	SessionID string
	JobID     string
	Error     string
	Elapsed   time.Duration
	Recorded  time.Time
}

// fields flattens the entry into ordered hash field/value pairs.
func (e Entry) fields() []any {
	return []any{
		"state", string(e.State),
		"failed_at", string(e.FailedAt),
		"encoding", string(e.Encoding),
		"duration_ms", strconv.FormatInt(e.Duration.Milliseconds(), 10),
		"retained", strings.Join(e.Retained, ","),
		"object_key", e.ObjectKey,
		"session_id", e.SessionID,
		"job_id", e.JobID,
		"error", e.Error,
		"elapsed_ms", strconv.FormatInt(e.Elapsed.Milliseconds(), 10),
		"recorded_at", e.Recorded.UTC().Format(time.RFC3339),
	}
}

type Journal interface {
	Record(ctx context.Context, entry Entry) error
	Close() error
}

// Nop discards entries.
type Nop struct{}

func (Nop) Record(context.Context, Entry) error { return nil }
func (Nop) Close() error                        { return nil }

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// Redis stores each entry as a hash under Prefix+segment name that expires
// after TTL.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedis(opts RedisOptions) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisWithClient(client, opts.Prefix, opts.TTL)
}

func NewRedisWithClient(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) Key(name string) string {
	return r.prefix + name
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (r *Redis) Record(ctx context.Context, entry Entry) error {
	key := r.Key(entry.Segment)
	if err := r.client.HSet(ctx, key, entry.fields()...).Err(); err != nil {
		return fmt.Errorf("redis HSET %s: %w", key, err)
	}
	if err := r.client.Expire(ctx, key, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis EXPIRE %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
