package usage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/calcdeck/keygate/internal/model"
)

// DefaultStream is the Redis stream usage entries are appended to.
const DefaultStream = "keygate:usage"

// RedisSink appends entries to a Redis stream so downstream consumers can
// aggregate usage without touching the key store.
type RedisSink struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

// NewRedisSink creates a sink writing to stream. When maxLen is positive the
// stream is trimmed to roughly that many entries.
func NewRedisSink(client redis.UniversalClient, stream string, maxLen int64) *RedisSink {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}
}

// Name implements Sink.
func (s *RedisSink) Name() string { return "redis" }

// Write implements Sink.
func (s *RedisSink) Write(ctx context.Context, entry *model.UsageLogEntry) error {
	keyID := ""
	if entry.APIKeyID != nil {
		keyID = *entry.APIKeyID
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"id":             entry.ID,
			"api_key_id":     keyID,
			"endpoint":       entry.Endpoint,
			"request_method": entry.Method,
			"status_code":    strconv.Itoa(entry.StatusCode),
			"ip_address":     entry.IPAddress,
			"user_agent":     entry.UserAgent,
			"created_at":     entry.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

// Ping checks the Redis connection.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
