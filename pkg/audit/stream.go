package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"pharmatrace/pkg/domain"
)

// RedisStreamConfig configures the committed-event stream.
type RedisStreamConfig struct {
	Addr     string
	Password string
	Stream   string
	MaxLen   int64
}

// RedisStream fans committed audit events out to a capped Redis stream so
// downstream consumers can follow the ledger without polling the database.
type RedisStream struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisStream connects to Redis at cfg.Addr.
func NewRedisStream(cfg RedisStreamConfig) (*RedisStream, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "pharmatrace:audit"
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisStream{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream: stream,
		maxLen: maxLen,
	}, nil
}

// Publish appends event to the stream. Callers publish only after the
// event's transaction committed.
func (s *RedisStream) Publish(ctx context.Context, event domain.AuditEvent) error {
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"tx_hash":      event.TxHash,
			"event_type":   string(event.EventType),
			"serial_id":    event.SerialID,
			"from_address": event.FromAddress,
			"to_address":   event.ToAddress,
			"payload":      string(event.Payload),
			"timestamp":    event.Timestamp.UTC().Format(time.RFC3339Nano),
		},
	}).Err()
}

// Close releases the Redis client.
func (s *RedisStream) Close() error {
	return s.client.Close()
}
