package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"pharmatrace/pkg/domain"
)

// FollowerConfig configures a consumer group reader of the audit stream.
type FollowerConfig struct {
	Addr     string
	Password string
	Stream   string
	Group    string
	Consumer string
	// StartID is where a newly created group starts reading; "$" (default)
	// means only events published from now on, "0" replays the stream.
	StartID string
	// Block is how long one read waits for new events. Negative means no wait.
	Block time.Duration
	// ClaimIdle is how long a delivered but unacknowledged event waits
	// before another consumer may claim it.
	ClaimIdle time.Duration
	// MaxAttempts bounds deliveries before an event is moved to the
	// dead-letter stream.
	MaxAttempts int
	ReadCount   int64
}

// Handler processes one committed event. Returning an error leaves the event
// pending so it is delivered again.
type Handler func(ctx context.Context, event domain.AuditEvent) error

// Follower delivers committed audit events to a handler with at-least-once
// semantics. Events stay in the stream for other groups; only this group's
// pending entries are acknowledged.
type Follower struct {
	client      *redis.Client
	stream      string
	deadLetter  string
	group       string
	consumer    string
	startID     string
	block       time.Duration
	claimIdle   time.Duration
	maxAttempts int64
	readCount   int64
}

// NewFollower connects to Redis at cfg.Addr.
func NewFollower(cfg FollowerConfig) (*Follower, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "pharmatrace:audit"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		return nil, errors.New("consumer group required")
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = uuid.NewString()
	}
	startID := strings.TrimSpace(cfg.StartID)
	if startID == "" {
		startID = "$"
	}
	block := cfg.Block
	if block == 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 30 * time.Second
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 10
	}
	return &Follower{
		client:      redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:      stream,
		deadLetter:  stream + ":dead",
		group:       group,
		consumer:    consumer,
		startID:     startID,
		block:       block,
		claimIdle:   claimIdle,
		maxAttempts: int64(maxAttempts),
		readCount:   readCount,
	}, nil
}

// Run delivers events until ctx is done. Read errors are retried after a
// short pause.
func (f *Follower) Run(ctx context.Context, handle Handler) error {
	if err := f.ensureGroup(ctx); err != nil {
		return err
	}
	for ctx.Err() == nil {
		if _, err := f.poll(ctx, handle); err != nil && ctx.Err() == nil {
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
	return nil
}

func (f *Follower) ensureGroup(ctx context.Context) error {
	err := f.client.XGroupCreateMkStream(ctx, f.stream, f.group, f.startID).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// poll handles stale pending events first, then new ones. It returns how
// many events were acknowledged.
func (f *Follower) poll(ctx context.Context, handle Handler) (int, error) {
	acked := 0
	claimed, _, err := f.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   f.stream,
		Group:    f.group,
		Consumer: f.consumer,
		MinIdle:  f.claimIdle,
		Start:    "0-0",
		Count:    f.readCount,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("claim pending: %w", err)
	}
	for _, msg := range claimed {
		if f.deliver(ctx, msg, handle) {
			acked++
		}
	}

	streams, err := f.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    f.group,
		Consumer: f.consumer,
		Streams:  []string{f.stream, ">"},
		Count:    f.readCount,
		Block:    f.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return acked, nil
	}
	if err != nil {
		return acked, fmt.Errorf("read group: %w", err)
	}
	for _, s := range streams {
		for _, msg := range s.Messages {
			if f.deliver(ctx, msg, handle) {
				acked++
			}
		}
	}
	return acked, nil
}

// deliver runs the handler and acknowledges on success. Undecodable events
// and events that exhausted their attempts go to the dead-letter stream.
func (f *Follower) deliver(ctx context.Context, msg redis.XMessage, handle Handler) bool {
	event, err := DecodeStreamValues(msg.Values)
	if err == nil {
		if err = handle(ctx, event); err == nil {
			return f.ack(ctx, msg.ID) == nil
		}
	}
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) && f.deliveries(ctx, msg.ID) < f.maxAttempts {
		return false
	}
	return f.deadLetterAndAck(ctx, msg, err) == nil
}

func (f *Follower) deliveries(ctx context.Context, id string) int64 {
	pending, err := f.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: f.stream,
		Group:  f.group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 0
	}
	return pending[0].RetryCount
}

func (f *Follower) ack(ctx context.Context, id string) error {
	return f.client.XAck(ctx, f.stream, f.group, id).Err()
}

func (f *Follower) deadLetterAndAck(ctx context.Context, msg redis.XMessage, cause error) error {
	values := make(map[string]any, len(msg.Values)+3)
	for k, v := range msg.Values {
		values[k] = v
	}
	values["source_id"] = msg.ID
	values["group"] = f.group
	values["error"] = cause.Error()

	pipe := f.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{Stream: f.deadLetter, Values: values})
	pipe.XAck(ctx, f.stream, f.group, msg.ID)
	_, err := pipe.Exec(ctx)
	return err
}

// Close releases the Redis client.
func (f *Follower) Close() error {
	return f.client.Close()
}

// DecodeError reports a stream entry that is not a well-formed audit event.
type DecodeError struct {
	Field string
}

func (e *DecodeError) Error() string {
	return "audit stream entry: bad " + e.Field
}

// DecodeStreamValues rebuilds an event from the fields written by
// RedisStream.Publish. The event ID is not part of the stream.
func DecodeStreamValues(values map[string]any) (domain.AuditEvent, error) {
	field := func(name string) string {
		v, _ := values[name].(string)
		return v
	}
	event := domain.AuditEvent{
		TxHash:      field("tx_hash"),
		EventType:   domain.EventType(field("event_type")),
		SerialID:    field("serial_id"),
		FromAddress: field("from_address"),
		ToAddress:   field("to_address"),
	}
	if event.TxHash == "" {
		return domain.AuditEvent{}, &DecodeError{Field: "tx_hash"}
	}
	if event.EventType == "" {
		return domain.AuditEvent{}, &DecodeError{Field: "event_type"}
	}
	if payload := field("payload"); payload != "" {
		if !json.Valid([]byte(payload)) {
			return domain.AuditEvent{}, &DecodeError{Field: "payload"}
		}
		event.Payload = json.RawMessage(payload)
	}
	ts, err := time.Parse(time.RFC3339Nano, field("timestamp"))
	if err != nil {
		return domain.AuditEvent{}, &DecodeError{Field: "timestamp"}
	}
	event.Timestamp = ts
	return event, nil
}
