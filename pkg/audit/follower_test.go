package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"pharmatrace/pkg/domain"
)

func newFollowerFixture(t *testing.T, maxAttempts int) (*RedisStream, *Follower, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	stream, err := NewRedisStream(RedisStreamConfig{Addr: mr.Addr(), Stream: "test:audit"})
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	follower, err := NewFollower(FollowerConfig{
		Addr:        mr.Addr(),
		Stream:      "test:audit",
		Group:       "recall-desk",
		Consumer:    "worker-1",
		StartID:     "0",
		Block:       -1,
		ClaimIdle:   time.Millisecond,
		MaxAttempts: maxAttempts,
	})
	if err != nil {
		t.Fatalf("new follower: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = stream.Close()
		_ = follower.Close()
		_ = client.Close()
	})
	if err := follower.ensureGroup(context.Background()); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	return stream, follower, client
}

func sealedEvent(t *testing.T, serialID string, eventType domain.EventType) domain.AuditEvent {
	t.Helper()
	event, err := NewLog(fixedClock).Seal(Record{
		EventType:   eventType,
		SerialID:    serialID,
		FromAddress: "0xmanufacturer",
		ToAddress:   "0xdistributor",
		Payload:     map[string]string{"action": "proposed"},
	})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	return event
}

func pendingCount(t *testing.T, client *redis.Client) int64 {
	t.Helper()
	pending, err := client.XPending(context.Background(), "test:audit", "recall-desk").Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	return pending.Count
}

func TestFollowerDeliversCommittedEvents(t *testing.T) {
	stream, follower, client := newFollowerFixture(t, 3)
	ctx := context.Background()
	published := []domain.AuditEvent{
		sealedEvent(t, "DRUG-2024-ABCD1234", domain.EventBatchRegistration),
		sealedEvent(t, "DRUG-2024-ABCD1234", domain.EventTransfer),
	}
	for _, e := range published {
		if err := stream.Publish(ctx, e); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	var got []domain.AuditEvent
	acked, err := follower.poll(ctx, func(_ context.Context, e domain.AuditEvent) error {
		got = append(got, e)
		return nil
	})
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if acked != 2 || len(got) != 2 {
		t.Fatalf("expected two delivered events, acked=%d got=%d", acked, len(got))
	}
	for i, e := range got {
		want := published[i]
		if e.TxHash != want.TxHash || e.EventType != want.EventType || e.ToAddress != want.ToAddress {
			t.Fatalf("event %d mismatch: %+v vs %+v", i, e, want)
		}
		if !e.Timestamp.Equal(want.Timestamp) || string(e.Payload) != string(want.Payload) {
			t.Fatalf("event %d lost timestamp or payload", i)
		}
	}
	if n := pendingCount(t, client); n != 0 {
		t.Fatalf("expected nothing pending, got %d", n)
	}
	if n, _ := client.XLen(ctx, "test:audit").Result(); n != 2 {
		t.Fatalf("acknowledged events must stay in the stream, len=%d", n)
	}
}

func TestFollowerRetriesThenDeadLetters(t *testing.T) {
	stream, follower, client := newFollowerFixture(t, 2)
	ctx := context.Background()
	if err := stream.Publish(ctx, sealedEvent(t, "DRUG-2024-ABCD1234", domain.EventRecall)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	calls := 0
	failing := func(context.Context, domain.AuditEvent) error {
		calls++
		return errors.New("notifier down")
	}

	if _, err := follower.poll(ctx, failing); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	if n := pendingCount(t, client); n != 1 {
		t.Fatalf("failed event must stay pending, got %d", n)
	}

	time.Sleep(10 * time.Millisecond)
	if _, err := follower.poll(ctx, failing); err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected the event to be redelivered once, calls=%d", calls)
	}
	if n := pendingCount(t, client); n != 0 {
		t.Fatalf("exhausted event must be acknowledged, got %d pending", n)
	}
	dead, err := client.XRange(ctx, "test:audit:dead", "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(dead) != 1 || dead[0].Values["error"] != "notifier down" || dead[0].Values["group"] != "recall-desk" {
		t.Fatalf("unexpected dead letters %+v", dead)
	}
}

func TestFollowerDeadLettersMalformedEntries(t *testing.T) {
	_, follower, client := newFollowerFixture(t, 5)
	ctx := context.Background()
	if err := client.XAdd(ctx, &redis.XAddArgs{Stream: "test:audit", Values: map[string]any{"tx_hash": "abc", "event_type": "transfer", "timestamp": "yesterday"}}).Err(); err != nil {
		t.Fatalf("xadd: %v", err)
	}

	acked, err := follower.poll(ctx, func(context.Context, domain.AuditEvent) error {
		t.Fatalf("handler must not see malformed entries")
		return nil
	})
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if acked != 1 {
		t.Fatalf("malformed entry must be acknowledged, acked=%d", acked)
	}
	if n, _ := client.XLen(ctx, "test:audit:dead").Result(); n != 1 {
		t.Fatalf("expected one dead letter, got %d", n)
	}
}

func TestNewFollowerRequiresGroup(t *testing.T) {
	if _, err := NewFollower(FollowerConfig{Addr: "127.0.0.1:6379"}); err == nil {
		t.Fatalf("expected group to be required")
	}
	if _, err := NewFollower(FollowerConfig{Group: "g"}); err == nil {
		t.Fatalf("expected addr to be required")
	}
}
