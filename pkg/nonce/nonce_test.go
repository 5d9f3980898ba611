package nonce

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

const wallet = "0xAbCdEf0000000000000000000000000000000001"

func TestGenerateReturnsDistinctHexValues(t *testing.T) {
	a, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(a) != Size*2 {
		t.Fatalf("expected %d hex chars, got %d", Size*2, len(a))
	}
	if a == b {
		t.Fatalf("expected distinct nonces")
	}
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	s, err := NewRedisStore(srv.Addr(), "", 10*time.Minute)
	if err != nil {
		t.Fatalf("new redis store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, srv
}

func TestStoresOverwriteAndConsumeOnce(t *testing.T) {
	redisStore, _ := newRedisStore(t)
	stores := map[string]Store{
		"memory": NewMemoryStore(10 * time.Minute),
		"redis":  redisStore,
	}
	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first, err := s.Issue(ctx, wallet)
			if err != nil {
				t.Fatalf("issue: %v", err)
			}
			second, err := s.Issue(ctx, wallet)
			if err != nil {
				t.Fatalf("reissue: %v", err)
			}
			if first.Nonce == second.Nonce {
				t.Fatalf("reissue returned the same nonce")
			}

			got, ok, err := s.Get(ctx, wallet)
			if err != nil || !ok {
				t.Fatalf("get: ok=%v err=%v", ok, err)
			}
			if got.Nonce != second.Nonce {
				t.Fatalf("expected latest nonce to win")
			}
			if got.WalletAddress != "0xabcdef0000000000000000000000000000000001" {
				t.Fatalf("expected lower-cased address, got %q", got.WalletAddress)
			}

			if ok, _ := s.Consume(ctx, wallet, first.Nonce); ok {
				t.Fatalf("superseded nonce must not be consumable")
			}
			var wins int32
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := s.Consume(ctx, wallet, second.Nonce)
					if err != nil {
						t.Errorf("consume: %v", err)
						return
					}
					if ok {
						atomic.AddInt32(&wins, 1)
					}
				}()
			}
			wg.Wait()
			if wins != 1 {
				t.Fatalf("expected exactly one consumer, got %d", wins)
			}
			if _, ok, _ := s.Get(ctx, wallet); ok {
				t.Fatalf("nonce still present after consume")
			}
			if err := s.Delete(ctx, wallet); err != nil {
				t.Fatalf("delete of absent entry must be idempotent: %v", err)
			}
		})
	}
}

func TestMemoryStoreExpiresAndPurges(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	entry, err := s.Issue(ctx, wallet)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, ok, _ := s.Get(ctx, wallet); ok {
		t.Fatalf("expired nonce still visible")
	}
	if ok, _ := s.Consume(ctx, wallet, entry.Nonce); ok {
		t.Fatalf("expired nonce consumed")
	}
	if removed := s.PurgeExpired(now); removed != 1 {
		t.Fatalf("expected 1 purged entry, got %d", removed)
	}
}

func TestRedisStoreExpiresWithTTL(t *testing.T) {
	s, srv := newRedisStore(t)
	ctx := context.Background()
	if _, err := s.Issue(ctx, wallet); err != nil {
		t.Fatalf("issue: %v", err)
	}
	srv.FastForward(11 * time.Minute)
	if _, ok, err := s.Get(ctx, wallet); err != nil || ok {
		t.Fatalf("expected expired nonce, ok=%v err=%v", ok, err)
	}
}
