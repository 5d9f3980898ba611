package nonce

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"pharmatrace/pkg/domain"
)

const defaultKeyPrefix = "pharmatrace:nonce:pending"

var consumeScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "nonce") == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore keeps pending nonces in Redis hashes with a key TTL.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisStore connects to Redis at addr.
func NewRedisStore(addr, password string, ttl time.Duration) (*RedisStore, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("nonce redis addr is required")
	}
	if ttl <= 0 {
		return nil, errors.New("nonce ttl must be positive")
	}
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		keyPrefix: defaultKeyPrefix,
		ttl:       ttl,
	}, nil
}

func (s *RedisStore) Issue(ctx context.Context, address string) (domain.PendingNonce, error) {
	value, err := Generate()
	if err != nil {
		return domain.PendingNonce{}, err
	}
	entry := domain.PendingNonce{
		WalletAddress: normalize(address),
		Nonce:         value,
		IssuedAt:      time.Now().UTC(),
	}
	key := s.key(entry.WalletAddress)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			"nonce", entry.Nonce,
			"issuedAt", entry.IssuedAt.Format(time.RFC3339Nano),
		)
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return domain.PendingNonce{}, fmt.Errorf("store pending nonce: %w", err)
	}
	return entry, nil
}

func (s *RedisStore) Get(ctx context.Context, address string) (domain.PendingNonce, bool, error) {
	address = normalize(address)
	data, err := s.client.HGetAll(ctx, s.key(address)).Result()
	if err != nil {
		return domain.PendingNonce{}, false, err
	}
	value := data["nonce"]
	if value == "" {
		return domain.PendingNonce{}, false, nil
	}
	entry := domain.PendingNonce{WalletAddress: address, Nonce: value}
	if ts, err := time.Parse(time.RFC3339Nano, data["issuedAt"]); err == nil {
		entry.IssuedAt = ts
	}
	return entry, true, nil
}

func (s *RedisStore) Consume(ctx context.Context, address, nonce string) (bool, error) {
	if nonce == "" {
		return false, nil
	}
	deleted, err := consumeScript.Run(ctx, s.client, []string{s.key(normalize(address))}, nonce).Int64()
	if err != nil {
		return false, err
	}
	return deleted == 1, nil
}

func (s *RedisStore) Delete(ctx context.Context, address string) error {
	return s.client.Del(ctx, s.key(normalize(address))).Err()
}

// Close releases the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(address string) string {
	return fmt.Sprintf("%s:%s", s.keyPrefix, address)
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
)
