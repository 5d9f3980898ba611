package nonce

import (
	"context"
	"sync"
	"time"

	"pharmatrace/pkg/domain"
)

// MemoryStore keeps pending nonces in process. Expired entries are invisible
// to Get and Consume; PurgeExpired reclaims them.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	pending map[string]domain.PendingNonce
}

// NewMemoryStore creates a store whose entries expire after ttl. A zero ttl
// keeps entries until they are consumed or overwritten.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		now:     time.Now,
		pending: make(map[string]domain.PendingNonce),
	}
}

func (s *MemoryStore) Issue(_ context.Context, address string) (domain.PendingNonce, error) {
	value, err := Generate()
	if err != nil {
		return domain.PendingNonce{}, err
	}
	entry := domain.PendingNonce{
		WalletAddress: normalize(address),
		Nonce:         value,
		IssuedAt:      s.now().UTC(),
	}
	s.mu.Lock()
	s.pending[entry.WalletAddress] = entry
	s.mu.Unlock()
	return entry, nil
}

func (s *MemoryStore) Get(_ context.Context, address string) (domain.PendingNonce, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.pending[normalize(address)]
	if !ok || s.expired(entry, s.now()) {
		return domain.PendingNonce{}, false, nil
	}
	return entry, true, nil
}

func (s *MemoryStore) Consume(_ context.Context, address, nonce string) (bool, error) {
	key := normalize(address)
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.pending[key]
	if !ok || entry.Nonce != nonce || s.expired(entry, s.now()) {
		return false, nil
	}
	delete(s.pending, key)
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, address string) error {
	s.mu.Lock()
	delete(s.pending, normalize(address))
	s.mu.Unlock()
	return nil
}

// PurgeExpired drops entries older than the ttl and returns how many it removed.
func (s *MemoryStore) PurgeExpired(now time.Time) int {
	if s.ttl <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, entry := range s.pending {
		if s.expired(entry, now) {
			delete(s.pending, key)
			removed++
		}
	}
	return removed
}

func (s *MemoryStore) expired(entry domain.PendingNonce, now time.Time) bool {
	return s.ttl > 0 && now.Sub(entry.IssuedAt) >= s.ttl
}
