package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pharmatrace/internal/util"
	"pharmatrace/pkg/audit"
	"pharmatrace/pkg/domain"
	"pharmatrace/pkg/nonce"
	"pharmatrace/pkg/store"
	"pharmatrace/pkg/walletsig"
)

const defaultChallengeDomain = "PharmaTrace"

// SignatureVerifier checks that message was signed by claimedAddress.
type SignatureVerifier interface {
	Verify(claimedAddress, message, signature string) bool
}

// Sessions issues and validates session tokens.
type Sessions interface {
	Issue(identity domain.Identity) (string, error)
	Subject(ctx context.Context, token string) (string, error)
	Revoke(ctx context.Context, token string) error
}

// EventPublisher receives audit events after their transaction committed.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.AuditEvent) error
}

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL     string
	RedisAddr       string
	RedisPassword   string
	NonceTTL        time.Duration
	ChallengeDomain string

	Store     store.Store
	Nonces    nonce.Store
	Verifier  SignatureVerifier
	Sessions  Sessions
	Publisher EventPublisher
	Clock     func() time.Time
}

// App is the custody service core: wallet authentication, the custody ledger
// and product verification.
type App struct {
	store     store.Store
	nonces    nonce.Store
	verifier  SignatureVerifier
	sessions  Sessions
	publisher EventPublisher
	audit     *audit.Log
	domain    string
	now       func() time.Time
}

// New constructs the application. Store and nonce store are built from the
// database URL and Redis address when not supplied.
func New(cfg Config) (*App, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("session manager required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.NonceTTL <= 0 {
		cfg.NonceTTL = 10 * time.Minute
	}
	if strings.TrimSpace(cfg.ChallengeDomain) == "" {
		cfg.ChallengeDomain = defaultChallengeDomain
	}

	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init store: %w", err)
		}
	}

	nonces := cfg.Nonces
	if nonces == nil {
		if strings.TrimSpace(cfg.RedisAddr) != "" {
			redisNonces, err := nonce.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.NonceTTL)
			if err != nil {
				return nil, fmt.Errorf("init nonce store: %w", err)
			}
			nonces = redisNonces
		} else {
			nonces = nonce.NewMemoryStore(cfg.NonceTTL)
		}
	}

	verifier := cfg.Verifier
	if verifier == nil {
		verifier = walletsig.Verifier{}
	}

	return &App{
		store:     dataStore,
		nonces:    nonces,
		verifier:  verifier,
		sessions:  cfg.Sessions,
		publisher: cfg.Publisher,
		audit:     audit.NewLog(cfg.Clock),
		domain:    cfg.ChallengeDomain,
		now:       cfg.Clock,
	}, nil
}

// IdentityFromToken resolves the identity a session token was issued for.
func (a *App) IdentityFromToken(ctx context.Context, token string) (domain.Identity, error) {
	id, err := a.sessions.Subject(ctx, token)
	if err != nil {
		return domain.Identity{}, ErrInvalidSession
	}
	identity, ok, err := a.store.GetIdentity(ctx, id)
	if err != nil {
		return domain.Identity{}, unavailable("load identity", err)
	}
	if !ok {
		return domain.Identity{}, ErrInvalidSession
	}
	return identity, nil
}

// Logout revokes a session token.
func (a *App) Logout(ctx context.Context, token string) error {
	if err := a.sessions.Revoke(ctx, token); err != nil {
		return unavailable("revoke session", err)
	}
	return nil
}

// GetIdentity returns an identity by ID.
func (a *App) GetIdentity(ctx context.Context, id string) (domain.Identity, error) {
	identity, ok, err := a.store.GetIdentity(ctx, id)
	if err != nil {
		return domain.Identity{}, unavailable("load identity", err)
	}
	if !ok {
		return domain.Identity{}, ErrIdentityNotFound
	}
	return identity, nil
}

// AuditTrail returns the audit events of a batch in chronological order.
func (a *App) AuditTrail(ctx context.Context, serialID string) ([]domain.AuditEvent, error) {
	events, err := audit.BySerialID(ctx, a.store, strings.TrimSpace(serialID))
	if err != nil {
		return nil, unavailable("list audit events", err)
	}
	return events, nil
}

// AuditEvent returns one audit event by tx hash.
func (a *App) AuditEvent(ctx context.Context, txHash string) (domain.AuditEvent, error) {
	event, ok, err := audit.ByTxHash(ctx, a.store, strings.TrimSpace(txHash))
	if err != nil {
		return domain.AuditEvent{}, unavailable("load audit event", err)
	}
	if !ok {
		return domain.AuditEvent{}, ErrEventNotFound
	}
	return event, nil
}

// publish fans committed events out. Failures are logged only: the events are
// already durable in the store.
func (a *App) publish(ctx context.Context, events ...domain.AuditEvent) {
	if a.publisher == nil {
		return
	}
	for _, event := range events {
		if err := a.publisher.Publish(ctx, event); err != nil {
			util.LoggerFromContext(ctx).Warn("audit_publish_failed",
				"tx_hash", event.TxHash,
				"event_type", event.EventType,
				"err", err,
			)
		}
	}
}
