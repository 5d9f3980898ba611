// Package session issues and validates RS256 session tokens.
package session

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"pharmatrace/pkg/domain"
)

const (
	defaultIssuer   = "pharmatrace-custody"
	defaultAudience = "pharmatrace-api"
	defaultKeyID    = "jwt-active"
)

var defaultLeeway = 30 * time.Second

// ErrInvalidToken is returned for any token that fails validation.
var ErrInvalidToken = errors.New("invalid session token")

// Options configures claim validation.
type Options struct {
	KeyID    string
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// Claims are the session claims; Role is informational, authorization always
// reloads the identity.
type Claims struct {
	Role   domain.Role `json:"role,omitempty"`
	Wallet string      `json:"wallet,omitempty"`
	jwt.RegisteredClaims
}

// Manager signs and verifies session tokens with one RSA key.
type Manager struct {
	key      *rsa.PrivateKey
	kid      string
	ttl      time.Duration
	issuer   string
	audience string
	leeway   time.Duration
	revoker  Revoker
	now      func() time.Time
}

// NewManager builds a Manager. revoker may be nil, in which case logout is a no-op.
func NewManager(key *rsa.PrivateKey, ttl time.Duration, revoker Revoker, opts Options) (*Manager, error) {
	if key == nil {
		return nil, errors.New("session signing key required")
	}
	if ttl <= 0 {
		return nil, errors.New("session ttl must be positive")
	}
	opts = normalizeOptions(opts)
	return &Manager{
		key:      key,
		kid:      opts.KeyID,
		ttl:      ttl,
		issuer:   opts.Issuer,
		audience: opts.Audience,
		leeway:   opts.Leeway,
		revoker:  revoker,
		now:      time.Now,
	}, nil
}

// Issue creates a signed token for identity.
func (m *Manager) Issue(identity domain.Identity) (string, error) {
	now := m.now().UTC()
	claims := Claims{
		Role:   identity.Role,
		Wallet: identity.WalletAddress,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.ID,
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings{m.audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        randomHexID(12),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = m.kid
	return token.SignedString(m.key)
}

// Subject validates token and returns the identity ID it was issued for.
func (m *Manager) Subject(ctx context.Context, token string) (string, error) {
	claims, err := m.parse(token)
	if err != nil {
		return "", err
	}
	if m.revoker != nil {
		revoked, err := m.revoker.IsRevoked(ctx, claims.ID)
		if err != nil {
			return "", err
		}
		if revoked {
			return "", ErrInvalidToken
		}
	}
	return claims.Subject, nil
}

// Revoke invalidates token until it would have expired anyway.
func (m *Manager) Revoke(ctx context.Context, token string) error {
	if m.revoker == nil {
		return nil
	}
	claims, err := m.parse(token)
	if err != nil {
		return nil
	}
	ttl := claims.ExpiresAt.Time.Sub(m.now())
	return m.revoker.Revoke(ctx, claims.ID, ttl)
}

func (m *Manager) parse(token string) (Claims, error) {
	var claims Claims
	token = strings.TrimSpace(token)
	if token == "" {
		return claims, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if strings.TrimSpace(kid) != m.kid {
			return nil, errors.New("unknown token key")
		}
		return &m.key.PublicKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(m.leeway),
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(m.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil || !parsed.Valid {
		return claims, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.ID) == "" {
		return claims, ErrInvalidToken
	}
	return claims, nil
}

// LoadPrivateKey reads a PKCS#1 or PKCS#8 RSA private key from a PEM file.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid pem")
	}
	if pkcs1, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return pkcs1, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	privateKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not rsa")
	}
	return privateKey, nil
}

// GenerateKey creates an ephemeral signing key for local development.
func GenerateKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, 2048)
}

func randomHexID(nBytes int) string {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("%x", buf)
}

func normalizeOptions(opts Options) Options {
	opts.KeyID = strings.TrimSpace(opts.KeyID)
	opts.Issuer = strings.TrimSpace(opts.Issuer)
	opts.Audience = strings.TrimSpace(opts.Audience)
	if opts.KeyID == "" {
		opts.KeyID = defaultKeyID
	}
	if opts.Issuer == "" {
		opts.Issuer = defaultIssuer
	}
	if opts.Audience == "" {
		opts.Audience = defaultAudience
	}
	if opts.Leeway <= 0 {
		opts.Leeway = defaultLeeway
	}
	return opts
}
