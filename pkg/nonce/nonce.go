// Package nonce issues and tracks the one-time challenge values handed to
// wallets that have not registered yet.
package nonce

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"pharmatrace/pkg/domain"
)

// Size is the number of random bytes in a nonce before hex encoding.
const Size = 32

// Generate returns Size bytes of crypto/rand output, hex encoded.
func Generate() (string, error) {
	buf := make([]byte, Size)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Store holds at most one pending nonce per wallet address. Issuing again
// overwrites the previous value, so only the latest challenge is ever valid.
type Store interface {
	Issue(ctx context.Context, address string) (domain.PendingNonce, error)
	Get(ctx context.Context, address string) (domain.PendingNonce, bool, error)
	// Consume deletes the entry only if it still holds nonce and reports
	// whether it did. Concurrent callers racing on the same nonce see exactly
	// one true.
	Consume(ctx context.Context, address, nonce string) (bool, error)
	Delete(ctx context.Context, address string) error
}

func normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
