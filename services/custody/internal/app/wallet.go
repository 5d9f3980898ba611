package app

import (
	"context"
	"errors"
	"strings"

	"pharmatrace/internal/util"
	"pharmatrace/pkg/domain"
	"pharmatrace/pkg/nonce"
	"pharmatrace/pkg/store"
	"pharmatrace/pkg/walletsig"
)

// NonceChallenge is what a wallet receives before signing.
type NonceChallenge struct {
	Nonce     string `json:"nonce"`
	Message   string `json:"message"`
	IsNewUser bool   `json:"isNewUser"`
}

// WalletRegistration is a signed registration request.
type WalletRegistration struct {
	Address       string
	Signature     string
	Message       string
	Role          string
	CompanyName   string
	LicenseNumber string
}

// RequestNonce issues a fresh challenge for address. Unknown wallets get a
// pending nonce; registered wallets have their current nonce rotated. Either
// way any earlier challenge for the address stops being valid.
func (a *App) RequestNonce(ctx context.Context, address string) (NonceChallenge, error) {
	address = normalizeAddress(address)
	if !walletsig.IsAddress(address) {
		return NonceChallenge{}, validation("invalid wallet address")
	}
	identity, ok, err := a.store.GetIdentityByWallet(ctx, address)
	if err != nil {
		return NonceChallenge{}, unavailable("load identity", err)
	}
	if !ok {
		pending, err := a.nonces.Issue(ctx, address)
		if err != nil {
			return NonceChallenge{}, unavailable("issue pending nonce", err)
		}
		return NonceChallenge{
			Nonce:     pending.Nonce,
			Message:   a.challengeMessage(address, pending.Nonce),
			IsNewUser: true,
		}, nil
	}
	value, err := nonce.Generate()
	if err != nil {
		return NonceChallenge{}, unavailable("generate nonce", err)
	}
	if err := a.store.RotateIdentityNonce(ctx, identity.ID, value); err != nil {
		return NonceChallenge{}, unavailable("rotate nonce", err)
	}
	return NonceChallenge{
		Nonce:   value,
		Message: a.challengeMessage(address, value),
	}, nil
}

// CompleteRegistration creates an identity for a wallet that signed its
// pending challenge. The pending nonce is consumed only after every check
// passed, so a failed attempt leaves it usable for a retry.
func (a *App) CompleteRegistration(ctx context.Context, req WalletRegistration) (domain.Identity, string, error) {
	address := normalizeAddress(req.Address)
	if !walletsig.IsAddress(address) {
		return domain.Identity{}, "", validation("invalid wallet address")
	}
	role, ok := domain.ParseRole(strings.TrimSpace(req.Role))
	if !ok {
		return domain.Identity{}, "", validation("invalid role")
	}
	companyName := strings.TrimSpace(req.CompanyName)
	licenseNumber := strings.TrimSpace(req.LicenseNumber)
	if companyName == "" || licenseNumber == "" {
		return domain.Identity{}, "", validation("companyName and licenseNumber required")
	}
	if strings.TrimSpace(req.Signature) == "" || req.Message == "" {
		return domain.Identity{}, "", validation("signature and message required")
	}

	if _, exists, err := a.store.GetIdentityByWallet(ctx, address); err != nil {
		return domain.Identity{}, "", unavailable("load identity", err)
	} else if exists {
		return domain.Identity{}, "", ErrWalletAlreadyRegistered
	}

	pending, ok, err := a.nonces.Get(ctx, address)
	if err != nil {
		return domain.Identity{}, "", unavailable("load pending nonce", err)
	}
	if !ok {
		return domain.Identity{}, "", a.credentialFailure(ctx, "register", address, ErrNonceExpired)
	}
	if err := a.checkChallenge(address, pending.Nonce, req.Message, req.Signature); err != nil {
		return domain.Identity{}, "", a.credentialFailure(ctx, "register", address, err)
	}

	consumed, err := a.nonces.Consume(ctx, address, pending.Nonce)
	if err != nil {
		return domain.Identity{}, "", unavailable("consume pending nonce", err)
	}
	if !consumed {
		return domain.Identity{}, "", a.credentialFailure(ctx, "register", address, ErrNonceMismatch)
	}

	fresh, err := freshNonce(pending.Nonce)
	if err != nil {
		return domain.Identity{}, "", unavailable("generate nonce", err)
	}
	identity := domain.Identity{
		ID:            util.NewID(),
		Role:          role,
		CompanyName:   companyName,
		LicenseNumber: licenseNumber,
		WalletAddress: address,
		CurrentNonce:  fresh,
		Verified:      true,
		CreatedAt:     a.now().UTC(),
	}
	if err := a.store.CreateIdentity(ctx, identity); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return domain.Identity{}, "", ErrWalletAlreadyRegistered
		}
		return domain.Identity{}, "", unavailable("create identity", err)
	}
	token, err := a.sessions.Issue(identity)
	if err != nil {
		return domain.Identity{}, "", unavailable("issue session", err)
	}
	return identity, token, nil
}

// CompleteLogin authenticates a registered wallet against its current nonce.
// The nonce is swapped for a fresh one before anything else happens, so the
// same signed message can never log in twice.
func (a *App) CompleteLogin(ctx context.Context, address, signature, message string) (domain.Identity, string, error) {
	address = normalizeAddress(address)
	if !walletsig.IsAddress(address) {
		return domain.Identity{}, "", validation("invalid wallet address")
	}
	if strings.TrimSpace(signature) == "" || message == "" {
		return domain.Identity{}, "", validation("signature and message required")
	}

	identity, ok, err := a.store.GetIdentityByWallet(ctx, address)
	if err != nil {
		return domain.Identity{}, "", unavailable("load identity", err)
	}
	if !ok {
		return domain.Identity{}, "", a.credentialFailure(ctx, "login", address, ErrWalletNotRegistered)
	}
	current := identity.CurrentNonce
	if current == "" {
		return domain.Identity{}, "", a.credentialFailure(ctx, "login", address, ErrNoNonceIssued)
	}
	if err := a.checkChallenge(address, current, message, signature); err != nil {
		return domain.Identity{}, "", a.credentialFailure(ctx, "login", address, err)
	}

	fresh, err := freshNonce(current)
	if err != nil {
		return domain.Identity{}, "", unavailable("generate nonce", err)
	}
	swapped, err := a.store.CompareAndSwapIdentityNonce(ctx, identity.ID, current, fresh)
	if err != nil {
		return domain.Identity{}, "", unavailable("rotate nonce", err)
	}
	if !swapped {
		return domain.Identity{}, "", a.credentialFailure(ctx, "login", address, ErrNonceMismatch)
	}
	identity.CurrentNonce = fresh

	now := a.now().UTC()
	if err := a.store.TouchLastLogin(ctx, identity.ID, now); err != nil {
		return domain.Identity{}, "", unavailable("record login", err)
	}
	identity.LastLogin = &now
	token, err := a.sessions.Issue(identity)
	if err != nil {
		return domain.Identity{}, "", unavailable("issue session", err)
	}
	return identity, token, nil
}

// checkChallenge runs the nonce, message and signature checks in that order.
func (a *App) checkChallenge(address, expectedNonce, message, signature string) error {
	challenge, err := walletsig.ParseChallenge(message)
	if err != nil || challenge.Nonce != expectedNonce {
		return ErrNonceMismatch
	}
	if message != a.challengeMessage(address, expectedNonce) {
		return ErrMessageTampered
	}
	if !a.verifier.Verify(address, message, signature) {
		return ErrInvalidSignature
	}
	return nil
}

func (a *App) challengeMessage(address, value string) string {
	return walletsig.NewChallenge(a.domain, address, value).Message()
}

func (a *App) credentialFailure(ctx context.Context, flow, address string, err error) error {
	util.LoggerFromContext(ctx).Warn("wallet_auth_failed",
		"flow", flow,
		"wallet", address,
		"reason", err.Error(),
	)
	return err
}

// freshNonce returns a nonce guaranteed to differ from previous.
func freshNonce(previous string) (string, error) {
	for {
		value, err := nonce.Generate()
		if err != nil {
			return "", err
		}
		if value != previous {
			return value, nil
		}
	}
}

func normalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
