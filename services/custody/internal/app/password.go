package app

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"sync"

	"pharmatrace/internal/util"
	"pharmatrace/pkg/auth"
	"pharmatrace/pkg/domain"
	"pharmatrace/pkg/store"
)

// dummyHash keeps unknown-email logins as slow as wrong-password logins.
var dummyHash = sync.OnceValue(func() string {
	hash, _ := auth.HashPassword("unused-dummy-password")
	return hash
})

// PasswordRegistration is an email/password sign-up request.
type PasswordRegistration struct {
	Email         string
	Password      string
	Role          string
	CompanyName   string
	LicenseNumber string
}

// SignUp registers an email/password identity. Such identities get a random
// wallet-style address so every identity has one.
func (a *App) SignUp(ctx context.Context, req PasswordRegistration) (domain.Identity, string, error) {
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return domain.Identity{}, "", err
	}
	if req.Password == "" {
		return domain.Identity{}, "", validation("email and password required")
	}
	if err := auth.ValidatePassword(req.Password); err != nil {
		return domain.Identity{}, "", validation("%s", err.Error())
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

	if _, exists, err := a.store.GetIdentityByEmail(ctx, email); err != nil {
		return domain.Identity{}, "", unavailable("load identity", err)
	} else if exists {
		return domain.Identity{}, "", ErrEmailAlreadyExists
	}
	passwordHash, err := auth.HashPassword(req.Password)
	if err != nil {
		return domain.Identity{}, "", unavailable("hash password", err)
	}
	wallet, err := auth.RandomWalletAddress()
	if err != nil {
		return domain.Identity{}, "", unavailable("generate wallet", err)
	}
	identity := domain.Identity{
		ID:            util.NewID(),
		Role:          role,
		CompanyName:   companyName,
		LicenseNumber: licenseNumber,
		WalletAddress: wallet,
		Email:         email,
		PasswordHash:  passwordHash,
		CreatedAt:     a.now().UTC(),
	}
	if err := a.store.CreateIdentity(ctx, identity); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return domain.Identity{}, "", ErrEmailAlreadyExists
		}
		return domain.Identity{}, "", unavailable("create identity", err)
	}
	token, err := a.sessions.Issue(identity)
	if err != nil {
		return domain.Identity{}, "", unavailable("issue session", err)
	}
	return identity, token, nil
}

// Login authenticates an email/password identity.
func (a *App) Login(ctx context.Context, email, password string) (domain.Identity, string, error) {
	email, err := normalizeEmail(email)
	if err != nil || password == "" {
		return domain.Identity{}, "", ErrInvalidPassword
	}
	identity, ok, err := a.store.GetIdentityByEmail(ctx, email)
	if err != nil {
		return domain.Identity{}, "", unavailable("load identity", err)
	}
	if !ok || identity.PasswordHash == "" {
		auth.CheckPassword(password, dummyHash())
		return domain.Identity{}, "", ErrInvalidPassword
	}
	if !auth.CheckPassword(password, identity.PasswordHash) {
		return domain.Identity{}, "", ErrInvalidPassword
	}
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

func normalizeEmail(raw string) (string, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return "", validation("email and password required")
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil || addr.Address != raw {
		return "", validation("invalid email")
	}
	return raw, nil
}
