package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pharmatrace/internal/ratelimit"
	"pharmatrace/internal/util"
	"pharmatrace/pkg/domain"
	"pharmatrace/services/custody/internal/app"
	"pharmatrace/services/custody/internal/security"
)

const maxBodyBytes = 1 << 20

// Alerter receives security relevant outcomes.
type Alerter interface {
	Observe(ctx context.Context, event, outcome, ip string) (security.AlertResult, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	Alerter        Alerter
	TrustedProxies *util.TrustedProxies

	// Rate limiting is enabled when RedisAddr is set.
	RedisAddr                    string
	RedisPassword                string
	WalletAuthRateLimitPerMinute int
	PasswordRateLimitPerMinute   int
	VerifyRateLimitPerMinute     int
}

// Server exposes HTTP endpoints for the custody service.
type Server struct {
	app            *app.App
	alerter        Alerter
	trustedProxies *util.TrustedProxies
	mux            *http.ServeMux

	walletLimiter   *ratelimit.FixedWindowLimiter
	passwordLimiter *ratelimit.FixedWindowLimiter
	verifyLimiter   *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	s := &Server{
		app:            cfg.App,
		alerter:        cfg.Alerter,
		trustedProxies: cfg.TrustedProxies,
		mux:            http.NewServeMux(),
	}
	if strings.TrimSpace(cfg.RedisAddr) != "" {
		newLimiter := func(name string, limit, fallback int) (*ratelimit.FixedWindowLimiter, error) {
			if limit <= 0 {
				limit = fallback
			}
			prefix := "pharmatrace:custody:ratelimit:" + name
			limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, limit, time.Minute)
			if err != nil {
				return nil, fmt.Errorf("init %s limiter: %w", name, err)
			}
			return limiter, nil
		}
		var err error
		if s.walletLimiter, err = newLimiter("wallet", cfg.WalletAuthRateLimitPerMinute, 20); err != nil {
			return nil, err
		}
		if s.passwordLimiter, err = newLimiter("password", cfg.PasswordRateLimitPerMinute, 10); err != nil {
			return nil, err
		}
		if s.verifyLimiter, err = newLimiter("verify", cfg.VerifyRateLimitPerMinute, 60); err != nil {
			return nil, err
		}
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("custody", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

// Close releases the limiter connections.
func (s *Server) Close() error {
	return errors.Join(s.walletLimiter.Close(), s.passwordLimiter.Close(), s.verifyLimiter.Close())
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	// wallet auth
	s.mux.Handle("POST /auth/wallet/nonce", s.limited(s.walletLimiter, s.handleWalletNonce))
	s.mux.Handle("POST /auth/wallet/register", s.limited(s.walletLimiter, s.handleWalletRegister))
	s.mux.Handle("POST /auth/wallet/login", s.limited(s.walletLimiter, s.handleWalletLogin))

	// password auth
	s.mux.Handle("POST /auth/signup", s.limited(s.passwordLimiter, s.handleSignup))
	s.mux.Handle("POST /auth/login", s.limited(s.passwordLimiter, s.handleLogin))
	s.mux.HandleFunc("POST /auth/logout", s.handleLogout)
	s.mux.Handle("GET /auth/me", s.authenticated(s.handleMe))
	s.mux.Handle("GET /stats", s.authenticated(s.handleStats))

	// custody ledger
	s.mux.Handle("POST /batches", s.authenticated(s.handleRegisterBatch))
	s.mux.Handle("GET /batches", s.authenticated(s.handleListBatches))
	s.mux.Handle("GET /batches/{serialId}", s.authenticated(s.handleGetBatch))
	s.mux.Handle("POST /batches/{serialId}/transfers", s.authenticated(s.handleProposeTransfer))
	s.mux.Handle("POST /batches/{serialId}/recalls", s.authenticated(s.handleInitiateRecall))
	s.mux.Handle("GET /batches/{serialId}/verifications", s.authenticated(s.handleVerificationHistory))
	s.mux.Handle("GET /transfers/incoming", s.authenticated(s.handleIncomingTransfers))
	s.mux.Handle("POST /transfers/{id}/accept", s.authenticated(s.handleAcceptTransfer))
	s.mux.Handle("POST /transfers/{id}/reject", s.authenticated(s.handleRejectTransfer))
	s.mux.Handle("POST /recalls/{id}/resolve", s.authenticated(s.handleResolveRecall))

	// verification (bearer optional)
	s.mux.Handle("POST /verify", s.limited(s.verifyLimiter, s.handleVerify))
	s.mux.Handle("POST /verify/report", s.limited(s.verifyLimiter, s.handleReport))

	// audit log
	s.mux.Handle("GET /audit/serial/{serialId}", s.authenticated(s.handleAuditTrail))
	s.mux.Handle("GET /audit/tx/{txHash}", s.authenticated(s.handleAuditEvent))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, domain.Identity)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.authorize(r)
		if err != nil {
			if errors.Is(err, app.ErrInvalidCredential) {
				s.observe(r, security.EventAuthorize, security.OutcomeFail)
			}
			s.writeAppError(w, r, err)
			return
		}
		next(w, r, identity)
	})
}

// authorize resolves the bearer token. A missing token is reported as an
// invalid session.
func (s *Server) authorize(r *http.Request) (domain.Identity, error) {
	token, ok := bearerToken(r)
	if !ok {
		return domain.Identity{}, app.ErrInvalidSession
	}
	return s.app.IdentityFromToken(r.Context(), token)
}

// optionalIdentity resolves the caller when a bearer token is present. A
// present but invalid token is an error rather than an anonymous call.
func (s *Server) optionalIdentity(r *http.Request) (*domain.Identity, error) {
	if strings.TrimSpace(r.Header.Get("Authorization")) == "" {
		return nil, nil
	}
	identity, err := s.authorize(r)
	if err != nil {
		return nil, err
	}
	return &identity, nil
}

func (s *Server) limited(limiter *ratelimit.FixedWindowLimiter, next http.HandlerFunc) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision := limiter.Allow(r.Context(), r.URL.Path+"|"+s.clientIP(r))
		if !decision.Allowed {
			s.observe(r, r.URL.Path, security.OutcomeRateLimited)
			retry := int(decision.RetryAfter.Round(time.Second) / time.Second)
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next(w, r)
	})
}

// wallet auth handlers
func (s *Server) handleWalletNonce(w http.ResponseWriter, r *http.Request) {
	var req walletNonceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	challenge, err := s.app.RequestNonce(r.Context(), req.WalletAddress)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, challenge)
}

func (s *Server) handleWalletRegister(w http.ResponseWriter, r *http.Request) {
	var req walletRegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	identity, token, err := s.app.CompleteRegistration(r.Context(), app.WalletRegistration{
		Address:       req.WalletAddress,
		Signature:     req.Signature,
		Message:       req.Message,
		Role:          req.Role,
		CompanyName:   req.CompanyName,
		LicenseNumber: req.LicenseNumber,
	})
	if err != nil {
		s.observeAuthFailure(r, security.EventWalletRegister, err)
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, authResponse{Token: token, Identity: identity})
}

func (s *Server) handleWalletLogin(w http.ResponseWriter, r *http.Request) {
	var req walletLoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	identity, token, err := s.app.CompleteLogin(r.Context(), req.WalletAddress, req.Signature, req.Message)
	if err != nil {
		s.observeAuthFailure(r, security.EventWalletLogin, err)
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, authResponse{Token: token, Identity: identity})
}

// password auth handlers
func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	identity, token, err := s.app.SignUp(r.Context(), app.PasswordRegistration{
		Email:         req.Email,
		Password:      req.Password,
		Role:          req.Role,
		CompanyName:   req.CompanyName,
		LicenseNumber: req.LicenseNumber,
	})
	if err != nil {
		s.observeAuthFailure(r, security.EventPasswordSignup, err)
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, authResponse{Token: token, Identity: identity})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	identity, token, err := s.app.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.observeAuthFailure(r, security.EventPasswordLogin, err)
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, authResponse{Token: token, Identity: identity})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := s.app.Logout(r.Context(), token); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, _ *http.Request, identity domain.Identity) {
	writeJSON(w, http.StatusOK, identity)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, identity domain.Identity) {
	stats, err := s.app.Statistics(r.Context(), identity)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ledger handlers
func (s *Server) handleRegisterBatch(w http.ResponseWriter, r *http.Request, identity domain.Identity) {
	var req registerBatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	in, err := req.input()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	batch, err := s.app.RegisterBatch(r.Context(), identity.ID, in)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, batch)
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request, identity domain.Identity) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	batches, err := s.app.ListBatches(r.Context(), identity.ID, limit)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": batches,
		"count": len(batches),
	})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request, _ domain.Identity) {
	details, err := s.app.GetBatch(r.Context(), r.PathValue("serialId"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (s *Server) handleProposeTransfer(w http.ResponseWriter, r *http.Request, identity domain.Identity) {
	var req transferRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	transfer, err := s.app.ProposeTransfer(r.Context(), identity.ID, r.PathValue("serialId"), app.TransferInput{
		Recipient: req.Recipient,
		Quantity:  req.Quantity,
		Location:  req.Location,
		Notes:     req.Notes,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, transfer)
}

func (s *Server) handleIncomingTransfers(w http.ResponseWriter, r *http.Request, identity domain.Identity) {
	transfers, err := s.app.ListIncomingTransfers(r.Context(), identity.ID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": transfers,
		"count": len(transfers),
	})
}

func (s *Server) handleAcceptTransfer(w http.ResponseWriter, r *http.Request, identity domain.Identity) {
	transfer, err := s.app.AcceptTransfer(r.Context(), r.PathValue("id"), identity.ID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transfer)
}

func (s *Server) handleRejectTransfer(w http.ResponseWriter, r *http.Request, identity domain.Identity) {
	transfer, err := s.app.RejectTransfer(r.Context(), r.PathValue("id"), identity.ID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transfer)
}

func (s *Server) handleInitiateRecall(w http.ResponseWriter, r *http.Request, identity domain.Identity) {
	var req recallRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	recall, err := s.app.InitiateRecall(r.Context(), r.PathValue("serialId"), req.Reason, identity.ID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, recall)
}

func (s *Server) handleResolveRecall(w http.ResponseWriter, r *http.Request, identity domain.Identity) {
	recall, err := s.app.ResolveRecall(r.Context(), r.PathValue("id"), identity.ID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recall)
}

func (s *Server) handleVerificationHistory(w http.ResponseWriter, r *http.Request, identity domain.Identity) {
	logs, err := s.app.VerificationHistory(r.Context(), r.PathValue("serialId"), identity.ID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": logs,
		"count": len(logs),
	})
}

// verification handlers
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	identity, err := s.optionalIdentity(r)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	var req verifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	verdict, err := s.app.Verify(r.Context(), req.SerialID, app.VerifierContext{
		Identity:  identity,
		IPAddress: s.clientIP(r),
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if verdict.Result == domain.ResultCounterfeit {
		s.observe(r, security.EventVerify, security.OutcomeCounterfeit, "serial_id", req.SerialID)
	}
	writeJSON(w, http.StatusOK, verdict)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	identity, err := s.optionalIdentity(r)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	var req reportRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	report, err := s.app.ReportSuspicious(r.Context(), app.SuspiciousReportInput{
		SerialID:    req.SerialID,
		Reason:      req.Reason,
		Description: req.Description,
		Location:    req.Location,
	}, app.VerifierContext{Identity: identity, IPAddress: s.clientIP(r)})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, report)
}

// audit handlers
func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request, _ domain.Identity) {
	events, err := s.app.AuditTrail(r.Context(), r.PathValue("serialId"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": events,
		"count": len(events),
	})
}

func (s *Server) handleAuditEvent(w http.ResponseWriter, r *http.Request, _ domain.Identity) {
	event, err := s.app.AuditEvent(r.Context(), r.PathValue("txHash"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// observeAuthFailure feeds credential failures to the alerter. Validation and
// conflict errors are the caller's mistakes, not attacks, and are skipped.
func (s *Server) observeAuthFailure(r *http.Request, event string, err error) {
	if errors.Is(err, app.ErrInvalidCredential) {
		s.observe(r, event, security.OutcomeFail)
	}
}

func (s *Server) observe(r *http.Request, event, outcome string, attrs ...any) {
	ip := s.clientIP(r)
	logger := util.LoggerFromContext(r.Context())
	logAttrs := append([]any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", ip,
	}, attrs...)
	logger.Warn("security_event", logAttrs...)
	if s.alerter == nil {
		return
	}
	result, err := s.alerter.Observe(r.Context(), event, outcome, ip)
	if err != nil {
		logger.Error("security_alert_observe_failed", "event", event, "err", err)
		return
	}
	if result.Triggered {
		logger.Error("security_alert",
			"event", event,
			"outcome", outcome,
			"ip", ip,
			"count", result.Count,
			"threshold", result.Threshold,
			"window", result.Window.String(),
		)
	}
}

func (s *Server) clientIP(r *http.Request) string {
	return util.ClientIP(r, s.trustedProxies)
}

// writeAppError maps error kinds to status codes. Credential failures always
// get the same message so callers cannot probe which check failed.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidCredential):
		writeError(w, http.StatusUnauthorized, app.ErrInvalidCredential.Error())
	case errors.Is(err, app.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, app.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		util.LoggerFromContext(r.Context()).Error("request_failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
