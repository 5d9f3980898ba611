package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"pharmatrace/internal/util"
	"pharmatrace/pkg/audit"
	"pharmatrace/pkg/nonce"
	"pharmatrace/pkg/session"
	"pharmatrace/pkg/store"
	"pharmatrace/services/custody/internal/app"
	"pharmatrace/services/custody/internal/config"
	"pharmatrace/services/custody/internal/maintenance"
	"pharmatrace/services/custody/internal/security"
	"pharmatrace/services/custody/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	sessionTTL, err := config.ParseSessionTTL(cfg.SessionTTL)
	if err != nil {
		log.Fatalf("failed to parse session TTL: %v", err)
	}
	if sessionTTL == 0 {
		sessionTTL = 24 * time.Hour
	}
	nonceTTL, err := config.ParseNonceTTL(cfg.NonceTTL)
	if err != nil {
		log.Fatalf("failed to parse nonce TTL: %v", err)
	}
	if nonceTTL == 0 {
		nonceTTL = 10 * time.Minute
	}
	sweepInterval, err := config.ParseNonceSweepInterval(cfg.NonceSweepInterval)
	if err != nil {
		log.Fatalf("failed to parse nonce sweep interval: %v", err)
	}
	if sweepInterval == 0 {
		sweepInterval = time.Minute
	}
	leeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		log.Fatalf("failed to parse JWT leeway: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)
	useRedis := strings.TrimSpace(cfg.RedisAddr) != ""

	signingKey, err := loadSigningKey(cfg.JWTPrivateKeyPath, logger)
	if err != nil {
		log.Fatalf("failed to load JWT signing key: %v", err)
	}

	purgers := map[string]maintenance.Purger{}
	var revoker session.Revoker
	if useRedis {
		redisRevoker := session.NewRedisRevoker(cfg.RedisAddr, cfg.RedisPassword)
		defer redisRevoker.Close()
		revoker = redisRevoker
	} else {
		memoryRevoker := session.NewMemoryRevoker()
		purgers["revoked_sessions"] = memoryRevoker
		revoker = memoryRevoker
	}
	sessions, err := session.NewManager(signingKey, sessionTTL, revoker, session.Options{
		KeyID:    cfg.JWTKeyID,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   leeway,
	})
	if err != nil {
		log.Fatalf("failed to init session manager: %v", err)
	}

	var nonces nonce.Store
	if useRedis {
		redisNonces, err := nonce.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, nonceTTL)
		if err != nil {
			log.Fatalf("failed to init nonce store: %v", err)
		}
		defer redisNonces.Close()
		nonces = redisNonces
	} else {
		logger.Warn("redis not configured; nonces, revocations and rate limits are local to this instance")
		memoryNonces := nonce.NewMemoryStore(nonceTTL)
		purgers["pending_nonces"] = memoryNonces
		nonces = memoryNonces
	}

	dataStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}

	appCfg := app.Config{
		NonceTTL:        nonceTTL,
		ChallengeDomain: cfg.ChallengeDomain,
		Store:           dataStore,
		Nonces:          nonces,
		Sessions:        sessions,
	}
	var alerter *security.AuditAlerter
	if useRedis {
		stream, err := audit.NewRedisStream(audit.RedisStreamConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Stream:   cfg.AuditStream,
			MaxLen:   cfg.AuditStreamMaxLen,
		})
		if err != nil {
			log.Fatalf("failed to init audit stream: %v", err)
		}
		defer stream.Close()
		appCfg.Publisher = stream

		alerter = security.NewAuditAlerter(cfg.RedisAddr, cfg.RedisPassword, "")
		defer alerter.Close()
	}

	appCore, err := app.New(appCfg)
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	trustedProxies, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}
	srvCfg := server.Config{
		App:                          appCore,
		TrustedProxies:               trustedProxies,
		RedisAddr:                    cfg.RedisAddr,
		RedisPassword:                cfg.RedisPassword,
		WalletAuthRateLimitPerMinute: cfg.WalletAuthRateLimitPerMinute,
		PasswordRateLimitPerMinute:   cfg.PasswordRateLimitPerMinute,
		VerifyRateLimitPerMinute:     cfg.VerifyRateLimitPerMinute,
	}
	if alerter != nil {
		srvCfg.Alerter = alerter
	}
	httpServer, err := server.New(srvCfg)
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}
	defer httpServer.Close()

	sweeper, err := maintenance.StartSweeper(sweepInterval, purgers, logger)
	if err != nil {
		log.Fatalf("failed to start sweeper: %v", err)
	}
	defer sweeper.Stop()

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("custody server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}

// loadSigningKey reads the RSA key used for session tokens. Without a
// configured path an ephemeral key is generated, which invalidates every
// session on restart.
func loadSigningKey(path string, logger *slog.Logger) (*rsa.PrivateKey, error) {
	if strings.TrimSpace(path) != "" {
		return session.LoadPrivateKey(path)
	}
	logger.Warn("jwtPrivateKeyPath not set; using an ephemeral signing key")
	return session.GenerateKey()
}
