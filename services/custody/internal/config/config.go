package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file, relative to the working directory.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                         string   `yaml:"port"`
	DatabaseURL                  string   `yaml:"databaseURL"`
	RedisAddr                    string   `yaml:"redisAddr"`
	RedisPassword                string   `yaml:"redisPassword"`
	LogLevel                     string   `yaml:"logLevel"`
	SessionTTL                   string   `yaml:"sessionTTL"`
	NonceTTL                     string   `yaml:"nonceTTL"`
	NonceSweepInterval           string   `yaml:"nonceSweepInterval"`
	JWTPrivateKeyPath            string   `yaml:"jwtPrivateKeyPath"`
	JWTKeyID                     string   `yaml:"jwtKeyId"`
	JWTIssuer                    string   `yaml:"jwtIssuer"`
	JWTAudience                  string   `yaml:"jwtAudience"`
	JWTLeeway                    string   `yaml:"jwtLeeway"`
	ChallengeDomain              string   `yaml:"challengeDomain"`
	AuditStream                  string   `yaml:"auditStream"`
	AuditStreamMaxLen            int64    `yaml:"auditStreamMaxLen"`
	TrustedProxyCIDRs            []string `yaml:"trustedProxyCidrs"`
	WalletAuthRateLimitPerMinute int      `yaml:"walletAuthRateLimitPerMinute"`
	PasswordRateLimitPerMinute   int      `yaml:"passwordRateLimitPerMinute"`
	VerifyRateLimitPerMinute     int      `yaml:"verifyRateLimitPerMinute"`
}

// Load reads config from path (defaults to config.yaml). Variables from a
// .env file in the working directory are loaded first; they never override
// variables already set in the environment.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("CUSTODY_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("JWT_PRIVATE_KEY_PATH"); v != "" {
		cfg.JWTPrivateKeyPath = v
	}
	if v := os.Getenv("JWT_KEY_ID"); v != "" {
		cfg.JWTKeyID = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.JWTIssuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		cfg.JWTAudience = v
	}
	if v := os.Getenv("JWT_LEEWAY"); v != "" {
		cfg.JWTLeeway = v
	}
	if v := os.Getenv("CUSTODY_SESSION_TTL"); v != "" {
		cfg.SessionTTL = v
	}
	if v := os.Getenv("CUSTODY_NONCE_TTL"); v != "" {
		cfg.NonceTTL = v
	}
	if v := os.Getenv("CUSTODY_CHALLENGE_DOMAIN"); v != "" {
		cfg.ChallengeDomain = v
	}
	if v := os.Getenv("CUSTODY_AUDIT_STREAM"); v != "" {
		cfg.AuditStream = v
	}
	if v := os.Getenv("CUSTODY_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitList(v)
	}
	if v := os.Getenv("CUSTODY_WALLET_AUTH_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WalletAuthRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("CUSTODY_PASSWORD_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PasswordRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("CUSTODY_VERIFY_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.VerifyRateLimitPerMinute = n
		}
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if strings.TrimSpace(cfg.Port) == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return errors.New("config: databaseURL is required (set DATABASE_URL)")
	}
	if cfg.WalletAuthRateLimitPerMinute < 0 || cfg.PasswordRateLimitPerMinute < 0 || cfg.VerifyRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if cfg.AuditStreamMaxLen < 0 {
		return errors.New("config: auditStreamMaxLen must be >= 0")
	}
	for name, raw := range map[string]string{
		"sessionTTL":         cfg.SessionTTL,
		"nonceTTL":           cfg.NonceTTL,
		"nonceSweepInterval": cfg.NonceSweepInterval,
		"jwtLeeway":          cfg.JWTLeeway,
	} {
		if _, err := parseOptionalDuration(name, raw); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}

// ParseSessionTTL parses the optional session TTL.
func ParseSessionTTL(raw string) (time.Duration, error) {
	return parseOptionalDuration("sessionTTL", raw)
}

// ParseNonceTTL parses the optional pending nonce TTL.
func ParseNonceTTL(raw string) (time.Duration, error) {
	return parseOptionalDuration("nonceTTL", raw)
}

// ParseNonceSweepInterval parses the optional in-memory nonce sweep interval.
func ParseNonceSweepInterval(raw string) (time.Duration, error) {
	return parseOptionalDuration("nonceSweepInterval", raw)
}

// ParseJWTLeeway parses the optional JWT leeway.
func ParseJWTLeeway(raw string) (time.Duration, error) {
	return parseOptionalDuration("jwtLeeway", raw)
}

func parseOptionalDuration(name, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", name, err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("invalid %s duration: must not be negative", name)
	}
	return dur, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
