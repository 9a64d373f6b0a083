package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Server captures process-level configuration. Built once in main from the
// environment so services stay constructor-injected and testable.
type Server struct {
	Addr     string
	LogLevel string

	// TokenSigningKey is the HMAC secret for capability token JWTs.
	TokenSigningKey string
	// TokenIssuer is the iss claim stamped on issued tokens.
	TokenIssuer string

	// LedgerSigningKeySeed is the hex-encoded 32-byte Ed25519 seed for the
	// audit chain signer. Loaded once at startup; read-only afterwards.
	LedgerSigningKeySeed string

	// PostgresURL enables the Postgres-backed stores when set; otherwise the
	// in-memory stores are used (development mode).
	PostgresURL string

	Redis RedisConfig

	// KafkaBrokers enables the decision event publisher when non-empty.
	KafkaBrokers []string
	KafkaTopic   string

	// ApprovalSweepInterval is how often the expiry sweeper persists the
	// expired state for overdue pending tasks.
	ApprovalSweepInterval time.Duration

	// ApprovalTTL is how long escalated requests wait for an operator
	// decision before expiring.
	ApprovalTTL time.Duration

	// ExecutionTimeout bounds a single action execution.
	ExecutionTimeout time.Duration

	// ActionEndpoint is the downstream URL approved actions are forwarded
	// to. Empty selects the mock executor (development mode).
	ActionEndpoint string
}

// RedisConfig mirrors the go-redis client options we override.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() Server {
	cfg := Server{
		Addr:                  envOr("AGENTGATE_ADDR", ":8080"),
		LogLevel:              envOr("AGENTGATE_LOG_LEVEL", "info"),
		TokenSigningKey:       envOr("AGENTGATE_TOKEN_SIGNING_KEY", "dev-secret-key-change-in-production"),
		TokenIssuer:           envOr("AGENTGATE_TOKEN_ISSUER", "agentgate"),
		LedgerSigningKeySeed:  os.Getenv("AGENTGATE_LEDGER_KEY_SEED"),
		PostgresURL:           os.Getenv("AGENTGATE_POSTGRES_URL"),
		KafkaTopic:            envOr("AGENTGATE_KAFKA_TOPIC", "agentgate.decisions"),
		ApprovalSweepInterval: envDurationOr("AGENTGATE_APPROVAL_SWEEP_INTERVAL", time.Minute),
		ApprovalTTL:           envDurationOr("AGENTGATE_APPROVAL_TTL", 24*time.Hour),
		ExecutionTimeout:      envDurationOr("AGENTGATE_EXECUTION_TIMEOUT", 30*time.Second),
		ActionEndpoint:        os.Getenv("AGENTGATE_ACTION_ENDPOINT"),
		Redis: RedisConfig{
			URL:          os.Getenv("AGENTGATE_REDIS_URL"),
			PoolSize:     envIntOr("AGENTGATE_REDIS_POOL_SIZE", 10),
			MinIdleConns: envIntOr("AGENTGATE_REDIS_MIN_IDLE", 2),
			DialTimeout:  envDurationOr("AGENTGATE_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDurationOr("AGENTGATE_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDurationOr("AGENTGATE_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
	}

	if brokers := os.Getenv("AGENTGATE_KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
