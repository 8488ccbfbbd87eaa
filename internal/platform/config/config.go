package config

import (
	"os"
	"strings"
	"time"
)

// Config captures process-level configuration for the audit service.
type Config struct {
	Addr        string
	FallbackDir string

	// PostgresURL selects the durable chain store. When empty the service
	// runs on the in-memory store, which is only suitable for tests and
	// local development.
	PostgresURL string

	// RedisURL enables the shared last-hash cache tier. Optional.
	RedisURL string

	// KafkaBrokers enables the SIEM mirror when non-empty. Optional.
	KafkaBrokers []string
	KafkaTopic   string

	// StoreTimeout bounds every chain store call. A timeout is treated as
	// store-unavailable and routes the event to the fallback log.
	StoreTimeout time.Duration

	// ReplayInterval schedules background replay of pending fallback files.
	// Zero disables the background loop; replay stays operator-triggered.
	ReplayInterval time.Duration

	// AdminJWTKey signs/verifies bearer tokens for operator endpoints.
	AdminJWTKey string
}

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() Config {
	cfg := Config{
		Addr:         envOr("CHAINLOG_ADDR", ":8080"),
		FallbackDir:  envOr("CHAINLOG_FALLBACK_DIR", "/var/log/chainlog/fallback"),
		PostgresURL:  os.Getenv("CHAINLOG_POSTGRES_URL"),
		RedisURL:     os.Getenv("CHAINLOG_REDIS_URL"),
		KafkaTopic:   envOr("CHAINLOG_KAFKA_TOPIC", "audit.entries"),
		StoreTimeout: durationOr("CHAINLOG_STORE_TIMEOUT", 5*time.Second),
		AdminJWTKey:  os.Getenv("CHAINLOG_ADMIN_JWT_KEY"),
	}

	if brokers := os.Getenv("CHAINLOG_KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}
	cfg.ReplayInterval = durationOr("CHAINLOG_REPLAY_INTERVAL", 0)

	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
