package config

import (
	"log"
	"os"
	"strconv"
	"strings"
)

// ExchangeCredentials holds one exchange's login material. All fields are
// optional — a public-data-only exchange capability needs none of them.
type ExchangeCredentials struct {
	APIKey     string
	ClientCode string
	Password   string
	TOTPSecret string
	WSURL      string
}

// Config holds all application configuration loaded from environment
// variables: a per-exchange credential table plus the core's tunables.
type Config struct {
	// Exchanges lists the exchange IDs to activate, e.g. "coinbase,kraken".
	Exchanges []string
	// Credentials is keyed by exchange ID exactly as listed in Exchanges,
	// with one entry for every listed ID, read from EXCHANGE_<ID>_* env vars
	// (ID upper-cased); fields whose env var is unset are empty.
	Credentials map[string]ExchangeCredentials

	RedisAddr     string
	RedisPassword string
	RedisMirror   bool

	AuditDBPath string
	AuditDB     bool

	CacheDir           string
	FetchConcurrency   int
	ShutdownGraceMillis int64
	SeedBarCount       int64
	QueueHighWaterMark int

	MetricsAddr string
	LogLevel    string
}

// Load reads configuration from environment variables with sensible
// defaults.
func Load() *Config {
	exchanges := splitCSV(getEnv("EXCHANGES", "coinbase"))
	creds := make(map[string]ExchangeCredentials, len(exchanges))
	for _, id := range exchanges {
		upper := strings.ToUpper(id)
		creds[id] = ExchangeCredentials{
			APIKey:     os.Getenv("EXCHANGE_" + upper + "_API_KEY"),
			ClientCode: os.Getenv("EXCHANGE_" + upper + "_CLIENT_CODE"),
			Password:   os.Getenv("EXCHANGE_" + upper + "_PASSWORD"),
			TOTPSecret: os.Getenv("EXCHANGE_" + upper + "_TOTP_SECRET"),
			WSURL:      os.Getenv("EXCHANGE_" + upper + "_WS_URL"),
		}
	}

	return &Config{
		Exchanges:   exchanges,
		Credentials: creds,

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisMirror:   getBool("REDIS_MIRROR", false),

		AuditDBPath: getEnv("AUDIT_DB_PATH", "data/audit.db"),
		AuditDB:     getBool("AUDIT_DB", false),

		CacheDir:            getEnv("CACHE_DIR", "data/cache"),
		FetchConcurrency:    getInt("FETCH_CONCURRENCY", 5),
		ShutdownGraceMillis: getInt64("SHUTDOWN_GRACE_MS", 2000),
		SeedBarCount:        getInt64("SEED_BAR_COUNT", 1000),
		QueueHighWaterMark:  getInt("QUEUE_HIGH_WATER_MARK", 10_000),

		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[config] invalid bool for %s=%q, using default", key, v)
		return fallback
	}
	return b
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid int for %s=%q, using default", key, v)
		return fallback
	}
	return n
}

func getInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Printf("[config] invalid int64 for %s=%q, using default", key, v)
		return fallback
	}
	return n
}
