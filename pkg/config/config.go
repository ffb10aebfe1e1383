package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the bracket engine.
type Config struct {
	Port string

	// Database
	DBPath string

	// Auth
	JWTSecret string

	// Broker
	BrokerBaseURL     string
	SystemUserID      int64
	SystemClientID    string
	SystemAccessToken string
	BrokerMaxAttempts int
	BrokerRetryDelay  time.Duration

	// Instruments and market data
	InstrumentsCSV    string
	InstrumentsReload time.Duration
	IndexStreamURL    string
	IndexSecurityIDs  map[string]string // index name -> security id on IDX_I

	// Trade event sink
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TradeStream   string

	Limits  Limits
	Engines Engines

	CredentialCacheTTL time.Duration
}

// Limits configures the broker market-data rate limiter.
type Limits struct {
	GlobalQuota      int           `yaml:"global_quota"`
	GlobalWindow     time.Duration `yaml:"global_window"`
	IdentityInterval time.Duration `yaml:"identity_interval"`
}

// Engines configures the background loop periods and price freshness.
type Engines struct {
	OCOInterval      time.Duration `yaml:"oco_interval"`
	TrailingInterval time.Duration `yaml:"trailing_interval"`
	SyncInterval     time.Duration `yaml:"sync_interval"`

	PriceFreshness     time.Duration `yaml:"price_freshness"`
	PriceBatchInterval time.Duration `yaml:"price_batch_interval"`
	PriceWait          time.Duration `yaml:"price_wait"`
	PriceCacheMaxAge   time.Duration `yaml:"price_cache_max_age"`

	FillPollAttempts int           `yaml:"fill_poll_attempts"`
	FillPollInterval time.Duration `yaml:"fill_poll_interval"`
}

// Load reads environment variables (optionally via .env) into Config.
// When ENGINE_CONFIG names a YAML file its values override the env defaults.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	indexIDs, err := parsePairs(getEnv("INDEX_SECURITY_IDS", "NIFTY=13,BANKNIFTY=25,NIFTY100=17"))
	if err != nil {
		return nil, fmt.Errorf("INDEX_SECURITY_IDS: %w", err)
	}

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		DBPath:            getEnv("DB_PATH", "./data/bracket.db"),
		JWTSecret:         getEnv("JWT_SECRET", "dev-secret"),
		BrokerBaseURL:     getEnv("BROKER_BASE_URL", "https://api.dhan.co"),
		SystemUserID:      int64(getEnvInt("SYSTEM_USER_ID", 9999)),
		SystemClientID:    os.Getenv("SYSTEM_CLIENT_ID"),
		SystemAccessToken: os.Getenv("SYSTEM_ACCESS_TOKEN"),
		BrokerMaxAttempts: getEnvInt("BROKER_MAX_ATTEMPTS", 3),
		BrokerRetryDelay:  getEnvDuration("BROKER_RETRY_DELAY", 1500*time.Millisecond),
		InstrumentsCSV:    getEnv("INSTRUMENTS_CSV", "./data/api-scrip-master.csv"),
		InstrumentsReload: getEnvDuration("INSTRUMENTS_RELOAD", 24*time.Hour),
		IndexStreamURL:    os.Getenv("INDEX_STREAM_URL"),
		IndexSecurityIDs:  indexIDs,
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		TradeStream:       getEnv("TRADE_STREAM", "manual-trades"),
		Limits: Limits{
			GlobalQuota:      getEnvInt("RATE_GLOBAL_QUOTA", 900),
			GlobalWindow:     getEnvDuration("RATE_GLOBAL_WINDOW", 60*time.Second),
			IdentityInterval: getEnvDuration("RATE_IDENTITY_INTERVAL", time.Second),
		},
		Engines: Engines{
			OCOInterval:        getEnvDuration("OCO_INTERVAL", 2*time.Second),
			TrailingInterval:   getEnvDuration("TRAILING_INTERVAL", 3*time.Second),
			SyncInterval:       getEnvDuration("SYNC_INTERVAL", 10*time.Second),
			PriceFreshness:     getEnvDuration("PRICE_FRESHNESS", 30*time.Second),
			PriceBatchInterval: getEnvDuration("PRICE_BATCH_INTERVAL", 20*time.Second),
			PriceWait:          getEnvDuration("PRICE_WAIT", 300*time.Millisecond),
			PriceCacheMaxAge:   getEnvDuration("PRICE_CACHE_MAX_AGE", 12*time.Hour),
			FillPollAttempts:   getEnvInt("FILL_POLL_ATTEMPTS", 40),
			FillPollInterval:   getEnvDuration("FILL_POLL_INTERVAL", time.Second),
		},
		CredentialCacheTTL: getEnvDuration("CREDENTIAL_CACHE_TTL", 5*time.Minute),
	}

	if path := os.Getenv("ENGINE_CONFIG"); path != "" {
		if err := cfg.applyOverlay(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the engines cannot run with.
func (c *Config) Validate() error {
	if c.Limits.GlobalQuota <= 0 || c.Limits.GlobalWindow <= 0 {
		return fmt.Errorf("rate limit quota and window must be positive")
	}
	if c.Limits.IdentityInterval < time.Second {
		return fmt.Errorf("identity interval must be at least 1s, got %s", c.Limits.IdentityInterval)
	}
	if c.InstrumentsReload <= 0 {
		return fmt.Errorf("instruments reload interval must be positive")
	}
	if c.BrokerMaxAttempts < 1 {
		return fmt.Errorf("broker max attempts must be >= 1")
	}
	e := c.Engines
	if e.OCOInterval <= 0 || e.TrailingInterval <= 0 || e.SyncInterval <= 0 || e.PriceBatchInterval <= 0 {
		return fmt.Errorf("engine intervals must be positive")
	}
	if e.FillPollAttempts < 1 {
		return fmt.Errorf("fill poll attempts must be >= 1")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// parsePairs reads "A=1,B=2" into a map.
func parsePairs(val string) (map[string]string, error) {
	out := make(map[string]string)
	for _, p := range splitAndTrim(val) {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			return nil, fmt.Errorf("malformed pair %q", p)
		}
		out[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return out, nil
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
