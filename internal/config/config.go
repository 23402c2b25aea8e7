package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ListenAddr  string
	DatabaseURL string
	RedisURL    string

	CookieHashKey          []byte
	CookieBlockKey         []byte
	OperatorPasswordBcrypt string

	// upstream
	TotoroBaseURL    string
	TotoroPublicKey  string
	TotoroPrivateKey string
	UpstreamTimeout  time.Duration
	UpstreamRetries  int
	UpstreamRPS      float64

	// scheduler
	PollInterval time.Duration
	BatchLimit   int
	Workers      int
	RefreshMin   time.Duration
	RefreshMax   time.Duration
	ClaimTTL     time.Duration

	// reservation
	ReserveTimezone string
	ReserveWindow   string
	InitialBonus    int

	LogLevel  string
	LogFormat string
}

// LoadDotEnv reads .env files into the environment without overriding
// variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// FromEnv reads the process configuration. Cookie keys are optional here;
// commands that serve HTTP call RequireCookieKeys.
func FromEnv() (Config, error) {
	cfg := Config{
		ListenAddr:             getenv("LISTEN_ADDR", ":8080"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisURL:               os.Getenv("REDIS_URL"),
		OperatorPasswordBcrypt: os.Getenv("OPERATOR_PASSWORD_BCRYPT"),
		TotoroBaseURL:          getenv("TOTORO_BASE_URL", "https://app.xtotoro.com/app"),
		TotoroPublicKey:        os.Getenv("TOTORO_PUBLIC_KEY"),
		TotoroPrivateKey:       os.Getenv("TOTORO_PRIVATE_KEY"),
		ReserveTimezone:        getenv("RESERVE_TIMEZONE", "Asia/Shanghai"),
		ReserveWindow:          getenv("RESERVE_WINDOW", "06:35-08:25"),
		LogLevel:               getenv("LOG_LEVEL", "info"),
		LogFormat:              getenv("LOG_FORMAT", "console"),
	}

	var err error
	ints := []struct {
		key   string
		def   int
		floor int
		dst   *int
	}{
		{"UPSTREAM_RETRIES", 2, 0, &cfg.UpstreamRetries},
		{"SCHED_BATCH_LIMIT", 100, 1, &cfg.BatchLimit},
		{"SCHED_WORKERS", 4, 1, &cfg.Workers},
		{"INITIAL_BONUS_CREDITS", 1, 0, &cfg.InitialBonus},
	}
	for _, v := range ints {
		if *v.dst, err = intEnv(v.key, v.def, v.floor); err != nil {
			return Config{}, err
		}
	}

	durations := []struct {
		key  string
		def  int
		unit time.Duration
		dst  *time.Duration
	}{
		{"UPSTREAM_TIMEOUT_SECONDS", 12, time.Second, &cfg.UpstreamTimeout},
		{"SCHED_POLL_SECONDS", 60, time.Second, &cfg.PollInterval},
		{"REFRESH_MIN_MINUTES", 20, time.Minute, &cfg.RefreshMin},
		{"REFRESH_MAX_MINUTES", 40, time.Minute, &cfg.RefreshMax},
		{"CLAIM_TTL_SECONDS", 120, time.Second, &cfg.ClaimTTL},
	}
	for _, v := range durations {
		n, err := intEnv(v.key, v.def, 1)
		if err != nil {
			return Config{}, err
		}
		*v.dst = time.Duration(n) * v.unit
	}
	if cfg.RefreshMax < cfg.RefreshMin {
		return Config{}, fmt.Errorf("REFRESH_MAX_MINUTES must be >= REFRESH_MIN_MINUTES")
	}

	rps, err := strconv.ParseFloat(getenv("UPSTREAM_RPS", "8"), 64)
	if err != nil || rps <= 0 {
		return Config{}, fmt.Errorf("invalid UPSTREAM_RPS")
	}
	cfg.UpstreamRPS = rps

	if v := os.Getenv("COOKIE_HASH_KEY"); v != "" {
		if cfg.CookieHashKey, err = decodeB64(v); err != nil {
			return Config{}, fmt.Errorf("COOKIE_HASH_KEY: %w", err)
		}
	}
	if v := os.Getenv("COOKIE_BLOCK_KEY"); v != "" {
		if cfg.CookieBlockKey, err = decodeB64(v); err != nil {
			return Config{}, fmt.Errorf("COOKIE_BLOCK_KEY: %w", err)
		}
	}
	return cfg, nil
}

func (c Config) RequireCookieKeys() error {
	if len(c.CookieHashKey) == 0 || len(c.CookieBlockKey) == 0 {
		return fmt.Errorf("COOKIE_HASH_KEY and COOKIE_BLOCK_KEY are required (32 and 16/24/32 bytes base64)")
	}
	switch len(c.CookieBlockKey) {
	case 16, 24, 32:
	default:
		return fmt.Errorf("COOKIE_BLOCK_KEY must decode to 16, 24 or 32 bytes, got %d", len(c.CookieBlockKey))
	}
	return nil
}

func decodeB64(s string) ([]byte, error) {
	b, err := os.ReadFile(s)
	if err == nil {
		// allow pointing to file path for k8s secret mounts
		s = string(b)
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(s))
}

func intEnv(k string, def, floor int) (int, error) {
	n, err := strconv.Atoi(getenv(k, strconv.Itoa(def)))
	if err != nil || n < floor {
		return 0, fmt.Errorf("invalid %s", k)
	}
	return n, nil
}

func getenv(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}
