package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr   string
	APIKeys      []string
	DBPath       string
	ExtractorURL string
	CORSOrigins  []string
	RateLimitRPS int

	// Engine knobs.
	MaxAttempts        int
	BackoffBase        time.Duration
	BackoffCap         time.Duration
	StalenessThreshold time.Duration
	ClaimBatchSize     int
	TickTimeBudget     time.Duration

	// Pipeline knobs.
	BarrierPoll      time.Duration
	ChunkSize        int
	ChunkOverlap     int
	ExtractorTimeout time.Duration

	// DispatchInterval drives the in-process scheduled trigger. Zero disables
	// it; dispatch then only runs via the HTTP trigger endpoint.
	DispatchInterval time.Duration
}

// Load reads the full server configuration from the environment. API keys
// are mandatory here; admin tooling uses LoadTool.
func Load() (*Config, error) {
	cfg, err := LoadTool()
	if err != nil {
		return nil, err
	}

	rawKeys := getEnv("STUDYFORGE_API_KEYS", "")
	if rawKeys == "" {
		return nil, errors.New("STUDYFORGE_API_KEYS must not be empty")
	}
	for _, k := range strings.Split(rawKeys, ",") {
		k = strings.TrimSpace(k)
		if k != "" {
			cfg.APIKeys = append(cfg.APIKeys, k)
		}
	}
	if len(cfg.APIKeys) == 0 {
		return nil, errors.New("STUDYFORGE_API_KEYS contains no valid keys")
	}
	return cfg, nil
}

// LoadTool reads everything except the HTTP auth keys, for CLI tooling that
// talks to the store directly.
func LoadTool() (*Config, error) {
	cfg := &Config{
		ListenAddr:   getEnv("STUDYFORGE_LISTEN_ADDR", ":8080"),
		DBPath:       getEnv("STUDYFORGE_DB_PATH", "studyforge.db"),
		ExtractorURL: getEnv("STUDYFORGE_EXTRACTOR_URL", "http://localhost:9090"),
	}

	if raw := getEnv("STUDYFORGE_CORS_ORIGINS", ""); raw != "" {
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}

	var err error
	if cfg.RateLimitRPS, err = getEnvInt("STUDYFORGE_RATE_LIMIT_RPS", 5); err != nil {
		return nil, fmt.Errorf("STUDYFORGE_RATE_LIMIT_RPS: %w", err)
	}

	if cfg.MaxAttempts, err = getEnvInt("STUDYFORGE_MAX_ATTEMPTS", 5); err != nil {
		return nil, fmt.Errorf("STUDYFORGE_MAX_ATTEMPTS: %w", err)
	}
	if cfg.MaxAttempts < 1 {
		return nil, errors.New("STUDYFORGE_MAX_ATTEMPTS must be > 0")
	}

	if cfg.BackoffBase, err = getEnvDuration("STUDYFORGE_BACKOFF_BASE", 30*time.Second); err != nil {
		return nil, fmt.Errorf("STUDYFORGE_BACKOFF_BASE: %w", err)
	}
	if cfg.BackoffCap, err = getEnvDuration("STUDYFORGE_BACKOFF_CAP", 10*time.Minute); err != nil {
		return nil, fmt.Errorf("STUDYFORGE_BACKOFF_CAP: %w", err)
	}
	if cfg.BackoffCap < cfg.BackoffBase {
		return nil, errors.New("STUDYFORGE_BACKOFF_CAP must be >= STUDYFORGE_BACKOFF_BASE")
	}

	if cfg.StalenessThreshold, err = getEnvDuration("STUDYFORGE_STALENESS_THRESHOLD", 15*time.Minute); err != nil {
		return nil, fmt.Errorf("STUDYFORGE_STALENESS_THRESHOLD: %w", err)
	}
	if cfg.ClaimBatchSize, err = getEnvInt("STUDYFORGE_CLAIM_BATCH_SIZE", 8); err != nil {
		return nil, fmt.Errorf("STUDYFORGE_CLAIM_BATCH_SIZE: %w", err)
	}
	if cfg.ClaimBatchSize < 1 {
		return nil, errors.New("STUDYFORGE_CLAIM_BATCH_SIZE must be > 0")
	}
	if cfg.TickTimeBudget, err = getEnvDuration("STUDYFORGE_TICK_TIME_BUDGET", 4*time.Minute); err != nil {
		return nil, fmt.Errorf("STUDYFORGE_TICK_TIME_BUDGET: %w", err)
	}

	if cfg.BarrierPoll, err = getEnvDuration("STUDYFORGE_BARRIER_POLL", 15*time.Second); err != nil {
		return nil, fmt.Errorf("STUDYFORGE_BARRIER_POLL: %w", err)
	}
	if cfg.ChunkSize, err = getEnvInt("STUDYFORGE_CHUNK_SIZE", 800); err != nil {
		return nil, fmt.Errorf("STUDYFORGE_CHUNK_SIZE: %w", err)
	}
	if cfg.ChunkSize < 1 {
		return nil, errors.New("STUDYFORGE_CHUNK_SIZE must be > 0")
	}
	if cfg.ChunkOverlap, err = getEnvInt("STUDYFORGE_CHUNK_OVERLAP", 80); err != nil {
		return nil, fmt.Errorf("STUDYFORGE_CHUNK_OVERLAP: %w", err)
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		return nil, errors.New("STUDYFORGE_CHUNK_OVERLAP must be >= 0 and < STUDYFORGE_CHUNK_SIZE")
	}
	if cfg.ExtractorTimeout, err = getEnvDuration("STUDYFORGE_EXTRACTOR_TIMEOUT", 2*time.Minute); err != nil {
		return nil, fmt.Errorf("STUDYFORGE_EXTRACTOR_TIMEOUT: %w", err)
	}

	if cfg.DispatchInterval, err = getEnvDuration("STUDYFORGE_DISPATCH_INTERVAL", 30*time.Second); err != nil {
		return nil, fmt.Errorf("STUDYFORGE_DISPATCH_INTERVAL: %w", err)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return d, nil
}
