package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads an optional YAML base file, applies defaults, then applies
// environment variable overrides (which always take precedence), and
// validates the result. path may be empty, in which case the config is
// built from defaults and the environment alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	ApplyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies the environment variables named in spec.md §6.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("DATABASE_CONNECTION_LIMIT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Database.ConnectionLimit = i
		}
	}
	if v := os.Getenv("DATABASE_POOL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Database.PoolTimeout = d
		}
	}
	if v := os.Getenv("DATABASE_CONNECT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Database.ConnectTimeout = d
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("API_KEY_PREFIX"); v != "" {
		cfg.APIKeyPrefix = v
	}
	if v := os.Getenv("AUDIO_STORAGE_DIR"); v != "" {
		cfg.AudioStorageDir = v
	}
	if v := os.Getenv("VOICE_MODE"); v != "" {
		cfg.VoiceMode = v
	}

	if v := os.Getenv("MONGO_URI"); v != "" {
		cfg.Mongo.URI = v
	}
	if v := os.Getenv("MONGO_DATABASE"); v != "" {
		cfg.Mongo.Database = v
	}

	if v := os.Getenv("SESSION_LOCK_BACKEND"); v != "" {
		cfg.SessionLock.Backend = v
	}
	if v := os.Getenv("SESSION_LOCK_REDIS_URL"); v != "" {
		cfg.SessionLock.RedisURL = v
	}
	if v := os.Getenv("SESSION_LOCK_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SessionLock.SweepInterval = d
		}
	}

	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}

	if v := os.Getenv("JOB_WORKER_POLL_SCHEDULE"); v != "" {
		cfg.JobWorker.PollSchedule = v
	}
	if v := os.Getenv("JOB_WORKER_LEASE_SECONDS"); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.JobWorker.LeaseSeconds = i
		}
	}
	if v := os.Getenv("JOB_WORKER_CONCURRENCY"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.JobWorker.Concurrency = i
		}
	}
	if v := os.Getenv("JOB_WORKER_CALLBACK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.JobWorker.CallbackTimeout = d
		}
	}

	if v := os.Getenv("RATE_LIMIT_INITIAL_TPM"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimit.InitialTPM = f
		}
	}
	if v := os.Getenv("RATE_LIMIT_MAX_TPM"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimit.MaxTPM = f
		}
	}
	if v := os.Getenv("RATE_LIMIT_CLUSTERED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.RateLimit.Clustered = b
		}
	}
}

// DatabaseURL builds the pgxpool connection string by appending the pool
// knobs as query parameters onto Database.URL, per spec.md §6's "database
// URL (with appended connection_limit, pool_timeout, connect_timeout)".
// Existing query parameters on the base URL are preserved.
func (c *Config) DatabaseURL() (string, error) {
	u, err := url.Parse(c.Database.URL)
	if err != nil {
		return "", fmt.Errorf("config: parse database url: %w", err)
	}
	q := u.Query()
	q.Set("connection_limit", strconv.Itoa(c.Database.ConnectionLimit))
	q.Set("pool_timeout", strconv.Itoa(int(c.Database.PoolTimeout.Seconds())))
	q.Set("connect_timeout", strconv.Itoa(int(c.Database.ConnectTimeout.Seconds())))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// isBlank reports whether every string in vs is empty after trimming.
func isBlank(vs ...string) bool {
	for _, v := range vs {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
