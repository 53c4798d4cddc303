package config

import "fmt"

// Validate checks field combinations that ApplyDefaults and env overrides
// alone cannot guarantee are consistent.
func Validate(cfg *Config) error {
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url (DATABASE_URL) is required")
	}

	switch cfg.SessionLock.Backend {
	case "inmemory":
	case "redis":
		if isBlank(cfg.SessionLock.RedisURL) {
			return fmt.Errorf("session_lock.redis_url (SESSION_LOCK_REDIS_URL) is required when session_lock.backend is %q", "redis")
		}
	default:
		return fmt.Errorf("session_lock.backend must be %q or %q, got %q", "inmemory", "redis", cfg.SessionLock.Backend)
	}

	switch cfg.VoiceMode {
	case "disabled", "enabled":
	default:
		return fmt.Errorf("voice_mode must be %q or %q, got %q", "disabled", "enabled", cfg.VoiceMode)
	}
	if cfg.VoiceMode == "enabled" && isBlank(cfg.Mongo.URI) {
		return fmt.Errorf("mongo.uri (MONGO_URI) is required when voice_mode is %q", "enabled")
	}

	if cfg.JobWorker.LeaseSeconds <= 0 {
		return fmt.Errorf("job_worker.lease_seconds must be positive")
	}
	if cfg.JobWorker.Concurrency <= 0 {
		return fmt.Errorf("job_worker.concurrency must be positive")
	}

	if cfg.RateLimit.Clustered && cfg.SessionLock.Backend != "redis" {
		return fmt.Errorf("rate_limit.clustered requires session_lock.backend to be %q", "redis")
	}

	return nil
}
