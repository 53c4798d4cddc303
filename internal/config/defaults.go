package config

import "time"

// Default returns a Config with every field set to its documented default.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills unset fields with their documented defaults without
// touching fields the caller (YAML or env overrides) already set.
func ApplyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.APIKeyPrefix == "" {
		cfg.APIKeyPrefix = "vb_live_"
	}
	if cfg.VoiceMode == "" {
		cfg.VoiceMode = "disabled"
	}

	if cfg.Database.ConnectionLimit == 0 {
		cfg.Database.ConnectionLimit = 10
	}
	if cfg.Database.PoolTimeout == 0 {
		cfg.Database.PoolTimeout = 10 * time.Second
	}
	if cfg.Database.ConnectTimeout == 0 {
		cfg.Database.ConnectTimeout = 5 * time.Second
	}

	if cfg.Mongo.Database == "" {
		cfg.Mongo.Database = "gateway"
	}

	if cfg.SessionLock.Backend == "" {
		cfg.SessionLock.Backend = "inmemory"
	}
	if cfg.SessionLock.SweepInterval == 0 {
		cfg.SessionLock.SweepInterval = 30 * time.Second
	}

	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}

	if cfg.JobWorker.PollSchedule == "" {
		cfg.JobWorker.PollSchedule = "@every 2s"
	}
	if cfg.JobWorker.LeaseSeconds == 0 {
		cfg.JobWorker.LeaseSeconds = 300
	}
	if cfg.JobWorker.Concurrency == 0 {
		cfg.JobWorker.Concurrency = 4
	}
	if cfg.JobWorker.CallbackTimeout == 0 {
		cfg.JobWorker.CallbackTimeout = 10 * time.Second
	}

	if cfg.RateLimit.InitialTPM == 0 {
		cfg.RateLimit.InitialTPM = 60000
	}
	if cfg.RateLimit.MaxTPM == 0 {
		cfg.RateLimit.MaxTPM = 240000
	}
}
