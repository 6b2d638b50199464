// Package config loads engine configuration from the environment, using a
// plain env-var convention (no viper/cobra).
package config

import (
	"time"

	"github.com/kosmos-run/kosmos/internal/platform/logger"
	"github.com/kosmos-run/kosmos/internal/utils"
)

// Config holds process-wide settings resolved once at startup.
type Config struct {
	DatabaseURL  string
	RedisAddr    string
	OTLPEndpoint string
	LogMode      string
	PollInterval time.Duration
	DefaultDRM   string
	DefaultQueue string

	TemporalAddress   string
	TemporalNamespace string
	TemporalTaskQueue string
}

// Load resolves Config from the environment, logging what it finds or
// defaults (mirrors utils.GetEnv/GetEnvAsInt's self-logging style).
func Load(log *logger.Logger) *Config {
	return &Config{
		DatabaseURL:       utils.GetEnv("KOSMOS_DATABASE_URL", "", log),
		RedisAddr:         utils.GetEnv("KOSMOS_REDIS_ADDR", "", log),
		OTLPEndpoint:      utils.GetEnv("KOSMOS_OTLP_ENDPOINT", "", log),
		LogMode:           utils.GetEnv("KOSMOS_LOG_MODE", "development", log),
		PollInterval:      utils.GetEnvAsDuration("KOSMOS_POLL_INTERVAL_MS", 300*time.Millisecond, log),
		DefaultDRM:        utils.GetEnv("KOSMOS_DEFAULT_DRM", "local", log),
		DefaultQueue:      utils.GetEnv("KOSMOS_DEFAULT_QUEUE", "", log),
		TemporalAddress:   utils.GetEnv("KOSMOS_TEMPORAL_ADDRESS", "", log),
		TemporalNamespace: utils.GetEnv("KOSMOS_TEMPORAL_NAMESPACE", "kosmos", log),
		TemporalTaskQueue: utils.GetEnv("KOSMOS_TEMPORAL_TASK_QUEUE", "kosmos-execution", log),
	}
}
