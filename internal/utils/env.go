package utils

import (
	"os"
	"strconv"
	"time"

	"github.com/kosmos-run/kosmos/internal/platform/logger"
)

// GetEnv reads key from the environment, logging whether it fell back to
// defaultVal so a misconfigured deployment shows up in the startup log
// rather than silently running with a default.
func GetEnv(key, defaultVal string, log *logger.Logger) string {
	if log != nil {
		log = log.With("env_var", key)
	}
	val, ok := os.LookupEnv(key)
	if !ok {
		if log != nil {
			log.Debug("environment variable not found, using default", "default", defaultVal)
		}
		return defaultVal
	}
	if log != nil {
		log.Debug("environment variable found, using environment", "environment", val)
	}
	return val
}

// GetEnvAsInt is GetEnv for an integer-valued variable; an unparsable value
// falls back to defaultVal the same way an absent one does.
func GetEnvAsInt(key string, defaultVal int, log *logger.Logger) int {
	if log != nil {
		log = log.With("env_var", key)
	}
	valStr, ok := os.LookupEnv(key)
	if !ok {
		if log != nil {
			log.Debug("environment variable not found, using default", "default", defaultVal)
		}
		return defaultVal
	}
	i, err := strconv.Atoi(valStr)
	if err != nil {
		if log != nil {
			log.Debug("environment variable could not be parsed as int, using default", "providedVal", valStr, "defaultVal", defaultVal, "error", err)
		}
		return defaultVal
	}
	if log != nil {
		log.Debug("environment variable found, using it", "value", i)
	}
	return i
}

// GetEnvAsDuration reads key as a number of milliseconds and returns it as a
// time.Duration, for the handful of config knobs (poll interval, timeouts)
// that are stored as a plain millisecond integer but consumed as a Duration
// everywhere else in the engine.
func GetEnvAsDuration(key string, defaultVal time.Duration, log *logger.Logger) time.Duration {
	ms := GetEnvAsInt(key, int(defaultVal/time.Millisecond), log)
	return time.Duration(ms) * time.Millisecond
}
