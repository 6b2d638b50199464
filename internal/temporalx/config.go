// Package temporalx wires a Temporal client for the engine's optional
// Temporal-driven run mode: internal/scheduler/temporalrun's workflow and
// activity drive the same Scheduler.Tick the local blocking run-loop uses,
// but from inside a Temporal worker instead of an in-process goroutine, so
// an Execution's progress survives the kosmosd process itself dying.
package temporalx

import "github.com/kosmos-run/kosmos/internal/utils"

// Config holds the Temporal connection settings for one process.
type Config struct {
	Address   string
	Namespace string
	TaskQueue string
}

// LoadConfig reads KOSMOS_TEMPORAL_* environment variables, defaulting
// Namespace and TaskQueue to values specific to this engine rather than the
// bare "default" Temporal ships with, so multiple engines can share one
// Temporal cluster without colliding on task queue names.
func LoadConfig() Config {
	return Config{
		Address:   utils.GetEnv("KOSMOS_TEMPORAL_ADDRESS", "127.0.0.1:7233", nil),
		Namespace: utils.GetEnv("KOSMOS_TEMPORAL_NAMESPACE", "kosmos", nil),
		TaskQueue: utils.GetEnv("KOSMOS_TEMPORAL_TASK_QUEUE", "kosmos-execution", nil),
	}
}
