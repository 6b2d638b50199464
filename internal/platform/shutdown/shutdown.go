package shutdown

import (
	"context"
	"os/signal"
	"syscall"
)

// NotifyContext returns a context canceled on SIGINT or SIGTERM, per the
// scheduler's cancellation contract: the signal handler marks the execution
// for termination rather than killing the process directly.
func NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
