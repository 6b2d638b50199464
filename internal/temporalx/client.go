package temporalx

import (
	"context"
	"fmt"
	"time"

	sdkclient "go.temporal.io/sdk/client"

	"github.com/kosmos-run/kosmos/internal/platform/logger"
)

// dialMaxAttempts/dialBackoff bound how long NewClient retries an initial
// connection before giving up — a Temporal server started by the same
// compose/k8s manifest as kosmosd is frequently still coming up when
// kosmosd itself starts.
const (
	dialMaxAttempts = 5
	dialBackoff     = 2 * time.Second
)

// NewClient dials the Temporal frontend at cfg.Address, retrying a few
// times on a transient connection failure before giving up. It does not
// attempt mTLS or namespace auto-registration; those are cluster-operations
// concerns handled outside this process, the same way store.Open never
// creates the database it connects to.
func NewClient(ctx context.Context, cfg Config, log *logger.Logger) (sdkclient.Client, error) {
	var lastErr error
	for attempt := 1; attempt <= dialMaxAttempts; attempt++ {
		c, err := sdkclient.Dial(sdkclient.Options{
			HostPort:  cfg.Address,
			Namespace: cfg.Namespace,
		})
		if err == nil {
			return c, nil
		}
		lastErr = err
		log.Warn("temporal dial failed, retrying", "attempt", attempt, "address", cfg.Address, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(dialBackoff):
		}
	}
	return nil, fmt.Errorf("temporal: dial %s after %d attempts: %w", cfg.Address, dialMaxAttempts, lastErr)
}
