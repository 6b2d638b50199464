package statusbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kosmos-run/kosmos/internal/platform/logger"
)

// RedisRelay publishes every StatusBus transition to a Redis channel for
// external dashboards/CLIs tailing execution state. It is additive only:
// the in-process synchronous contract of Bus is unaffected by a Redis
// outage.
type RedisRelay struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

// NewRedisRelay dials addr and pings it once; returns an error if Redis is
// unreachable so callers can decide whether a broken relay should be fatal
// at startup (it should not be, per KOSMOS_REDIS_ADDR being optional).
func NewRedisRelay(addr, channel string, baseLog *logger.Logger) (*RedisRelay, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis relay: empty address")
	}
	if channel == "" {
		channel = "kosmos.status"
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: addr, DialTimeout: 5 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisRelay{log: baseLog.With("component", "StatusBusRedisRelay"), rdb: rdb, channel: channel}, nil
}

// Publish implements Relay. Failures are logged and swallowed — the relay is
// best-effort, never a precondition for the engine's own progress.
func (r *RedisRelay) Publish(e Event) {
	if r == nil || r.rdb == nil {
		return
	}
	raw, err := json.Marshal(e)
	if err != nil {
		r.log.Warn("marshal status event failed", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.rdb.Publish(ctx, r.channel, raw).Err(); err != nil {
		r.log.Warn("publish status event to redis failed", "error", err)
	}
}

// Subscribe starts a background goroutine forwarding relayed events to onMsg
// until ctx is canceled, for external processes that want to tail execution
// state without talking to the Store directly.
func (r *RedisRelay) Subscribe(ctx context.Context, onMsg func(Event)) error {
	if r == nil || r.rdb == nil {
		return fmt.Errorf("redis relay not initialized")
	}
	sub := r.rdb.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}
	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var e Event
				if err := json.Unmarshal([]byte(m.Payload), &e); err != nil {
					r.log.Warn("bad status event payload", "error", err)
					continue
				}
				onMsg(e)
			}
		}
	}()
	return nil
}

func (r *RedisRelay) Close() error {
	if r == nil || r.rdb == nil {
		return nil
	}
	return r.rdb.Close()
}
