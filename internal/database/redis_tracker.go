package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"upbit-trading-bot/config"
)

// RedisTracker mirrors live pending orders into Redis so operators and
// dashboards can observe them without hitting PostgreSQL. The mirror is
// best-effort: every write degrades to a log line when Redis is down, and
// PostgreSQL remains the source of truth.
type RedisTracker struct {
	client  *redis.Client
	enabled bool
	logger  zerolog.Logger
}

const (
	redisPendingKeyPrefix = "pending_order:"
	redisPendingSetKey    = "pending_orders:active"
	redisPendingTTL       = 6 * time.Hour
)

// NewRedisTracker connects to Redis. A connection failure disables the
// mirror rather than failing startup.
func NewRedisTracker(cfg config.RedisConfig, logger zerolog.Logger) *RedisTracker {
	log := logger.With().Str("component", "redis_tracker").Logger()

	t := &RedisTracker{logger: log}
	if !cfg.Enabled {
		log.Info().Msg("redis mirror disabled by config")
		return t
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis unreachable, mirror disabled")
		_ = client.Close()
		return t
	}

	t.client = client
	t.enabled = true
	log.Info().Str("address", cfg.Address).Msg("redis mirror connected")
	return t
}

// Enabled reports whether the mirror is live.
func (t *RedisTracker) Enabled() bool { return t.enabled }

// Close releases the Redis connection.
func (t *RedisTracker) Close() {
	if t.client != nil {
		_ = t.client.Close()
	}
}

// MirrorPending writes or refreshes the live view of a pending order.
func (t *RedisTracker) MirrorPending(ctx context.Context, p *PendingOrder) {
	if !t.enabled {
		return
	}

	data, err := json.Marshal(p)
	if err != nil {
		t.logger.Error().Err(err).Str("order_id", p.OrderID).Msg("marshal pending order for mirror")
		return
	}

	key := redisPendingKeyPrefix + p.OrderID
	pipe := t.client.Pipeline()
	pipe.Set(ctx, key, data, redisPendingTTL)
	pipe.SAdd(ctx, redisPendingSetKey, p.OrderID)
	if _, err := pipe.Exec(ctx); err != nil {
		t.logger.Warn().Err(err).Str("order_id", p.OrderID).Msg("redis mirror write failed")
	}
}

// RemovePending drops a finalized order from the live view.
func (t *RedisTracker) RemovePending(ctx context.Context, orderID string) {
	if !t.enabled {
		return
	}

	pipe := t.client.Pipeline()
	pipe.Del(ctx, redisPendingKeyPrefix+orderID)
	pipe.SRem(ctx, redisPendingSetKey, orderID)
	if _, err := pipe.Exec(ctx); err != nil {
		t.logger.Warn().Err(err).Str("order_id", orderID).Msg("redis mirror delete failed")
	}
}

// ListPending returns the mirrored live orders. Errors return an empty list;
// callers needing authoritative data read PostgreSQL instead.
func (t *RedisTracker) ListPending(ctx context.Context) []PendingOrder {
	if !t.enabled {
		return nil
	}

	ids, err := t.client.SMembers(ctx, redisPendingSetKey).Result()
	if err != nil {
		t.logger.Warn().Err(err).Msg("redis mirror list failed")
		return nil
	}

	var orders []PendingOrder
	for _, id := range ids {
		data, err := t.client.Get(ctx, redisPendingKeyPrefix+id).Bytes()
		if err != nil {
			// Expired entry, clean up the set member.
			_ = t.client.SRem(ctx, redisPendingSetKey, id).Err()
			continue
		}
		var p PendingOrder
		if err := json.Unmarshal(data, &p); err != nil {
			t.logger.Warn().Err(err).Str("order_id", id).Msg("corrupt mirror entry dropped")
			_ = t.client.Del(ctx, redisPendingKeyPrefix+id).Err()
			_ = t.client.SRem(ctx, redisPendingSetKey, id).Err()
			continue
		}
		orders = append(orders, p)
	}
	return orders
}

// HealthCheck pings Redis for the status endpoint.
func (t *RedisTracker) HealthCheck(ctx context.Context) error {
	if !t.enabled {
		return fmt.Errorf("redis mirror disabled")
	}
	return t.client.Ping(ctx).Err()
}
