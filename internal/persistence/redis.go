package persistence

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-billing/internal/config"
)

// ErrRedisNotConfigured is returned by Ping on a nil client.
var ErrRedisNotConfigured = errors.New("redis client not configured")

// Redis holds the client shared by the usage cache and the trial reminder ledger.
type Redis struct {
	Client *redis.Client
}

// NewRedis builds the client. Redis is optional for correctness: an unreachable
// server only costs cache hits, so a failed ping is logged and not returned.
func NewRedis(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) *Redis {
	client := redis.NewClient(redisOptions(cfg))

	pingCtx, cancel := context.WithTimeout(ctx, 4*cfg.OpTimeout())
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("unable to reach redis; usage cache will fall back to postgres",
			zap.String("addr", cfg.Addr), zap.Error(err))
	} else {
		logger.Info("connected to redis", zap.String("addr", cfg.Addr))
	}

	return &Redis{Client: client}
}

func redisOptions(cfg config.RedisConfig) *redis.Options {
	timeout := cfg.OpTimeout()
	return &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  4 * timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		MaxRetries:   1,
	}
}

// Collectors exposes client pool statistics.
func (r *Redis) Collectors(namespace string) []prometheus.Collector {
	if r == nil || r.Client == nil {
		return nil
	}
	opts := func(name, help string) prometheus.GaugeOpts {
		return prometheus.GaugeOpts{Namespace: namespace, Subsystem: "redis_pool", Name: name, Help: help}
	}
	return []prometheus.Collector{
		prometheus.NewGaugeFunc(opts("total_conns", "Open connections to Redis."),
			func() float64 { return float64(r.Client.PoolStats().TotalConns) }),
		prometheus.NewGaugeFunc(opts("idle_conns", "Idle connections to Redis."),
			func() float64 { return float64(r.Client.PoolStats().IdleConns) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "redis_pool", Name: "timeouts_total",
			Help: "Times a connection could not be obtained in time.",
		}, func() float64 { return float64(r.Client.PoolStats().Timeouts) }),
	}
}

// Close closes the client.
func (r *Redis) Close() {
	if r != nil && r.Client != nil {
		_ = r.Client.Close()
	}
}

// Ping verifies Redis connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if r == nil || r.Client == nil {
		return ErrRedisNotConfigured
	}
	return r.Client.Ping(ctx).Err()
}
