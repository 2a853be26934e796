// Package redis wires up the shared go-redis client used by Access
// Control's persistent blacklist store and the Observer's external
// sink fallback. Grounded on the teacher's client/redis/redis.go,
// fixed to take a self-contained Options type instead of the
// teacher snapshot's undefined config.RedisConfig, and constructed
// only when a component actually configures a Redis address rather
// than unconditionally at startup.
package redis

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options is the subset of Config.Access fields needed to dial Redis.
type Options struct {
	Addr     string
	Password string
}

// Connect dials addr and verifies connectivity with a bounded ping,
// mirroring the teacher's InitRedis.
func Connect(logger *slog.Logger, opts Options) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, err
	}

	logger.Info("successfully connected to redis", slog.String("addr", opts.Addr))
	return client, nil
}

// HealthCheck pings client with a short deadline, mirroring the
// teacher's RedisHealthCheck but returning the error instead of
// calling log.Fatal, since a sink outage must degrade, not crash the
// process (spec §7: "Observer sink errors never propagate to request
// handlers").
func HealthCheck(client *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := client.Ping(ctx).Result()
	return err
}
