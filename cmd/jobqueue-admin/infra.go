package main

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/target/mmk-jobqueue/config"
	"github.com/target/mmk-jobqueue/internal/bootstrap"
)

var errRedisNotConfigured = errors.New("redis not configured")

func connectDB(a *app) (*sql.DB, error) {
	db, err := bootstrap.ConnectDB(bootstrap.DatabaseConfig{DBConfig: a.cfg.Postgres, Logger: a.logger})
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	return db, nil
}

// connectRedis returns errRedisNotConfigured when Redis is disabled or has no
// address for the selected topology.
//
//nolint:ireturn // the client type follows the configured topology.
func connectRedis(a *app) (redis.UniversalClient, error) {
	if !hasRedisConfig(&a.cfg.Redis) {
		return nil, errRedisNotConfigured
	}
	client, err := bootstrap.ConnectRedis(bootstrap.DatabaseConfig{RedisConfig: a.cfg.Redis, Logger: a.logger})
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

func hasRedisConfig(cfg *config.RedisConfig) bool {
	switch {
	case cfg == nil || !cfg.Enabled:
		return false
	case cfg.UseSentinel:
		return len(cfg.SentinelNodes) > 0
	case cfg.UseCluster:
		return len(cfg.ClusterNodes) > 0 || cfg.URI != ""
	default:
		return cfg.URI != ""
	}
}
