package app

import (
	"database/sql"

	"github.com/RezaEskandarii/hpcfire/internal/launcher"
	"github.com/redis/go-redis/v9"
)

// ContainerOption configures Container creation. Used for testing and customization.
type ContainerOption func(*containerConfig)

type containerConfig struct {
	// Optional: inject custom connections instead of creating them from config
	db       *sql.DB
	redis    *redis.Client
	executor launcher.Executor
}

// WithDB injects a custom database connection. Useful for testing.
func WithDB(db *sql.DB) ContainerOption {
	return func(c *containerConfig) {
		c.db = db
	}
}

// WithRedis injects a custom Redis client. Useful for testing.
func WithRedis(redis *redis.Client) ContainerOption {
	return func(c *containerConfig) {
		c.redis = redis
	}
}

// WithExecutor replaces the local process executor.
func WithExecutor(executor launcher.Executor) ContainerOption {
	return func(c *containerConfig) {
		c.executor = executor
	}
}
