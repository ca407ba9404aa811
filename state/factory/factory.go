// Package factory builds a state.Store from environment configuration so
// callers choose a backend without importing driver packages.
package factory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/flowforgeHQ/stepflow-go/config"
	"github.com/flowforgeHQ/stepflow-go/state"
	redisstore "github.com/flowforgeHQ/stepflow-go/state/redis"
	sqlitestore "github.com/flowforgeHQ/stepflow-go/state/sqlite"
)

func FromEnv(ctx context.Context) (state.Store, error) {
	_ = ctx

	backend := strings.ToLower(config.Getenv("STEPFLOW_STATE_BACKEND", "sqlite"))
	switch backend {
	case "sqlite":
		path := config.Getenv("STEPFLOW_SQLITE_PATH", "./.stepflow/state.db")
		return sqlitestore.New(path)

	case "redis":
		addr := config.Getenv("STEPFLOW_REDIS_ADDR", "127.0.0.1:6379")
		opts := []redisstore.Option{
			redisstore.WithPassword(config.Getenv("STEPFLOW_REDIS_PASSWORD", "")),
			redisstore.WithDB(config.GetenvInt("STEPFLOW_REDIS_DB", 0)),
			redisstore.WithTTL(config.GetenvDuration("STEPFLOW_REDIS_TTL", 72*time.Hour)),
		}
		return redisstore.New(addr, opts...)

	default:
		return nil, fmt.Errorf("unsupported STEPFLOW_STATE_BACKEND %q (use sqlite or redis)", backend)
	}
}
