package jobs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	redis "github.com/redis/go-redis/v9"
)

// StoreConfig は OpenStore に渡す接続設定です。
type StoreConfig struct {
	Kind     string // memory / sqlite / redis
	DBPath   string
	RedisURL string
}

// OpenStore は設定に応じた Store を開きます。redis は接続確認まで行います。
func OpenStore(ctx context.Context, cfg StoreConfig, opts ...StoreOption) (Store, error) {
	switch cfg.Kind {
	case "", "memory":
		return NewMemoryStore(opts...), nil
	case "sqlite":
		if cfg.DBPath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o750); err != nil {
				return nil, fmt.Errorf("failed to create db dir: %w", err)
			}
		}
		store, err := NewSQLiteStore(cfg.DBPath, opts...)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "redis":
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return NewRedisStore(rdb, opts...), nil
	default:
		return nil, fmt.Errorf("unknown job store %q", cfg.Kind)
	}
}
