package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/fraterny/quest-backend/internal/platform/ctxutil"
	"github.com/fraterny/quest-backend/internal/platform/envutil"
	"github.com/fraterny/quest-backend/internal/platform/logger"
)

// Deduper hands out short-lived exclusive claims so the same submission
// is never analyzed twice concurrently. Claims expire on their own; a
// crashed worker just lets the TTL lapse.
type Deduper interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type deduper struct {
	log *logger.Logger
	rdb *goredis.Client
}

func NewDeduper(log *logger.Logger) (Deduper, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	addr := envutil.String("REDIS_ADDR", "localhost:6379")
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: envutil.String("REDIS_PASSWORD", ""),
		DB:       envutil.Int("REDIS_DB", 0),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &deduper{
		log: log.With("client", "RedisDeduper"),
		rdb: rdb,
	}, nil
}

func (d *deduper) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if d == nil || d.rdb == nil {
		return false, fmt.Errorf("redis deduper unavailable")
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	ok, err := d.rdb.SetNX(ctxutil.Default(ctx), key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: setnx %q: %w", key, err)
	}
	return ok, nil
}

func (d *deduper) Release(ctx context.Context, key string) error {
	if d == nil || d.rdb == nil {
		return fmt.Errorf("redis deduper unavailable")
	}
	if err := d.rdb.Del(ctxutil.Default(ctx), key).Err(); err != nil {
		return fmt.Errorf("redis: del %q: %w", key, err)
	}
	return nil
}
