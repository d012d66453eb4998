package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jaennil/guide_helper/media/internal/entity"
	"github.com/jaennil/guide_helper/media/pkg/logger"
	"github.com/redis/go-redis/v9"
)

const (
	fieldData        = "data"
	fieldContentType = "content_type"
)

type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger logger.Logger
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

func NewRedisStore(cfg RedisConfig, l logger.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w: %w", err, entity.ErrBackendUnavailable)
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 24 * time.Hour // default TTL
	}

	l.Info("redis tile store connected", "addr", cfg.Addr, "ttl", ttl)

	return &RedisStore{
		client: client,
		ttl:    ttl,
		logger: l,
	}, nil
}

var _ TileStore = (*RedisStore)(nil)

func (c *RedisStore) keyFor(k TileKey) string {
	return "tile:" + k.String()
}

func (c *RedisStore) Get(ctx context.Context, k TileKey) (TileValue, bool, error) {
	key := c.keyFor(k)

	vals, err := c.client.HMGet(ctx, key, fieldData, fieldContentType).Result()
	if err != nil {
		return TileValue{}, false, fmt.Errorf("redis get %s: %w: %w", key, err, entity.ErrBackendUnavailable)
	}
	data, ok1 := vals[0].(string)
	contentType, ok2 := vals[1].(string)
	if !ok1 || !ok2 {
		return TileValue{}, false, nil
	}

	return TileValue{Data: []byte(data), ContentType: contentType}, true, nil
}

func (c *RedisStore) Set(ctx context.Context, k TileKey, v TileValue) error {
	key := c.keyFor(k)

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fieldData, v.Data, fieldContentType, v.ContentType)
		pipe.Expire(ctx, key, c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set %s: %w: %w", key, err, entity.ErrBackendUnavailable)
	}

	return nil
}

func (c *RedisStore) Close() error {
	if err := c.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}
