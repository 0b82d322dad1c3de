package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/GoPolymarket/apigate/internal/config"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type RedisClient struct {
	Client *redis.Client
}

func NewRedisClient(cfg config.RedisConfig) (*RedisClient, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is empty")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisClient{Client: rdb}, nil
}

func (r *RedisClient) Close() error {
	return r.Client.Close()
}

// 仅当锁仍属于自己时才删除
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisSweepLock keeps replicas sharing one database from sweeping the
// same tables at the same time.
type RedisSweepLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	owner  string
}

func NewRedisSweepLock(client *RedisClient, cfg config.RedisConfig) *RedisSweepLock {
	key := cfg.SweepLockKey
	if key == "" {
		key = "apigate:audit:retention_lock"
	}
	ttl := time.Duration(cfg.SweepLockTTLSecs) * time.Second
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisSweepLock{
		client: client.Client,
		key:    key,
		ttl:    ttl,
		owner:  uuid.New().String(),
	}
}

// TryAcquire returns false without error when another replica holds the lock.
func (l *RedisSweepLock) TryAcquire(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
}

func (l *RedisSweepLock) Release(ctx context.Context) error {
	err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Err()
	if err == redis.Nil {
		return nil
	}
	return err
}
