package kvstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces every key this store touches, so a KV-store redis
// instance can be shared with the rest of an account store without
// collisions.
const keyPrefix = "corerelay:kv:"

// Redis implements collab.KV over a go-redis client. Grounded on the
// teacher's internal/store/redis.go connection setup (dial/read/write
// timeouts, pool sizing) and its Get/SetNX/Expire usage elsewhere in that
// file.
type Redis struct {
	rdb *redis.Client
}

// NewRedis dials addr and verifies connectivity with a bounded ping.
func NewRedis(addr, password string, db int) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     20,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connect: %w", err)
	}
	return &Redis{rdb: rdb}, nil
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

func (r *Redis) key(k string) string { return keyPrefix + k }

// Incr implements collab.KV.
func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	return r.rdb.Incr(ctx, r.key(key)).Result()
}

// Expire implements collab.KV.
func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.rdb.Expire(ctx, r.key(key), ttl).Err()
}

// Get implements collab.KV.
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.rdb.Get(ctx, r.key(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Del implements collab.KV.
func (r *Redis) Del(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, r.key(key)).Err()
}

// SetEx implements collab.KV. ttl of zero means no expiry, matching the
// teacher's SetStainlessHeadersNX(..., 0) usage for permanent keys.
func (r *Redis) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.rdb.Set(ctx, r.key(key), value, ttl).Err()
}
