package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend implements Backend on a shared redis instance. All keys are
// namespaced under a configurable prefix so several applications can share
// one database.
type RedisBackend struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

func NewRedisBackend(logger *slog.Logger, opts RedisOptions) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisBackend{
		client: client,
		prefix: opts.KeyPrefix,
		logger: logger.With(slog.String("component", "cache_redis")),
	}, nil
}

var _ Backend = (*RedisBackend)(nil)

func (b *RedisBackend) key(k string) string {
	return b.prefix + k
}

func (b *RedisBackend) wrap(err error) error {
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}

func (b *RedisBackend) Get(ctx context.Context, key string) (Item, bool, error) {
	pipe := b.client.Pipeline()
	getCmd := pipe.Get(ctx, b.key(key))
	ttlCmd := pipe.TTL(ctx, b.key(key))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Item{}, false, b.wrap(err)
	}
	val, err := getCmd.Bytes()
	if err == redis.Nil {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, b.wrap(err)
	}
	return Item{Value: val, TTL: ttlCmd.Val()}, true, nil
}

func (b *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := b.client.Set(ctx, b.key(key), value, ttl).Err(); err != nil {
		return b.wrap(err)
	}
	return nil
}

func (b *RedisBackend) MGet(ctx context.Context, keys []string) (map[string]Item, error) {
	if len(keys) == 0 {
		return map[string]Item{}, nil
	}
	// One pipeline round trip; GET alone would lose the remaining TTLs the
	// tier-1 promotion needs.
	pipe := b.client.Pipeline()
	getCmds := make([]*redis.StringCmd, len(keys))
	ttlCmds := make([]*redis.DurationCmd, len(keys))
	for i, key := range keys {
		getCmds[i] = pipe.Get(ctx, b.key(key))
		ttlCmds[i] = pipe.TTL(ctx, b.key(key))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, b.wrap(err)
	}

	found := make(map[string]Item)
	for i, key := range keys {
		val, err := getCmds[i].Bytes()
		if err != nil {
			continue // redis.Nil or per-key failure, treated as a miss
		}
		found[key] = Item{Value: val, TTL: ttlCmds[i].Val()}
	}
	return found, nil
}

func (b *RedisBackend) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := b.client.Pipeline()
	incrCmd := pipe.Incr(ctx, b.key(key))
	// NX: only the first increment of a window arms the expiry.
	pipe.ExpireNX(ctx, b.key(key), window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, b.wrap(err)
	}
	return incrCmd.Val(), nil
}

func (b *RedisBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = b.key(key)
	}
	if err := b.client.Del(ctx, prefixed...).Err(); err != nil {
		return b.wrap(err)
	}
	return nil
}

func (b *RedisBackend) DeletePattern(ctx context.Context, glob string) error {
	iter := b.client.Scan(ctx, 0, b.key(glob), 200).Iterator()
	batch := make([]string, 0, 200)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 200 {
			if err := b.client.Del(ctx, batch...).Err(); err != nil {
				return b.wrap(err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return b.wrap(err)
	}
	if len(batch) > 0 {
		if err := b.client.Del(ctx, batch...).Err(); err != nil {
			return b.wrap(err)
		}
	}
	return nil
}

func (b *RedisBackend) AddTag(ctx context.Context, tag string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	members := make([]interface{}, len(keys))
	for i, key := range keys {
		members[i] = b.key(key)
	}
	if err := b.client.SAdd(ctx, b.tagKey(tag), members...).Err(); err != nil {
		return b.wrap(err)
	}
	return nil
}

func (b *RedisBackend) InvalidateTag(ctx context.Context, tag string) error {
	members, err := b.client.SMembers(ctx, b.tagKey(tag)).Result()
	if err != nil {
		return b.wrap(err)
	}
	members = append(members, b.tagKey(tag))
	if err := b.client.Del(ctx, members...).Err(); err != nil {
		return b.wrap(err)
	}
	return nil
}

func (b *RedisBackend) tagKey(tag string) string {
	return b.prefix + "tag:" + tag
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}
