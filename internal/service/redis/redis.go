package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

type (
	RedisService struct {
		rdb *redis.Client
	}
)

// Nil is returned by reads of missing keys.
var Nil = redis.Nil

// ErrTxFailed is returned by Watch when a watched key changed before EXEC.
var ErrTxFailed = redis.TxFailedErr

func NewRedis(rdb *redis.Client) *RedisService {
	return &RedisService{
		rdb: rdb,
	}
}

// Connect parses url, checks the connection and wraps the client.
func Connect(ctx context.Context, url string) (*RedisService, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return NewRedis(rdb), nil
}

func (r *RedisService) Client() *redis.Client {
	return r.rdb
}

func (r *RedisService) Close() error {
	return r.rdb.Close()
}

func (r *RedisService) Del(ctx context.Context, keys ...string) error {
	return r.rdb.Del(ctx, keys...).Err()
}

func (r *RedisService) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

func (r *RedisService) Get(ctx context.Context, key string) (string, error) {
	return r.rdb.Get(ctx, key).Result()
}

func (r *RedisService) HSet(ctx context.Context, key string, values ...any) error {
	return r.rdb.HSet(ctx, key, values...).Err()
}

func (r *RedisService) HSetNX(ctx context.Context, key, field string, value any) (bool, error) {
	return r.rdb.HSetNX(ctx, key, field, value).Result()
}

func (r *RedisService) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.rdb.HGetAll(ctx, key).Result()
}

func (r *RedisService) HLen(ctx context.Context, key string) (int64, error) {
	return r.rdb.HLen(ctx, key).Result()
}

func (r *RedisService) HMGet(ctx context.Context, key string, fields ...string) ([]any, error) {
	return r.rdb.HMGet(ctx, key, fields...).Result()
}

func (r *RedisService) ZRange(ctx context.Context, key string) ([]string, error) {
	return r.rdb.ZRange(ctx, key, 0, -1).Result()
}

func (r *RedisService) ZRangeByScore(ctx context.Context, key, min, max string) ([]string, error) {
	return r.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: max}).Result()
}

// XAddArgs appends values to stream under a server assigned id, trimming
// it to roughly maxLen entries.
func XAddArgs(stream string, maxLen int64, values map[string]any) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		ID:     "*",
		Values: values,
	}
}

func (r *RedisService) XAdd(ctx context.Context, stream string, maxLen int64, values map[string]any) (string, error) {
	return r.rdb.XAdd(ctx, XAddArgs(stream, maxLen, values)).Result()
}

// XRead returns up to count entries after lastID, blocking up to block
// when none are available. A timeout yields an empty slice.
func (r *RedisService) XRead(ctx context.Context, stream, lastID string, count int64, block time.Duration) ([]redis.XMessage, error) {
	res, err := r.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Count:   count,
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, nil
	}
	return res[0].Messages, nil
}

func (r *RedisService) XDel(ctx context.Context, stream string, ids ...string) (int64, error) {
	return r.rdb.XDel(ctx, stream, ids...).Result()
}

// Watch runs fn in an optimistic transaction over keys. fn must queue its
// writes with tx.TxPipelined.
func (r *RedisService) Watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	return r.rdb.Watch(ctx, fn, keys...)
}

// TxPipelined queues the writes of fn inside MULTI/EXEC.
func (r *RedisService) TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) error {
	_, err := r.rdb.TxPipelined(ctx, fn)
	return err
}
