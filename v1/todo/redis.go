package todo

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	tlerrors "github.com/mirkobrombin/go-todolock/v1/errors"
)

const (
	defaultRedisOpTimeout = 5 * time.Second
	defaultRedisPrefix    = "todolock:todo:"
	scanBatch             = 100
)

// RedisStore implements Store on Redis, one JSON document per item.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(s *RedisStore) { s.timeout = d }
}

// WithPrefix sets the key prefix of item documents.
func WithPrefix(p string) RedisOption {
	return func(s *RedisStore) { s.prefix = p }
}

// NewRedisStore returns a RedisStore using the provided client.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: defaultRedisPrefix, timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func mapErr(err error) error {
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		return tlerrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return tlerrors.ErrConnectionClosed
	}
	return err
}

// Get implements Store.Get.
func (s *RedisStore) Get(ctx context.Context, id string) (Item, bool, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, false, mapErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	data, err := s.client.Get(cctx, s.prefix+id).Bytes()
	if err == redis.Nil {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, mapErr(err)
	}
	var it Item
	if err := json.Unmarshal(data, &it); err != nil {
		return Item{}, false, err
	}
	return it, true, nil
}

// Put implements Store.Put.
func (s *RedisStore) Put(ctx context.Context, it Item) error {
	if err := ctx.Err(); err != nil {
		return mapErr(err)
	}
	data, err := json.Marshal(it)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return mapErr(s.client.Set(cctx, s.prefix+it.ID, data, 0).Err())
}

// Delete implements Store.Delete.
func (s *RedisStore) Delete(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, mapErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := s.client.Del(cctx, s.prefix+id).Result()
	if err != nil {
		return false, mapErr(err)
	}
	return n > 0, nil
}

// List implements Store.List using SCAN followed by MGET per batch.
func (s *RedisStore) List(ctx context.Context) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var (
		cursor uint64
		items  []Item
	)
	for {
		keys, next, err := s.client.Scan(cctx, cursor, s.prefix+"*", scanBatch).Result()
		if err != nil {
			return nil, mapErr(err)
		}
		if len(keys) > 0 {
			vals, err := s.client.MGet(cctx, keys...).Result()
			if err != nil {
				return nil, mapErr(err)
			}
			for i, v := range vals {
				str, ok := v.(string)
				if !ok {
					// deleted between SCAN and MGET
					continue
				}
				var it Item
				if err := json.Unmarshal([]byte(str), &it); err != nil {
					return nil, fmt.Errorf("todo: decode %s: %w", keys[i], err)
				}
				items = append(items, it)
			}
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	sortItems(items)
	return items, nil
}
