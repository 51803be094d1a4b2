package lease

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	tlerrors "github.com/mirkobrombin/go-todolock/v1/errors"
)

const (
	defaultRedisOpTimeout = 5 * time.Second
	defaultRedisPrefix    = "todolock:lease:"
)

// Every script returns {status, holder, id, acquired, renewed, ttl, gen}.
// Times are unix milliseconds and ttl is in milliseconds; the lease is live
// while renewed+ttl > now. Status is 1 on success, 2 on a same-holder
// refresh, 0 on mismatch and -1 when the caller's own lease lapsed.

var insertScript = redis.NewScript(`
local f = redis.call("HMGET", KEYS[1], "holder", "id", "acquired", "renewed", "ttl", "gen")
if f[1] then
  if tonumber(f[4]) + tonumber(f[5]) > tonumber(ARGV[7]) then
    if f[1] ~= ARGV[1] then
      return {0, f[1], f[2], f[3], f[4], f[5], f[6]}
    end
    redis.call("HSET", KEYS[1], "renewed", ARGV[7], "ttl", ARGV[5], "gen", ARGV[6])
    redis.call("PEXPIRE", KEYS[1], ARGV[5])
    return {2, f[1], f[2], f[3], ARGV[7], ARGV[5], ARGV[6]}
  end
  redis.call("DEL", KEYS[1])
end
redis.call("HSET", KEYS[1], "holder", ARGV[1], "id", ARGV[2], "acquired", ARGV[3], "renewed", ARGV[4], "ttl", ARGV[5], "gen", ARGV[6])
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return {1, ARGV[1], ARGV[2], ARGV[3], ARGV[4], ARGV[5], ARGV[6]}
`)

var renewScript = redis.NewScript(`
local f = redis.call("HMGET", KEYS[1], "holder", "id", "acquired", "renewed", "ttl", "gen")
if not f[1] then
  return {0}
end
if tonumber(f[4]) + tonumber(f[5]) <= tonumber(ARGV[3]) then
  redis.call("DEL", KEYS[1])
  if f[1] == ARGV[1] then
    return {-1}
  end
  return {0}
end
if f[1] ~= ARGV[1] then
  return {0}
end
redis.call("HSET", KEYS[1], "renewed", ARGV[3], "gen", ARGV[2])
redis.call("PEXPIRE", KEYS[1], f[5])
return {1, f[1], f[2], f[3], ARGV[3], f[5], ARGV[2]}
`)

var releaseScript = redis.NewScript(`
local f = redis.call("HMGET", KEYS[1], "holder", "id", "acquired", "renewed", "ttl", "gen")
if not f[1] or f[1] ~= ARGV[1] then
  return {0}
end
if ARGV[2] ~= "" and f[6] ~= ARGV[2] then
  return {0}
end
redis.call("DEL", KEYS[1])
return {1, f[1], f[2], f[3], f[4], f[5], f[6]}
`)

var evictScript = redis.NewScript(`
local f = redis.call("HMGET", KEYS[1], "holder", "id", "acquired", "renewed", "ttl", "gen")
if not f[1] then
  return {0}
end
redis.call("DEL", KEYS[1])
return {1, f[1], f[2], f[3], f[4], f[5], f[6]}
`)

// RedisStore implements Store on Redis hashes. Compare operations run as
// Lua scripts so they are atomic on the server. Keys also carry a Redis TTL
// so abandoned leases disappear without a running Manager.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisTimeout sets the operation timeout for Redis calls.
func WithRedisTimeout(d time.Duration) RedisOption {
	return func(s *RedisStore) { s.timeout = d }
}

// WithRedisPrefix sets the key prefix of lease hashes.
func WithRedisPrefix(p string) RedisOption {
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

func (s *RedisStore) key(itemID string) string { return s.prefix + itemID }

func (s *RedisStore) run(ctx context.Context, script *redis.Script, itemID string, args ...any) (int64, Lease, error) {
	if err := ctx.Err(); err != nil {
		return 0, Lease{}, mapRedisErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	vals, err := script.Run(cctx, s.client, []string{s.key(itemID)}, args...).Slice()
	if err != nil {
		return 0, Lease{}, mapRedisErr(err)
	}
	return parseReply(itemID, vals)
}

func mapRedisErr(err error) error {
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		return tlerrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return tlerrors.ErrConnectionClosed
	}
	return err
}

func parseReply(itemID string, vals []any) (int64, Lease, error) {
	if len(vals) == 0 {
		return 0, Lease{}, fmt.Errorf("lease: empty redis reply for %s", itemID)
	}
	status, ok := vals[0].(int64)
	if !ok {
		return 0, Lease{}, fmt.Errorf("lease: unexpected redis status %v for %s", vals[0], itemID)
	}
	if len(vals) < 7 {
		return status, Lease{}, nil
	}
	fields := make([]string, 6)
	for i := range fields {
		str, ok := vals[i+1].(string)
		if !ok {
			return 0, Lease{}, fmt.Errorf("lease: unexpected redis field %v for %s", vals[i+1], itemID)
		}
		fields[i] = str
	}
	l, err := leaseFromFields(itemID, fields)
	return status, l, err
}

// leaseFromFields decodes holder, id, acquired, renewed, ttl, gen.
func leaseFromFields(itemID string, f []string) (Lease, error) {
	nums := make([]int64, 3)
	for i, raw := range f[2:5] {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Lease{}, fmt.Errorf("lease: decode %s: %w", itemID, err)
		}
		nums[i] = n
	}
	gen, err := strconv.ParseUint(f[5], 10, 64)
	if err != nil {
		return Lease{}, fmt.Errorf("lease: decode %s: %w", itemID, err)
	}
	ttl := time.Duration(nums[2]) * time.Millisecond
	return Lease{
		ID:         f[1],
		ItemID:     itemID,
		Holder:     f[0],
		AcquiredAt: time.UnixMilli(nums[0]),
		ExpiresAt:  time.UnixMilli(nums[1]).Add(ttl),
		Duration:   ttl,
		Generation: gen,
	}, nil
}

func ms(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

// TryInsert implements Store.TryInsert.
func (s *RedisStore) TryInsert(ctx context.Context, l Lease, now time.Time) (Lease, bool, error) {
	status, cur, err := s.run(ctx, insertScript, l.ItemID,
		l.Holder, l.ID, ms(l.AcquiredAt), ms(now),
		strconv.FormatInt(l.Duration.Milliseconds(), 10),
		strconv.FormatUint(l.Generation, 10), ms(now))
	if err != nil {
		return Lease{}, false, err
	}
	switch status {
	case 0:
		return cur, false, tlerrors.ErrLockConflict
	case 2:
		return cur, true, nil
	}
	return cur, false, nil
}

// Renew implements Store.Renew.
func (s *RedisStore) Renew(ctx context.Context, itemID, holder string, generation uint64, now time.Time) (Lease, error) {
	status, cur, err := s.run(ctx, renewScript, itemID, holder, strconv.FormatUint(generation, 10), ms(now))
	if err != nil {
		return Lease{}, err
	}
	switch status {
	case 1:
		return cur, nil
	case -1:
		return Lease{}, tlerrors.ErrLeaseExpired
	}
	return Lease{}, tlerrors.ErrNotHolder
}

// CompareAndRelease implements Store.CompareAndRelease.
func (s *RedisStore) CompareAndRelease(ctx context.Context, itemID, holder string) (Lease, bool, error) {
	status, cur, err := s.run(ctx, releaseScript, itemID, holder, "")
	if err != nil {
		return Lease{}, false, err
	}
	return cur, status == 1, nil
}

// CompareAndExpire implements Store.CompareAndExpire.
func (s *RedisStore) CompareAndExpire(ctx context.Context, itemID, holder string, generation uint64) (Lease, bool, error) {
	status, cur, err := s.run(ctx, releaseScript, itemID, holder, strconv.FormatUint(generation, 10))
	if err != nil {
		return Lease{}, false, err
	}
	return cur, status == 1, nil
}

// Get implements Store.Get.
func (s *RedisStore) Get(ctx context.Context, itemID string, now time.Time) (Lease, bool, error) {
	if err := ctx.Err(); err != nil {
		return Lease{}, false, mapRedisErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	vals, err := s.client.HMGet(cctx, s.key(itemID), "holder", "id", "acquired", "renewed", "ttl", "gen").Result()
	if err != nil {
		return Lease{}, false, mapRedisErr(err)
	}
	fields := make([]string, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			return Lease{}, false, nil
		}
		fields[i] = str
	}
	l, err := leaseFromFields(itemID, fields)
	if err != nil {
		return Lease{}, false, err
	}
	if !l.Live(now) {
		if _, _, err := s.CompareAndExpire(ctx, itemID, l.Holder, l.Generation); err != nil {
			return Lease{}, false, err
		}
		return Lease{}, false, nil
	}
	return l, true, nil
}

// Evict implements Store.Evict.
func (s *RedisStore) Evict(ctx context.Context, itemID string) (Lease, bool, error) {
	status, cur, err := s.run(ctx, evictScript, itemID)
	if err != nil {
		return Lease{}, false, err
	}
	return cur, status == 1, nil
}
