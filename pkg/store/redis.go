package store

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/rueidis"
)

// extendIfOwnerScript resets the TTL on KEYS[1] iff its value equals
// ARGV[1], returning 1 on success and 0 otherwise. This is the fenced
// "compare and extend" script the lock renewer relies on (spec.md §4.1).
var extendIfOwnerScript = rueidis.NewLuaScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

// deleteIfOwnerScript deletes KEYS[1] iff its value equals ARGV[1],
// returning 1 on success and 0 otherwise (spec.md §4.1 release).
var deleteIfOwnerScript = rueidis.NewLuaScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// Redis is a Store backed by github.com/redis/rueidis, matching the
// KV primitives enumerated in spec.md §6 one-to-one: GET/SET NX PX,
// DEL, LPUSH/RPOP, BRPOP, and EVAL for the two fenced scripts.
type Redis struct {
	client rueidis.Client
}

// NewRedis dials a rueidis client against the given connection URL
// (e.g. "redis://localhost:6379/0", spec.md's REDIS_URL).
func NewRedis(url string) (*Redis, error) {
	opt, err := rueidis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client, err := rueidis.NewClient(opt)
	if err != nil {
		return nil, err
	}
	return &Redis{client: client}, nil
}

// Close releases the underlying connection pool.
func (r *Redis) Close() {
	r.client.Close()
}

func (r *Redis) Get(ctx context.Context, k string) ([]byte, bool, error) {
	resp := r.client.Do(ctx, r.client.B().Get().Key(k).Build())
	if rueidis.IsRedisNil(resp.Error()) {
		return nil, false, nil
	}
	b, err := resp.AsBytes()
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (r *Redis) Set(ctx context.Context, k string, v []byte, ttl time.Duration, nx bool) (bool, error) {
	cmd := r.client.B().Set().Key(k).Value(rueidis.BinaryString(v))
	var built rueidis.Completed
	if nx {
		if ttl > 0 {
			built = cmd.Nx().Px(ttl).Build()
		} else {
			built = cmd.Nx().Build()
		}
	} else {
		if ttl > 0 {
			built = cmd.Px(ttl).Build()
		} else {
			built = cmd.Build()
		}
	}

	err := r.client.Do(ctx, built).Error()
	if rueidis.IsRedisNil(err) {
		// NX write lost the race: key already existed.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Do(ctx, r.client.B().Del().Key(keys...).Build()).Error()
}

func (r *Redis) LPush(ctx context.Context, k string, v []byte) error {
	return r.client.Do(ctx, r.client.B().Lpush().Key(k).Element(rueidis.BinaryString(v)).Build()).Error()
}

func (r *Redis) RPop(ctx context.Context, k string) ([]byte, bool, error) {
	resp := r.client.Do(ctx, r.client.B().Rpop().Key(k).Build())
	if rueidis.IsRedisNil(resp.Error()) {
		return nil, false, nil
	}
	b, err := resp.AsBytes()
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (r *Redis) BRPop(ctx context.Context, k string, timeout time.Duration) ([]byte, bool, error) {
	resp := r.client.Do(ctx, r.client.B().Brpop().Key(k).Timeout(timeout.Seconds()).Build())
	if rueidis.IsRedisNil(resp.Error()) {
		return nil, false, nil
	}
	arr, err := resp.ToArray()
	if err != nil {
		return nil, false, err
	}
	if len(arr) != 2 {
		return nil, false, nil
	}
	b, err := arr[1].AsBytes()
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (r *Redis) ExtendIfOwner(ctx context.Context, k, token string, ttl time.Duration) (bool, error) {
	resp := extendIfOwnerScript.Exec(ctx, r.client, []string{k}, []string{token, formatMillis(ttl)})
	n, err := resp.ToInt64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *Redis) DeleteIfOwner(ctx context.Context, k, token string) (bool, error) {
	resp := deleteIfOwnerScript.Exec(ctx, r.client, []string{k}, []string{token})
	n, err := resp.ToInt64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func formatMillis(d time.Duration) string {
	ms := d.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	return strconv.FormatInt(ms, 10)
}
