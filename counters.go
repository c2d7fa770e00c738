package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Counter keys in the fast store. The issuance path owns queue_counter and
// token_counter; the session paths own the two session counters. The
// reconciler reads and writes only serving_counter, max_queue_position_expired
// and reset_in_progress; the reset controller zeroes all of them.
const (
	KeyQueueCounter            = "queue_counter"
	KeyServingCounter          = "serving_counter"
	KeyTokenCounter            = "token_counter"
	KeyMaxQueuePositionExpired = "max_queue_position_expired"
	KeyResetInProgress         = "reset_in_progress"
	KeyAbandonedSessionCounter = "abandoned_session_counter"
	KeyCompletedSessionCounter = "completed_session_counter"
)

// allCounterKeys is the full set, in the order reset zeroes them.
var allCounterKeys = []string{
	KeyServingCounter,
	KeyQueueCounter,
	KeyTokenCounter,
	KeyCompletedSessionCounter,
	KeyAbandonedSessionCounter,
	KeyMaxQueuePositionExpired,
}

// ErrCounterMissing reports a GET against a counter key that has never been
// initialized. Bootstrap (EnsureCounters) creates every key at zero, so in a
// healthy deployment this only fires against an unprovisioned store.
var ErrCounterMissing = errors.New("counter not initialized")

// CounterStore is the narrow contract the reconciler and reset controller
// need from the fast store: typed atomic get/set/increment over named
// integer counters.
type CounterStore interface {
	Get(ctx context.Context, key string) (int64, error)
	Set(ctx context.Context, key string, value int64) error
	GetSet(ctx context.Context, key string, value int64) (int64, error)
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	// SetIfGreater writes value only when it exceeds the stored one and
	// reports whether the write happened. Keeps the expiry watermark
	// monotonic under overlapping reconcile passes.
	SetIfGreater(ctx context.Context, key string, value int64) (bool, error)
	SetNX(ctx context.Context, key string, value int64) (bool, error)
	Snapshot(ctx context.Context) (CounterSnapshot, error)
}

var _ CounterStore = (*redisCounters)(nil)

// setIfGreaterScript compares server-side so two overlapping scans cannot
// drag the watermark backwards.
var setIfGreaterScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur == false or tonumber(ARGV[1]) > tonumber(cur) then
    redis.call("SET", KEYS[1], ARGV[1])
    return 1
end
return 0`)

type redisCounters struct {
	rdb *redis.Client
}

func NewRedisCounters(rdb *redis.Client) CounterStore {
	return &redisCounters{rdb: rdb}
}

func (c *redisCounters) Get(ctx context.Context, key string) (int64, error) {
	v, err := c.rdb.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, fmt.Errorf("counter %s: %w", key, ErrCounterMissing)
	}
	if err != nil {
		return 0, fmt.Errorf("get counter %s: %w", key, err)
	}
	return v, nil
}

func (c *redisCounters) Set(ctx context.Context, key string, value int64) error {
	if err := c.rdb.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("set counter %s: %w", key, err)
	}
	return nil
}

func (c *redisCounters) GetSet(ctx context.Context, key string, value int64) (int64, error) {
	old, err := c.rdb.GetSet(ctx, key, value).Int64()
	if err == redis.Nil {
		return 0, nil // key did not exist before; old value reads as zero
	}
	if err != nil {
		return 0, fmt.Errorf("getset counter %s: %w", key, err)
	}
	return old, nil
}

func (c *redisCounters) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	v, err := c.rdb.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("incrby counter %s: %w", key, err)
	}
	return v, nil
}

func (c *redisCounters) SetIfGreater(ctx context.Context, key string, value int64) (bool, error) {
	applied, err := setIfGreaterScript.Run(ctx, c.rdb, []string{key}, value).Int64()
	if err != nil {
		return false, fmt.Errorf("set-if-greater counter %s: %w", key, err)
	}
	return applied == 1, nil
}

func (c *redisCounters) SetNX(ctx context.Context, key string, value int64) (bool, error) {
	created, err := c.rdb.SetNX(ctx, key, value, 0).Result()
	if err != nil {
		return false, fmt.Errorf("setnx counter %s: %w", key, err)
	}
	return created, nil
}

// Snapshot reads every counter in one pipeline. Absent keys read as zero so
// the counters endpoint works against a store that has not been bootstrapped.
func (c *redisCounters) Snapshot(ctx context.Context) (CounterSnapshot, error) {
	pipe := c.rdb.Pipeline()
	cmds := map[string]*redis.StringCmd{
		KeyQueueCounter:            pipe.Get(ctx, KeyQueueCounter),
		KeyServingCounter:          pipe.Get(ctx, KeyServingCounter),
		KeyTokenCounter:            pipe.Get(ctx, KeyTokenCounter),
		KeyMaxQueuePositionExpired: pipe.Get(ctx, KeyMaxQueuePositionExpired),
		KeyResetInProgress:         pipe.Get(ctx, KeyResetInProgress),
		KeyAbandonedSessionCounter: pipe.Get(ctx, KeyAbandonedSessionCounter),
		KeyCompletedSessionCounter: pipe.Get(ctx, KeyCompletedSessionCounter),
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return CounterSnapshot{}, fmt.Errorf("read counters: %w", err)
	}

	read := func(key string) (int64, error) {
		v, err := cmds[key].Int64()
		if err == redis.Nil {
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("read counter %s: %w", key, err)
		}
		return v, nil
	}

	var snap CounterSnapshot
	var err error
	if snap.QueueCounter, err = read(KeyQueueCounter); err != nil {
		return CounterSnapshot{}, err
	}
	if snap.ServingCounter, err = read(KeyServingCounter); err != nil {
		return CounterSnapshot{}, err
	}
	if snap.TokenCounter, err = read(KeyTokenCounter); err != nil {
		return CounterSnapshot{}, err
	}
	if snap.MaxQueuePositionExpired, err = read(KeyMaxQueuePositionExpired); err != nil {
		return CounterSnapshot{}, err
	}
	if snap.AbandonedSessionCounter, err = read(KeyAbandonedSessionCounter); err != nil {
		return CounterSnapshot{}, err
	}
	if snap.CompletedSessionCounter, err = read(KeyCompletedSessionCounter); err != nil {
		return CounterSnapshot{}, err
	}
	flag, err := read(KeyResetInProgress)
	if err != nil {
		return CounterSnapshot{}, err
	}
	snap.ResetInProgress = flag != 0
	return snap, nil
}
