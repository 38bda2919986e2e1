package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sysgrow/sysgrow/core/observability"
)

// RedisLocker implements UnitLocker on Redis. Locks are plain SET NX EX keys;
// renew and release are owner-checked Lua scripts so a lapsed owner can never
// extend or delete another executor's lock.
type RedisLocker struct {
	client *redis.Client
}

func unitLockKey(unitID string) string {
	return "sysgrow:lock:unit:" + unitID
}

// NewRedisLocker connects and verifies the Redis backend.
func NewRedisLocker(addr, password string, db int) (*RedisLocker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisLocker{client: client}, nil
}

// Close releases the client.
func (r *RedisLocker) Close() error {
	return r.client.Close()
}

func (r *RedisLocker) AcquireUnitLock(ctx context.Context, unitID, ownerID string, ttl time.Duration) (bool, error) {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	return r.client.SetNX(ctx, unitLockKey(unitID), ownerID, ttl).Result()
}

// renewScript returns 1 on success, -1 when the key is gone, -2 on owner mismatch.
const renewScript = `
	local val = redis.call("get", KEYS[1])
	if not val then
		return -1
	end
	if val == ARGV[1] then
		return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
	else
		return -2
	end
`

func (r *RedisLocker) RenewUnitLock(ctx context.Context, unitID, ownerID string, ttl time.Duration) (bool, error) {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	res, err := r.client.Eval(ctx, renewScript, []string{unitLockKey(unitID)}, ownerID, int64(ttl/time.Millisecond)).Result()
	if err != nil {
		return false, err
	}
	val, ok := res.(int64)
	if !ok {
		return false, errors.New("unexpected return type from renew script")
	}
	return val == 1, nil
}

const releaseScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

func (r *RedisLocker) ReleaseUnitLock(ctx context.Context, unitID, ownerID string) error {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	_, err := r.client.Eval(ctx, releaseScript, []string{unitLockKey(unitID)}, ownerID).Result()
	return err
}

func (r *RedisLocker) UnitLockOwner(ctx context.Context, unitID string) (string, error) {
	val, err := r.client.Get(ctx, unitLockKey(unitID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// ScanUnitLocks returns the unit ids of all currently held locks. The lock
// janitor uses it to report units wedged by executors that died mid-run.
func (r *RedisLocker) ScanUnitLocks(ctx context.Context) ([]string, error) {
	prefix := "sysgrow:lock:unit:"
	var units []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		units = append(units, iter.Val()[len(prefix):])
	}
	return units, iter.Err()
}
