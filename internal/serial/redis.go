package serial

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/opensource-finance/carbonmint/internal/domain"
	"github.com/redis/go-redis/v9"
)

// allocateScript reads, advances and stores next_serial in one atomic step.
var allocateScript = redis.NewScript(`
	local from = tonumber(redis.call('HGET', KEYS[1], 'next_serial') or '1')
	local to = from + tonumber(ARGV[1]) - 1
	redis.call('HSET', KEYS[1], 'next_serial', to + 1)
	return {from, to}
`)

// RedisAllocator keeps counters in Redis hashes. Redis runs each script
// atomically, which gives per-key serialization across processes.
type RedisAllocator struct {
	client      *redis.Client
	lockTimeout time.Duration
}

// NewRedisAllocator connects to Redis and returns an allocator.
func NewRedisAllocator(addr, password string, db int, lockTimeout time.Duration) (*RedisAllocator, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisAllocatorWithClient(client, lockTimeout), nil
}

// NewRedisAllocatorWithClient wraps an existing client.
func NewRedisAllocatorWithClient(client *redis.Client, lockTimeout time.Duration) *RedisAllocator {
	return &RedisAllocator{client: client, lockTimeout: lockTimeoutOrDefault(lockTimeout)}
}

// Allocate reserves count serials for key. Redis never queues the script
// behind a lock, so a deadline or network timeout leaves the outcome unknown
// and is reported as domain.ErrAllocationUnknown.
func (a *RedisAllocator) Allocate(ctx context.Context, key domain.SerialKey, count int64) (domain.SerialRange, error) {
	if err := ValidateRequest(key, count); err != nil {
		return domain.SerialRange{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.lockTimeout)
	defer cancel()

	vals, err := allocateScript.Run(ctx, a.client, []string{redisKey(key)}, count).Int64Slice()
	if err != nil {
		return domain.SerialRange{}, mapRedisError(key, err)
	}
	if len(vals) != 2 {
		return domain.SerialRange{}, fmt.Errorf("unexpected allocate reply: %v", vals)
	}

	return domain.SerialRange{From: vals[0], To: vals[1]}, nil
}

// NextSerial returns the next unallocated serial for key.
func (a *RedisAllocator) NextSerial(ctx context.Context, key domain.SerialKey) (int64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.lockTimeout)
	defer cancel()

	val, err := a.client.HGet(ctx, redisKey(key), "next_serial").Int64()
	if err == redis.Nil {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read next serial: %w", err)
	}
	return val, nil
}

// Ping checks Redis connectivity.
func (a *RedisAllocator) Ping(ctx context.Context) error {
	return a.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (a *RedisAllocator) Close() error {
	return a.client.Close()
}

func mapRedisError(key domain.SerialKey, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: key %d/%s/%s: %v", domain.ErrAllocationUnknown,
			key.VintageYear, key.ProjectID, key.CompanyID, err)
	}
	return fmt.Errorf("redis serial allocation: %w", err)
}

// redisKey length-prefixes the IDs so that no two keys share a name.
func redisKey(key domain.SerialKey) string {
	return fmt.Sprintf("carbonmint:serial:%d:%d:%s:%d:%s",
		key.VintageYear, len(key.ProjectID), key.ProjectID, len(key.CompanyID), key.CompanyID)
}
