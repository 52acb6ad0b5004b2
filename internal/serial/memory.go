package serial

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opensource-finance/carbonmint/internal/domain"
)

// MemoryAllocator keeps counters in process memory with one lock per key.
// Allocations on different keys never wait on each other.
type MemoryAllocator struct {
	mu          sync.Mutex // guards counters, not the counter values
	counters    map[domain.SerialKey]*counter
	lockTimeout time.Duration
}

type counter struct {
	lock chan struct{} // capacity 1; holding a token is holding the key
	next int64
}

// NewMemoryAllocator creates an in-memory allocator.
func NewMemoryAllocator(lockTimeout time.Duration) *MemoryAllocator {
	return &MemoryAllocator{
		counters:    make(map[domain.SerialKey]*counter),
		lockTimeout: lockTimeoutOrDefault(lockTimeout),
	}
}

// counterFor returns the counter for key, creating it at 1 if absent.
func (a *MemoryAllocator) counterFor(key domain.SerialKey) *counter {
	a.mu.Lock()
	defer a.mu.Unlock()

	c, ok := a.counters[key]
	if !ok {
		c = &counter{lock: make(chan struct{}, 1), next: 1}
		a.counters[key] = c
	}
	return c
}

func (a *MemoryAllocator) acquire(ctx context.Context, c *counter) error {
	timer := time.NewTimer(a.lockTimeout)
	defer timer.Stop()

	select {
	case c.lock <- struct{}{}:
		return nil
	case <-timer.C:
		return domain.ErrLockTimeout
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", domain.ErrLockTimeout, ctx.Err())
		}
		return ctx.Err()
	}
}

func (c *counter) release() {
	<-c.lock
}

// Allocate reserves count serials for key.
func (a *MemoryAllocator) Allocate(ctx context.Context, key domain.SerialKey, count int64) (domain.SerialRange, error) {
	if err := ValidateRequest(key, count); err != nil {
		return domain.SerialRange{}, err
	}

	c := a.counterFor(key)
	if err := a.acquire(ctx, c); err != nil {
		return domain.SerialRange{}, err
	}
	defer c.release()

	r := domain.SerialRange{From: c.next, To: c.next + count - 1}
	c.next = r.To + 1
	return r, nil
}

// NextSerial returns the next unallocated serial for key.
func (a *MemoryAllocator) NextSerial(ctx context.Context, key domain.SerialKey) (int64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}

	c := a.counterFor(key)
	if err := a.acquire(ctx, c); err != nil {
		return 0, err
	}
	defer c.release()

	return c.next, nil
}
