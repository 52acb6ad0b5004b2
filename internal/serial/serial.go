// Package serial allocates collision-free credit serial ranges and formats
// batch and serial codes.
package serial

import (
	"fmt"
	"time"

	"github.com/opensource-finance/carbonmint/internal/domain"
)

// DefaultLockTimeout bounds the wait for a per-key lock when none is configured.
const DefaultLockTimeout = 5 * time.Second

// LockBounded is implemented by allocators whose lock wait can be set after
// construction, such as the SQL repository.
type LockBounded interface {
	WithLockTimeout(d time.Duration) domain.SerialAllocator
}

// New creates an allocator for the configured backend.
// The "sql" backend is the repository itself and must be passed in; it waits
// at most cfg.LockTimeout for a counter lock.
func New(cfg domain.SerialConfig, sqlAllocator domain.SerialAllocator) (domain.SerialAllocator, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryAllocator(cfg.LockTimeout), nil

	case "sql", "":
		if sqlAllocator == nil {
			return nil, fmt.Errorf("sql serial backend requires a repository")
		}
		if lb, ok := sqlAllocator.(LockBounded); ok && cfg.LockTimeout > 0 {
			return lb.WithLockTimeout(cfg.LockTimeout), nil
		}
		return sqlAllocator, nil

	case "redis":
		return NewRedisAllocator(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.LockTimeout)

	default:
		return nil, fmt.Errorf("unsupported serial backend: %s", cfg.Backend)
	}
}

// ValidateRequest checks an allocation request before any lock is taken.
func ValidateRequest(key domain.SerialKey, count int64) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if count <= 0 {
		return fmt.Errorf("%w: serial count must be positive, got %d", domain.ErrInvalidInput, count)
	}
	return nil
}

// ValidateKey checks that every part of the counter key is set.
func ValidateKey(key domain.SerialKey) error {
	if key.VintageYear <= 0 || key.ProjectID == "" || key.CompanyID == "" {
		return fmt.Errorf("%w: incomplete serial key %+v", domain.ErrInvalidInput, key)
	}
	return nil
}

func lockTimeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultLockTimeout
	}
	return d
}
