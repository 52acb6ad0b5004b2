package serial

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/opensource-finance/carbonmint/internal/domain"
	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestRedisKeyIsInjective(t *testing.T) {
	a := domain.SerialKey{VintageYear: 2025, ProjectID: "a:b", CompanyID: "c"}
	b := domain.SerialKey{VintageYear: 2025, ProjectID: "a", CompanyID: "b:c"}

	assert.NotEqual(t, redisKey(a), redisKey(b))
	assert.Equal(t, "carbonmint:serial:2025:3:a:b:1:c", redisKey(a))
}

func TestMapRedisError(t *testing.T) {
	key := domain.SerialKey{VintageYear: 2025, ProjectID: "p", CompanyID: "c"}

	unknown := []error{
		context.DeadlineExceeded,
		fmt.Errorf("evalsha: %w", context.Canceled),
		timeoutErr{},
	}
	for _, cause := range unknown {
		err := mapRedisError(key, cause)
		assert.ErrorIs(t, err, domain.ErrAllocationUnknown, "cause %v", cause)
		assert.NotErrorIs(t, err, domain.ErrLockTimeout)
		assert.False(t, domain.IsRetryable(err), "cause %v must not be retried", cause)
	}

	err := mapRedisError(key, errors.New("NOSCRIPT"))
	assert.NotErrorIs(t, err, domain.ErrAllocationUnknown)
	assert.False(t, domain.IsRetryable(err))
}
