package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/delivery/domain"
)

func TestClassify(t *testing.T) {
	require := require.New(t)
	require.Equal(domain.Logical, classify(redis.Nil))
	require.Equal(domain.Transient, classify(context.DeadlineExceeded))
	require.Equal(domain.Transient, classify(errors.New("CLUSTERDOWN The cluster is down")))
	require.Equal(domain.Logical, classify(errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")))
	require.Equal(domain.Transient, classify(errors.New("some unrecognized failure")))
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	require := require.New(t)
	c := New(Options{MaxRetries: 5})

	attempts := 0
	err := c.Do(context.Background(), "test-op", func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("i/o timeout")
		}
		return nil
	})

	require.NoError(err)
	require.Equal(3, attempts)
}

func TestDoDoesNotRetryLogicalErrors(t *testing.T) {
	require := require.New(t)
	c := New(Options{MaxRetries: 5})

	attempts := 0
	err := c.Do(context.Background(), "test-op", func(ctx context.Context) error {
		attempts++
		return redis.Nil
	})

	require.Error(err)
	require.Equal(1, attempts)
	require.True(domain.IsClass(err, domain.Logical))
}

func TestHashTagWrapsKeyInBraces(t *testing.T) {
	require := require.New(t)
	require.Equal("{account-1:3}", HashTag("account-1:3"))
}
