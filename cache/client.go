// Package cache wraps a Redis Cluster connection with the failure-isolation
// gate and bounded retry policy every other package in this module relies
// on, plus a keyspace-notification subscription helper. Nothing above this
// package ever sees a raw go-redis error; everything crossing this
// boundary is classified into domain.Class.
package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/relaymesh/delivery/domain"
)

type Client struct {
	rdb     *redis.ClusterClient
	breaker *gobreaker.CircuitBreaker
	log     *zap.SugaredLogger
	retries uint64

	scriptsMu sync.RWMutex
	scripts   map[string]*redis.Script
}

type Options struct {
	Addrs       []string
	ClusterName string
	Log         *zap.SugaredLogger

	// gobreaker.Settings knobs, grounded on the original Java
	// FaultTolerantRedisClusterTest's breakerConfiguration values.
	FailureRateThreshold       float64 // fraction [0,1], e.g. 1.0 for 100%
	RingBufferSizeInClosedState uint32
	WaitDurationInOpenState     time.Duration

	MaxRetries uint64
}

func New(opts Options) *Client {
	if opts.FailureRateThreshold == 0 {
		opts.FailureRateThreshold = 0.5
	}
	if opts.RingBufferSizeInClosedState == 0 {
		opts.RingBufferSizeInClosedState = 20
	}
	if opts.WaitDurationInOpenState == 0 {
		opts.WaitDurationInOpenState = 30 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}

	rdb := redis.NewClusterClient(&redis.ClusterOptions{
		Addrs: opts.Addrs,
	})

	settings := gobreaker.Settings{
		Name:        opts.ClusterName,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     opts.WaitDurationInOpenState,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < opts.RingBufferSizeInClosedState {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= opts.FailureRateThreshold
		},
	}

	return &Client{
		rdb:     rdb,
		breaker: gobreaker.NewCircuitBreaker(settings),
		log:     opts.Log,
		retries: opts.MaxRetries,
		scripts: make(map[string]*redis.Script),
	}
}

func (c *Client) Raw() *redis.ClusterClient { return c.rdb }

// EnableKeyspaceNotifications sets notify-keyspace-events on every master
// in the cluster, best-effort (a node that rejects CONFIG SET, e.g. a
// managed Redis offering that disallows it, only loses the passive
// expired/del keyspace feed presence.Registry.OnExpired relies on; every
// other operation in this module is unaffected). flags follows Redis's
// own notify-keyspace-events syntax, e.g. "Egx" for generic commands plus
// expired events.
func (c *Client) EnableKeyspaceNotifications(ctx context.Context, flags string) error {
	return c.rdb.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
		return node.ConfigSet(ctx, "notify-keyspace-events", flags).Err()
	})
}

func classify(err error) domain.Class {
	if err == nil {
		return domain.Logical
	}
	if errors.Is(err, redis.Nil) {
		return domain.Logical
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.Transient
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "LOADING"),
		strings.Contains(msg, "CLUSTERDOWN"),
		strings.Contains(msg, "TRYAGAIN"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "i/o timeout"),
		strings.Contains(msg, "broken pipe"):
		return domain.Transient
	case strings.Contains(msg, "WRONGTYPE"):
		return domain.Logical
	default:
		return domain.Transient
	}
}

// Do runs fn (a single Redis command or small group of commands) behind
// the circuit breaker with bounded exponential-backoff retry on
// transiently classified errors. Logical errors pass straight through
// without consuming a breaker trip or a retry attempt.
func (c *Client) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var logicalErr error
	_, err := c.breaker.Execute(func() (interface{}, error) {
		b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.retries), ctx)
		retryErr := backoff.Retry(func() error {
			err := fn(ctx)
			if err == nil {
				return nil
			}
			if classify(err) == domain.Transient {
				return err
			}
			return backoff.Permanent(err)
		}, b)
		if retryErr != nil && classify(retryErr) != domain.Transient {
			// Reported to the caller below, not counted by the breaker.
			var perm *backoff.PermanentError
			if errors.As(retryErr, &perm) {
				retryErr = perm.Err
			}
			logicalErr = retryErr
			return nil, nil
		}
		return nil, retryErr
	})
	if logicalErr != nil {
		return domain.NewError(classify(logicalErr), op, logicalErr)
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.NewError(domain.Transient, op, err)
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return domain.NewError(classify(perm.Err), op, perm.Err)
	}
	return domain.NewError(classify(err), op, err)
}
