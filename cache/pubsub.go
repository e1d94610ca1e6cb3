package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
)

// KeyspaceHandler is invoked once per matching keyspace-notification event.
// channel is the raw pub/sub channel name (e.g. "__keyevent@0__:expired");
// payload is the event's message body (typically the key name).
type KeyspaceHandler func(channel, payload string)

// SubscribeKeyspace runs a single dedicated goroutine draining a PSubscribe
// against pattern (e.g. "__keyevent@0__:expired" or
// "__keyevent@0__:new_message:*") until ctx is cancelled, re-subscribing
// with jittered backoff if the underlying connection drops. Grounded on
// vendor/github.com/meow-io/heya/handler.go's startSubscriber select loop,
// generalized from a single-connection subscriber map to a single
// pattern-based cluster subscription.
func (c *Client) SubscribeKeyspace(ctx context.Context, pattern string, handler KeyspaceHandler) {
	go func() {
		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = 0
		for {
			if ctx.Err() != nil {
				return
			}
			sub := c.rdb.PSubscribe(ctx, pattern)
			if _, err := sub.Receive(ctx); err != nil {
				if c.log != nil {
					c.log.Warnw("keyspace subscribe failed, retrying", "pattern", pattern, "err", err)
				}
				_ = sub.Close()
				wait := b.NextBackOff()
				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
				}
				continue
			}
			b.Reset()
			ch := sub.Channel()
			c.drainSubscription(ctx, ch, handler)
			_ = sub.Close()
			if ctx.Err() != nil {
				return
			}
		}
	}()
}

func (c *Client) drainSubscription(ctx context.Context, ch <-chan *redis.Message, handler KeyspaceHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg == nil {
				continue
			}
			func() {
				defer func() {
					if r := recover(); r != nil && c.log != nil {
						c.log.Errorw("keyspace handler panicked", "recover", fmt.Sprint(r))
					}
				}()
				handler(msg.Channel, msg.Payload)
			}()
		}
	}
}
