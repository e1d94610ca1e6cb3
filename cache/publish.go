package cache

import "context"

// Publish emits an application-level notification on channel. Used for the
// "new-message", "displacement", and "messagesPersisted" notifications that
// this module publishes explicitly (Redis Cluster keyspace-notifications
// are per-node and do not reliably fan out cluster-wide for our purposes,
// so queue/presence/persister publish their own channels directly rather
// than relying solely on `notify-keyspace-events`).
func (c *Client) Publish(ctx context.Context, channel, payload string) error {
	return c.Do(ctx, "publish", func(ctx context.Context) error {
		return c.rdb.Publish(ctx, channel, payload).Err()
	})
}
