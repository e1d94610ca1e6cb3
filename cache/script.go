package cache

import (
	"context"
	"strings"

	"github.com/go-redis/redis/v8"
)

// DoScript evaluates the named script (looked up by digest, loaded lazily
// on first use) against keys/args through Do's breaker+retry gate. On a
// NOSCRIPT reply -- the server forgot the script, typically after a
// cluster failover moved us to a fresh node -- the script is reloaded once
// and the call retried exactly once more.
func (c *Client) DoScript(ctx context.Context, op, name, src string, keys []string, args ...interface{}) (interface{}, error) {
	c.scriptsMu.RLock()
	sc, ok := c.scripts[name]
	c.scriptsMu.RUnlock()
	if !ok {
		sc = redis.NewScript(src)
		c.scriptsMu.Lock()
		c.scripts[name] = sc
		c.scriptsMu.Unlock()
	}

	var result interface{}
	reloaded := false
	err := c.Do(ctx, op, func(ctx context.Context) error {
		r, err := sc.EvalSha(ctx, c.rdb, keys, args...).Result()
		if err != nil && strings.Contains(err.Error(), "NOSCRIPT") && !reloaded {
			reloaded = true
			if _, loadErr := sc.Load(ctx, c.rdb).Result(); loadErr != nil {
				return loadErr
			}
			r, err = sc.EvalSha(ctx, c.rdb, keys, args...).Result()
		}
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}
