package cache

import "fmt"

// HashTag wraps id in Redis Cluster hash-tag braces so that every key
// built from the same id co-locates on the same shard, letting a Lua
// script touch all of them atomically.
func HashTag(id string) string {
	return fmt.Sprintf("{%s}", id)
}
