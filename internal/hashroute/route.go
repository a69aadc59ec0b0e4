package hashroute

import (
	"hash/fnv"
	"strconv"
	"strings"
)

// ShardCount is the number of in-process worker queues a consumer fans its
// records out to. All events for one key land on the same shard, which is what
// keeps ledger, stock and join-state mutation free of cross-worker locking.
const ShardCount = 16

// CanonicalizeKey normalizes incoming record keys before hashing.
func CanonicalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func ShardForKey(key string) int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(CanonicalizeKey(key)))
	return int(h.Sum64() % ShardCount)
}

// ShardForOrderID shards the numeric join key used on every saga topic.
func ShardForOrderID(orderID int64) int {
	return ShardForKey(strconv.FormatInt(orderID, 10))
}
