// Package syncutil provides small synchronization helpers shared across
// services.
package syncutil

import (
	"hash/fnv"
	"sync"
)

// ShardedMutex is a fixed pool of mutexes keyed by string, used to
// serialize settlement transitions on the same entity without growing a
// lock table per key. Memory stays bounded no matter how many keys are
// seen; the cost is occasional false sharing when two keys hash to the
// same shard, which only ever means extra waiting, never a missed
// exclusion.
type ShardedMutex struct {
	shards [256]sync.Mutex
}

// Lock acquires the mutex shard for key and returns its unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := s.shard(key)
	mu.Lock()
	return mu.Unlock
}

func (s *ShardedMutex) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%256]
}
