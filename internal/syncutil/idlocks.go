package syncutil

import "sync"

const idShards = 64

// IDLocks serializes work per numeric row ID with bounded memory. IDs that
// share a shard also share a lock.
type IDLocks struct {
	shards [idShards]sync.Mutex
}

// Lock acquires the lock for id and returns its unlock function.
func (l *IDLocks) Lock(id int64) func() {
	mu := &l.shards[uint64(id)%idShards]
	mu.Lock()
	return mu.Unlock
}
