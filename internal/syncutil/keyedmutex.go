// Package syncutil provides keyed locking primitives used to serialize
// read-evaluate-commit sequences per identity and peer.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

// numShards is the fixed size of the lock pool. Bounded memory regardless of
// how many keys are seen, at the cost of occasional false sharing between
// keys that hash to the same shard.
const numShards = 256

// ContextKeyedMutex is a keyed mutex whose acquisition respects context
// cancellation. Each shard is a channel-based mutex so callers can bail out
// while waiting.
type ContextKeyedMutex struct {
	shards [numShards]chan struct{}
	once   sync.Once
}

// NewContextKeyedMutex creates a new context-aware keyed mutex.
func NewContextKeyedMutex() *ContextKeyedMutex {
	m := &ContextKeyedMutex{}
	m.init()
	return m
}

func (m *ContextKeyedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i] = make(chan struct{}, 1)
			m.shards[i] <- struct{}{} // start unlocked
		}
	})
}

// LockContext acquires the mutex for the given key. On success it returns an
// unlock function the caller MUST invoke. On cancellation it returns the
// context error and no lock is held.
func (m *ContextKeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.init()
	shard := m.shards[shardIdx(key)]

	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % numShards
}
