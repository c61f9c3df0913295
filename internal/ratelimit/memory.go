package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 32

type shard struct {
	mu     sync.Mutex
	states map[string]WindowState
}

// MemoryStore keeps window state in sharded maps. Each credential maps
// to one shard; updates for a credential serialize on its shard lock.
type MemoryStore struct {
	shards [shardCount]*shard
}

// NewMemoryStore creates an empty in-memory state store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i] = &shard{states: make(map[string]WindowState)}
	}
	return s
}

func (s *MemoryStore) shardFor(credential string) *shard {
	h := fnv.New32a()
	h.Write([]byte(credential))
	return s.shards[h.Sum32()%shardCount]
}

// Update applies fn under the credential's shard lock.
func (s *MemoryStore) Update(ctx context.Context, credential string, fn func(WindowState) WindowState) error {
	sh := s.shardFor(credential)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.states[credential] = fn(sh.states[credential])
	return nil
}
