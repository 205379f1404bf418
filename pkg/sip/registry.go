package sip

import (
	"hash/fnv"
	"sync"
)

// Registry is a sharded string-keyed map used for the transaction and
// dialog tables. Sharding keeps lock contention low when many calls are
// set up and torn down concurrently.
type Registry[V any] struct {
	shards    []*registryShard[V]
	shardMask uint32
}

type registryShard[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

// NewRegistry creates a registry with the given shard count, which must be
// a power of two. Invalid counts fall back to 16.
func NewRegistry[V any](shardCount int) *Registry[V] {
	if shardCount <= 0 || shardCount&(shardCount-1) != 0 {
		shardCount = 16
	}

	r := &Registry[V]{
		shards:    make([]*registryShard[V], shardCount),
		shardMask: uint32(shardCount - 1),
	}
	for i := range r.shards {
		r.shards[i] = &registryShard[V]{items: make(map[string]V)}
	}
	return r
}

func (r *Registry[V]) shard(key string) *registryShard[V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return r.shards[h.Sum32()&r.shardMask]
}

// Store adds or replaces the value for a key
func (r *Registry[V]) Store(key string, value V) {
	s := r.shard(key)
	s.mu.Lock()
	s.items[key] = value
	s.mu.Unlock()
}

// StoreIfAbsent stores the value only when the key is not present and
// reports whether it stored. The check and store are one atomic step, which
// the transaction layer relies on to detect retransmitted requests.
func (r *Registry[V]) StoreIfAbsent(key string, value V) (V, bool) {
	s := r.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.items[key]; ok {
		return existing, false
	}
	s.items[key] = value
	return value, true
}

// Load retrieves the value for a key
func (r *Registry[V]) Load(key string) (V, bool) {
	s := r.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok
}

// Delete removes a key and reports whether it was present
func (r *Registry[V]) Delete(key string) bool {
	s := r.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[key]; !ok {
		return false
	}
	delete(s.items, key)
	return true
}

// Range calls fn for every entry until fn returns false. Each shard is
// locked only while it is being walked.
func (r *Registry[V]) Range(fn func(key string, value V) bool) {
	for _, s := range r.shards {
		s.mu.RLock()
		for k, v := range s.items {
			if !fn(k, v) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}

// Len returns the total number of entries
func (r *Registry[V]) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}
