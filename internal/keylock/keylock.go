// Package keylock serializes work per session key.
//
// Decisions for the same (subject, category, origin) key must be strictly
// ordered, while different keys proceed in parallel. Locker keeps one
// refcounted semaphore per key, spread over shards so unrelated keys never
// contend on a shared map lock. Entries are dropped as soon as the last
// holder or waiter releases them, so memory tracks active keys only.
//
// Multi-key acquisition always takes keys in sorted order, which rules out
// lock-order deadlocks between callers that need overlapping key sets.
package keylock

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
)

const shardCount = 64

type entry struct {
	sem  chan struct{}
	refs int
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Locker hands out per-key mutual exclusion.
type Locker struct {
	shards [shardCount]shard
}

// New creates an empty Locker.
func New() *Locker {
	l := &Locker{}
	for i := range l.shards {
		l.shards[i].entries = make(map[string]*entry)
	}
	return l
}

func (l *Locker) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &l.shards[h.Sum32()%shardCount]
}

// acquireRef registers interest in key and returns its entry.
func (l *Locker) acquireRef(key string) *entry {
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		s.entries[key] = e
	}
	e.refs++
	return e
}

// releaseRef drops interest in key, deleting the entry when unused.
func (l *Locker) releaseRef(key string) {
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[key]
	e.refs--
	if e.refs == 0 {
		delete(s.entries, key)
	}
}

// Lock acquires every key, blocking until all are held or ctx is done.
// The returned function releases them; it must be called exactly once.
func (l *Locker) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = normalizeKeys(keys)

	held := make([]string, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			e := l.lookup(held[i])
			<-e.sem
			l.releaseRef(held[i])
		}
	}

	for _, key := range keys {
		e := l.acquireRef(key)
		select {
		case e.sem <- struct{}{}:
			held = append(held, key)
		case <-ctx.Done():
			l.releaseRef(key)
			release()
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

// lookup returns the entry for a key the caller currently holds.
func (l *Locker) lookup(key string) *entry {
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[key]
}

// Len reports how many keys are currently held or awaited.
func (l *Locker) Len() int {
	n := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

func normalizeKeys(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	j := 0
	for i, k := range out {
		if i > 0 && k == out[j-1] {
			continue
		}
		out[j] = k
		j++
	}
	return out[:j]
}
