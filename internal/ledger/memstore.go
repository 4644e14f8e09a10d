package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/roach88/timeledger/internal/ir"
)

// MemStore is an in-memory Store. It backs tests, replays and the
// "memory" store driver.
//
// Thread-safety: all methods are safe for concurrent use. Commit holds the
// write lock for the whole batch, so readers never observe a partial
// decision.
type MemStore struct {
	mu       sync.RWMutex
	events   map[string]ir.PresenceEvent
	sessions map[string]ir.Session
	open     map[ir.SessionKey]string
	byKey    map[ir.SessionKey][]string
	revision int64
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		events:   make(map[string]ir.PresenceEvent),
		sessions: make(map[string]ir.Session),
		open:     make(map[ir.SessionKey]string),
		byKey:    make(map[ir.SessionKey][]string),
	}
}

// HasEvent implements Store.
func (m *MemStore) HasEvent(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.events[id]
	return ok, nil
}

// OpenSession implements Store.
func (m *MemStore) OpenSession(_ context.Context, key ir.SessionKey) (ir.Session, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.openFor(key)
}

func (m *MemStore) openFor(key ir.SessionKey) (ir.Session, bool, error) {
	id, ok := m.open[key]
	if !ok {
		return ir.Session{}, false, nil
	}
	return m.sessions[id].Clone(), true, nil
}

// OpenSessionsFor implements Store.
func (m *MemStore) OpenSessionsFor(_ context.Context, subjectID string, category ir.Category) ([]ir.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []ir.Session{}
	for key, id := range m.open {
		if key.SubjectID == subjectID && key.Category == category {
			out = append(out, m.sessions[id].Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OriginID < out[j].OriginID })
	return out, nil
}

// Watermark implements Store.
func (m *MemStore) Watermark(_ context.Context, key ir.SessionKey) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var mark time.Time
	found := false
	for _, id := range m.byKey[key] {
		s := m.sessions[id]
		if !s.IsClosed() || s.EndedAt == nil {
			continue
		}
		if !found || s.EndedAt.After(mark) {
			mark = *s.EndedAt
			found = true
		}
	}
	return mark, found, nil
}

// Commit implements Store.
func (m *MemStore) Commit(ctx context.Context, b Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if b.Event != nil {
		if _, ok := m.events[b.Event.ID]; ok {
			return ErrDuplicateEvent
		}
	}
	if err := CheckBatch(memView{m}, b); err != nil {
		return err
	}

	if b.Event != nil {
		m.events[b.Event.ID] = *b.Event
	}
	for _, s := range b.Put {
		m.write(s)
	}
	for _, s := range b.Append {
		m.byKey[s.Key()] = append(m.byKey[s.Key()], s.ID)
		m.write(s)
	}
	return nil
}

// write stores s with the next revision and keeps the open index current.
// Callers hold the write lock.
func (m *MemStore) write(s ir.Session) {
	m.revision++
	s = s.Clone()
	s.Revision = m.revision
	m.sessions[s.ID] = s

	key := s.Key()
	if s.State == ir.StateOpen {
		m.open[key] = s.ID
	} else if m.open[key] == s.ID {
		delete(m.open, key)
	}
}

// ListSessions implements Store.
func (m *MemStore) ListSessions(_ context.Context, f ir.SessionFilter) ([]ir.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []ir.Session{}
	for _, s := range m.sessions {
		if f.Match(s) {
			out = append(out, s.Clone())
		}
	}
	SortSessions(out)
	return out, nil
}

// ListEvents implements Store.
func (m *MemStore) ListEvents(_ context.Context, f ir.EventFilter) ([]ir.PresenceEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []ir.PresenceEvent{}
	for _, e := range m.events {
		if f.SubjectID != "" && e.SubjectID != f.SubjectID {
			continue
		}
		if !f.From.IsZero() && e.Timestamp.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !e.Timestamp.Before(f.To) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].IngestSeq < out[j].IngestSeq
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Revision implements Store.
func (m *MemStore) Revision(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.revision, nil
}

// Close implements Store.
func (m *MemStore) Close() error { return nil }

type memView struct{ m *MemStore }

func (v memView) Get(id string) (ir.Session, bool, error) {
	s, ok := v.m.sessions[id]
	return s, ok, nil
}

func (v memView) OpenFor(key ir.SessionKey) (ir.Session, bool, error) {
	return v.m.openFor(key)
}

// SortSessions orders sessions by StartedAt, then ID, the order every
// backend returns from ListSessions.
func SortSessions(s []ir.Session) {
	sort.Slice(s, func(i, j int) bool {
		if !s[i].StartedAt.Equal(s[j].StartedAt) {
			return s[i].StartedAt.Before(s[j].StartedAt)
		}
		return s[i].ID < s[j].ID
	})
}
