package memoryhost

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/ggoodman/oidc-sessions/sessions"
)

// Host is an in-memory implementation of sessions.Host.
type Host struct {
	now func() time.Time

	mu       sync.RWMutex
	sessions map[string]entry
	indices  map[string]*index
}

type entry struct {
	data      []byte
	expiresAt time.Time
}

type index struct {
	members   map[string]struct{}
	expiresAt time.Time
}

// Option configures a Host.
type Option func(*Host)

// WithClock overrides the time source used for expiry. Share the same clock
// with sessions.WithClock when simulating the passage of time in tests.
func WithClock(now func() time.Time) Option {
	return func(h *Host) {
		if now != nil {
			h.now = now
		}
	}
}

func New(opts ...Option) *Host {
	h := &Host{
		now:      time.Now,
		sessions: make(map[string]entry),
		indices:  make(map[string]*index),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// --- Primary records ---

func (h *Host) GetSession(ctx context.Context, id string) ([]byte, error) {
	now := h.now()

	h.mu.RLock()
	e, ok := h.sessions[id]
	h.mu.RUnlock()

	if !ok {
		return nil, sessions.ErrNotFound
	}
	if !now.Before(e.expiresAt) {
		h.mu.Lock()
		// Re-check under the write lock; a concurrent Put may have replaced it.
		if cur, ok := h.sessions[id]; ok && !now.Before(cur.expiresAt) {
			delete(h.sessions, id)
		}
		h.mu.Unlock()
		return nil, sessions.ErrNotFound
	}
	return append([]byte(nil), e.data...), nil
}

func (h *Host) PutSession(ctx context.Context, id string, data []byte, ttl time.Duration) error {
	e := entry{data: append([]byte(nil), data...), expiresAt: h.now().Add(ttl)}

	h.mu.Lock()
	h.sessions[id] = e
	h.mu.Unlock()
	return nil
}

func (h *Host) DeleteSession(ctx context.Context, id string) error {
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
	return nil
}

// --- Inverse indices ---

func (h *Host) AddToIndex(ctx context.Context, key, id string, ttl time.Duration) error {
	now := h.now()
	want := now.Add(ttl)

	h.mu.Lock()
	defer h.mu.Unlock()

	idx := h.liveIndexLocked(key, now)
	if idx == nil {
		idx = &index{members: make(map[string]struct{}), expiresAt: want}
		h.indices[key] = idx
	}
	idx.members[id] = struct{}{}
	if want.After(idx.expiresAt) {
		idx.expiresAt = want
	}
	return nil
}

func (h *Host) IndexMembers(ctx context.Context, key string) ([]string, error) {
	now := h.now()

	h.mu.Lock()
	defer h.mu.Unlock()

	idx := h.liveIndexLocked(key, now)
	if idx == nil {
		return []string{}, nil
	}
	ids := make([]string, 0, len(idx.members))
	for id := range idx.members {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (h *Host) RemoveFromIndex(ctx context.Context, key, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx, ok := h.indices[key]
	if !ok {
		return nil
	}
	delete(idx.members, id)
	// Like a Redis set, an empty index ceases to exist.
	if len(idx.members) == 0 {
		delete(h.indices, key)
	}
	return nil
}

func (h *Host) IndexTTL(ctx context.Context, key string) (time.Duration, error) {
	now := h.now()

	h.mu.Lock()
	defer h.mu.Unlock()

	idx := h.liveIndexLocked(key, now)
	if idx == nil {
		return 0, nil
	}
	return idx.expiresAt.Sub(now), nil
}

// Close drops all state.
func (h *Host) Close() error {
	h.mu.Lock()
	h.sessions = make(map[string]entry)
	h.indices = make(map[string]*index)
	h.mu.Unlock()
	return nil
}

// liveIndexLocked returns the index at key, evicting it if expired. Callers
// must hold h.mu for writing.
func (h *Host) liveIndexLocked(key string, now time.Time) *index {
	idx, ok := h.indices[key]
	if !ok {
		return nil
	}
	if !now.Before(idx.expiresAt) {
		delete(h.indices, key)
		return nil
	}
	return idx
}

// Interface compliance
var _ sessions.Host = (*Host)(nil)
