package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/oidc-sessions/fanout"
	"github.com/ggoodman/oidc-sessions/internal/logctx"
)

// ErrInvalidID is returned by Set when the session id is empty.
var ErrInvalidID = errors.New("invalid session id")

// DefaultFanOutLimit bounds the number of concurrent host calls issued by a
// single index update or logout cascade.
const DefaultFanOutLimit = 16

// Store persists sessions through a Host and keeps the sid and sub inverse
// indices needed for back-channel logout.
type Store struct {
	host  Host
	log   *slog.Logger
	now   func() time.Time
	limit int
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for fail-open reads and best-effort index
// maintenance. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides the time source used to derive TTLs from ExpiresAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithFanOutLimit bounds concurrent host calls per operation. Values <= 0
// remove the bound.
func WithFanOutLimit(n int) Option {
	return func(s *Store) { s.limit = n }
}

// New constructs a Store over host. The Store takes ownership of host and
// closes it in Close.
func New(host Host, opts ...Option) *Store {
	s := &Store{
		host:  host,
		log:   slog.Default(),
		now:   time.Now,
		limit: DefaultFanOutLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logctx.Wrap(s.log)
	return s
}

// Get returns the session stored under id. It returns ErrNotFound when the
// session is absent or expired, and also when the host fails: an unreadable
// session is treated as a missing one and the failure is logged.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	ctx = logctx.WithOpData(ctx, &logctx.OpData{Op: "get", SessionID: id})

	data, err := s.host.GetSession(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.log.WarnContext(ctx, "session read failed, treating as not found", slog.String("err", err.Error()))
		}
		return nil, ErrNotFound
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.log.WarnContext(ctx, "session decode failed, treating as not found", slog.String("err", err.Error()))
		return nil, ErrNotFound
	}
	if !rec.ExpiresAt.IsZero() && !s.now().Before(rec.ExpiresAt) {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// Set stores rec under id with a lifetime ending at rec.ExpiresAt and then
// adds id to the record's sid and sub indices. Only a failure of the primary
// write is returned; index failures are logged. A record that has already
// expired deletes id instead.
func (s *Store) Set(ctx context.Context, id string, rec Record) error {
	if id == "" {
		return ErrInvalidID
	}
	ctx = logctx.WithOpData(ctx, &logctx.OpData{Op: "set", SessionID: id, SID: rec.SID, Sub: rec.Sub})

	now := s.now()
	ttl := rec.ExpiresAt.Sub(now)
	if ttl <= 0 {
		s.log.DebugContext(ctx, "session already expired, deleting")
		return s.Delete(ctx, id)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", id, err)
	}
	if err := s.host.PutSession(ctx, id, data, ttl); err != nil {
		return fmt.Errorf("write session %s: %w", id, err)
	}

	if err := s.index(ctx, id, indexKeys(rec.SID, rec.Sub), ttl); err != nil {
		s.log.ErrorContext(ctx, "session index maintenance failed", slog.String("err", err.Error()))
	}
	return nil
}

// Delete removes the session stored under id. Deleting an absent session is
// not an error. When the record is still readable, id is also pruned from its
// indices on a best-effort basis.
func (s *Store) Delete(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	ctx = logctx.WithOpData(ctx, &logctx.OpData{Op: "delete", SessionID: id})

	var keys []string
	if data, err := s.host.GetSession(ctx, id); err == nil {
		var rec Record
		if json.Unmarshal(data, &rec) == nil {
			keys = indexKeys(rec.SID, rec.Sub)
		}
	}

	if err := s.host.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}

	if len(keys) > 0 {
		tasks := make([]fanout.Task, 0, len(keys))
		for _, key := range keys {
			tasks = append(tasks, s.removeTask(key, id))
		}
		if err := fanout.Run(ctx, s.limit, tasks...); err != nil {
			s.log.WarnContext(ctx, "session index pruning failed", slog.String("err", err.Error()))
		}
	}
	return nil
}

// Close closes the underlying host.
func (s *Store) Close() error {
	return s.host.Close()
}

func (s *Store) index(ctx context.Context, id string, keys []string, ttl time.Duration) error {
	tasks := make([]fanout.Task, 0, len(keys))
	for _, key := range keys {
		tasks = append(tasks, fanout.Task{
			Name: "index " + id + " in " + key,
			Fn: func(ctx context.Context) error {
				return s.host.AddToIndex(ctx, key, id, ttl)
			},
		})
	}
	return fanout.Run(ctx, s.limit, tasks...)
}

func (s *Store) removeTask(key, id string) fanout.Task {
	return fanout.Task{
		Name: "remove " + id + " from " + key,
		Fn: func(ctx context.Context) error {
			return s.host.RemoveFromIndex(ctx, key, id)
		},
	}
}
