package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ggoodman/oidc-sessions/fanout"
	"github.com/ggoodman/oidc-sessions/internal/logctx"
)

// DeleteByLogoutToken deletes every session listed under the token's sid
// and/or sub index and removes it from those indices. A token with neither
// claim is a no-op.
//
// Index reads, record deletions and index removals each run concurrently and
// are settled before returning. A session is removed from its indices only
// after its record was deleted. When any step fails, the returned error is a
// *fanout.Error naming each failed step; every other deletion stays in
// effect. If ctx ends first, the error matches fanout.ErrIncomplete and the
// outcome is unknown. Deletions are idempotent, so repeating the call is
// always safe.
func (s *Store) DeleteByLogoutToken(ctx context.Context, tok LogoutToken) error {
	keys := indexKeys(tok.SID, tok.Sub)
	if len(keys) == 0 {
		return nil
	}
	ctx = logctx.WithOpData(ctx, &logctx.OpData{Op: "logout", SID: tok.SID, Sub: tok.Sub})

	members := make([][]string, len(keys))
	reads := make([]fanout.Task, len(keys))
	for i, key := range keys {
		reads[i] = fanout.Task{
			Name: "read " + key,
			Fn: func(ctx context.Context) error {
				ids, err := s.host.IndexMembers(ctx, key)
				if err != nil {
					return err
				}
				members[i] = ids
				return nil
			},
		}
	}
	readErr := fanout.Run(ctx, s.limit, reads...)
	if errors.Is(readErr, fanout.ErrIncomplete) {
		return s.logoutDone(ctx, 0, readErr)
	}

	// A session listed under both sid and sub is deleted once and removed
	// from each index it appeared in.
	var ids []string
	listedIn := make(map[string][]string)
	for i, key := range keys {
		for _, id := range members[i] {
			if _, seen := listedIn[id]; !seen {
				ids = append(ids, id)
			}
			listedIn[id] = append(listedIn[id], key)
		}
	}

	// Primary records go first. An id leaves its indices only once its record
	// is gone, so a retry still finds every session that survived.
	deletes := make([]fanout.Task, len(ids))
	for i, id := range ids {
		deletes[i] = fanout.Task{
			Name: "delete session " + id,
			Fn: func(ctx context.Context) error {
				return s.host.DeleteSession(ctx, id)
			},
		}
	}
	results, err := fanout.Collect(ctx, s.limit, deletes...)
	if err != nil {
		return s.logoutDone(ctx, len(ids), combine(readErr, err))
	}

	var removals []fanout.Task
	for i, r := range results {
		if r.Err != nil {
			continue
		}
		for _, key := range listedIn[ids[i]] {
			removals = append(removals, s.removeTask(key, ids[i]))
		}
	}
	removeErr := fanout.Run(ctx, s.limit, removals...)

	return s.logoutDone(ctx, len(ids), combine(readErr, fanout.Join(results), removeErr))
}

func (s *Store) logoutDone(ctx context.Context, n int, err error) error {
	if err != nil {
		s.log.ErrorContext(ctx, "back-channel logout incomplete",
			slog.Int("sessions", n),
			slog.String("err", err.Error()),
		)
		return err
	}
	s.log.InfoContext(ctx, "back-channel logout", slog.Int("sessions", n))
	return nil
}

// combine merges the failures of each phase into a single *fanout.Error,
// keeping ErrIncomplete visible when a phase timed out. Each err is nil, an
// ErrIncomplete error, or a *fanout.Error.
func combine(errs ...error) error {
	var failures []fanout.Failure
	var incomplete error
	for _, err := range errs {
		var agg *fanout.Error
		switch {
		case err == nil:
		case errors.Is(err, fanout.ErrIncomplete):
			incomplete = err
		case errors.As(err, &agg):
			failures = append(failures, agg.Failures...)
		default:
			failures = append(failures, fanout.Failure{Name: "logout", Err: err})
		}
	}

	if incomplete != nil {
		if len(failures) > 0 {
			return fmt.Errorf("%w; %w", incomplete, &fanout.Error{Failures: failures})
		}
		return incomplete
	}
	if len(failures) == 0 {
		return nil
	}
	return &fanout.Error{Failures: failures}
}
