package sessions_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/oidc-sessions/fanout"
	"github.com/ggoodman/oidc-sessions/sessions"
	"github.com/ggoodman/oidc-sessions/sessions/memoryhost"
)

// faultyHost wraps a real host and fails selected calls.
type faultyHost struct {
	sessions.Host

	mu             sync.Mutex
	failGet        error
	failPut        error
	failDelete     map[string]error // by session id
	failAddToIndex map[string]error // by index key
	failMembers    map[string]error // by index key
	block          chan struct{}    // when set, DeleteSession waits on it
	deleted        []string
}

func newFaultyHost() *faultyHost {
	return &faultyHost{
		Host:           memoryhost.New(),
		failDelete:     make(map[string]error),
		failAddToIndex: make(map[string]error),
		failMembers:    make(map[string]error),
	}
}

func (h *faultyHost) GetSession(ctx context.Context, id string) ([]byte, error) {
	if h.failGet != nil {
		return nil, h.failGet
	}
	return h.Host.GetSession(ctx, id)
}

func (h *faultyHost) PutSession(ctx context.Context, id string, data []byte, ttl time.Duration) error {
	if h.failPut != nil {
		return h.failPut
	}
	return h.Host.PutSession(ctx, id, data, ttl)
}

func (h *faultyHost) DeleteSession(ctx context.Context, id string) error {
	if h.block != nil {
		<-h.block
	}
	h.mu.Lock()
	err := h.failDelete[id]
	if err == nil {
		h.deleted = append(h.deleted, id)
	}
	h.mu.Unlock()
	if err != nil {
		return err
	}
	return h.Host.DeleteSession(ctx, id)
}

func (h *faultyHost) AddToIndex(ctx context.Context, key, id string, ttl time.Duration) error {
	if err := h.failAddToIndex[key]; err != nil {
		return err
	}
	return h.Host.AddToIndex(ctx, key, id, ttl)
}

func (h *faultyHost) IndexMembers(ctx context.Context, key string) ([]string, error) {
	if err := h.failMembers[key]; err != nil {
		return nil, err
	}
	return h.Host.IndexMembers(ctx, key)
}

func newTestStore(h sessions.Host, buf *bytes.Buffer) *sessions.Store {
	log := slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return sessions.New(h, sessions.WithLogger(log))
}

func record(sid, sub string, ttl time.Duration) sessions.Record {
	return sessions.Record{SID: sid, Sub: sub, ExpiresAt: time.Now().Add(ttl)}
}

func TestLogoutPartialFailure(t *testing.T) {
	h := newFaultyHost()
	var logs bytes.Buffer
	st := newTestStore(h, &logs)
	ctx := t.Context()

	for _, id := range []string{"s1", "s2", "s3"} {
		if err := st.Set(ctx, id, record("abc", "u-"+id, time.Hour)); err != nil {
			t.Fatalf("set %s: %v", id, err)
		}
	}
	errDown := errors.New("shard down")
	h.failDelete["s2"] = errDown

	err := st.DeleteByLogoutToken(ctx, sessions.LogoutToken{SID: "abc"})

	var agg *fanout.Error
	if !errors.As(err, &agg) {
		t.Fatalf("expected *fanout.Error, got %T (%v)", err, err)
	}
	if len(agg.Failures) != 1 || !agg.Failed("delete session s2") {
		t.Fatalf("expected only s2 to fail, got %+v", agg.Failures)
	}
	if !errors.Is(err, errDown) {
		t.Fatal("expected aggregate to wrap the host error")
	}
	if msg := err.Error(); strings.Contains(msg, "s1") || strings.Contains(msg, "s3") {
		t.Fatalf("error names sessions that succeeded: %q", msg)
	}

	for _, id := range []string{"s1", "s3"} {
		if _, err := st.Get(ctx, id); !errors.Is(err, sessions.ErrNotFound) {
			t.Fatalf("expected %s deleted despite s2 failing, got %v", id, err)
		}
	}
	if _, err := st.Get(ctx, "s2"); err != nil {
		t.Fatalf("expected s2 still present, got %v", err)
	}
	if !strings.Contains(logs.String(), "back-channel logout incomplete") {
		t.Fatalf("expected failure to be logged, got %s", logs.String())
	}

	// Retrying once the host recovers finishes the job.
	delete(h.failDelete, "s2")
	if err := st.DeleteByLogoutToken(ctx, sessions.LogoutToken{SID: "abc"}); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if _, err := st.Get(ctx, "s2"); !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("expected s2 deleted on retry, got %v", err)
	}
}

func TestLogoutIndexReadFailureDoesNotStopOtherKey(t *testing.T) {
	h := newFaultyHost()
	var logs bytes.Buffer
	st := newTestStore(h, &logs)
	ctx := t.Context()

	if err := st.Set(ctx, "s1", record("A", "U", time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := st.Set(ctx, "s2", record("B", "U", time.Hour)); err != nil {
		t.Fatal(err)
	}
	h.failMembers[sessions.SIDKey("A")] = errors.New("read timeout")

	err := st.DeleteByLogoutToken(ctx, sessions.LogoutToken{SID: "A", Sub: "U"})
	var agg *fanout.Error
	if !errors.As(err, &agg) {
		t.Fatalf("expected *fanout.Error, got %v", err)
	}
	if len(agg.Failures) != 1 || !agg.Failed("read sid:A") {
		t.Fatalf("unexpected failures: %+v", agg.Failures)
	}
	for _, id := range []string{"s1", "s2"} {
		if _, err := st.Get(ctx, id); !errors.Is(err, sessions.ErrNotFound) {
			t.Fatalf("expected %s deleted through sub index, got %v", id, err)
		}
	}
}

func TestLogoutDeletesSharedMemberOnce(t *testing.T) {
	h := newFaultyHost()
	var logs bytes.Buffer
	st := newTestStore(h, &logs)
	ctx := t.Context()

	if err := st.Set(ctx, "s1", record("A", "U", time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := st.DeleteByLogoutToken(ctx, sessions.LogoutToken{SID: "A", Sub: "U"}); err != nil {
		t.Fatal(err)
	}
	if len(h.deleted) != 1 || h.deleted[0] != "s1" {
		t.Fatalf("expected a single delete of s1, got %v", h.deleted)
	}
	for _, key := range []string{sessions.SIDKey("A"), sessions.SubKey("U")} {
		if ids, _ := h.IndexMembers(ctx, key); len(ids) != 0 {
			t.Fatalf("%s not emptied: %v", key, ids)
		}
	}
}

func TestLogoutCallerTimeoutIsIncomplete(t *testing.T) {
	h := newFaultyHost()
	var logs bytes.Buffer
	st := newTestStore(h, &logs)

	if err := st.Set(t.Context(), "s1", record("A", "U", time.Hour)); err != nil {
		t.Fatal(err)
	}
	h.block = make(chan struct{})
	defer close(h.block)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	err := st.DeleteByLogoutToken(ctx, sessions.LogoutToken{SID: "A"})
	if !errors.Is(err, fanout.ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
}

func TestGetFailsOpen(t *testing.T) {
	h := newFaultyHost()
	var logs bytes.Buffer
	st := newTestStore(h, &logs)
	ctx := t.Context()

	if err := st.Set(ctx, "s1", record("A", "U", time.Hour)); err != nil {
		t.Fatal(err)
	}
	h.failGet = errors.New("connection reset")

	rec, err := st.Get(ctx, "s1")
	if !errors.Is(err, sessions.ErrNotFound) || rec != nil {
		t.Fatalf("expected ErrNotFound, got %v, %v", rec, err)
	}
	out := logs.String()
	if !strings.Contains(out, "connection reset") || !strings.Contains(out, `"op":"get"`) {
		t.Fatalf("expected warn log with op context, got %s", out)
	}
}

func TestGetUndecodableIsNotFound(t *testing.T) {
	h := memoryhost.New()
	var logs bytes.Buffer
	st := newTestStore(h, &logs)
	ctx := t.Context()

	if err := h.PutSession(ctx, "s1", []byte("not json"), time.Hour); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Get(ctx, "s1"); !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := st.Get(ctx, ""); !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for empty id, got %v", err)
	}
}

func TestSetSurvivesIndexFailure(t *testing.T) {
	h := newFaultyHost()
	var logs bytes.Buffer
	st := newTestStore(h, &logs)
	ctx := t.Context()

	h.failAddToIndex[sessions.SIDKey("A")] = errors.New("OOM command not allowed")

	if err := st.Set(ctx, "s1", record("A", "U", time.Hour)); err != nil {
		t.Fatalf("expected Set to succeed despite index failure, got %v", err)
	}
	if _, err := st.Get(ctx, "s1"); err != nil {
		t.Fatalf("expected primary record durable, got %v", err)
	}
	if ids, _ := h.IndexMembers(ctx, sessions.SubKey("U")); len(ids) != 1 {
		t.Fatalf("expected the healthy index updated, got %v", ids)
	}
	if !strings.Contains(logs.String(), "session index maintenance failed") {
		t.Fatalf("expected index failure logged, got %s", logs.String())
	}

	// The next write heals the missing entry.
	delete(h.failAddToIndex, sessions.SIDKey("A"))
	if err := st.Set(ctx, "s1", record("A", "U", 2*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if ids, _ := h.IndexMembers(ctx, sessions.SIDKey("A")); len(ids) != 1 {
		t.Fatalf("expected sid index healed, got %v", ids)
	}
}

func TestSetPrimaryFailure(t *testing.T) {
	h := newFaultyHost()
	var logs bytes.Buffer
	st := newTestStore(h, &logs)
	ctx := t.Context()

	h.failPut = errors.New("read-only replica")
	err := st.Set(ctx, "s1", record("A", "U", time.Hour))
	if err == nil || !errors.Is(err, h.failPut) {
		t.Fatalf("expected primary failure, got %v", err)
	}
	if ids, _ := h.IndexMembers(ctx, sessions.SIDKey("A")); len(ids) != 0 {
		t.Fatalf("expected no index entries without a primary record, got %v", ids)
	}
}

func TestSetValidation(t *testing.T) {
	st := sessions.New(memoryhost.New())
	if err := st.Set(t.Context(), "", record("A", "U", time.Hour)); !errors.Is(err, sessions.ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
}

func TestSetExpiredRecordDeletes(t *testing.T) {
	h := memoryhost.New()
	st := sessions.New(h)
	ctx := t.Context()

	if err := st.Set(ctx, "s1", record("A", "U", time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := st.Set(ctx, "s1", record("A", "U", -time.Minute)); err != nil {
		t.Fatalf("expected expired write to succeed as delete, got %v", err)
	}
	if _, err := st.Get(ctx, "s1"); !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("expected s1 gone, got %v", err)
	}
	if ids, _ := h.IndexMembers(ctx, sessions.SIDKey("A")); len(ids) != 0 {
		t.Fatalf("expected s1 pruned from sid index, got %v", ids)
	}
}

func TestSetSkipsEmptyClaims(t *testing.T) {
	h := memoryhost.New()
	st := sessions.New(h)
	ctx := t.Context()

	if err := st.Set(ctx, "s1", record("", "U", time.Hour)); err != nil {
		t.Fatal(err)
	}
	if ids, _ := h.IndexMembers(ctx, sessions.SIDKey("")); len(ids) != 0 {
		t.Fatalf("expected no empty sid index, got %v", ids)
	}
	if ids, _ := h.IndexMembers(ctx, sessions.SubKey("U")); len(ids) != 1 {
		t.Fatalf("expected sub index, got %v", ids)
	}
}

func TestDeleteHostFailure(t *testing.T) {
	h := newFaultyHost()
	st := sessions.New(h)

	h.failDelete["s1"] = errors.New("timeout")
	if err := st.Delete(t.Context(), "s1"); err == nil {
		t.Fatal("expected delete failure to surface")
	}
	if err := st.Delete(t.Context(), ""); err != nil {
		t.Fatalf("expected empty id to be a no-op, got %v", err)
	}
}

func TestNewIDIsUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id := sessions.NewID()
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = struct{}{}
	}
}

func TestCloseClosesHost(t *testing.T) {
	h := memoryhost.New()
	st := sessions.New(h)
	ctx := t.Context()

	if err := st.Set(ctx, "s1", record("A", "U", time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := h.GetSession(ctx, "s1"); !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("expected host state dropped, got %v", err)
	}
}
