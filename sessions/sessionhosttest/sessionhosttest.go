package sessionhosttest

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/oidc-sessions/sessions"
)

// Fixture is a Host under test together with the clock it expires entries
// against. Advance must move both Now and the host's notion of time forward.
type Fixture struct {
	Host    sessions.Host
	Now     func() time.Time
	Advance func(d time.Duration)
	// NonAtomicIndex marks hosts whose AddToIndex is a read-modify-write
	// sequence. Concurrent upserts to one key are then only guaranteed to
	// leave the TTL at one of the writers' values, not the larger one.
	NonAtomicIndex bool
}

// HostFactory creates a new, empty Fixture for testing.
type HostFactory func(t *testing.T) Fixture

// RunHostTests runs the complete Host and Store test suite against the provided factory.
func RunHostTests(t *testing.T, factory HostFactory) {
	t.Run("Session_PutAndGet", func(t *testing.T) { testPutAndGet(t, factory) })
	t.Run("Session_GetMissing", func(t *testing.T) { testGetMissing(t, factory) })
	t.Run("Session_Expires", func(t *testing.T) { testSessionExpires(t, factory) })
	t.Run("Session_OverwriteReplacesTTL", func(t *testing.T) { testOverwrite(t, factory) })
	t.Run("Session_DeleteIsIdempotent", func(t *testing.T) { testDeleteIdempotent(t, factory) })

	t.Run("Index_SetSemantics", func(t *testing.T) { testIndexSetSemantics(t, factory) })
	t.Run("Index_MissingKeyIsEmpty", func(t *testing.T) { testIndexMissing(t, factory) })
	t.Run("Index_TTLNeverShrinks", func(t *testing.T) { testIndexTTLNeverShrinks(t, factory) })
	t.Run("Index_OutlivesLongestMember", func(t *testing.T) { testIndexOutlivesMembers(t, factory) })
	t.Run("Index_Remove", func(t *testing.T) { testIndexRemove(t, factory) })
	t.Run("Index_ConcurrentUpsertsKeepMaximum", func(t *testing.T) { testIndexConcurrentUpserts(t, factory) })

	t.Run("Store_SetThenGet", func(t *testing.T) { testStoreSetThenGet(t, factory) })
	t.Run("Store_GetNeverWrittenOrExpired", func(t *testing.T) { testStoreGetMissing(t, factory) })
	t.Run("Store_LogoutBySID", func(t *testing.T) { testStoreLogoutBySID(t, factory) })
	t.Run("Store_LogoutBySubAcrossDevices", func(t *testing.T) { testStoreLogoutBySub(t, factory) })
	t.Run("Store_LogoutBySIDAndSub", func(t *testing.T) { testStoreLogoutBoth(t, factory) })
	t.Run("Store_LogoutEmptyTokenIsNoop", func(t *testing.T) { testStoreLogoutEmpty(t, factory) })
	t.Run("Store_RefreshExtendsIndices", func(t *testing.T) { testStoreRefresh(t, factory) })
	t.Run("Store_DeletePrunesIndices", func(t *testing.T) { testStoreDeletePrunes(t, factory) })
}

func newStore(fx Fixture) *sessions.Store {
	return sessions.New(fx.Host, sessions.WithClock(fx.Now))
}

// --- Primary record tests ---

func testPutAndGet(t *testing.T, factory HostFactory) {
	fx := factory(t)
	ctx := t.Context()

	if err := fx.Host.PutSession(ctx, "s1", []byte(`{"a":1}`), time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := fx.Host.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != `{"a":1}` {
		t.Fatalf("unexpected data %q", got)
	}
}

func testGetMissing(t *testing.T, factory HostFactory) {
	fx := factory(t)
	_, err := fx.Host.GetSession(t.Context(), "nope")
	if !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testSessionExpires(t *testing.T, factory HostFactory) {
	fx := factory(t)
	ctx := t.Context()

	if err := fx.Host.PutSession(ctx, "s1", []byte("x"), time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	fx.Advance(59 * time.Second)
	if _, err := fx.Host.GetSession(ctx, "s1"); err != nil {
		t.Fatalf("expected session alive before expiry, got %v", err)
	}
	fx.Advance(2 * time.Second)
	if _, err := fx.Host.GetSession(ctx, "s1"); !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
}

func testOverwrite(t *testing.T, factory HostFactory) {
	fx := factory(t)
	ctx := t.Context()

	if err := fx.Host.PutSession(ctx, "s1", []byte("old"), time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := fx.Host.PutSession(ctx, "s1", []byte("new"), time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}
	fx.Advance(30 * time.Minute)
	got, err := fx.Host.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("expected overwritten session alive, got %v", err)
	}
	if string(got) != "new" {
		t.Fatalf("expected new data, got %q", got)
	}
}

func testDeleteIdempotent(t *testing.T, factory HostFactory) {
	fx := factory(t)
	ctx := t.Context()

	if err := fx.Host.PutSession(ctx, "s1", []byte("x"), time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := fx.Host.DeleteSession(ctx, "s1"); err != nil {
			t.Fatalf("delete %d: %v", i, err)
		}
	}
	if err := fx.Host.DeleteSession(ctx, "never-written"); err != nil {
		t.Fatalf("delete absent: %v", err)
	}
	if _, err := fx.Host.GetSession(ctx, "s1"); !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// --- Index tests ---

func testIndexSetSemantics(t *testing.T, factory HostFactory) {
	fx := factory(t)
	ctx := t.Context()

	for _, id := range []string{"s1", "s2", "s1"} {
		if err := fx.Host.AddToIndex(ctx, "sub:u1", id, time.Hour); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}
	got := members(t, fx, "sub:u1")
	if !slices.Equal(got, []string{"s1", "s2"}) {
		t.Fatalf("expected [s1 s2], got %v", got)
	}
}

func testIndexMissing(t *testing.T, factory HostFactory) {
	fx := factory(t)
	if got := members(t, fx, "sid:none"); len(got) != 0 {
		t.Fatalf("expected empty set, got %v", got)
	}
	ttl, err := fx.Host.IndexTTL(t.Context(), "sid:none")
	if err != nil {
		t.Fatalf("ttl: %v", err)
	}
	if ttl != 0 {
		t.Fatalf("expected zero ttl for absent key, got %s", ttl)
	}
	if err := fx.Host.RemoveFromIndex(t.Context(), "sid:none", "s1"); err != nil {
		t.Fatalf("remove from absent key: %v", err)
	}
}

func testIndexTTLNeverShrinks(t *testing.T, factory HostFactory) {
	fx := factory(t)
	ctx := t.Context()

	if err := fx.Host.AddToIndex(ctx, "sub:u1", "s1", 2*time.Hour); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := fx.Host.AddToIndex(ctx, "sub:u1", "s2", 30*time.Minute); err != nil {
		t.Fatalf("add: %v", err)
	}
	if ttl := indexTTL(t, fx, "sub:u1"); ttl < 2*time.Hour {
		t.Fatalf("ttl shrank to %s", ttl)
	}

	if err := fx.Host.AddToIndex(ctx, "sub:u1", "s3", 3*time.Hour); err != nil {
		t.Fatalf("add: %v", err)
	}
	if ttl := indexTTL(t, fx, "sub:u1"); ttl < 3*time.Hour {
		t.Fatalf("ttl not extended, got %s", ttl)
	}
}

func testIndexOutlivesMembers(t *testing.T, factory HostFactory) {
	fx := factory(t)
	ctx := t.Context()

	if err := fx.Host.AddToIndex(ctx, "sid:a", "s1", time.Hour); err != nil {
		t.Fatalf("add: %v", err)
	}
	fx.Advance(30 * time.Minute)
	if err := fx.Host.AddToIndex(ctx, "sid:a", "s2", time.Hour); err != nil {
		t.Fatalf("add: %v", err)
	}
	fx.Advance(45 * time.Minute)
	if got := members(t, fx, "sid:a"); len(got) != 2 {
		t.Fatalf("index expired before its longest member: %v", got)
	}
	fx.Advance(20 * time.Minute)
	if got := members(t, fx, "sid:a"); len(got) != 0 {
		t.Fatalf("expected index gone after every member expired, got %v", got)
	}
}

func testIndexRemove(t *testing.T, factory HostFactory) {
	fx := factory(t)
	ctx := t.Context()

	for _, id := range []string{"s1", "s2"} {
		if err := fx.Host.AddToIndex(ctx, "sid:a", id, time.Hour); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if err := fx.Host.RemoveFromIndex(ctx, "sid:a", "s1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := fx.Host.RemoveFromIndex(ctx, "sid:a", "s1"); err != nil {
		t.Fatalf("remove again: %v", err)
	}
	if got := members(t, fx, "sid:a"); !slices.Equal(got, []string{"s2"}) {
		t.Fatalf("expected [s2], got %v", got)
	}
}

// testIndexConcurrentUpserts checks, across random TTL pairs written
// concurrently, that the index TTL is at least the larger of the two (or the
// smaller one for non-atomic hosts).
func testIndexConcurrentUpserts(t *testing.T, factory HostFactory) {
	fx := factory(t)
	ctx := t.Context()
	rng := rand.New(rand.NewPCG(1, 2))

	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("sub:prop-%d", i)
		a := time.Duration(1+rng.IntN(4*3600)) * time.Second
		b := time.Duration(1+rng.IntN(4*3600)) * time.Second

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for j, ttl := range []time.Duration{a, b} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[j] = fx.Host.AddToIndex(ctx, key, fmt.Sprintf("s%d", j), ttl)
			}()
		}
		wg.Wait()
		if err := errors.Join(errs...); err != nil {
			t.Fatalf("add: %v", err)
		}

		want := max(a, b)
		if fx.NonAtomicIndex {
			want = min(a, b)
		}
		if got := indexTTL(t, fx, key); got < want {
			t.Fatalf("pair %d (%s, %s): index ttl %s < %s", i, a, b, got, want)
		}
	}
}

// --- Store tests ---

func testStoreSetThenGet(t *testing.T, factory HostFactory) {
	fx := factory(t)
	st := newStore(fx)
	ctx := t.Context()

	rec := sessions.Record{
		SID:       "abc",
		Sub:       "u1",
		ExpiresAt: fx.Now().Add(time.Hour).Truncate(time.Second),
		Tokens:    sessions.TokenSet{AccessToken: "at", IDToken: "idt", RefreshToken: "rt", Scope: "openid", TokenType: "Bearer"},
		User:      map[string]any{"name": "Ada"},
	}
	if err := st.Set(ctx, "s1", rec); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := st.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SID != rec.SID || got.Sub != rec.Sub || !got.ExpiresAt.Equal(rec.ExpiresAt) {
		t.Fatalf("unexpected record %+v", got)
	}
	if got.Tokens != rec.Tokens {
		t.Fatalf("tokens mismatch: %+v", got.Tokens)
	}
	if got.User["name"] != "Ada" {
		t.Fatalf("user payload lost: %v", got.User)
	}
	if got.CreatedAt.IsZero() {
		t.Fatal("expected CreatedAt to be filled in")
	}
}

func testStoreGetMissing(t *testing.T, factory HostFactory) {
	fx := factory(t)
	st := newStore(fx)
	ctx := t.Context()

	if _, err := st.Get(ctx, "never"); !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := st.Set(ctx, "s1", sessions.Record{SID: "a", Sub: "u", ExpiresAt: fx.Now().Add(time.Minute)}); err != nil {
		t.Fatalf("set: %v", err)
	}
	fx.Advance(2 * time.Minute)
	if _, err := st.Get(ctx, "s1"); !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
}

func testStoreLogoutBySID(t *testing.T, factory HostFactory) {
	fx := factory(t)
	st := newStore(fx)
	ctx := t.Context()

	mustSet(t, st, "s1", sessions.Record{SID: "abc", Sub: "u1", ExpiresAt: fx.Now().Add(time.Hour)})
	mustSet(t, st, "s2", sessions.Record{SID: "other", Sub: "u1", ExpiresAt: fx.Now().Add(time.Hour)})

	if err := st.DeleteByLogoutToken(ctx, sessions.LogoutToken{SID: "abc"}); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := st.Get(ctx, "s1"); !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("expected s1 deleted, got %v", err)
	}
	if _, err := st.Get(ctx, "s2"); err != nil {
		t.Fatalf("expected s2 untouched, got %v", err)
	}
	if got := members(t, fx, sessions.SIDKey("abc")); len(got) != 0 {
		t.Fatalf("expected sid index emptied, got %v", got)
	}
}

func testStoreLogoutBySub(t *testing.T, factory HostFactory) {
	fx := factory(t)
	st := newStore(fx)
	ctx := t.Context()

	mustSet(t, st, "s1", sessions.Record{SID: "A", Sub: "U", ExpiresAt: fx.Now().Add(3600 * time.Second)})
	mustSet(t, st, "s2", sessions.Record{SID: "B", Sub: "U", ExpiresAt: fx.Now().Add(7200 * time.Second)})

	if ttl := indexTTL(t, fx, sessions.SubKey("U")); ttl < 7200*time.Second {
		t.Fatalf("sub index ttl %s shorter than longest member", ttl)
	}

	if err := st.DeleteByLogoutToken(ctx, sessions.LogoutToken{Sub: "U"}); err != nil {
		t.Fatalf("logout: %v", err)
	}
	for _, id := range []string{"s1", "s2"} {
		if _, err := st.Get(ctx, id); !errors.Is(err, sessions.ErrNotFound) {
			t.Fatalf("expected %s deleted, got %v", id, err)
		}
	}
}

func testStoreLogoutBoth(t *testing.T, factory HostFactory) {
	fx := factory(t)
	st := newStore(fx)
	ctx := t.Context()

	mustSet(t, st, "s1", sessions.Record{SID: "A", Sub: "U", ExpiresAt: fx.Now().Add(time.Hour)})
	mustSet(t, st, "s2", sessions.Record{SID: "B", Sub: "U", ExpiresAt: fx.Now().Add(time.Hour)})
	mustSet(t, st, "s3", sessions.Record{SID: "A", Sub: "V", ExpiresAt: fx.Now().Add(time.Hour)})
	mustSet(t, st, "s4", sessions.Record{SID: "C", Sub: "W", ExpiresAt: fx.Now().Add(time.Hour)})

	if err := st.DeleteByLogoutToken(ctx, sessions.LogoutToken{SID: "A", Sub: "U"}); err != nil {
		t.Fatalf("logout: %v", err)
	}
	for _, id := range []string{"s1", "s2", "s3"} {
		if _, err := st.Get(ctx, id); !errors.Is(err, sessions.ErrNotFound) {
			t.Fatalf("expected %s deleted, got %v", id, err)
		}
	}
	if _, err := st.Get(ctx, "s4"); err != nil {
		t.Fatalf("expected s4 untouched, got %v", err)
	}
	if got := members(t, fx, sessions.SIDKey("A")); len(got) != 0 {
		t.Fatalf("sid:A not emptied: %v", got)
	}
	if got := members(t, fx, sessions.SubKey("U")); len(got) != 0 {
		t.Fatalf("sub:U not emptied: %v", got)
	}
}

func testStoreLogoutEmpty(t *testing.T, factory HostFactory) {
	fx := factory(t)
	st := newStore(fx)
	ctx := t.Context()

	mustSet(t, st, "s1", sessions.Record{SID: "A", Sub: "U", ExpiresAt: fx.Now().Add(time.Hour)})
	if err := st.DeleteByLogoutToken(ctx, sessions.LogoutToken{}); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
	if err := st.DeleteByLogoutToken(ctx, sessions.LogoutToken{SID: "unknown"}); err != nil {
		t.Fatalf("expected unknown sid to be a no-op, got %v", err)
	}
	if _, err := st.Get(ctx, "s1"); err != nil {
		t.Fatalf("expected s1 untouched, got %v", err)
	}
}

func testStoreRefresh(t *testing.T, factory HostFactory) {
	fx := factory(t)
	st := newStore(fx)
	ctx := t.Context()

	rec := sessions.Record{SID: "A", Sub: "U", ExpiresAt: fx.Now().Add(time.Hour)}
	mustSet(t, st, "s1", rec)
	fx.Advance(50 * time.Minute)

	got, err := st.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	created := got.CreatedAt
	got.ExpiresAt = fx.Now().Add(2 * time.Hour)
	mustSet(t, st, "s1", *got)

	fx.Advance(90 * time.Minute)
	refreshed, err := st.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("expected refreshed session alive, got %v", err)
	}
	if !refreshed.CreatedAt.Equal(created) {
		t.Fatalf("CreatedAt changed on refresh: %s -> %s", created, refreshed.CreatedAt)
	}
	for _, key := range []string{sessions.SIDKey("A"), sessions.SubKey("U")} {
		if got := members(t, fx, key); !slices.Equal(got, []string{"s1"}) {
			t.Fatalf("%s did not outlive refreshed session: %v", key, got)
		}
	}
}

func testStoreDeletePrunes(t *testing.T, factory HostFactory) {
	fx := factory(t)
	st := newStore(fx)
	ctx := t.Context()

	mustSet(t, st, "s1", sessions.Record{SID: "A", Sub: "U", ExpiresAt: fx.Now().Add(time.Hour)})
	mustSet(t, st, "s2", sessions.Record{SID: "B", Sub: "U", ExpiresAt: fx.Now().Add(time.Hour)})

	if err := st.Delete(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := st.Delete(ctx, "s1"); err != nil {
		t.Fatalf("delete again: %v", err)
	}
	if _, err := st.Get(ctx, "s1"); !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("expected s1 deleted, got %v", err)
	}
	if got := members(t, fx, sessions.SubKey("U")); !slices.Equal(got, []string{"s2"}) {
		t.Fatalf("expected sub:U = [s2], got %v", got)
	}
	if got := members(t, fx, sessions.SIDKey("A")); len(got) != 0 {
		t.Fatalf("expected sid:A pruned, got %v", got)
	}
}

// --- Helpers ---

func mustSet(t *testing.T, st *sessions.Store, id string, rec sessions.Record) {
	t.Helper()
	if err := st.Set(t.Context(), id, rec); err != nil {
		t.Fatalf("set %s: %v", id, err)
	}
}

func members(t *testing.T, fx Fixture, key string) []string {
	t.Helper()
	ids, err := fx.Host.IndexMembers(t.Context(), key)
	if err != nil {
		t.Fatalf("members %s: %v", key, err)
	}
	slices.Sort(ids)
	return ids
}

func indexTTL(t *testing.T, fx Fixture, key string) time.Duration {
	t.Helper()
	ttl, err := fx.Host.IndexTTL(t.Context(), key)
	if err != nil {
		t.Fatalf("ttl %s: %v", key, err)
	}
	return ttl
}
