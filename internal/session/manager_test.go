package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, store Store) *Manager {
	t.Helper()
	return NewManager(store, fakeCodec{}, Options{TTL: time.Hour, IdleTimeout: 30 * time.Minute}, testLogger())
}

// cookieFrom returns the session cookie set on rec, or nil.
func cookieFrom(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == DefaultCookieName {
			return c
		}
	}
	return nil
}

// =========================================================================
// COMMIT TESTS
// =========================================================================

func TestCommit_AnonymousWritesNothing(t *testing.T) {
	store := newMemStore()
	m := newTestManager(t, store)

	rec := httptest.NewRecorder()
	require.NoError(t, m.Commit(context.Background(), rec, New()))

	assert.Nil(t, cookieFrom(rec))
	assert.Equal(t, 0, store.len())
}

func TestCommit_AuthenticatedSavesAndSetsCookie(t *testing.T) {
	store := newMemStore()
	m := newTestManager(t, store)

	sess := New()
	sess.SetAuthenticated("alice")

	rec := httptest.NewRecorder()
	require.NoError(t, m.Commit(context.Background(), rec, sess))

	require.NotEmpty(t, sess.ID)
	assert.False(t, sess.renew)
	assert.WithinDuration(t, time.Now().Add(time.Hour), sess.ExpiresAt, 5*time.Second)

	c := cookieFrom(rec)
	require.NotNil(t, c)
	assert.Equal(t, "signed."+sess.ID, c.Value)
	assert.True(t, c.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	assert.Greater(t, c.MaxAge, 0)

	stored, err := store.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", stored.Username)
	assert.True(t, stored.LoggedIn)
}

func TestCommit_AuthenticationRotatesID(t *testing.T) {
	store := newMemStore()
	m := newTestManager(t, store)

	sess := New()
	sess.SetAuthenticated("alice")
	require.NoError(t, m.Commit(context.Background(), httptest.NewRecorder(), sess))
	firstID := sess.ID

	// Authenticating again (e.g. signup flow reusing the session) must not
	// keep the old ID alive.
	sess.SetAuthenticated("alice")
	require.NoError(t, m.Commit(context.Background(), httptest.NewRecorder(), sess))

	assert.NotEqual(t, firstID, sess.ID)
	_, err := store.Get(context.Background(), firstID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, store.len())
}

func TestCommit_ClearDeletesAndExpiresCookie(t *testing.T) {
	store := newMemStore()
	m := newTestManager(t, store)

	sess := New()
	sess.SetAuthenticated("alice")
	require.NoError(t, m.Commit(context.Background(), httptest.NewRecorder(), sess))
	id := sess.ID

	sess.Clear()
	rec := httptest.NewRecorder()
	require.NoError(t, m.Commit(context.Background(), rec, sess))

	_, err := store.Get(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, sess.ID)

	c := cookieFrom(rec)
	require.NotNil(t, c)
	assert.Less(t, c.MaxAge, 0)
}

func TestCommit_ClearOnAnonymousIsIdempotent(t *testing.T) {
	m := newTestManager(t, newMemStore())

	sess := New()
	sess.Clear()
	rec := httptest.NewRecorder()
	require.NoError(t, m.Commit(context.Background(), rec, sess))
	assert.False(t, sess.IsAuthenticated())
}

// =========================================================================
// LOAD / MIDDLEWARE TESTS
// =========================================================================

func TestMiddleware_RoundTrip(t *testing.T) {
	store := newMemStore()
	m := newTestManager(t, store)

	sess := New()
	sess.SetAuthenticated("alice")
	rec := httptest.NewRecorder()
	require.NoError(t, m.Commit(context.Background(), rec, sess))
	cookie := cookieFrom(rec)
	require.NotNil(t, cookie)

	var seen State
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context()).State()
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, State{LoggedIn: true, Username: "alice"}, seen)
}

func TestLoad_NoCookie(t *testing.T) {
	m := newTestManager(t, newMemStore())

	sess := m.Load(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.False(t, sess.IsAuthenticated())
	assert.Empty(t, sess.ID)
}

func TestLoad_ForgedCookie(t *testing.T) {
	m := newTestManager(t, newMemStore())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: "forged"})

	assert.False(t, m.Load(req).IsAuthenticated())
}

func TestLoad_UnknownSessionID(t *testing.T) {
	m := newTestManager(t, newMemStore())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: "signed.does-not-exist"})

	assert.False(t, m.Load(req).IsAuthenticated())
}

func TestLoad_StoreErrorFallsBackToAnonymous(t *testing.T) {
	store := newMemStore()
	store.getErr = errors.New("connection refused")
	m := newTestManager(t, store)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: "signed.abc"})

	assert.False(t, m.Load(req).IsAuthenticated())
}

func TestLoad_ExpiredSessionIsDeleted(t *testing.T) {
	store := newMemStore()
	m := newTestManager(t, store)

	now := time.Now()
	require.NoError(t, store.Save(context.Background(), &Session{
		ID:         "old",
		LoggedIn:   true,
		Username:   "alice",
		CreatedAt:  now.Add(-2 * time.Hour),
		ExpiresAt:  now.Add(-time.Minute),
		LastSeenAt: now.Add(-time.Hour),
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: "signed.old"})

	assert.False(t, m.Load(req).IsAuthenticated())
	assert.Equal(t, 0, store.len())
}

func TestLoad_IdleSessionIsDeleted(t *testing.T) {
	store := newMemStore()
	m := newTestManager(t, store)

	now := time.Now()
	require.NoError(t, store.Save(context.Background(), &Session{
		ID:         "idle",
		LoggedIn:   true,
		Username:   "alice",
		ExpiresAt:  now.Add(time.Hour),
		LastSeenAt: now.Add(-45 * time.Minute),
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: "signed.idle"})

	assert.False(t, m.Load(req).IsAuthenticated())
	assert.Equal(t, 0, store.len())
}

func TestLoad_TouchesLastSeen(t *testing.T) {
	store := newMemStore()
	m := newTestManager(t, store)

	now := time.Now()
	require.NoError(t, store.Save(context.Background(), &Session{
		ID:         "abc",
		LoggedIn:   true,
		Username:   "alice",
		ExpiresAt:  now.Add(time.Hour),
		LastSeenAt: now.Add(-5 * time.Minute),
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: "signed.abc"})
	require.True(t, m.Load(req).IsAuthenticated())

	stored, err := store.Get(context.Background(), "abc")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), stored.LastSeenAt, 5*time.Second)
}
