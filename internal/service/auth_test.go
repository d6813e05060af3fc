package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/session-auth/internal/apperror"
	"github.com/sakif/session-auth/internal/auth"
	"github.com/sakif/session-auth/internal/metrics"
	"github.com/sakif/session-auth/internal/model"
	"github.com/sakif/session-auth/internal/session"
)

// =========================================================================
// FAKES AND HELPERS
// =========================================================================

// fakeUserRepo is an in-memory repository.UserRepository that behaves like
// the SQL stores: primary key on username, NotFound on missing rows.
type fakeUserRepo struct {
	mu    sync.Mutex
	users map[string]model.User

	// set to simulate storage failures
	findErr   error
	insertErr error
	updateErr error
	// skipFind makes FindByUsername always miss, to exercise the insert race
	skipFind bool
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[string]model.User)}
}

func (f *fakeUserRepo) FindByUsername(_ context.Context, username string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	u, ok := f.users[username]
	if !ok || f.skipFind {
		return nil, apperror.NotFound("user", username)
	}
	return &u, nil
}

func (f *fakeUserRepo) Insert(_ context.Context, user *model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	if _, ok := f.users[user.Username]; ok {
		return apperror.Conflict("user", user.Username)
	}
	f.users[user.Username] = *user
	return nil
}

func (f *fakeUserRepo) UpdateFields(_ context.Context, username string, upd model.UserUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	u, ok := f.users[username]
	if !ok {
		return apperror.NotFound("user", username)
	}
	if upd.PasswordSet() {
		u.Password = *upd.Password
	}
	if upd.EmailSet() {
		u.Email = *upd.Email
	}
	f.users[username] = u
	return nil
}

func (f *fakeUserRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.users)
}

// countingHasher records how many comparisons ran.
type countingHasher struct {
	*auth.PasswordService
	verifies int
}

func (c *countingHasher) Verify(hash, plaintext string) (bool, error) {
	c.verifies++
	return c.PasswordService.Verify(hash, plaintext)
}

type testEnv struct {
	svc     *AuthService
	repo    *fakeUserRepo
	hasher  *countingHasher
	metrics *metrics.Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo := newFakeUserRepo()
	hasher := &countingHasher{PasswordService: auth.NewPasswordServiceForTest(4)}
	m := metrics.New(prometheus.NewRegistry())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return &testEnv{
		svc:     NewAuthService(repo, hasher, m, logger),
		repo:    repo,
		hasher:  hasher,
		metrics: m,
	}
}

func (e *testEnv) signup(t *testing.T, username, password, email string) {
	t.Helper()
	require.NoError(t, e.svc.Signup(context.Background(), session.New(), username, password, email))
}

func (e *testEnv) events(event, outcome string) float64 {
	return testutil.ToFloat64(e.metrics.AuthEvents.WithLabelValues(event, outcome))
}

// =========================================================================
// LOGIN
// =========================================================================

func TestLogin_Success(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "alice", "pw1", "")

	sess := session.New()
	require.NoError(t, env.svc.Login(context.Background(), sess, "Alice", "pw1"))

	assert.Equal(t, session.State{LoggedIn: true, Username: "alice"}, sess.State())
	assert.Equal(t, 1.0, env.events(metrics.EventLogin, metrics.OutcomeSuccess))
}

func TestLogin_WrongPassword(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "alice", "pw1", "")

	sess := session.New()
	err := env.svc.Login(context.Background(), sess, "alice", "wrong")

	assert.ErrorIs(t, err, apperror.ErrUnauthorized)
	assert.False(t, sess.IsAuthenticated())
	assert.Equal(t, 1.0, env.events(metrics.EventLogin, metrics.OutcomeRejected))
}

func TestLogin_UnknownUserLooksLikeWrongPassword(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "alice", "pw1", "")

	errUnknown := env.svc.Login(context.Background(), session.New(), "nobody", "pw1")
	errWrong := env.svc.Login(context.Background(), session.New(), "alice", "nope")

	require.Error(t, errUnknown)
	require.Error(t, errWrong)
	assert.Equal(t, errWrong.Error(), errUnknown.Error())

	var appErr *apperror.AppError
	require.True(t, errors.As(errUnknown, &appErr))
	assert.ErrorIs(t, appErr, apperror.ErrUnauthorized)
}

func TestLogin_UnknownUserStillRunsBcrypt(t *testing.T) {
	env := newTestEnv(t)

	err := env.svc.Login(context.Background(), session.New(), "ghost", "pw")

	assert.ErrorIs(t, err, apperror.ErrUnauthorized)
	assert.Equal(t, 1, env.hasher.verifies)
}

func TestLogin_Validation(t *testing.T) {
	tests := []struct {
		name      string
		username  string
		password  string
		wantField string
	}{
		{"missing username", "", "pw", "username"},
		{"missing password", "alice", "", "password"},
		{"username too long", strings.Repeat("a", MaxUsernameLength+1), "pw", "username"},
		{"password too long", "alice", strings.Repeat("p", MaxPasswordLength+1), "password"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.repo.findErr = errors.New("store must not be touched")

			err := env.svc.Login(context.Background(), session.New(), tt.username, tt.password)

			var appErr *apperror.AppError
			require.True(t, errors.As(err, &appErr))
			assert.ErrorIs(t, err, apperror.ErrValidation)
			assert.Equal(t, tt.wantField, appErr.Field)
		})
	}
}

func TestLogin_AlreadyAuthenticated(t *testing.T) {
	env := newTestEnv(t)
	sess := session.New()
	sess.SetAuthenticated("alice")

	err := env.svc.Login(context.Background(), sess, "bob", "pw")

	assert.ErrorIs(t, err, apperror.ErrForbidden)
	assert.Equal(t, "alice", sess.Username)
}

func TestLogin_StorageFailure(t *testing.T) {
	env := newTestEnv(t)
	env.repo.findErr = errors.New("database is locked")

	sess := session.New()
	err := env.svc.Login(context.Background(), sess, "alice", "pw")

	require.Error(t, err)
	assert.NotErrorIs(t, err, apperror.ErrUnauthorized)
	assert.False(t, sess.IsAuthenticated())
	assert.Equal(t, 1.0, env.events(metrics.EventLogin, metrics.OutcomeError))
}

func TestLogin_MalformedStoredHash(t *testing.T) {
	env := newTestEnv(t)
	env.repo.users["alice"] = model.User{Username: "alice", Password: "not-a-bcrypt-hash"}

	sess := session.New()
	err := env.svc.Login(context.Background(), sess, "alice", "pw")

	assert.ErrorIs(t, err, auth.ErrHashFormat)
	assert.False(t, sess.IsAuthenticated())
}

// =========================================================================
// SIGNUP
// =========================================================================

func TestSignup_CreatesUserAndAuthenticates(t *testing.T) {
	env := newTestEnv(t)
	sess := session.New()

	require.NoError(t, env.svc.Signup(context.Background(), sess, "Bob", "pw1", "bob@example.com"))

	assert.Equal(t, session.State{LoggedIn: true, Username: "bob"}, sess.State())

	stored := env.repo.users["bob"]
	assert.Equal(t, "bob@example.com", stored.Email)
	assert.NotEqual(t, "pw1", stored.Password, "password must be stored hashed")
	ok, err := env.hasher.PasswordService.Verify(stored.Password, "pw1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSignup_UsernameTakenIsCaseInsensitive(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "alice", "pw", "")

	sess := session.New()
	err := env.svc.Signup(context.Background(), sess, "Alice", "other", "")

	assert.ErrorIs(t, err, apperror.ErrConflict)
	assert.False(t, sess.IsAuthenticated())
	assert.Equal(t, 1, env.repo.count())
}

func TestSignup_InsertRaceMapsToConflict(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "alice", "pw", "")
	// the pre-check misses, as if another request inserted in between
	env.repo.skipFind = true

	err := env.svc.Signup(context.Background(), session.New(), "alice", "pw", "")

	assert.ErrorIs(t, err, apperror.ErrConflict)
	assert.Equal(t, 1, env.repo.count())
}

func TestSignup_Validation(t *testing.T) {
	tests := []struct {
		name      string
		username  string
		password  string
		email     string
		wantField string
	}{
		{"missing username", "", "pw", "", "username"},
		{"missing password", "bob", "", "", "password"},
		{"email too long", "bob", "pw", strings.Repeat("e", MaxEmailLength+1), "email"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)

			err := env.svc.Signup(context.Background(), session.New(), tt.username, tt.password, tt.email)

			var appErr *apperror.AppError
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, tt.wantField, appErr.Field)
			assert.Zero(t, env.repo.count())
		})
	}
}

func TestSignup_MaxLengthFieldsAccepted(t *testing.T) {
	env := newTestEnv(t)
	err := env.svc.Signup(context.Background(), session.New(),
		strings.Repeat("u", MaxUsernameLength),
		strings.Repeat("p", MaxPasswordLength),
		strings.Repeat("e", MaxEmailLength),
	)
	assert.NoError(t, err)
}

func TestSignup_AlreadyAuthenticated(t *testing.T) {
	env := newTestEnv(t)
	sess := session.New()
	sess.SetAuthenticated("alice")

	err := env.svc.Signup(context.Background(), sess, "bob", "pw", "")

	assert.ErrorIs(t, err, apperror.ErrForbidden)
	assert.Zero(t, env.repo.count())
}

// =========================================================================
// LOGOUT
// =========================================================================

func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	sess := session.New()
	sess.SetAuthenticated("alice")

	env.svc.Logout(context.Background(), sess)
	assert.Equal(t, session.State{}, sess.State())

	// idempotent from Anonymous
	env.svc.Logout(context.Background(), sess)
	assert.False(t, sess.IsAuthenticated())
	assert.Equal(t, 1.0, env.events(metrics.EventLogout, metrics.OutcomeSuccess))
}

// =========================================================================
// SETTINGS
// =========================================================================

func TestUpdateSettings_EmptyPasswordKeepsHash(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "carol", "pw1", "old@example.com")
	before := env.repo.users["carol"].Password

	sess := session.New()
	sess.SetAuthenticated("carol")
	require.NoError(t, env.svc.UpdateSettings(context.Background(), sess, "", "new@example.com"))

	after := env.repo.users["carol"]
	assert.Equal(t, before, after.Password)
	assert.Equal(t, "new@example.com", after.Email)
}

func TestUpdateSettings_NewPasswordReplacesOld(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "carol", "pw1", "c@example.com")

	sess := session.New()
	sess.SetAuthenticated("carol")
	require.NoError(t, env.svc.UpdateSettings(context.Background(), sess, "pw2", ""))

	assert.Equal(t, "c@example.com", env.repo.users["carol"].Email)

	err := env.svc.Login(context.Background(), session.New(), "carol", "pw1")
	assert.ErrorIs(t, err, apperror.ErrUnauthorized)
	assert.NoError(t, env.svc.Login(context.Background(), session.New(), "carol", "pw2"))
}

func TestUpdateSettings_RequiresLogin(t *testing.T) {
	env := newTestEnv(t)
	err := env.svc.UpdateSettings(context.Background(), session.New(), "pw", "")
	assert.ErrorIs(t, err, apperror.ErrUnauthorized)
}

func TestUpdateSettings_MissingUserClearsSession(t *testing.T) {
	env := newTestEnv(t)
	sess := session.New()
	sess.SetAuthenticated("deleted")

	err := env.svc.UpdateSettings(context.Background(), sess, "", "x@example.com")

	assert.ErrorIs(t, err, apperror.ErrNotFound)
	assert.False(t, sess.IsAuthenticated())
}

func TestUpdateSettings_StorageFailureKeepsSession(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "carol", "pw1", "")
	env.repo.updateErr = errors.New("disk I/O error")

	sess := session.New()
	sess.SetAuthenticated("carol")
	err := env.svc.UpdateSettings(context.Background(), sess, "pw2", "")

	require.Error(t, err)
	assert.True(t, sess.IsAuthenticated())
}

func TestUpdateSettings_LengthLimits(t *testing.T) {
	tests := []struct {
		name     string
		password string
		email    string
		field    string
	}{
		{name: "password too long", password: strings.Repeat("p", MaxPasswordLength+1), field: "password"},
		{name: "email too long", email: strings.Repeat("e", MaxEmailLength+1), field: "email"},
		{name: "both too long", password: strings.Repeat("p", 40), email: strings.Repeat("e", 80), field: "password"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.signup(t, "carol", "pw1", "c@example.com")
			before := env.repo.users["carol"]

			sess := session.New()
			sess.SetAuthenticated("carol")
			err := env.svc.UpdateSettings(context.Background(), sess, tt.password, tt.email)

			require.ErrorIs(t, err, apperror.ErrValidation)
			var appErr *apperror.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tt.field, appErr.Field)

			assert.Equal(t, before.Password, env.repo.users["carol"].Password)
			assert.Equal(t, "c@example.com", env.repo.users["carol"].Email)
			assert.True(t, sess.IsAuthenticated())
			assert.Equal(t, 1.0, env.events(metrics.EventSettings, metrics.OutcomeRejected))

			// the old password keeps working
			assert.NoError(t, env.svc.Login(context.Background(), session.New(), "carol", "pw1"))
		})
	}
}

func TestUpdateSettings_MaxLengthFieldsAccepted(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "carol", "pw1", "")

	password := strings.Repeat("p", MaxPasswordLength)
	email := strings.Repeat("e", MaxEmailLength)

	sess := session.New()
	sess.SetAuthenticated("carol")
	require.NoError(t, env.svc.UpdateSettings(context.Background(), sess, password, email))

	assert.Equal(t, email, env.repo.users["carol"].Email)
	assert.NoError(t, env.svc.Login(context.Background(), session.New(), "carol", password))
}

// =========================================================================
// CURRENT USER
// =========================================================================

func TestCurrentUser(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "dave", "pw", "d@example.com")

	sess := session.New()
	sess.SetAuthenticated("dave")
	user, err := env.svc.CurrentUser(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, "d@example.com", user.Email)

	_, err = env.svc.CurrentUser(context.Background(), session.New())
	assert.ErrorIs(t, err, apperror.ErrUnauthorized)
}

// =========================================================================
// SCENARIO
// =========================================================================

func TestScenario_SignupLogoutLogin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := session.New()

	require.NoError(t, env.svc.Signup(ctx, sess, "bob", "pw1", ""))
	assert.True(t, sess.IsAuthenticated())

	env.svc.Logout(ctx, sess)
	assert.False(t, sess.IsAuthenticated())

	require.NoError(t, env.svc.Login(ctx, sess, "bob", "pw1"))
	assert.Equal(t, "bob", sess.Username)

	env.svc.Logout(ctx, sess)
	err := env.svc.Login(ctx, sess, "bob", "wrong")
	assert.ErrorIs(t, err, apperror.ErrUnauthorized)
	assert.False(t, sess.IsAuthenticated())
}
