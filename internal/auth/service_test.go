package auth

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type fakeUserStore struct {
	users       map[string]User
	attempts    map[string]LoginAttempt
	lockedUntil *time.Time
}

func newFakeUserStore(t *testing.T, users ...User) *fakeUserStore {
	t.Helper()
	store := &fakeUserStore{
		users:    make(map[string]User),
		attempts: make(map[string]LoginAttempt),
	}
	for _, user := range users {
		store.users[user.Username] = user
	}
	return store
}

func (f *fakeUserStore) GetByUsername(ctx context.Context, username string) (User, error) {
	user, ok := f.users[username]
	if !ok {
		return User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeUserStore) GetByID(ctx context.Context, id string) (User, error) {
	for _, user := range f.users {
		if user.ID == id {
			return user, nil
		}
	}
	return User{}, sql.ErrNoRows
}

func (f *fakeUserStore) GetLoginAttempt(ctx context.Context, username string) (LoginAttempt, error) {
	attempt, ok := f.attempts[username]
	if !ok {
		return LoginAttempt{Username: username}, nil
	}
	return attempt, nil
}

func (f *fakeUserStore) RegisterFailedAttempt(ctx context.Context, username string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error) {
	attempt := f.attempts[username]
	attempt.Username = username
	attempt.FailedAttempts++
	if attempt.FailedAttempts >= maxAttempts {
		until := now.Add(lockDuration)
		attempt.LockedUntil = &until
		attempt.FailedAttempts = 0
	}
	f.attempts[username] = attempt
	return attempt.LockedUntil, nil
}

func (f *fakeUserStore) ResetLoginAttempt(ctx context.Context, username string) error {
	delete(f.attempts, username)
	return nil
}

func testUser(t *testing.T) User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("correct-horse-battery"), bcrypt.MinCost)
	require.NoError(t, err)
	return User{
		ID:           "user-1",
		Username:     "reception",
		PasswordHash: string(hash),
		Role:         "staff",
	}
}

func newTestService(t *testing.T, store RefreshStore, users UserStore) *Service {
	t.Helper()
	signer := NewSigner("test-secret", "clinic-test", 15*time.Minute)
	return NewService(store, users, signer, nil)
}

func TestServiceLogin(t *testing.T) {
	t.Parallel()

	user := testUser(t)
	service := newTestService(t, NewMemoryStore(), newFakeUserStore(t, user))

	tokens, err := service.Login(context.Background(), "Reception", "correct-horse-battery")
	require.NoError(t, err)
	assert.NotEmpty(t, tokens.AccessToken)
	assert.NotEmpty(t, tokens.RefreshToken)
	assert.Equal(t, "Bearer", tokens.TokenType)
	assert.Equal(t, int64(900), tokens.ExpiresIn)
}

func TestServiceLoginWrongPassword(t *testing.T) {
	t.Parallel()

	user := testUser(t)
	service := newTestService(t, NewMemoryStore(), newFakeUserStore(t, user))

	_, err := service.Login(context.Background(), "reception", "wrong-password-here")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestServiceLoginUnknownUser(t *testing.T) {
	t.Parallel()

	service := newTestService(t, NewMemoryStore(), newFakeUserStore(t))

	// Unknown usernames look exactly like wrong passwords.
	_, err := service.Login(context.Background(), "nobody", "whatever-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestServiceLoginLockout(t *testing.T) {
	t.Parallel()

	user := testUser(t)
	users := newFakeUserStore(t, user)
	service := newTestService(t, NewMemoryStore(), users)
	service.WithSecurityConfig(3, 15*time.Minute, 0, 0)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := service.Login(ctx, "reception", "wrong-password-here")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}

	_, err := service.Login(ctx, "reception", "wrong-password-here")
	var locked ErrLoginLocked
	require.ErrorAs(t, err, &locked)
	assert.True(t, locked.Until.After(time.Now()))

	// Even the right password is rejected while the lock holds.
	_, err = service.Login(ctx, "reception", "correct-horse-battery")
	assert.ErrorAs(t, err, &locked)
}

func TestServiceRefreshRotates(t *testing.T) {
	t.Parallel()

	user := testUser(t)
	store := NewMemoryStore()
	service := newTestService(t, store, newFakeUserStore(t, user))

	ctx := context.Background()
	tokens, err := service.Login(ctx, "reception", "correct-horse-battery")
	require.NoError(t, err)

	next, err := service.Refresh(ctx, tokens.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, next.AccessToken)
	assert.NotEqual(t, tokens.RefreshToken, next.RefreshToken)

	// Exactly one session stays live across a rotation.
	live, err := store.ListLive(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, live, 1)
}

func TestServiceRefreshReuseRevokesChain(t *testing.T) {
	t.Parallel()

	user := testUser(t)
	store := NewMemoryStore()
	service := newTestService(t, store, newFakeUserStore(t, user))

	ctx := context.Background()
	tokens, err := service.Login(ctx, "reception", "correct-horse-battery")
	require.NoError(t, err)

	next, err := service.Refresh(ctx, tokens.RefreshToken)
	require.NoError(t, err)

	// Replaying the rotated credential is the theft signal.
	_, err = service.Refresh(ctx, tokens.RefreshToken)
	assert.ErrorIs(t, err, ErrRefreshReused)

	// The whole chain went down with it, including the live head.
	_, err = service.Refresh(ctx, next.RefreshToken)
	assert.ErrorIs(t, err, ErrRefreshRevoked)

	live, err := store.ListLive(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestServiceRefreshUnknown(t *testing.T) {
	t.Parallel()

	service := newTestService(t, NewMemoryStore(), newFakeUserStore(t, testUser(t)))

	_, err := service.Refresh(context.Background(), "never-issued")
	assert.ErrorIs(t, err, ErrRefreshInvalid)
}

func TestServiceRefreshEmpty(t *testing.T) {
	t.Parallel()

	service := newTestService(t, NewMemoryStore(), newFakeUserStore(t))

	_, err := service.Refresh(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrRefreshInvalid)
}

// failingStore simulates infrastructure failure modes underneath the service.
type failingStore struct {
	RefreshStore
	rotateErr error
}

func (f *failingStore) Rotate(ctx context.Context, rawOld, rawNew string, newExpiresAt time.Time) (RefreshRecord, error) {
	return RefreshRecord{}, f.rotateErr
}

func TestServiceRefreshTimeout(t *testing.T) {
	t.Parallel()

	store := &failingStore{rotateErr: context.DeadlineExceeded}
	service := newTestService(t, store, newFakeUserStore(t, testUser(t)))

	_, err := service.Refresh(context.Background(), "raw-1")
	assert.ErrorIs(t, err, ErrRefreshTimeout)
	assert.NotErrorIs(t, err, ErrRefreshInvalid)
}

func TestServiceRefreshStoreUnavailable(t *testing.T) {
	t.Parallel()

	store := &failingStore{rotateErr: errors.New("connection refused")}
	service := newTestService(t, store, newFakeUserStore(t, testUser(t)))

	// Infrastructure failure must never masquerade as a bad credential.
	_, err := service.Refresh(context.Background(), "raw-1")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.NotErrorIs(t, err, ErrRefreshInvalid)
}

func TestServiceLogout(t *testing.T) {
	t.Parallel()

	user := testUser(t)
	store := NewMemoryStore()
	service := newTestService(t, store, newFakeUserStore(t, user))

	ctx := context.Background()
	tokens, err := service.Login(ctx, "reception", "correct-horse-battery")
	require.NoError(t, err)

	require.NoError(t, service.Logout(ctx, tokens.RefreshToken))

	_, err = service.Refresh(ctx, tokens.RefreshToken)
	assert.ErrorIs(t, err, ErrRefreshRevoked)

	err = service.Logout(ctx, "never-issued")
	assert.ErrorIs(t, err, ErrRefreshInvalid)
}
