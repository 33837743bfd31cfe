package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemoryStoreRotateChain(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	expires := time.Now().Add(time.Hour)

	first, err := store.Create(ctx, "subject-1", "raw-1", expires)
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}

	second, err := store.Rotate(ctx, "raw-1", "raw-2", expires)
	if err != nil {
		t.Fatalf("Rotate error: %v", err)
	}
	if second.SubjectID != "subject-1" {
		t.Fatalf("successor subject mismatch: got %q", second.SubjectID)
	}
	if second.JTI == first.JTI {
		t.Fatalf("successor must carry a fresh jti")
	}

	// The retired link is terminal: replaying it is reuse, not an unknown
	// credential.
	_, err = store.Rotate(ctx, "raw-1", "raw-3", expires)
	if !errors.Is(err, ErrRefreshReused) {
		t.Fatalf("want ErrRefreshReused, got %v", err)
	}

	// The successor still rotates normally.
	if _, err := store.Rotate(ctx, "raw-2", "raw-3", expires); err != nil {
		t.Fatalf("successor Rotate error: %v", err)
	}
}

func TestMemoryStoreRotateUnknown(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	_, err := store.Rotate(context.Background(), "never-issued", "raw-2", time.Now().Add(time.Hour))
	if !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("want ErrRefreshInvalid, got %v", err)
	}
}

func TestMemoryStoreRotateRevoked(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Create(ctx, "subject-1", "raw-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if err := store.RevokeByToken(ctx, "raw-1"); err != nil {
		t.Fatalf("RevokeByToken error: %v", err)
	}

	_, err := store.Rotate(ctx, "raw-1", "raw-2", time.Now().Add(time.Hour))
	if !errors.Is(err, ErrRefreshRevoked) {
		t.Fatalf("want ErrRefreshRevoked, got %v", err)
	}
}

func TestMemoryStoreExpiryBoundary(t *testing.T) {
	t.Parallel()

	expiresAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := expiresAt.Add(-time.Minute)
	store := NewMemoryStore().WithClock(func() time.Time { return now })
	ctx := context.Background()

	if _, err := store.Create(ctx, "subject-1", "raw-1", expiresAt); err != nil {
		t.Fatalf("Create error: %v", err)
	}

	// One instant before expiry the credential still rotates.
	now = expiresAt.Add(-time.Nanosecond)
	if _, err := store.Rotate(ctx, "raw-1", "raw-2", expiresAt.Add(time.Hour)); err != nil {
		t.Fatalf("Rotate just before expiry error: %v", err)
	}

	// Exactly at its expiry instant a credential is no longer usable.
	if _, err := store.Create(ctx, "subject-1", "raw-3", expiresAt); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	now = expiresAt
	_, err := store.Rotate(ctx, "raw-3", "raw-4", expiresAt.Add(time.Hour))
	if !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("want ErrRefreshInvalid at the expiry instant, got %v", err)
	}
}

func TestMemoryStoreConcurrentRotateSingleWinner(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Create(ctx, "subject-1", "raw-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Create error: %v", err)
	}

	const racers = 16
	var wg sync.WaitGroup
	errs := make([]error, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, errs[n] = store.Rotate(ctx, "raw-1", mustRefreshSecret(), time.Now().Add(time.Hour))
		}(i)
	}
	wg.Wait()

	var wins, reuses int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrRefreshReused):
			reuses++
		default:
			t.Fatalf("unexpected rotation error: %v", err)
		}
	}

	if wins != 1 {
		t.Fatalf("want exactly one winning rotation, got %d", wins)
	}
	if reuses != racers-1 {
		t.Fatalf("want %d reuse rejections, got %d", racers-1, reuses)
	}
}

func TestMemoryStoreRevokeChain(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	expires := time.Now().Add(time.Hour)

	if _, err := store.Create(ctx, "subject-1", "raw-1", expires); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if _, err := store.Rotate(ctx, "raw-1", "raw-2", expires); err != nil {
		t.Fatalf("Rotate error: %v", err)
	}
	if _, err := store.Rotate(ctx, "raw-2", "raw-3", expires); err != nil {
		t.Fatalf("Rotate error: %v", err)
	}

	// Revoking from the first link kills the single live head of the chain.
	revoked, err := store.RevokeChain(ctx, "raw-1")
	if err != nil {
		t.Fatalf("RevokeChain error: %v", err)
	}
	if revoked != 1 {
		t.Fatalf("want 1 newly revoked record, got %d", revoked)
	}

	_, err = store.Rotate(ctx, "raw-3", "raw-4", expires)
	if !errors.Is(err, ErrRefreshRevoked) {
		t.Fatalf("want ErrRefreshRevoked after chain revocation, got %v", err)
	}

	live, err := store.ListLive(ctx, "subject-1")
	if err != nil {
		t.Fatalf("ListLive error: %v", err)
	}
	if len(live) != 0 {
		t.Fatalf("want no live records after chain revocation, got %d", len(live))
	}
}

func TestMemoryStoreListLive(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Create(ctx, "subject-1", "raw-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if _, err := store.Create(ctx, "subject-1", "raw-2", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if _, err := store.Create(ctx, "subject-2", "raw-3", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Create error: %v", err)
	}

	live, err := store.ListLive(ctx, "subject-1")
	if err != nil {
		t.Fatalf("ListLive error: %v", err)
	}
	if len(live) != 1 {
		t.Fatalf("want 1 live record, got %d", len(live))
	}
	if live[0].SubjectID != "subject-1" {
		t.Fatalf("live record subject mismatch: %q", live[0].SubjectID)
	}
}

func TestMemoryStorePurge(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	store := NewMemoryStore().WithClock(func() time.Time { return now })
	ctx := context.Background()

	if _, err := store.Create(ctx, "subject-1", "raw-expired", base.Add(time.Minute)); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if _, err := store.Create(ctx, "subject-1", "raw-live", base.Add(365*24*time.Hour)); err != nil {
		t.Fatalf("Create error: %v", err)
	}

	now = base.Add(48 * time.Hour)
	deleted, err := store.Purge(ctx, 24*time.Hour, 100)
	if err != nil {
		t.Fatalf("Purge error: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("want 1 purged record, got %d", deleted)
	}

	live, err := store.ListLive(ctx, "subject-1")
	if err != nil {
		t.Fatalf("ListLive error: %v", err)
	}
	if len(live) != 1 {
		t.Fatalf("want the live record to survive, got %d records", len(live))
	}
}

// mustRefreshSecret keeps concurrent test bodies free of error plumbing.
func mustRefreshSecret() string {
	secret, err := NewRefreshSecret()
	if err != nil {
		panic(err)
	}
	return secret
}
