package apiclient

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinatorSingleFlight(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	started := make(chan struct{})
	release := make(chan struct{})

	coord := NewCoordinator(func(ctx context.Context) (Credentials, error) {
		calls.Add(1)
		close(started)
		<-release
		return Credentials{AccessToken: "fresh", RefreshToken: "next"}, nil
	}, time.Second)

	results := make(chan error, 9)
	go func() {
		_, err := coord.Refresh(context.Background())
		results <- err
	}()
	<-started

	// Everyone arriving while the exchange runs queues behind it.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			creds, err := coord.Refresh(context.Background())
			if err == nil && creds.AccessToken != "fresh" {
				err = errors.New("waiter got stale credentials")
			}
			results <- err
		}()
	}

	// Give the waiters a moment to queue before releasing the exchange.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < 9; i++ {
		require.NoError(t, <-results)
	}
	assert.Equal(t, int64(1), calls.Load(), "exactly one exchange for the whole burst")
}

func TestCoordinatorSharesFailure(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("refresh rejected")
	started := make(chan struct{})
	release := make(chan struct{})

	coord := NewCoordinator(func(ctx context.Context) (Credentials, error) {
		close(started)
		<-release
		return Credentials{}, wantErr
	}, time.Second)

	first := make(chan error, 1)
	go func() {
		_, err := coord.Refresh(context.Background())
		first <- err
	}()
	<-started

	second := make(chan error, 1)
	go func() {
		_, err := coord.Refresh(context.Background())
		second <- err
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)

	// A failed exchange rejects every queued caller; nobody is left hanging.
	assert.ErrorIs(t, <-first, wantErr)
	assert.ErrorIs(t, <-second, wantErr)
}

func TestCoordinatorWaiterHonorsOwnContext(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	coord := NewCoordinator(func(ctx context.Context) (Credentials, error) {
		close(started)
		<-release
		return Credentials{}, nil
	}, time.Second)

	go func() {
		_, _ = coord.Refresh(context.Background())
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	waiterErr := make(chan error, 1)
	go func() {
		_, err := coord.Refresh(ctx)
		waiterErr <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-waiterErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter did not return")
	}
}

func TestCoordinatorDetachesFromTriggeringContext(t *testing.T) {
	t.Parallel()

	observed := make(chan error, 1)
	coord := NewCoordinator(func(ctx context.Context) (Credentials, error) {
		// The exchange must survive the triggering request being cancelled.
		select {
		case <-ctx.Done():
			observed <- ctx.Err()
		case <-time.After(100 * time.Millisecond):
			observed <- nil
		}
		return Credentials{AccessToken: "fresh"}, nil
	}, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	creds, err := coord.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fresh", creds.AccessToken)
	assert.NoError(t, <-observed)
}

func TestCoordinatorSequentialExchanges(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	coord := NewCoordinator(func(ctx context.Context) (Credentials, error) {
		calls.Add(1)
		return Credentials{}, nil
	}, time.Second)

	// Bursts separated in time each get their own exchange.
	_, err := coord.Refresh(context.Background())
	require.NoError(t, err)
	_, err = coord.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}
