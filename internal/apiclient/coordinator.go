package apiclient

import (
	"context"
	"sync"
	"time"
)

// Credentials is the pair a client holds between requests.
type Credentials struct {
	AccessToken  string
	RefreshToken string
}

// RefreshFunc performs one rotation exchange against the backend.
type RefreshFunc func(ctx context.Context) (Credentials, error)

type refreshResult struct {
	creds Credentials
	err   error
}

// Coordinator serializes refresh attempts within one client instance. When
// many concurrent requests observe an authentication rejection on the same
// stale credential, exactly one rotation exchange runs; every other caller
// queues on it and resumes with the shared outcome. Without this, racing
// refreshes trip the store's reuse detection and force needless re-logins.
//
// Each client instance owns its coordinator; devices/tabs holding distinct
// refresh chains coordinate independently.
type Coordinator struct {
	mu       sync.Mutex
	inflight bool
	waiters  []chan refreshResult
	refresh  RefreshFunc
	timeout  time.Duration
}

const defaultRefreshCallTimeout = 10 * time.Second

func NewCoordinator(refresh RefreshFunc, timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = defaultRefreshCallTimeout
	}
	return &Coordinator{refresh: refresh, timeout: timeout}
}

// Refresh returns the outcome of the single in-flight exchange, starting one
// if none is running. The exchange is detached from the triggering request's
// cancellation (one aborted request must not fail the callers queued behind
// it) but always carries its own bounded deadline, so on timeout every
// queued caller is rejected rather than left hanging.
func (c *Coordinator) Refresh(ctx context.Context) (Credentials, error) {
	c.mu.Lock()
	if c.inflight {
		ch := make(chan refreshResult, 1)
		c.waiters = append(c.waiters, ch)
		c.mu.Unlock()

		select {
		case result := <-ch:
			return result.creds, result.err
		case <-ctx.Done():
			return Credentials{}, ctx.Err()
		}
	}
	c.inflight = true
	c.mu.Unlock()

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	creds, err := c.refresh(callCtx)
	cancel()

	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.inflight = false
	c.mu.Unlock()

	result := refreshResult{creds: creds, err: err}
	for _, ch := range waiters {
		ch <- result
	}

	return creds, err
}
