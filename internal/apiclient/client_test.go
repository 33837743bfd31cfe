package apiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testBackend mimics the server's credential behavior: one access token is
// valid at a time, a refresh rotates both tokens, and a replayed refresh
// credential is rejected for good.
type testBackend struct {
	mu           sync.Mutex
	accessToken  string
	refreshToken string
	usedRefresh  map[string]bool
	refreshCalls atomic.Int64
	refreshDelay time.Duration
}

func newTestBackend() *testBackend {
	return &testBackend{
		accessToken:  "access-1",
		refreshToken: "refresh-1",
		usedRefresh:  make(map[string]bool),
	}
}

func (b *testBackend) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		writeTokens(w, b.accessToken, b.refreshToken)
	})

	mux.HandleFunc("POST /auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		b.refreshCalls.Add(1)
		if b.refreshDelay > 0 {
			time.Sleep(b.refreshDelay)
		}

		var body struct {
			RefreshToken string `json:"refresh_token"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		b.mu.Lock()
		defer b.mu.Unlock()
		if body.RefreshToken != b.refreshToken || b.usedRefresh[body.RefreshToken] {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		b.usedRefresh[body.RefreshToken] = true
		b.accessToken += "r"
		b.refreshToken += "r"
		writeTokens(w, b.accessToken, b.refreshToken)
	})

	mux.HandleFunc("GET /patients", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		valid := r.Header.Get("Authorization") == "Bearer "+b.accessToken
		b.mu.Unlock()
		if !valid {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token", error_description="expired"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]map[string]string{{"id": "p1"}})
	})

	return mux
}

func (b *testBackend) expireAccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accessToken += "x"
	// The refresh credential stays valid; only the access side went stale.
	b.usedRefresh = make(map[string]bool)
}

func writeTokens(w http.ResponseWriter, access, refresh string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"access_token":  access,
		"refresh_token": refresh,
	})
}

func TestClientLoginAndRequest(t *testing.T) {
	t.Parallel()

	backend := newTestBackend()
	server := httptest.NewServer(backend.handler())
	defer server.Close()

	client := New(server.URL, server.Client())
	ctx := context.Background()

	require.NoError(t, client.Login(ctx, "reception", "correct-horse-battery"))

	var patients []map[string]string
	require.NoError(t, client.Do(ctx, http.MethodGet, "/patients", nil, &patients))
	assert.Len(t, patients, 1)
	assert.Equal(t, int64(0), backend.refreshCalls.Load())
}

func TestClientRefreshesOnExpiredAccess(t *testing.T) {
	t.Parallel()

	backend := newTestBackend()
	server := httptest.NewServer(backend.handler())
	defer server.Close()

	client := New(server.URL, server.Client())
	ctx := context.Background()

	require.NoError(t, client.Login(ctx, "reception", "correct-horse-battery"))
	backend.expireAccess()

	var patients []map[string]string
	require.NoError(t, client.Do(ctx, http.MethodGet, "/patients", nil, &patients))
	assert.Len(t, patients, 1)
	assert.Equal(t, int64(1), backend.refreshCalls.Load())

	// The rotated pair replaced the stale one in the client.
	creds := client.Credentials()
	assert.NotEqual(t, "refresh-1", creds.RefreshToken)
}

func TestClientConcurrentRequestsShareOneRefresh(t *testing.T) {
	t.Parallel()

	backend := newTestBackend()
	// A slow exchange keeps the whole burst inside one coordinated flight.
	backend.refreshDelay = 200 * time.Millisecond
	server := httptest.NewServer(backend.handler())
	defer server.Close()

	client := New(server.URL, server.Client())
	ctx := context.Background()

	require.NoError(t, client.Login(ctx, "reception", "correct-horse-battery"))
	backend.expireAccess()

	// A burst of requests against the stale credential must produce exactly
	// one rotation exchange; a second exchange would trip reuse detection
	// and kill the whole chain.
	const burst = 8
	var wg sync.WaitGroup
	errs := make([]error, burst)
	for i := 0; i < burst; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			var patients []map[string]string
			errs[n] = client.Do(ctx, http.MethodGet, "/patients", nil, &patients)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), backend.refreshCalls.Load())
}

func TestClientReloginRequired(t *testing.T) {
	t.Parallel()

	backend := newTestBackend()
	server := httptest.NewServer(backend.handler())
	defer server.Close()

	client := New(server.URL, server.Client())
	ctx := context.Background()

	require.NoError(t, client.Login(ctx, "reception", "correct-horse-battery"))

	// Kill both sides: access stale and the refresh chain gone.
	backend.mu.Lock()
	backend.accessToken = "rotated-away"
	backend.refreshToken = "rotated-away-too"
	backend.mu.Unlock()

	var patients []map[string]string
	err := client.Do(ctx, http.MethodGet, "/patients", nil, &patients)
	assert.ErrorIs(t, err, ErrReloginRequired)
}
