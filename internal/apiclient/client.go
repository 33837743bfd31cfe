// Package apiclient is the in-process client for the clinic API. Its one
// piece of real machinery is the refresh Coordinator; everything else is a
// thin JSON transport.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrReloginRequired is surfaced when the refresh chain is gone (rotated
// away, revoked, or expired) and only a fresh login can recover.
var ErrReloginRequired = errors.New("re-login required")

type tokensResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type Client struct {
	baseURL string
	http    *http.Client
	coord   *Coordinator

	mu    sync.Mutex
	creds Credentials
}

func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
	c.coord = NewCoordinator(c.exchangeRefresh, 10*time.Second)
	return c
}

func (c *Client) Login(ctx context.Context, username, password string) error {
	var tokens tokensResponse
	status, err := c.postJSON(ctx, "/auth/login", map[string]string{
		"username": username,
		"password": password,
	}, &tokens, "")
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("login failed with status %d", status)
	}

	c.setCredentials(Credentials{AccessToken: tokens.AccessToken, RefreshToken: tokens.RefreshToken})
	return nil
}

// Do issues an authenticated request. On a rejection caused by an expired
// access credential it performs one coordinated refresh and replays the
// request once with the new credential.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	creds := c.Credentials()

	status, retryable, err := c.attempt(ctx, method, path, body, out, creds.AccessToken)
	if err != nil {
		return err
	}
	if !retryable {
		if status >= http.StatusBadRequest {
			return fmt.Errorf("request failed with status %d", status)
		}
		return nil
	}

	refreshed, err := c.coord.Refresh(ctx)
	if err != nil {
		return err
	}

	status, _, err = c.attempt(ctx, method, path, body, out, refreshed.AccessToken)
	if err != nil {
		return err
	}
	if status >= http.StatusBadRequest {
		return fmt.Errorf("request failed with status %d after refresh", status)
	}

	return nil
}

func (c *Client) Credentials() Credentials {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds
}

func (c *Client) setCredentials(creds Credentials) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds = creds
}

// attempt reports retryable=true only for the rejection rotation can repair:
// a well-formed but expired access credential.
func (c *Client) attempt(ctx context.Context, method, path string, body, out any, accessToken string) (int, bool, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, false, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, false, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, false, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		expired := strings.Contains(resp.Header.Get("WWW-Authenticate"), `error_description="expired"`)
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, expired, nil
	}

	if out != nil && resp.StatusCode < http.StatusBadRequest {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, false, fmt.Errorf("decode response: %w", err)
		}
		return resp.StatusCode, false, nil
	}

	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, false, nil
}

// exchangeRefresh is the coordinator's RefreshFunc: one rotation exchange,
// updating the stored pair on success.
func (c *Client) exchangeRefresh(ctx context.Context) (Credentials, error) {
	current := c.Credentials()
	if current.RefreshToken == "" {
		return Credentials{}, ErrReloginRequired
	}

	var tokens tokensResponse
	status, err := c.postJSON(ctx, "/auth/refresh", map[string]string{
		"refresh_token": current.RefreshToken,
	}, &tokens, "")
	if err != nil {
		return Credentials{}, err
	}

	switch {
	case status == http.StatusOK:
		creds := Credentials{AccessToken: tokens.AccessToken, RefreshToken: tokens.RefreshToken}
		c.setCredentials(creds)
		return creds, nil
	case status == http.StatusUnauthorized:
		return Credentials{}, ErrReloginRequired
	case status == http.StatusGatewayTimeout, status == http.StatusServiceUnavailable:
		return Credentials{}, fmt.Errorf("refresh temporarily unavailable (status %d)", status)
	default:
		return Credentials{}, fmt.Errorf("refresh failed with status %d", status)
	}
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any, accessToken string) (int, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("encode request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < http.StatusBadRequest {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
		return resp.StatusCode, nil
	}

	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
