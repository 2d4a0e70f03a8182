// Package authclient talks to the remote platform's /api/auth endpoints
// and owns the persisted login session (token pair plus profile).
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"studysync/internal/models"
	"studysync/internal/storage"
)

// ErrUnauthorized signals that the refresh token is no longer accepted
// and the user must log in again.
var ErrUnauthorized = errors.New("re-authentication required")

const maxAttempts = 3

// envelope is the generic remote response shape.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
	Errors  []string        `json:"errors,omitempty"`
}

func (e *envelope) err() error {
	if e.Message != "" {
		return errors.New(e.Message)
	}
	if len(e.Errors) > 0 {
		return errors.New(strings.Join(e.Errors, "; "))
	}
	return errors.New("request rejected")
}

// Client is a bearer-token HTTP client with linear-backoff retries and a
// single refresh-and-retry on 401.
type Client struct {
	baseURL    string
	httpClient *http.Client
	store      storage.Store
	cipher     *sessionCipher
	retryDelay time.Duration

	mu      sync.Mutex
	session models.Session
}

// New constructs the auth client. The store persists the session across
// restarts under the auth meta keys.
func New(baseURL string, store storage.Store, retryDelay time.Duration) *Client {
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	cipher, err := newSessionCipherFromEnv()
	if err != nil {
		log.Printf("session cipher disabled: %v", err)
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		store:      store,
		cipher:     cipher,
		retryDelay: retryDelay,
	}
}

// LoadSession restores a persisted session, if any.
func (c *Client) LoadSession(ctx context.Context) error {
	access, err := c.store.GetMeta(ctx, storage.MetaAccessToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	refresh, err := c.store.GetMeta(ctx, storage.MetaRefreshToken)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if c.cipher != nil && refresh != "" {
		plain, err := c.cipher.Decrypt(refresh)
		if err != nil {
			log.Printf("stored refresh token unreadable, discarding: %v", err)
			refresh = ""
		} else {
			refresh = plain
		}
	}
	session := models.Session{AccessToken: access, RefreshToken: refresh}
	if raw, err := c.store.GetMeta(ctx, storage.MetaUser); err == nil {
		var user models.User
		if json.Unmarshal([]byte(raw), &user) == nil {
			session.User = &user
		}
	}
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
	return nil
}

// Session returns a copy of the current session.
func (c *Client) Session() models.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// LoggedIn reports whether an access token is held.
func (c *Client) LoggedIn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.LoggedIn()
}

// AccessToken returns the current bearer token, empty when logged out.
func (c *Client) AccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.AccessToken
}

type sessionPayload struct {
	AccessToken  string       `json:"accessToken"`
	RefreshToken string       `json:"refreshToken"`
	User         *models.User `json:"user,omitempty"`
}

// Login authenticates and persists the returned session.
func (c *Client) Login(ctx context.Context, email, password string) (*models.User, error) {
	data, err := c.do(ctx, http.MethodPost, "/api/auth/login",
		map[string]string{"email": email, "password": password}, false)
	if err != nil {
		return nil, err
	}
	return c.adoptSession(ctx, data)
}

// Register creates an account and persists the returned session.
func (c *Client) Register(ctx context.Context, email, password, displayName string) (*models.User, error) {
	data, err := c.do(ctx, http.MethodPost, "/api/auth/register",
		map[string]string{"email": email, "password": password, "displayName": displayName}, false)
	if err != nil {
		return nil, err
	}
	return c.adoptSession(ctx, data)
}

func (c *Client) adoptSession(ctx context.Context, data json.RawMessage) (*models.User, error) {
	var payload sessionPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if payload.AccessToken == "" {
		return nil, errors.New("server returned no access token")
	}
	c.mu.Lock()
	c.session = models.Session{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		User:         payload.User,
	}
	c.mu.Unlock()
	if err := c.persistSession(ctx); err != nil {
		return nil, err
	}
	return payload.User, nil
}

// Refresh exchanges the refresh token for a new token pair. A failed
// refresh clears the session and returns ErrUnauthorized.
func (c *Client) Refresh(ctx context.Context) error {
	c.mu.Lock()
	refresh := c.session.RefreshToken
	c.mu.Unlock()
	if refresh == "" {
		return ErrUnauthorized
	}
	data, err := c.do(ctx, http.MethodPost, "/api/auth/refresh",
		map[string]string{"refreshToken": refresh}, false)
	if err != nil {
		c.clearSession(ctx)
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	var payload sessionPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.AccessToken == "" {
		c.clearSession(ctx)
		return ErrUnauthorized
	}
	c.mu.Lock()
	c.session.AccessToken = payload.AccessToken
	if payload.RefreshToken != "" {
		c.session.RefreshToken = payload.RefreshToken
	}
	c.mu.Unlock()
	return c.persistSession(ctx)
}

// Logout revokes the session remotely (best effort) and clears it locally.
func (c *Client) Logout(ctx context.Context) error {
	if _, err := c.do(ctx, http.MethodPost, "/api/auth/logout", nil, true); err != nil {
		log.Printf("remote logout failed: %v", err)
	}
	return c.clearSession(ctx)
}

// Profile fetches the remote account profile.
func (c *Client) Profile(ctx context.Context) (*models.User, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/auth/profile", nil, true)
	if err != nil {
		return nil, err
	}
	var user models.User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	c.mu.Lock()
	c.session.User = &user
	c.mu.Unlock()
	return &user, c.persistSession(ctx)
}

// UpdateProfile patches the remote profile.
func (c *Client) UpdateProfile(ctx context.Context, updates map[string]any) (*models.User, error) {
	data, err := c.do(ctx, http.MethodPatch, "/api/auth/profile", updates, true)
	if err != nil {
		return nil, err
	}
	var user models.User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	c.mu.Lock()
	c.session.User = &user
	c.mu.Unlock()
	return &user, c.persistSession(ctx)
}

// ChangePassword updates the account password.
func (c *Client) ChangePassword(ctx context.Context, current, next string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/auth/change-password",
		map[string]string{"currentPassword": current, "newPassword": next}, true)
	return err
}

func (c *Client) persistSession(ctx context.Context) error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()

	refresh := session.RefreshToken
	if c.cipher != nil && refresh != "" {
		enc, err := c.cipher.Encrypt(refresh)
		if err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		refresh = enc
	}
	if err := c.store.SetMeta(ctx, storage.MetaAccessToken, session.AccessToken); err != nil {
		return err
	}
	if err := c.store.SetMeta(ctx, storage.MetaRefreshToken, refresh); err != nil {
		return err
	}
	userJSON := ""
	if session.User != nil {
		raw, err := json.Marshal(session.User)
		if err != nil {
			return fmt.Errorf("encode user: %w", err)
		}
		userJSON = string(raw)
	}
	return c.store.SetMeta(ctx, storage.MetaUser, userJSON)
}

func (c *Client) clearSession(ctx context.Context) error {
	c.mu.Lock()
	c.session = models.Session{}
	c.mu.Unlock()
	for _, key := range []string{storage.MetaAccessToken, storage.MetaRefreshToken, storage.MetaUser} {
		if err := c.store.DeleteMeta(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// do executes a request against the remote API: up to 3 attempts with
// linear backoff on transport errors and 5xx, and on an authenticated 401
// one token refresh followed by a retry before giving up.
func (c *Client) do(ctx context.Context, method, path string, body any, authed bool) (json.RawMessage, error) {
	var payload []byte
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		payload = raw
	}

	refreshed := false
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(attempt-1)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if authed {
			req.Header.Set("Authorization", "Bearer "+c.AccessToken())
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("%s %s: %w", method, path, err)
			continue
		}
		raw, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("read response: %w", readErr)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized && authed:
			if refreshed {
				return nil, ErrUnauthorized
			}
			refreshed = true
			if err := c.Refresh(ctx); err != nil {
				return nil, err
			}
			attempt-- // the post-refresh retry does not consume an attempt
			continue
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("%s %s: server error %d", method, path, resp.StatusCode)
			continue
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		if !env.Success {
			return nil, env.err()
		}
		return env.Data, nil
	}
	return nil, lastErr
}
