package authclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"studysync/internal/storage"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.OpenFlatFile("")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}

func writeEnvelope(w http.ResponseWriter, data any) {
	raw, _ := json.Marshal(data)
	json.NewEncoder(w).Encode(map[string]any{"success": true, "data": json.RawMessage(raw)})
}

func sessionData(access, refresh string) map[string]any {
	return map[string]any{
		"accessToken":  access,
		"refreshToken": refresh,
		"user":         map[string]any{"id": "u1", "email": "bob@example.com"},
	}
}

func TestLoginPersistsSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/auth/login" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["email"] != "bob@example.com" {
			t.Errorf("unexpected email %q", body["email"])
		}
		writeEnvelope(w, sessionData("access-1", "refresh-1"))
	}))
	defer server.Close()

	store := newTestStore(t)
	client := New(server.URL, store, time.Millisecond)
	ctx := context.Background()

	user, err := client.Login(ctx, "bob@example.com", "secret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if user == nil || user.Email != "bob@example.com" {
		t.Fatalf("user mismatch: %+v", user)
	}
	if !client.LoggedIn() || client.AccessToken() != "access-1" {
		t.Fatalf("session not adopted: %+v", client.Session())
	}

	// A fresh client restores the session from the store.
	restored := New(server.URL, store, time.Millisecond)
	if err := restored.LoadSession(ctx); err != nil {
		t.Fatalf("load session: %v", err)
	}
	if !restored.LoggedIn() || restored.AccessToken() != "access-1" {
		t.Fatalf("session not restored: %+v", restored.Session())
	}
	if restored.Session().User == nil || restored.Session().User.Email != "bob@example.com" {
		t.Fatalf("user not restored: %+v", restored.Session().User)
	}
}

func TestRetriesOnServerError(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeEnvelope(w, sessionData("access-2", "refresh-2"))
	}))
	defer server.Close()

	client := New(server.URL, newTestStore(t), time.Millisecond)
	if _, err := client.Login(context.Background(), "bob@example.com", "secret"); err != nil {
		t.Fatalf("login should succeed on third attempt: %v", err)
	}
	if got := hits.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestGivesUpAfterThreeAttempts(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := New(server.URL, newTestStore(t), time.Millisecond)
	if _, err := client.Login(context.Background(), "bob@example.com", "secret"); err == nil {
		t.Fatalf("expected failure after retry exhaustion")
	}
	if got := hits.Load(); got != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", got)
	}
}

func TestRefreshOnUnauthorized(t *testing.T) {
	var profileHits, refreshHits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/login":
			writeEnvelope(w, sessionData("stale-token", "refresh-ok"))
		case "/api/auth/refresh":
			refreshHits.Add(1)
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			if body["refreshToken"] != "refresh-ok" {
				t.Errorf("unexpected refresh token %q", body["refreshToken"])
			}
			writeEnvelope(w, sessionData("fresh-token", "refresh-ok"))
		case "/api/auth/profile":
			profileHits.Add(1)
			if r.Header.Get("Authorization") == "Bearer fresh-token" {
				writeEnvelope(w, map[string]any{"id": "u1", "email": "bob@example.com"})
				return
			}
			w.WriteHeader(http.StatusUnauthorized)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client := New(server.URL, newTestStore(t), time.Millisecond)
	ctx := context.Background()
	if _, err := client.Login(ctx, "bob@example.com", "secret"); err != nil {
		t.Fatalf("login: %v", err)
	}

	user, err := client.Profile(ctx)
	if err != nil {
		t.Fatalf("profile should succeed after refresh: %v", err)
	}
	if user.Email != "bob@example.com" {
		t.Fatalf("profile mismatch: %+v", user)
	}
	if refreshHits.Load() != 1 {
		t.Fatalf("expected exactly one refresh, got %d", refreshHits.Load())
	}
	if profileHits.Load() != 2 {
		t.Fatalf("expected the profile call retried once, got %d", profileHits.Load())
	}
	if client.AccessToken() != "fresh-token" {
		t.Fatalf("refreshed token not adopted: %q", client.AccessToken())
	}
}

func TestFailedRefreshClearsSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/login":
			writeEnvelope(w, sessionData("stale-token", "refresh-dead"))
		case "/api/auth/refresh":
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]any{"success": false, "message": "refresh token revoked"})
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer server.Close()

	store := newTestStore(t)
	client := New(server.URL, store, time.Millisecond)
	ctx := context.Background()
	if _, err := client.Login(ctx, "bob@example.com", "secret"); err != nil {
		t.Fatalf("login: %v", err)
	}

	_, err := client.Profile(ctx)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if client.LoggedIn() {
		t.Fatalf("session should be cleared after failed refresh")
	}
	if _, err := store.GetMeta(ctx, storage.MetaAccessToken); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("persisted tokens should be removed, got %v", err)
	}
}

func TestLogoutClearsLocalSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/login":
			writeEnvelope(w, sessionData("access-3", "refresh-3"))
		case "/api/auth/logout":
			writeEnvelope(w, map[string]string{})
		case "/api/auth/refresh":
			writeEnvelope(w, sessionData("access-4", "refresh-4"))
		}
	}))
	defer server.Close()

	store := newTestStore(t)
	client := New(server.URL, store, time.Millisecond)
	ctx := context.Background()
	if _, err := client.Login(ctx, "bob@example.com", "secret"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := client.Logout(ctx); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if client.LoggedIn() {
		t.Fatalf("session should be gone after logout")
	}
	if _, err := store.GetMeta(ctx, storage.MetaRefreshToken); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("refresh token should be removed, got %v", err)
	}
}
