package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"studysync/internal/authclient"
	"studysync/internal/models"
	"studysync/internal/storage"
	"studysync/internal/sync"
)

func newTestServer(t *testing.T, remoteURL string) (*gin.Engine, storage.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := storage.OpenFlatFile("")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if remoteURL == "" {
		remoteURL = "http://127.0.0.1:0"
	}
	auth := authclient.New(remoteURL, store, time.Millisecond)
	engine := sync.NewEngine(store, auth, "device-test",
		"ws://127.0.0.1:0/ws/sync", remoteURL, 10*time.Millisecond, time.Minute)

	router := gin.New()
	NewHandler(store, auth, engine, nil).RegisterRoutes(router)
	return router, store
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode response: %v (%s)", err, data)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status %d, want %d (body: %s)", rec.Code, want, rec.Body.String())
	}
}

func TestConversationEndToEndFlow(t *testing.T) {
	router, _ := newTestServer(t, "")

	// Create a conversation.
	createResp := doJSONRequest(t, router, http.MethodPost, "/api/conversations", map[string]any{
		"title":      "Linear algebra",
		"aiProvider": "openai",
		"tags":       []string{"math"},
	})
	assertStatus(t, createResp, http.StatusCreated)
	var conv models.Conversation
	decodeJSON(t, createResp.Body.Bytes(), &conv)
	if conv.ID <= 0 || conv.Title != "Linear algebra" {
		t.Fatalf("unexpected created conversation: %+v", conv)
	}

	// Append two messages.
	for _, content := range []string{"what is a determinant?", "the signed volume scale factor"} {
		msgResp := doJSONRequest(t, router, http.MethodPost,
			fmt.Sprintf("/api/conversations/%d/messages", conv.ID),
			map[string]any{"type": "user", "content": content, "tokenCount": 4})
		assertStatus(t, msgResp, http.StatusCreated)
	}

	// Counters visible on the conversation.
	getResp := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/conversations/%d", conv.ID), nil)
	assertStatus(t, getResp, http.StatusOK)
	var reloaded models.Conversation
	decodeJSON(t, getResp.Body.Bytes(), &reloaded)
	if reloaded.MessageCount != 2 || reloaded.TotalTokens != 8 {
		t.Fatalf("counters mismatch: %+v", reloaded)
	}

	// Messages come back in order.
	msgsResp := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/conversations/%d/messages", conv.ID), nil)
	assertStatus(t, msgsResp, http.StatusOK)
	var msgsBody struct {
		Messages []models.Message `json:"messages"`
	}
	decodeJSON(t, msgsResp.Body.Bytes(), &msgsBody)
	if len(msgsBody.Messages) != 2 || msgsBody.Messages[0].Content != "what is a determinant?" {
		t.Fatalf("messages mismatch: %+v", msgsBody.Messages)
	}

	// Rename.
	renameResp := doJSONRequest(t, router, http.MethodPatch,
		fmt.Sprintf("/api/conversations/%d/title", conv.ID),
		map[string]string{"title": "Determinants"})
	assertStatus(t, renameResp, http.StatusOK)

	// Search finds the renamed title.
	searchResp := doJSONRequest(t, router, http.MethodGet, "/api/search?q=determinants", nil)
	assertStatus(t, searchResp, http.StatusOK)
	var searchBody struct {
		Results []struct {
			MatchType string  `json:"matchType"`
			Score     float64 `json:"score"`
		} `json:"results"`
	}
	decodeJSON(t, searchResp.Body.Bytes(), &searchBody)
	if len(searchBody.Results) == 0 {
		t.Fatalf("expected search results")
	}
	if searchBody.Results[0].MatchType != "title" || searchBody.Results[0].Score != 100 {
		t.Fatalf("expected exact title match first: %+v", searchBody.Results[0])
	}

	// Stats reflect the data.
	statsResp := doJSONRequest(t, router, http.MethodGet, "/api/stats", nil)
	assertStatus(t, statsResp, http.StatusOK)
	var stats storage.Stats
	decodeJSON(t, statsResp.Body.Bytes(), &stats)
	if stats.ConversationCount != 1 || stats.MessageCount != 2 {
		t.Fatalf("stats mismatch: %+v", stats)
	}

	// Export embeds messages.
	exportResp := doJSONRequest(t, router, http.MethodGet, "/api/export", nil)
	assertStatus(t, exportResp, http.StatusOK)
	var export storage.Export
	decodeJSON(t, exportResp.Body.Bytes(), &export)
	if len(export.Conversations) != 1 || len(export.Conversations[0].Messages) != 2 {
		t.Fatalf("export mismatch: %+v", export)
	}

	// Delete cascades.
	delResp := doJSONRequest(t, router, http.MethodDelete,
		fmt.Sprintf("/api/conversations/%d", conv.ID), nil)
	assertStatus(t, delResp, http.StatusOK)
	getResp = doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/conversations/%d", conv.ID), nil)
	assertStatus(t, getResp, http.StatusNotFound)
}

func TestConversationValidation(t *testing.T) {
	router, _ := newTestServer(t, "")

	resp := doJSONRequest(t, router, http.MethodGet, "/api/conversations/abc", nil)
	assertStatus(t, resp, http.StatusBadRequest)

	resp = doJSONRequest(t, router, http.MethodGet, "/api/conversations/999", nil)
	assertStatus(t, resp, http.StatusNotFound)

	resp = doJSONRequest(t, router, http.MethodPost, "/api/conversations/1/messages",
		map[string]string{"content": "missing type"})
	assertStatus(t, resp, http.StatusBadRequest)

	resp = doJSONRequest(t, router, http.MethodPost, "/api/conversations/999/messages",
		map[string]string{"type": "user", "content": "orphan"})
	assertStatus(t, resp, http.StatusNotFound)

	resp = doJSONRequest(t, router, http.MethodGet, "/api/search", nil)
	assertStatus(t, resp, http.StatusBadRequest)

	resp = doJSONRequest(t, router, http.MethodPatch, "/api/conversations/999/title",
		map[string]string{"title": "nope"})
	assertStatus(t, resp, http.StatusNotFound)
}

func TestListPaginationOverHTTP(t *testing.T) {
	router, _ := newTestServer(t, "")
	for i := 0; i < 4; i++ {
		resp := doJSONRequest(t, router, http.MethodPost, "/api/conversations",
			map[string]string{"title": fmt.Sprintf("conv %d", i)})
		assertStatus(t, resp, http.StatusCreated)
	}

	resp := doJSONRequest(t, router, http.MethodGet, "/api/conversations?page=1&pageSize=3", nil)
	assertStatus(t, resp, http.StatusOK)
	var page storage.Page
	decodeJSON(t, resp.Body.Bytes(), &page)
	if page.TotalCount != 4 || len(page.Conversations) != 3 || !page.HasMore {
		t.Fatalf("page mismatch: total=%d len=%d hasMore=%t",
			page.TotalCount, len(page.Conversations), page.HasMore)
	}
}

func TestLoginFlowThroughAPI(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/auth/login" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": map[string]any{
				"accessToken":  "access-1",
				"refreshToken": "refresh-1",
				"user":         map[string]string{"id": "u1", "email": "bob@example.com"},
			},
		})
	}))
	defer remote.Close()

	router, store := newTestServer(t, remote.URL)

	resp := doJSONRequest(t, router, http.MethodPost, "/api/auth/login",
		map[string]string{"email": "bob@example.com", "password": "secret"})
	assertStatus(t, resp, http.StatusOK)

	// Session is persisted locally for the next start.
	token, err := store.GetMeta(context.Background(), storage.MetaAccessToken)
	if err != nil || token != "access-1" {
		t.Fatalf("access token not persisted: %q %v", token, err)
	}

	// Missing fields are rejected before hitting the remote.
	resp = doJSONRequest(t, router, http.MethodPost, "/api/auth/login",
		map[string]string{"email": "bob@example.com"})
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestSyncStatusAndConflicts(t *testing.T) {
	router, _ := newTestServer(t, "")

	resp := doJSONRequest(t, router, http.MethodGet, "/api/sync/status", nil)
	assertStatus(t, resp, http.StatusOK)
	var status sync.EngineStatus
	decodeJSON(t, resp.Body.Bytes(), &status)
	if status.LoggedIn || status.ChannelConnected {
		t.Fatalf("fresh daemon should be logged out and disconnected: %+v", status)
	}
	if status.StorageEngine != storage.EngineFlatFile {
		t.Fatalf("expected flatfile engine in status, got %q", status.StorageEngine)
	}

	// Manual sync requires a session.
	resp = doJSONRequest(t, router, http.MethodPost, "/api/sync/now", nil)
	assertStatus(t, resp, http.StatusUnauthorized)

	// Conflicts list starts empty.
	resp = doJSONRequest(t, router, http.MethodGet, "/api/sync/conflicts", nil)
	assertStatus(t, resp, http.StatusOK)
	var conflictsBody struct {
		Conflicts []models.Conflict `json:"conflicts"`
	}
	decodeJSON(t, resp.Body.Bytes(), &conflictsBody)
	if len(conflictsBody.Conflicts) != 0 {
		t.Fatalf("expected no conflicts, got %+v", conflictsBody.Conflicts)
	}

	// Resolution without a connected channel is a retriable 503.
	resp = doJSONRequest(t, router, http.MethodPost, "/api/sync/conflicts/c1/resolve",
		map[string]string{"resolution": "client-wins"})
	assertStatus(t, resp, http.StatusServiceUnavailable)

	// Connectivity signal round-trips.
	resp = doJSONRequest(t, router, http.MethodPost, "/api/sync/online",
		map[string]bool{"online": false})
	assertStatus(t, resp, http.StatusOK)
	resp = doJSONRequest(t, router, http.MethodGet, "/api/sync/status", nil)
	decodeJSON(t, resp.Body.Bytes(), &status)
	if status.Online {
		t.Fatalf("status should report offline after the signal")
	}
}
