package twitchapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// newTokenServer serves the client-credentials token endpoint.
func newTokenServer(t *testing.T, token string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("token request method = %s, want POST", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": token,
			"expires_in":   3600,
			"token_type":   "bearer",
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newClient(t *testing.T, helix *httptest.Server) *StatusClient {
	t.Helper()
	tokens := newTokenServer(t, "test-token")
	return &StatusClient{
		AppTokenSource: &TokenSource{ClientID: "cid", ClientSecret: "cs", TokenURL: tokens.URL + "/oauth2/token"},
		ClientID:       "cid",
		BaseURL:        helix.URL,
		Backoff:        time.Millisecond,
	}
}

func TestCheckStatusLive(t *testing.T) {
	helix := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("user_login"); got != "alice" {
			t.Errorf("user_login = %q, want alice (lowercased)", got)
		}
		if r.Header.Get("Client-Id") != "cid" {
			t.Errorf("missing Client-Id header")
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			t.Errorf("missing bearer token")
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{{
				"title":         "Intro",
				"game_name":     "Just Chatting",
				"viewer_count":  50,
				"started_at":    "2025-06-01T12:00:00Z",
				"thumbnail_url": "https://example/thumb.jpg",
			}},
		})
	}))
	defer helix.Close()

	st, err := newClient(t, helix).CheckStatus(context.Background(), "Alice")
	if err != nil {
		t.Fatalf("CheckStatus error: %v", err)
	}
	if !st.IsLive {
		t.Fatal("expected live")
	}
	if st.Title != "Intro" || st.Category != "Just Chatting" || st.ViewerCount != 50 {
		t.Errorf("unexpected metadata: %+v", st)
	}
	if st.StartedAt.IsZero() {
		t.Errorf("expected parsed started_at")
	}
}

func TestCheckStatusOffline(t *testing.T) {
	helix := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": []interface{}{}})
	}))
	defer helix.Close()

	st, err := newClient(t, helix).CheckStatus(context.Background(), "alice")
	if err != nil {
		t.Fatalf("CheckStatus error: %v", err)
	}
	if st.IsLive {
		t.Error("empty data array must mean offline, not error")
	}
}

func TestCheckStatusRetriesOnRateLimit(t *testing.T) {
	var calls atomic.Int32
	helix := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": []interface{}{}})
	}))
	defer helix.Close()

	st, err := newClient(t, helix).CheckStatus(context.Background(), "alice")
	if err != nil {
		t.Fatalf("CheckStatus error after rate limit retry: %v", err)
	}
	if st.IsLive {
		t.Error("expected offline after retry")
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestCheckStatusRetriesCapped(t *testing.T) {
	var calls atomic.Int32
	helix := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer helix.Close()

	c := newClient(t, helix)
	c.MaxAttempts = 2
	if _, err := c.CheckStatus(context.Background(), "alice"); err == nil {
		t.Fatal("expected error once retries exhausted")
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want capped at 2", calls.Load())
	}
}

func TestCheckStatusNoRetryOnBadRequest(t *testing.T) {
	var calls atomic.Int32
	helix := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer helix.Close()

	if _, err := newClient(t, helix).CheckStatus(context.Background(), "alice"); err == nil {
		t.Fatal("expected error for 400")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (no retry on client error)", calls.Load())
	}
}

func TestCheckStatusEmptyLogin(t *testing.T) {
	c := &StatusClient{AppTokenSource: &TokenSource{ClientID: "cid", ClientSecret: "cs"}}
	if _, err := c.CheckStatus(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty login")
	}
}

func TestTokenSourceMissingCreds(t *testing.T) {
	ts := &TokenSource{}
	if _, err := ts.Get(context.Background()); err == nil {
		t.Fatal("expected error without client id/secret")
	}
}
