package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"drawings-core/config"
	"drawings-core/core"
	"drawings-core/handlers/auth"
	"drawings-core/handlers/commands"
	"drawings-core/handlers/websocket"
	"drawings-core/stores/memory"
)

type fakeHub map[string]int

func (h fakeHub) GetActiveSources() map[string]int { return h }

func seededStore(t *testing.T) *memory.Store {
	t.Helper()
	store := memory.NewStore(nil)
	for _, d := range []*core.Drawing{
		{ID: "1", SourceID: "doc-A", Payload: []byte(`{}`)},
		{ID: "2", SourceID: "doc-A", Payload: []byte(`{}`)},
		{ID: "3", SourceID: "doc-B", Payload: []byte(`{}`)},
	} {
		if err := store.Save(context.Background(), d); err != nil {
			t.Fatalf("Save() failed: %v", err)
		}
	}
	return store
}

func TestHandleSources(t *testing.T) {
	store := seededStore(t)
	handler := handleSources(store, fakeHub{"doc-B": 2, "doc-live": 1}, nil)

	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest(http.MethodGet, "/api/sources", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var got []sourceEntry
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d sources, want 3: %+v", len(got), got)
	}
	if got[0].ID != "doc-B" || got[0].Users != 2 || got[0].Drawings != 1 {
		t.Errorf("first entry = %+v", got[0])
	}
	if got[1].ID != "doc-live" || got[1].Users != 1 || got[1].LastUpdated != nil {
		t.Errorf("second entry = %+v", got[1])
	}
	if got[2].ID != "doc-A" || got[2].Drawings != 2 || got[2].LastUpdated == nil {
		t.Errorf("third entry = %+v", got[2])
	}
}

func TestAllowOrigin(t *testing.T) {
	allow := allowOrigin([]string{"https://draw.example.com"})
	testCases := []struct {
		origin string
		want   bool
	}{
		{"https://draw.example.com", true},
		{"http://localhost:5173", true},
		{"http://127.0.0.1", true},
		{"http://[::1]:3000", true},
		{"tauri://localhost", true},
		{"tauri://evil.example.com", false},
		{"https://evil.example.com", false},
		{"", false},
		{"://bad", false},
	}

	for _, tc := range testCases {
		if got := allow(nil, tc.origin); got != tc.want {
			t.Errorf("allowOrigin(%q) = %v, want %v", tc.origin, got, tc.want)
		}
	}
}

func newTestServer(t *testing.T, secret string) (http.Handler, *memory.Store) {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.JWTSecret = secret

	store := seededStore(t)
	dispatcher := commands.NewDispatcher(store, nil)
	hub := websocket.NewHub(dispatcher, cfg.AllowedOrigins, []byte(secret), nil)
	t.Cleanup(hub.Close)
	return setupRouter(cfg, store, dispatcher, hub, nil), store
}

func TestRouter_ClearDrawings(t *testing.T) {
	router, store := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodPost, "/invoke/clear_drawings", strings.NewReader(`{"source_id":"doc-A"}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	drawings, err := store.List(context.Background(), "doc-A")
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(drawings) != 0 {
		t.Errorf("doc-A has %d drawings after clear", len(drawings))
	}
}

func TestRouter_RequiresToken(t *testing.T) {
	router, store := newTestServer(t, "s3cret")

	req := httptest.NewRequest(http.MethodPost, "/invoke/clear_drawings", strings.NewReader(`{"source_id":"doc-A"}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if drawings, _ := store.List(context.Background(), "doc-A"); len(drawings) != 2 {
		t.Fatalf("unauthenticated request removed drawings")
	}

	token, err := auth.IssueToken([]byte("s3cret"), "test", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() failed: %v", err)
	}
	req = httptest.NewRequest(http.MethodPost, "/invoke/clear_drawings", strings.NewReader(`{"source_id":"doc-A"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want %d without a token", w.Code, http.StatusOK)
	}
}

func TestRouter_Preflight(t *testing.T) {
	router, _ := newTestServer(t, "s3cret")

	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodDelete} {
		t.Run(method, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodOptions, "/api/sources/doc-A/drawings", nil)
			req.Header.Set("Origin", "tauri://localhost")
			req.Header.Set("Access-Control-Request-Method", method)
			req.Header.Set("Access-Control-Request-Headers", "Authorization")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if got := w.Header().Get("Access-Control-Allow-Origin"); got != "tauri://localhost" {
				t.Errorf("Access-Control-Allow-Origin = %q", got)
			}
			if got := w.Header().Get("Access-Control-Allow-Methods"); got != method {
				t.Errorf("Access-Control-Allow-Methods = %q, want %q", got, method)
			}
		})
	}
}
