package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"drawings-core/core"
	"drawings-core/stores/memory"

	"github.com/go-chi/chi/v5"
)

func newTestRouter(d *Dispatcher) http.Handler {
	r := chi.NewRouter()
	r.Mount("/invoke", Routes(d))
	r.Get("/healthz", HandleHealth(d))
	return r
}

func postCommand(t *testing.T, h http.Handler, command, body string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/invoke/"+command, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var resp Response
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return w, resp
}

func TestHandleInvoke_ClearDrawings(t *testing.T) {
	d, store := seededDispatcher(t)
	router := newTestRouter(d)

	w, resp := postCommand(t, router, "clear_drawings", `{"source_id":"doc-A"}`)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !resp.OK || resp.Result != nil || resp.Error != "" {
		t.Errorf("response = %+v", resp)
	}
	if n := countDrawings(t, store, "doc-A"); n != 0 {
		t.Errorf("doc-A has %d drawings after clear", n)
	}
}

func TestHandleInvoke_Errors(t *testing.T) {
	testCases := []struct {
		name       string
		command    string
		body       string
		wantStatus int
		wantError  string
	}{
		{"unknown command", "format_disk", `{}`, http.StatusNotFound, "unknown command: format_disk"},
		{"empty source", "clear_drawings", `{"source_id":""}`, http.StatusBadRequest, "source id is required"},
		{"bad json", "clear_drawings", `{`, http.StatusBadRequest, "not valid JSON"},
		{"missing drawing", "save_drawing", `{}`, http.StatusBadRequest, "drawing object is required"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d, _ := seededDispatcher(t)
			w, resp := postCommand(t, newTestRouter(d), tc.command, tc.body)

			if w.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tc.wantStatus)
			}
			if resp.OK {
				t.Error("ok = true on failure")
			}
			if !strings.Contains(resp.Error, tc.wantError) {
				t.Errorf("error = %q, want it to contain %q", resp.Error, tc.wantError)
			}
		})
	}
}

func TestHandleInvoke_StoreUnavailable(t *testing.T) {
	store := &failingStore{
		Store:             memory.NewStore(nil),
		deleteBySourceErr: core.Unavailable("delete drawings by source", errors.New("disk I/O error")),
	}
	w, resp := postCommand(t, newTestRouter(NewDispatcher(store, nil)), "clear_drawings", `{"source_id":"doc-A"}`)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	want := "delete drawings by source: store unavailable: disk I/O error"
	if resp.Error != want {
		t.Errorf("error = %q, want %q", resp.Error, want)
	}
}

func TestHandleInvoke_LoadDrawings(t *testing.T) {
	d, _ := seededDispatcher(t)
	req := httptest.NewRequest(http.MethodPost, "/invoke/load_drawings", strings.NewReader(`{"sourceId":"doc-A"}`))
	rec := httptest.NewRecorder()
	newTestRouter(d).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		OK     bool          `json:"ok"`
		Result []DrawingView `json:"result"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Result) != 2 || resp.Result[0].ID != "1" || resp.Result[1].ID != "2" {
		t.Errorf("result = %+v", resp.Result)
	}
	if !strings.Contains(string(resp.Result[0].Payload), `"points"`) {
		t.Errorf("payload not inlined: %s", resp.Result[0].Payload)
	}
}

func TestHandleHealth(t *testing.T) {
	d, _ := seededDispatcher(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	newTestRouter(d).ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}

	broken := NewDispatcher(&failingStore{
		Store:          memory.NewStore(nil),
		listSourcesErr: core.Corrupt("list sources", fmt.Errorf("checksum mismatch")),
	}, nil)
	w = httptest.NewRecorder()
	newTestRouter(broken).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestStatusFor(t *testing.T) {
	testCases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{core.Invalid("op", "bad"), http.StatusBadRequest},
		{core.NotFound("op", "gone"), http.StatusNotFound},
		{fmt.Errorf("%w: x", ErrUnknownCommand), http.StatusNotFound},
		{core.Unavailable("op", errors.New("locked")), http.StatusServiceUnavailable},
		{core.Corrupt("op", errors.New("garbage")), http.StatusInternalServerError},
		{errors.New("anything else"), http.StatusInternalServerError},
	}

	for _, tc := range testCases {
		if got := StatusFor(tc.err); got != tc.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
