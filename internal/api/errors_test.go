package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusCreated, map[string]string{"key": "value"})

	if w.Code != http.StatusCreated {
		t.Errorf("status: got %d, want %d", w.Code, http.StatusCreated)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q, want %q", ct, "application/json")
	}
	var got map[string]string
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["key"] != "value" {
		t.Errorf("body: got %v", got)
	}
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, http.StatusNotFound, "not found")

	if w.Code != http.StatusNotFound {
		t.Errorf("status: got %d, want %d", w.Code, http.StatusNotFound)
	}
	var got map[string]any
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(map[string]any{"error": "not found"}, got); diff != "" {
		t.Errorf("body mismatch (-want +got):\n%s", diff)
	}
}

func TestNewRelayErrorDetails(t *testing.T) {
	err := newRelayError(http.StatusUnprocessableEntity, "validation failed", errors.New("limit too large"), nil)
	if err.GetStatus() != http.StatusUnprocessableEntity {
		t.Errorf("status: got %d, want %d", err.GetStatus(), http.StatusUnprocessableEntity)
	}
	if err.Error() != "validation failed" {
		t.Errorf("message: got %q", err.Error())
	}
	if diff := cmp.Diff([]string{"limit too large"}, err.(*relayError).Details); diff != "" {
		t.Errorf("details mismatch (-want +got):\n%s", diff)
	}
}

func TestOperationErrorShape(t *testing.T) {
	server, _ := setupTestServer(t, 0)

	req := httptest.NewRequest(http.MethodGet, "/v1/changes/7c1e0f5e-0000-4000-8000-000000000000", nil)
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status: got %d, want %d", w.Code, http.StatusNotFound)
	}
	var got map[string]any
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(map[string]any{"error": "change not found"}, got); diff != "" {
		t.Errorf("body mismatch (-want +got):\n%s", diff)
	}
}
