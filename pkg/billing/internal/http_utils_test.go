package internal

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestReadBodyStrict(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("hello"))
	w := httptest.NewRecorder()

	body, err := ReadBodyStrict(w, req, 1024)
	if err != nil {
		t.Fatalf("ReadBodyStrict failed: %v", err)
	}
	if string(body) != "hello" {
		t.Errorf("Expected hello, got %q", body)
	}
}

func TestReadBodyStrict_TooLarge(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 100)))
	w := httptest.NewRecorder()

	_, err := ReadBodyStrict(w, req, 10)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("Expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	if err := WriteJSON(w, http.StatusCreated, map[string]string{"a": "b"}); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
	if w.Code != http.StatusCreated {
		t.Errorf("Expected 201, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected application/json, got %q", ct)
	}
	if !strings.Contains(w.Body.String(), `"a":"b"`) {
		t.Errorf("Unexpected body: %s", w.Body.String())
	}
}
