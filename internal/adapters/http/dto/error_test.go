package dto

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/quarrylabs/quarry/internal/domain"
)

func writeAndDecode(t *testing.T, err error) (int, ErrorResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	WriteError(rec, err, "req_test")
	var resp ErrorResponse
	if decodeErr := json.NewDecoder(rec.Body).Decode(&resp); decodeErr != nil {
		t.Fatalf("decoding envelope: %v", decodeErr)
	}
	return rec.Code, resp
}

func TestWriteErrorHidesInternalsByDefault(t *testing.T) {
	cause := errors.New("pq: connection to host db.internal:5432 refused")
	err := domain.NewUnavailable("DATABASE_ERROR", "failed to load conversation").Wrap(cause)

	status, resp := writeAndDecode(t, err)
	if status != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", status)
	}
	if resp.Error.Code != "DATABASE_ERROR" {
		t.Errorf("expected DATABASE_ERROR, got %s", resp.Error.Code)
	}
	if _, ok := resp.Error.Details["internal_error"]; ok {
		t.Error("internal error string must not leak without debug")
	}
}

func TestWriteErrorAttachesInternalsInDebug(t *testing.T) {
	SetDebug(true)
	defer SetDebug(false)

	cause := errors.New("pq: connection to host db.internal:5432 refused")
	err := domain.NewUnavailable("DATABASE_ERROR", "failed to load conversation").Wrap(cause)

	_, resp := writeAndDecode(t, err)
	internal, ok := resp.Error.Details["internal_error"].(string)
	if !ok || internal == "" {
		t.Fatalf("expected internal_error detail in debug mode, got %v", resp.Error.Details)
	}

	// Untyped errors keep their generic envelope but still surface the cause.
	status, resp := writeAndDecode(t, errors.New("boom"))
	if status != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", status)
	}
	if resp.Error.Details["internal_error"] != "boom" {
		t.Errorf("expected internal_error=boom, got %v", resp.Error.Details)
	}
}
