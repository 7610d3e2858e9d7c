package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/tutormatch/internal/model"
)

func decodeErrorBodyRaw(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var raw map[string]any
	if err := json.NewDecoder(w.Body).Decode(&raw); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	return raw
}

func TestWriteErrorResponse_UsesModelErrors(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		apiErr     *model.APIError
	}{
		{"Unauthorized", http.StatusUnauthorized, model.NewUnauthorizedError()},
		{"Forbidden", http.StatusForbidden, model.NewForbiddenError("accept")},
		{"NotFound", http.StatusNotFound, model.NewRequestNotFoundError("req-1")},
		{"AlreadyClaimed", http.StatusBadRequest, model.NewAlreadyClaimedError("req-1")},
		{"InvalidState", http.StatusBadRequest, model.NewInvalidStateError("complete", model.InstantStatusOpen)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteErrorResponse(w, tt.statusCode, tt.apiErr)

			if w.Code != tt.statusCode {
				t.Errorf("status = %d, want %d", w.Code, tt.statusCode)
			}
			raw := decodeErrorBodyRaw(t, w)
			if raw["code"] != tt.apiErr.Code {
				t.Errorf("code = %v, want %q", raw["code"], tt.apiErr.Code)
			}
			if raw["category"] != tt.apiErr.Category {
				t.Errorf("category = %v, want %q", raw["category"], tt.apiErr.Category)
			}
			for _, field := range []string{"message", "action"} {
				if s, _ := raw[field].(string); s == "" {
					t.Errorf("%s should not be empty", field)
				}
			}
			if _, ok := raw["requestId"]; ok {
				t.Error("requestId should be omitted outside the request id middleware")
			}
		})
	}
}

func TestWriteInternalServerError_HidesDetail(t *testing.T) {
	w := httptest.NewRecorder()
	WriteInternalServerError(w)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	raw := decodeErrorBodyRaw(t, w)
	if raw["code"] != model.ErrCodeInternal {
		t.Errorf("code = %v, want %q", raw["code"], model.ErrCodeInternal)
	}
	if raw["category"] != "system" {
		t.Errorf("category = %v, want system", raw["category"])
	}
	if raw["message"] != "内部エラーが発生しました。" {
		t.Errorf("message = %v", raw["message"])
	}
}
