package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newCSRFHandler(called *bool) http.Handler {
	return NewCSRFMiddleware(CSRFConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	}))
}

func TestCSRFMiddleware_SafeMethodsPassAndIssueCookie(t *testing.T) {
	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		t.Run(method, func(t *testing.T) {
			var called bool
			w := httptest.NewRecorder()
			newCSRFHandler(&called).ServeHTTP(w, httptest.NewRequest(method, "/instant-sessions/pending", nil))

			if !called {
				t.Fatal("handler should have been called")
			}
			var found bool
			for _, c := range w.Result().Cookies() {
				if c.Name == csrfCookieName && c.Value != "" && !c.HttpOnly {
					found = true
				}
			}
			if !found {
				t.Error("expected readable csrf_token cookie to be issued")
			}
		})
	}
}

func TestCSRFMiddleware_ExistingCookieIsNotReissued(t *testing.T) {
	var called bool
	req := httptest.NewRequest(http.MethodGet, "/instant-sessions/pending", nil)
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "existing"})
	w := httptest.NewRecorder()

	newCSRFHandler(&called).ServeHTTP(w, req)

	if len(w.Result().Cookies()) != 0 {
		t.Errorf("cookie should not be reissued, got %v", w.Result().Cookies())
	}
}

func TestCSRFMiddleware_CookieAuthenticatedPOST(t *testing.T) {
	tests := []struct {
		name   string
		cookie string
		header string
		want   int
	}{
		{"matching tokens", "tok", "tok", http.StatusOK},
		{"missing cookie", "", "tok", http.StatusForbidden},
		{"missing header", "tok", "", http.StatusForbidden},
		{"mismatch", "tok", "other", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var called bool
			req := httptest.NewRequest(http.MethodPost, "/instant-sessions/req-1/accept", nil)
			req.AddCookie(&http.Cookie{Name: "session_id", Value: "token-tutor"})
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: tt.cookie})
			}
			if tt.header != "" {
				req.Header.Set(csrfHeaderName, tt.header)
			}
			w := httptest.NewRecorder()

			newCSRFHandler(&called).ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if called != (tt.want == http.StatusOK) {
				t.Errorf("handler called = %v", called)
			}
			if tt.want == http.StatusForbidden {
				if body := decodeErrorBody(t, w); body.Code != "CSRF_TOKEN_INVALID" {
					t.Errorf("code = %q, want CSRF_TOKEN_INVALID", body.Code)
				}
			}
		})
	}
}

func TestCSRFMiddleware_BearerAuthenticatedPOSTSkipsValidation(t *testing.T) {
	var called bool
	req := httptest.NewRequest(http.MethodPost, "/instant-sessions/request", nil)
	req.Header.Set("Authorization", "Bearer token-student")
	w := httptest.NewRecorder()

	newCSRFHandler(&called).ServeHTTP(w, req)

	if !called || w.Code != http.StatusOK {
		t.Errorf("bearer request should pass, status = %d", w.Code)
	}
}

func TestCSRFTokenHandler_ReturnsExistingOrNewToken(t *testing.T) {
	handler := NewCSRFTokenHandler(CSRFConfig{CookieSecure: true})

	req := httptest.NewRequest(http.MethodGet, "/csrf-token", nil)
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "existing"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	var body map[string]string
	if err := json.NewDecoder(w.Result().Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["token"] != "existing" {
		t.Errorf("token = %q, want existing", body["token"])
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/csrf-token", nil))
	body = nil
	if err := json.NewDecoder(w.Result().Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body["token"]) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(body["token"]))
	}
	cookies := w.Result().Cookies()
	if len(cookies) != 1 || !cookies[0].Secure || cookies[0].Value != body["token"] {
		t.Errorf("unexpected cookie: %v", cookies)
	}
}
