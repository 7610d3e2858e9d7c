package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/tutormatch/internal/model"
)

// fakeGuard はループバックのテストサーバーへ接続できるようにするWebhookGuardService。
type fakeGuard struct {
	validateErr error
}

func (g *fakeGuard) NewClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

func (g *fakeGuard) ValidateURL(string) error { return g.validateErr }

func TestWebhookPublisher_PostsEventJSON(t *testing.T) {
	var (
		gotBody    []byte
		gotHeaders http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p, err := NewWebhookPublisher(srv.URL, &fakeGuard{}, time.Second)
	if err != nil {
		t.Fatalf("NewWebhookPublisher: %v", err)
	}

	ev := model.Event{ID: "ev-1", Type: model.EventRequestCreated, Request: testRequest("req-1"), OccurredAt: eventTime}
	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if ct := gotHeaders.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if et := gotHeaders.Get("X-Tutormatch-Event"); et != "request.created" {
		t.Errorf("X-Tutormatch-Event = %q", et)
	}
	var msg Message
	if err := json.Unmarshal(gotBody, &msg); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if msg.ID != "ev-1" || msg.Session.Subject != "Calculus" {
		t.Errorf("unexpected body: %+v", msg)
	}
}

func TestWebhookPublisher_RetriesServerErrorsThenFails(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p, err := NewWebhookPublisher(srv.URL, &fakeGuard{}, time.Second)
	if err != nil {
		t.Fatalf("NewWebhookPublisher: %v", err)
	}
	p.SetRetryPolicy(3, time.Millisecond)

	err = p.Publish(context.Background(), model.Event{Type: model.EventRequestCancelled, Request: testRequest("req-1")})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("error = %v, want status 502", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestWebhookPublisher_RecoversAfterTransientFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, err := NewWebhookPublisher(srv.URL, &fakeGuard{}, time.Second)
	if err != nil {
		t.Fatalf("NewWebhookPublisher: %v", err)
	}
	p.SetRetryPolicy(3, time.Millisecond)

	if err := p.Publish(context.Background(), model.Event{Type: model.EventRequestAccepted, Request: testRequest("req-1")}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestWebhookPublisher_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p, err := NewWebhookPublisher(srv.URL, &fakeGuard{}, time.Second)
	if err != nil {
		t.Fatalf("NewWebhookPublisher: %v", err)
	}
	p.SetRetryPolicy(3, time.Millisecond)

	err = p.Publish(context.Background(), model.Event{Type: model.EventRequestCompleted, Request: testRequest("req-1")})
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("error = %v, want status 404", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestWebhookPublisher_StopsRetryingWhenContextDone(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, err := NewWebhookPublisher(srv.URL, &fakeGuard{}, time.Second)
	if err != nil {
		t.Fatalf("NewWebhookPublisher: %v", err)
	}
	p.SetRetryPolicy(5, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = p.Publish(ctx, model.Event{Type: model.EventRequestCreated, Request: testRequest("req-1")})
	if err == nil || !strings.Contains(err.Error(), "cancelled") {
		t.Fatalf("error = %v, want cancellation", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestNewWebhookPublisher_RejectsBlockedURL(t *testing.T) {
	_, err := NewWebhookPublisher("http://169.254.169.254/", &fakeGuard{validateErr: errors.New("blocked")}, time.Second)
	if err == nil {
		t.Fatal("expected validation error")
	}
}
