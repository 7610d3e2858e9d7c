package notify

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/tutormatch/internal/model"
)

// --- モック定義 ---

type mockPublisher struct {
	name        string
	publishFunc func(ctx context.Context, ev model.Event) error

	mu     sync.Mutex
	events []model.Event
}

func (p *mockPublisher) Name() string { return p.name }

func (p *mockPublisher) Publish(ctx context.Context, ev model.Event) error {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	if p.publishFunc != nil {
		return p.publishFunc(ctx, ev)
	}
	return nil
}

func (p *mockPublisher) received() []model.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.Event(nil), p.events...)
}

type mockMetrics struct {
	mu           sync.Mutex
	emitFailures map[string]int
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{emitFailures: make(map[string]int)}
}

func (m *mockMetrics) RecordTransition(string, string) {}
func (m *mockMetrics) RecordClaimConflict() {}
func (m *mockMetrics) RecordExpired(string, int) {}
func (m *mockMetrics) RecordReaperRun(time.Duration) {}
func (m *mockMetrics) RecordHTTPStatus(int) {}

func (m *mockMetrics) RecordEmitFailure(sink string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitFailures[sink]++
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

var eventTime = time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)

func testRequest(id string) *model.InstantRequest {
	return &model.InstantRequest{
		ID:        id,
		StudentID: "student-1",
		Subject:   "Calculus",
		Status:    model.InstantStatusOpen,
		CreatedAt: eventTime,
		UpdatedAt: eventTime,
	}
}

// --- テスト ---

func TestEmitter_FansOutToAllPublishers(t *testing.T) {
	var buf bytes.Buffer
	first := &mockPublisher{name: "first"}
	second := &mockPublisher{name: "second"}
	e := NewEmitter(newMockMetrics(), newTestLogger(&buf), first, second)
	e.SetNowFunc(func() time.Time { return eventTime })

	e.Emit(context.Background(), model.EventRequestCreated, testRequest("req-1"))
	e.Close()

	for _, p := range []*mockPublisher{first, second} {
		got := p.received()
		if len(got) != 1 {
			t.Fatalf("%s received %d events, want 1", p.name, len(got))
		}
		ev := got[0]
		if ev.Type != model.EventRequestCreated || ev.Request.ID != "req-1" {
			t.Errorf("%s received unexpected event: %+v", p.name, ev)
		}
		if ev.ID == "" {
			t.Errorf("%s: event id should be assigned", p.name)
		}
		if !ev.OccurredAt.Equal(eventTime) {
			t.Errorf("%s: occurredAt = %v, want %v", p.name, ev.OccurredAt, eventTime)
		}
	}
	if first.received()[0].ID != second.received()[0].ID {
		t.Error("all publishers should receive the same event id")
	}
}

func TestEmitter_FailuresAreSwallowedAndCounted(t *testing.T) {
	var buf bytes.Buffer
	failing := &mockPublisher{name: "webhook", publishFunc: func(context.Context, model.Event) error {
		return errors.New("connection refused")
	}}
	panicking := &mockPublisher{name: "broken", publishFunc: func(context.Context, model.Event) error {
		panic("boom")
	}}
	healthy := &mockPublisher{name: "websocket"}
	m := newMockMetrics()
	e := NewEmitter(m, newTestLogger(&buf), failing, panicking, healthy)

	e.Emit(context.Background(), model.EventRequestAccepted, testRequest("req-2"))
	e.Close()

	if len(healthy.received()) != 1 {
		t.Error("a failing publisher must not prevent delivery to the others")
	}
	if m.emitFailures["webhook"] != 1 || m.emitFailures["broken"] != 1 {
		t.Errorf("emit failures = %v", m.emitFailures)
	}

	logs := buf.String()
	if !strings.Contains(logs, `"sink":"webhook"`) || !strings.Contains(logs, "connection refused") {
		t.Errorf("expected failure log for webhook, got: %s", logs)
	}
	if !strings.Contains(logs, "publisher panicked: boom") {
		t.Errorf("expected recovered panic in logs, got: %s", logs)
	}
}

func TestEmitter_NilRequestIsIgnored(t *testing.T) {
	p := &mockPublisher{name: "p"}
	e := NewEmitter(nil, nil, p)

	e.Emit(context.Background(), model.EventRequestCreated, nil)
	e.Close()

	if len(p.received()) != 0 {
		t.Error("nil request should not be published")
	}
}

func TestEmitter_EmitDoesNotWaitForSlowPublisher(t *testing.T) {
	release := make(chan struct{})
	slow := &mockPublisher{name: "webhook", publishFunc: func(context.Context, model.Event) error {
		<-release
		return nil
	}}
	e := NewEmitter(nil, nil, slow)

	start := time.Now()
	e.Emit(context.Background(), model.EventRequestAccepted, testRequest("req-4"))
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Emit blocked for %v", elapsed)
	}

	close(release)
	e.Close()
	if len(slow.received()) != 1 {
		t.Errorf("slow publisher received %d events, want 1", len(slow.received()))
	}
}

func TestEmitter_DeliversAfterCallerContextIsCancelled(t *testing.T) {
	var ctxErr error
	p := &mockPublisher{name: "webhook", publishFunc: func(ctx context.Context, _ model.Event) error {
		ctxErr = ctx.Err()
		return nil
	}}
	e := NewEmitter(nil, nil, p)

	ctx, cancel := context.WithCancel(context.Background())
	e.Emit(ctx, model.EventRequestCancelled, testRequest("req-5"))
	cancel()
	e.Close()

	if len(p.received()) != 1 {
		t.Fatalf("received %d events, want 1", len(p.received()))
	}
	if ctxErr != nil {
		t.Errorf("publish context should not inherit the caller's cancellation, got %v", ctxErr)
	}
}

func TestEmitter_DropsWhenQueueIsFull(t *testing.T) {
	var buf bytes.Buffer
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	blocking := &mockPublisher{name: "webhook", publishFunc: func(context.Context, model.Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}}
	m := newMockMetrics()
	e := NewEmitterWithQueue(1, m, newTestLogger(&buf), blocking)

	e.Emit(context.Background(), model.EventRequestCreated, testRequest("req-6"))
	<-started // 1件目は配信中でキューは空
	e.Emit(context.Background(), model.EventRequestCreated, testRequest("req-7"))
	e.Emit(context.Background(), model.EventRequestCreated, testRequest("req-8"))

	close(release)
	e.Close()

	if got := len(blocking.received()); got != 2 {
		t.Errorf("received %d events, want 2", got)
	}
	m.mu.Lock()
	dropped := m.emitFailures["queue"]
	m.mu.Unlock()
	if dropped != 1 {
		t.Errorf("queue drops = %d, want 1", dropped)
	}
	if !strings.Contains(buf.String(), "queue full") {
		t.Errorf("expected drop log, got: %s", buf.String())
	}
}

func TestEmitter_EmitAfterCloseIsDropped(t *testing.T) {
	p := &mockPublisher{name: "p"}
	e := NewEmitter(nil, nil, p)
	e.Close()
	e.Close()

	e.Emit(context.Background(), model.EventRequestCreated, testRequest("req-9"))

	if len(p.received()) != 0 {
		t.Error("events emitted after Close must not be published")
	}
}

func TestNewMessage_JSONShape(t *testing.T) {
	req := testRequest("req-3")
	tutor := "tutor-1"
	req.TutorID = &tutor
	req.Status = model.InstantStatusAccepted

	msg := NewMessage(model.Event{ID: "ev-1", Type: model.EventRequestAccepted, Request: req, OccurredAt: eventTime})

	if msg.Type != "request.accepted" || msg.ID != "ev-1" {
		t.Errorf("unexpected envelope: %+v", msg)
	}
	if msg.Session.Status != "accepted" || *msg.Session.TutorID != "tutor-1" {
		t.Errorf("unexpected session view: %+v", msg.Session)
	}
}
