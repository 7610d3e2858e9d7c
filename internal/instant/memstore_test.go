package instant

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/tutormatch/internal/model"
	"github.com/hitoshi/tutormatch/internal/subject"
)

// memStore は条件付き更新の意味論を再現したテスト用のリクエストストア。
type memStore struct {
	mu        sync.Mutex
	reqs      map[string]*model.InstantRequest
	seq       int
	lastLimit int
	lastKey   string

	// beforeCAS はCompareAndSwapの直前に1度だけ呼ばれ、競合する書き込みを差し込む。
	beforeCAS func(s *memStore, id string)
	findErr   error
	casErr    error
}

func newMemStore() *memStore {
	return &memStore{reqs: make(map[string]*model.InstantRequest)}
}

func (m *memStore) Create(_ context.Context, req *model.InstantRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	if req.ID == "" {
		req.ID = fmt.Sprintf("req-%d", m.seq)
	}
	req.Status = model.InstantStatusOpen
	req.Version = 1
	req.UpdatedAt = req.CreatedAt
	m.reqs[req.ID] = req.Clone()
	return nil
}

func (m *memStore) FindByID(_ context.Context, id string) (*model.InstantRequest, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reqs[id].Clone(), nil
}

func (m *memStore) list(limit int, keep func(*model.InstantRequest) bool, newestFirst bool) []*model.InstantRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastLimit = limit
	var out []*model.InstantRequest
	for _, r := range m.reqs {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *memStore) ListOpen(_ context.Context, key string, limit int) ([]*model.InstantRequest, error) {
	m.lastKey = key
	return m.list(limit, func(r *model.InstantRequest) bool {
		return r.Status == model.InstantStatusOpen && (key == "" || subject.MatchKey(r.Subject) == key)
	}, true), nil
}

func (m *memStore) ListByStudent(_ context.Context, studentID string, limit int) ([]*model.InstantRequest, error) {
	return m.list(limit, func(r *model.InstantRequest) bool { return r.StudentID == studentID }, true), nil
}

func (m *memStore) ListByTutor(_ context.Context, tutorID string, limit int) ([]*model.InstantRequest, error) {
	return m.list(limit, func(r *model.InstantRequest) bool { return r.IsTutor(tutorID) }, true), nil
}

func (m *memStore) ListStaleOpen(_ context.Context, before time.Time, limit int) ([]*model.InstantRequest, error) {
	return m.list(limit, func(r *model.InstantRequest) bool {
		return r.Status == model.InstantStatusOpen && r.CreatedAt.Before(before)
	}, false), nil
}

func (m *memStore) ListStaleAccepted(_ context.Context, before time.Time, limit int) ([]*model.InstantRequest, error) {
	return m.list(limit, func(r *model.InstantRequest) bool {
		return r.Status == model.InstantStatusAccepted && !r.Joined() &&
			r.AcceptedAt != nil && r.AcceptedAt.Before(before)
	}, false), nil
}

func (m *memStore) TryClaim(_ context.Context, id, tutorID string, now time.Time) (*model.InstantRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.reqs[id]
	if !ok || cur.Status != model.InstantStatusOpen {
		return nil, nil
	}
	tid := tutorID
	cur.Status = model.InstantStatusAccepted
	cur.TutorID = &tid
	cur.AcceptedAt = &now
	cur.UpdatedAt = now
	cur.Version++
	return cur.Clone(), nil
}

func (m *memStore) CompareAndSwap(_ context.Context, next *model.InstantRequest, expected int) (bool, error) {
	if hook := m.beforeCAS; hook != nil {
		m.beforeCAS = nil
		hook(m, next.ID)
	}
	if m.casErr != nil {
		return false, m.casErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.reqs[next.ID]
	if !ok || cur.Version != expected {
		return false, nil
	}
	stored := next.Clone()
	stored.Version = expected + 1
	m.reqs[next.ID] = stored
	next.Version = stored.Version
	return true, nil
}

// mutate はテストから直接行を書き換える（他インスタンスの書き込みを模擬する）。
func (m *memStore) mutate(id string, fn func(r *model.InstantRequest)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.reqs[id]
	fn(r)
	r.Version++
}

// put は任意の状態のリクエストを直接登録する。
func (m *memStore) put(r *model.InstantRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.Version == 0 {
		r.Version = 1
	}
	m.reqs[r.ID] = r.Clone()
}

func (m *memStore) get(id string) *model.InstantRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reqs[id].Clone()
}

// --- 通知・メトリクスのモック ---

type recordedEvent struct {
	Type    model.EventType
	Request *model.InstantRequest
}

type mockEmitter struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (e *mockEmitter) Emit(_ context.Context, eventType model.EventType, req *model.InstantRequest) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, recordedEvent{Type: eventType, Request: req})
}

func (e *mockEmitter) count(t model.EventType) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type mockMetrics struct {
	mu             sync.Mutex
	transitions    map[string]int
	claimConflicts int
	expired        map[string]int
	emitFailures   map[string]int
	reaperRuns     int
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{
		transitions:  make(map[string]int),
		expired:      make(map[string]int),
		emitFailures: make(map[string]int),
	}
}

func (m *mockMetrics) RecordTransition(op, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions[op+"/"+outcome]++
}

func (m *mockMetrics) RecordClaimConflict() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claimConflicts++
}

func (m *mockMetrics) RecordExpired(reason string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired[reason] += n
}

func (m *mockMetrics) RecordEmitFailure(sink string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitFailures[sink]++
}

func (m *mockMetrics) RecordReaperRun(time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reaperRuns++
}

func (m *mockMetrics) RecordHTTPStatus(int) {}
