// Package notify はライフサイクル遷移の通知を配信する。
//
// Emitter は永続化済みの遷移をキューに積み、専用のgoroutineが登録された Publisher
// （WebSocketハブ、Webhook）へ順に配信する。Emit は配信を待たずに戻る。
// 配信は best-effort であり、失敗はログとメトリクスに記録するだけで
// 呼び出し元の遷移結果には影響しない。
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/tutormatch/internal/metrics"
	"github.com/hitoshi/tutormatch/internal/model"
)

// DefaultQueueSize は配信待ちイベントの既定の上限。
const DefaultQueueSize = 1024

// queueSink はキュー溢れで捨てたイベントを記録するときのラベル。
const queueSink = "queue"

// Publisher はイベントの配信先。
type Publisher interface {
	// Name はログとメトリクスのラベルに使う配信先名を返す。
	Name() string
	Publish(ctx context.Context, ev model.Event) error
}

type queuedEvent struct {
	ctx context.Context
	ev  model.Event
}

// Emitter はイベントを全ての配信先へ非同期に送る。
// 利用後は Close でキューを排出して停止する。
type Emitter struct {
	publishers []Publisher
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
	nowFunc    func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan queuedEvent
	done   chan struct{}
}

// NewEmitter は新しいEmitterを生成し、配信goroutineを開始する。
func NewEmitter(collector metrics.MetricsCollector, logger *slog.Logger, publishers ...Publisher) *Emitter {
	return NewEmitterWithQueue(DefaultQueueSize, collector, logger, publishers...)
}

// NewEmitterWithQueue はキューの上限を指定してEmitterを生成する。0以下は既定値。
func NewEmitterWithQueue(size int, collector metrics.MetricsCollector, logger *slog.Logger, publishers ...Publisher) *Emitter {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Emitter{
		publishers: publishers,
		metrics:    collector,
		logger:     logger,
		nowFunc:    time.Now,
		queue:      make(chan queuedEvent, size),
		done:       make(chan struct{}),
	}
	go e.run()
	return e
}

// SetNowFunc はテスト用に現在時刻の取得関数を差し替える。
func (e *Emitter) SetNowFunc(fn func() time.Time) {
	e.nowFunc = fn
}

// Emit はイベントを生成してキューに積む。ブロックせず、エラーも返さない。
// 呼び出し元のctxがキャンセルされても配信は続く。
func (e *Emitter) Emit(ctx context.Context, eventType model.EventType, req *model.InstantRequest) {
	if req == nil {
		return
	}
	ev := model.Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		Request:    req.Clone(),
		OccurredAt: e.nowFunc().UTC(),
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.drop(ev, "emitter closed")
		return
	}
	select {
	case e.queue <- queuedEvent{ctx: context.WithoutCancel(ctx), ev: ev}:
	default:
		e.drop(ev, "queue full")
	}
}

// Close は新しいイベントの受け付けを止め、キューに残ったイベントを配信し終えるまで待つ。
func (e *Emitter) Close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()
	<-e.done
}

func (e *Emitter) drop(ev model.Event, reason string) {
	if e.metrics != nil {
		e.metrics.RecordEmitFailure(queueSink)
	}
	e.logger.Warn("イベントを破棄しました",
		slog.String("reason", reason),
		slog.String("event", string(ev.Type)),
		slog.String("request_id", ev.Request.ID),
	)
}

func (e *Emitter) run() {
	defer close(e.done)
	for item := range e.queue {
		e.dispatch(item.ctx, item.ev)
	}
}

func (e *Emitter) dispatch(ctx context.Context, ev model.Event) {
	for _, p := range e.publishers {
		if err := e.publish(ctx, p, ev); err != nil {
			if e.metrics != nil {
				e.metrics.RecordEmitFailure(p.Name())
			}
			e.logger.Warn("イベントの配信に失敗しました",
				slog.String("sink", p.Name()),
				slog.String("event", string(ev.Type)),
				slog.String("request_id", ev.Request.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// publish は配信先のpanicもエラーとして扱い、遷移処理へ波及させない。
func (e *Emitter) publish(ctx context.Context, p Publisher, ev model.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("publisher panicked: %v", r)
		}
	}()
	return p.Publish(ctx, ev)
}
