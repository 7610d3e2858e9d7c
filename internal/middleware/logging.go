package middleware

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hitoshi/tutormatch/internal/metrics"
	"github.com/hitoshi/tutormatch/internal/model"
)

// statusRecorder はhttp.ResponseWriterをラップし、ステータスコードを記録する。
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

// WriteHeader はステータスコードを記録してから委譲する。
func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.written {
		sr.statusCode = code
		sr.written = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

// Write はデータを書き込む。WriteHeaderが未呼び出しの場合は200を記録する。
func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.written {
		sr.statusCode = http.StatusOK
		sr.written = true
	}
	return sr.ResponseWriter.Write(b)
}

// actorSlot はセッションミドルウェアが解決したアクターをロギングミドルウェアへ渡す。
// ロギングはセッションより外側に配置されるため、コンテキストの値では受け取れない。
type actorSlot struct {
	mu    sync.Mutex
	actor model.Actor
	set   bool
}

var actorSlotKey = contextKey("actor_slot")

func (s *actorSlot) put(actor model.Actor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actor = actor
	s.set = true
}

func (s *actorSlot) get() (model.Actor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actor, s.set
}

// Hijack はWebSocketのアップグレードのために接続の乗っ取りを委譲する。
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	if !sr.written {
		sr.statusCode = http.StatusSwitchingProtocols
		sr.written = true
	}
	return hj.Hijack()
}

// Unwrap はhttp.ResponseControllerから元のResponseWriterを参照できるようにする。
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// NewLoggingMiddleware はリクエストのJSON構造化ログを出力するミドルウェアを返す。
// ログにはmethod、path、status、duration_ms、user_id（認証済みの場合）を含む。
// collectorが指定された場合はステータスコード別のレスポンス数も記録する。
func NewLoggingMiddleware(logger *slog.Logger, collector metrics.MetricsCollector) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rec := &statusRecorder{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			slot := &actorSlot{}
			r = r.WithContext(context.WithValue(r.Context(), actorSlotKey, slot))

			next.ServeHTTP(rec, r)

			duration := time.Since(start)
			durationMs := float64(duration.Nanoseconds()) / float64(time.Millisecond)

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Float64("duration_ms", durationMs),
			}
			if id := RequestIDFromRequest(r); id != "" {
				attrs = append(attrs, slog.String("request_id", id))
			}

			// アクターは内側のセッションミドルウェアがslotに書き戻す
			actor, ok := slot.get()
			if !ok {
				a, err := ActorFromContext(r.Context())
				actor, ok = a, err == nil
			}
			if ok {
				attrs = append(attrs,
					slog.String("user_id", actor.ID),
					slog.String("role", string(actor.Role)),
				)
			}

			if collector != nil {
				collector.RecordHTTPStatus(rec.statusCode)
			}

			// slogのログレベルをステータスコードに応じて変更
			level := slog.LevelInfo
			if rec.statusCode >= 500 {
				level = slog.LevelError
			} else if rec.statusCode >= 400 {
				level = slog.LevelWarn
			}

			logger.LogAttrs(r.Context(), level, "http_request", attrs...)
		})
	}
}
