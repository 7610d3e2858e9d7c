// Package reaper は放置された即時セッションリクエストを期限切れにするバックグラウンドジョブを提供する。
// 確保されないまま放置された open と、確保後に誰も参加しない accepted を
// 定期的にキャンセルする。状態変更は全て instant.Service の遷移操作を経由する。
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/tutormatch/internal/metrics"
	"github.com/hitoshi/tutormatch/internal/model"
)

const (
	defaultUnclaimedTimeout = 15 * time.Minute
	defaultJoinTimeout      = 10 * time.Minute
	defaultBatchSize        = 500
)

// LifecycleService はリーパーが利用するライフサイクル操作のインターフェース。
type LifecycleService interface {
	ListStaleOpen(ctx context.Context, cutoff time.Time, limit int) ([]*model.InstantRequest, error)
	ListStaleAccepted(ctx context.Context, cutoff time.Time, limit int) ([]*model.InstantRequest, error)
	Expire(ctx context.Context, id, reason string, cutoff time.Time) (bool, error)
}

// Config はリーパーの期限と1回あたりの処理件数を指定する。0以下の値は既定値になる。
type Config struct {
	UnclaimedTimeout time.Duration
	JoinTimeout      time.Duration
	BatchSize        int
}

// Result は1回のスイープで期限切れにした件数。
type Result struct {
	ExpiredOpen     int `json:"expiredOpen"`
	ExpiredAccepted int `json:"expiredAccepted"`
}

// Reaper は期限切れリクエストのスイープジョブ。
// 複数インスタンスで同時に実行しても、条件付き更新により二重にキャンセルされることはない。
type Reaper struct {
	svc     LifecycleService
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	cfg     Config
	nowFunc func() time.Time
}

// NewReaper は新しいReaperを生成する。
func NewReaper(svc LifecycleService, collector metrics.MetricsCollector, logger *slog.Logger, cfg Config) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.UnclaimedTimeout <= 0 {
		cfg.UnclaimedTimeout = defaultUnclaimedTimeout
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = defaultJoinTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &Reaper{
		svc:     svc,
		metrics: collector,
		logger:  logger,
		cfg:     cfg,
		nowFunc: time.Now,
	}
}

// SetNowFunc はテスト用に現在時刻の取得関数を差し替える。
func (r *Reaper) SetNowFunc(fn func() time.Time) {
	r.nowFunc = fn
}

// Run は期限切れ候補を1回スイープする。
// 個別リクエストの失敗はログに記録して処理を続行する。候補の取得に失敗した場合のみエラーを返す。
func (r *Reaper) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	now := r.nowFunc().UTC()
	var res Result

	openCutoff := now.Add(-r.cfg.UnclaimedTimeout)
	stale, err := r.svc.ListStaleOpen(ctx, openCutoff, r.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("未確保リクエストの取得に失敗: %w", err)
	}
	res.ExpiredOpen = r.expireAll(ctx, stale, model.CancelReasonExpiredUnclaimed, openCutoff)

	joinCutoff := now.Add(-r.cfg.JoinTimeout)
	unjoined, err := r.svc.ListStaleAccepted(ctx, joinCutoff, r.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("未参加リクエストの取得に失敗: %w", err)
	}
	res.ExpiredAccepted = r.expireAll(ctx, unjoined, model.CancelReasonExpiredUnjoined, joinCutoff)

	duration := time.Since(start)
	if r.metrics != nil {
		r.metrics.RecordExpired(model.CancelReasonExpiredUnclaimed, res.ExpiredOpen)
		r.metrics.RecordExpired(model.CancelReasonExpiredUnjoined, res.ExpiredAccepted)
		r.metrics.RecordReaperRun(duration)
	}

	r.logger.Info("期限切れリクエストのスイープが完了しました",
		slog.Int("expired_open", res.ExpiredOpen),
		slog.Int("expired_accepted", res.ExpiredAccepted),
		slog.Int("candidates", len(stale)+len(unjoined)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return res, nil
}

func (r *Reaper) expireAll(ctx context.Context, reqs []*model.InstantRequest, reason string, cutoff time.Time) int {
	expired := 0
	for _, req := range reqs {
		if ctx.Err() != nil {
			break
		}
		changed, err := r.svc.Expire(ctx, req.ID, reason, cutoff)
		if err != nil {
			r.logger.Error("リクエストの期限切れ処理に失敗しました",
				slog.String("request_id", req.ID),
				slog.String("reason", reason),
				slog.String("error", err.Error()),
			)
			continue
		}
		if changed {
			expired++
		}
	}
	return expired
}

// Start は起動直後に1回スイープし、以降はinterval間隔で実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (r *Reaper) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("リーパーを開始しました",
		slog.Duration("interval", interval),
		slog.Duration("unclaimed_timeout", r.cfg.UnclaimedTimeout),
		slog.Duration("join_timeout", r.cfg.JoinTimeout),
	)

	r.runAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("リーパーを停止しました")
			return
		case <-ticker.C:
			r.runAndLog(ctx)
		}
	}
}

func (r *Reaper) runAndLog(ctx context.Context) {
	if _, err := r.Run(ctx); err != nil {
		r.logger.Error("スイープの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}
