// Package cleanup は期限切れのログインセッションを削除するジョブを提供する。
// 有効期限を猶予日数（デフォルト7日）以上過ぎた sessions の行だけを対象にする。
// 即時セッションリクエストには触れない。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// deleteExpiredSessionsQuery は猶予期間を超えて失効しているセッションを削除する。
// 失効済みのセッションは認証で既に無視されている。
const deleteExpiredSessionsQuery = `DELETE FROM sessions
	WHERE expires_at < now() - $1::interval`

// defaultGraceDays は失効後も行を残しておく日数の既定値。
const defaultGraceDays = 7

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// CleanupJob は期限切れセッションの削除ジョブ。冪等。
type CleanupJob struct {
	db        Executor
	logger    *slog.Logger
	GraceDays int // 失効後に行を残す日数（デフォルト: 7）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// graceDaysが0以下の場合は7日。
func NewCleanupJob(db Executor, logger *slog.Logger, graceDays int) *CleanupJob {
	if graceDays <= 0 {
		graceDays = defaultGraceDays
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		db:        db,
		logger:    logger,
		GraceDays: graceDays,
	}
}

// Run は猶予期間を超えた期限切れセッションを削除し、削除件数を返す。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) (int64, error) {
	start := time.Now()

	interval := fmt.Sprintf("%d days", j.GraceDays)

	result, err := j.db.ExecContext(ctx, deleteExpiredSessionsQuery, interval)
	if err != nil {
		j.logger.Error("期限切れセッションの削除に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("grace_days", j.GraceDays),
		)
		return 0, fmt.Errorf("期限切れセッションの削除に失敗: %w", err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	j.logger.Info("期限切れセッションのクリーンアップが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("grace_days", j.GraceDays),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)

	return deletedCount, nil
}

// Start は起動直後に1回実行し、その後intervalごとに実行する。ctxの終了で戻る。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if _, err := j.Run(ctx); err != nil && ctx.Err() == nil {
		j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.Run(ctx); err != nil && ctx.Err() == nil {
				j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
			}
		}
	}
}
