// Package instant は即時チュータリングセッションのライフサイクルを管理する。
//
// 全ての状態変更はこのパッケージを経由し、リポジトリの条件付き更新
// （TryClaim / CompareAndSwap）で永続化される。プロセス内のロックは持たないため、
// 複数インスタンスから同時に呼び出しても1件のリクエストに2人のチューターが
// 割り当てられることはない。
package instant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/tutormatch/internal/metrics"
	"github.com/hitoshi/tutormatch/internal/model"
	"github.com/hitoshi/tutormatch/internal/repository"
	"github.com/hitoshi/tutormatch/internal/security"
	"github.com/hitoshi/tutormatch/internal/subject"
)

// 操作名。エラーメッセージとメトリクスのラベルに使う。
const (
	opCreate        = "create"
	opAccept        = "accept"
	opTutorJoined   = "tutor_joined"
	opStudentJoined = "student_joined"
	opStart         = "start"
	opComplete      = "complete"
	opCancel        = "cancel"
	opExpire        = "expire"
)

const (
	// maxSubjectRunes は科目名の最大文字数。
	maxSubjectRunes = 255
	// maxCancelReasonRunes はキャンセル理由の最大文字数。
	maxCancelReasonRunes = 500
	// maxUpdateAttempts は楽観ロック競合時に再評価する上限回数。
	maxUpdateAttempts = 5

	defaultListLimit = 20
	maxListLimit     = 100
)

// ErrConcurrentUpdate は競合が続き、再評価の上限に達したことを表す。
var ErrConcurrentUpdate = errors.New("instant request was modified concurrently")

// EventEmitter は永続化された遷移を通知する。送信失敗は呼び出し元に返さない。
type EventEmitter interface {
	Emit(ctx context.Context, eventType model.EventType, req *model.InstantRequest)
}

// Options は一覧取得の件数制限を指定する。0以下の値は既定値になる。
type Options struct {
	DefaultListLimit int
	MaxListLimit     int
}

// Service は即時セッションの状態機械。
type Service struct {
	repo      repository.InstantRequestRepository
	emitter   EventEmitter
	metrics   metrics.MetricsCollector
	sanitizer security.TextSanitizerService
	logger    *slog.Logger
	nowFunc   func() time.Time

	defaultLimit int
	maxLimit     int
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	repo repository.InstantRequestRepository,
	emitter EventEmitter,
	collector metrics.MetricsCollector,
	sanitizer security.TextSanitizerService,
	logger *slog.Logger,
	opts Options,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if sanitizer == nil {
		sanitizer = security.NewTextSanitizer()
	}
	if opts.DefaultListLimit <= 0 {
		opts.DefaultListLimit = defaultListLimit
	}
	if opts.MaxListLimit <= 0 {
		opts.MaxListLimit = maxListLimit
	}
	if opts.MaxListLimit < opts.DefaultListLimit {
		opts.MaxListLimit = opts.DefaultListLimit
	}
	return &Service{
		repo:         repo,
		emitter:      emitter,
		metrics:      collector,
		sanitizer:    sanitizer,
		logger:       logger,
		nowFunc:      time.Now,
		defaultLimit: opts.DefaultListLimit,
		maxLimit:     opts.MaxListLimit,
	}
}

// SetNowFunc はテスト用に現在時刻の取得関数を差し替える。
func (s *Service) SetNowFunc(fn func() time.Time) {
	s.nowFunc = fn
}

func (s *Service) now() time.Time {
	return s.nowFunc().UTC()
}

// clampLimit は一覧取得件数を [1, maxLimit] に収める。0以下は既定値。
func (s *Service) clampLimit(limit int) int {
	if limit <= 0 {
		return s.defaultLimit
	}
	if limit > s.maxLimit {
		return s.maxLimit
	}
	return limit
}

// CreateRequest は生徒の即時セッションリクエストを open として作成する。
func (s *Service) CreateRequest(ctx context.Context, actor model.Actor, rawSubject string) (*model.InstantRequest, error) {
	if actor.Role != model.RoleStudent {
		s.recordTransition(opCreate, metrics.OutcomeRejected)
		return nil, model.NewForbiddenError("リクエストを作成できるのは生徒のみです")
	}

	name := subject.NormalizeName(s.sanitizer.Sanitize(rawSubject, maxSubjectRunes))
	if name == "" {
		s.recordTransition(opCreate, metrics.OutcomeRejected)
		return nil, model.NewInvalidArgumentError("科目を指定してください")
	}

	req := &model.InstantRequest{
		StudentID: actor.ID,
		Subject:   name,
		CreatedAt: s.now(),
	}
	if err := s.repo.Create(ctx, req); err != nil {
		return nil, fmt.Errorf("リクエストの作成に失敗しました: %w", err)
	}

	s.recordTransition(opCreate, metrics.OutcomeApplied)
	s.logger.Info("instant request created",
		slog.String("request_id", req.ID),
		slog.String("student_id", req.StudentID),
		slog.String("subject", req.Subject),
	)
	s.emit(ctx, model.EventRequestCreated, req)
	return req, nil
}

// AcceptRequest はチューターがリクエストを確保する。
// 確保は単一行の条件付き更新で行い、open でなくなっていれば ALREADY_CLAIMED を返す。
// 自動リトライは行わない。
func (s *Service) AcceptRequest(ctx context.Context, actor model.Actor, id string) (*model.InstantRequest, error) {
	if actor.Role != model.RoleTutor {
		s.recordTransition(opAccept, metrics.OutcomeRejected)
		return nil, model.NewForbiddenError("リクエストを受け付けられるのはチューターのみです")
	}

	cur, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("リクエストの取得に失敗しました: %w", err)
	}
	if cur == nil {
		return nil, model.NewRequestNotFoundError(id)
	}
	if cur.StudentID == actor.ID {
		s.recordTransition(opAccept, metrics.OutcomeRejected)
		return nil, model.NewForbiddenError("自分のリクエストは受け付けられません")
	}
	if cur.Status != model.InstantStatusOpen {
		s.claimLost(id, actor.ID, cur.Status)
		return nil, model.NewAlreadyClaimedError(id)
	}

	claimed, err := s.repo.TryClaim(ctx, id, actor.ID, s.now())
	if err != nil {
		return nil, fmt.Errorf("リクエストの確保に失敗しました: %w", err)
	}
	if claimed == nil {
		s.claimLost(id, actor.ID, "")
		return nil, model.NewAlreadyClaimedError(id)
	}

	s.recordTransition(opAccept, metrics.OutcomeApplied)
	s.logger.Info("instant request accepted",
		slog.String("request_id", claimed.ID),
		slog.String("tutor_id", actor.ID),
	)
	s.emit(ctx, model.EventRequestAccepted, claimed)
	return claimed, nil
}

func (s *Service) claimLost(id, tutorID string, observed model.InstantStatus) {
	s.recordTransition(opAccept, metrics.OutcomeRejected)
	if s.metrics != nil {
		s.metrics.RecordClaimConflict()
	}
	attrs := []any{
		slog.String("request_id", id),
		slog.String("tutor_id", tutorID),
	}
	if observed != "" {
		attrs = append(attrs, slog.String("status", string(observed)))
	}
	s.logger.Info("instant request already claimed", attrs...)
}

// MarkTutorJoined は割り当て済みチューターの参加を記録する。既に記録済みなら何もしない。
func (s *Service) MarkTutorJoined(ctx context.Context, actor model.Actor, id string) (*model.InstantRequest, error) {
	req, _, err := s.apply(ctx, opTutorJoined, id, model.EventRequestTutorJoined, markTutorJoined(actor))
	return req, err
}

// MarkStudentJoined は生徒の参加を記録する。既に記録済みなら何もしない。
func (s *Service) MarkStudentJoined(ctx context.Context, actor model.Actor, id string) (*model.InstantRequest, error) {
	req, _, err := s.apply(ctx, opStudentJoined, id, model.EventRequestStudentJoined, markStudentJoined(actor))
	return req, err
}

// StartSession は accepted のセッションを in_progress にする。
func (s *Service) StartSession(ctx context.Context, actor model.Actor, id string) (*model.InstantRequest, error) {
	req, _, err := s.apply(ctx, opStart, id, model.EventRequestStarted, startSession(actor))
	return req, err
}

// CompleteSession は in_progress のセッションを completed にする。
func (s *Service) CompleteSession(ctx context.Context, actor model.Actor, id string) (*model.InstantRequest, error) {
	req, _, err := s.apply(ctx, opComplete, id, model.EventRequestCompleted, completeSession(actor))
	return req, err
}

// CancelRequest は open / accepted のリクエストをキャンセルする。
// キャンセル理由はプレーンテキスト化して保存する。
func (s *Service) CancelRequest(ctx context.Context, actor model.Actor, id, reason string) (*model.InstantRequest, error) {
	clean := s.sanitizer.Sanitize(reason, maxCancelReasonRunes)
	req, _, err := s.apply(ctx, opCancel, id, model.EventRequestCancelled, cancelRequest(actor, clean))
	return req, err
}

// Expire はリーパーから呼ばれ、期限切れ条件を最新の状態で再確認してからキャンセルする。
// 状態が変わったかどうかを返す。
func (s *Service) Expire(ctx context.Context, id, reason string, cutoff time.Time) (bool, error) {
	req, changed, err := s.apply(ctx, opExpire, id, model.EventRequestCancelled, expire(reason, cutoff))
	if err != nil {
		return false, err
	}
	if changed {
		s.logger.Info("instant request expired",
			slog.String("request_id", req.ID),
			slog.String("reason", reason),
		)
	}
	return changed, nil
}

// apply は読み込み → 遷移計算 → 条件付き書き込みを行う。
// 他の書き込みが先行した場合は再読み込みして遷移を評価し直すため、
// 再送の受け流しと不正遷移の拒否は常に最新の状態に対して判定される。
func (s *Service) apply(ctx context.Context, op, id string, event model.EventType, fn transition) (*model.InstantRequest, bool, error) {
	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		cur, err := s.repo.FindByID(ctx, id)
		if err != nil {
			return nil, false, fmt.Errorf("リクエストの取得に失敗しました: %w", err)
		}
		if cur == nil {
			return nil, false, model.NewRequestNotFoundError(id)
		}

		now := s.now()
		next, err := fn(cur, now)
		if err != nil {
			s.recordTransition(op, metrics.OutcomeRejected)
			return nil, false, err
		}
		if next == nil {
			s.recordTransition(op, metrics.OutcomeNoop)
			return cur, false, nil
		}
		next.UpdatedAt = now

		ok, err := s.repo.CompareAndSwap(ctx, next, cur.Version)
		if err != nil {
			return nil, false, fmt.Errorf("リクエストの更新に失敗しました: %w", err)
		}
		if ok {
			s.recordTransition(op, metrics.OutcomeApplied)
			s.emit(ctx, event, next)
			return next, true, nil
		}

		s.logger.Debug("instant request version conflict",
			slog.String("request_id", id),
			slog.String("operation", op),
			slog.Int("attempt", attempt),
		)
	}
	return nil, false, fmt.Errorf("%s %s: %w", op, id, ErrConcurrentUpdate)
}

// GetRequest は指定IDのリクエストを返す。
func (s *Service) GetRequest(ctx context.Context, id string) (*model.InstantRequest, error) {
	req, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("リクエストの取得に失敗しました: %w", err)
	}
	if req == nil {
		return nil, model.NewRequestNotFoundError(id)
	}
	return req, nil
}

// ListOpen は open のリクエストを新しい順に返す。科目が指定された場合は完全一致で絞り込む。
func (s *Service) ListOpen(ctx context.Context, subjectFilter string, limit int) ([]*model.InstantRequest, error) {
	key := subject.MatchKey(s.sanitizer.Sanitize(subjectFilter, maxSubjectRunes))
	reqs, err := s.repo.ListOpen(ctx, key, s.clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("受付待ちリクエストの取得に失敗しました: %w", err)
	}
	return reqs, nil
}

// ListForStudent は生徒自身のリクエストを新しい順に返す。
func (s *Service) ListForStudent(ctx context.Context, actor model.Actor, limit int) ([]*model.InstantRequest, error) {
	reqs, err := s.repo.ListByStudent(ctx, actor.ID, s.clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("生徒のリクエスト取得に失敗しました: %w", err)
	}
	return reqs, nil
}

// ListForTutor はチューターに割り当てられたリクエストを新しい順に返す。
func (s *Service) ListForTutor(ctx context.Context, actor model.Actor, limit int) ([]*model.InstantRequest, error) {
	reqs, err := s.repo.ListByTutor(ctx, actor.ID, s.clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("チューターのリクエスト取得に失敗しました: %w", err)
	}
	return reqs, nil
}

// ListStaleOpen はリーパー用に、cutoffより前に作成された open リクエストを返す。
func (s *Service) ListStaleOpen(ctx context.Context, cutoff time.Time, limit int) ([]*model.InstantRequest, error) {
	reqs, err := s.repo.ListStaleOpen(ctx, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("期限切れ候補（未確保）の取得に失敗しました: %w", err)
	}
	return reqs, nil
}

// ListStaleAccepted はリーパー用に、cutoffより前に確保され未参加の accepted リクエストを返す。
func (s *Service) ListStaleAccepted(ctx context.Context, cutoff time.Time, limit int) ([]*model.InstantRequest, error) {
	reqs, err := s.repo.ListStaleAccepted(ctx, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("期限切れ候補（未参加）の取得に失敗しました: %w", err)
	}
	return reqs, nil
}

func (s *Service) emit(ctx context.Context, event model.EventType, req *model.InstantRequest) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(ctx, event, req.Clone())
}

func (s *Service) recordTransition(op, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordTransition(op, outcome)
	}
}
