package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/tutormatch/internal/middleware"
	"github.com/hitoshi/tutormatch/internal/model"
	"github.com/hitoshi/tutormatch/internal/notify"
	"github.com/hitoshi/tutormatch/internal/worker/reaper"
)

// 操作名。FORBIDDENのステータス変換とログに使う。
const (
	opCreate        = "create"
	opPending       = "list_pending"
	opAccept        = "accept"
	opCancel        = "cancel"
	opTutorJoined   = "tutor_joined"
	opStudentJoined = "student_joined"
	opStart         = "start"
	opComplete      = "complete"
	opGet           = "get"
	opListStudent   = "list_student"
	opListTutor     = "list_tutor"
	opCleanup       = "cleanup"
)

// InstantServiceInterface は即時セッションハンドラーが必要とするサービスインターフェース。
type InstantServiceInterface interface {
	CreateRequest(ctx context.Context, actor model.Actor, subject string) (*model.InstantRequest, error)
	AcceptRequest(ctx context.Context, actor model.Actor, id string) (*model.InstantRequest, error)
	MarkTutorJoined(ctx context.Context, actor model.Actor, id string) (*model.InstantRequest, error)
	MarkStudentJoined(ctx context.Context, actor model.Actor, id string) (*model.InstantRequest, error)
	StartSession(ctx context.Context, actor model.Actor, id string) (*model.InstantRequest, error)
	CompleteSession(ctx context.Context, actor model.Actor, id string) (*model.InstantRequest, error)
	CancelRequest(ctx context.Context, actor model.Actor, id, reason string) (*model.InstantRequest, error)
	GetRequest(ctx context.Context, id string) (*model.InstantRequest, error)
	ListOpen(ctx context.Context, subjectFilter string, limit int) ([]*model.InstantRequest, error)
	ListForStudent(ctx context.Context, actor model.Actor, limit int) ([]*model.InstantRequest, error)
	ListForTutor(ctx context.Context, actor model.Actor, limit int) ([]*model.InstantRequest, error)
}

// ReaperRunner は手動クリーンアップで1回分のスイープを実行する。
type ReaperRunner interface {
	Run(ctx context.Context) (reaper.Result, error)
}

// PresenceHub は認証済みの接続をWebSocketに昇格させる。
type PresenceHub interface {
	ServeWS(w http.ResponseWriter, r *http.Request, actor model.Actor) error
}

// InstantHandler は即時セッションのHTTPハンドラー。
type InstantHandler struct {
	service InstantServiceInterface
	reaper  ReaperRunner
	hub     PresenceHub
	logger  *slog.Logger
}

// NewInstantHandler はInstantHandlerを生成する。reaperとhubはnilでもよい。
func NewInstantHandler(service InstantServiceInterface, runner ReaperRunner, hub PresenceHub, logger *slog.Logger) *InstantHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &InstantHandler{
		service: service,
		reaper:  runner,
		hub:     hub,
		logger:  logger,
	}
}

type createRequestBody struct {
	SubjectID string `json:"subjectId"`
}

type cancelRequestBody struct {
	Reason string `json:"reason"`
}

type sessionResponse struct {
	Session notify.SessionView `json:"session"`
}

type sessionListResponse struct {
	Sessions []notify.SessionView `json:"sessions"`
}

func newSessionList(reqs []*model.InstantRequest) sessionListResponse {
	views := make([]notify.SessionView, 0, len(reqs))
	for _, req := range reqs {
		views = append(views, notify.NewSessionView(req))
	}
	return sessionListResponse{Sessions: views}
}

// CreateRequest は生徒の即時セッションリクエストを作成する。
// POST /instant-sessions/request
func (h *InstantHandler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var body createRequestBody
	if apiErr := decodeOptionalJSON(r, &body); apiErr != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	req, err := h.service.CreateRequest(r.Context(), actor, body.SubjectID)
	if err != nil {
		handleServiceError(w, r, opCreate, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{Session: notify.NewSessionView(req)})
}

// ListPending は未確保のリクエストを新しい順に返す。
// GET /instant-sessions/pending?subjectId=&limit=
func (h *InstantHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireActor(w, r); !ok {
		return
	}
	limit, apiErr := parseLimit(r)
	if apiErr != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	reqs, err := h.service.ListOpen(r.Context(), r.URL.Query().Get("subjectId"), limit)
	if err != nil {
		handleServiceError(w, r, opPending, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionList(reqs))
}

// Accept はチューターがリクエストを確保する。
// POST /instant-sessions/{id}/accept
func (h *InstantHandler) Accept(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, opAccept, h.service.AcceptRequest)
}

// TutorJoined はチューターの参加を記録する。
// POST /instant-sessions/{id}/tutor-joined
func (h *InstantHandler) TutorJoined(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, opTutorJoined, h.service.MarkTutorJoined)
}

// StudentJoined は生徒の参加を記録する。
// POST /instant-sessions/{id}/student-joined
func (h *InstantHandler) StudentJoined(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, opStudentJoined, h.service.MarkStudentJoined)
}

// Start はセッションを開始する。
// POST /instant-sessions/{id}/start
func (h *InstantHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, opStart, h.service.StartSession)
}

// Complete はセッションを完了する。
// POST /instant-sessions/{id}/complete
func (h *InstantHandler) Complete(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, opComplete, h.service.CompleteSession)
}

// Cancel はリクエストをキャンセルする。理由は任意。
// POST /instant-sessions/{id}/cancel
func (h *InstantHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var body cancelRequestBody
	if apiErr := decodeOptionalJSON(r, &body); apiErr != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}
	h.respondTransition(w, r, opCancel, actor, func(ctx context.Context, actor model.Actor, id string) (*model.InstantRequest, error) {
		return h.service.CancelRequest(ctx, actor, id, body.Reason)
	})
}

func (h *InstantHandler) transition(
	w http.ResponseWriter,
	r *http.Request,
	op string,
	fn func(ctx context.Context, actor model.Actor, id string) (*model.InstantRequest, error),
) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	h.respondTransition(w, r, op, actor, fn)
}

// respondTransition は認証済みアクターで状態遷移を実行し、結果のセッションを返す。
func (h *InstantHandler) respondTransition(
	w http.ResponseWriter,
	r *http.Request,
	op string,
	actor model.Actor,
	fn func(ctx context.Context, actor model.Actor, id string) (*model.InstantRequest, error),
) {
	req, err := fn(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, op, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: notify.NewSessionView(req)})
}

// Get はリクエストを1件返す。
// GET /instant-sessions/{id}
func (h *InstantHandler) Get(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireActor(w, r); !ok {
		return
	}

	req, err := h.service.GetRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, opGet, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: notify.NewSessionView(req)})
}

// ListMineAsStudent は呼び出した生徒のリクエストを返す。
// GET /instant-sessions/student/me?limit=
func (h *InstantHandler) ListMineAsStudent(w http.ResponseWriter, r *http.Request) {
	h.listMine(w, r, opListStudent, h.service.ListForStudent)
}

// ListMineAsTutor は呼び出したチューターが担当するリクエストを返す。
// GET /instant-sessions/tutor/me?limit=
func (h *InstantHandler) ListMineAsTutor(w http.ResponseWriter, r *http.Request) {
	h.listMine(w, r, opListTutor, h.service.ListForTutor)
}

func (h *InstantHandler) listMine(
	w http.ResponseWriter,
	r *http.Request,
	op string,
	fn func(ctx context.Context, actor model.Actor, limit int) ([]*model.InstantRequest, error),
) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	limit, apiErr := parseLimit(r)
	if apiErr != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	reqs, err := fn(r.Context(), actor, limit)
	if err != nil {
		handleServiceError(w, r, op, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionList(reqs))
}

// Cleanup はリーパーのスイープを即時に1回実行する。
// POST /instant-sessions/cleanup
func (h *InstantHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	if h.reaper == nil {
		middleware.WriteInternalServerError(w)
		return
	}

	result, err := h.reaper.Run(r.Context())
	if err != nil {
		handleServiceError(w, r, opCleanup, err)
		return
	}
	h.logger.Info("manual cleanup executed",
		slog.String("user_id", actor.ID),
		slog.Int("expired_open", result.ExpiredOpen),
		slog.Int("expired_accepted", result.ExpiredAccepted),
	)
	writeJSON(w, http.StatusOK, result)
}

// ServeWS はプレゼンスチャネルへのWebSocket接続を受け付ける。
// GET /instant-sessions/ws
func (h *InstantHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	if h.hub == nil {
		middleware.WriteInternalServerError(w)
		return
	}

	// アップグレード失敗時のレスポンスはupgraderが書き込む
	if err := h.hub.ServeWS(w, r, actor); err != nil {
		h.logger.Warn("websocket upgrade failed",
			slog.String("user_id", actor.ID),
			slog.String("error", err.Error()),
		)
	}
}
