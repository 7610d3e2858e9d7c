package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/tutormatch/internal/metrics"
	"github.com/hitoshi/tutormatch/internal/middleware"
	"github.com/hitoshi/tutormatch/internal/security"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger  *slog.Logger
	Metrics metrics.MetricsCollector
	// MetricsHandler はnilの場合 /metrics を公開しない。
	MetricsHandler http.Handler
	HealthChecker  HealthChecker

	// ミドルウェア依存
	SessionFinder  middleware.SessionFinder
	UserFinder     middleware.UserFinder
	AllowedOrigins security.OriginAllowlist
	CSRFConfig     middleware.CSRFConfig
	RateLimiter    *middleware.RateLimiter

	// 即時セッション
	InstantService InstantServiceInterface
	Reaper         ReaperRunner
	Hub            PresenceHub

	// 科目・チューター検索
	SubjectResolver SubjectResolverInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → Logging → SecurityHeaders → CORS → Session → CSRF → RateLimit(General)
//
// /health と /metrics と /csrf-token は認証の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRequestIDMiddleware())
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger, deps.Metrics))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.AllowedOrigins))

	instantHandler := NewInstantHandler(deps.InstantService, deps.Reaper, deps.Hub, logger)
	subjectHandler := NewSubjectHandler(deps.SubjectResolver)

	// --- 認証不要のルート ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}
	r.Handle("/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → CSRF → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder, deps.UserFinder))
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/instant-sessions", func(r chi.Router) {
			// リクエスト作成には専用のレート制限を追加
			r.With(deps.RateLimiter.RequestCreateMiddleware()).Post("/request", instantHandler.CreateRequest)
			r.Get("/pending", instantHandler.ListPending)
			r.Get("/student/me", instantHandler.ListMineAsStudent)
			r.Get("/tutor/me", instantHandler.ListMineAsTutor)
			r.Post("/cleanup", instantHandler.Cleanup)
			r.Get("/ws", instantHandler.ServeWS)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", instantHandler.Get)
				r.Post("/accept", instantHandler.Accept)
				r.Post("/cancel", instantHandler.Cancel)
				r.Post("/tutor-joined", instantHandler.TutorJoined)
				r.Post("/student-joined", instantHandler.StudentJoined)
				r.Post("/start", instantHandler.Start)
				r.Post("/complete", instantHandler.Complete)
			})
		})

		r.Get("/instant-subjects", subjectHandler.ListSubjects)
		r.Get("/instant-tutors", subjectHandler.FindTutors)
	})

	return r
}
