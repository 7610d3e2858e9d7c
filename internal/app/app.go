package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/tutormatch/internal/config"
	"github.com/hitoshi/tutormatch/internal/database"
	"github.com/hitoshi/tutormatch/internal/handler"
	"github.com/hitoshi/tutormatch/internal/instant"
	"github.com/hitoshi/tutormatch/internal/logger"
	"github.com/hitoshi/tutormatch/internal/metrics"
	"github.com/hitoshi/tutormatch/internal/middleware"
	"github.com/hitoshi/tutormatch/internal/notify"
	"github.com/hitoshi/tutormatch/internal/repository"
	"github.com/hitoshi/tutormatch/internal/security"
	"github.com/hitoshi/tutormatch/internal/subject"
	"github.com/hitoshi/tutormatch/internal/worker/cleanup"
	"github.com/hitoshi/tutormatch/internal/worker/reaper"
)

// shutdownTimeout はグレースフルシャットダウンの上限時間。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再構成する
	logger.SetupDefault(w, cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandSweep:
		return runSweep(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// newMetricsRegistry はアプリケーションとランタイムのメトリクスを登録したレジストリを返す。
func newMetricsRegistry() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

// newPublishers は設定に応じた通知先を組み立てる。
// Webhook送信先が不正な場合は起動を中止する。
func newPublishers(cfg *config.Config, guard security.WebhookGuardService, extra ...notify.Publisher) ([]notify.Publisher, error) {
	publishers := append([]notify.Publisher{}, extra...)
	if cfg.NotifyWebhookURL == "" {
		return publishers, nil
	}

	webhook, err := notify.NewWebhookPublisher(cfg.NotifyWebhookURL, guard, cfg.NotifyTimeout)
	if err != nil {
		return nil, err
	}
	return append(publishers, webhook), nil
}

// newLifecycle は即時セッションの状態機械とリーパーを組み立てる。
func newLifecycle(
	cfg *config.Config,
	db *sql.DB,
	collector metrics.MetricsCollector,
	emitter instant.EventEmitter,
	log *slog.Logger,
) (*instant.Service, *reaper.Reaper) {
	svc := instant.NewService(
		repository.NewPostgresInstantRequestRepo(db),
		emitter,
		collector,
		security.NewTextSanitizer(),
		logger.Component(log, "instant"),
		instant.Options{
			DefaultListLimit: cfg.ListDefaultLimit,
			MaxListLimit:     cfg.ListMaxLimit,
		},
	)
	r := reaper.NewReaper(svc, collector, logger.Component(log, "reaper"), reaper.Config{
		UnclaimedTimeout: cfg.UnclaimedTimeout,
		JoinTimeout:      cfg.JoinTimeout,
		BatchSize:        cfg.ReaperBatchSize,
	})
	return svc, r
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Info("database connection established")

	// 2. メトリクス
	reg, collector := newMetricsRegistry()

	// 3. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	subjectRepo := repository.NewPostgresSubjectRepo(db)
	availabilityRepo := repository.NewPostgresAvailabilityRepo(db)

	// 4. イベント通知（WebSocketハブ + 任意のWebhook）
	origins := security.ParseOriginAllowlist(cfg.CORSAllowedOrigin)
	hub := notify.NewHub(logger.Component(log, "hub"), origins)
	defer hub.Close()

	publishers, err := newPublishers(cfg, security.NewWebhookGuard(), hub)
	if err != nil {
		return fmt.Errorf("failed to configure notifications: %w", err)
	}
	emitter := notify.NewEmitter(collector, logger.Component(log, "notify"), publishers...)
	defer emitter.Close()

	// 5. ドメインサービスの初期化
	instantService, sweeper := newLifecycle(cfg, db, collector, emitter, log)
	resolver := subject.NewResolver(subjectRepo, availabilityRepo, userRepo, cfg.DiscoveryScanLimit, logger.Component(log, "subject"))

	// 6. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.RateLimiterConfigPerMinute(cfg.RateLimitGeneral, cfg.RateLimitRequestCreate),
	)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:         log,
		Metrics:        collector,
		MetricsHandler: metrics.Handler(reg),
		HealthChecker:  db,
		SessionFinder:  sessionRepo,
		UserFinder:     userRepo,
		AllowedOrigins: origins,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		RateLimiter:     rateLimiter,
		InstantService:  instantService,
		Reaper:          sweeper,
		Hub:             hub,
		SubjectResolver: resolver,
	})

	// 7. HTTPサーバーの起動
	// WebSocket接続を切らないようWriteTimeoutは設定しない
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return serveUntilDone(ctx, server, "API server")
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、リーパーと期限切れセッション削除ジョブを定期実行する。/metrics は専用ポートで公開する。
// ctxがキャンセルされるとシャットダウンする。
func runWorker(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Info("database connection established (worker)")

	// 2. メトリクス
	reg, collector := newMetricsRegistry()

	// 3. イベント通知（ワーカーにはWebSocketクライアントが接続しないためWebhookのみ）
	publishers, err := newPublishers(cfg, security.NewWebhookGuard())
	if err != nil {
		return fmt.Errorf("failed to configure notifications: %w", err)
	}
	emitter := notify.NewEmitter(collector, logger.Component(log, "notify"), publishers...)
	defer emitter.Close()

	// 4. リーパーと期限切れセッション削除ジョブの初期化
	_, sweeper := newLifecycle(cfg, db, collector, emitter, log)
	cleanupJob := cleanup.NewCleanupJob(db, logger.Component(log, "cleanup"), cfg.ExpiredSessionGraceDays)

	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           metrics.SetupMetricsRoute(reg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := serveUntilDone(ctx, metricsServer, "worker metrics server"); err != nil {
			log.Error("metrics server error", slog.String("error", err.Error()))
		}
	}()

	log.Info("worker starting",
		slog.Duration("reaper_interval", cfg.ReaperInterval),
		slog.Duration("unclaimed_timeout", cfg.UnclaimedTimeout),
		slog.Duration("join_timeout", cfg.JoinTimeout),
		slog.Int("session_grace_days", cfg.ExpiredSessionGraceDays),
	)

	// 期限切れセッション削除ジョブをバックグラウンドで実行
	go cleanupJob.Start(ctx, cfg.CleanupInterval)

	// リーパーをメインgoroutineで実行（ブロッキング）
	sweeper.Start(ctx, cfg.ReaperInterval)

	log.Info("worker stopped gracefully")
	return nil
}

// runSweep はリーパーと期限切れセッション削除ジョブを1回ずつ実行して終了する。
func runSweep(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	_, collector := newMetricsRegistry()
	publishers, err := newPublishers(cfg, security.NewWebhookGuard())
	if err != nil {
		return fmt.Errorf("failed to configure notifications: %w", err)
	}
	emitter := notify.NewEmitter(collector, logger.Component(log, "notify"), publishers...)
	defer emitter.Close()

	_, sweeper := newLifecycle(cfg, db, collector, emitter, log)
	result, err := sweeper.Run(ctx)
	if err != nil {
		return fmt.Errorf("reaper sweep failed: %w", err)
	}

	deleted, err := cleanup.NewCleanupJob(db, logger.Component(log, "cleanup"), cfg.ExpiredSessionGraceDays).Run(ctx)
	if err != nil {
		return fmt.Errorf("session cleanup failed: %w", err)
	}

	log.Info("sweep completed",
		slog.Int("expired_open", result.ExpiredOpen),
		slog.Int("expired_accepted", result.ExpiredAccepted),
		slog.Int64("deleted_sessions", deleted),
	)
	return nil
}

// serveUntilDone はctxがキャンセルされるまでサーバーを動かし、その後グレースフルに停止する。
func serveUntilDone(ctx context.Context, server *http.Server, name string) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info(name+" starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%s listen error: %w", name, err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down " + name + "...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", name, err)
	}

	slog.Info(name + " stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
