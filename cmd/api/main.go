// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/file-forge/internal/api"
	"github.com/yourusername/file-forge/internal/auth"
	"github.com/yourusername/file-forge/internal/config"
)

const (
	shutdownTimeout = 30 * time.Second
	// multipartOverhead はファイル本体以外のフォーム項目に見込む大きさです。
	multipartOverhead = 1 << 20
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := cfg.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stack, err := setupJobs(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to set up jobs", "error", err)
		os.Exit(1)
	}
	// 停止中に期限切れになったジョブもここで掃除される
	if err := stack.scheduler.Start(ctx); err != nil {
		logger.Error("failed to start cleanup scheduler", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newRouter(cfg, stack, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("starting API server", "addr", srv.Addr, "mode", cfg.GinMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped unexpectedly", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down http server", "error", err)
	}
	if err := stack.shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down job stack", "error", err)
	}
}

func newRouter(cfg *config.Config, stack *jobStack, logger *slog.Logger) *gin.Engine {
	// デフォルトミドルウェア: Logger, Recovery
	router := gin.Default()

	// セッションストアの設定（クッキー署名鍵は必須）
	store := cookie.NewStore([]byte(cfg.SessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, store))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.AllowedOrigins()
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		auth.CSRFHeader,
	}
	// フロントエンドが CSRF トークンとダウンロード名を読み取れるように公開
	corsConfig.ExposeHeaders = []string{auth.CSRFHeader, "Content-Disposition", "X-Job-Id"}
	router.Use(cors.New(corsConfig))

	setupRoutes(router, cfg, stack, logger)
	return router
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "file-forge-api",
		"version": "0.2.0",
	})
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, stack *jobStack, logger *slog.Logger) {
	router.GET("/health", handleHealth)

	authManager := auth.NewManager(cfg, auth.WithLogger(logger))
	handler := api.NewHandler(stack.service, stack.store, stack.storage, stack.scheduler, api.Options{
		BaseURL:         cfg.JobResultBaseURL,
		MaxRequestBytes: cfg.MaxFileSize*int64(cfg.MaxFiles) + multipartOverhead,
		RateLimiter:     api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		Logger:          logger,
	})

	apiGroup := router.Group("/api")
	{
		authRoutes := apiGroup.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", authManager.Login)
			authRoutes.POST("/logout",
				authManager.RequireLogin(),
				authManager.VerifyCSRF(),
				authManager.Logout,
			)
			authRoutes.GET("/session", authManager.RequireLogin(), authManager.Session)
		}

		// ツールの API は誰でも使える
		handler.RegisterTools(apiGroup)

		admin := apiGroup.Group("/admin")
		admin.Use(authManager.RequireLogin(), authManager.VerifyCSRF())
		handler.RegisterAdmin(admin)
	}
}
