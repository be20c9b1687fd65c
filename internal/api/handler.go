// Package api はツールごとのジョブ API と管理 API の HTTP ハンドラーを提供します。
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/file-forge/internal/cleanup"
	"github.com/yourusername/file-forge/internal/jobs"
	"github.com/yourusername/file-forge/internal/storage"
	"github.com/yourusername/file-forge/internal/tools"
)

// Cleaner は管理 API から掃除を実行するためのインターフェースです。cleanup.Scheduler が実装します。
type Cleaner interface {
	Sweep(ctx context.Context) (cleanup.Report, error)
	LastReport() (cleanup.Report, bool)
}

// Options は Handler の設定です。
type Options struct {
	// BaseURL はダウンロードURLの前に付けるベースです。空の場合は相対パスになります。
	BaseURL string
	// MaxRequestBytes はジョブ作成リクエスト全体の上限です。0 以下で無制限。
	MaxRequestBytes int64
	RateLimiter     *RateLimiter
	Logger          *slog.Logger
}

// Handler はジョブ API と管理 API のハンドラーをまとめます。
type Handler struct {
	svc     *tools.Service
	store   jobs.Store
	storage *storage.Local
	cleaner Cleaner
	opts    Options
	logger  *slog.Logger
}

// NewHandler は Handler を作成します。
func NewHandler(svc *tools.Service, store jobs.Store, st *storage.Local, cleaner Cleaner, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		svc:     svc,
		store:   store,
		storage: st,
		cleaner: cleaner,
		opts:    opts,
		logger:  logger,
	}
}

// RegisterTools は登録済みツールごとにジョブ API を r 配下に登録します。
//
//	POST /tools/<slug>/jobs
//	POST /tools/<slug>/jobs/:id/process
//	GET  /tools/<slug>/jobs/:id
//	GET  /tools/<slug>/jobs/:id/download
//	GET  /tools/<slug>/jobs/:id/thumbnails/:file
func (h *Handler) RegisterTools(r gin.IRouter) {
	r.GET("/tools", h.listTools)
	for _, tool := range h.svc.Registry().Tools() {
		name := tool.Name()
		group := r.Group("/tools/" + tools.Slug(name) + "/jobs")
		group.POST("", h.opts.RateLimiter.Middleware(), h.createJob(name))
		group.POST("/:id/process", h.processJob(name))
		group.GET("/:id", h.getJob(name))
		group.GET("/:id/download", h.downloadJob(name))
		group.GET("/:id/thumbnails/:file", h.thumbnail(name))
	}
}

// RegisterAdmin は管理 API を r 配下に登録します。認証は呼び出し側で設定します。
func (h *Handler) RegisterAdmin(r gin.IRouter) {
	r.POST("/cleanup", h.runCleanup)
	r.GET("/jobs", h.listJobs)
	r.GET("/stats", h.stats)
}

func (h *Handler) listTools(c *gin.Context) {
	list := make([]gin.H, 0)
	for _, tool := range h.svc.Registry().Tools() {
		list = append(list, gin.H{
			"name":      tool.Name(),
			"slug":      tools.Slug(tool.Name()),
			"two_phase": tool.TwoPhase(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"tools": list})
}
