package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/file-forge/internal/jobs"
	"github.com/yourusername/file-forge/internal/tools"
)

// maxConfirmBytes は確認操作のリクエストボディの上限です。
const maxConfirmBytes = 1 << 20

// uploadFields はアップロードファイルとして受け付けるフォームのキーです。
var uploadFields = []string{"file", "file[]", "files", "files[]"}

type progressView struct {
	Percent        int `json:"percent"`
	ProcessedUnits int `json:"processed_units"`
	TotalUnits     int `json:"total_units"`
}

// jobView はジョブ API のレスポンスです。
type jobView struct {
	JobID       string        `json:"job_id"`
	Tool        jobs.Tool     `json:"tool"`
	Status      jobs.Status   `json:"status"`
	Progress    progressView  `json:"progress"`
	Error       *string       `json:"error"`
	ErrorCode   string        `json:"error_code,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
	DownloadURL string        `json:"download_url,omitempty"`
	Metadata    jobs.Metadata `json:"metadata,omitempty"`
}

func (h *Handler) view(job *jobs.Job) jobView {
	v := jobView{
		JobID:  job.ID,
		Tool:   job.Tool,
		Status: job.Status,
		Progress: progressView{
			Percent:        job.Percent(),
			ProcessedUnits: job.ProcessedUnits,
			TotalUnits:     job.TotalUnits,
		},
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
		ExpiresAt: job.ExpiresAt,
		Metadata:  job.Metadata,
	}
	if job.Error != nil {
		msg := job.Error.Message
		v.Error = &msg
		v.ErrorCode = job.Error.Code
	}
	if job.Status == jobs.StatusCompleted && job.OutputRef != "" {
		v.DownloadURL = h.downloadURL(job)
	}
	return v
}

func (h *Handler) downloadURL(job *jobs.Job) string {
	base := strings.TrimRight(h.opts.BaseURL, "/")
	return fmt.Sprintf("%s/api/tools/%s/jobs/%s/download", base, tools.Slug(job.Tool), job.ID)
}

// createJob はアップロードを受け付けてジョブを作成します。
func (h *Handler) createJob(name jobs.Tool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.opts.MaxRequestBytes > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxRequestBytes)
		}
		form, err := c.MultipartForm()
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				respondWithError(c, h.logger, err)
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "multipart/form-data でファイルを送信してください。",
			})
			return
		}
		defer form.RemoveAll()

		req := &tools.PrepareRequest{
			Files:  tools.FromMultipart(collectFiles(form)),
			Params: url.Values(form.Value),
		}
		job, err := h.svc.Create(c.Request.Context(), name, req)
		if err != nil {
			respondWithError(c, h.logger, err)
			return
		}
		c.JSON(http.StatusCreated, h.view(job))
	}
}

func collectFiles(form *multipart.Form) []*multipart.FileHeader {
	var files []*multipart.FileHeader
	for _, key := range uploadFields {
		files = append(files, form.File[key]...)
	}
	return files
}

// processJob は2フェーズのツールの確認操作を受け付けます。
func (h *Handler) processJob(name jobs.Tool) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxConfirmBytes+1))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "リクエストボディを読み込めませんでした。",
			})
			return
		}
		if len(body) > maxConfirmBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"code":    "LIMIT_EXCEEDED",
				"message": "リクエストボディが大きすぎます。",
			})
			return
		}

		job, err := h.svc.Process(c.Request.Context(), name, c.Param("id"), body)
		if err != nil {
			respondWithError(c, h.logger, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"status": jobs.StatusProcessing,
			"job_id": job.ID,
		})
	}
}

func (h *Handler) getJob(name jobs.Tool) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := h.svc.Get(c.Request.Context(), name, c.Param("id"))
		if err != nil {
			respondWithError(c, h.logger, err)
			return
		}
		c.JSON(http.StatusOK, h.view(job))
	}
}

func (h *Handler) downloadJob(name jobs.Tool) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := h.svc.Open(c.Request.Context(), name, c.Param("id"))
		if err != nil {
			respondWithError(c, h.logger, err)
			return
		}
		stream(c, d, "attachment")
	}
}

func (h *Handler) thumbnail(name jobs.Tool) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := h.svc.OpenThumbnail(c.Request.Context(), name, c.Param("id"), c.Param("file"))
		if err != nil {
			respondWithError(c, h.logger, err)
			return
		}
		stream(c, d, "inline")
	}
}

// stream はファイルをレスポンスに書き出して閉じます。
func stream(c *gin.Context, d *tools.Download, disposition string) {
	defer d.File.Close()

	encodedName := url.PathEscape(d.Filename)
	c.Header("Content-Disposition", fmt.Sprintf("%s; filename=\"%s\"; filename*=UTF-8''%s", disposition, d.Filename, encodedName))
	c.Header("Cache-Control", "no-store")
	c.Header("X-Job-Id", d.JobID)
	c.DataFromReader(http.StatusOK, d.Size, d.ContentType, d.File, nil)
}
