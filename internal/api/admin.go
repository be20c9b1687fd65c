package api

import (
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/file-forge/internal/auth"
	"github.com/yourusername/file-forge/internal/jobs"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// runCleanup は期限切れジョブの掃除を1回実行します。
func (h *Handler) runCleanup(c *gin.Context) {
	report, err := h.cleaner.Sweep(c.Request.Context())
	if err != nil {
		respondWithError(c, h.logger, err)
		return
	}
	h.logger.Info("manual cleanup finished", "user", c.GetString(auth.ContextUserKey), "deleted_jobs", report.DeletedJobs)
	c.JSON(http.StatusOK, report)
}

// listJobs は条件に一致するジョブを新しい順に返します。期限切れの表示変換は行いません。
func (h *Handler) listJobs(c *gin.Context) {
	filter, err := h.parseFilter(c)
	if err != nil {
		respondWithError(c, h.logger, err)
		return
	}

	list, err := h.store.List(c.Request.Context(), filter)
	if err != nil {
		respondWithError(c, h.logger, err)
		return
	}
	countFilter := filter
	countFilter.Limit, countFilter.Offset = 0, 0
	total, err := h.store.Count(c.Request.Context(), countFilter)
	if err != nil {
		respondWithError(c, h.logger, err)
		return
	}

	views := make([]jobView, 0, len(list))
	for _, job := range list {
		views = append(views, h.view(job))
	}
	c.JSON(http.StatusOK, gin.H{
		"jobs":   views,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

func (h *Handler) parseFilter(c *gin.Context) (jobs.Filter, error) {
	filter := jobs.Filter{Limit: defaultListLimit}

	if raw := c.Query("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			status := jobs.Status(strings.TrimSpace(s))
			if !status.Valid() {
				return filter, jobs.Validation("INVALID_INPUT", "statusには queued、processing、completed、failed、expired を指定してください。")
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	if raw := c.Query("tool"); raw != "" {
		name := jobs.Tool(strings.ReplaceAll(raw, "-", "_"))
		if _, ok := h.svc.Registry().Get(name); !ok {
			return filter, jobs.Validation("INVALID_INPUT", "指定されたツールは存在しません。")
		}
		filter.Tool = name
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			return filter, jobs.Validation("INVALID_INPUT", "limitには1〜500の整数を指定してください。")
		}
		filter.Limit = n
	}
	if raw := c.Query("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return filter, jobs.Validation("INVALID_INPUT", "offsetには0以上の整数を指定してください。")
		}
		filter.Offset = n
	}
	return filter, nil
}

// stats はジョブ件数とストレージ使用量を返します。
func (h *Handler) stats(c *gin.Context) {
	summary, err := jobs.Summarize(c.Request.Context(), h.store)
	if err != nil {
		respondWithError(c, h.logger, err)
		return
	}
	used, err := h.storage.Usage()
	if err != nil {
		respondWithError(c, h.logger, jobs.StorageFailure("ストレージ使用量の取得に失敗しました。", err))
		return
	}

	payload := gin.H{
		"total_jobs":         summary.Total,
		"by_status":          summary.ByStatus,
		"storage_used_bytes": used,
		"storage_used_mb":    math.Round(float64(used)/(1024*1024)*100) / 100,
	}
	if report, ok := h.cleaner.LastReport(); ok {
		payload["last_cleanup"] = report
	}
	c.JSON(http.StatusOK, payload)
}
