package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/file-forge/internal/jobs"
)

// unavailableCodes は外部依存が使えないことを表すエラーコードです。503 を返します。
var unavailableCodes = map[string]bool{
	"GHOSTSCRIPT_UNAVAILABLE": true,
	"QUEUE_UNAVAILABLE":       true,
	"RUNNER_STOPPED":          true,
}

// respondWithError はエラーの種類に応じたステータスコードで JSON を返します。
func respondWithError(c *gin.Context, logger *slog.Logger, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"code":    "LIMIT_EXCEEDED",
			"message": "アップロードサイズが上限を超えています。",
		})
		return
	}
	if errors.Is(err, context.Canceled) {
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
		return
	}

	jobErr := jobs.AsError(err)
	if jobErr == nil {
		logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
		return
	}

	status := statusFor(jobErr)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "path", c.FullPath(), "code", jobErr.Code, "error", err)
	}
	c.JSON(status, gin.H{
		"code":    jobErr.Code,
		"message": jobErr.Message,
	})
}

func statusFor(err *jobs.Error) int {
	switch err.Kind {
	case jobs.KindNotFound:
		return http.StatusNotFound
	case jobs.KindInvalidState:
		return http.StatusBadRequest
	case jobs.KindValidation:
		if err.Code == "LIMIT_EXCEEDED" {
			return http.StatusRequestEntityTooLarge
		}
		return http.StatusBadRequest
	default:
		if unavailableCodes[err.Code] {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	}
}
