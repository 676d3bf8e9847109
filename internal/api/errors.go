package api

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"computeruse/internal/apperr"
	"computeruse/internal/auth"

	"github.com/gin-gonic/gin"
)

var (
	ErrSessionNotFound = fmt.Errorf("session %w", apperr.ErrNotFound)
	ErrInvalidRequest  = fmt.Errorf("invalid request: %w", apperr.ErrValidation)
	ErrSessionEnded    = fmt.Errorf("session has ended: %w", apperr.ErrInternalState)
	ErrOwnerMismatch   = fmt.Errorf("owner_id does not match api key: %w", apperr.ErrValidation)
)

func respondError(c *gin.Context, code int, err error) {
	c.JSON(code, ErrorResponse{
		Error:  publicMessage(code, err),
		Code:   code,
		Reason: apperr.Reason(err),
	})
}

func respondErrorWithDetails(c *gin.Context, code int, err error, details string) {
	c.JSON(code, ErrorResponse{
		Error:   publicMessage(code, err),
		Code:    code,
		Reason:  apperr.Reason(err),
		Details: details,
	})
}

// publicMessage 5xx 不向客户端暴露下游原始错误，原始错误只写日志
func publicMessage(code int, err error) string {
	switch {
	case code == http.StatusServiceUnavailable:
		slog.Warn("Dependency unavailable", "error", err)
		return "service temporarily unavailable, retry later"
	case code >= http.StatusInternalServerError:
		slog.Error("Request failed", "error", err)
		return "internal server error"
	default:
		return err.Error()
	}
}

// abortWithError 终止后续 handler。准入拒绝附带 Retry-After 与配额明细。
func abortWithError(c *gin.Context, err error) {
	code := mapServiceError(err)
	resp := ErrorResponse{
		Error:  publicMessage(code, err),
		Code:   code,
		Reason: apperr.Reason(err),
	}

	var rej *auth.RejectError
	if errors.As(err, &rej) {
		resp.Reason = string(rej.Reason)
		switch rej.Reason {
		case auth.ReasonRateLimited:
			resp.Limit = rej.Limit
			resp.ResetAt = formatTime(rej.ResetAt)
			c.Header("Retry-After", retryAfter(rej.ResetAt))
		case auth.ReasonSessionLimit:
			resp.Current = rej.Current
			resp.Limit = rej.Limit
			// 名额只在其他 session 结束后释放，没有确定的重置时间
			c.Header("Retry-After", "30")
		}
	}

	c.AbortWithStatusJSON(code, resp)
}

func retryAfter(resetAt time.Time) string {
	secs := math.Ceil(time.Until(resetAt).Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(int(secs))
}

func mapServiceError(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch {
	case errors.Is(err, auth.ErrInvalidKey):
		return http.StatusUnauthorized
	case errors.Is(err, apperr.ErrQuota):
		return http.StatusTooManyRequests
	case errors.Is(err, apperr.ErrNotFound), errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrValidation), errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrOwnerMismatch):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotReady), errors.Is(err, apperr.ErrInternalState), errors.Is(err, ErrSessionEnded):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrCircuitOpen), errors.Is(err, apperr.ErrProviderTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
