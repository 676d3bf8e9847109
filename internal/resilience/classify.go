package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"computeruse/internal/apperr"

	"github.com/containerd/errdefs"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// StatusError 是 HTTP 依赖返回的非 2xx 响应
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

type markedError struct {
	err       error
	retryable bool
}

func (e *markedError) Error() string { return e.err.Error() }
func (e *markedError) Unwrap() error { return e.err }

// Retryable 显式标记 err 为可重试
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{err: err, retryable: true}
}

// Permanent 显式标记 err 为不可重试
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{err: err, retryable: false}
}

// IsRetryable 判断失败是否为瞬时性的（超时、限流、5xx、连接失败）。
// 无法识别的错误一律视为不可重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var marked *markedError
	if errors.As(err, &marked) {
		return marked.retryable
	}

	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, apperr.ErrCircuitOpen),
		errors.Is(err, apperr.ErrValidation),
		errors.Is(err, apperr.ErrNotFound):
		return false
	case errors.Is(err, apperr.ErrProviderTransient),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET):
		return true
	}

	var se *StatusError
	if errors.As(err, &se) {
		return retryableStatus(se.StatusCode)
	}

	// Docker 守护进程返回的错误实现了 containerd errdefs 分类
	switch {
	case errdefs.IsUnavailable(err),
		errdefs.IsDeadlineExceeded(err),
		errdefs.IsResourceExhausted(err),
		errdefs.IsAborted(err):
		return true
	case errdefs.IsNotFound(err),
		errdefs.IsInvalidArgument(err),
		errdefs.IsPermissionDenied(err),
		errdefs.IsUnauthorized(err),
		errdefs.IsConflict(err),
		errdefs.IsAlreadyExists(err):
		return false
	}

	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	return false
}

func retryableStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
