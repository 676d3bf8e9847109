// Package apperr 定义跨组件共享的错误分类。
// 各组件用 fmt.Errorf("%w") 包装这些哨兵错误，调用方通过 errors.Is 判断类别。
package apperr

import "errors"

var (
	ErrValidation           = errors.New("validation error")
	ErrQuota                = errors.New("quota exceeded")
	ErrProviderTransient    = errors.New("provider transient failure")
	ErrCircuitOpen          = errors.New("circuit open")
	ErrNotFound             = errors.New("not found")
	ErrInternalState        = errors.New("internal state conflict")
	ErrProvisioningFailed   = errors.New("provisioning failed")
	ErrInferenceUnavailable = errors.New("inference unavailable")
	ErrUnsupportedIntent    = errors.New("unsupported intent")
	ErrNotReady             = errors.New("session not ready")
)

// Reason 返回稳定的机器可读错误码，用于 API 和流协议的错误负载
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrQuota):
		return "quota_exceeded"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnsupportedIntent):
		return "unsupported_intent"
	case errors.Is(err, ErrNotReady):
		return "not_ready"
	case errors.Is(err, ErrProvisioningFailed):
		return "provisioning_failed"
	case errors.Is(err, ErrInferenceUnavailable):
		return "inference_unavailable"
	case errors.Is(err, ErrProviderTransient):
		return "provider_transient"
	case errors.Is(err, ErrInternalState):
		return "internal_state"
	default:
		return "internal_error"
	}
}
