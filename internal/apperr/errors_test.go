package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"wrapped not found", fmt.Errorf("session abc: %w", ErrNotFound), "not_found"},
		{"validation", ErrValidation, "validation_error"},
		{"circuit wins over provisioning", fmt.Errorf("%w: %w", ErrProvisioningFailed, ErrCircuitOpen), "circuit_open"},
		{"provisioning", fmt.Errorf("start: %w", ErrProvisioningFailed), "provisioning_failed"},
		{"inference", ErrInferenceUnavailable, "inference_unavailable"},
		{"unknown", errors.New("boom"), "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Reason(tt.err); got != tt.want {
				t.Errorf("Reason() = %q, want %q", got, tt.want)
			}
		})
	}
}
