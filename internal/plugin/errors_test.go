package plugin

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryable_NilError(t *testing.T) {
	assert.Nil(t, Retryable(nil))
}

func TestIsRetryable(t *testing.T) {
	base := errors.New("connection reset")

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "nil",
			err:  nil,
			want: false,
		},
		{
			name: "plain error",
			err:  base,
			want: false,
		},
		{
			name: "wrapped retryable",
			err:  Retryable(base),
			want: true,
		},
		{
			name: "retryable inside a chain",
			err:  fmt.Errorf("transform failed: %w", Retryable(base)),
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestRetryableError_Unwrap(t *testing.T) {
	base := errors.New("rate limited")
	err := Retryable(base)

	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "retryable")
}
