package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, ""},
		{"trade error", New(CodeInvalidState, "nope"), CodeInvalidState},
		{"wrapped trade error", fmt.Errorf("submit: %w", NotFound("instrument", "XYZ")), CodeNotFound},
		{"validation error", NewValidationError("quantity", 0, "must be >= 1"), CodeValidation},
		{"order error over sentinel", NewOrderError("o1", "INFY", "SELL", "holding missing", ErrInternalConsistency), CodeInternalConsistency},
		{"bare sentinel", Wrap(ErrInsufficientBalance, "debit"), CodeInsufficientBalance},
		{"unknown", fmt.Errorf("boom"), CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestTradeErrorMatchesSentinel(t *testing.T) {
	err := Wrapf(InsufficientHoldings("INFY", 10, 20), "order %s", "o1")
	assert.True(t, Is(err, ErrInsufficientHoldings))
	assert.False(t, Is(err, ErrInvalidState))
	assert.Contains(t, err.Error(), "available 10, requested 20")
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "ctx"))
	assert.NoError(t, Wrapf(nil, "ctx %d", 1))
}
