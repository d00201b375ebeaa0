package domainerr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashcore/reservation-engine/internal/domainerr"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domainerr.Kind
	}{
		{"nil cause validation", domainerr.Validationf("bad quantity"), domainerr.Validation},
		{"not found helper", domainerr.NotFoundf("item %s", "abc"), domainerr.NotFound},
		{"conflict helper", domainerr.Conflictf(domainerr.CodeQuotaExceeded, "over quota"), domainerr.Conflict},
		{"wrapped transient", domainerr.Transient("db down", errors.New("dial tcp")), domainerr.InfrastructureTransient},
		{"wrapped fatal", domainerr.Fatal("migration broke", errors.New("syntax error")), domainerr.InfrastructureFatal},
		{"unclassified error defaults to transient", errors.New("plain error"), domainerr.InfrastructureTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, domainerr.KindOf(tt.err))
		})
	}
}

func TestIs(t *testing.T) {
	err := domainerr.Conflictf(domainerr.CodeAlreadyTerminal, "reservation %s is CONFIRMED", "r1")

	assert.True(t, domainerr.Is(err, domainerr.CodeAlreadyTerminal))
	assert.False(t, domainerr.Is(err, domainerr.CodeQuotaExceeded))
	assert.False(t, domainerr.Is(errors.New("not a domain error"), domainerr.CodeAlreadyTerminal))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := domainerr.Transient("coordinator.create: begin tx", cause)

	require.ErrorIs(t, err, cause)
	assert.Same(t, cause, errors.Unwrap(err))
}

func TestErrorMessageFormatting(t *testing.T) {
	withoutCause := domainerr.New(domainerr.Validation, domainerr.CodeInvalidArgument, "quantity must be >= 1")
	assert.Equal(t, "VALIDATION (INVALID_ARGUMENT): quantity must be >= 1", withoutCause.Error())

	cause := errors.New("boom")
	withCause := domainerr.Wrap(domainerr.InfrastructureFatal, "", "migrate failed", cause)
	assert.Equal(t, fmt.Sprintf("%s (%s): migrate failed: %v", domainerr.InfrastructureFatal, domainerr.Code(""), cause), withCause.Error())
}

func TestAsErrorsAs(t *testing.T) {
	var target *domainerr.Error
	err := fmt.Errorf("wrapped: %w", domainerr.NotFoundf("item %s not found", "x"))

	require.True(t, errors.As(err, &target))
	assert.Equal(t, domainerr.NotFound, target.Kind)
	assert.Equal(t, domainerr.CodeNotFound, target.Code)
}
