package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			assert.Equal(t, test.expected, test.class.String())
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection timeout", ErrConnectionTimeout, true},
		{"connection lost", ErrConnectionLost, true},
		{"channel error", ErrChannelError, true},
		{"circuit open", ErrCircuitOpen, true},
		{"update timeout", ErrUpdateTimeout, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"context canceled", context.Canceled, true},
		{"invalid data", ErrInvalidData, false},
		{"update pending", ErrUpdatePending, false},
		{"timeout in message", fmt.Errorf("operation timeout occurred"), true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("test")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, IsTransient(test.err))
		})
	}
}

func TestIsFatal(t *testing.T) {
	assert.False(t, IsFatal(nil))
	assert.True(t, IsFatal(ErrInvalidConfig))
	assert.True(t, IsFatal(ErrMissingConfig))
	assert.True(t, IsFatal(fmt.Errorf("fatal system error occurred")))
	assert.False(t, IsFatal(ErrConnectionTimeout))
}

func TestIsInvalid(t *testing.T) {
	assert.False(t, IsInvalid(nil))
	assert.True(t, IsInvalid(ErrInvalidRule))
	assert.True(t, IsInvalid(ErrUnknownOperator))
	assert.True(t, IsInvalid(ErrUpdatePending))
	assert.True(t, IsInvalid(fmt.Errorf("wrapped: %w", ErrInvalidData)))
	assert.False(t, IsInvalid(ErrConnectionLost))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorTransient, Classify(ErrChannelError))
	assert.Equal(t, ErrorFatal, Classify(ErrInvalidConfig))
	assert.Equal(t, ErrorInvalid, Classify(ErrInvalidRule))
	assert.Equal(t, ErrorTransient, Classify(errors.New("something odd")))
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "C", "M", "a"))

	err := Wrap(ErrFetchFailed, "QueryService", "Query", "fetch projects")
	assert.Equal(t, "QueryService.Query: fetch projects failed: data source fetch failed", err.Error())
	assert.True(t, errors.Is(err, ErrFetchFailed))
}

func TestWrapPreservesClassification(t *testing.T) {
	base := errors.New("boom")

	transient := WrapTransient(base, "Source", "Fetch", "select")
	assert.True(t, IsTransient(transient))
	assert.True(t, errors.Is(transient, base))

	invalid := WrapInvalid(base, "Engine", "AddRule", "validate")
	assert.True(t, IsInvalid(invalid))
	assert.False(t, IsTransient(invalid))

	fatal := WrapFatal(base, "Layer", "New", "build")
	assert.True(t, IsFatal(fatal))

	rewrapped := Wrap(invalid, "Loader", "Load", "apply")
	assert.True(t, IsInvalid(rewrapped))

	var ce *ClassifiedError
	assert.True(t, As(rewrapped, &ce))
	assert.Equal(t, "Engine", ce.Component)
	assert.Equal(t, "AddRule", ce.Operation)

	assert.Nil(t, WrapTransient(nil, "a", "b", "c"))
	assert.Nil(t, WrapInvalid(nil, "a", "b", "c"))
	assert.Nil(t, WrapFatal(nil, "a", "b", "c"))
}
