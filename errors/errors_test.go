package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_FatalErrors(t *testing.T) {
	fatal := []error{
		&AuthenticationError{Endpoint: "wss://svc", Err: errors.New("401")},
		&ConnectionLostError{Attempts: 5, Err: errors.New("refused")},
		&SchemaError{Schema: "state.v1", Reason: "unknown field kind"},
		&InternalProtocolError{Detail: "outbound queue full"},
	}
	for _, err := range fatal {
		assert.Equal(t, ClassFatal, Classify(err), "error: %v", err)
		assert.True(t, IsFatal(err))
		assert.False(t, IsEpisodeScoped(err))
	}
}

func TestClassify_EpisodeScopedErrors(t *testing.T) {
	episode := []error{
		&ConversionError{Field: "x", Kind: "float"},
		&SimulatorError{Op: "step", Err: errors.New("nan velocity")},
	}
	for _, err := range episode {
		assert.Equal(t, ClassEpisode, Classify(err), "error: %v", err)
		assert.True(t, IsEpisodeScoped(err))
		assert.False(t, IsFatal(err))
	}
}

func TestClassify_TransientErrors(t *testing.T) {
	err := &ConnectError{Endpoint: "wss://svc", Err: errors.New("dial timeout")}
	assert.Equal(t, ClassTransient, Classify(err))
	assert.True(t, IsTransient(err))
}

func TestClassify_WrappedErrorsKeepClass(t *testing.T) {
	// Classification must survive fmt.Errorf wrapping so call sites can
	// add context freely.
	inner := &ConversionError{Field: "speed", Kind: "float"}
	wrapped := fmt.Errorf("encoding state: %w", inner)

	assert.Equal(t, ClassEpisode, Classify(wrapped))

	var convErr *ConversionError
	assert.True(t, errors.As(wrapped, &convErr))
	assert.Equal(t, "speed", convErr.Field)
}

func TestClassify_DeadlineIsFatal(t *testing.T) {
	// A missed step deadline means the remote side is unresponsive, not
	// that we should retry in place.
	err := Wrap(ErrStepDeadline, "Runner", "awaitAction", "wait for prediction")
	assert.Equal(t, ClassFatal, Classify(err))
}

func TestConversionError_NamesFieldAndKind(t *testing.T) {
	err := &ConversionError{Field: "x", Kind: "int"}
	assert.Contains(t, err.Error(), `"x"`)
	assert.Contains(t, err.Error(), "int")
}

func TestWrap(t *testing.T) {
	base := errors.New("boom")
	err := Wrap(base, "Client", "Connect", "dial")
	assert.EqualError(t, err, "Client.Connect: dial failed: boom")
	assert.ErrorIs(t, err, base)

	assert.NoError(t, Wrap(nil, "Client", "Connect", "dial"))
}
