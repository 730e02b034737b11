package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polybugger/polybugger-mcp/pkg/types"
)

func TestKindOfThroughWrapping(t *testing.T) {
	err := Timeout("launch", 30)
	wrapped := fmt.Errorf("launch failed: %w", err)
	assert.Equal(t, KindTimeout, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, KindTimeout))
	assert.Equal(t, Kind(""), KindOf(stderrors.New("plain")))
}

func TestFailedPreconditionCarriesStates(t *testing.T) {
	err := FailedPrecondition(types.StateRunning, types.StateStopped)
	assert.Equal(t, KindFailedPrecondition, err.Kind)
	assert.Contains(t, err.Message, "stopped")
	assert.Contains(t, err.Message, "running")
	assert.Equal(t, "running", err.Details["current_state"])
}

func TestAdapterErrorPassesMessageVerbatim(t *testing.T) {
	err := Adapter("evaluate", "ZeroDivisionError: division by zero")
	assert.Equal(t, "ZeroDivisionError: division by zero", err.Message)
	assert.Equal(t, "evaluate", err.Command)
}

func TestUnwrap(t *testing.T) {
	cause := stderrors.New("boom")
	err := IO(cause, "write failed")
	assert.True(t, stderrors.Is(err, cause))
}

func TestFromErrorPreservesStructured(t *testing.T) {
	orig := SessionNotFound("abc")
	got := FromError(fmt.Errorf("wrapped: %w", orig))
	assert.Same(t, orig, got)

	plain := FromError(stderrors.New("oops"))
	assert.Equal(t, KindIO, plain.Kind)
	assert.Equal(t, "oops", plain.Message)
}

func TestWithSessionAndDetail(t *testing.T) {
	err := Timeout("step", 10).WithSession("s-1").WithDetail("thread", 3)
	require.Equal(t, "s-1", err.SessionID)
	assert.Equal(t, 3, err.Details["thread"])
}
