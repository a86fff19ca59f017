package syncerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransientClassification(t *testing.T) {
	base := errors.New("connection refused")

	assert.True(t, IsTransient(MarkTransient(base)))
	assert.False(t, IsFatal(MarkTransient(base)))

	wrapped := fmt.Errorf("dial upstream: %w", MarkTransient(base))
	assert.True(t, IsTransient(wrapped), "transience survives wrapping")

	assert.False(t, IsTransient(base))
	assert.True(t, IsFatal(base))
	assert.False(t, IsTransient(nil))
	assert.False(t, IsFatal(nil))

	assert.Nil(t, MarkTransient(nil))
}

func TestProtocolError(t *testing.T) {
	err := &Protocol{View: "orders", Reason: "unexpected diff 3"}
	assert.Contains(t, err.Error(), "orders")
	assert.Contains(t, err.Error(), "unexpected diff 3")
	assert.True(t, IsFatal(err))

	var proto *Protocol
	require.ErrorAs(t, fmt.Errorf("stream: %w", err), &proto)
	assert.Equal(t, "orders", proto.View)
}

func TestSentinelsUnwrap(t *testing.T) {
	err := MarkTransient(fmt.Errorf("%w: 120000 keys", ErrPendingLimit))
	assert.ErrorIs(t, err, ErrPendingLimit)
	assert.True(t, IsTransient(err))
}
