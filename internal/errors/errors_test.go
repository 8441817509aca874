package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError(t *testing.T) {
	t.Run("message without cause", func(t *testing.T) {
		err := New(ErrSyncTimeout, "exchange timed out")
		assert.Equal(t, "[SYNC_TIMEOUT] exchange timed out", err.Error())
	})

	t.Run("message with cause", func(t *testing.T) {
		cause := fmt.Errorf("dial tcp: refused")
		err := Wrap(ErrSyncExchange, "exchange failed", cause)
		assert.Contains(t, err.Error(), "SYNC_EXCHANGE_FAILED")
		assert.Contains(t, err.Error(), "refused")
		assert.Equal(t, cause, err.Unwrap())
	})
}

func TestIs(t *testing.T) {
	inner := New(ErrSyncCircuitOpen, "blocked")
	outer := Wrap(ErrSyncFailed, "pass failed", inner)
	wrapped := fmt.Errorf("sync: %w", outer)

	assert.True(t, Is(wrapped, ErrSyncFailed))
	assert.True(t, Is(wrapped, ErrSyncCircuitOpen), "codes deeper in the chain match")
	assert.False(t, Is(wrapped, ErrSyncTimeout))
	assert.False(t, Is(nil, ErrSyncFailed))
	assert.False(t, Is(fmt.Errorf("plain"), ErrSyncFailed))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrSyncTimeout, CodeOf(New(ErrSyncTimeout, "x")))

	// Outermost code wins.
	inner := New(ErrSyncCircuitOpen, "blocked")
	outer := Wrap(ErrSyncFailed, "pass failed", inner)
	assert.Equal(t, ErrSyncFailed, CodeOf(outer))

	assert.Equal(t, ErrInternal, CodeOf(fmt.Errorf("plain")))
}
