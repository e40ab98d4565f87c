package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestShutdownRunsStepsInReverseOrder(t *testing.T) {
	h := NewHandler(time.Second, zaptest.NewLogger(t))

	var order []string
	for _, name := range []string{"store", "monitor", "http"} {
		name := name
		h.Register(name, func(ctx context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	require.NoError(t, h.Shutdown())
	assert.Equal(t, []string{"http", "monitor", "store"}, order)
}

func TestShutdownIsIdempotent(t *testing.T) {
	h := NewHandler(time.Second, zaptest.NewLogger(t))

	calls := 0
	h.Register("once", func(ctx context.Context) error {
		calls++
		return errors.New("flush failed")
	})

	first := h.Shutdown()
	second := h.Shutdown()
	require.Error(t, first)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)
	assert.Contains(t, first.Error(), "once: flush failed")
	assert.Equal(t, first, h.Wait())
}

func TestShutdownContinuesAfterFailure(t *testing.T) {
	h := NewHandler(time.Second, zaptest.NewLogger(t))

	ran := false
	h.Register("first", func(ctx context.Context) error {
		ran = true
		return nil
	})
	h.Register("broken", func(ctx context.Context) error {
		return errors.New("boom")
	})

	assert.Error(t, h.Shutdown())
	assert.True(t, ran)
}

func TestShutdownTimeout(t *testing.T) {
	h := NewHandler(10*time.Millisecond, zaptest.NewLogger(t))

	skipped := true
	h.Register("skipped", func(ctx context.Context) error {
		skipped = false
		return nil
	})
	h.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := h.Shutdown()
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, skipped)
}

func TestStartContextCancelledByShutdown(t *testing.T) {
	h := NewHandler(time.Second, zaptest.NewLogger(t))
	ctx := h.Start(context.Background())

	require.NoError(t, h.Shutdown())
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled")
	}
	<-h.Done()
}
