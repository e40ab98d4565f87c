// Package shutdown runs registered cleanup steps in reverse order when the
// process is asked to stop.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ErrTimeout is returned when cleanup did not finish within the timeout
var ErrTimeout = errors.New("shutdown timeout exceeded, some cleanup may be incomplete")

type step struct {
	name string
	fn   func(context.Context) error
}

// Handler manages graceful shutdown
type Handler struct {
	logger  *zap.Logger
	timeout time.Duration
	signals []os.Signal

	mu    sync.Mutex
	steps []step

	once   sync.Once
	err    error
	done   chan struct{}
	stopCh chan struct{}
}

// NewHandler creates a new shutdown handler
func NewHandler(timeout time.Duration, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		logger:  logger.Named("shutdown"),
		timeout: timeout,
		signals: []os.Signal{
			os.Interrupt,    // Ctrl+C
			syscall.SIGTERM, // container termination
			syscall.SIGQUIT,
		},
		done:   make(chan struct{}),
		stopCh: make(chan struct{}),
	}
}

// Register adds a cleanup step. Steps run last-registered first.
func (h *Handler) Register(name string, fn func(context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.steps = append(h.steps, step{name: name, fn: fn})
}

// Start begins listening for shutdown signals. The returned context is
// cancelled as soon as a signal arrives or Shutdown is called.
func (h *Handler) Start(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, h.signals...)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			h.logger.Info("Received signal, starting graceful shutdown", zap.String("signal", sig.String()))
			cancel()
			h.Shutdown()
		case <-h.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx
}

// Wait blocks until shutdown is complete and returns its result
func (h *Handler) Wait() error {
	<-h.done
	return h.err
}

// Done is closed once every cleanup step has run
func (h *Handler) Done() <-chan struct{} {
	return h.done
}

// Shutdown runs the cleanup steps once. Later calls return the first result.
func (h *Handler) Shutdown() error {
	h.once.Do(func() {
		close(h.stopCh)
		h.err = h.run()
		close(h.done)
	})
	<-h.done
	return h.err
}

func (h *Handler) run() error {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	start := time.Now()

	h.mu.Lock()
	steps := make([]step, len(h.steps))
	copy(steps, h.steps)
	h.mu.Unlock()

	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			h.logger.Warn("Shutdown timeout exceeded, skipping remaining cleanup",
				zap.Int("skipped", i+1))
			errs = append(errs, ErrTimeout)
			break
		}

		s := steps[i]
		stepStart := time.Now()
		if err := s.fn(ctx); err != nil {
			h.logger.Warn("Cleanup failed",
				zap.String("step", s.name),
				zap.Duration("took", time.Since(stepStart)),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			continue
		}
		h.logger.Debug("Cleaned up",
			zap.String("step", s.name),
			zap.Duration("took", time.Since(stepStart)))
	}

	if len(errs) > 0 {
		h.logger.Warn("Shutdown completed with errors",
			zap.Int("errors", len(errs)),
			zap.Duration("took", time.Since(start)))
		return errors.Join(errs...)
	}
	h.logger.Info("Graceful shutdown completed", zap.Duration("took", time.Since(start)))
	return nil
}
