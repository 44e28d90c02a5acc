package server

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dd0wney/cluso-graphsync/pkg/logging"
)

// ConfigReloadFunc is a function that reloads configuration
type ConfigReloadFunc func() error

// SignalHandler turns process signals into shutdown and reload requests.
// SIGINT and SIGTERM end Wait; SIGHUP runs the reload function.
type SignalHandler struct {
	logger logging.Logger
	sigCh  chan os.Signal

	mu             sync.RWMutex
	configReloadFn ConfigReloadFunc
}

// NewSignalHandler starts capturing signals. Call Stop to release them.
func NewSignalHandler(logger logging.Logger) *SignalHandler {
	h := &SignalHandler{
		logger: logging.OrNop(logger).With(logging.Component("signals")),
		sigCh:  make(chan os.Signal, 4),
	}
	signal.Notify(h.sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	return h
}

// Stop restores default signal handling
func (h *SignalHandler) Stop() {
	signal.Stop(h.sigCh)
}

// SetConfigReloadFunc sets the function to call when configuration reload is triggered
func (h *SignalHandler) SetConfigReloadFunc(fn ConfigReloadFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.configReloadFn = fn
}

// ReloadConfig triggers a configuration reload
func (h *SignalHandler) ReloadConfig() error {
	h.mu.RLock()
	reloadFn := h.configReloadFn
	h.mu.RUnlock()

	if reloadFn == nil {
		h.logger.Warn("configuration reload requested, but no reload function configured")
		return nil
	}

	if err := reloadFn(); err != nil {
		h.logger.Error("configuration reload failed", logging.Error(err))
		return err
	}
	h.logger.Info("configuration reloaded")
	return nil
}

// Wait blocks until a shutdown signal arrives or ctx is done. It returns
// the signal, or nil when ctx ended the wait.
func (h *SignalHandler) Wait(ctx context.Context) os.Signal {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-h.sigCh:
			if sig == syscall.SIGHUP {
				h.logger.Info("received SIGHUP, reloading configuration")
				_ = h.ReloadConfig()
				continue
			}
			h.logger.Info("received shutdown signal", logging.String("signal", sig.String()))
			return sig
		}
	}
}
