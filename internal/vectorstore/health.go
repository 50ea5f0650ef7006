package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// HealthChecker checks a dependency. A nil error means healthy.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Ping connects if needed and reads the collection size. Unlike
// DocumentsCount it reports the failure.
func (c *core) Ping(ctx context.Context) error {
	_, err := c.count(ctx)
	return err
}

// HealthMonitor periodically checks a backend and caches the result for
// cheap health endpoints.
type HealthMonitor struct {
	checker  HealthChecker
	interval time.Duration
	timeout  time.Duration

	healthy   atomic.Bool
	lastCheck atomic.Value // time.Time
	lastErr   atomic.Value // errorBox

	mu        sync.RWMutex
	callbacks []func(bool)

	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
}

type errorBox struct{ err error }

// NewHealthMonitor creates a monitor and runs one check synchronously so the
// initial state is known.
func NewHealthMonitor(ctx context.Context, checker HealthChecker, interval time.Duration, logger *zap.Logger) *HealthMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	hm := &HealthMonitor{
		checker:  checker,
		interval: interval,
		timeout:  5 * time.Second,
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
	}
	err := hm.ping()
	hm.healthy.Store(err == nil)
	hm.lastCheck.Store(timeNow())
	hm.lastErr.Store(errorBox{err})
	return hm
}

// Start begins periodic checks until Stop is called.
func (hm *HealthMonitor) Start() {
	go func() {
		ticker := time.NewTicker(hm.interval)
		defer ticker.Stop()
		for {
			select {
			case <-hm.ctx.Done():
				return
			case <-ticker.C:
				hm.Check()
			}
		}
	}()
}

func (hm *HealthMonitor) ping() error {
	ctx, cancel := context.WithTimeout(hm.ctx, hm.timeout)
	defer cancel()
	return hm.checker.Ping(ctx)
}

// Check pings now and returns the resulting state.
func (hm *HealthMonitor) Check() bool {
	err := hm.ping()
	if errors.Is(err, context.Canceled) && hm.ctx.Err() != nil {
		return hm.healthy.Load()
	}
	hm.updateHealth(err)
	return err == nil
}

func (hm *HealthMonitor) updateHealth(err error) {
	healthy := err == nil
	previous := hm.healthy.Swap(healthy)
	hm.lastCheck.Store(timeNow())
	hm.lastErr.Store(errorBox{err})

	if previous != healthy {
		hm.logger.Info("backend health changed",
			zap.Bool("healthy", healthy),
			zap.Bool("previous", previous),
			zap.Error(err),
		)
		hm.notifyCallbacks(healthy)
	}
}

// IsHealthy returns the cached state.
func (hm *HealthMonitor) IsHealthy() bool {
	return hm.healthy.Load()
}

// LastCheck returns when the last check finished.
func (hm *HealthMonitor) LastCheck() time.Time {
	v, _ := hm.lastCheck.Load().(time.Time)
	return v
}

// LastError returns the error of the last check, or nil.
func (hm *HealthMonitor) LastError() error {
	v, _ := hm.lastErr.Load().(errorBox)
	return v.err
}

// RegisterCallback adds a callback fired on every health transition.
func (hm *HealthMonitor) RegisterCallback(cb func(bool)) error {
	if cb == nil {
		return fmt.Errorf("health: callback cannot be nil")
	}
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.callbacks = append(hm.callbacks, cb)
	return nil
}

// notifyCallbacks runs each callback in its own goroutine so a slow or
// panicking callback cannot stall the checks.
func (hm *HealthMonitor) notifyCallbacks(healthy bool) {
	hm.mu.RLock()
	callbacks := make([]func(bool), len(hm.callbacks))
	copy(callbacks, hm.callbacks)
	hm.mu.RUnlock()

	for _, cb := range callbacks {
		go func(callback func(bool)) {
			defer func() {
				if r := recover(); r != nil {
					hm.logger.Error("health callback panic", zap.Any("panic", r))
				}
			}()
			callback(healthy)
		}(cb)
	}
}

// Stop ends periodic checks.
func (hm *HealthMonitor) Stop() {
	hm.cancel()
}
