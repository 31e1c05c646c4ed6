// Package connwatch tracks reachability of the services meshbridge
// depends on: the vendor cloud API and the MQTT broker.
//
// [Await] blocks during startup until a probe succeeds, backing off
// exponentially between attempts and giving up early on errors the
// caller marks permanent (a rejected credential will not fix itself).
// A [Watcher] keeps probing in the background afterwards and reports
// ready/down transitions so /health can show which dependency is out.
//
// httpkit retries sub-second dial failures inside a single request.
// This package handles outages measured in seconds to minutes.
package connwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether a service is reachable. nil means healthy.
type ProbeFunc func(ctx context.Context) error

// ErrRetriesExhausted is returned by Await when every attempt failed.
var ErrRetriesExhausted = errors.New("connwatch: retries exhausted")

// BackoffConfig controls retry timing.
type BackoffConfig struct {
	InitialDelay time.Duration // first retry delay (default 2s)
	MaxDelay     time.Duration // ceiling for growth (default 60s)
	Multiplier   float64       // growth factor (default 2)
	MaxRetries   int           // startup attempts, 0 means default (10)

	// PollInterval is the background check interval once startup
	// probing is over (default 60s).
	PollInterval time.Duration

	// ProbeTimeout bounds each probe call (default 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns 2s, 4s, 8s ... capped at 60s, ten
// startup attempts, and one background probe a minute.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier <= 0 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	return c
}

func (c BackoffConfig) next(delay time.Duration) time.Duration {
	delay = time.Duration(float64(delay) * c.Multiplier)
	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	return delay
}

// Await runs probe until it succeeds, ctx ends, permanent reports true
// for a probe error, or MaxRetries attempts have failed. The returned
// error wraps the last probe error. permanent may be nil.
func Await(ctx context.Context, name string, cfg BackoffConfig, probe ProbeFunc, permanent func(error) bool, logger *slog.Logger) error {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	delay := cfg.InitialDelay
	var err error
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		err = probeWithTimeout(ctx, cfg.ProbeTimeout, probe)
		if err == nil {
			logger.Info("service connected", "service", name, "after_attempts", attempt)
			return nil
		}
		if permanent != nil && permanent(err) {
			return fmt.Errorf("%s: %w", name, err)
		}
		if attempt == cfg.MaxRetries {
			break
		}

		logger.Warn("service not reachable, retrying",
			"service", name,
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"next_delay", delay.String(),
			"error", err,
		)
		if !sleepCtx(ctx, delay) {
			return fmt.Errorf("%s: %w", name, ctx.Err())
		}
		delay = cfg.next(delay)
	}
	return fmt.Errorf("%s: %w after %d attempts: %w", name, ErrRetriesExhausted, cfg.MaxRetries, err)
}

// WatcherConfig configures a background watcher.
type WatcherConfig struct {
	Name    string // e.g. "cloud", "mqtt"
	Probe   ProbeFunc
	Backoff BackoffConfig

	// OnReady and OnDown run in their own goroutine on each state
	// transition. Both are optional.
	OnReady func()
	OnDown  func(err error)

	Logger *slog.Logger
}

// ServiceStatus is a watcher's state as reported by /health.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher probes one service until stopped.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current state.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.config.Backoff
	logger := w.config.Logger

	// Startup: back off until the first success or retries run out.
	delay := cfg.InitialDelay
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		err := w.check(ctx)
		if err == nil {
			break
		}
		if attempt == cfg.MaxRetries {
			logger.Info("startup probing exhausted, continuing in background",
				"service", w.config.Name, "attempts", attempt, "error", err)
			break
		}
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = cfg.next(delay)
	}

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// check probes once, records the outcome, and fires transition
// callbacks.
func (w *Watcher) check(ctx context.Context) error {
	err := probeWithTimeout(ctx, w.config.Backoff.ProbeTimeout, w.config.Probe)
	if ctx.Err() != nil {
		return err
	}

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()

	logger := w.config.Logger
	wasReady := w.ready.Load()
	switch {
	case err == nil && !wasReady:
		w.ready.Store(true)
		logger.Info("service ready", "service", w.config.Name)
		if w.config.OnReady != nil {
			go w.config.OnReady()
		}
	case err != nil && wasReady:
		w.ready.Store(false)
		logger.Warn("service became unreachable", "service", w.config.Name, "error", err)
		if w.config.OnDown != nil {
			go w.config.OnDown(err)
		}
	case err != nil:
		logger.Debug("service still unreachable", "service", w.config.Name, "error", err)
	}
	return err
}

func probeWithTimeout(ctx context.Context, timeout time.Duration, probe ProbeFunc) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return probe(pctx)
}

// sleepCtx sleeps for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager owns a set of watchers keyed by name.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch starts a watcher that runs until ctx ends or Stop is called.
// An empty Name or nil Probe panics.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run(watchCtx)

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	return w
}

// Status returns every watcher's state keyed by name.
func (m *Manager) Status() map[string]ServiceStatus {
	if m == nil {
		return map[string]ServiceStatus{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Ready reports whether every watcher is ready.
func (m *Manager) Ready() bool {
	if m == nil {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.watchers {
		if !w.IsReady() {
			return false
		}
	}
	return true
}

// Stop shuts down every watcher.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
