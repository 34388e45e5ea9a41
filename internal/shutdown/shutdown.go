// Package shutdown stops the process's components in dependency order.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/therealutkarshpriyadarshi/gamewatch/internal/logging"
)

// Stage orders shutdown. Lower stages stop first; functions within one stage
// run in parallel.
type Stage int

const (
	// StageIngress stops accepting control requests
	StageIngress Stage = iota
	// StageMonitors stops polling and drains in-flight ticks
	StageMonitors
	// StageDelivery flushes batched output channels
	StageDelivery
	// StageBuffers persists dead letters
	StageBuffers
	// StageState saves checkpoints and closes the store
	StageState
)

func (s Stage) String() string {
	switch s {
	case StageIngress:
		return "ingress"
	case StageMonitors:
		return "monitors"
	case StageDelivery:
		return "delivery"
	case StageBuffers:
		return "buffers"
	case StageState:
		return "state"
	default:
		return fmt.Sprintf("stage-%d", int(s))
	}
}

// ShutdownFunc is a function that performs cleanup during shutdown
type ShutdownFunc func(context.Context) error

type entry struct {
	name string
	fn   ShutdownFunc
}

// Manager handles graceful shutdown of the application
type Manager struct {
	logger       *logging.Logger
	timeout      time.Duration
	stages       map[Stage][]entry
	mu           sync.Mutex
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	gracefulDone chan struct{}
	err          error
}

// Config holds shutdown manager configuration
type Config struct {
	Timeout time.Duration
	Logger  *logging.Logger
}

// New creates a new shutdown manager
func New(cfg Config) *Manager {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	return &Manager{
		logger:       cfg.Logger.WithComponent("shutdown"),
		timeout:      cfg.Timeout,
		stages:       make(map[Stage][]entry),
		shutdownCh:   make(chan struct{}),
		gracefulDone: make(chan struct{}),
	}
}

// RegisterFunc registers a function to run during the given stage
func (m *Manager) RegisterFunc(stage Stage, name string, fn ShutdownFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Debug().Str("stage", stage.String()).Str("name", name).Msg("Registered shutdown function")
	m.stages[stage] = append(m.stages[stage], entry{name: name, fn: fn})
}

// Component represents a component that can be gracefully shut down
type Component interface {
	Stop(context.Context) error
	Name() string
}

// RegisterComponent registers a component for graceful shutdown
func (m *Manager) RegisterComponent(stage Stage, component Component) {
	m.RegisterFunc(stage, component.Name(), component.Stop)
}

// WaitForSignal blocks until a shutdown signal is received or Shutdown is
// called elsewhere
func (m *Manager) WaitForSignal(signals ...os.Signal) {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, signals...)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		m.logger.Info().
			Str("signal", sig.String()).
			Msg("Shutdown signal received")
		m.Shutdown()
	case <-m.shutdownCh:
	}
}

// Shutdown runs every stage once and returns the joined errors
func (m *Manager) Shutdown() error {
	m.shutdownOnce.Do(func() {
		close(m.shutdownCh)
		m.err = m.performShutdown()
		close(m.gracefulDone)
	})
	<-m.gracefulDone
	return m.err
}

func (m *Manager) performShutdown() error {
	m.mu.Lock()
	order := make([]Stage, 0, len(m.stages))
	for stage := range m.stages {
		order = append(order, stage)
	}
	stages := make(map[Stage][]entry, len(m.stages))
	for k, v := range m.stages {
		stages[k] = append([]entry(nil), v...)
	}
	m.mu.Unlock()
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	m.logger.Info().
		Dur("timeout", m.timeout).
		Int("stages", len(order)).
		Msg("Starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var errs []error
	for _, stage := range order {
		if err := ctx.Err(); err != nil {
			m.logger.Warn().
				Dur("timeout", m.timeout).
				Str("stage", stage.String()).
				Msg("Graceful shutdown timed out, skipping remaining stages")
			errs = append(errs, fmt.Errorf("shutdown timed out before stage %s", stage))
			break
		}
		errs = append(errs, m.runStage(ctx, stage, stages[stage])...)
	}

	if len(errs) > 0 {
		m.logger.Warn().
			Int("errors", len(errs)).
			Msg("Graceful shutdown completed with errors")
	} else {
		m.logger.Info().Msg("Graceful shutdown completed successfully")
	}
	return errors.Join(errs...)
}

func (m *Manager) runStage(ctx context.Context, stage Stage, entries []entry) []error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, e := range entries {
		wg.Add(1)
		go func(e entry) {
			defer wg.Done()

			start := time.Now()
			if err := e.fn(ctx); err != nil {
				m.logger.Error().
					Err(err).
					Str("stage", stage.String()).
					Str("name", e.name).
					Msg("Shutdown function failed")
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
				mu.Unlock()
				return
			}
			m.logger.Debug().
				Str("stage", stage.String()).
				Str("name", e.name).
				Dur("duration", time.Since(start)).
				Msg("Shutdown function completed")
		}(e)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return errs
	case <-ctx.Done():
		m.logger.Warn().Str("stage", stage.String()).Msg("Shutdown stage timed out")
		mu.Lock()
		defer mu.Unlock()
		return append(append([]error(nil), errs...), fmt.Errorf("stage %s: %w", stage, ctx.Err()))
	}
}

// Done returns a channel that is closed when shutdown is complete
func (m *Manager) Done() <-chan struct{} {
	return m.gracefulDone
}

// ShutdownChannel returns a channel that is closed when shutdown is initiated
func (m *Manager) ShutdownChannel() <-chan struct{} {
	return m.shutdownCh
}

// HandlePanic recovers from panics and initiates shutdown
func (m *Manager) HandlePanic() {
	if r := recover(); r != nil {
		m.logger.Error().
			Interface("panic", r).
			Msg("Panic recovered, initiating shutdown")
		m.Shutdown()
		panic(r)
	}
}

// WaitWithTimeout waits for shutdown to complete with a timeout
func (m *Manager) WaitWithTimeout(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-m.Done():
		return nil
	case <-timer.C:
		return fmt.Errorf("shutdown did not complete within %v", timeout)
	}
}
