package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"
)

const (
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second

	defaultRecoveryDelay = 500 * time.Millisecond
)

// State reflects the lifecycle manager's view of the listener.
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
)

// Lifecycle binds and unbinds the HTTP listener on a configured port. Start
// is idempotent under concurrent calls (an already-running instance restarts
// rather than double-binding); a busy port triggers exactly one recovery
// cycle before failing terminally.
type Lifecycle struct {
	handler http.Handler
	port    int
	log     *slog.Logger

	// externalStop is the best-effort signal asking whoever holds the port
	// to release it; every error from it is swallowed.
	externalStop func(ctx context.Context) error

	// onState reflects running/stopped transitions outward.
	onState func(State)

	recoveryDelay time.Duration

	mu     sync.Mutex
	srv    *http.Server
	ln     net.Listener
	served chan struct{}
}

// LifecycleOption customizes a Lifecycle.
type LifecycleOption func(*Lifecycle)

// WithExternalStop installs the best-effort port-release signal used during
// recovery.
func WithExternalStop(fn func(ctx context.Context) error) LifecycleOption {
	return func(l *Lifecycle) { l.externalStop = fn }
}

// WithStateFunc installs a callback observing running/stopped transitions.
func WithStateFunc(fn func(State)) LifecycleOption {
	return func(l *Lifecycle) { l.onState = fn }
}

// WithRecoveryDelay overrides the pause between freeing the port and the
// retry bind.
func WithRecoveryDelay(d time.Duration) LifecycleOption {
	return func(l *Lifecycle) { l.recoveryDelay = d }
}

// NewLifecycle constructs a manager serving the given handler on port.
func NewLifecycle(handler http.Handler, port int, log *slog.Logger, opts ...LifecycleOption) *Lifecycle {
	if log == nil {
		log = slog.Default()
	}
	l := &Lifecycle{
		handler:       handler,
		port:          port,
		log:           log,
		recoveryDelay: defaultRecoveryDelay,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Running reports whether the listener is currently bound.
func (l *Lifecycle) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.srv != nil
}

// Start binds the listener. A running instance is stopped first, then
// rebound. On a busy port one recovery cycle runs: release our own handle,
// fire the external stop signal, wait briefly, probe the port and retry
// once; a second failure is terminal.
func (l *Lifecycle) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.srv != nil {
		l.log.Info("server already running, restarting", "port", l.port)
		if err := l.stopLocked(ctx); err != nil {
			return fmt.Errorf("restart: %w", err)
		}
	}

	ln, err := l.bind()
	if err != nil {
		if !isAddrInUse(err) {
			return fmt.Errorf("bind port %d: %w", l.port, err)
		}
		l.log.Warn("port in use, attempting recovery", "port", l.port)
		ln, err = l.recover(ctx)
		if err != nil {
			return fmt.Errorf("port %d busy after recovery: %w", l.port, err)
		}
	}

	l.serve(ln)
	l.log.Info("server started", "port", l.port)
	l.notify(StateRunning)
	return nil
}

// Stop shuts the server down and awaits full socket closure.
func (l *Lifecycle) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopLocked(ctx)
}

func (l *Lifecycle) stopLocked(ctx context.Context) error {
	if l.srv == nil {
		return nil
	}

	err := l.srv.Shutdown(ctx)
	select {
	case <-l.served:
	case <-ctx.Done():
	}

	l.srv = nil
	l.ln = nil
	l.served = nil
	l.log.Info("server stopped", "port", l.port)
	l.notify(StateStopped)
	return err
}

func (l *Lifecycle) bind() (net.Listener, error) {
	return net.Listen("tcp", fmt.Sprintf(":%d", l.port))
}

// recover runs the single recovery cycle for a busy port.
func (l *Lifecycle) recover(ctx context.Context) (net.Listener, error) {
	if l.ln != nil {
		_ = l.ln.Close()
		l.ln = nil
	}

	if l.externalStop != nil {
		if err := l.externalStop(ctx); err != nil {
			l.log.Warn("external stop signal failed", "error", err)
		}
	}

	select {
	case <-time.After(l.recoveryDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Throwaway probe: if the port is still held there is no point in a
	// full server rebind.
	probe, err := l.bind()
	if err != nil {
		return nil, err
	}
	_ = probe.Close()

	return l.bind()
}

func (l *Lifecycle) serve(ln net.Listener) {
	srv := &http.Server{
		Handler:     l.handler,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
		// No WriteTimeout: streaming connections stay open until the
		// upstream finishes or fails.
	}
	served := make(chan struct{})

	l.srv = srv
	l.ln = ln
	l.served = served

	go func() {
		defer close(served)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.log.Error("server terminated", "error", err)
		}
	}()
}

func (l *Lifecycle) notify(state State) {
	if l.onState != nil {
		l.onState(state)
	}
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}
