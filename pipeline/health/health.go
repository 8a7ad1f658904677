// Package health verifies that a freshly deployed workload answers on its
// health endpoint before the pipeline reports success.
//
// Verification is a small state machine: resolve a reachable endpoint
// (falling back to an ephemeral local tunnel when the externally provisioned
// one is not reachable yet), then probe a well-known health path a bounded
// number of times. Any single successful probe is enough.
package health

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// State of the verification machine.
type State string

const (
	StateAwaitingEndpoint State = "awaiting_endpoint"
	StateProbingHealth    State = "probing_health"
	StateHealthy          State = "healthy"
	StateExhausted        State = "exhausted"
)

// ExhaustedError is returned when the probe budget was consumed without a
// single success. It is fatal by default and triggers rollback.
type ExhaustedError struct {
	Workload string
	Attempts uint
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("workload %s never became healthy within %d probe(s)", e.Workload, e.Attempts)
}

// Category implements the pipeline's error classification.
func (e *ExhaustedError) Category() string { return "health_check_exhausted" }

// Tunnel is an ephemeral local access path to the workload, used when the
// external endpoint is not reachable yet. Its lifetime never outlives the
// verification that created it.
type Tunnel interface {
	// Addr returns the local address the workload is reachable on.
	Addr() string
	// Close terminates the tunnel. Idempotent.
	Close() error
}

// EndpointResolver resolves an externally reachable endpoint for the deployed
// workload, waiting at most wait for it to appear.
type EndpointResolver interface {
	ResolveEndpoint(ctx context.Context, wait time.Duration) (string, error)
}

// ResolverFunc adapts a function to the EndpointResolver interface.
type ResolverFunc func(ctx context.Context, wait time.Duration) (string, error)

func (f ResolverFunc) ResolveEndpoint(ctx context.Context, wait time.Duration) (string, error) {
	return f(ctx, wait)
}

// TunnelDialer opens the fallback tunnel.
type TunnelDialer interface {
	Dial(ctx context.Context) (Tunnel, error)
}

// DialerFunc adapts a function to the TunnelDialer interface.
type DialerFunc func(ctx context.Context) (Tunnel, error)

func (f DialerFunc) Dial(ctx context.Context) (Tunnel, error) {
	return f(ctx)
}

// Prober issues one health probe against endpoint. A nil return means healthy.
type Prober interface {
	Probe(ctx context.Context, endpoint string) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, endpoint string) error

func (f ProberFunc) Probe(ctx context.Context, endpoint string) error {
	return f(ctx, endpoint)
}

// Config bounds the verification. All budgets are explicit so the same
// machine serves any health-gated deployment.
type Config struct {
	// Attempts is the probe budget, at least 1.
	Attempts uint
	// Interval is the fixed sleep between failed probes.
	Interval time.Duration
	// EndpointWait bounds how long to wait for the external endpoint before
	// falling back to a tunnel.
	EndpointWait time.Duration
}

func (c Config) normalized() Config {
	if c.Attempts == 0 {
		c.Attempts = 1
	}

	return c
}

// Machine drives one verification: AwaitingEndpoint, then ProbingHealth,
// terminating in Healthy or Exhausted.
type Machine struct {
	lggr     *zap.SugaredLogger
	cfg      Config
	resolver EndpointResolver
	prober   Prober
	dialer   TunnelDialer
	state    State
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithTunnelDialer enables the local tunnel fallback when the external
// endpoint is not reachable within the configured wait.
func WithTunnelDialer(dialer TunnelDialer) MachineOption {
	return func(m *Machine) {
		m.dialer = dialer
	}
}

// NewMachine creates a verification machine.
func NewMachine(lggr *zap.SugaredLogger, cfg Config, resolver EndpointResolver, prober Prober, opts ...MachineOption) *Machine {
	m := &Machine{
		lggr:     lggr,
		cfg:      cfg.normalized(),
		resolver: resolver,
		prober:   prober,
		state:    StateAwaitingEndpoint,
	}
	for _, opt := range opts {
		opt(m)
	}

	return m
}

// State returns the machine's current state.
func (m *Machine) State() State { return m.state }

// Verify runs the machine to a terminal state. The fallback tunnel, if one
// was opened, is closed before Verify returns regardless of outcome.
func (m *Machine) Verify(ctx context.Context, workload string) error {
	m.state = StateAwaitingEndpoint

	endpoint, err := m.resolver.ResolveEndpoint(ctx, m.cfg.EndpointWait)
	if err != nil {
		if m.dialer == nil {
			m.state = StateExhausted

			return fmt.Errorf("resolving endpoint for %s: %w", workload, err)
		}

		// Externally provisioned load balancers can lag behind the workload
		// itself; probe through a local tunnel instead of failing here.
		m.lggr.Infow("Endpoint not reachable yet. Falling back to local tunnel",
			"workload", workload, "error", err)

		tunnel, derr := m.dialer.Dial(ctx)
		if derr != nil {
			m.state = StateExhausted

			return fmt.Errorf("opening fallback tunnel for %s: %w", workload, derr)
		}
		defer func() {
			if cerr := tunnel.Close(); cerr != nil {
				m.lggr.Warnw("Failed to close tunnel", "workload", workload, "error", cerr)
			}
		}()

		endpoint = tunnel.Addr()
	}

	return m.probe(ctx, workload, endpoint)
}

func (m *Machine) probe(ctx context.Context, workload, endpoint string) error {
	m.state = StateProbingHealth

	for attempt := uint(1); attempt <= m.cfg.Attempts; attempt++ {
		err := m.prober.Probe(ctx, endpoint)
		if err == nil {
			m.state = StateHealthy
			m.lggr.Infow("Workload healthy", "workload", workload, "endpoint", endpoint, "attempt", attempt)

			return nil
		}

		m.lggr.Infow("Health probe failed",
			"workload", workload, "endpoint", endpoint,
			"attempt", attempt, "maxAttempts", m.cfg.Attempts, "error", err)

		if attempt == m.cfg.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			m.state = StateExhausted

			return fmt.Errorf("health verification aborted for %s: %w", workload, ctx.Err())
		case <-time.After(m.cfg.Interval):
		}
	}

	m.state = StateExhausted

	return &ExhaustedError{Workload: workload, Attempts: m.cfg.Attempts}
}
