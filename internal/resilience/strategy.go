package resilience

import (
	"context"
	"fmt"
	"time"
)

// MaxBackoffDelay caps the exponential schedule used by the network strategy.
const MaxBackoffDelay = 10 * time.Second

type BackoffKind int

const (
	// BackoffLinear sleeps backoff*attempt between attempts.
	BackoffLinear BackoffKind = iota
	// BackoffExponential sleeps backoff*2^(attempt-1), capped at
	// MaxBackoffDelay. Only the network strategy uses this; the asymmetry
	// with the linear strategies is intentional.
	BackoffExponential
)

// Outcome is what a strategy attempt produced. Replacement optionally carries
// substitute data (a cached value, a degraded response) for the caller to use
// in place of the failed operation's result.
type Outcome struct {
	Recovered   bool
	Replacement any
}

// ErrorContext travels with one failure through its recovery. It is created
// per orchestration and discarded afterwards.
type ErrorContext struct {
	CorrelationID string
	Timestamp     time.Time
	Category      Category
	Severity      Severity
	Attempt       int

	// Op re-runs the failed operation, when the caller provided one.
	// Strategies treat a nil Op as "nothing to replay".
	Op func(ctx context.Context) error
}

// Strategy is a named, bounded-retry remediation procedure for a class of
// failures. Registered strategies are immutable.
type Strategy struct {
	Name        string
	MaxAttempts int
	Backoff     time.Duration
	BackoffKind BackoffKind

	// Applies tests whether this strategy handles the raw error.
	Applies func(err error) bool
	// Execute runs one recovery attempt.
	Execute func(ctx context.Context, raw error, ectx *ErrorContext) (Outcome, error)
}

// Delay returns the sleep before the next attempt, where attempt is the
// 1-based number of the attempt that just failed.
func (s *Strategy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if s.BackoffKind == BackoffExponential {
		d := s.Backoff << (attempt - 1)
		if d > MaxBackoffDelay || d <= 0 {
			return MaxBackoffDelay
		}
		return d
	}
	return s.Backoff * time.Duration(attempt)
}

// Registry is an ordered strategy list. Registration order is significant:
// the orchestrator picks the first strategy whose Applies matches.
type Registry struct {
	strategies []*Strategy
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Register(s *Strategy) error {
	if s.Name == "" {
		return fmt.Errorf("strategy name cannot be empty")
	}
	if s.MaxAttempts < 2 || s.MaxAttempts > 5 {
		return fmt.Errorf("strategy %q: maxAttempts must be between 2 and 5, got %d", s.Name, s.MaxAttempts)
	}
	if s.Applies == nil || s.Execute == nil {
		return fmt.Errorf("strategy %q: Applies and Execute are required", s.Name)
	}
	for _, existing := range r.strategies {
		if existing.Name == s.Name {
			return fmt.Errorf("strategy %q already registered", s.Name)
		}
	}
	r.strategies = append(r.strategies, s)
	return nil
}

// Select returns the first registered strategy that applies to err.
func (r *Registry) Select(err error) (*Strategy, bool) {
	for _, s := range r.strategies {
		if s.Applies(err) {
			return s, true
		}
	}
	return nil, false
}

// Names returns strategy names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.strategies))
	for i, s := range r.strategies {
		names[i] = s.Name
	}
	return names
}

// Probes are the external touchpoints the built-in strategies lean on.
type Probes struct {
	// PingStore checks the durable event log's liveness.
	PingStore func(ctx context.Context) error
	// RefreshAuth re-establishes credentials with the identity verifier.
	RefreshAuth func(ctx context.Context) error
}

func appliesTo(category Category) func(error) bool {
	return func(err error) bool {
		got, _ := Classify(err)
		return got == category
	}
}

func replayOp(ctx context.Context, ectx *ErrorContext) (Outcome, error) {
	if ectx.Op == nil {
		return Outcome{}, fmt.Errorf("nothing to replay")
	}
	if err := ectx.Op(ctx); err != nil {
		return Outcome{}, err
	}
	return Outcome{Recovered: true}, nil
}

// RegisterDefaults installs the standard strategy set. Order matters: it is
// the selection precedence for errors matching several categories.
func RegisterDefaults(r *Registry, probes Probes) error {
	strategies := []*Strategy{
		{
			Name:        "network-retry",
			MaxAttempts: 4,
			Backoff:     500 * time.Millisecond,
			BackoffKind: BackoffExponential,
			Applies:     appliesTo(CategoryNetwork),
			Execute: func(ctx context.Context, _ error, ectx *ErrorContext) (Outcome, error) {
				return replayOp(ctx, ectx)
			},
		},
		{
			Name:        "database-reconnect",
			MaxAttempts: 3,
			Backoff:     time.Second,
			BackoffKind: BackoffLinear,
			Applies:     appliesTo(CategoryDatabase),
			Execute: func(ctx context.Context, _ error, ectx *ErrorContext) (Outcome, error) {
				if probes.PingStore != nil {
					if err := probes.PingStore(ctx); err != nil {
						return Outcome{}, err
					}
				}
				return replayOp(ctx, ectx)
			},
		},
		{
			Name:        "authentication-refresh",
			MaxAttempts: 2,
			Backoff:     time.Second,
			BackoffKind: BackoffLinear,
			Applies:     appliesTo(CategoryAuthentication),
			Execute: func(ctx context.Context, _ error, ectx *ErrorContext) (Outcome, error) {
				if probes.RefreshAuth != nil {
					if err := probes.RefreshAuth(ctx); err != nil {
						return Outcome{}, err
					}
				}
				return replayOp(ctx, ectx)
			},
		},
		{
			Name:        "external-service-fallback",
			MaxAttempts: 2,
			Backoff:     2 * time.Second,
			BackoffKind: BackoffLinear,
			Applies:     appliesTo(CategoryExternalService),
			Execute: func(ctx context.Context, _ error, ectx *ErrorContext) (Outcome, error) {
				if ectx.Op != nil {
					if err := ectx.Op(ctx); err == nil {
						return Outcome{Recovered: true}, nil
					}
				}
				// Degrade rather than fail: the caller proceeds without the
				// upstream result.
				return Outcome{Recovered: true, Replacement: nil}, nil
			},
		},
	}
	for _, s := range strategies {
		if err := r.Register(s); err != nil {
			return err
		}
	}
	return nil
}
