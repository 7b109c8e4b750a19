package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/arenalive/relay/internal/metrics"
	"github.com/arenalive/relay/internal/protocol"
	"github.com/google/uuid"
)

// Result is the outcome of one recovery orchestration.
type Result struct {
	Recovered     bool
	Strategy      string
	Attempts      int
	Replacement   any
	CorrelationID string
	Category      Category
	Severity      Severity
}

// Orchestrator drives a failure through classification, strategy selection,
// breaker checks and bounded retries.
type Orchestrator struct {
	registry *Registry
	breakers *BreakerSet
	metrics  *metrics.Aggregator
	logger   *slog.Logger

	// sleep is swappable so tests can observe the backoff schedule without
	// waiting it out.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewOrchestrator(logger *slog.Logger, registry *Registry, breakers *BreakerSet, agg *metrics.Aggregator) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		breakers: breakers,
		metrics:  agg,
		logger:   logger.With(slog.String("component", "recovery_orchestrator")),
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Recover handles one failure. op, when non-nil, re-runs the failed
// operation and is handed to the selected strategy. The returned Result is
// non-nil whenever a strategy was selected, even on failure.
//
// An attempt in flight is never cancelled; ctx is honoured only between
// attempts, during backoff. Callers needing a hard bound must impose an
// outer timeout.
func (o *Orchestrator) Recover(ctx context.Context, rawErr error, op func(ctx context.Context) error) (*Result, error) {
	category, severity := Classify(rawErr)
	o.metrics.RecordError(string(category), string(severity))

	ectx := &ErrorContext{
		CorrelationID: uuid.NewString(),
		Timestamp:     time.Now(),
		Category:      category,
		Severity:      severity,
		Op:            op,
	}
	log := o.logger.With(
		slog.String("correlationID", ectx.CorrelationID),
		slog.String("category", string(category)),
		slog.String("severity", string(severity)),
	)

	strategy, ok := o.registry.Select(rawErr)
	if !ok {
		log.Warn("no recovery strategy applies", slog.Any("error", rawErr))
		return nil, fmt.Errorf("%w for error: %v", protocol.ErrNoStrategyAvailable, rawErr)
	}
	log = log.With(slog.String("strategy", strategy.Name))

	if !o.breakers.Allow(strategy.Name) {
		log.Warn("breaker open, shedding recovery")
		return nil, fmt.Errorf("%w: strategy %q", protocol.ErrCircuitOpen, strategy.Name)
	}

	var lastErr error
	for attempt := 1; attempt <= strategy.MaxAttempts; attempt++ {
		ectx.Attempt = attempt
		outcome, err := strategy.Execute(ctx, rawErr, ectx)
		if err == nil && outcome.Recovered {
			o.breakers.RecordSuccess(strategy.Name)
			o.metrics.RecordRecovery(strategy.Name, attempt, true)
			log.Info("recovered", slog.Int("attempt", attempt))
			return &Result{
				Recovered:     true,
				Strategy:      strategy.Name,
				Attempts:      attempt,
				Replacement:   outcome.Replacement,
				CorrelationID: ectx.CorrelationID,
				Category:      category,
				Severity:      severity,
			}, nil
		}
		if err == nil {
			err = fmt.Errorf("strategy reported not recovered")
		}
		lastErr = err
		log.Debug("recovery attempt failed", slog.Int("attempt", attempt), slog.Any("error", err))

		if attempt < strategy.MaxAttempts {
			if serr := o.sleep(ctx, strategy.Delay(attempt)); serr != nil {
				lastErr = serr
				break
			}
		}
	}

	// One failed orchestration counts once toward the breaker, however many
	// attempts it burned.
	o.breakers.RecordFailure(strategy.Name)
	o.metrics.RecordRecovery(strategy.Name, ectx.Attempt, false)
	log.Error("recovery exhausted", slog.Int("attempts", ectx.Attempt), slog.Any("error", lastErr))

	return &Result{
			Recovered:     false,
			Strategy:      strategy.Name,
			Attempts:      ectx.Attempt,
			CorrelationID: ectx.CorrelationID,
			Category:      category,
			Severity:      severity,
		}, fmt.Errorf("%w: strategy %q failed after %d attempts: %v",
			protocol.ErrRecoveryExhausted, strategy.Name, ectx.Attempt, lastErr)
}

// Health describes the recovery layer for the health endpoint.
type Health struct {
	Strategies []string                 `json:"strategies"`
	Breakers   map[string]BreakerStatus `json:"breakers"`
}

func (o *Orchestrator) Health() Health {
	return Health{
		Strategies: o.registry.Names(),
		Breakers:   o.breakers.Snapshot(),
	}
}
