package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus counters mirror the in-memory aggregator so operators get both
// the scrape endpoint and the in-process snapshot view.
var (
	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_errors_total",
			Help: "Total classified errors by category and severity",
		},
		[]string{"category", "severity"},
	)

	recoveryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_recovery_attempts_total",
			Help: "Total recovery execute() attempts by strategy",
		},
		[]string{"strategy"},
	)

	recoverySuccessTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_recovery_success_total",
			Help: "Total successful recovery orchestrations by strategy",
		},
		[]string{"strategy"},
	)

	eventsBroadcastTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_broadcast_total",
			Help: "Total events fanned out by publish type",
		},
		[]string{"type"},
	)

	connectionsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_connections",
			Help: "Currently registered connections",
		},
	)
)

// rateWindow is how far back error timestamps count toward per-key rates.
const rateWindow = time.Hour

type errorKey struct {
	Category string
	Severity string
}

// StrategyStats is the per-strategy recovery tally.
type StrategyStats struct {
	Attempts  uint64 `json:"attempts"`
	Successes uint64 `json:"successes"`
	Failures  uint64 `json:"failures"`
}

// Snapshot is a read-only copy of the aggregator state.
type Snapshot struct {
	Errors      map[string]uint64        `json:"errors"`     // "category/severity" -> count
	ErrorRates  map[string]int           `json:"errorRates"` // same key -> events in the last hour
	Strategies  map[string]StrategyStats `json:"strategies"`
	Broadcasts  map[string]uint64        `json:"broadcasts"` // publish type -> fan-outs
	Connections int                      `json:"connections"`
	TakenAt     time.Time                `json:"takenAt"`
}

// Aggregator keeps in-process counters for errors and recovery outcomes.
// Counters are monotonic for the process lifetime; nothing is persisted.
type Aggregator struct {
	mu          sync.Mutex
	errors      map[errorKey]uint64
	errorTimes  map[errorKey][]time.Time
	strategies  map[string]*StrategyStats
	broadcasts  map[string]uint64
	connections int

	now func() time.Time
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		errors:     make(map[errorKey]uint64),
		errorTimes: make(map[errorKey][]time.Time),
		strategies: make(map[string]*StrategyStats),
		broadcasts: make(map[string]uint64),
		now:        time.Now,
	}
}

// RecordError counts one classified failure.
func (a *Aggregator) RecordError(category, severity string) {
	errorsTotal.WithLabelValues(category, severity).Inc()

	a.mu.Lock()
	defer a.mu.Unlock()

	key := errorKey{Category: category, Severity: severity}
	a.errors[key]++
	a.errorTimes[key] = append(a.pruneLocked(key), a.now())
}

// RecordRecovery counts one finished orchestration: how many execute()
// attempts it consumed and whether it ultimately recovered.
func (a *Aggregator) RecordRecovery(strategy string, attempts int, success bool) {
	recoveryAttemptsTotal.WithLabelValues(strategy).Add(float64(attempts))
	if success {
		recoverySuccessTotal.WithLabelValues(strategy).Inc()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	stats, ok := a.strategies[strategy]
	if !ok {
		stats = &StrategyStats{}
		a.strategies[strategy] = stats
	}
	stats.Attempts += uint64(attempts)
	if success {
		stats.Successes++
	} else {
		stats.Failures++
	}
}

// RecordBroadcast counts one fan-out by publish type.
func (a *Aggregator) RecordBroadcast(eventType string) {
	eventsBroadcastTotal.WithLabelValues(eventType).Inc()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.broadcasts[eventType]++
}

// SetConnectionCount publishes the current registry size.
func (a *Aggregator) SetConnectionCount(n int) {
	connectionsGauge.Set(float64(n))

	a.mu.Lock()
	defer a.mu.Unlock()
	a.connections = n
}

// Snapshot returns a point-in-time copy. Error rates count only events inside
// the rolling one-hour window.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := Snapshot{
		Errors:      make(map[string]uint64, len(a.errors)),
		ErrorRates:  make(map[string]int, len(a.errorTimes)),
		Strategies:  make(map[string]StrategyStats, len(a.strategies)),
		Broadcasts:  make(map[string]uint64, len(a.broadcasts)),
		Connections: a.connections,
		TakenAt:     a.now(),
	}
	for key, count := range a.errors {
		snap.Errors[key.Category+"/"+key.Severity] = count
	}
	for key := range a.errorTimes {
		a.errorTimes[key] = a.pruneLocked(key)
		snap.ErrorRates[key.Category+"/"+key.Severity] = len(a.errorTimes[key])
	}
	for name, stats := range a.strategies {
		snap.Strategies[name] = *stats
	}
	for typ, count := range a.broadcasts {
		snap.Broadcasts[typ] = count
	}
	return snap
}

// pruneLocked drops timestamps older than the rate window. Caller holds a.mu.
func (a *Aggregator) pruneLocked(key errorKey) []time.Time {
	cutoff := a.now().Add(-rateWindow)
	times := a.errorTimes[key]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
