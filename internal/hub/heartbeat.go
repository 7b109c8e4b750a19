package hub

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/arenalive/relay/internal/metrics"
	"github.com/robfig/cron/v3"
)

// Scheduler owns the relay's periodic work: the system heartbeat and an
// hourly metrics summary. It is constructed once by the process lifecycle
// and torn down explicitly on shutdown.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

func NewScheduler(logger *slog.Logger, h *Hub, agg *metrics.Aggregator, heartbeatInterval time.Duration) (*Scheduler, error) {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}

	log := logger.With(slog.String("component", "scheduler"))
	cr := cron.New(cron.WithSeconds())

	if _, err := cr.AddFunc(fmt.Sprintf("@every %s", heartbeatInterval), h.SystemHeartbeat); err != nil {
		return nil, fmt.Errorf("failed to schedule heartbeat: %w", err)
	}
	if _, err := cr.AddFunc("@every 1h", func() {
		snap := agg.Snapshot()
		log.Info("hourly metrics summary",
			slog.Int("errorKeys", len(snap.Errors)),
			slog.Int("strategies", len(snap.Strategies)),
			slog.Any("errorRates", snap.ErrorRates),
		)
	}); err != nil {
		return nil, fmt.Errorf("failed to schedule metrics summary: %w", err)
	}

	return &Scheduler{cron: cr, logger: log}, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started")
}

// Stop halts scheduling and waits for any running job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped")
}
