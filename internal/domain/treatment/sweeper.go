package treatment

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinicflow/followup/internal/domain/protocol"
)

// SweepResult counts the active stages of all active treatments by SLA class.
type SweepResult struct {
	OnTime   int
	Warning  int
	Late     int
	Invalid  int
	DueToday int
}

// Sweeper periodically recomputes the SLA classes of all active stages and
// publishes them as gauges.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	logger   zerolog.Logger
}

func NewSweeper(svc *Service, interval time.Duration, logger zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		svc:      svc,
		interval: interval,
		logger:   logger.With().Str("component", "sla_sweeper").Logger(),
	}
}

// Run sweeps once, then on every tick. It blocks until ctx is cancelled.
func (w *Sweeper) Run(ctx context.Context) {
	w.logger.Info().Dur("interval", w.interval).Msg("starting SLA sweeper")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.sweepAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("stopping SLA sweeper")
			return
		case <-ticker.C:
			w.sweepAndLog(ctx)
		}
	}
}

func (w *Sweeper) sweepAndLog(ctx context.Context) {
	res, err := w.Sweep(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("SLA sweep failed")
		return
	}
	w.logger.Debug().
		Int("ontime", res.OnTime).
		Int("warning", res.Warning).
		Int("late", res.Late).
		Int("invalid", res.Invalid).
		Int("due_today", res.DueToday).
		Msg("SLA sweep")
}

// Sweep classifies every active stage at the current time and updates the
// metrics.
func (w *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	now := w.svc.now()
	items, err := w.svc.activeStages(ctx, now)
	if err != nil {
		return SweepResult{}, err
	}

	var res SweepResult
	for _, fu := range items {
		switch fu.SLA {
		case protocol.SLAOnTime:
			res.OnTime++
		case protocol.SLAWarning:
			res.Warning++
		case protocol.SLALate:
			res.Late++
		default:
			res.Invalid++
		}
		if fu.DueToday {
			res.DueToday++
		}
	}

	w.svc.metrics.SetActiveStages(map[string]int{
		string(protocol.SLAOnTime):  res.OnTime,
		string(protocol.SLAWarning): res.Warning,
		string(protocol.SLALate):    res.Late,
	}, res.DueToday, now)
	return res, nil
}
