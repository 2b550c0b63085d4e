// Package sweep drives the periodic evaluation of retention processes: it
// advances states whose dates have been crossed, generates alerts, and
// re-sends repeat-until-attended alerts. A sweep is idempotent; re-running it
// without time passing applies no further transitions.
package sweep

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/archivum-labs/retentio/pkg/alert"
	"github.com/archivum-labs/retentio/pkg/boundary"
	"github.com/archivum-labs/retentio/pkg/observability"
	"github.com/archivum-labs/retentio/pkg/retention"
)

// DefaultInterval between sweep passes.
const DefaultInterval = 5 * time.Minute

// defaultBatch limits how many processes one pass pages through at a time.
const defaultBatch = 200

// Sweeper runs the periodic lifecycle sweep.
type Sweeper struct {
	engine   *retention.Engine
	alerts   *alert.Engine
	notifier boundary.Notifier

	interval time.Duration
	batch    int
	// limiter paces outbound notification dispatch so a backlog of due
	// alerts cannot flood the delivery channels.
	limiter *rate.Limiter
	metrics *observability.Metrics
	clock   func() time.Time
	logger  *slog.Logger
}

// New wires a sweeper.
func New(engine *retention.Engine, alerts *alert.Engine, notifier boundary.Notifier) *Sweeper {
	return &Sweeper{
		engine:   engine,
		alerts:   alerts,
		notifier: notifier,
		interval: DefaultInterval,
		batch:    defaultBatch,
		limiter:  rate.NewLimiter(rate.Limit(10), 20),
		clock:    time.Now,
		logger:   slog.Default().With("component", "sweep"),
	}
}

// WithInterval overrides the sweep period.
func (s *Sweeper) WithInterval(d time.Duration) *Sweeper {
	if d > 0 {
		s.interval = d
	}
	return s
}

// WithClock overrides the clock for deterministic testing.
func (s *Sweeper) WithClock(clock func() time.Time) *Sweeper {
	s.clock = clock
	return s
}

// WithMetrics attaches engine counters.
func (s *Sweeper) WithMetrics(m *observability.Metrics) *Sweeper {
	s.metrics = m
	return s
}

// WithDispatchRate overrides notification pacing (dispatches per second).
func (s *Sweeper) WithDispatchRate(perSecond float64, burst int) *Sweeper {
	s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	return s
}

// Run loops until the context is cancelled. One pass runs immediately.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("sweeper started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			// A failed pass is retried on the next tick; individual record
			// failures were already logged and skipped inside the pass.
			s.logger.Error("sweep pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Result summarizes one sweep pass.
type Result struct {
	Evaluated   int
	Transitions int
	Alerts      int
	Repeats     int
	Errors      int
}

// RunOnce executes a single pass: advance, alert, repeat delivery.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	now := s.clock()
	var res Result

	for offset := 0; ; offset += s.batch {
		procs, err := s.engine.Sweepable(ctx, s.batch, offset)
		if err != nil {
			return err
		}
		for _, p := range procs {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			res.Evaluated++
			s.sweepProcess(ctx, p, now, &res)
		}
		if len(procs) < s.batch {
			break
		}
	}

	if err := s.deliverRepeats(ctx, &res); err != nil {
		s.logger.Error("repeat delivery pass failed", "error", err)
		res.Errors++
	}

	if s.metrics != nil {
		s.metrics.SweepRuns.Add(ctx, 1)
		s.metrics.Transitions.Add(ctx, int64(res.Transitions))
		s.metrics.AlertsGenerated.Add(ctx, int64(res.Alerts))
		s.metrics.AlertsRepeated.Add(ctx, int64(res.Repeats))
	}
	s.logger.Info("sweep pass complete",
		"evaluated", res.Evaluated, "transitions", res.Transitions,
		"alerts", res.Alerts, "repeats", res.Repeats, "errors", res.Errors)
	return nil
}

func (s *Sweeper) sweepProcess(ctx context.Context, p *retention.Process, now time.Time, res *Result) {
	changed, err := s.engine.AdvanceAutomatic(ctx, p, now)
	if err != nil {
		if errors.Is(err, retention.ErrConflict) {
			// Another writer (user action or concurrent sweep) owns this
			// process right now; the next pass will see the fresh row.
			s.logger.Debug("skipping contended process", "code", p.Code)
			return
		}
		s.logger.Error("automatic advance failed", "code", p.Code, "error", err)
		res.Errors++
		return
	}
	if changed {
		res.Transitions++
	}

	a, err := s.alerts.GenerateIfNeeded(ctx, p)
	if err != nil {
		s.logger.Error("alert generation failed", "code", p.Code, "error", err)
		res.Errors++
		return
	}
	if a == nil || a.State != alert.StatePending {
		return
	}
	res.Alerts++

	if err := s.dispatch(ctx, a, p.Code, 0); err != nil {
		s.logger.Error("alert dispatch failed", "code", p.Code, "alert", a.ID, "error", err)
		if s.metrics != nil {
			s.metrics.DispatchFailures.Add(ctx, 1)
		}
		res.Errors++
		return
	}
	if err := s.alerts.MarkSent(ctx, a); err != nil {
		s.logger.Error("marking alert sent failed", "alert", a.ID, "error", err)
		res.Errors++
	}
}

func (s *Sweeper) deliverRepeats(ctx context.Context, res *Result) error {
	due, err := s.alerts.RepeatDueAlerts(ctx, s.batch)
	if err != nil {
		return err
	}
	for _, a := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		code := a.ProcessID
		if p, err := s.engine.Get(ctx, a.ProcessID); err == nil {
			code = p.Code
		}
		if err := s.dispatch(ctx, a, code, a.RepeatsSent+1); err != nil {
			s.logger.Error("repeat dispatch failed", "alert", a.ID, "error", err)
			if s.metrics != nil {
				s.metrics.DispatchFailures.Add(ctx, 1)
			}
			res.Errors++
			continue
		}
		if err := s.alerts.RecordRepeat(ctx, a); err != nil {
			s.logger.Error("recording repeat failed", "alert", a.ID, "error", err)
			res.Errors++
			continue
		}
		res.Repeats++
	}
	return nil
}

func (s *Sweeper) dispatch(ctx context.Context, a *alert.Alert, processCode string, repeat int) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	return s.notifier.Dispatch(ctx, alert.Notification(a, processCode, repeat))
}
