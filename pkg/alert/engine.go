package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/archivum-labs/retentio/pkg/audittrail"
	"github.com/archivum-labs/retentio/pkg/boundary"
	"github.com/archivum-labs/retentio/pkg/retention"
)

// RepeatPolicy controls the repeat-until-attended schedule per priority band.
type RepeatPolicy struct {
	CriticalIntervalHours int
	CriticalMaxRepeats    int
	DefaultIntervalHours  int
	DefaultMaxRepeats     int
}

// DefaultRepeatPolicy matches the standard escalation schedule: critical
// alerts every 4 hours up to 10 times, everything else daily up to 3 times.
func DefaultRepeatPolicy() RepeatPolicy {
	return RepeatPolicy{
		CriticalIntervalHours: 4,
		CriticalMaxRepeats:    10,
		DefaultIntervalHours:  24,
		DefaultMaxRepeats:     3,
	}
}

// Store is the persistence contract for alerts. Insert must return
// ErrDuplicate when the (process, type, day-bucket) unique index is hit.
type Store interface {
	InsertAlert(ctx context.Context, a *Alert) error
	UpdateAlert(ctx context.Context, a *Alert) error
	GetAlert(ctx context.Context, id string) (*Alert, error)
	// FindRecentAlert returns the newest alert of the given type for the
	// process created at or after since, or nil.
	FindRecentAlert(ctx context.Context, processID string, t Type, since time.Time) (*Alert, error)
	// ListRepeatCandidates returns sent alerts with repeat enabled and
	// repeats remaining.
	ListRepeatCandidates(ctx context.Context, limit int) ([]*Alert, error)
}

// dedupWindow is the rolling window within which one alert of a given type
// per process is enough.
const dedupWindow = 24 * time.Hour

// Engine generates and tracks alerts for retention processes.
type Engine struct {
	store    Store
	trail    *audittrail.Trail
	subjects boundary.SubjectResolver
	policy   RepeatPolicy
	clock    func() time.Time
	logger   *slog.Logger
}

// NewEngine wires the alert engine.
func NewEngine(store Store, trail *audittrail.Trail, subjects boundary.SubjectResolver) *Engine {
	return &Engine{
		store:    store,
		trail:    trail,
		subjects: subjects,
		policy:   DefaultRepeatPolicy(),
		clock:    time.Now,
		logger:   slog.Default().With("component", "alert"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// WithRepeatPolicy overrides the repeat schedule.
func (e *Engine) WithRepeatPolicy(p RepeatPolicy) *Engine {
	e.policy = p
	return e
}

// classification is the outcome of the days-remaining bucketing.
type classification struct {
	alertType Type
	priority  Priority
}

// classify buckets the signed days-remaining to management expiry.
// Returns nil when no alert is warranted yet.
func classify(days int) *classification {
	switch {
	case days <= 0:
		return &classification{TypeCurrentExpiry, PriorityCritical}
	case days <= 7:
		return &classification{TypeUpcomingExpiry, PriorityHigh}
	case days <= 30:
		return &classification{TypeUpcomingExpiry, PriorityMedium}
	default:
		return nil
	}
}

// GenerateIfNeeded evaluates a process against the alert thresholds and
// creates an alert when one is due. Within the 24-hour de-dup window the
// existing alert is returned instead of a new one.
func (e *Engine) GenerateIfNeeded(ctx context.Context, p *retention.Process) (*Alert, error) {
	if p.ManagementExpiry == nil || !p.AlertsActive || p.State.Terminal() {
		return nil, nil
	}
	// Deferral and suspension pause the countdown, so no alerts either.
	if p.State == retention.StateDeferred || p.State == retention.StateSuspended {
		return nil, nil
	}
	now := e.clock()
	cls := classify(retention.DaysUntil(now, *p.ManagementExpiry))
	if cls == nil {
		return nil, nil
	}

	existing, err := e.store.FindRecentAlert(ctx, p.ID, cls.alertType, now.Add(-dedupWindow))
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	a, err := e.build(ctx, p, cls, now)
	if err != nil {
		return nil, err
	}
	if err := e.store.InsertAlert(ctx, a); err != nil {
		if errors.Is(err, ErrDuplicate) {
			// Lost the race against a concurrent sweep; take its alert.
			return e.store.FindRecentAlert(ctx, p.ID, cls.alertType, now.Add(-dedupWindow))
		}
		return nil, err
	}
	e.logger.Info("alert generated",
		"process", p.Code, "type", a.Type, "priority", a.Priority, "due", a.DueAt)
	return a, nil
}

func (e *Engine) build(ctx context.Context, p *retention.Process, cls *classification, now time.Time) (*Alert, error) {
	roles := []string{RoleArchivist, RoleAdministrator}
	if p.State == retention.StateExpired || p.State == retention.StatePreAlert {
		roles = append(roles, RoleGeneralAdministrator, RoleArchiveChief)
	}

	var users []string
	info, err := e.subjects.Resolve(ctx, string(p.Subject.Kind), p.Subject.ID)
	if err != nil {
		if !errors.Is(err, boundary.ErrNotFound) {
			return nil, fmt.Errorf("resolving subject for recipients: %w", err)
		}
	} else if info.AssignedTo != "" {
		users = append(users, info.AssignedTo)
	}

	title, message := render(p, cls, now)

	a := &Alert{
		ID:             uuid.New().String(),
		ProcessID:      p.ID,
		Type:           cls.alertType,
		Priority:       cls.priority,
		Title:          title,
		Message:        message,
		DueAt:          p.ManagementExpiry,
		RecipientUsers: users,
		RecipientRoles: roles,
		Channels:       channelsFor(cls.priority),
		State:          StatePending,
		CreatedAt:      now,
		DayBucket:      now.UTC().Format("2006-01-02"),
	}
	if cls.priority == PriorityCritical {
		a.RepeatUntilAttended = true
		a.RepeatIntervalHours = e.policy.CriticalIntervalHours
		a.MaxRepeats = e.policy.CriticalMaxRepeats
	} else {
		a.RepeatIntervalHours = e.policy.DefaultIntervalHours
		a.MaxRepeats = e.policy.DefaultMaxRepeats
	}
	return a, nil
}

func render(p *retention.Process, cls *classification, now time.Time) (string, string) {
	days := retention.DaysUntil(now, *p.ManagementExpiry)
	switch cls.alertType {
	case TypeCurrentExpiry:
		overdue := -days
		return fmt.Sprintf("Retention expired: %s", p.Code),
			fmt.Sprintf("Process %s exceeded its management-archive retention %d day(s) ago; a disposition decision is required.", p.Code, overdue)
	default:
		return fmt.Sprintf("Retention expiring soon: %s", p.Code),
			fmt.Sprintf("Process %s reaches its management-archive expiry in %d day(s), on %s.", p.Code, days, p.ManagementExpiry.Format("2006-01-02"))
	}
}

// MarkSent records the first delivery of a pending alert.
func (e *Engine) MarkSent(ctx context.Context, a *Alert) error {
	if a.State != StatePending {
		return fmt.Errorf("%w: cannot send alert in state %s", retention.ErrGuardViolation, a.State)
	}
	now := e.clock()
	a.State = StateSent
	a.SentAt = &now
	return e.store.UpdateAlert(ctx, a)
}

// RecordRepeat records one repeat delivery: the alert re-enters sent with an
// incremented counter. Invariant: repeats never exceed MaxRepeats.
func (e *Engine) RecordRepeat(ctx context.Context, a *Alert) error {
	if !a.RepeatDue(e.clock()) {
		return fmt.Errorf("%w: alert %s is not due for repeat", retention.ErrGuardViolation, a.ID)
	}
	now := e.clock()
	a.RepeatsSent++
	a.SentAt = &now
	return e.store.UpdateAlert(ctx, a)
}

// MarkRead transitions sent → read and appends an acknowledgement entry to
// the owning process's audit trail.
func (e *Engine) MarkRead(ctx context.Context, a *Alert, actx retention.ActionContext) error {
	if a.State != StateSent {
		return fmt.Errorf("%w: cannot mark alert read from state %s", retention.ErrGuardViolation, a.State)
	}
	now := e.clock()
	a.State = StateRead
	a.ReadAt = &now
	if err := e.store.UpdateAlert(ctx, a); err != nil {
		return err
	}
	_, err := e.trail.Append(ctx, audittrail.Params{
		ProcessID:   a.ProcessID,
		ActionType:  audittrail.ActionAlertRead,
		Description: fmt.Sprintf("alert %s (%s) read", a.ID, a.Type),
		Actor:       actx.Actor,
		IP:          actx.IP,
		UserAgent:   actx.UserAgent,
	})
	return err
}

// MarkAttended closes the alert as handled and audits the acknowledgement.
func (e *Engine) MarkAttended(ctx context.Context, a *Alert, actx retention.ActionContext) error {
	if a.State != StateSent && a.State != StateRead {
		return fmt.Errorf("%w: cannot attend alert from state %s", retention.ErrGuardViolation, a.State)
	}
	now := e.clock()
	a.State = StateAttended
	a.AttendedAt = &now
	if err := e.store.UpdateAlert(ctx, a); err != nil {
		return err
	}
	_, err := e.trail.Append(ctx, audittrail.Params{
		ProcessID:   a.ProcessID,
		ActionType:  audittrail.ActionAlertAttended,
		Description: fmt.Sprintf("alert %s (%s) attended", a.ID, a.Type),
		Actor:       actx.Actor,
		IP:          actx.IP,
		UserAgent:   actx.UserAgent,
	})
	return err
}

// Dismiss discards a pending or sent alert without attending it.
func (e *Engine) Dismiss(ctx context.Context, a *Alert) error {
	if a.State != StatePending && a.State != StateSent {
		return fmt.Errorf("%w: cannot dismiss alert from state %s", retention.ErrGuardViolation, a.State)
	}
	a.State = StateDismissed
	return e.store.UpdateAlert(ctx, a)
}

// RepeatDueAlerts returns the alerts the delivery sweep should re-send now.
func (e *Engine) RepeatDueAlerts(ctx context.Context, limit int) ([]*Alert, error) {
	candidates, err := e.store.ListRepeatCandidates(ctx, limit)
	if err != nil {
		return nil, err
	}
	now := e.clock()
	due := candidates[:0]
	for _, a := range candidates {
		if a.RepeatDue(now) {
			due = append(due, a)
		}
	}
	return due, nil
}

// Notification converts an alert into the platform's delivery request.
func Notification(a *Alert, processCode string, repeat int) boundary.Notification {
	channels := make([]string, len(a.Channels))
	for i, c := range a.Channels {
		channels[i] = string(c)
	}
	return boundary.Notification{
		AlertID:        a.ID,
		ProcessID:      a.ProcessID,
		ProcessCode:    processCode,
		Title:          a.Title,
		Message:        a.Message,
		Priority:       string(a.Priority),
		Channels:       channels,
		RecipientUsers: a.RecipientUsers,
		RecipientRoles: a.RecipientRoles,
		Repeat:         repeat,
	}
}
