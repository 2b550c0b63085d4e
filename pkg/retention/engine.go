package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/archivum-labs/retentio/pkg/audittrail"
	"github.com/archivum-labs/retentio/pkg/boundary"
)

// ActionContext identifies who performed a state-mutating operation and from
// where. It is threaded explicitly through every call; the engine never pulls
// actor identity from ambient state.
type ActionContext struct {
	Actor     string
	IP        string
	UserAgent string
}

// SystemActor is the actor recorded for sweep-driven transitions.
const SystemActor = "system"

// System is the action context of the periodic sweep.
func System() ActionContext { return ActionContext{Actor: SystemActor} }

func (a ActionContext) validate() error {
	if a.Actor == "" {
		return validationf("actor is required")
	}
	return nil
}

// Store is the persistence contract of the engine. Process mutation and the
// audit entry documenting it are persisted in one transaction: both commit or
// both roll back. UpdateProcess must fail with ErrConflict when the stored
// version differs from expectedVersion (at-most-one-writer-per-process).
type Store interface {
	InsertProcess(ctx context.Context, p *Process, entry *audittrail.Entry) error
	UpdateProcess(ctx context.Context, p *Process, expectedVersion int64, entry *audittrail.Entry) error
	GetProcess(ctx context.Context, id string) (*Process, error)
	GetProcessByCode(ctx context.Context, code string) (*Process, error)
	ListByStates(ctx context.Context, states []ProcessState, limit, offset int) ([]*Process, error)
	NextSequence(ctx context.Context, year int) (int64, error)
}

// DispositionHook is invoked after a disposition commits, outside the
// process-lock critical section, for slow external effects such as triggering
// a destruction workflow. Failures are logged, not propagated: the state
// transition has already been recorded.
type DispositionHook func(ctx context.Context, p *Process, action DispositionAction) error

// Engine owns the retention process state machine.
type Engine struct {
	store     Store
	trail     *audittrail.Trail
	subjects  boundary.SubjectResolver
	schedules boundary.ScheduleResolver
	hook      DispositionHook

	preAlertDays int
	clock        func() time.Time
	logger       *slog.Logger
}

// NewEngine wires the engine to its store, trail, and external resolvers.
func NewEngine(store Store, trail *audittrail.Trail, subjects boundary.SubjectResolver, schedules boundary.ScheduleResolver) *Engine {
	return &Engine{
		store:        store,
		trail:        trail,
		subjects:     subjects,
		schedules:    schedules,
		preAlertDays: DefaultPreAlertDays,
		clock:        time.Now,
		logger:       slog.Default().With("component", "retention"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// WithPreAlertDays overrides the default pre-alert window.
func (e *Engine) WithPreAlertDays(days int) *Engine {
	if days > 0 {
		e.preAlertDays = days
	}
	return e
}

// WithDispositionHook installs the post-commit disposition effect.
func (e *Engine) WithDispositionHook(h DispositionHook) *Engine {
	e.hook = h
	return e
}

// CreateRequest are the inputs for entering a subject into retention
// tracking.
type CreateRequest struct {
	Subject     Subject
	ScheduleID  string
	SeriesID    string
	SubseriesID string

	// SubjectCreatedAt overrides the date resolved from the subject record.
	SubjectCreatedAt *time.Time
	// Dates, when set, bypass the schedule calculator entirely.
	Dates *Dates
}

// Create enters a subject into retention tracking: resolves the schedule,
// derives the lifecycle dates, assigns the process code, computes the initial
// hash, and persists process plus creation audit entry atomically.
func (e *Engine) Create(ctx context.Context, req CreateRequest, actx ActionContext) (*Process, error) {
	if err := actx.validate(); err != nil {
		return nil, err
	}
	if err := req.Subject.Validate(); err != nil {
		return nil, err
	}
	if req.ScheduleID == "" {
		return nil, validationf("retention schedule reference is required")
	}

	now := e.clock()
	p := &Process{
		ID:           uuid.New().String(),
		Subject:      req.Subject,
		ScheduleID:   req.ScheduleID,
		SeriesID:     req.SeriesID,
		SubseriesID:  req.SubseriesID,
		State:        StateActive,
		AlertsActive: true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if req.SubjectCreatedAt != nil {
		p.SubjectCreatedAt = *req.SubjectCreatedAt
	} else {
		info, err := e.subjects.Resolve(ctx, string(req.Subject.Kind), req.Subject.ID)
		if err != nil {
			if errors.Is(err, boundary.ErrNotFound) {
				return nil, validationf("subject %s/%s does not exist", req.Subject.Kind, req.Subject.ID)
			}
			return nil, fmt.Errorf("resolving subject: %w", err)
		}
		p.SubjectCreatedAt = info.CreatedAt
		if p.SeriesID == "" {
			p.SeriesID = info.SeriesID
		}
		if p.SubseriesID == "" {
			p.SubseriesID = info.SubseriesID
		}
	}

	if req.Dates != nil {
		p.ManagementExpiry = &req.Dates.ManagementExpiry
		p.CentralExpiry = &req.Dates.CentralExpiry
		p.PreAlertDate = &req.Dates.PreAlert
	} else {
		periods, err := e.schedules.Lookup(ctx, req.ScheduleID)
		switch {
		case errors.Is(err, boundary.ErrNotFound):
			// Missing TRD entry: dates stay unset, the process is still tracked.
			e.logger.Warn("schedule not found, lifecycle dates left unset",
				"schedule_id", req.ScheduleID, "subject", req.Subject.ID)
		case err != nil:
			return nil, fmt.Errorf("resolving schedule: %w", err)
		default:
			p.ManagementYears = periods.ManagementYears
			p.CentralYears = periods.CentralYears
			preAlert := periods.PreAlertDays
			if preAlert <= 0 {
				preAlert = e.preAlertDays
			}
			if dates := ComputeDates(p.SubjectCreatedAt, &Schedule{
				ManagementYears: periods.ManagementYears,
				CentralYears:    periods.CentralYears,
				PreAlertDays:    preAlert,
			}); dates != nil {
				p.ManagementExpiry = &dates.ManagementExpiry
				p.CentralExpiry = &dates.CentralExpiry
				p.PreAlertDate = &dates.PreAlert
			}
		}
	}

	seq, err := e.store.NextSequence(ctx, now.Year())
	if err != nil {
		return nil, fmt.Errorf("allocating process code: %w", err)
	}
	p.Code = fmt.Sprintf("RET-%d-%08d", now.Year(), seq)

	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := p.RehashInto(); err != nil {
		return nil, err
	}

	entry, err := e.trail.Seal(audittrail.Params{
		ProcessID:   p.ID,
		ActionType:  audittrail.ActionCreation,
		NewState:    string(StateActive),
		Description: fmt.Sprintf("retention process %s created for %s %s", p.Code, p.Subject.Kind, p.Subject.ID),
		Data: map[string]any{
			"code":        p.Code,
			"schedule_id": p.ScheduleID,
			"series_id":   p.SeriesID,
		},
		Actor:     actx.Actor,
		IP:        actx.IP,
		UserAgent: actx.UserAgent,
	})
	if err != nil {
		return nil, err
	}
	if err := e.store.InsertProcess(ctx, p, entry); err != nil {
		return nil, err
	}
	e.logger.Info("retention process created", "code", p.Code, "subject_kind", p.Subject.Kind, "subject_id", p.Subject.ID)
	return p, nil
}

// Get loads a process by id.
func (e *Engine) Get(ctx context.Context, id string) (*Process, error) {
	return e.store.GetProcess(ctx, id)
}

// GetByCode loads a process by its RET code.
func (e *Engine) GetByCode(ctx context.Context, code string) (*Process, error) {
	return e.store.GetProcessByCode(ctx, code)
}

// sweepStates are the states the periodic sweep evaluates. Expired and
// in-disposition processes stay in the sweep so overdue alerts keep firing
// until a disposition decision lands.
var sweepStates = []ProcessState{StateActive, StatePreAlert, StateExpired, StateInDisposition, StateDeferred}

// Sweepable lists processes the periodic sweep should evaluate.
func (e *Engine) Sweepable(ctx context.Context, limit, offset int) ([]*Process, error) {
	return e.store.ListByStates(ctx, sweepStates, limit, offset)
}

// AdvanceAutomatic applies the sweep transition rules to one process at the
// given instant:
//
//   - deferred and past deferral end → deferral cleared, back to active
//   - active/pre_alert and past management expiry → expired
//   - active and past pre-alert date → pre_alert
//
// No threshold crossed means no mutation and no audit entry, which makes the
// sweep idempotent. Returns whether a transition was applied.
func (e *Engine) AdvanceAutomatic(ctx context.Context, p *Process, now time.Time) (bool, error) {
	next := p.Clone()
	var changes map[string][2]any

	switch {
	case p.State == StateDeferred:
		if p.DeferralEnd == nil || now.Before(*p.DeferralEnd) {
			return false, nil
		}
		changes = map[string][2]any{
			"state":    {string(p.State), string(StateActive)},
			"deferred": {true, false},
		}
		next.State = StateActive
		next.Deferred = false
		next.DeferralStart = nil
		next.DeferralEnd = nil
		next.DeferralReason = ""
		next.DeferralBy = ""

	case p.State == StateActive || p.State == StatePreAlert:
		target := p.State
		if p.ManagementExpiry != nil && !now.Before(*p.ManagementExpiry) {
			target = StateExpired
		} else if p.PreAlertDate != nil && !now.Before(*p.PreAlertDate) {
			target = StatePreAlert
		}
		if target == p.State {
			return false, nil
		}
		changes = map[string][2]any{"state": {string(p.State), string(target)}}
		next.State = target

	default:
		return false, nil
	}

	if err := e.commit(ctx, p, next, audittrail.Params{
		ActionType:  audittrail.ActionAutomaticStateChange,
		Description: fmt.Sprintf("automatic transition %s -> %s", p.State, next.State),
		Data:        audittrail.DiffPayload(changes),
		Actor:       SystemActor,
	}, now); err != nil {
		return false, err
	}
	return true, nil
}

// dispositionTargets maps each action to the terminal state it produces.
// Selection is not terminal: it keeps the process in disposition until the
// selected sample is conserved and the remainder eliminated item by item.
var dispositionTargets = map[DispositionAction]ProcessState{
	ActionConservationPermanent: StateConserved,
	ActionMicrofilm:             StateConserved,
	ActionDigitizationPermanent: StateConserved,
	ActionElimination:           StateEliminated,
	ActionTransferHistorical:    StateTransferred,
	ActionSelection:             StateInDisposition,
}

// dispositionAllowed lists the states a disposition may be executed from.
func dispositionAllowed(s ProcessState) bool {
	return s == StateExpired || s == StateInDisposition
}

// StartDisposition moves an expired process into the disposition phase.
func (e *Engine) StartDisposition(ctx context.Context, p *Process, actx ActionContext) error {
	if err := actx.validate(); err != nil {
		return err
	}
	if p.State != StateExpired {
		return guardf("disposition can only start from %s, process %s is %s", StateExpired, p.Code, p.State)
	}
	next := p.Clone()
	next.State = StateInDisposition
	return e.commit(ctx, p, next, audittrail.Params{
		ActionType:  audittrail.ActionDispositionStarted,
		Description: fmt.Sprintf("disposition phase started for %s", p.Code),
		Data:        audittrail.DiffPayload(map[string][2]any{"state": {string(p.State), string(StateInDisposition)}}),
		Actor:       actx.Actor,
		IP:          actx.IP,
		UserAgent:   actx.UserAgent,
	}, e.clock())
}

// ExecuteDisposition applies a final disposition action. Elimination of a
// blocked process fails; any failure leaves the process at its pre-attempt
// state with no disposition-executed entry appended.
func (e *Engine) ExecuteDisposition(ctx context.Context, p *Process, action DispositionAction, actx ActionContext) error {
	if err := actx.validate(); err != nil {
		return err
	}
	if !action.Valid() {
		return validationf("unknown disposition action %q", action)
	}
	if !dispositionAllowed(p.State) {
		return guardf("disposition %s not allowed from state %s (process %s)", action, p.State, p.Code)
	}
	if action == ActionElimination && p.BlockedForElimination {
		return guardf("process %s is blocked from elimination: %s", p.Code, p.BlockReason)
	}

	target := dispositionTargets[action]
	next := p.Clone()
	next.State = target
	a := action
	next.Disposition = &a

	err := e.commit(ctx, p, next, audittrail.Params{
		ActionType:  audittrail.ActionDispositionExecuted,
		Description: fmt.Sprintf("disposition %s executed on %s", action, p.Code),
		Data: audittrail.DiffPayload(map[string][2]any{
			"state":       {string(p.State), string(target)},
			"disposition": {"", string(action)},
		}),
		Actor:     actx.Actor,
		IP:        actx.IP,
		UserAgent: actx.UserAgent,
	}, e.clock())
	if err != nil {
		e.logger.Error("disposition execution failed", "code", p.Code, "action", action, "error", err)
		return err
	}

	if e.hook != nil {
		snapshot := p.Clone()
		go func() {
			if err := e.hook(context.WithoutCancel(ctx), snapshot, action); err != nil {
				e.logger.Error("disposition hook failed", "code", snapshot.Code, "action", action, "error", err)
			}
		}()
	}
	return nil
}

// Defer suspends the disposition countdown until end (aplazamiento).
func (e *Engine) Defer(ctx context.Context, p *Process, end time.Time, reason string, actx ActionContext) error {
	if err := actx.validate(); err != nil {
		return err
	}
	if reason == "" {
		return validationf("deferral reason is required")
	}
	now := e.clock()
	if !end.After(now) {
		return validationf("deferral end %s is not in the future", end.Format(time.RFC3339))
	}
	switch p.State {
	case StateActive, StatePreAlert, StateExpired:
	default:
		return guardf("cannot defer process %s from state %s", p.Code, p.State)
	}

	next := p.Clone()
	next.State = StateDeferred
	next.Deferred = true
	next.DeferralStart = &now
	next.DeferralEnd = &end
	next.DeferralReason = reason
	next.DeferralBy = actx.Actor

	return e.commit(ctx, p, next, audittrail.Params{
		ActionType:  audittrail.ActionDeferral,
		Description: fmt.Sprintf("process %s deferred until %s: %s", p.Code, end.Format("2006-01-02"), reason),
		Data: audittrail.DiffPayload(map[string][2]any{
			"state":        {string(p.State), string(StateDeferred)},
			"deferral_end": {"", end.UTC().Format(time.RFC3339)},
		}),
		Actor:     actx.Actor,
		IP:        actx.IP,
		UserAgent: actx.UserAgent,
	}, now)
}

// Suspend halts a process from any active-family state.
func (e *Engine) Suspend(ctx context.Context, p *Process, reason string, actx ActionContext) error {
	if err := actx.validate(); err != nil {
		return err
	}
	switch p.State {
	case StateActive, StatePreAlert, StateExpired, StateInDisposition, StateDeferred:
	default:
		return guardf("cannot suspend process %s from state %s", p.Code, p.State)
	}
	next := p.Clone()
	next.State = StateSuspended
	next.Deferred = false
	next.DeferralStart = nil
	next.DeferralEnd = nil
	next.DeferralReason = ""
	next.DeferralBy = ""
	return e.commit(ctx, p, next, audittrail.Params{
		ActionType:  audittrail.ActionSuspension,
		Description: fmt.Sprintf("process %s suspended: %s", p.Code, reason),
		Data:        audittrail.DiffPayload(map[string][2]any{"state": {string(p.State), string(StateSuspended)}}),
		Actor:       actx.Actor,
		IP:          actx.IP,
		UserAgent:   actx.UserAgent,
	}, e.clock())
}

// Resume reactivates a suspended process.
func (e *Engine) Resume(ctx context.Context, p *Process, actx ActionContext) error {
	if err := actx.validate(); err != nil {
		return err
	}
	if p.State != StateSuspended {
		return guardf("cannot resume process %s from state %s", p.Code, p.State)
	}
	next := p.Clone()
	next.State = StateActive
	return e.commit(ctx, p, next, audittrail.Params{
		ActionType:  audittrail.ActionReactivation,
		Description: fmt.Sprintf("process %s reactivated", p.Code),
		Data:        audittrail.DiffPayload(map[string][2]any{"state": {string(p.State), string(StateActive)}}),
		Actor:       actx.Actor,
		IP:          actx.IP,
		UserAgent:   actx.UserAgent,
	}, e.clock())
}

// BlockElimination sets the elimination lock, independent of state.
func (e *Engine) BlockElimination(ctx context.Context, p *Process, reason string, actx ActionContext) error {
	if err := actx.validate(); err != nil {
		return err
	}
	if reason == "" {
		return validationf("block reason is required")
	}
	if p.State.Terminal() {
		return guardf("process %s already reached terminal state %s", p.Code, p.State)
	}
	next := p.Clone()
	next.BlockedForElimination = true
	next.BlockReason = reason
	return e.commit(ctx, p, next, audittrail.Params{
		ActionType:  audittrail.ActionEliminationBlocked,
		Description: fmt.Sprintf("process %s blocked from elimination: %s", p.Code, reason),
		Data:        audittrail.DiffPayload(map[string][2]any{"blocked_for_elimination": {p.BlockedForElimination, true}}),
		Actor:       actx.Actor,
		IP:          actx.IP,
		UserAgent:   actx.UserAgent,
	}, e.clock())
}

// UnblockElimination clears the elimination lock.
func (e *Engine) UnblockElimination(ctx context.Context, p *Process, actx ActionContext) error {
	if err := actx.validate(); err != nil {
		return err
	}
	if !p.BlockedForElimination {
		return guardf("process %s is not blocked", p.Code)
	}
	next := p.Clone()
	next.BlockedForElimination = false
	next.BlockReason = ""
	return e.commit(ctx, p, next, audittrail.Params{
		ActionType:  audittrail.ActionEliminationUnblocked,
		Description: fmt.Sprintf("elimination block lifted on %s", p.Code),
		Data:        audittrail.DiffPayload(map[string][2]any{"blocked_for_elimination": {true, false}}),
		Actor:       actx.Actor,
		IP:          actx.IP,
		UserAgent:   actx.UserAgent,
	}, e.clock())
}

// SoftDelete marks the process record deleted. The row is retained: the
// process is itself an auditable record and is never hard-deleted.
func (e *Engine) SoftDelete(ctx context.Context, p *Process, reason string, actx ActionContext) error {
	if err := actx.validate(); err != nil {
		return err
	}
	if p.DeletedAt != nil {
		return guardf("process %s is already deleted", p.Code)
	}
	now := e.clock()
	next := p.Clone()
	next.DeletedAt = &now
	return e.commit(ctx, p, next, audittrail.Params{
		ActionType:  audittrail.ActionSoftDelete,
		Description: fmt.Sprintf("process %s soft-deleted: %s", p.Code, reason),
		Actor:       actx.Actor,
		IP:          actx.IP,
		UserAgent:   actx.UserAgent,
	}, now)
}

// CheckIntegrity verifies the stored hash against a recomputation. On
// mismatch the record is flagged with an audit entry and false is returned;
// the record is never repaired.
func (e *Engine) CheckIntegrity(ctx context.Context, p *Process) (bool, error) {
	ok, err := p.VerifyIntegrity()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	e.logger.Error("process failed integrity verification", "code", p.Code, "id", p.ID)
	if _, auditErr := e.trail.Append(ctx, audittrail.Params{
		ProcessID:   p.ID,
		ActionType:  audittrail.ActionIntegrityCheck,
		Description: fmt.Sprintf("integrity verification failed for %s", p.Code),
		Actor:       SystemActor,
	}); auditErr != nil {
		return false, fmt.Errorf("%w: flagging failed: %w", ErrIntegrityViolation, auditErr)
	}
	return false, fmt.Errorf("%w: process %s hash mismatch", ErrIntegrityViolation, p.Code)
}

// commit finalizes next (hash, timestamps, version), seals the audit entry,
// and persists both atomically. On success p is replaced by next; on any
// failure p is untouched.
func (e *Engine) commit(ctx context.Context, p, next *Process, params audittrail.Params, now time.Time) error {
	params.ProcessID = p.ID
	params.PriorState = string(p.State)
	if params.NewState == "" {
		params.NewState = string(next.State)
	}

	next.UpdatedAt = now
	next.Version = p.Version + 1
	if err := next.Validate(); err != nil {
		return err
	}
	if err := next.RehashInto(); err != nil {
		return err
	}

	entry, err := e.trail.Seal(params)
	if err != nil {
		return err
	}
	if err := e.store.UpdateProcess(ctx, next, p.Version, entry); err != nil {
		return err
	}
	*p = *next
	return nil
}
