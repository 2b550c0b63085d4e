package retention

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archivum-labs/retentio/pkg/audittrail"
	"github.com/archivum-labs/retentio/pkg/boundary"
)

// memStore is an in-memory Store and audittrail.Store for engine tests,
// mimicking the SQL store's transactional and optimistic-locking semantics.
type memStore struct {
	mu        sync.Mutex
	processes map[string]*Process
	entries   []*audittrail.Entry
	seq       map[int]int64
}

func newMemStore() *memStore {
	return &memStore{processes: make(map[string]*Process), seq: make(map[int]int64)}
}

func (m *memStore) InsertProcess(_ context.Context, p *Process, entry *audittrail.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.processes[p.ID]; ok {
		return fmt.Errorf("process %s already exists", p.ID)
	}
	m.processes[p.ID] = p.Clone()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memStore) UpdateProcess(_ context.Context, p *Process, expectedVersion int64, entry *audittrail.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.processes[p.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, p.ID)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("%w: process %s version %d", ErrConflict, p.Code, expectedVersion)
	}
	m.processes[p.ID] = p.Clone()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memStore) GetProcess(_ context.Context, id string) (*Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.processes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p.Clone(), nil
}

func (m *memStore) GetProcessByCode(_ context.Context, code string) (*Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.processes {
		if p.Code == code {
			return p.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, code)
}

func (m *memStore) ListByStates(_ context.Context, states []ProcessState, limit, offset int) ([]*Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wanted := make(map[ProcessState]bool, len(states))
	for _, s := range states {
		wanted[s] = true
	}
	var result []*Process
	for _, p := range m.processes {
		if p.DeletedAt == nil && wanted[p.State] {
			result = append(result, p.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Code < result[j].Code })
	if offset >= len(result) {
		return nil, nil
	}
	result = result[offset:]
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *memStore) NextSequence(_ context.Context, year int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq[year]++
	return m.seq[year], nil
}

func (m *memStore) InsertEntry(_ context.Context, e *audittrail.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memStore) GetEntry(_ context.Context, id string) (*audittrail.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, audittrail.ErrEntryNotFound
}

func (m *memStore) ListEntries(_ context.Context, f audittrail.Filter) ([]*audittrail.Entry, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []*audittrail.Entry
	for _, e := range m.entries {
		if f.ProcessID != "" && e.ProcessID != f.ProcessID {
			continue
		}
		if f.ActionType != "" && e.ActionType != f.ActionType {
			continue
		}
		matched = append(matched, e)
	}
	total := len(matched)
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if f.Offset >= len(matched) {
		return nil, total, nil
	}
	matched = matched[f.Offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, total, nil
}

// entriesOf returns the stored entries of one action type.
func (m *memStore) entriesOf(t audittrail.ActionType) []*audittrail.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*audittrail.Entry
	for _, e := range m.entries {
		if e.ActionType == t {
			out = append(out, e)
		}
	}
	return out
}

type engineFixture struct {
	engine    *Engine
	store     *memStore
	subjects  *boundary.FakeSubjects
	schedules *boundary.FakeSchedules
	now       time.Time
}

func newFixture(t *testing.T, now time.Time) *engineFixture {
	t.Helper()
	f := &engineFixture{store: newMemStore(), now: now}
	clock := func() time.Time { return f.now }
	f.subjects = boundary.NewFakeSubjects()
	f.schedules = boundary.NewFakeSchedules()
	trail := audittrail.NewTrail(f.store).WithClock(clock)
	f.engine = NewEngine(f.store, trail, f.subjects, f.schedules).WithClock(clock)
	return f
}

func (f *engineFixture) seedStandard() {
	f.subjects.Put("document", "doc-1", &boundary.SubjectInfo{
		CreatedAt: date(2020, time.January, 1),
		SeriesID:  "series-contracts",
	})
	f.schedules.Put("trd-1", &boundary.SchedulePeriods{ManagementYears: 5, CentralYears: 10, PreAlertDays: 30})
}

func (f *engineFixture) create(t *testing.T) *Process {
	t.Helper()
	p, err := f.engine.Create(context.Background(), CreateRequest{
		Subject:    DocumentSubject("doc-1"),
		ScheduleID: "trd-1",
	}, ActionContext{Actor: "maria", IP: "10.0.0.7"})
	require.NoError(t, err)
	return p
}

func TestCreate(t *testing.T) {
	f := newFixture(t, date(2024, time.June, 15))
	f.seedStandard()
	p := f.create(t)

	assert.Equal(t, "RET-2024-00000001", p.Code)
	assert.Equal(t, StateActive, p.State)
	assert.Equal(t, "series-contracts", p.SeriesID)
	assert.True(t, p.AlertsActive)
	assert.Equal(t, int64(1), p.Version)

	require.NotNil(t, p.ManagementExpiry)
	assert.Equal(t, date(2025, time.January, 1), *p.ManagementExpiry)
	assert.Equal(t, date(2035, time.January, 1), *p.CentralExpiry)
	assert.Equal(t, date(2024, time.December, 2), *p.PreAlertDate)

	ok, err := p.VerifyIntegrity()
	require.NoError(t, err)
	assert.True(t, ok)

	entries := f.store.entriesOf(audittrail.ActionCreation)
	require.Len(t, entries, 1)
	assert.Equal(t, p.ID, entries[0].ProcessID)
	assert.Equal(t, "maria", entries[0].Actor)
	assert.Equal(t, "10.0.0.7", entries[0].IP)
	assert.Equal(t, string(StateActive), entries[0].NewState)
	assert.True(t, entries[0].Verify())
}

func TestCreateCodesAreSequentialPerYear(t *testing.T) {
	f := newFixture(t, date(2024, time.June, 15))
	f.seedStandard()
	f.subjects.Put("document", "doc-2", &boundary.SubjectInfo{CreatedAt: date(2021, time.April, 1)})

	first := f.create(t)
	second, err := f.engine.Create(context.Background(), CreateRequest{
		Subject:    DocumentSubject("doc-2"),
		ScheduleID: "trd-1",
	}, ActionContext{Actor: "maria"})
	require.NoError(t, err)

	assert.Equal(t, "RET-2024-00000001", first.Code)
	assert.Equal(t, "RET-2024-00000002", second.Code)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, date(2024, time.June, 15))
	f.seedStandard()
	ctx := context.Background()

	_, err := f.engine.Create(ctx, CreateRequest{Subject: DocumentSubject("doc-1"), ScheduleID: "trd-1"}, ActionContext{})
	assert.ErrorIs(t, err, ErrValidation, "actor required")

	_, err = f.engine.Create(ctx, CreateRequest{Subject: DocumentSubject("doc-1")}, ActionContext{Actor: "maria"})
	assert.ErrorIs(t, err, ErrValidation, "schedule required")

	_, err = f.engine.Create(ctx, CreateRequest{Subject: Subject{}, ScheduleID: "trd-1"}, ActionContext{Actor: "maria"})
	assert.ErrorIs(t, err, ErrValidation, "subject required")

	_, err = f.engine.Create(ctx, CreateRequest{Subject: DocumentSubject("ghost"), ScheduleID: "trd-1"}, ActionContext{Actor: "maria"})
	assert.ErrorIs(t, err, ErrValidation, "unknown subject")
}

func TestCreateWithMissingSchedule(t *testing.T) {
	f := newFixture(t, date(2024, time.June, 15))
	f.subjects.Put("case_file", "cf-9", &boundary.SubjectInfo{CreatedAt: date(2022, time.May, 5)})

	p, err := f.engine.Create(context.Background(), CreateRequest{
		Subject:    CaseFileSubject("cf-9"),
		ScheduleID: "trd-missing",
	}, ActionContext{Actor: "maria"})
	require.NoError(t, err)

	// The process is tracked even without a resolvable TRD entry.
	assert.Equal(t, StateActive, p.State)
	assert.Nil(t, p.ManagementExpiry)
	assert.Nil(t, p.PreAlertDate)
}

func TestCreateWithExplicitDates(t *testing.T) {
	f := newFixture(t, date(2024, time.June, 15))
	created := date(2018, time.March, 1)

	p, err := f.engine.Create(context.Background(), CreateRequest{
		Subject:          DocumentSubject("doc-x"),
		ScheduleID:       "trd-1",
		SubjectCreatedAt: &created,
		Dates: &Dates{
			ManagementExpiry: date(2023, time.March, 1),
			CentralExpiry:    date(2028, time.March, 1),
			PreAlert:         date(2023, time.January, 30),
		},
	}, ActionContext{Actor: "maria"})
	require.NoError(t, err)

	assert.Equal(t, created, p.SubjectCreatedAt)
	assert.Equal(t, date(2023, time.March, 1), *p.ManagementExpiry)
}

func TestAdvanceAutomatic(t *testing.T) {
	f := newFixture(t, date(2024, time.June, 15))
	f.seedStandard()
	p := f.create(t)
	ctx := context.Background()

	changed, err := f.engine.AdvanceAutomatic(ctx, p, date(2024, time.November, 1))
	require.NoError(t, err)
	assert.False(t, changed, "before pre-alert date nothing happens")

	changed, err = f.engine.AdvanceAutomatic(ctx, p, date(2024, time.December, 2))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatePreAlert, p.State)
	assert.Equal(t, int64(2), p.Version)

	// Idempotent: re-running at the same instant is a no-op.
	changed, err = f.engine.AdvanceAutomatic(ctx, p, date(2024, time.December, 2))
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = f.engine.AdvanceAutomatic(ctx, p, date(2025, time.January, 1))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StateExpired, p.State)

	entries := f.store.entriesOf(audittrail.ActionAutomaticStateChange)
	require.Len(t, entries, 2)
	assert.Equal(t, SystemActor, entries[0].Actor)
	assert.Equal(t, string(StateActive), entries[0].PriorState)
	assert.Equal(t, string(StatePreAlert), entries[0].NewState)
	require.NotNil(t, entries[0].Data)
	assert.Contains(t, entries[0].Data, "changed")
}

func TestAdvanceSkipsPreAlertWhenAlreadyExpired(t *testing.T) {
	f := newFixture(t, date(2024, time.June, 15))
	f.seedStandard()
	p := f.create(t)

	changed, err := f.engine.AdvanceAutomatic(context.Background(), p, date(2026, time.July, 1))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StateExpired, p.State, "goes straight to expired, not via pre_alert")
}

func TestAdvanceRevertsElapsedDeferral(t *testing.T) {
	f := newFixture(t, date(2024, time.January, 10))
	f.seedStandard()
	p := f.create(t)
	ctx := context.Background()

	require.NoError(t, f.engine.Defer(ctx, p, date(2024, time.February, 1), "pending litigation", ActionContext{Actor: "maria"}))
	assert.Equal(t, StateDeferred, p.State)
	assert.True(t, p.Deferred)
	assert.Equal(t, "pending litigation", p.DeferralReason)
	assert.Equal(t, "maria", p.DeferralBy)

	changed, err := f.engine.AdvanceAutomatic(ctx, p, date(2024, time.January, 20))
	require.NoError(t, err)
	assert.False(t, changed, "deferral still running")

	changed, err = f.engine.AdvanceAutomatic(ctx, p, date(2024, time.February, 1))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StateActive, p.State)
	assert.False(t, p.Deferred)
	assert.Nil(t, p.DeferralEnd)
	assert.Empty(t, p.DeferralReason)
}

func TestDeferGuards(t *testing.T) {
	f := newFixture(t, date(2024, time.January, 10))
	f.seedStandard()
	p := f.create(t)
	ctx := context.Background()
	end := date(2024, time.February, 1)

	err := f.engine.Defer(ctx, p, end, "", ActionContext{Actor: "maria"})
	assert.ErrorIs(t, err, ErrValidation, "reason required")

	err = f.engine.Defer(ctx, p, date(2023, time.December, 1), "late", ActionContext{Actor: "maria"})
	assert.ErrorIs(t, err, ErrValidation, "end must be in the future")

	require.NoError(t, f.engine.Suspend(ctx, p, "audit", ActionContext{Actor: "maria"}))
	err = f.engine.Defer(ctx, p, end, "x", ActionContext{Actor: "maria"})
	assert.ErrorIs(t, err, ErrGuardViolation, "cannot defer a suspended process")
}

func expiredProcess(t *testing.T, f *engineFixture) *Process {
	t.Helper()
	p := f.create(t)
	changed, err := f.engine.AdvanceAutomatic(context.Background(), p, date(2025, time.January, 2))
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, StateExpired, p.State)
	return p
}

func TestStartDisposition(t *testing.T) {
	f := newFixture(t, date(2024, time.June, 15))
	f.seedStandard()
	ctx := context.Background()

	p := f.create(t)
	err := f.engine.StartDisposition(ctx, p, ActionContext{Actor: "maria"})
	assert.ErrorIs(t, err, ErrGuardViolation, "only expired processes enter disposition")

	p = expiredProcess(t, f)
	require.NoError(t, f.engine.StartDisposition(ctx, p, ActionContext{Actor: "maria"}))
	assert.Equal(t, StateInDisposition, p.State)
	assert.Len(t, f.store.entriesOf(audittrail.ActionDispositionStarted), 1)
}

func TestExecuteDisposition(t *testing.T) {
	f := newFixture(t, date(2024, time.June, 15))
	f.seedStandard()
	ctx := context.Background()
	p := expiredProcess(t, f)

	err := f.engine.ExecuteDisposition(ctx, p, DispositionAction("shred"), ActionContext{Actor: "maria"})
	assert.ErrorIs(t, err, ErrValidation)

	require.NoError(t, f.engine.ExecuteDisposition(ctx, p, ActionConservationPermanent, ActionContext{Actor: "maria"}))
	assert.Equal(t, StateConserved, p.State)
	require.NotNil(t, p.Disposition)
	assert.Equal(t, ActionConservationPermanent, *p.Disposition)

	ok, err := p.VerifyIntegrity()
	require.NoError(t, err)
	assert.True(t, ok)

	err = f.engine.ExecuteDisposition(ctx, p, ActionElimination, ActionContext{Actor: "maria"})
	assert.ErrorIs(t, err, ErrGuardViolation, "terminal state admits no further disposition")
}

func TestExecuteDispositionSelectionStaysOpen(t *testing.T) {
	f := newFixture(t, date(2024, time.June, 15))
	f.seedStandard()
	p := expiredProcess(t, f)

	require.NoError(t, f.engine.ExecuteDisposition(context.Background(), p, ActionSelection, ActionContext{Actor: "maria"}))
	assert.Equal(t, StateInDisposition, p.State, "selection keeps the process in disposition")
	assert.False(t, p.State.Terminal())
}

func TestEliminationBlock(t *testing.T) {
	f := newFixture(t, date(2024, time.June, 15))
	f.seedStandard()
	ctx := context.Background()
	p := expiredProcess(t, f)

	require.NoError(t, f.engine.BlockElimination(ctx, p, "legal hold case 42", ActionContext{Actor: "lucia"}))
	assert.True(t, p.BlockedForElimination)

	versionBefore := p.Version
	err := f.engine.ExecuteDisposition(ctx, p, ActionElimination, ActionContext{Actor: "maria"})
	assert.ErrorIs(t, err, ErrGuardViolation)
	assert.Equal(t, StateExpired, p.State, "failed attempt leaves state untouched")
	assert.Equal(t, versionBefore, p.Version)
	assert.Empty(t, f.store.entriesOf(audittrail.ActionDispositionExecuted))

	require.NoError(t, f.engine.UnblockElimination(ctx, p, ActionContext{Actor: "lucia"}))
	assert.False(t, p.BlockedForElimination)
	err = f.engine.UnblockElimination(ctx, p, ActionContext{Actor: "lucia"})
	assert.ErrorIs(t, err, ErrGuardViolation, "double unblock")

	require.NoError(t, f.engine.ExecuteDisposition(ctx, p, ActionElimination, ActionContext{Actor: "maria"}))
	assert.Equal(t, StateEliminated, p.State)
}

func TestEliminationBlockOnlyStopsElimination(t *testing.T) {
	f := newFixture(t, date(2024, time.June, 15))
	f.seedStandard()
	ctx := context.Background()
	p := expiredProcess(t, f)

	require.NoError(t, f.engine.BlockElimination(ctx, p, "legal hold", ActionContext{Actor: "lucia"}))
	require.NoError(t, f.engine.ExecuteDisposition(ctx, p, ActionConservationPermanent, ActionContext{Actor: "maria"}))
	assert.Equal(t, StateConserved, p.State)
}

func TestDispositionHookRunsAfterCommit(t *testing.T) {
	f := newFixture(t, date(2024, time.June, 15))
	f.seedStandard()

	done := make(chan DispositionAction, 1)
	f.engine.WithDispositionHook(func(_ context.Context, p *Process, action DispositionAction) error {
		done <- action
		return nil
	})

	p := expiredProcess(t, f)
	require.NoError(t, f.engine.ExecuteDisposition(context.Background(), p, ActionTransferHistorical, ActionContext{Actor: "maria"}))
	assert.Equal(t, StateTransferred, p.State)

	select {
	case action := <-done:
		assert.Equal(t, ActionTransferHistorical, action)
	case <-time.After(2 * time.Second):
		t.Fatal("disposition hook never ran")
	}
}

func TestSuspendResume(t *testing.T) {
	f := newFixture(t, date(2024, time.June, 15))
	f.seedStandard()
	ctx := context.Background()
	p := f.create(t)

	require.NoError(t, f.engine.Suspend(ctx, p, "migration", ActionContext{Actor: "ops"}))
	assert.Equal(t, StateSuspended, p.State)

	err := f.engine.Suspend(ctx, p, "again", ActionContext{Actor: "ops"})
	assert.ErrorIs(t, err, ErrGuardViolation)

	require.NoError(t, f.engine.Resume(ctx, p, ActionContext{Actor: "ops"}))
	assert.Equal(t, StateActive, p.State)
	assert.Len(t, f.store.entriesOf(audittrail.ActionReactivation), 1)
}

func TestSuspendClearsDeferral(t *testing.T) {
	f := newFixture(t, date(2024, time.January, 10))
	f.seedStandard()
	ctx := context.Background()
	p := f.create(t)

	require.NoError(t, f.engine.Defer(ctx, p, date(2024, time.March, 1), "litigation", ActionContext{Actor: "maria"}))
	require.NoError(t, f.engine.Suspend(ctx, p, "audit", ActionContext{Actor: "ops"}))
	assert.False(t, p.Deferred)
	assert.Nil(t, p.DeferralEnd)
}

func TestSoftDelete(t *testing.T) {
	f := newFixture(t, date(2024, time.June, 15))
	f.seedStandard()
	ctx := context.Background()
	p := f.create(t)

	require.NoError(t, f.engine.SoftDelete(ctx, p, "created in error", ActionContext{Actor: "maria"}))
	require.NotNil(t, p.DeletedAt)

	err := f.engine.SoftDelete(ctx, p, "again", ActionContext{Actor: "maria"})
	assert.ErrorIs(t, err, ErrGuardViolation)

	// Soft-deleted processes drop out of the sweep.
	procs, err := f.engine.Sweepable(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, procs)
}

func TestCheckIntegrity(t *testing.T) {
	f := newFixture(t, date(2024, time.June, 15))
	f.seedStandard()
	ctx := context.Background()
	p := f.create(t)

	ok, err := f.engine.CheckIntegrity(ctx, p)
	require.NoError(t, err)
	assert.True(t, ok)

	p.BlockReason = "tampered"
	ok, err = f.engine.CheckIntegrity(ctx, p)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrIntegrityViolation)
	assert.Len(t, f.store.entriesOf(audittrail.ActionIntegrityCheck), 1)
}

func TestStaleWriterGetsConflict(t *testing.T) {
	f := newFixture(t, date(2024, time.June, 15))
	f.seedStandard()
	ctx := context.Background()
	p := f.create(t)

	stale, err := f.engine.Get(ctx, p.ID)
	require.NoError(t, err)

	require.NoError(t, f.engine.Suspend(ctx, p, "first writer", ActionContext{Actor: "a"}))

	err = f.engine.Suspend(ctx, stale, "second writer", ActionContext{Actor: "b"})
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, StateActive, stale.State, "failed commit leaves the local copy untouched")
}
