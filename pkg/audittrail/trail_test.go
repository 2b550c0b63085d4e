package audittrail

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory append-only Store for trail tests.
type memStore struct {
	entries []*Entry
}

func (m *memStore) InsertEntry(_ context.Context, e *Entry) error {
	m.entries = append(m.entries, e)
	return nil
}

func (m *memStore) GetEntry(_ context.Context, id string) (*Entry, error) {
	for _, e := range m.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
}

func (m *memStore) ListEntries(_ context.Context, f Filter) ([]*Entry, int, error) {
	var matched []*Entry
	for _, e := range m.entries {
		if f.ProcessID != "" && e.ProcessID != f.ProcessID {
			continue
		}
		if f.Actor != "" && e.Actor != f.Actor {
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

var fixedNow = time.Date(2024, time.June, 15, 10, 30, 0, 0, time.UTC)

func newTestTrail() (*Trail, *memStore) {
	ms := &memStore{}
	return NewTrail(ms).WithClock(func() time.Time { return fixedNow }), ms
}

func sampleParams() Params {
	return Params{
		ProcessID:   "p-1",
		ActionType:  ActionDeferral,
		PriorState:  "active",
		NewState:    "deferred",
		Description: "process deferred for litigation",
		Actor:       "maria",
		IP:          "10.0.0.7",
		UserAgent:   "sgdea-web/2.1",
	}
}

func TestSealBuildsHashedEntry(t *testing.T) {
	trail, ms := newTestTrail()

	e, err := trail.Seal(sampleParams())
	require.NoError(t, err)

	assert.NotEmpty(t, e.ID)
	assert.Len(t, e.Hash, 64)
	assert.Equal(t, fixedNow, e.OccurredAt)
	assert.True(t, e.Verify())
	assert.Empty(t, ms.entries, "Seal must not persist; the caller owns the transaction")
}

func TestSealHashIsDeterministic(t *testing.T) {
	trail, _ := newTestTrail()

	a, err := trail.Seal(sampleParams())
	require.NoError(t, err)
	b, err := trail.Seal(sampleParams())
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, a.Hash, b.Hash, "hash covers content fields, not the id")
}

func TestSealValidation(t *testing.T) {
	trail, _ := newTestTrail()

	p := sampleParams()
	p.ActionType = "renamed"
	_, err := trail.Seal(p)
	assert.Error(t, err)

	p = sampleParams()
	p.Actor = ""
	_, err = trail.Seal(p)
	assert.Error(t, err)
}

func TestSealPayloadSchema(t *testing.T) {
	trail, _ := newTestTrail()

	p := sampleParams()
	p.Data = DiffPayload(map[string][2]any{"state": {"active", "deferred"}})
	_, err := trail.Seal(p)
	assert.NoError(t, err)

	p.Data = map[string]any{"changed": map[string]any{"state": "not-a-diff"}}
	_, err = trail.Seal(p)
	assert.Error(t, err, "changed members must carry from/to pairs")
}

func TestVerifyDetectsTamper(t *testing.T) {
	trail, _ := newTestTrail()

	e, err := trail.Seal(sampleParams())
	require.NoError(t, err)

	e.Description = "rewritten history"
	assert.False(t, e.Verify())
}

func TestAppendPersistsAndQueries(t *testing.T) {
	trail, ms := newTestTrail()
	ctx := context.Background()

	_, err := trail.Append(ctx, sampleParams())
	require.NoError(t, err)

	other := sampleParams()
	other.ProcessID = "p-2"
	other.ActionType = ActionAlertRead
	_, err = trail.Append(ctx, other)
	require.NoError(t, err)

	assert.Len(t, ms.entries, 2)

	entries, total, err := trail.Query(ctx, Filter{ProcessID: "p-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, entries, 1)
	assert.Equal(t, ActionDeferral, entries[0].ActionType)
}

func TestVerifyAll(t *testing.T) {
	trail, ms := newTestTrail()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p := sampleParams()
		p.Description = fmt.Sprintf("entry %d", i)
		_, err := trail.Append(ctx, p)
		require.NoError(t, err)
	}

	report, err := trail.VerifyAll(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Checked)
	assert.True(t, report.OK())

	// Tamper with a stored row the way a direct DB edit would.
	ms.entries[1].Actor = "intruder"

	report, err = trail.VerifyAll(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, []string{ms.entries[1].ID}, report.FailedAt)
	assert.False(t, report.OK())
}

func TestDiffPayload(t *testing.T) {
	assert.Nil(t, DiffPayload(nil))

	payload := DiffPayload(map[string][2]any{
		"state":    {"active", "expired"},
		"deferred": {true, false},
	})
	changed, ok := payload["changed"].(map[string]any)
	require.True(t, ok)
	state, ok := changed["state"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "active", state["from"])
	assert.Equal(t, "expired", state["to"])
}

func TestActionTypeValid(t *testing.T) {
	assert.True(t, ActionCreation.Valid())
	assert.True(t, ActionIntegrityCheck.Valid())
	assert.False(t, ActionType("renamed").Valid())
}
