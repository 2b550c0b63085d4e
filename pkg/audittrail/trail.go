package audittrail

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// payloadSchema constrains the structured additional-data attached to an
// entry: a flat-ish JSON object; the optional "changed" member carries the
// before/after diff of a mutation.
const payloadSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"changed": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"properties": {
					"from": {},
					"to": {}
				},
				"required": ["from", "to"]
			}
		}
	}
}`

// Store is the persistence contract for entries. Implementations must be
// append-only; there is deliberately no update or delete method.
type Store interface {
	InsertEntry(ctx context.Context, e *Entry) error
	GetEntry(ctx context.Context, id string) (*Entry, error)
	ListEntries(ctx context.Context, f Filter) ([]*Entry, int, error)
}

// Filter selects entries for queries and exports. Zero values mean "any".
type Filter struct {
	ProcessID  string
	Actor      string
	ActionType ActionType
	From       time.Time
	To         time.Time
	Offset     int
	Limit      int
}

// Params are the inputs of one append.
type Params struct {
	ProcessID   string
	ActionType  ActionType
	PriorState  string
	NewState    string
	Description string
	Data        map[string]any
	Actor       string
	IP          string
	UserAgent   string
}

// Trail is the append-only audit ledger.
type Trail struct {
	store  Store
	schema *jsonschema.Schema
	clock  func() time.Time
	logger *slog.Logger
}

// NewTrail creates a Trail over the given store.
func NewTrail(store Store) *Trail {
	schema := jsonschema.MustCompileString("audit_payload.json", payloadSchema)
	return &Trail{
		store:  store,
		schema: schema,
		clock:  time.Now,
		logger: slog.Default().With("component", "audittrail"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (t *Trail) WithClock(clock func() time.Time) *Trail {
	t.clock = clock
	return t
}

// Seal validates params and builds a hashed entry without persisting it.
// The caller inserts it inside the same transaction as the state mutation it
// documents: both commit or both roll back.
func (t *Trail) Seal(p Params) (*Entry, error) {
	if !p.ActionType.Valid() {
		return nil, fmt.Errorf("audittrail: unknown action type %q", p.ActionType)
	}
	if p.Actor == "" {
		return nil, fmt.Errorf("audittrail: actor is required")
	}
	if p.Data != nil {
		if err := t.schema.Validate(toSchemaValue(p.Data)); err != nil {
			return nil, fmt.Errorf("audittrail: payload rejected: %w", err)
		}
	}
	return newEntry(p, t.clock())
}

// Append seals and persists an entry in one step, for actions that are not
// coupled to a process mutation (alert acknowledgements, integrity checks).
func (t *Trail) Append(ctx context.Context, p Params) (*Entry, error) {
	e, err := t.Seal(p)
	if err != nil {
		return nil, err
	}
	if err := t.store.InsertEntry(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Get returns one entry by id.
func (t *Trail) Get(ctx context.Context, id string) (*Entry, error) {
	return t.store.GetEntry(ctx, id)
}

// Query returns matching entries plus the total match count for pagination.
func (t *Trail) Query(ctx context.Context, f Filter) ([]*Entry, int, error) {
	return t.store.ListEntries(ctx, f)
}

// VerificationReport summarizes an integrity sweep over stored entries.
type VerificationReport struct {
	Checked  int      `json:"checked"`
	Failed   int      `json:"failed"`
	FailedAt []string `json:"failed_ids,omitempty"`
}

// OK reports whether every checked entry verified.
func (r VerificationReport) OK() bool { return r.Failed == 0 }

// VerifyAll recomputes the hash of every entry matching the filter. A
// mismatch is reported, never repaired: repairing would defeat the
// tamper-evidence purpose.
func (t *Trail) VerifyAll(ctx context.Context, f Filter) (VerificationReport, error) {
	var report VerificationReport
	const page = 500
	f.Limit = page
	for {
		entries, _, err := t.store.ListEntries(ctx, f)
		if err != nil {
			return report, err
		}
		for _, e := range entries {
			report.Checked++
			if !e.Verify() {
				report.Failed++
				report.FailedAt = append(report.FailedAt, e.ID)
				t.logger.Error("audit entry failed integrity verification",
					"entry_id", e.ID, "process_id", e.ProcessID, "action", e.ActionType)
			}
		}
		if len(entries) < page {
			return report, nil
		}
		f.Offset += page
	}
}

// DiffPayload builds the structured changed-fields payload of a mutation
// entry: field name → {from, to}.
func DiffPayload(changes map[string][2]any) map[string]any {
	if len(changes) == 0 {
		return nil
	}
	changed := make(map[string]any, len(changes))
	for field, pair := range changes {
		changed[field] = map[string]any{"from": pair[0], "to": pair[1]}
	}
	return map[string]any{"changed": changed}
}

// toSchemaValue normalizes a Go map into the generic shape the schema
// validator expects (maps, slices, and primitives only).
func toSchemaValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = toSchemaValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = toSchemaValue(val)
		}
		return out
	case string, bool, nil, float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%v", t)
	}
}
