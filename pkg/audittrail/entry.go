// Package audittrail implements the append-only ledger of disposition
// actions. Entries are immutable after creation; each carries a SHA-256 hash
// over a canonical encoding of its identifying fields, computed once at
// append time and never recomputed for storage. Verification recomputes the
// hash from the stored fields and compares.
package audittrail

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/archivum-labs/retentio/pkg/canonicalize"
)

// ErrImmutableEntry is returned on any attempt to update or delete a
// persisted entry. This is a hard invariant with no override: the storage
// layer enforces it with triggers and the API never exposes a mutation path.
var ErrImmutableEntry = errors.New("audit entries are immutable")

// ErrEntryNotFound is returned when an entry does not exist.
var ErrEntryNotFound = errors.New("audit entry not found")

// ActionType categorizes an audit entry.
type ActionType string

const (
	ActionCreation             ActionType = "creation"
	ActionAutomaticStateChange ActionType = "automatic_state_change"
	ActionDeferral             ActionType = "deferral"
	ActionDispositionStarted   ActionType = "disposition_started"
	ActionDispositionExecuted  ActionType = "disposition_executed"
	ActionSuspension           ActionType = "suspension"
	ActionReactivation         ActionType = "reactivation"
	ActionEliminationBlocked   ActionType = "elimination_blocked"
	ActionEliminationUnblocked ActionType = "elimination_unblocked"
	ActionSoftDelete           ActionType = "soft_delete"
	ActionAlertRead            ActionType = "alert_read"
	ActionAlertAttended        ActionType = "alert_attended"
	ActionIntegrityCheck       ActionType = "integrity_check"
)

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	switch t {
	case ActionCreation, ActionAutomaticStateChange, ActionDeferral,
		ActionDispositionStarted, ActionDispositionExecuted,
		ActionSuspension, ActionReactivation, ActionEliminationBlocked,
		ActionEliminationUnblocked, ActionSoftDelete, ActionAlertRead,
		ActionAlertAttended, ActionIntegrityCheck:
		return true
	}
	return false
}

// Entry is one immutable audit record. ProcessID may be empty for
// system-level entries not tied to a single process.
type Entry struct {
	ID          string         `json:"id"`
	ProcessID   string         `json:"process_id,omitempty"`
	ActionType  ActionType     `json:"action_type"`
	PriorState  string         `json:"prior_state,omitempty"`
	NewState    string         `json:"new_state,omitempty"`
	Description string         `json:"description"`
	Data        map[string]any `json:"data,omitempty"`
	OccurredAt  time.Time      `json:"occurred_at"`
	Actor       string         `json:"actor"`
	IP          string         `json:"ip,omitempty"`
	UserAgent   string         `json:"user_agent,omitempty"`
	Hash        string         `json:"hash"`
}

// hashFields is the canonical field set covered by the entry hash. Keys are
// sorted by the canonicalizer; the set is fixed and must never grow for
// existing entries or historical verification breaks.
type hashFields struct {
	ProcessID   string `json:"process_id"`
	ActionType  string `json:"action_type"`
	PriorState  string `json:"prior_state"`
	NewState    string `json:"new_state"`
	Description string `json:"description"`
	Timestamp   string `json:"timestamp"`
	Actor       string `json:"actor"`
	IP          string `json:"ip"`
}

// ComputeHash returns the canonical hash of the entry's covered fields.
func (e *Entry) ComputeHash() (string, error) {
	return canonicalize.CanonicalHash(hashFields{
		ProcessID:   e.ProcessID,
		ActionType:  string(e.ActionType),
		PriorState:  e.PriorState,
		NewState:    e.NewState,
		Description: e.Description,
		Timestamp:   e.OccurredAt.UTC().Format(time.RFC3339Nano),
		Actor:       e.Actor,
		IP:          e.IP,
	})
}

// Verify recomputes the hash from the entry's own stored fields and compares
// it with the frozen one. Used for forensic checks, never for storage
// decisions.
func (e *Entry) Verify() bool {
	h, err := e.ComputeHash()
	if err != nil {
		return false
	}
	return h == e.Hash
}

// newEntry builds a sealed entry: id assigned, timestamp fixed, hash frozen.
func newEntry(p Params, at time.Time) (*Entry, error) {
	e := &Entry{
		ID:          uuid.New().String(),
		ProcessID:   p.ProcessID,
		ActionType:  p.ActionType,
		PriorState:  p.PriorState,
		NewState:    p.NewState,
		Description: p.Description,
		Data:        p.Data,
		OccurredAt:  at.UTC(),
		Actor:       p.Actor,
		IP:          p.IP,
		UserAgent:   p.UserAgent,
	}
	h, err := e.ComputeHash()
	if err != nil {
		return nil, err
	}
	e.Hash = h
	return e, nil
}
