// Package retention implements the retention & disposition lifecycle engine:
// the state machine a document or case file moves through from active
// retention, via pre-alert and expiry, to deferral (aplazamiento) and final
// disposition, with an integrity hash recomputed on every mutation.
package retention

import (
	"time"

	"github.com/archivum-labs/retentio/pkg/canonicalize"
)

// SubjectKind discriminates the tracked entity.
type SubjectKind string

const (
	SubjectDocument SubjectKind = "document"
	SubjectCaseFile SubjectKind = "case_file"
)

// Subject identifies exactly one document or case file. The zero value is
// invalid; use DocumentSubject or CaseFileSubject so a process can never
// reference both or neither.
type Subject struct {
	Kind SubjectKind `json:"kind"`
	ID   string      `json:"id"`
}

// DocumentSubject references a document.
func DocumentSubject(id string) Subject {
	return Subject{Kind: SubjectDocument, ID: id}
}

// CaseFileSubject references a case file (expediente).
func CaseFileSubject(id string) Subject {
	return Subject{Kind: SubjectCaseFile, ID: id}
}

// Validate reports whether the subject is well formed.
func (s Subject) Validate() error {
	if s.Kind != SubjectDocument && s.Kind != SubjectCaseFile {
		return validationf("unknown subject kind %q", s.Kind)
	}
	if s.ID == "" {
		return validationf("subject id is required")
	}
	return nil
}

// ProcessState is the lifecycle state of a retention process.
type ProcessState string

const (
	StateActive        ProcessState = "active"
	StatePreAlert      ProcessState = "pre_alert"
	StateExpired       ProcessState = "expired"
	StateInDisposition ProcessState = "in_disposition"
	StateTransferred   ProcessState = "transferred"
	StateEliminated    ProcessState = "eliminated"
	StateConserved     ProcessState = "conserved"
	StateDeferred      ProcessState = "deferred"
	StateSuspended     ProcessState = "suspended"
)

// Valid reports whether s is a known state.
func (s ProcessState) Valid() bool {
	switch s {
	case StateActive, StatePreAlert, StateExpired, StateInDisposition,
		StateTransferred, StateEliminated, StateConserved, StateDeferred, StateSuspended:
		return true
	}
	return false
}

// Terminal reports whether s is a final disposition state.
func (s ProcessState) Terminal() bool {
	switch s {
	case StateTransferred, StateEliminated, StateConserved:
		return true
	}
	return false
}

// DispositionAction is a final disposition per the TRD.
type DispositionAction string

const (
	ActionConservationPermanent DispositionAction = "conservation_permanent"
	ActionElimination           DispositionAction = "elimination"
	ActionTransferHistorical    DispositionAction = "transfer_historical"
	ActionSelection             DispositionAction = "selection"
	ActionMicrofilm             DispositionAction = "microfilm"
	ActionDigitizationPermanent DispositionAction = "digitization_permanent"
)

// Valid reports whether a is a known disposition action.
func (a DispositionAction) Valid() bool {
	switch a {
	case ActionConservationPermanent, ActionElimination, ActionTransferHistorical,
		ActionSelection, ActionMicrofilm, ActionDigitizationPermanent:
		return true
	}
	return false
}

// Process is one retention & disposition lifecycle record. It is never hard
// deleted; DeletedAt marks soft deletion since the process is itself an
// auditable record.
type Process struct {
	ID      string  `json:"id"`
	Code    string  `json:"code"` // RET-<year>-<8-digit-seq>
	Subject Subject `json:"subject"`

	ScheduleID  string `json:"schedule_id"`
	SeriesID    string `json:"series_id"`
	SubseriesID string `json:"subseries_id,omitempty"`

	SubjectCreatedAt time.Time `json:"subject_created_at"`
	ManagementYears  int       `json:"management_years"`
	CentralYears     int       `json:"central_years"`

	ManagementExpiry *time.Time `json:"management_expiry,omitempty"`
	CentralExpiry    *time.Time `json:"central_expiry,omitempty"`
	PreAlertDate     *time.Time `json:"pre_alert_date,omitempty"`

	State ProcessState `json:"state"`

	Deferred       bool       `json:"deferred"`
	DeferralStart  *time.Time `json:"deferral_start,omitempty"`
	DeferralEnd    *time.Time `json:"deferral_end,omitempty"`
	DeferralReason string     `json:"deferral_reason,omitempty"`
	DeferralBy     string     `json:"deferral_by,omitempty"`

	Disposition *DispositionAction `json:"disposition,omitempty"`

	AlertsActive          bool   `json:"alerts_active"`
	BlockedForElimination bool   `json:"blocked_for_elimination"`
	BlockReason           string `json:"block_reason,omitempty"`

	Hash    string `json:"hash"`
	Version int64  `json:"version"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// hashSnapshot is the canonical field set covered by the integrity hash.
// Version and UpdatedAt are excluded: the hash protects record content, not
// bookkeeping columns, and must be reproducible from the stored fields alone.
type hashSnapshot struct {
	ID                    string  `json:"id"`
	Code                  string  `json:"code"`
	Subject               Subject `json:"subject"`
	ScheduleID            string  `json:"schedule_id"`
	SeriesID              string  `json:"series_id"`
	SubseriesID           string  `json:"subseries_id"`
	SubjectCreatedAt      string  `json:"subject_created_at"`
	ManagementYears       int     `json:"management_years"`
	CentralYears          int     `json:"central_years"`
	ManagementExpiry      string  `json:"management_expiry"`
	CentralExpiry         string  `json:"central_expiry"`
	PreAlertDate          string  `json:"pre_alert_date"`
	State                 string  `json:"state"`
	Deferred              bool    `json:"deferred"`
	DeferralStart         string  `json:"deferral_start"`
	DeferralEnd           string  `json:"deferral_end"`
	DeferralReason        string  `json:"deferral_reason"`
	DeferralBy            string  `json:"deferral_by"`
	Disposition           string  `json:"disposition"`
	AlertsActive          bool    `json:"alerts_active"`
	BlockedForElimination bool    `json:"blocked_for_elimination"`
	BlockReason           string  `json:"block_reason"`
	CreatedAt             string  `json:"created_at"`
}

func timeField(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// ComputeHash returns the SHA-256 canonical hash of the process snapshot.
func (p *Process) ComputeHash() (string, error) {
	disp := ""
	if p.Disposition != nil {
		disp = string(*p.Disposition)
	}
	snap := hashSnapshot{
		ID:                    p.ID,
		Code:                  p.Code,
		Subject:               p.Subject,
		ScheduleID:            p.ScheduleID,
		SeriesID:              p.SeriesID,
		SubseriesID:           p.SubseriesID,
		SubjectCreatedAt:      p.SubjectCreatedAt.UTC().Format(time.RFC3339),
		ManagementYears:       p.ManagementYears,
		CentralYears:          p.CentralYears,
		ManagementExpiry:      timeField(p.ManagementExpiry),
		CentralExpiry:         timeField(p.CentralExpiry),
		PreAlertDate:          timeField(p.PreAlertDate),
		State:                 string(p.State),
		Deferred:              p.Deferred,
		DeferralStart:         timeField(p.DeferralStart),
		DeferralEnd:           timeField(p.DeferralEnd),
		DeferralReason:        p.DeferralReason,
		DeferralBy:            p.DeferralBy,
		Disposition:           disp,
		AlertsActive:          p.AlertsActive,
		BlockedForElimination: p.BlockedForElimination,
		BlockReason:           p.BlockReason,
		CreatedAt:             p.CreatedAt.UTC().Format(time.RFC3339),
	}
	return canonicalize.CanonicalHash(snap)
}

// RehashInto recomputes and stores the integrity hash.
func (p *Process) RehashInto() error {
	h, err := p.ComputeHash()
	if err != nil {
		return err
	}
	p.Hash = h
	return nil
}

// VerifyIntegrity recomputes the hash from current fields and compares it to
// the stored one. A false result signals tampering; remediation is the
// caller's decision.
func (p *Process) VerifyIntegrity() (bool, error) {
	h, err := p.ComputeHash()
	if err != nil {
		return false, err
	}
	return h == p.Hash, nil
}

// Validate checks the structural invariants of the record.
func (p *Process) Validate() error {
	if err := p.Subject.Validate(); err != nil {
		return err
	}
	if !p.State.Valid() {
		return validationf("unknown state %q", p.State)
	}
	if p.ManagementYears < 0 || p.CentralYears < 0 {
		return validationf("retention years must not be negative")
	}
	if p.ManagementExpiry != nil && p.CentralExpiry != nil && p.ManagementExpiry.After(*p.CentralExpiry) {
		return validationf("management expiry %s after central expiry %s", p.ManagementExpiry, p.CentralExpiry)
	}
	if p.PreAlertDate != nil && p.ManagementExpiry != nil && p.PreAlertDate.After(*p.ManagementExpiry) {
		return validationf("pre-alert date %s after management expiry %s", p.PreAlertDate, p.ManagementExpiry)
	}
	if p.Disposition != nil && !p.Disposition.Valid() {
		return validationf("unknown disposition action %q", *p.Disposition)
	}
	if p.Deferred != (p.State == StateDeferred) {
		return validationf("deferral flag inconsistent with state %q", p.State)
	}
	return nil
}

// NeedsAlert reports whether the process currently requires alert generation:
// alerts enabled, state active, and the pre-alert or expiry threshold crossed.
func (p *Process) NeedsAlert(now time.Time) bool {
	if !p.AlertsActive || p.State != StateActive {
		return false
	}
	if p.PreAlertDate != nil && !now.Before(*p.PreAlertDate) {
		return true
	}
	if p.ManagementExpiry != nil && !now.Before(*p.ManagementExpiry) {
		return true
	}
	return false
}

// Clone returns a deep-enough copy for copy-mutate-commit orchestration.
func (p *Process) Clone() *Process {
	c := *p
	c.ManagementExpiry = copyTime(p.ManagementExpiry)
	c.CentralExpiry = copyTime(p.CentralExpiry)
	c.PreAlertDate = copyTime(p.PreAlertDate)
	c.DeferralStart = copyTime(p.DeferralStart)
	c.DeferralEnd = copyTime(p.DeferralEnd)
	c.DeletedAt = copyTime(p.DeletedAt)
	if p.Disposition != nil {
		d := *p.Disposition
		c.Disposition = &d
	}
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
