// Package boundary declares the contracts the retention engine consumes from
// the surrounding records-management platform: subject lookup, retention
// schedule (TRD) lookup, user resolution, and notification dispatch.
//
// The engine only depends on these interfaces; concrete implementations live
// outside this repository. In-memory fakes are provided for tests and the
// one-shot CLI commands.
package boundary

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks failures of an external collaborator. Callers should
// treat it as retryable and must never interpret it as "subject absent".
var ErrUnavailable = errors.New("external dependency unavailable")

// ErrNotFound is returned when a subject, schedule, or user does not exist.
var ErrNotFound = errors.New("not found")

// SubjectInfo is the slice of a document or case-file record the engine needs.
type SubjectInfo struct {
	CreatedAt   time.Time
	AssignedTo  string // user id of the creating/owning user
	SeriesID    string
	SubseriesID string
	Lifecycle   string
}

// SubjectResolver resolves a (kind, id) pair to the underlying document or
// case-file record.
type SubjectResolver interface {
	Resolve(ctx context.Context, kind, id string) (*SubjectInfo, error)
}

// SchedulePeriods carries the retention periods of one TRD entry.
type SchedulePeriods struct {
	ManagementYears int
	CentralYears    int
	PreAlertDays    int // 0 means "use the engine default"
}

// ScheduleResolver resolves a retention-schedule reference to its periods.
type ScheduleResolver interface {
	Lookup(ctx context.Context, scheduleID string) (*SchedulePeriods, error)
}

// UserInfo is the display identity of a platform user.
type UserInfo struct {
	Name  string
	Email string
}

// UserDirectory resolves user ids for audit and alert rendering.
type UserDirectory interface {
	Lookup(ctx context.Context, userID string) (*UserInfo, error)
}

// Notification is one outbound delivery request. The engine decides whether
// and to whom; the platform decides how.
type Notification struct {
	AlertID        string
	ProcessID      string
	ProcessCode    string
	Title          string
	Message        string
	Priority       string
	Channels       []string
	RecipientUsers []string
	RecipientRoles []string
	Repeat         int // 0 on first delivery, >0 on repeats
}

// Notifier fans a notification out to its channels.
type Notifier interface {
	Dispatch(ctx context.Context, n Notification) error
}
