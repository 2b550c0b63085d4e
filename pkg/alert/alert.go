// Package alert implements the alerting subsystem of the retention engine:
// threshold classification, 24-hour de-duplication, recipient and channel
// resolution, and the repeat-until-attended delivery policy.
package alert

import (
	"errors"
	"time"
)

// ErrDuplicate is returned by stores when an alert of the same type already
// exists for the process in the same day bucket. The unique index behind it
// closes the read-then-write race between concurrent sweeps.
var ErrDuplicate = errors.New("duplicate alert")

// ErrNotFound is returned when an alert does not exist.
var ErrNotFound = errors.New("alert not found")

// Type classifies what the alert is about.
type Type string

const (
	TypeUpcomingExpiry          Type = "upcoming_expiry"
	TypeCurrentExpiry           Type = "current_expiry"
	TypeActionRequired          Type = "action_required"
	TypeProcessError            Type = "process_error"
	TypeDispositionConfirmation Type = "disposition_confirmation"
)

// Priority orders alerts for delivery and repeat policy.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Channel is a delivery channel; actual delivery is the platform's concern.
type Channel string

const (
	ChannelEmail  Channel = "email"
	ChannelSystem Channel = "system"
	ChannelPush   Channel = "push"
)

// State is the alert delivery lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateSent      State = "sent"
	StateRead      State = "read"
	StateAttended  State = "attended"
	StateDismissed State = "dismissed"
)

// Recipient roles always or conditionally attached to generated alerts.
const (
	RoleArchivist            = "archivist"
	RoleAdministrator        = "administrator"
	RoleGeneralAdministrator = "general_administrator"
	RoleArchiveChief         = "archive_chief"
)

// Alert is one generated notification intent tied to a retention process.
type Alert struct {
	ID        string   `json:"id"`
	ProcessID string   `json:"process_id"`
	Type      Type     `json:"type"`
	Priority  Priority `json:"priority"`

	Title   string     `json:"title"`
	Message string     `json:"message"`
	DueAt   *time.Time `json:"due_at,omitempty"`

	RecipientUsers []string  `json:"recipient_users"`
	RecipientRoles []string  `json:"recipient_roles"`
	Channels       []Channel `json:"channels"`

	State      State      `json:"state"`
	SentAt     *time.Time `json:"sent_at,omitempty"`
	ReadAt     *time.Time `json:"read_at,omitempty"`
	AttendedAt *time.Time `json:"attended_at,omitempty"`

	RepeatUntilAttended bool `json:"repeat_until_attended"`
	RepeatIntervalHours int  `json:"repeat_interval_hours"`
	MaxRepeats          int  `json:"max_repeats"`
	RepeatsSent         int  `json:"repeats_sent"`

	CreatedAt time.Time `json:"created_at"`
	// DayBucket is the UTC creation day, part of the de-dup unique index.
	DayBucket string `json:"day_bucket"`
}

// RepeatDue reports whether the delivery sweep should re-send the alert now.
func (a *Alert) RepeatDue(now time.Time) bool {
	if !a.RepeatUntilAttended || a.State != StateSent {
		return false
	}
	if a.RepeatsSent >= a.MaxRepeats {
		return false
	}
	if a.SentAt == nil {
		return false
	}
	return now.Sub(*a.SentAt) >= time.Duration(a.RepeatIntervalHours)*time.Hour
}

// channelsFor resolves delivery channels by priority.
func channelsFor(p Priority) []Channel {
	switch p {
	case PriorityCritical:
		return []Channel{ChannelEmail, ChannelSystem, ChannelPush}
	case PriorityHigh:
		return []Channel{ChannelEmail, ChannelSystem}
	case PriorityMedium:
		return []Channel{ChannelSystem, ChannelEmail}
	default:
		return []Channel{ChannelSystem}
	}
}
