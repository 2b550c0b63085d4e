package retention

import "time"

// DefaultPreAlertDays is the advance-warning window applied when the TRD
// entry does not specify one.
const DefaultPreAlertDays = 30

// Schedule carries the retention periods used to derive lifecycle dates.
type Schedule struct {
	ManagementYears int
	CentralYears    int
	PreAlertDays    int // 0 means DefaultPreAlertDays
}

// Dates are the derived lifecycle dates of a process.
type Dates struct {
	ManagementExpiry time.Time
	CentralExpiry    time.Time
	PreAlert         time.Time
}

// ComputeDates derives the management expiry, central expiry, and pre-alert
// date from the subject creation date and the schedule. Arithmetic is
// calendar-date addition, not wall-clock duration.
//
// A nil schedule or zero creation date yields nil: a missing TRD entry leaves
// the dates unset rather than failing the process.
func ComputeDates(subjectCreated time.Time, sched *Schedule) *Dates {
	if sched == nil || subjectCreated.IsZero() {
		return nil
	}
	preAlertDays := sched.PreAlertDays
	if preAlertDays <= 0 {
		preAlertDays = DefaultPreAlertDays
	}
	management := subjectCreated.AddDate(sched.ManagementYears, 0, 0)
	central := management.AddDate(sched.CentralYears, 0, 0)
	preAlert := management.AddDate(0, 0, -preAlertDays)
	return &Dates{
		ManagementExpiry: management,
		CentralExpiry:    central,
		PreAlert:         preAlert,
	}
}

// DaysUntil returns the signed whole-day distance from now to the given date,
// comparing calendar days in UTC. Negative means overdue.
func DaysUntil(now, due time.Time) int {
	nowDay := truncateDay(now)
	dueDay := truncateDay(due)
	return int(dueDay.Sub(nowDay).Hours() / 24)
}

func truncateDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
