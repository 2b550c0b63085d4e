package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/archivum-labs/retentio/pkg/alert"
)

const alertColumns = `id, process_id, type, priority, title, message, due_at,
	recipient_users, recipient_roles, channels, state, sent_at, read_at, attended_at,
	repeat_until_attended, repeat_interval_hours, max_repeats, repeats_sent,
	created_at, day_bucket`

// InsertAlert persists a new alert. The (process_id, type, day_bucket) unique
// index turns concurrent duplicates into alert.ErrDuplicate.
func (s *Store) InsertAlert(ctx context.Context, a *alert.Alert) error {
	users, roles, channels, err := encodeAlertLists(a)
	if err != nil {
		return err
	}
	query := s.q(`INSERT INTO alerts (` + alertColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		a.ID, a.ProcessID, string(a.Type), string(a.Priority), a.Title, a.Message,
		formatTimePtr(a.DueAt), users, roles, channels, string(a.State),
		formatTimePtr(a.SentAt), formatTimePtr(a.ReadAt), formatTimePtr(a.AttendedAt),
		boolToInt(a.RepeatUntilAttended), a.RepeatIntervalHours, a.MaxRepeats, a.RepeatsSent,
		formatTime(a.CreatedAt), a.DayBucket,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("store: alert for process %s type %s: %w", a.ProcessID, a.Type, alert.ErrDuplicate)
		}
		return fmt.Errorf("store: insert alert: %w", err)
	}
	return nil
}

// UpdateAlert persists lifecycle changes of an existing alert.
func (s *Store) UpdateAlert(ctx context.Context, a *alert.Alert) error {
	query := s.q(`UPDATE alerts SET
		state = ?, sent_at = ?, read_at = ?, attended_at = ?, repeats_sent = ?
		WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query,
		string(a.State), formatTimePtr(a.SentAt), formatTimePtr(a.ReadAt),
		formatTimePtr(a.AttendedAt), a.RepeatsSent, a.ID,
	)
	if err != nil {
		return fmt.Errorf("store: update alert %s: %w", a.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("store: %w: %s", alert.ErrNotFound, a.ID)
	}
	return nil
}

// GetAlert loads one alert by id.
func (s *Store) GetAlert(ctx context.Context, id string) (*alert.Alert, error) {
	query := s.q(`SELECT ` + alertColumns + ` FROM alerts WHERE id = ?`)
	a, err := scanAlert(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: %w: %s", alert.ErrNotFound, id)
	}
	return a, err
}

// FindRecentAlert returns the newest alert of the given type for the process
// created at or after since, or nil when none exists.
func (s *Store) FindRecentAlert(ctx context.Context, processID string, t alert.Type, since time.Time) (*alert.Alert, error) {
	query := s.q(`SELECT ` + alertColumns + ` FROM alerts
		WHERE process_id = ? AND type = ? AND created_at >= ?
		ORDER BY created_at DESC LIMIT 1`)
	a, err := scanAlert(s.db.QueryRowContext(ctx, query, processID, string(t), formatTime(since)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// ListRepeatCandidates returns sent alerts with repeat enabled and repeats
// remaining; the caller applies the time-based due check.
func (s *Store) ListRepeatCandidates(ctx context.Context, limit int) ([]*alert.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	query := s.q(`SELECT ` + alertColumns + ` FROM alerts
		WHERE state = ? AND repeat_until_attended = 1 AND repeats_sent < max_repeats
		ORDER BY sent_at LIMIT ?`)
	rows, err := s.db.QueryContext(ctx, query, string(alert.StateSent), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var alerts []*alert.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func encodeAlertLists(a *alert.Alert) (string, string, string, error) {
	users, err := json.Marshal(orEmpty(a.RecipientUsers))
	if err != nil {
		return "", "", "", err
	}
	roles, err := json.Marshal(orEmpty(a.RecipientRoles))
	if err != nil {
		return "", "", "", err
	}
	chans := make([]string, len(a.Channels))
	for i, c := range a.Channels {
		chans[i] = string(c)
	}
	channels, err := json.Marshal(chans)
	if err != nil {
		return "", "", "", err
	}
	return string(users), string(roles), string(channels), nil
}

func orEmpty(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func scanAlert(row rowScanner) (*alert.Alert, error) {
	var (
		a          alert.Alert
		typ        string
		priority   string
		dueAt      sql.NullString
		users      string
		roles      string
		channels   string
		state      string
		sentAt     sql.NullString
		readAt     sql.NullString
		attendedAt sql.NullString
		repeat     int
		createdAt  string
	)
	err := row.Scan(
		&a.ID, &a.ProcessID, &typ, &priority, &a.Title, &a.Message, &dueAt,
		&users, &roles, &channels, &state, &sentAt, &readAt, &attendedAt,
		&repeat, &a.RepeatIntervalHours, &a.MaxRepeats, &a.RepeatsSent,
		&createdAt, &a.DayBucket,
	)
	if err != nil {
		return nil, err
	}
	a.Type = alert.Type(typ)
	a.Priority = alert.Priority(priority)
	a.DueAt = parseTimePtr(dueAt)
	a.State = alert.State(state)
	a.SentAt = parseTimePtr(sentAt)
	a.ReadAt = parseTimePtr(readAt)
	a.AttendedAt = parseTimePtr(attendedAt)
	a.RepeatUntilAttended = repeat != 0
	a.CreatedAt = parseTime(createdAt)
	if err := json.Unmarshal([]byte(users), &a.RecipientUsers); err != nil {
		return nil, fmt.Errorf("store: decode alert recipients: %w", err)
	}
	if err := json.Unmarshal([]byte(roles), &a.RecipientRoles); err != nil {
		return nil, fmt.Errorf("store: decode alert roles: %w", err)
	}
	var chans []string
	if err := json.Unmarshal([]byte(channels), &chans); err != nil {
		return nil, fmt.Errorf("store: decode alert channels: %w", err)
	}
	a.Channels = make([]alert.Channel, len(chans))
	for i, c := range chans {
		a.Channels[i] = alert.Channel(c)
	}
	return &a, nil
}
