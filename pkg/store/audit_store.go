package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/archivum-labs/retentio/pkg/audittrail"
)

const entryColumns = `id, process_id, action_type, prior_state, new_state, description,
	data, occurred_at, actor, ip, user_agent, hash`

// InsertEntry appends one audit entry outside a process transaction.
func (s *Store) InsertEntry(ctx context.Context, e *audittrail.Entry) error {
	return s.insertEntryTx(ctx, s.db, e)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insertEntryTx(ctx context.Context, db execer, e *audittrail.Entry) error {
	data := sql.NullString{}
	if e.Data != nil {
		raw, err := json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("store: encode entry data: %w", err)
		}
		data = sql.NullString{String: string(raw), Valid: true}
	}
	query := s.q(`INSERT INTO audit_entries (` + entryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := db.ExecContext(ctx, query,
		e.ID, e.ProcessID, string(e.ActionType), e.PriorState, e.NewState, e.Description,
		data, formatTime(e.OccurredAt), e.Actor, e.IP, e.UserAgent, e.Hash,
	)
	if err != nil {
		return fmt.Errorf("store: insert audit entry: %w", err)
	}
	return nil
}

// GetEntry loads one entry by id.
func (s *Store) GetEntry(ctx context.Context, id string) (*audittrail.Entry, error) {
	query := s.q(`SELECT ` + entryColumns + ` FROM audit_entries WHERE id = ?`)
	e, err := scanEntry(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: %w: %s", audittrail.ErrEntryNotFound, id)
	}
	return e, err
}

// ListEntries returns entries matching the filter ordered by occurrence, plus
// the total match count for pagination.
func (s *Store) ListEntries(ctx context.Context, f audittrail.Filter) ([]*audittrail.Entry, int, error) {
	var (
		conds []string
		args  []any
	)
	if f.ProcessID != "" {
		conds = append(conds, "process_id = ?")
		args = append(args, f.ProcessID)
	}
	if f.Actor != "" {
		conds = append(conds, "actor = ?")
		args = append(args, f.Actor)
	}
	if f.ActionType != "" {
		conds = append(conds, "action_type = ?")
		args = append(args, string(f.ActionType))
	}
	if !f.From.IsZero() {
		conds = append(conds, "occurred_at >= ?")
		args = append(args, formatTime(f.From))
	}
	if !f.To.IsZero() {
		conds = append(conds, "occurred_at <= ?")
		args = append(args, formatTime(f.To))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	countQuery := s.q(`SELECT COUNT(1) FROM audit_entries` + where)
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := s.q(`SELECT ` + entryColumns + ` FROM audit_entries` + where +
		` ORDER BY occurred_at, id LIMIT ? OFFSET ?`)
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*audittrail.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

// UpdateEntry always fails: audit entries are immutable. The method exists so
// misuse surfaces as a typed error instead of a silent no-op; storage-level
// triggers enforce the same invariant against raw SQL.
func (s *Store) UpdateEntry(ctx context.Context, e *audittrail.Entry) error {
	return fmt.Errorf("store: update of audit entry %s refused: %w", e.ID, audittrail.ErrImmutableEntry)
}

// DeleteEntry always fails: audit entries are immutable.
func (s *Store) DeleteEntry(ctx context.Context, id string) error {
	return fmt.Errorf("store: delete of audit entry %s refused: %w", id, audittrail.ErrImmutableEntry)
}

func scanEntry(row rowScanner) (*audittrail.Entry, error) {
	var (
		e          audittrail.Entry
		actionType string
		data       sql.NullString
		occurredAt string
	)
	err := row.Scan(
		&e.ID, &e.ProcessID, &actionType, &e.PriorState, &e.NewState, &e.Description,
		&data, &occurredAt, &e.Actor, &e.IP, &e.UserAgent, &e.Hash,
	)
	if err != nil {
		return nil, err
	}
	e.ActionType = audittrail.ActionType(actionType)
	e.OccurredAt = parseTime(occurredAt)
	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
			return nil, fmt.Errorf("store: decode entry data: %w", err)
		}
	}
	return &e, nil
}
