package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/archivum-labs/retentio/pkg/audittrail"
	"github.com/archivum-labs/retentio/pkg/retention"
)

const processColumns = `id, code, subject_kind, subject_id, schedule_id, series_id, subseries_id,
	subject_created_at, management_years, central_years, management_expiry, central_expiry,
	pre_alert_date, state, deferred, deferral_start, deferral_end, deferral_reason, deferral_by,
	disposition, alerts_active, blocked_for_elimination, block_reason, hash, version,
	created_at, updated_at, deleted_at`

// InsertProcess persists a new process and its creation audit entry in one
// transaction.
func (s *Store) InsertProcess(ctx context.Context, p *retention.Process, entry *audittrail.Entry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.insertProcessTx(ctx, tx, p); err != nil {
			return err
		}
		return s.insertEntryTx(ctx, tx, entry)
	})
}

func (s *Store) insertProcessTx(ctx context.Context, tx *sql.Tx, p *retention.Process) error {
	query := s.q(`INSERT INTO retention_processes (` + processColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	disp := sql.NullString{}
	if p.Disposition != nil {
		disp = sql.NullString{String: string(*p.Disposition), Valid: true}
	}
	if p.Version == 0 {
		p.Version = 1
	}
	_, err := tx.ExecContext(ctx, query,
		p.ID, p.Code, string(p.Subject.Kind), p.Subject.ID, p.ScheduleID, p.SeriesID, p.SubseriesID,
		formatTime(p.SubjectCreatedAt), p.ManagementYears, p.CentralYears,
		formatTimePtr(p.ManagementExpiry), formatTimePtr(p.CentralExpiry), formatTimePtr(p.PreAlertDate),
		string(p.State), boolToInt(p.Deferred),
		formatTimePtr(p.DeferralStart), formatTimePtr(p.DeferralEnd), p.DeferralReason, p.DeferralBy,
		disp, boolToInt(p.AlertsActive), boolToInt(p.BlockedForElimination), p.BlockReason,
		p.Hash, p.Version, formatTime(p.CreatedAt), formatTime(p.UpdatedAt), formatTimePtr(p.DeletedAt),
	)
	if err != nil {
		return fmt.Errorf("store: insert process %s: %w", p.Code, err)
	}
	return nil
}

// UpdateProcess applies a mutated process guarded by the optimistic version
// check, persisting the documenting audit entry in the same transaction.
// Returns retention.ErrConflict when another writer got there first.
func (s *Store) UpdateProcess(ctx context.Context, p *retention.Process, expectedVersion int64, entry *audittrail.Entry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		query := s.q(`UPDATE retention_processes SET
			management_expiry = ?, central_expiry = ?, pre_alert_date = ?,
			state = ?, deferred = ?, deferral_start = ?, deferral_end = ?,
			deferral_reason = ?, deferral_by = ?, disposition = ?,
			alerts_active = ?, blocked_for_elimination = ?, block_reason = ?,
			hash = ?, version = ?, updated_at = ?, deleted_at = ?
			WHERE id = ? AND version = ?`)
		disp := sql.NullString{}
		if p.Disposition != nil {
			disp = sql.NullString{String: string(*p.Disposition), Valid: true}
		}
		res, err := tx.ExecContext(ctx, query,
			formatTimePtr(p.ManagementExpiry), formatTimePtr(p.CentralExpiry), formatTimePtr(p.PreAlertDate),
			string(p.State), boolToInt(p.Deferred),
			formatTimePtr(p.DeferralStart), formatTimePtr(p.DeferralEnd), p.DeferralReason, p.DeferralBy,
			disp, boolToInt(p.AlertsActive), boolToInt(p.BlockedForElimination), p.BlockReason,
			p.Hash, p.Version, formatTime(p.UpdatedAt), formatTimePtr(p.DeletedAt),
			p.ID, expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("store: update process %s: %w", p.Code, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			var exists int
			row := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(1) FROM retention_processes WHERE id = ?`), p.ID)
			if err := row.Scan(&exists); err != nil {
				return err
			}
			if exists == 0 {
				return fmt.Errorf("store: %w: %s", retention.ErrNotFound, p.ID)
			}
			return fmt.Errorf("store: %w: process %s version %d", retention.ErrConflict, p.Code, expectedVersion)
		}
		return s.insertEntryTx(ctx, tx, entry)
	})
}

// GetProcess loads one process by id.
func (s *Store) GetProcess(ctx context.Context, id string) (*retention.Process, error) {
	return s.getProcessBy(ctx, "id", id)
}

// GetProcessByCode loads one process by RET code.
func (s *Store) GetProcessByCode(ctx context.Context, code string) (*retention.Process, error) {
	return s.getProcessBy(ctx, "code", code)
}

func (s *Store) getProcessBy(ctx context.Context, column, value string) (*retention.Process, error) {
	query := s.q(`SELECT ` + processColumns + ` FROM retention_processes WHERE ` + column + ` = ?`)
	row := s.db.QueryRowContext(ctx, query, value)
	p, err := scanProcess(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: %w: %s", retention.ErrNotFound, value)
	}
	return p, err
}

// ListByStates returns non-deleted processes in any of the given states,
// ordered by code for stable pagination.
func (s *Store) ListByStates(ctx context.Context, states []retention.ProcessState, limit, offset int) ([]*retention.Process, error) {
	if len(states) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(states)), ", ")
	query := s.q(`SELECT ` + processColumns + ` FROM retention_processes
		WHERE deleted_at IS NULL AND state IN (` + placeholders + `)
		ORDER BY code LIMIT ? OFFSET ?`)
	args := make([]any, 0, len(states)+2)
	for _, st := range states {
		args = append(args, string(st))
	}
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*retention.Process
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// NextSequence atomically allocates the next per-year process code sequence.
func (s *Store) NextSequence(ctx context.Context, year int) (int64, error) {
	query := s.q(`INSERT INTO process_code_seq (year, seq) VALUES (?, 1)
		ON CONFLICT (year) DO UPDATE SET seq = process_code_seq.seq + 1
		RETURNING seq`)
	var seq int64
	if err := s.db.QueryRowContext(ctx, query, year).Scan(&seq); err != nil {
		return 0, fmt.Errorf("store: next sequence for %d: %w", year, err)
	}
	return seq, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProcess(row rowScanner) (*retention.Process, error) {
	var (
		p                retention.Process
		subjectKind      string
		subjectID        string
		subjectCreated   string
		mgmtExpiry       sql.NullString
		centralExpiry    sql.NullString
		preAlert         sql.NullString
		state            string
		deferred         int
		deferralStart    sql.NullString
		deferralEnd      sql.NullString
		disposition      sql.NullString
		alertsActive     int
		blocked          int
		createdAt        string
		updatedAt        string
		deletedAt        sql.NullString
	)
	err := row.Scan(
		&p.ID, &p.Code, &subjectKind, &subjectID, &p.ScheduleID, &p.SeriesID, &p.SubseriesID,
		&subjectCreated, &p.ManagementYears, &p.CentralYears, &mgmtExpiry, &centralExpiry,
		&preAlert, &state, &deferred, &deferralStart, &deferralEnd, &p.DeferralReason, &p.DeferralBy,
		&disposition, &alertsActive, &blocked, &p.BlockReason, &p.Hash, &p.Version,
		&createdAt, &updatedAt, &deletedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Subject = retention.Subject{Kind: retention.SubjectKind(subjectKind), ID: subjectID}
	p.SubjectCreatedAt = parseTime(subjectCreated)
	p.ManagementExpiry = parseTimePtr(mgmtExpiry)
	p.CentralExpiry = parseTimePtr(centralExpiry)
	p.PreAlertDate = parseTimePtr(preAlert)
	p.State = retention.ProcessState(state)
	p.Deferred = deferred != 0
	p.DeferralStart = parseTimePtr(deferralStart)
	p.DeferralEnd = parseTimePtr(deferralEnd)
	if disposition.Valid && disposition.String != "" {
		d := retention.DispositionAction(disposition.String)
		p.Disposition = &d
	}
	p.AlertsActive = alertsActive != 0
	p.BlockedForElimination = blocked != 0
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	p.DeletedAt = parseTimePtr(deletedAt)
	return &p, nil
}
