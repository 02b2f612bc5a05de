package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/buyrs/BM-sub005/internal/domain"
)

const incidentColumns = `id,bail_mobilite_id,mission_id,type,severity,title,description,status,detected_at,resolved_at,resolved_by,COALESCE(resolution_notes,''),created_by`

func scanIncident(row rowScanner) (domain.IncidentReport, error) {
	var ir domain.IncidentReport
	var mission, resolvedAt, resolvedBy sql.NullString
	var detected string
	err := row.Scan(&ir.ID, &ir.BailMobiliteID, &mission, &ir.Type, &ir.Severity, &ir.Title, &ir.Description, &ir.Status,
		&detected, &resolvedAt, &resolvedBy, &ir.ResolutionNotes, &ir.CreatedBy)
	if err == sql.ErrNoRows {
		return ir, ErrNotFound
	}
	if err != nil {
		return ir, err
	}
	ir.MissionID = stringPtr(mission)
	ir.ResolvedBy = stringPtr(resolvedBy)
	var tsc timeScan
	ir.DetectedAt = tsc.at(detected)
	ir.ResolvedAt = tsc.ptr(resolvedAt)
	return ir, tsc.err
}

func (r Repo) InsertIncidentReport(ctx context.Context, tx *sql.Tx, ir domain.IncidentReport) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO incident_reports(id,bail_mobilite_id,mission_id,type,severity,title,description,status,detected_at,resolved_at,resolved_by,resolution_notes,created_by)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		ir.ID, ir.BailMobiliteID, nullableStringPtr(ir.MissionID), ir.Type, ir.Severity, ir.Title, ir.Description, ir.Status,
		ts(ir.DetectedAt), nullableTime(ir.ResolvedAt), nullableStringPtr(ir.ResolvedBy), nullable(ir.ResolutionNotes), ir.CreatedBy)
	return err
}

func (r Repo) GetIncidentReport(ctx context.Context, tx *sql.Tx, id string) (domain.IncidentReport, error) {
	return scanIncident(r.q(tx).QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incident_reports WHERE id=?`, id))
}

// ListIncidentReports returns a tenancy's reports oldest first, optionally
// restricted to the given statuses.
func (r Repo) ListIncidentReports(ctx context.Context, tx *sql.Tx, bailID string, statuses ...domain.IncidentStatus) ([]domain.IncidentReport, error) {
	query := `SELECT ` + incidentColumns + ` FROM incident_reports WHERE bail_mobilite_id=?`
	args := []any{bailID}
	if len(statuses) > 0 {
		query += " AND status IN (" + placeholders(len(statuses)) + ")"
		for _, s := range statuses {
			args = append(args, s)
		}
	}
	query += " ORDER BY detected_at, id"
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.IncidentReport
	for rows.Next() {
		ir, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ir)
	}
	return res, rows.Err()
}

// ResolveIncidentReport marks one report resolved. The update only applies
// while the report still has the status it was read with.
func (r Repo) ResolveIncidentReport(ctx context.Context, tx *sql.Tx, ir domain.IncidentReport, by, notes string, at time.Time) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE incident_reports SET status=?, resolved_at=?, resolved_by=?, resolution_notes=?
WHERE id=? AND status=?`, domain.IncidentResolved, ts(at), by, nullable(notes), ir.ID, ir.Status)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const actionColumns = `id,incident_report_id,title,COALESCE(description,''),assigned_to,priority,status,due_date,completed_at,COALESCE(completion_notes,''),created_by,created_at,updated_at`

func scanAction(row rowScanner) (domain.CorrectiveAction, error) {
	var a domain.CorrectiveAction
	var due, created, updated string
	var completed sql.NullString
	err := row.Scan(&a.ID, &a.IncidentReportID, &a.Title, &a.Description, &a.AssignedTo, &a.Priority, &a.Status,
		&due, &completed, &a.CompletionNotes, &a.CreatedBy, &created, &updated)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	var tsc timeScan
	a.DueDate = tsc.at(due)
	a.CompletedAt = tsc.ptr(completed)
	a.CreatedAt = tsc.at(created)
	a.UpdatedAt = tsc.at(updated)
	return a, tsc.err
}

func (r Repo) InsertCorrectiveAction(ctx context.Context, tx *sql.Tx, a domain.CorrectiveAction) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO corrective_actions(id,incident_report_id,title,description,assigned_to,priority,status,due_date,completed_at,completion_notes,created_by,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.IncidentReportID, a.Title, nullable(a.Description), a.AssignedTo, a.Priority, a.Status, ts(a.DueDate),
		nullableTime(a.CompletedAt), nullable(a.CompletionNotes), a.CreatedBy, ts(a.CreatedAt), ts(a.UpdatedAt))
	return err
}

func (r Repo) GetCorrectiveAction(ctx context.Context, tx *sql.Tx, id string) (domain.CorrectiveAction, error) {
	return scanAction(r.q(tx).QueryRowContext(ctx, `SELECT `+actionColumns+` FROM corrective_actions WHERE id=?`, id))
}

func (r Repo) UpdateCorrectiveAction(ctx context.Context, tx *sql.Tx, a domain.CorrectiveAction) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE corrective_actions SET status=?, completed_at=?, completion_notes=?, updated_at=? WHERE id=?`,
		a.Status, nullableTime(a.CompletedAt), nullable(a.CompletionNotes), ts(a.UpdatedAt), a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type ActionFilters struct {
	IncidentReportID string
	BailMobiliteID   string
	Statuses         []domain.ActionStatus
	DueBefore        *time.Time
}

func (r Repo) ListCorrectiveActions(ctx context.Context, f ActionFilters) ([]domain.CorrectiveAction, error) {
	var (
		clauses []string
		args    []any
	)
	if f.IncidentReportID != "" {
		clauses = append(clauses, "incident_report_id=?")
		args = append(args, f.IncidentReportID)
	}
	if f.BailMobiliteID != "" {
		clauses = append(clauses, "incident_report_id IN (SELECT id FROM incident_reports WHERE bail_mobilite_id=?)")
		args = append(args, f.BailMobiliteID)
	}
	if len(f.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	if f.DueBefore != nil {
		clauses = append(clauses, "due_date < ?")
		args = append(args, ts(*f.DueBefore))
	}
	query := `SELECT ` + actionColumns + ` FROM corrective_actions`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY due_date, id"
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CorrectiveAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
