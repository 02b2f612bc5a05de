package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/buyrs/BM-sub005/internal/domain"
)

const missionColumns = `id,bail_mobilite_id,kind,scheduled_at,status,agent_id,COALESCE(notes,''),completed_at,created_at,updated_at`

func scanMission(row rowScanner) (domain.Mission, error) {
	var m domain.Mission
	var scheduled, created, updated string
	var agent, completed sql.NullString
	err := row.Scan(&m.ID, &m.BailMobiliteID, &m.Kind, &scheduled, &m.Status, &agent, &m.Notes, &completed, &created, &updated)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	var tsc timeScan
	m.ScheduledAt = tsc.at(scheduled)
	m.CompletedAt = tsc.ptr(completed)
	m.CreatedAt = tsc.at(created)
	m.UpdatedAt = tsc.at(updated)
	m.AgentID = stringPtr(agent)
	return m, tsc.err
}

func (r Repo) InsertMission(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO missions(id,bail_mobilite_id,kind,scheduled_at,status,agent_id,notes,completed_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.BailMobiliteID, m.Kind, ts(m.ScheduledAt), m.Status, nullableStringPtr(m.AgentID), nullable(m.Notes),
		nullableTime(m.CompletedAt), ts(m.CreatedAt), ts(m.UpdatedAt))
	return err
}

func (r Repo) GetMission(ctx context.Context, tx *sql.Tx, id string) (domain.Mission, error) {
	return scanMission(r.q(tx).QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=?`, id))
}

func (r Repo) UpdateMission(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE missions SET scheduled_at=?, status=?, agent_id=?, notes=?, completed_at=?, updated_at=? WHERE id=?`,
		ts(m.ScheduledAt), m.Status, nullableStringPtr(m.AgentID), nullable(m.Notes), nullableTime(m.CompletedAt), ts(m.UpdatedAt), m.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListOverdueMissions returns unfinished missions scheduled before cutoff on
// tenancies still running, skipping missions already reported as overdue.
func (r Repo) ListOverdueMissions(ctx context.Context, tx *sql.Tx, cutoff time.Time) ([]domain.Mission, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT m.id,m.bail_mobilite_id,m.kind,m.scheduled_at,m.status,m.agent_id,COALESCE(m.notes,''),m.completed_at,m.created_at,m.updated_at
FROM missions m JOIN bail_mobilites b ON b.id=m.bail_mobilite_id
WHERE m.status IN ('unassigned','assigned','in_progress')
  AND m.scheduled_at < ?
  AND b.status IN ('assigned','in_progress')
  AND NOT EXISTS (SELECT 1 FROM incident_reports ir WHERE ir.mission_id=m.id AND ir.type='overdue_mission')
ORDER BY m.scheduled_at`, ts(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

const checklistColumns = `id,mission_id,keys_returned,ops_validated,validated_by,validated_at,COALESCE(validation_notes,''),areas_json,created_at,updated_at`

func scanChecklist(row rowScanner) (domain.Checklist, error) {
	var c domain.Checklist
	var keys, validated int
	var by, at sql.NullString
	var areas, created, updated string
	err := row.Scan(&c.ID, &c.MissionID, &keys, &validated, &by, &at, &c.ValidationNotes, &areas, &created, &updated)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.KeysReturned = keys == 1
	c.OpsValidated = validated == 1
	c.ValidatedBy = stringPtr(by)
	var tsc timeScan
	c.ValidatedAt = tsc.ptr(at)
	c.CreatedAt = tsc.at(created)
	c.UpdatedAt = tsc.at(updated)
	if tsc.err != nil {
		return c, tsc.err
	}
	c.Areas, err = domain.DecodeChecklistAreas([]byte(areas))
	return c, err
}

// UpsertChecklist stores the checker's submission. Ops validation fields are
// left untouched on update.
func (r Repo) UpsertChecklist(ctx context.Context, tx *sql.Tx, c domain.Checklist) error {
	areas, err := json.Marshal(c.Areas)
	if err != nil {
		return fmt.Errorf("marshal checklist areas: %w", err)
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO checklists(id,mission_id,keys_returned,ops_validated,areas_json,created_at,updated_at)
VALUES (?,?,?,0,?,?,?)
ON CONFLICT(mission_id) DO UPDATE SET keys_returned=excluded.keys_returned, areas_json=excluded.areas_json, updated_at=excluded.updated_at`,
		c.ID, c.MissionID, boolInt(c.KeysReturned), string(areas), ts(c.CreatedAt), ts(c.UpdatedAt))
	return err
}

func (r Repo) GetChecklistByMission(ctx context.Context, tx *sql.Tx, missionID string) (domain.Checklist, error) {
	return scanChecklist(r.q(tx).QueryRowContext(ctx, `SELECT `+checklistColumns+` FROM checklists WHERE mission_id=?`, missionID))
}

func (r Repo) GetChecklist(ctx context.Context, tx *sql.Tx, id string) (domain.Checklist, error) {
	return scanChecklist(r.q(tx).QueryRowContext(ctx, `SELECT `+checklistColumns+` FROM checklists WHERE id=?`, id))
}

func (r Repo) MarkChecklistValidated(ctx context.Context, tx *sql.Tx, missionID, by, notes string, at time.Time) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE checklists SET ops_validated=1, validated_by=?, validated_at=?, validation_notes=?, updated_at=? WHERE mission_id=?`,
		by, ts(at), nullable(notes), ts(at), missionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
