package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/buyrs/BM-sub005/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q picks the transaction when one is in flight and the pool otherwise.
func (r Repo) q(tx *sql.Tx) DBTX {
	if tx != nil {
		return tx
	}
	return r.DB
}

const bailColumns = `id,start_date,end_date,tenant_name,COALESCE(tenant_email,''),COALESCE(tenant_phone,''),COALESCE(address,''),COALESCE(notes,''),status,ops_user_id,entry_mission_id,exit_mission_id,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBail(row rowScanner) (domain.BailMobilite, error) {
	var b domain.BailMobilite
	var created, updated string
	err := row.Scan(&b.ID, &b.StartDate, &b.EndDate, &b.TenantName, &b.TenantEmail, &b.TenantPhone, &b.Address, &b.Notes,
		&b.Status, &b.OpsUserID, &b.EntryMissionID, &b.ExitMissionID, &created, &updated)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	var ts timeScan
	b.CreatedAt = ts.at(created)
	b.UpdatedAt = ts.at(updated)
	return b, ts.err
}

func (r Repo) InsertBailMobilite(ctx context.Context, tx *sql.Tx, b domain.BailMobilite) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO bail_mobilites(id,start_date,end_date,tenant_name,tenant_email,tenant_phone,address,notes,status,ops_user_id,entry_mission_id,exit_mission_id,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.StartDate, b.EndDate, b.TenantName, nullable(b.TenantEmail), nullable(b.TenantPhone), nullable(b.Address), nullable(b.Notes),
		b.Status, b.OpsUserID, b.EntryMissionID, b.ExitMissionID, ts(b.CreatedAt), ts(b.UpdatedAt))
	return err
}

func (r Repo) GetBailMobilite(ctx context.Context, tx *sql.Tx, id string) (domain.BailMobilite, error) {
	return scanBail(r.q(tx).QueryRowContext(ctx, `SELECT `+bailColumns+` FROM bail_mobilites WHERE id=?`, id))
}

// UpdateBailStatus writes a status already checked against the lifecycle table.
func (r Repo) UpdateBailStatus(ctx context.Context, tx *sql.Tx, id string, status domain.BailStatus, at time.Time) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE bail_mobilites SET status=?, updated_at=? WHERE id=?`, status, ts(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type BailFilters struct {
	Status    string
	OpsUserID string
	Limit     int
}

func (r Repo) ListBailMobilites(ctx context.Context, f BailFilters) ([]domain.BailMobilite, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.OpsUserID != "" {
		clauses = append(clauses, "ops_user_id=?")
		args = append(args, f.OpsUserID)
	}
	query := `SELECT ` + bailColumns + ` FROM bail_mobilites`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY start_date DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BailMobilite
	for rows.Next() {
		b, err := scanBail(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

type EventFilters struct {
	Type       string
	EntityKind string
	EntityID   string
	AfterID    int64
	Limit      int
}

// LatestEvents returns journal entries newest first, or oldest first after a cursor.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	order := "DESC"
	if f.AfterID > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, f.AfterID)
		order = "ASC"
	}
	query := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id " + order
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var at, payload string
		if err := rows.Scan(&e.ID, &at, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		var tsc timeScan
		e.TS = tsc.at(at)
		if tsc.err != nil {
			return nil, tsc.err
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("event %d payload: %w", e.ID, err)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func ts(t time.Time) string {
	return t.UTC().Format(domain.TimestampLayout)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	s := ns.String
	return &s
}

// timeScan parses stored timestamps and keeps the first error.
type timeScan struct {
	err error
}

func (s *timeScan) at(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil && s.err == nil {
		s.err = fmt.Errorf("parse timestamp %q: %w", v, err)
	}
	return t.UTC()
}

func (s *timeScan) ptr(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := s.at(v.String)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
