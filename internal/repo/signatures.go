package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/buyrs/BM-sub005/internal/domain"
)

// HashToken returns the storage form of an invitation token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

const templateColumns = `id,name,kind,content,admin_signature,admin_signed_at,is_active,created_by,created_at`

func scanTemplate(row rowScanner) (domain.ContractTemplate, error) {
	var t domain.ContractTemplate
	var sig, signedAt sql.NullString
	var active int
	var created string
	err := row.Scan(&t.ID, &t.Name, &t.Kind, &t.Content, &sig, &signedAt, &active, &t.CreatedBy, &created)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.AdminSignature = stringPtr(sig)
	t.IsActive = active == 1
	var tsc timeScan
	t.AdminSignedAt = tsc.ptr(signedAt)
	t.CreatedAt = tsc.at(created)
	return t, tsc.err
}

func (r Repo) InsertContractTemplate(ctx context.Context, tx *sql.Tx, t domain.ContractTemplate) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO contract_templates(id,name,kind,content,admin_signature,admin_signed_at,is_active,created_by,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, t.Kind, t.Content, nullableStringPtr(t.AdminSignature), nullableTime(t.AdminSignedAt), boolInt(t.IsActive), t.CreatedBy, ts(t.CreatedAt))
	return err
}

func (r Repo) GetContractTemplate(ctx context.Context, tx *sql.Tx, id string) (domain.ContractTemplate, error) {
	return scanTemplate(r.q(tx).QueryRowContext(ctx, `SELECT `+templateColumns+` FROM contract_templates WHERE id=?`, id))
}

func (r Repo) UpdateContractTemplate(ctx context.Context, tx *sql.Tx, t domain.ContractTemplate) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE contract_templates SET name=?, content=?, admin_signature=?, admin_signed_at=?, is_active=? WHERE id=?`,
		t.Name, t.Content, nullableStringPtr(t.AdminSignature), nullableTime(t.AdminSignedAt), boolInt(t.IsActive), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertSignatureParty(ctx context.Context, tx *sql.Tx, p domain.SignatureParty) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO signature_parties(id,name,email,phone,role,created_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.Name, nullable(p.Email), nullable(p.Phone), p.Role, ts(p.CreatedAt))
	return err
}

func (r Repo) GetSignatureParty(ctx context.Context, tx *sql.Tx, id string) (domain.SignatureParty, error) {
	var p domain.SignatureParty
	var created string
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,name,COALESCE(email,''),COALESCE(phone,''),role,created_at FROM signature_parties WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.Email, &p.Phone, &p.Role, &created)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	var tsc timeScan
	p.CreatedAt = tsc.at(created)
	return p, tsc.err
}

const stepColumns = `id,contract_template_id,party_id,name,step_order,is_required,timeout_hours,validation_rules_json,created_at`

func scanStep(row rowScanner) (domain.SignatureWorkflowStep, error) {
	var s domain.SignatureWorkflowStep
	var required int
	var timeout sql.NullInt64
	var rules, created string
	err := row.Scan(&s.ID, &s.ContractTemplateID, &s.PartyID, &s.Name, &s.Order, &required, &timeout, &rules, &created)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.IsRequired = required == 1
	if timeout.Valid {
		h := int(timeout.Int64)
		s.TimeoutHours = &h
	}
	if err := json.Unmarshal([]byte(rules), &s.ValidationRules); err != nil {
		return s, fmt.Errorf("step %s validation rules: %w", s.ID, err)
	}
	var tsc timeScan
	s.CreatedAt = tsc.at(created)
	return s, tsc.err
}

func (r Repo) InsertWorkflowStep(ctx context.Context, tx *sql.Tx, s domain.SignatureWorkflowStep) error {
	rules := s.ValidationRules
	if rules == nil {
		rules = []string{}
	}
	data, err := json.Marshal(rules)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO signature_workflow_steps(id,contract_template_id,party_id,name,step_order,is_required,timeout_hours,validation_rules_json,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		s.ID, s.ContractTemplateID, s.PartyID, s.Name, s.Order, boolInt(s.IsRequired), nullableIntPtr(s.TimeoutHours), string(data), ts(s.CreatedAt))
	return err
}

func (r Repo) GetWorkflowStep(ctx context.Context, tx *sql.Tx, id string) (domain.SignatureWorkflowStep, error) {
	return scanStep(r.q(tx).QueryRowContext(ctx, `SELECT `+stepColumns+` FROM signature_workflow_steps WHERE id=?`, id))
}

// ListWorkflowSteps returns a template's steps in signing order.
func (r Repo) ListWorkflowSteps(ctx context.Context, tx *sql.Tx, templateID string) ([]domain.SignatureWorkflowStep, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+stepColumns+` FROM signature_workflow_steps WHERE contract_template_id=? ORDER BY step_order`, templateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SignatureWorkflowStep
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

const invitationColumns = `id,step_id,contract_template_id,party_id,status,expires_at,sent_at,delivered_at,opened_at,completed_at,metadata_json,signature_json,created_at,updated_at`

func scanInvitation(row rowScanner) (domain.SignatureInvitation, error) {
	var inv domain.SignatureInvitation
	var expires, sent, delivered, opened, completed, sig sql.NullString
	var meta, created, updated string
	err := row.Scan(&inv.ID, &inv.StepID, &inv.ContractTemplateID, &inv.PartyID, &inv.Status,
		&expires, &sent, &delivered, &opened, &completed, &meta, &sig, &created, &updated)
	if err == sql.ErrNoRows {
		return inv, ErrNotFound
	}
	if err != nil {
		return inv, err
	}
	var tsc timeScan
	inv.ExpiresAt = tsc.ptr(expires)
	inv.SentAt = tsc.ptr(sent)
	inv.DeliveredAt = tsc.ptr(delivered)
	inv.OpenedAt = tsc.ptr(opened)
	inv.CompletedAt = tsc.ptr(completed)
	inv.CreatedAt = tsc.at(created)
	inv.UpdatedAt = tsc.at(updated)
	if tsc.err != nil {
		return inv, tsc.err
	}
	if err := json.Unmarshal([]byte(meta), &inv.Metadata); err != nil {
		return inv, fmt.Errorf("invitation %s metadata: %w", inv.ID, err)
	}
	if sig.Valid && sig.String != "" {
		var data domain.SignatureData
		if err := json.Unmarshal([]byte(sig.String), &data); err != nil {
			return inv, fmt.Errorf("invitation %s signature: %w", inv.ID, err)
		}
		inv.SignatureData = &data
	}
	return inv, nil
}

func marshalMetadata(m map[string]string) (string, error) {
	if m == nil {
		m = map[string]string{}
	}
	data, err := json.Marshal(m)
	return string(data), err
}

func (r Repo) InsertInvitation(ctx context.Context, tx *sql.Tx, inv domain.SignatureInvitation, tokenHash string) error {
	meta, err := marshalMetadata(inv.Metadata)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO signature_invitations(id,step_id,contract_template_id,party_id,token_hash,status,expires_at,metadata_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		inv.ID, inv.StepID, inv.ContractTemplateID, inv.PartyID, tokenHash, inv.Status, nullableTime(inv.ExpiresAt), meta, ts(inv.CreatedAt), ts(inv.UpdatedAt))
	return err
}

func (r Repo) GetInvitation(ctx context.Context, tx *sql.Tx, id string) (domain.SignatureInvitation, error) {
	return scanInvitation(r.q(tx).QueryRowContext(ctx, `SELECT `+invitationColumns+` FROM signature_invitations WHERE id=?`, id))
}

func (r Repo) GetInvitationByToken(ctx context.Context, tx *sql.Tx, token string) (domain.SignatureInvitation, error) {
	return scanInvitation(r.q(tx).QueryRowContext(ctx, `SELECT `+invitationColumns+` FROM signature_invitations WHERE token_hash=?`, HashToken(token)))
}

func (r Repo) ListInvitationsByTemplate(ctx context.Context, tx *sql.Tx, templateID string) ([]domain.SignatureInvitation, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+invitationColumns+` FROM signature_invitations WHERE contract_template_id=? ORDER BY created_at, id`, templateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SignatureInvitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, inv)
	}
	return res, rows.Err()
}

// UpdateInvitationProgress persists a non-completing status change with its
// timestamps and metadata. The guard keeps terminal rows immutable.
func (r Repo) UpdateInvitationProgress(ctx context.Context, tx *sql.Tx, inv domain.SignatureInvitation) error {
	meta, err := marshalMetadata(inv.Metadata)
	if err != nil {
		return err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE signature_invitations SET status=?, sent_at=?, delivered_at=?, opened_at=?, metadata_json=?, updated_at=?
WHERE id=? AND status NOT IN ('completed','expired','cancelled','failed')`,
		inv.Status, nullableTime(inv.SentAt), nullableTime(inv.DeliveredAt), nullableTime(inv.OpenedAt), meta, ts(inv.UpdatedAt), inv.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteInvitation is the compare-and-set that finalizes a signature. It
// reports false when the row was already terminal or past expiry.
func (r Repo) CompleteInvitation(ctx context.Context, tx *sql.Tx, id string, data domain.SignatureData, at time.Time) (bool, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return false, err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE signature_invitations SET status='completed', completed_at=?, signature_json=?, updated_at=?
WHERE id=? AND status NOT IN ('completed','expired','cancelled','failed') AND (expires_at IS NULL OR expires_at > ?)`,
		ts(at), string(payload), ts(at), id, ts(at))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ExpireInvitations marks open invitations past their expiry.
func (r Repo) ExpireInvitations(ctx context.Context, tx *sql.Tx, now time.Time) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE signature_invitations SET status='expired', updated_at=?
WHERE status IN ('pending','sent','delivered','opened') AND expires_at IS NOT NULL AND expires_at <= ?`, ts(now), ts(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SetInvitationStatus moves an open invitation to a terminal status along
// with its merged metadata.
func (r Repo) SetInvitationStatus(ctx context.Context, tx *sql.Tx, inv domain.SignatureInvitation) error {
	meta, err := marshalMetadata(inv.Metadata)
	if err != nil {
		return err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE signature_invitations SET status=?, metadata_json=?, updated_at=? WHERE id=? AND status NOT IN ('completed','expired','cancelled','failed')`,
		inv.Status, meta, ts(inv.UpdatedAt), inv.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const bailSignatureColumns = `id,bail_mobilite_id,signature_type,tenant_signature,tenant_signed_at,contract_template_id,COALESCE(pdf_path,''),COALESCE(ip_address,''),COALESCE(user_agent,''),created_at`

// UpsertBailSignature records the tenant signature for one side of a tenancy.
func (r Repo) UpsertBailSignature(ctx context.Context, tx *sql.Tx, s domain.BailMobiliteSignature) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO bail_mobilite_signatures(id,bail_mobilite_id,signature_type,tenant_signature,tenant_signed_at,contract_template_id,pdf_path,ip_address,user_agent,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(bail_mobilite_id,signature_type) DO UPDATE SET tenant_signature=excluded.tenant_signature, tenant_signed_at=excluded.tenant_signed_at,
  contract_template_id=excluded.contract_template_id, ip_address=excluded.ip_address, user_agent=excluded.user_agent`,
		s.ID, s.BailMobiliteID, s.SignatureType, s.TenantSignature, nullableTime(s.TenantSignedAt), s.ContractTemplateID,
		nullable(s.PDFPath), nullable(s.IPAddress), nullable(s.UserAgent), ts(s.CreatedAt))
	return err
}

func (r Repo) GetBailSignature(ctx context.Context, tx *sql.Tx, bailID string, kind domain.MissionKind) (domain.BailMobiliteSignature, error) {
	var s domain.BailMobiliteSignature
	var signedAt sql.NullString
	var created string
	err := r.q(tx).QueryRowContext(ctx, `SELECT `+bailSignatureColumns+` FROM bail_mobilite_signatures WHERE bail_mobilite_id=? AND signature_type=?`, bailID, kind).
		Scan(&s.ID, &s.BailMobiliteID, &s.SignatureType, &s.TenantSignature, &signedAt, &s.ContractTemplateID, &s.PDFPath, &s.IPAddress, &s.UserAgent, &created)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	var tsc timeScan
	s.TenantSignedAt = tsc.ptr(signedAt)
	s.CreatedAt = tsc.at(created)
	return s, tsc.err
}
