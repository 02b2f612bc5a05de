package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/buyrs/BM-sub005/internal/config"
	"github.com/buyrs/BM-sub005/internal/db"
	"github.com/buyrs/BM-sub005/internal/domain"
	"github.com/buyrs/BM-sub005/internal/engine"
	"github.com/buyrs/BM-sub005/internal/engine/auth"
	"github.com/buyrs/BM-sub005/internal/events"
	"github.com/buyrs/BM-sub005/internal/migrate"
	bmsdk "github.com/buyrs/BM-sub005/sdk/go"
)

const testSecret = "test-secret"

var testNow = time.Date(2025, 1, 20, 9, 0, 0, 0, time.UTC)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	e.Now = func() time.Time { return testNow }
	e.Bus = events.NewBus(nil)
	handler, err := New(Config{Engine: e, Auth: AuthConfig{JWTSecret: testSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return &testServer{URL: srv.URL, Engine: e, client: srv.Client()}
}

func token(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	tok, err := SignToken(testSecret, subject, roles, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func (s *testServer) doJSON(t *testing.T, method, path, tok string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	res, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func (s *testServer) expect(t *testing.T, status int, method, path, tok string, body, out any) {
	t.Helper()
	res, data := s.doJSON(t, method, path, tok, body)
	if res.StatusCode != status {
		t.Fatalf("%s %s: expected %d, got %d: %s", method, path, status, res.StatusCode, string(data))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func TestHealthIsPublicAndAPIRequiresToken(t *testing.T) {
	srv := newTestServer(t)
	srv.expect(t, http.StatusOK, http.MethodGet, "/v1/health", "", nil, nil)

	var env errorEnvelope
	srv.expect(t, http.StatusUnauthorized, http.MethodGet, "/v1/bails", "", nil, &env)
	if env.Error.Code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %+v", env.Error)
	}
	forged, err := SignToken("other-secret", "ops-1", []string{auth.RoleOps}, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	srv.expect(t, http.StatusUnauthorized, http.MethodGet, "/v1/bails", forged, nil, nil)

	res, data := srv.doJSON(t, http.MethodGet, "/metrics", "", nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "go_goroutines") {
		t.Fatalf("metrics: %d", res.StatusCode)
	}
}

func TestMeReportsRolePermissions(t *testing.T) {
	srv := newTestServer(t)
	var me WhoAmIResponse
	srv.expect(t, http.StatusOK, http.MethodGet, "/v1/me", token(t, "chk-1", auth.RoleChecker), nil, &me)
	if me.ActorID != "chk-1" {
		t.Fatalf("actor: %s", me.ActorID)
	}
	found := false
	for _, p := range me.Permissions {
		if p == auth.PermChecklistSubmit {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s in %v", auth.PermChecklistSubmit, me.Permissions)
	}
}

func checklistBody(keys bool) map[string]any {
	return map[string]any{
		"keys_returned": keys,
		"areas": map[string]any{
			"version": 1,
			"rooms":   []map[string]any{{"name": "kitchen", "condition": "good"}},
		},
	}
}

// runInspection assigns, starts, documents and completes a mission over HTTP.
func runInspection(t *testing.T, srv *testServer, bmID, kind string, keys bool, opsTok, checkerTok string) domain.Mission {
	t.Helper()
	var m domain.Mission
	srv.expect(t, http.StatusOK, http.MethodPost, "/v1/bails/"+bmID+"/missions/"+kind+"/assign", opsTok,
		map[string]any{"checker_id": "chk-1"}, &m)
	srv.expect(t, http.StatusOK, http.MethodPost, "/v1/missions/"+m.ID+"/start", checkerTok, map[string]any{}, nil)
	srv.expect(t, http.StatusOK, http.MethodPut, "/v1/missions/"+m.ID+"/checklist", checkerTok, checklistBody(keys), nil)
	srv.expect(t, http.StatusOK, http.MethodPost, "/v1/missions/"+m.ID+"/complete", checkerTok, map[string]any{"notes": "done"}, &m)
	return m
}

func readyTemplateHTTP(t *testing.T, srv *testServer, kind, adminTok string) domain.ContractTemplate {
	t.Helper()
	var tpl domain.ContractTemplate
	srv.expect(t, http.StatusCreated, http.MethodPost, "/v1/templates", adminTok,
		map[string]any{"name": kind + " lease", "kind": kind, "content": "terms"}, &tpl)
	srv.expect(t, http.StatusOK, http.MethodPost, "/v1/templates/"+tpl.ID+"/admin-sign", adminTok,
		map[string]any{"signature": "admin-sig"}, &tpl)
	return tpl
}

func TestEntryValidationOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	opsTok := token(t, "ops-1", auth.RoleOps)
	checkerTok := token(t, "chk-1", auth.RoleChecker)
	adminTok := token(t, "admin-1", auth.RoleAdmin)

	var bm domain.BailMobilite
	srv.expect(t, http.StatusCreated, http.MethodPost, "/v1/bails", opsTok, map[string]any{
		"start_date":  "2025-02-01",
		"end_date":    "2025-02-28",
		"tenant_name": "Camille Martin",
	}, &bm)
	if bm.Status != domain.BailAssigned || bm.OpsUserID != "ops-1" {
		t.Fatalf("unexpected bail %+v", bm)
	}

	runInspection(t, srv, bm.ID, "entry", true, opsTok, checkerTok)

	srv.expect(t, http.StatusForbidden, http.MethodPost, "/v1/bails/"+bm.ID+"/validate-entry", checkerTok, map[string]any{}, nil)

	var env errorEnvelope
	srv.expect(t, http.StatusConflict, http.MethodPost, "/v1/bails/"+bm.ID+"/validate-entry", opsTok, map[string]any{}, &env)
	if env.Error.Code != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %+v", env.Error)
	}
	if reasons, _ := env.Error.Details["reasons"].([]any); len(reasons) == 0 {
		t.Fatalf("expected gate reasons, got %+v", env.Error.Details)
	}

	tpl := readyTemplateHTTP(t, srv, "entry", adminTok)
	srv.expect(t, http.StatusOK, http.MethodPost, "/v1/bails/"+bm.ID+"/signatures", checkerTok, map[string]any{
		"kind":                 "entry",
		"contract_template_id": tpl.ID,
		"signature":            "tenant-sig",
	}, nil)

	var out ValidateEntryResponse
	srv.expect(t, http.StatusOK, http.MethodPost, "/v1/bails/"+bm.ID+"/validate-entry", opsTok, map[string]any{"notes": "ok"}, &out)
	if out.BailMobilite.Status != domain.BailInProgress || !out.Gate.Ready {
		t.Fatalf("entry not validated: %+v", out)
	}

	client := bmsdk.New(srv.URL)
	client.BearerToken = opsTok
	detail, err := client.GetBail(context.Background(), bm.ID)
	if err != nil {
		t.Fatalf("sdk get bail: %v", err)
	}
	var reminder *bmsdk.Notification
	for i, n := range detail.Notifications {
		if n.Type == string(domain.NotificationExitReminder) {
			reminder = &detail.Notifications[i]
		}
	}
	if reminder == nil {
		t.Fatalf("expected exit reminder in %+v", detail.Notifications)
	}
	if got := reminder.ScheduledAt.Format(domain.DateLayout); got != "2025-02-18" {
		t.Fatalf("reminder scheduled %s", got)
	}
	list, err := client.ListBails(context.Background(), "in_progress")
	if err != nil || len(list) != 1 || list[0].ID != bm.ID {
		t.Fatalf("list in_progress: %v %+v", err, list)
	}
}

func TestExitKeysNotReturnedOpensIncident(t *testing.T) {
	srv := newTestServer(t)
	opsTok := token(t, "ops-1", auth.RoleOps)
	checkerTok := token(t, "chk-1", auth.RoleChecker)
	adminTok := token(t, "admin-1", auth.RoleAdmin)

	var bm domain.BailMobilite
	srv.expect(t, http.StatusCreated, http.MethodPost, "/v1/bails", opsTok, map[string]any{
		"start_date": "2025-02-01", "end_date": "2025-02-28", "tenant_name": "Camille Martin",
	}, &bm)
	runInspection(t, srv, bm.ID, "entry", true, opsTok, checkerTok)
	for _, kind := range []string{"entry", "exit"} {
		tpl := readyTemplateHTTP(t, srv, kind, adminTok)
		srv.expect(t, http.StatusOK, http.MethodPost, "/v1/bails/"+bm.ID+"/signatures", checkerTok, map[string]any{
			"kind": kind, "contract_template_id": tpl.ID, "signature": "tenant-sig",
		}, nil)
	}
	srv.expect(t, http.StatusOK, http.MethodPost, "/v1/bails/"+bm.ID+"/validate-entry", opsTok, map[string]any{}, nil)
	runInspection(t, srv, bm.ID, "exit", false, opsTok, checkerTok)

	var res engine.DetectionResult
	srv.expect(t, http.StatusOK, http.MethodPost, "/v1/bails/"+bm.ID+"/validate-exit", opsTok, map[string]any{}, &res)
	if !res.HasIncidents || res.Status != domain.BailIncident {
		t.Fatalf("expected incident, got %+v", res)
	}
	if len(res.Incidents) != 1 || res.Incidents[0].Type != "keys_not_returned" {
		t.Fatalf("incidents: %+v", res.Incidents)
	}

	var actions []domain.CorrectiveAction
	srv.expect(t, http.StatusOK, http.MethodGet, "/v1/actions?bail_mobilite_id="+bm.ID, opsTok, nil, &actions)
	if len(actions) != 1 || actions[0].AssignedTo != "ops-1" || actions[0].Status != domain.ActionPending {
		t.Fatalf("actions: %+v", actions)
	}
	srv.expect(t, http.StatusOK, http.MethodPost, "/v1/actions/"+actions[0].ID+"/complete", opsTok, map[string]any{"notes": "keys recovered"}, nil)
	srv.expect(t, http.StatusConflict, http.MethodPost, "/v1/actions/"+actions[0].ID+"/start", opsTok, map[string]any{}, nil)

	var resolved domain.BailMobilite
	srv.expect(t, http.StatusOK, http.MethodPost, "/v1/bails/"+bm.ID+"/resolve", opsTok,
		map[string]any{"target_status": "completed", "notes": "closed"}, &resolved)
	if resolved.Status != domain.BailCompleted {
		t.Fatalf("expected completed, got %s", resolved.Status)
	}

	var ref RefResponse
	srv.expect(t, http.StatusOK, http.MethodGet, "/v1/refs/bail_mobilite:"+bm.ID, opsTok, nil, &ref)
	if ref.Ref != "bail_mobilite:"+bm.ID {
		t.Fatalf("ref: %+v", ref)
	}
	srv.expect(t, http.StatusBadRequest, http.MethodGet, "/v1/refs/nonsense", opsTok, nil, nil)
	srv.expect(t, http.StatusNotFound, http.MethodGet, "/v1/refs/mission:missing", opsTok, nil, nil)
}

func TestNotFoundAndBadInput(t *testing.T) {
	srv := newTestServer(t)
	opsTok := token(t, "ops-1", auth.RoleOps)
	var env errorEnvelope
	srv.expect(t, http.StatusNotFound, http.MethodGet, "/v1/bails/missing", opsTok, nil, &env)
	if env.Error.Code != "not_found" {
		t.Fatalf("code: %+v", env.Error)
	}
	srv.expect(t, http.StatusBadRequest, http.MethodPost, "/v1/bails", opsTok, map[string]any{
		"start_date": "2025-02-28", "end_date": "2025-02-01", "tenant_name": "Backwards",
	}, nil)
}

func TestSigningLinksArePublic(t *testing.T) {
	srv := newTestServer(t)
	adminTok := token(t, "admin-1", auth.RoleAdmin)
	tpl := readyTemplateHTTP(t, srv, "entry", adminTok)

	var landlord domain.SignatureParty
	srv.expect(t, http.StatusCreated, http.MethodPost, "/v1/parties", adminTok,
		map[string]any{"name": "M. Durand", "role": "landlord"}, &landlord)
	var step domain.SignatureWorkflowStep
	srv.expect(t, http.StatusOK, http.MethodPost, "/v1/templates/"+tpl.ID+"/steps", adminTok,
		map[string]any{"party_id": landlord.ID, "name": "Landlord", "step_order": 1}, &step)
	if !step.IsRequired {
		t.Fatalf("steps default to required")
	}
	var issued IssuedInvitationResponse
	srv.expect(t, http.StatusCreated, http.MethodPost, "/v1/steps/"+step.ID+"/invitations", adminTok, nil, &issued)
	if issued.Token == "" || !strings.HasSuffix(issued.URL, issued.Token) {
		t.Fatalf("issued: %+v", issued)
	}
	srv.expect(t, http.StatusOK, http.MethodPost, "/v1/invitations/"+issued.Invitation.ID+"/sent", adminTok,
		map[string]any{"metadata": map[string]string{"channel": "email"}}, nil)

	ctx := context.Background()
	client := bmsdk.New(srv.URL)
	link, err := client.OpenSigningLink(ctx, issued.Token)
	if err != nil {
		t.Fatalf("open link: %v", err)
	}
	if link.Status != string(domain.InvitationOpened) || link.PartyRole != "landlord" {
		t.Fatalf("link: %+v", link)
	}

	sig := bmsdk.Signature{Signature: "sig", Timestamp: testNow.Format(time.RFC3339)}
	_, err = client.Sign(ctx, issued.Token, sig)
	var apiErr *bmsdk.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %v", err)
	}
	if len(apiErr.Errors) != 1 || !strings.Contains(apiErr.Errors[0], "license number") {
		t.Fatalf("errors: %v", apiErr.Errors)
	}

	sig.LicenseNumber = "LIC-42"
	res, err := client.Sign(ctx, issued.Token, sig)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !res.WorkflowComplete {
		t.Fatalf("single step workflow should be complete")
	}

	_, err = client.OpenSigningLink(ctx, issued.Token)
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound || apiErr.Message != engine.MsgInvitationInvalid {
		t.Fatalf("used link should be gone, got %v", err)
	}
}

func TestSweepAndNotificationList(t *testing.T) {
	srv := newTestServer(t)
	opsTok := token(t, "ops-1", auth.RoleOps)
	checkerTok := token(t, "chk-1", auth.RoleChecker)

	var bm domain.BailMobilite
	srv.expect(t, http.StatusCreated, http.MethodPost, "/v1/bails", opsTok, map[string]any{
		"start_date": "2025-02-01", "end_date": "2025-02-28", "tenant_name": "Camille Martin",
	}, &bm)
	runInspection(t, srv, bm.ID, "entry", true, opsTok, checkerTok)

	var list []domain.Notification
	srv.expect(t, http.StatusOK, http.MethodGet, "/v1/notifications?recipient_id=chk-1", opsTok, nil, &list)
	if len(list) != 1 || list[0].Type != domain.NotificationMissionAssigned {
		t.Fatalf("checker notifications: %+v", list)
	}
	srv.expect(t, http.StatusForbidden, http.MethodPost, "/v1/notifications/sweep", checkerTok, nil, nil)
	var sweep SweepResponse
	srv.expect(t, http.StatusOK, http.MethodPost, "/v1/notifications/sweep", opsTok, nil, &sweep)
	if _, ok := sweep.Counts["notifications"]; !ok {
		t.Fatalf("sweep counts: %+v", sweep.Counts)
	}

	var page paginatedEvents
	srv.expect(t, http.StatusOK, http.MethodGet, "/v1/events?entity_kind=bail_mobilite&entity_id="+bm.ID, opsTok, nil, &page)
	if len(page.Items) == 0 || page.Items[len(page.Items)-1].Type != "bail.created" {
		t.Fatalf("events: %+v", page.Items)
	}
}
