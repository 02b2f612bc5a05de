package engine_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/buyrs/BM-sub005/internal/config"
	"github.com/buyrs/BM-sub005/internal/corrective"
	"github.com/buyrs/BM-sub005/internal/db"
	"github.com/buyrs/BM-sub005/internal/domain"
	"github.com/buyrs/BM-sub005/internal/engine"
	"github.com/buyrs/BM-sub005/internal/events"
	"github.com/buyrs/BM-sub005/internal/migrate"
	"github.com/buyrs/BM-sub005/internal/repo"
	"github.com/buyrs/BM-sub005/internal/storage"
)

const ops = "ops-1"

type recorder struct {
	sent []domain.Notification
	err  error
}

func (r *recorder) Dispatch(_ context.Context, n domain.Notification) error {
	r.sent = append(r.sent, n)
	return r.err
}

type testEnv struct {
	Engine  engine.Engine
	Ctx     context.Context
	Sent    *recorder
	Archive string
	now     *time.Time
}

func (e testEnv) advance(d time.Duration) {
	*e.now = e.now.Add(d)
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	eng := engine.New(conn, cfg)
	clock := time.Date(2025, 1, 20, 9, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return clock }
	rec := &recorder{}
	eng.Dispatcher = rec
	eng.Bus = events.NewBus(nil)
	archive := filepath.Join(dir, "archive")
	eng.Archive = &storage.LocalStore{BaseDir: archive}
	return testEnv{Engine: eng, Ctx: ctx, Sent: rec, Archive: archive, now: &clock}
}

func createBail(t *testing.T, env testEnv) domain.BailMobilite {
	t.Helper()
	bm, err := env.Engine.CreateBailMobilite(env.Ctx, engine.BailCreateOptions{
		StartDate:  "2025-02-01",
		EndDate:    "2025-02-28",
		TenantName: "Camille Martin",
		Address:    "12 rue des Lilas, Lyon",
		OpsUserID:  ops,
		ActorID:    ops,
	})
	if err != nil {
		t.Fatalf("create bail: %v", err)
	}
	return bm
}

func readyTemplate(t *testing.T, env testEnv, kind domain.MissionKind) domain.ContractTemplate {
	t.Helper()
	tpl, err := env.Engine.CreateContractTemplate(env.Ctx, engine.TemplateOptions{Name: string(kind) + " contract", Kind: kind, Content: "terms", ActorID: "admin"})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}
	tpl, err = env.Engine.AdminSignTemplate(env.Ctx, tpl.ID, "admin-sig", "admin")
	if err != nil {
		t.Fatalf("admin sign: %v", err)
	}
	return tpl
}

func inspect(t *testing.T, env testEnv, bm domain.BailMobilite, kind domain.MissionKind, keys bool) {
	t.Helper()
	var (
		m   domain.Mission
		err error
	)
	if kind == domain.MissionEntry {
		m, err = env.Engine.AssignEntry(env.Ctx, bm.ID, "checker-1", nil, ops)
	} else {
		m, err = env.Engine.AssignExit(env.Ctx, bm.ID, "checker-1", nil, ops)
	}
	if err != nil {
		t.Fatalf("assign %s: %v", kind, err)
	}
	if _, err := env.Engine.StartMission(env.Ctx, m.ID, "checker-1"); err != nil {
		t.Fatalf("start %s: %v", kind, err)
	}
	if _, err := env.Engine.SubmitChecklist(env.Ctx, m.ID, engine.ChecklistInput{
		KeysReturned: keys,
		Areas:        domain.ChecklistAreas{Rooms: []domain.RoomCondition{{Name: "kitchen", Condition: "good"}}},
	}, "checker-1"); err != nil {
		t.Fatalf("checklist %s: %v", kind, err)
	}
	if _, err := env.Engine.CompleteMission(env.Ctx, m.ID, "", "checker-1"); err != nil {
		t.Fatalf("complete %s: %v", kind, err)
	}
}

func tenantSign(t *testing.T, env testEnv, bm domain.BailMobilite, kind domain.MissionKind) {
	t.Helper()
	tpl := readyTemplate(t, env, kind)
	if _, err := env.Engine.RecordTenantSignature(env.Ctx, engine.TenantSignatureInput{
		BailMobiliteID: bm.ID, Kind: kind, TemplateID: tpl.ID, Signature: "tenant-sig", ActorID: ops,
	}); err != nil {
		t.Fatalf("tenant signature: %v", err)
	}
}

func enterBail(t *testing.T, env testEnv) domain.BailMobilite {
	t.Helper()
	bm := createBail(t, env)
	inspect(t, env, bm, domain.MissionEntry, true)
	tenantSign(t, env, bm, domain.MissionEntry)
	bm, res, err := env.Engine.ValidateEntry(env.Ctx, bm.ID, "all good", ops)
	if err != nil {
		t.Fatalf("validate entry: %v (%v)", err, res.Messages())
	}
	return bm
}

func notificationsOf(t *testing.T, env testEnv, bmID string, typ domain.NotificationType) []domain.Notification {
	t.Helper()
	list, err := env.Engine.ListNotifications(env.Ctx, repo.NotificationFilters{BailMobiliteID: bmID})
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	var out []domain.Notification
	for _, n := range list {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

func incidentTypes(list []domain.IncidentReport) []string {
	var out []string
	for _, ir := range list {
		out = append(out, ir.Type)
	}
	slices.Sort(out)
	return out
}

func TestEndToEndKeysNotReturned(t *testing.T) {
	env := newTestEnv(t)
	bm := enterBail(t, env)
	if bm.Status != domain.BailInProgress {
		t.Fatalf("expected in_progress after entry, got %s", bm.Status)
	}
	reminders := notificationsOf(t, env, bm.ID, domain.NotificationExitReminder)
	if len(reminders) != 1 {
		t.Fatalf("expected one exit reminder, got %d", len(reminders))
	}
	if reminders[0].Status != domain.NotificationPending || reminders[0].ScheduledAt.Format(domain.DateLayout) != "2025-02-18" {
		t.Fatalf("unexpected reminder %+v", reminders[0])
	}

	env.advance(38 * 24 * time.Hour)
	inspect(t, env, bm, domain.MissionExit, false)
	tenantSign(t, env, bm, domain.MissionExit)
	res, err := env.Engine.ValidateExit(env.Ctx, bm.ID, "keys missing", ops)
	if err != nil {
		t.Fatalf("validate exit: %v", err)
	}
	if !res.HasIncidents || res.Status != domain.BailIncident {
		t.Fatalf("expected incident, got %+v", res)
	}
	if len(res.Incidents) != 1 || res.Incidents[0].Type != "keys_not_returned" {
		t.Fatalf("expected keys_not_returned only, got %v", incidentTypes(res.Incidents))
	}
	if res.Incidents[0].Severity != domain.SeverityHigh {
		t.Fatalf("expected high severity, got %s", res.Incidents[0].Severity)
	}
	if len(res.Actions) != 1 {
		t.Fatalf("expected one corrective action, got %d", len(res.Actions))
	}
	a := res.Actions[0]
	if a.Status != domain.ActionPending || a.AssignedTo != ops || a.Priority != domain.PriorityHigh {
		t.Fatalf("unexpected action %+v", a)
	}

	stored, err := env.Engine.GetBailMobilite(env.Ctx, bm.ID)
	if err != nil || stored.Status != domain.BailIncident {
		t.Fatalf("stored status: %v %s", err, stored.Status)
	}
	reminders = notificationsOf(t, env, bm.ID, domain.NotificationExitReminder)
	if len(reminders) != 1 || reminders[0].Status != domain.NotificationCancelled {
		t.Fatalf("expected the reminder cancelled by the transition, got %+v", reminders)
	}
	alerts := notificationsOf(t, env, bm.ID, domain.NotificationIncidentAlert)
	if len(alerts) != 1 || alerts[0].RecipientID != ops || alerts[0].Status != domain.NotificationSent {
		t.Fatalf("expected one incident alert to ops, got %+v", alerts)
	}
	if alerts[0].DeliveryStatus != domain.DeliveryDelivered {
		t.Fatalf("expected alert delivered after commit, got %q", alerts[0].DeliveryStatus)
	}
}

func TestExitClearedCompletes(t *testing.T) {
	env := newTestEnv(t)
	bm := enterBail(t, env)
	inspect(t, env, bm, domain.MissionExit, true)
	tenantSign(t, env, bm, domain.MissionExit)
	res, err := env.Engine.ValidateExit(env.Ctx, bm.ID, "", ops)
	if err != nil {
		t.Fatalf("validate exit: %v", err)
	}
	if res.HasIncidents || res.Status != domain.BailCompleted || len(res.Incidents) != 0 {
		t.Fatalf("expected clean completion, got %+v", res)
	}
	if !res.Gate.Ready || !res.Gate.ContractFinalized {
		t.Fatalf("expected ready exit gate, got %+v", res.Gate)
	}
	if got := notificationsOf(t, env, bm.ID, domain.NotificationExitReminder); got[0].Status != domain.NotificationCancelled {
		t.Fatalf("completion should cancel the pending reminder")
	}
}

func TestEachExitFailureYieldsOneIncident(t *testing.T) {
	cases := []struct {
		name     string
		keys     bool
		sign     bool
		validate bool
		want     string
	}{
		{name: "keys", keys: false, sign: true, validate: true, want: "keys_not_returned"},
		{name: "signature", keys: true, sign: false, validate: true, want: "missing_signature"},
		{name: "validation", keys: true, sign: true, validate: false, want: "checklist_not_validated"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			bm := enterBail(t, env)
			inspect(t, env, bm, domain.MissionExit, tc.keys)
			if tc.sign {
				tenantSign(t, env, bm, domain.MissionExit)
			}
			var (
				res engine.DetectionResult
				err error
			)
			if tc.validate {
				res, err = env.Engine.ValidateExit(env.Ctx, bm.ID, "", ops)
			} else {
				res, err = env.Engine.ProcessIncidentDetection(env.Ctx, bm.ID, ops)
			}
			if err != nil {
				t.Fatalf("exit: %v", err)
			}
			if got := incidentTypes(res.Incidents); len(got) != 1 || got[0] != tc.want {
				t.Fatalf("expected [%s], got %v", tc.want, got)
			}
		})
	}
}

func TestAllExitFailuresYieldThreeIncidents(t *testing.T) {
	env := newTestEnv(t)
	bm := enterBail(t, env)
	inspect(t, env, bm, domain.MissionExit, false)
	res, err := env.Engine.ProcessIncidentDetection(env.Ctx, bm.ID, ops)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	want := []string{"checklist_not_validated", "keys_not_returned", "missing_signature"}
	if got := incidentTypes(res.Incidents); !slices.Equal(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if len(res.Actions) != 3 {
		t.Fatalf("expected one action per incident, got %d", len(res.Actions))
	}
	alerts := notificationsOf(t, env, bm.ID, domain.NotificationIncidentAlert)
	if len(alerts) != 1 || len(alerts[0].Data.IncidentTypes) != 3 {
		t.Fatalf("expected a single alert listing three types, got %+v", alerts)
	}
}

func TestProcessIncidentDetectionNoopOutsideInProgress(t *testing.T) {
	env := newTestEnv(t)
	bm := createBail(t, env)
	res, err := env.Engine.ProcessIncidentDetection(env.Ctx, bm.ID, ops)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if res.HasIncidents || res.Status != domain.BailAssigned {
		t.Fatalf("expected no-op, got %+v", res)
	}
	stored, _ := env.Engine.GetBailMobilite(env.Ctx, bm.ID)
	if stored.Status != domain.BailAssigned {
		t.Fatalf("status changed to %s", stored.Status)
	}
	incidents, err := env.Engine.ListIncidents(env.Ctx, bm.ID)
	if err != nil || len(incidents) != 0 {
		t.Fatalf("expected no incidents, got %d (%v)", len(incidents), err)
	}
}

func TestCleanDetectionNeedsReadyExitGate(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Detector.Rules = nil
	bm := enterBail(t, env)
	res, err := env.Engine.ProcessIncidentDetection(env.Ctx, bm.ID, ops)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if res.HasIncidents || res.Gate.Ready || res.Status != domain.BailInProgress {
		t.Fatalf("expected to stay in_progress without an exit inspection, got %+v", res)
	}
	stored, _ := env.Engine.GetBailMobilite(env.Ctx, bm.ID)
	if stored.Status != domain.BailInProgress {
		t.Fatalf("status changed to %s", stored.Status)
	}
}

func TestValidateEntryGateFailureChangesNothing(t *testing.T) {
	env := newTestEnv(t)
	bm := createBail(t, env)
	inspect(t, env, bm, domain.MissionEntry, true)
	_, res, err := env.Engine.ValidateEntry(env.Ctx, bm.ID, "", ops)
	var te *domain.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected transition error, got %v", err)
	}
	if res.Ready || !slices.Contains(te.Reasons, "tenant has not signed the entry contract") {
		t.Fatalf("unexpected reasons %v", te.Reasons)
	}
	stored, _ := env.Engine.GetBailMobilite(env.Ctx, bm.ID)
	if stored.Status != domain.BailAssigned {
		t.Fatalf("status changed to %s", stored.Status)
	}
	c, err := env.Engine.GetChecklist(env.Ctx, bm.EntryMissionID)
	if err != nil || c.OpsValidated {
		t.Fatalf("checklist validation should roll back: %v %+v", err, c)
	}
	if n := notificationsOf(t, env, bm.ID, domain.NotificationExitReminder); len(n) != 0 {
		t.Fatalf("no reminder expected, got %d", len(n))
	}
}

func TestValidateEntryRequiresCompletedMission(t *testing.T) {
	env := newTestEnv(t)
	bm := createBail(t, env)
	_, _, err := env.Engine.ValidateEntry(env.Ctx, bm.ID, "", ops)
	var te *domain.TransitionError
	if !errors.As(err, &te) || te.To != string(domain.BailInProgress) {
		t.Fatalf("expected transition error, got %v", err)
	}
}

func TestValidateExitRequiresCompletedMission(t *testing.T) {
	env := newTestEnv(t)
	bm := enterBail(t, env)
	if _, err := env.Engine.AssignExit(env.Ctx, bm.ID, "checker-2", nil, ops); err != nil {
		t.Fatalf("assign exit: %v", err)
	}
	_, err := env.Engine.ValidateExit(env.Ctx, bm.ID, "", ops)
	var te *domain.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected transition error, got %v", err)
	}
	stored, _ := env.Engine.GetBailMobilite(env.Ctx, bm.ID)
	if stored.Status != domain.BailInProgress {
		t.Fatalf("status changed to %s", stored.Status)
	}
}

func TestHandleAndResolveIncident(t *testing.T) {
	env := newTestEnv(t)
	bm := createBail(t, env)
	report, actions, err := env.Engine.HandleIncident(env.Ctx, bm.ID, engine.IncidentOptions{
		Type:        "damage",
		Description: "broken window",
		Actions:     []corrective.Spec{{Title: "Call glazier"}, {Title: "Bill deposit", Priority: domain.PriorityLow}},
		ActorID:     ops,
	})
	if err != nil {
		t.Fatalf("handle incident: %v", err)
	}
	if report.Severity != domain.SeverityMedium || report.Title != "Damage" {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(actions) != 2 || actions[0].AssignedTo != ops || actions[1].Priority != domain.PriorityLow {
		t.Fatalf("unexpected actions %+v", actions)
	}
	stored, _ := env.Engine.GetBailMobilite(env.Ctx, bm.ID)
	if stored.Status != domain.BailIncident {
		t.Fatalf("expected incident from assigned, got %s", stored.Status)
	}

	if _, err := env.Engine.ResolveIncident(env.Ctx, bm.ID, domain.BailAssigned, "", ops); !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("expected invalid target, got %v", err)
	}
	resumed, err := env.Engine.ResolveIncident(env.Ctx, bm.ID, domain.BailInProgress, "window fixed", ops)
	if err != nil || resumed.Status != domain.BailInProgress {
		t.Fatalf("resolve: %v %s", err, resumed.Status)
	}
	open, err := env.Engine.ListIncidents(env.Ctx, bm.ID, domain.IncidentOpen)
	if err != nil || len(open) != 0 {
		t.Fatalf("expected no open incidents, got %d (%v)", len(open), err)
	}
	pending := 0
	for _, n := range notificationsOf(t, env, bm.ID, domain.NotificationExitReminder) {
		if n.Status == domain.NotificationPending {
			pending++
		}
	}
	if pending != 1 {
		t.Fatalf("expected the reminder rescheduled on resume, got %d pending", pending)
	}
	if _, err := env.Engine.ResolveIncident(env.Ctx, bm.ID, domain.BailCompleted, "", ops); err == nil {
		t.Fatalf("expected transition error when not in incident")
	}
}

func TestResumeKeepsSentReminder(t *testing.T) {
	env := newTestEnv(t)
	bm := enterBail(t, env)
	env.advance(30 * 24 * time.Hour) // 2025-02-19
	if n, err := env.Engine.ProcessScheduledNotifications(env.Ctx); err != nil || n != 1 {
		t.Fatalf("expected the reminder sent, got %d (%v)", n, err)
	}
	if _, _, err := env.Engine.HandleIncident(env.Ctx, bm.ID, engine.IncidentOptions{Type: "damage", ActorID: ops}); err != nil {
		t.Fatalf("handle incident: %v", err)
	}
	if _, err := env.Engine.ResolveIncident(env.Ctx, bm.ID, domain.BailInProgress, "", ops); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	reminders := notificationsOf(t, env, bm.ID, domain.NotificationExitReminder)
	if len(reminders) != 1 || reminders[0].Status != domain.NotificationSent {
		t.Fatalf("expected no second reminder, got %+v", reminders)
	}
}

func TestFlagOverdueMissions(t *testing.T) {
	env := newTestEnv(t)
	bm := createBail(t, env)
	env.advance(15 * 24 * time.Hour) // 2025-02-04
	n, err := env.Engine.FlagOverdueMissions(env.Ctx, "scheduler")
	if err != nil || n != 1 {
		t.Fatalf("expected one overdue mission, got %d (%v)", n, err)
	}
	incidents, _ := env.Engine.ListIncidents(env.Ctx, bm.ID)
	if len(incidents) != 1 || incidents[0].Type != "overdue_mission" || *incidents[0].MissionID != bm.EntryMissionID {
		t.Fatalf("unexpected incidents %+v", incidents)
	}
	actions, _ := env.Engine.ListCorrectiveActions(env.Ctx, repo.ActionFilters{BailMobiliteID: bm.ID})
	if len(actions) != 1 || actions[0].AssignedTo != ops {
		t.Fatalf("expected the action assigned to the ops user, got %+v", actions)
	}
	n, err = env.Engine.FlagOverdueMissions(env.Ctx, "scheduler")
	if err != nil || n != 0 {
		t.Fatalf("second pass should flag nothing, got %d (%v)", n, err)
	}
}

func TestCorrectiveActionTransitions(t *testing.T) {
	env := newTestEnv(t)
	bm := createBail(t, env)
	_, actions, err := env.Engine.HandleIncident(env.Ctx, bm.ID, engine.IncidentOptions{
		Type: "keys_not_returned", Actions: []corrective.Spec{{}}, ActorID: ops,
	})
	if err != nil {
		t.Fatalf("handle incident: %v", err)
	}
	id := actions[0].ID
	if _, err := env.Engine.StartCorrectiveAction(env.Ctx, id, ops); err != nil {
		t.Fatalf("start: %v", err)
	}
	done, err := env.Engine.CompleteCorrectiveAction(env.Ctx, id, "keys recovered", ops)
	if err != nil || done.Status != domain.ActionCompleted || done.CompletedAt == nil {
		t.Fatalf("complete: %v %+v", err, done)
	}
	var te *domain.TransitionError
	if _, err := env.Engine.StartCorrectiveAction(env.Ctx, id, ops); !errors.As(err, &te) {
		t.Fatalf("expected transition error reopening a completed action, got %v", err)
	}

	env.advance(30 * 24 * time.Hour)
	_, more, err := env.Engine.HandleIncident(env.Ctx, bm.ID, engine.IncidentOptions{Type: "noise", Actions: []corrective.Spec{{}}, ActorID: ops})
	if err != nil {
		t.Fatalf("second incident: %v", err)
	}
	env.advance(8 * 24 * time.Hour)
	overdue, err := env.Engine.ListOverdueCorrectiveActions(env.Ctx)
	if err != nil || len(overdue) != 1 || overdue[0].ID != more[0].ID {
		t.Fatalf("expected only the open action overdue, got %+v (%v)", overdue, err)
	}
}

func TestSubmitChecklistValidatesAreas(t *testing.T) {
	env := newTestEnv(t)
	bm := createBail(t, env)
	_, err := env.Engine.SubmitChecklist(env.Ctx, bm.EntryMissionID, engine.ChecklistInput{
		Areas: domain.ChecklistAreas{Rooms: []domain.RoomCondition{{Name: "hall", Condition: "sparkling"}}},
	}, "checker-1")
	if !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("expected invalid areas, got %v", err)
	}
}

func TestDeliveryFailureKeepsTransition(t *testing.T) {
	env := newTestEnv(t)
	env.Sent.err = errors.New("mailer down")
	bm := createBail(t, env)
	m, err := env.Engine.AssignEntry(env.Ctx, bm.ID, "checker-1", nil, ops)
	if err != nil {
		t.Fatalf("assign should succeed despite delivery failure: %v", err)
	}
	if m.Status != domain.MissionAssigned {
		t.Fatalf("expected assigned, got %s", m.Status)
	}
	sent := notificationsOf(t, env, bm.ID, domain.NotificationMissionAssigned)
	if len(sent) != 1 || sent[0].Status != domain.NotificationSent || sent[0].DeliveryStatus != domain.DeliveryFailed {
		t.Fatalf("unexpected notification %+v", sent)
	}
	env.Sent.err = nil
	n, err := env.Engine.RetryFailedDeliveries(env.Ctx)
	if err != nil || n != 1 {
		t.Fatalf("retry: %d %v", n, err)
	}
}

type attemptCounter struct {
	once, full int
}

func (a *attemptCounter) Dispatch(context.Context, domain.Notification) error {
	a.full++
	return errors.New("gateway down")
}

func (a *attemptCounter) DispatchOnce(context.Context, domain.Notification) error {
	a.once++
	return errors.New("gateway down")
}

func TestRequestPathMakesOneDeliveryAttempt(t *testing.T) {
	env := newTestEnv(t)
	counter := &attemptCounter{}
	env.Engine.Dispatcher = counter
	bm := createBail(t, env)
	if _, _, err := env.Engine.HandleIncident(env.Ctx, bm.ID, engine.IncidentOptions{Type: "damage", ActorID: ops}); err != nil {
		t.Fatalf("handle incident: %v", err)
	}
	if counter.once != 1 || counter.full != 0 {
		t.Fatalf("expected a single attempt after commit, got once=%d full=%d", counter.once, counter.full)
	}
	n, err := env.Engine.RetryFailedDeliveries(env.Ctx)
	if err != nil || n != 1 || counter.full != 1 {
		t.Fatalf("expected the worker retry to use the full channel: %d %v full=%d", n, err, counter.full)
	}
}

type signingEnv struct {
	testEnv
	Template domain.ContractTemplate
	Landlord domain.SignatureWorkflowStep
	Witness  domain.SignatureWorkflowStep
}

func newSigningEnv(t *testing.T) signingEnv {
	t.Helper()
	env := newTestEnv(t)
	tpl := readyTemplate(t, env, domain.MissionEntry)
	landlord, err := env.Engine.CreateParty(env.Ctx, "Mme Durand", "durand@example.com", "", domain.RoleLandlord)
	if err != nil {
		t.Fatalf("party: %v", err)
	}
	witness, err := env.Engine.CreateParty(env.Ctx, "M. Petit", "", "", domain.RoleWitness)
	if err != nil {
		t.Fatalf("party: %v", err)
	}
	one := 1
	s1, err := env.Engine.AddWorkflowStep(env.Ctx, engine.StepOptions{TemplateID: tpl.ID, PartyID: landlord.ID, Name: "Landlord", Order: 1, IsRequired: true, TimeoutHours: &one})
	if err != nil {
		t.Fatalf("step 1: %v", err)
	}
	s2, err := env.Engine.AddWorkflowStep(env.Ctx, engine.StepOptions{TemplateID: tpl.ID, PartyID: witness.ID, Name: "Witness", Order: 2, IsRequired: true})
	if err != nil {
		t.Fatalf("step 2: %v", err)
	}
	return signingEnv{testEnv: env, Template: tpl, Landlord: s1, Witness: s2}
}

func validData() domain.SignatureData {
	return domain.SignatureData{Signature: "data:image/png;base64,AAAA", Timestamp: "2025-01-20T09:00:00Z", IPAddress: "10.0.0.7"}
}

func TestAddWorkflowStepRejectsDuplicateOrder(t *testing.T) {
	env := newSigningEnv(t)
	_, err := env.Engine.AddWorkflowStep(env.Ctx, engine.StepOptions{TemplateID: env.Template.ID, PartyID: env.Landlord.PartyID, Name: "Again", Order: 2})
	if !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("expected duplicate order rejected, got %v", err)
	}
}

func TestIssueInvitationUsesInjectedRandom(t *testing.T) {
	env := newSigningEnv(t)
	env.Engine.Rand = bytes.NewReader(bytes.Repeat([]byte{0xab}, 32))
	inv, url, err := env.Engine.IssueInvitation(env.Ctx, env.Landlord.ID, "admin")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	want := strings.Repeat("ab", 32)
	if inv.Token != want || !strings.HasSuffix(url, "/"+want) {
		t.Fatalf("unexpected token %s url %s", inv.Token, url)
	}
	if inv.ExpiresAt == nil || !inv.ExpiresAt.Equal(env.Engine.Now().Add(time.Hour)) {
		t.Fatalf("expected one hour expiry, got %v", inv.ExpiresAt)
	}
	found, err := env.Engine.FindInvitationByToken(env.Ctx, want)
	if err != nil || found == nil || found.ID != inv.ID {
		t.Fatalf("find: %v %+v", err, found)
	}
}

func TestSignatureWorkflowOrderAndCompletion(t *testing.T) {
	env := newSigningEnv(t)
	first, _, err := env.Engine.IssueInvitation(env.Ctx, env.Landlord.ID, "admin")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	second, _, err := env.Engine.IssueInvitation(env.Ctx, env.Witness.ID, "admin")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := env.Engine.MarkInvitationSent(env.Ctx, first.ID, map[string]string{"channel": "email"}, "admin"); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	data := validData()
	data.IdentityDocument = "ID-42"
	res, err := env.Engine.SubmitSignature(env.Ctx, second.Token, data)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !slices.Contains(res.Errors, "waiting for previous signature step: Landlord") {
		t.Fatalf("expected ordering error, got %v", res.Errors)
	}

	res, err = env.Engine.SubmitSignature(env.Ctx, first.Token, validData())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !slices.Equal(res.Errors, []string{"license number is required for landlord"}) {
		t.Fatalf("expected role rule error, got %v", res.Errors)
	}

	landlordData := validData()
	landlordData.LicenseNumber = "CPI-7501"
	res, err = env.Engine.SubmitSignature(env.Ctx, first.Token, landlordData)
	if err != nil || len(res.Errors) != 0 || res.WorkflowComplete {
		t.Fatalf("landlord signature: %v %+v", err, res)
	}
	if res.Invitation.Status != domain.InvitationCompleted || res.Invitation.Metadata["channel"] != "email" {
		t.Fatalf("unexpected invitation %+v", res.Invitation)
	}
	replay, err := env.Engine.SubmitSignature(env.Ctx, first.Token, landlordData)
	if err != nil || !slices.Equal(replay.Errors, []string{engine.MsgInvitationInvalid}) {
		t.Fatalf("replay must be refused: %v %v", err, replay.Errors)
	}

	res, err = env.Engine.SubmitSignature(env.Ctx, second.Token, data)
	if err != nil || len(res.Errors) != 0 || !res.WorkflowComplete {
		t.Fatalf("witness signature: %v %+v", err, res)
	}
	files, err := filepath.Glob(filepath.Join(env.Archive, "signatures", env.Template.ID, "*.json"))
	if err != nil || len(files) != 1 {
		t.Fatalf("expected one archived workflow, got %v (%v)", files, err)
	}
	body, err := os.ReadFile(files[0])
	if err != nil || !strings.Contains(string(body), "CPI-7501") {
		t.Fatalf("archive content: %v", err)
	}
}

func TestSignedStepCannotBeSignedAgain(t *testing.T) {
	env := newSigningEnv(t)
	first, _, err := env.Engine.IssueInvitation(env.Ctx, env.Landlord.ID, "admin")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	spare, _, err := env.Engine.IssueInvitation(env.Ctx, env.Landlord.ID, "admin")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	data := validData()
	data.LicenseNumber = "CPI-7501"
	if res, err := env.Engine.SubmitSignature(env.Ctx, first.Token, data); err != nil || len(res.Errors) != 0 {
		t.Fatalf("landlord signature: %v %v", err, res.Errors)
	}

	if _, _, err := env.Engine.IssueInvitation(env.Ctx, env.Landlord.ID, "admin"); !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("expected a signed step to refuse new links, got %v", err)
	}
	res, err := env.Engine.SubmitSignature(env.Ctx, spare.Token, data)
	if err != nil || !slices.Contains(res.Errors, engine.MsgStepSigned) {
		t.Fatalf("expected the spare link refused, got %v %v", err, res.Errors)
	}
	stored, _ := env.Engine.GetInvitation(env.Ctx, spare.ID)
	if stored.Status == domain.InvitationCompleted {
		t.Fatalf("spare link must not complete")
	}

	progress, err := env.Engine.GetWorkflowProgress(env.Ctx, env.Template.ID)
	if err != nil || progress.Complete || progress.CurrentStep == nil || progress.CurrentStep.ID != env.Witness.ID {
		t.Fatalf("expected the witness step current, got %+v (%v)", progress, err)
	}
}

func TestFailedInvitationKeepsMetadata(t *testing.T) {
	env := newSigningEnv(t)
	inv, _, err := env.Engine.IssueInvitation(env.Ctx, env.Witness.ID, "admin")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := env.Engine.MarkInvitationSent(env.Ctx, inv.ID, map[string]string{"channel": "sms"}, "admin"); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	failed, err := env.Engine.MarkInvitationFailed(env.Ctx, inv.ID, map[string]string{"reason": "bounced"}, "admin")
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	stored, err := env.Engine.GetInvitation(env.Ctx, failed.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != domain.InvitationFailed || stored.Metadata["reason"] != "bounced" || stored.Metadata["channel"] != "sms" {
		t.Fatalf("expected merged metadata on the failed row, got %+v", stored)
	}
}

func TestFindInvitationByTokenRejectsUnusableLinks(t *testing.T) {
	env := newSigningEnv(t)
	ctx := env.Ctx

	if inv, err := env.Engine.FindInvitationByToken(ctx, "deadbeef"); err != nil || inv != nil {
		t.Fatalf("unknown token: %v %+v", err, inv)
	}

	cancelled, _, _ := env.Engine.IssueInvitation(ctx, env.Witness.ID, "admin")
	if _, err := env.Engine.CancelInvitation(ctx, cancelled.ID, "admin"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if inv, _ := env.Engine.FindInvitationByToken(ctx, cancelled.Token); inv != nil {
		t.Fatalf("cancelled invitation still usable")
	}

	completed, _, _ := env.Engine.IssueInvitation(ctx, env.Landlord.ID, "admin")
	lapsing, _, _ := env.Engine.IssueInvitation(ctx, env.Landlord.ID, "admin")
	data := validData()
	data.LicenseNumber = "CPI-1"
	if res, err := env.Engine.SubmitSignature(ctx, completed.Token, data); err != nil || len(res.Errors) != 0 {
		t.Fatalf("sign: %v %v", err, res.Errors)
	}
	if inv, _ := env.Engine.FindInvitationByToken(ctx, completed.Token); inv != nil {
		t.Fatalf("completed invitation still usable")
	}

	env.advance(2 * time.Hour)
	if inv, _ := env.Engine.FindInvitationByToken(ctx, lapsing.Token); inv != nil {
		t.Fatalf("invitation past expires_at still usable")
	}
	stored, _ := env.Engine.GetInvitation(ctx, lapsing.ID)
	if stored.Status != domain.InvitationPending {
		t.Fatalf("lookup must not mutate status, got %s", stored.Status)
	}
	n, err := env.Engine.ExpireInvitations(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expire sweep: %d %v", n, err)
	}
	stored, _ = env.Engine.GetInvitation(ctx, lapsing.ID)
	if stored.Status != domain.InvitationExpired {
		t.Fatalf("expected expired, got %s", stored.Status)
	}
	if inv, _ := env.Engine.FindInvitationByToken(ctx, lapsing.Token); inv != nil {
		t.Fatalf("expired invitation still usable")
	}
}

func TestRecordTenantSignatureNeedsReadyTemplate(t *testing.T) {
	env := newTestEnv(t)
	bm := createBail(t, env)
	draft, err := env.Engine.CreateContractTemplate(env.Ctx, engine.TemplateOptions{Name: "draft", Kind: domain.MissionEntry, Active: true, ActorID: "admin"})
	if err != nil {
		t.Fatalf("template: %v", err)
	}
	_, err = env.Engine.RecordTenantSignature(env.Ctx, engine.TenantSignatureInput{BailMobiliteID: bm.ID, Kind: domain.MissionEntry, TemplateID: draft.ID, Signature: "sig"})
	if !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("expected unsigned template rejected, got %v", err)
	}
	exit := readyTemplate(t, env, domain.MissionExit)
	_, err = env.Engine.RecordTenantSignature(env.Ctx, engine.TenantSignatureInput{BailMobiliteID: bm.ID, Kind: domain.MissionEntry, TemplateID: exit.ID, Signature: "sig"})
	if !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("expected kind mismatch rejected, got %v", err)
	}
}

func TestWorkerSweepSendsDueReminder(t *testing.T) {
	env := newTestEnv(t)
	bm := enterBail(t, env)
	before := len(env.Sent.sent)
	env.advance(30 * 24 * time.Hour) // 2025-02-19
	counts := env.Engine.Worker().Sweep(env.Ctx)
	if counts["notifications"] != 1 {
		t.Fatalf("expected the exit reminder sent, got %v", counts)
	}
	if len(env.Sent.sent) != before+1 || env.Sent.sent[before].Type != domain.NotificationExitReminder {
		t.Fatalf("reminder not dispatched")
	}
	detail, err := env.Engine.GetBailDetail(env.Ctx, bm.ID)
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	if detail.EntryChecklist == nil || !detail.EntryChecklist.OpsValidated || detail.EntrySignature == nil {
		t.Fatalf("unexpected detail %+v", detail)
	}
}
