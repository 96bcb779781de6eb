package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"novora/api/internal/audit"
	"novora/api/internal/clock"
	"novora/api/internal/delivery"
	"novora/api/internal/responses"
	"novora/api/internal/store"
	"novora/api/internal/vault"
)

var t0 = time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)

type harness struct {
	sched    *Scheduler
	mem      *store.MemoryStore
	clk      *clock.FakeClock
	recorder *delivery.Recorder
	events   []string
	closed   []string
}

var roster = StaticDirectory{
	"T1": {
		{EmployeeID: "e1", Email: "e1@example.com"},
		{EmployeeID: "e2", Email: "e2@example.com"},
		{EmployeeID: "e3", Email: "e3@example.com"},
	},
	"T2": {
		{EmployeeID: "e4", Email: "e4@example.com"},
		{EmployeeID: "e5", Phone: "+15550100"},
	},
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemoryStore()
	_ = mem.SaveOrganization(ctx, store.Organization{ID: "O1", Name: "Acme", Privacy: store.DefaultPrivacySettings()})
	_ = mem.SaveTeam(ctx, store.Team{ID: "T1", OrgID: "O1", Name: "Platform", Size: 3})
	_ = mem.SaveTeam(ctx, store.Team{ID: "T2", OrgID: "O1", Name: "Support", Size: 2})

	clk := clock.Fake(t0.Add(-time.Hour))
	pseudonyms, err := vault.NewPseudonymizer([]byte("scheduler-test"))
	if err != nil {
		t.Fatalf("pseudonymizer: %v", err)
	}
	v := vault.New(mem, clk, pseudonyms, vault.Options{})
	recorder := delivery.NewRecorder()
	dispatcher := delivery.NewDispatcher(delivery.Options{MaxAttempts: 1, RatePerSec: 1000, Burst: 1000})
	dispatcher.Register(store.ChannelEmail, recorder)
	dispatcher.Register(store.ChannelSMS, recorder)

	h := &harness{mem: mem, clk: clk, recorder: recorder}
	h.sched = New(mem, v, roster, dispatcher, audit.New(mem, clk), clk, Options{PublicURL: "https://pulse.example.com/"})
	h.sched.OnEvent(func(event string) { h.events = append(h.events, event) })
	h.sched.OnClosed(func(_ context.Context, row store.ScheduledSurvey) { h.closed = append(h.closed, row.SurveyID) })
	return h
}

func weeklyPlan() store.Plan {
	return store.Plan{
		ID:      "P1",
		OrgID:   "O1",
		Name:    "Weekly pulse",
		Cadence: store.CadenceWeekly,
		StartAt: t0,
		QuestionSets: []store.QuestionSet{{
			ID:        "QS1",
			Questions: []store.Question{{ID: "q1", DriverID: "D1", Text: "How is your workload?"}},
		}},
		ReminderPolicy: store.DefaultReminderPolicy(),
		Channels:       []store.Channel{store.ChannelEmail, store.ChannelSMS},
	}
}

func (h *harness) activePlan(t *testing.T, plan store.Plan) store.Plan {
	t.Helper()
	ctx := context.Background()
	if _, err := h.sched.CreatePlan(ctx, plan, "admin"); err != nil {
		t.Fatalf("create plan: %v", err)
	}
	active, err := h.sched.Activate(ctx, plan.ID, "admin")
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	return active
}

// at moves the clock and runs every timer due then.
func (h *harness) at(ts time.Time) {
	h.clk.Set(ts)
	for h.sched.DispatchDue(context.Background()) > 0 {
	}
}

func (h *harness) instances(t *testing.T) []store.ScheduledSurvey {
	t.Helper()
	rows, err := h.mem.ListScheduledSurveys(context.Background(), store.ScheduledFilter{PlanID: "P1"})
	if err != nil {
		t.Fatalf("list scheduled: %v", err)
	}
	return rows
}

func TestWeeklyTimeline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.activePlan(t, weeklyPlan())

	if at, ok := h.sched.Pending(planTag("P1")); !ok || !at.Equal(t0) {
		t.Fatalf("first fire timer = %v, %v", at, ok)
	}

	h.at(t0)
	rows := h.instances(t)
	if len(rows) != 1 || rows[0].Status != store.ScheduledSent || rows[0].TargetCount != 5 {
		t.Fatalf("after first fire: %+v", rows)
	}
	first := rows[0]
	if got := h.recorder.Count(delivery.KindInvitation, first.SurveyID); got != 5 {
		t.Fatalf("invitations = %d, want 5", got)
	}
	for _, msg := range h.recorder.Messages() {
		if msg.Channel == store.ChannelSMS && msg.To != "+15550100" {
			t.Fatalf("sms sent to %q", msg.To)
		}
		if len(msg.Link) != len("https://pulse.example.com/survey/")+32 {
			t.Fatalf("link %q", msg.Link)
		}
	}
	survey, _ := h.mem.GetSurvey(ctx, first.SurveyID)
	if !survey.ClosesAt.Equal(t0.AddDate(0, 0, 10)) {
		t.Fatalf("closes_at = %v", survey.ClosesAt)
	}

	// One employee responds before the first reminder.
	tokens, _ := h.mem.ListSurveyTokens(ctx, first.SurveyID)
	if len(tokens) != 5 {
		t.Fatalf("tokens = %d, want 5", len(tokens))
	}
	if _, err := h.mem.ConsumeToken(ctx, tokens[0].Token, t0.Add(time.Hour)); err != nil {
		t.Fatalf("consume: %v", err)
	}

	h.at(time.Date(2025, 1, 9, 9, 0, 0, 0, time.UTC))
	if got := h.recorder.Count(delivery.KindReminder, first.SurveyID); got != 4 {
		t.Fatalf("first reminder recipients = %d, want 4", got)
	}

	h.at(time.Date(2025, 1, 13, 9, 0, 0, 0, time.UTC))
	if got := h.recorder.Count(delivery.KindReminder, first.SurveyID); got != 8 {
		t.Fatalf("reminders after second = %d, want 8", got)
	}
	rows = h.instances(t)
	if len(rows) != 2 || !rows[1].ScheduledFor.Equal(time.Date(2025, 1, 13, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("second fire: %+v", rows)
	}
	if rows[0].ReminderCount != 2 {
		t.Fatalf("reminder_count = %d, want 2", rows[0].ReminderCount)
	}
	if _, ok := h.sched.Pending(remindTag(first.ID)); ok {
		t.Fatalf("third reminder scheduled past max_reminders")
	}

	h.at(time.Date(2025, 1, 16, 9, 0, 0, 0, time.UTC))
	row, _ := h.mem.GetScheduledSurvey(ctx, first.ID)
	if row.Status != store.ScheduledCompleted {
		t.Fatalf("status = %s, want completed", row.Status)
	}
	survey, _ = h.mem.GetSurvey(ctx, first.SurveyID)
	if survey.Status != store.SurveyClosed {
		t.Fatalf("survey status = %s", survey.Status)
	}
	tokens, _ = h.mem.ListSurveyTokens(ctx, first.SurveyID)
	for _, tok := range tokens {
		if tok.Used {
			if tok.ExpiredReason != "" {
				t.Fatalf("used token expired: %+v", tok)
			}
			continue
		}
		if tok.ExpiredReason != vault.ReasonSurveyClosed {
			t.Fatalf("unused token reason = %q", tok.ExpiredReason)
		}
	}
	if len(h.closed) != 1 || h.closed[0] != first.SurveyID {
		t.Fatalf("closed hooks = %v", h.closed)
	}
}

func TestRehydrateResumesInterruptedFire(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	plan := h.activePlan(t, weeklyPlan())

	// A crash right after the fire transaction leaves the row in "scheduled".
	_, created, err := h.mem.BeginFire(ctx, store.FireRequest{
		Plan:      plan,
		Survey:    store.Survey{ID: "S1", OrgID: "O1", OpensAt: t0, ClosesAt: t0.AddDate(0, 0, 10), Status: store.SurveyActive},
		Scheduled: store.ScheduledSurvey{ID: "R1", PlanID: "P1", SurveyID: "S1", ScheduledFor: t0, Status: store.ScheduledPending},
	})
	if err != nil || !created {
		t.Fatalf("begin fire = %v, %v", created, err)
	}

	h.clk.Set(t0.Add(2 * time.Minute))
	restarted := New(h.mem, h.sched.vault, roster, h.sched.sender, h.sched.audit, h.clk, Options{})
	if err := restarted.Rehydrate(ctx); err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	row, _ := h.mem.GetScheduledSurvey(ctx, "R1")
	if row.Status != store.ScheduledSent || row.TargetCount != 5 {
		t.Fatalf("row after resume = %+v", row)
	}
	if got := h.recorder.Count(delivery.KindInvitation, "S1"); got != 5 {
		t.Fatalf("invitations = %d", got)
	}
	if _, ok := restarted.Pending(closeTag("R1")); !ok {
		t.Fatalf("close timer not armed")
	}
	// The fire is recorded, so the next fire is a week out.
	if at, ok := restarted.Pending(planTag("P1")); !ok || !at.Equal(t0.AddDate(0, 0, 7)) {
		t.Fatalf("next fire = %v, %v", at, ok)
	}
}

func TestFireIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	plan := h.activePlan(t, weeklyPlan())
	h.clk.Set(t0)

	first, err := h.sched.Fire(ctx, plan, t0)
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	second, err := h.sched.Fire(ctx, plan, t0.Add(30*time.Second))
	if err != nil {
		t.Fatalf("second fire: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("second fire created %s", second.ID)
	}
	if n := len(h.instances(t)); n != 1 {
		t.Fatalf("instances = %d", n)
	}
	tokens, _ := h.mem.ListSurveyTokens(ctx, first.SurveyID)
	if len(tokens) != 5 || h.recorder.Count(delivery.KindInvitation, "") != 5 {
		t.Fatalf("tokens = %d invitations = %d", len(tokens), h.recorder.Count(delivery.KindInvitation, ""))
	}
}

func TestFireRejectsInactivePlan(t *testing.T) {
	h := newHarness(t)
	if _, err := h.sched.Fire(context.Background(), weeklyPlan(), t0); !errors.Is(err, ErrPlanInactive) {
		t.Fatalf("err = %v", err)
	}
}

func TestMaxResponsesClosesEarly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	plan := weeklyPlan()
	limit := 2
	plan.MaxResponses = &limit
	h.activePlan(t, plan)
	h.at(t0)

	row := h.instances(t)[0]
	for i := 0; i < limit; i++ {
		h.sched.OnSubmitted(ctx, responses.Submitted{SurveyID: row.SurveyID, TeamID: "T1", At: t0})
	}
	got, _ := h.mem.GetScheduledSurvey(ctx, row.ID)
	if got.Status != store.ScheduledCompleted || got.ResponseCount != 2 {
		t.Fatalf("row = %+v", got)
	}
	if _, ok := h.sched.Pending(closeTag(row.ID)); ok {
		t.Fatalf("close timer still pending")
	}

	// Responses to unscheduled surveys are ignored.
	h.sched.OnSubmitted(ctx, responses.Submitted{SurveyID: "adhoc"})
}

func TestDeactivateCancelsPendingInstances(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	plan := h.activePlan(t, weeklyPlan())
	if _, _, err := h.mem.BeginFire(ctx, store.FireRequest{
		Plan:      plan,
		Survey:    store.Survey{ID: "S1", OrgID: "O1", Status: store.SurveyActive},
		Scheduled: store.ScheduledSurvey{ID: "R1", PlanID: "P1", SurveyID: "S1", ScheduledFor: t0, Status: store.ScheduledPending},
	}); err != nil {
		t.Fatalf("begin fire: %v", err)
	}

	got, err := h.sched.Deactivate(ctx, "P1", "admin")
	if err != nil || got.Active {
		t.Fatalf("deactivate = %+v, %v", got, err)
	}
	row, _ := h.mem.GetScheduledSurvey(ctx, "R1")
	if row.Status != store.ScheduledCancelled {
		t.Fatalf("status = %s", row.Status)
	}
	if _, ok := h.sched.Pending(planTag("P1")); ok {
		t.Fatalf("plan timer survives deactivation")
	}
	entries, _ := h.mem.ListAudit(ctx, "plan", "P1")
	var actions []string
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	want := []string{audit.ActionPlanCreate, audit.ActionPlanActivate, audit.ActionPlanDeactivate}
	if len(actions) != len(want) {
		t.Fatalf("audit actions = %v", actions)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Fatalf("audit actions = %v, want %v", actions, want)
		}
	}
}

func TestCreatePlanRequiresQuestionSets(t *testing.T) {
	h := newHarness(t)
	plan := weeklyPlan()
	plan.QuestionSets = nil
	if _, err := h.sched.CreatePlan(context.Background(), plan, "admin"); !errors.Is(err, ErrNoQuestionSets) {
		t.Fatalf("err = %v", err)
	}
}

func TestTickCatchesUpOnlyLatestInterval(t *testing.T) {
	h := newHarness(t)
	h.activePlan(t, weeklyPlan())
	h.clk.Set(t0.AddDate(0, 0, 15))

	fired, err := h.sched.Tick(context.Background())
	if err != nil || fired != 1 {
		t.Fatalf("tick = %d, %v", fired, err)
	}
	rows := h.instances(t)
	if len(rows) != 1 || !rows[0].ScheduledFor.Equal(t0.AddDate(0, 0, 14)) {
		t.Fatalf("rows = %+v", rows)
	}
	if fired, _ := h.sched.Tick(context.Background()); fired != 0 {
		t.Fatalf("second tick fired %d", fired)
	}
}
