package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"novora/api/internal/alerts"
	"novora/api/internal/archive"
	"novora/api/internal/audit"
	"novora/api/internal/auth"
	"novora/api/internal/cache"
	"novora/api/internal/clock"
	"novora/api/internal/config"
	"novora/api/internal/delivery"
	"novora/api/internal/privacy"
	"novora/api/internal/responses"
	"novora/api/internal/scheduler"
	"novora/api/internal/search"
	"novora/api/internal/store"
	"novora/api/internal/summary"
	"novora/api/internal/vault"
)

var t0 = time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)

const testSecret = "app-test-secret-0123456789"

type nopSender struct{}

func (nopSender) Send(context.Context, delivery.Message) error { return nil }

type harness struct {
	mem       *store.MemoryStore
	clock     *clock.FakeClock
	vault     *vault.Vault
	responses *responses.Service
	engine    *summary.Engine
	archive   *archive.Memory
	svc       *Service
	server    *HTTPServer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithStore(t, store.NewMemoryStore(), nil)
}

// newHarnessWithStore seeds mem and wires the service over ds, which
// defaults to mem.
func newHarnessWithStore(t *testing.T, mem *store.MemoryStore, ds dataStore) *harness {
	t.Helper()
	ctx := context.Background()
	for _, org := range []string{"O1", "O2"} {
		if err := mem.SaveOrganization(ctx, store.Organization{ID: org, Name: org, Privacy: store.DefaultPrivacySettings(), Thresholds: store.DefaultAlertThresholds()}); err != nil {
			t.Fatalf("save org: %v", err)
		}
	}
	for _, team := range []store.Team{
		{ID: "T1", OrgID: "O1", Name: "Platform", Size: 10},
		{ID: "T2", OrgID: "O1", Name: "Payments", Size: 10},
		{ID: "T9", OrgID: "O2", Name: "Elsewhere", Size: 10},
	} {
		if err := mem.SaveTeam(ctx, team); err != nil {
			t.Fatalf("save team: %v", err)
		}
	}
	for _, driver := range []store.Driver{
		{ID: "D1", OrgID: "O1", Name: "Recognition"},
		{ID: "D2", OrgID: "O1", Name: "Workload"},
	} {
		if err := mem.SaveDriver(ctx, driver); err != nil {
			t.Fatalf("save driver: %v", err)
		}
	}

	clk := clock.Fake(t0)
	guard := privacy.NewGuard(mem)
	log := audit.New(mem, clk)
	evaluator := alerts.NewEvaluator(mem, guard, log, clk)
	pseudonyms, err := vault.NewPseudonymizer([]byte("app-test-pseudonym-key"))
	if err != nil {
		t.Fatalf("pseudonymizer: %v", err)
	}
	v := vault.New(mem, clk, pseudonyms, vault.Options{MaxRequests: 1000, MaxFailed: 1000})
	rs := responses.NewService(mem, v, clk)
	engine := summary.NewEngine(mem, clk, 0)
	views := cache.New(cache.NewMemoryBackend(clk))
	rs.Subscribe(views.OnSubmitted)
	engine.Subscribe(views.OnRefresh)
	engine.Subscribe(evaluator.OnRefresh)
	sched := scheduler.New(mem, v, scheduler.StaticDirectory{}, nopSender{}, log, clk, scheduler.Options{})
	comments := search.NewService(nil, search.NewDatabase(mem), func(ctx context.Context, surveyID string) (string, error) {
		survey, err := mem.GetSurvey(ctx, surveyID)
		return survey.OrgID, err
	})
	reports := archive.NewMemory()

	if ds == nil {
		ds = mem
	}
	svc := New(config.Config{AuthSecret: testSecret}, Deps{
		Store:     ds,
		Guard:     guard,
		Cache:     views,
		Audit:     log,
		Alerts:    evaluator,
		Scheduler: sched,
		Vault:     v,
		Responses: rs,
		Search:    comments,
		Archive:   reports,
		Clock:     clk,
	})
	return &harness{
		mem:       mem,
		clock:     clk,
		vault:     v,
		responses: rs,
		engine:    engine,
		archive:   reports,
		svc:       svc,
		server:    NewHTTPServer(svc, "*"),
	}
}

func (h *harness) survey(t *testing.T, id string) {
	t.Helper()
	err := h.mem.InsertSurvey(context.Background(), store.Survey{
		ID: id, OrgID: "O1", Title: id,
		OpensAt: t0.Add(-time.Hour), ClosesAt: t0.Add(240 * time.Hour), Status: store.SurveyActive,
		QuestionSet: store.QuestionSet{ID: "qs", Questions: []store.Question{
			{ID: "q1", DriverID: "D1", Text: "Do you feel recognised?"},
			{ID: "q2", DriverID: "D2", Text: "Is your workload sustainable?"},
		}},
	})
	if err != nil {
		t.Fatalf("insert survey: %v", err)
	}
}

// mint returns a fresh token for (survey, team).
func (h *harness) mint(t *testing.T, surveyID, teamID string) string {
	t.Helper()
	token, _, err := h.vault.Mint(context.Background(), surveyID, teamID, "")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	return token.Token
}

// respond redeems a fresh token with the same score for every driver and
// refreshes the team's summary.
func (h *harness) respond(t *testing.T, surveyID, teamID string, score int) {
	t.Helper()
	ctx := context.Background()
	_, err := h.responses.Submit(ctx, responses.Request{
		Token:    h.mint(t, surveyID, teamID),
		SurveyID: surveyID,
		Scores:   []responses.Score{{DriverID: "D1", Score: score}, {DriverID: "D2", Score: score}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := h.engine.Refresh(ctx, surveyID, teamID); err != nil {
		t.Fatalf("refresh: %v", err)
	}
}

func (h *harness) token(t *testing.T, role string, teams ...string) string {
	t.Helper()
	return h.tokenFor(t, "O1", role, teams...)
}

func (h *harness) tokenFor(t *testing.T, org, role string, teams ...string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), auth.Claims{
		Sub:   "user-" + role,
		Name:  role,
		Org:   org,
		Teams: teams,
		Role:  role,
		JTI:   fmt.Sprintf("jti-%s-%d", role, len(teams)),
		Exp:   h.clock.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (h *harness) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &payload)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeMap(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
	return out
}
