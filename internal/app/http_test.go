package app

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"novora/api/internal/store"
)

func TestKPIsSuppressedUntilMinN(t *testing.T) {
	h := newHarness(t)
	h.survey(t, "S2")
	for i := 0; i < 3; i++ {
		h.respond(t, "S2", "T1", 8)
	}
	token := h.token(t, "manager")
	path := "/api/orgs/O1/surveys/S2/kpis?team=T1"

	rr := h.do(t, http.MethodGet, path, token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeMap(t, rr)
	if payload["safe"] != false || payload["message"] != "Not enough responses to display data safely" {
		t.Fatalf("payload = %v", payload)
	}
	if _, ok := payload["data"]; ok {
		t.Fatalf("suppressed payload carries data: %s", rr.Body.String())
	}
	if strings.Contains(rr.Body.String(), "avg_score") {
		t.Fatalf("suppressed payload leaks scores: %s", rr.Body.String())
	}

	h.respond(t, "S2", "T1", 8)

	rr = h.do(t, http.MethodGet, path, token, nil)
	payload = decodeMap(t, rr)
	if payload["safe"] != true {
		t.Fatalf("payload after 4th response = %v", payload)
	}
	data := payload["data"].(map[string]any)
	if data["respondents"] != float64(4) {
		t.Fatalf("respondents = %v", data["respondents"])
	}
	drivers := data["drivers"].([]any)
	if len(drivers) != 2 {
		t.Fatalf("drivers = %v", drivers)
	}
	first := drivers[0].(map[string]any)
	if first["driver_id"] != "D1" || first["avg_score"] != float64(8) || first["name"] != "Recognition" {
		t.Fatalf("driver = %v", first)
	}
}

func TestUnknownTeamIsSuppressedNotMissing(t *testing.T) {
	h := newHarness(t)
	h.survey(t, "S1")
	rr := h.do(t, http.MethodGet, "/api/orgs/O1/surveys/S1/kpis?team=T404", h.token(t, "admin"), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if payload := decodeMap(t, rr); payload["safe"] != false {
		t.Fatalf("payload = %v", payload)
	}
}

func TestAuthRequired(t *testing.T) {
	h := newHarness(t)
	expired := h.token(t, "admin")
	h.clock.Advance(2 * time.Hour)

	tests := []struct {
		name  string
		token string
	}{
		{name: "missing", token: ""},
		{name: "garbage", token: "not-a-token"},
		{name: "expired", token: expired},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := h.do(t, http.MethodGet, "/api/orgs/O1/alerts", tc.token, nil)
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d", rr.Code)
			}
			if payload := decodeMap(t, rr); payload["code"] != "unauthorized" {
				t.Fatalf("code = %v", payload["code"])
			}
		})
	}
}

func TestScopeAndRoleChecks(t *testing.T) {
	h := newHarness(t)
	h.survey(t, "S1")

	tests := []struct {
		name   string
		token  string
		method string
		path   string
		body   any
	}{
		{name: "other org", token: h.tokenFor(t, "O2", "admin"), method: http.MethodGet, path: "/api/orgs/O1/surveys/S1/kpis?team=T1"},
		{name: "uncovered team", token: h.token(t, "manager", "T1"), method: http.MethodGet, path: "/api/orgs/O1/surveys/S1/kpis?team=T2"},
		{name: "org view for team session", token: h.token(t, "manager", "T1"), method: http.MethodGet, path: "/api/orgs/O1/surveys/S1/kpis"},
		{name: "themes for team session", token: h.token(t, "manager", "T1"), method: http.MethodGet, path: "/api/orgs/O1/surveys/S1/themes"},
		{name: "viewer export", token: h.token(t, "viewer"), method: http.MethodPost, path: "/api/orgs/O1/surveys/S1/export/validate", body: map[string]any{"team_ids": []string{"T1"}}},
		{name: "viewer privacy", token: h.token(t, "viewer"), method: http.MethodPut, path: "/api/orgs/O1/privacy", body: store.DefaultPrivacySettings()},
		{name: "manager privacy", token: h.token(t, "manager"), method: http.MethodPut, path: "/api/orgs/O1/privacy", body: store.DefaultPrivacySettings()},
		{name: "manager plan", token: h.token(t, "manager"), method: http.MethodPost, path: "/api/plans", body: map[string]any{"name": "Pulse"}},
		{name: "export uncovered team", token: h.token(t, "manager", "T1"), method: http.MethodPost, path: "/api/orgs/O1/surveys/S1/export/validate", body: map[string]any{"team_ids": []string{"T2"}}},
		{name: "token stats for team session", token: h.token(t, "manager", "T1"), method: http.MethodGet, path: "/api/surveys/S1/tokens/stats"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := h.do(t, tc.method, tc.path, tc.token, tc.body)
			if rr.Code != http.StatusForbidden {
				t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
			}
			if payload := decodeMap(t, rr); payload["code"] != "forbidden" {
				t.Fatalf("code = %v", payload["code"])
			}
		})
	}
}

func TestHeatmapRowsFollowSafetyAndScope(t *testing.T) {
	h := newHarness(t)
	h.survey(t, "S1")
	for i := 0; i < 4; i++ {
		h.respond(t, "S1", "T1", 9)
	}
	for i := 0; i < 2; i++ {
		h.respond(t, "S1", "T2", 3)
	}

	rr := h.do(t, http.MethodGet, "/api/orgs/O1/surveys/S1/heatmap", h.token(t, "admin"), nil)
	payload := decodeMap(t, rr)
	if payload["safe"] != true {
		t.Fatalf("payload = %v", payload)
	}
	data := payload["data"].(map[string]any)
	rows := data["rows"].([]any)
	if len(rows) != 1 || rows[0].(map[string]any)["team_id"] != "T1" {
		t.Fatalf("rows = %v", rows)
	}
	if data["suppressed_teams"] != float64(1) {
		t.Fatalf("suppressed_teams = %v", data["suppressed_teams"])
	}
	if strings.Contains(rr.Body.String(), "T2") {
		t.Fatalf("heatmap names an unsafe team: %s", rr.Body.String())
	}

	rr = h.do(t, http.MethodGet, "/api/orgs/O1/surveys/S1/heatmap", h.token(t, "viewer", "T2"), nil)
	data = decodeMap(t, rr)["data"].(map[string]any)
	if rows := data["rows"].([]any); len(rows) != 0 {
		t.Fatalf("team-scoped rows = %v", rows)
	}
}

func TestAlertLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alert, _, err := h.mem.CreateAlertIfAbsent(ctx, store.Alert{
		ID: "alr_1", OrgID: "O1", TeamID: "T1", SurveyID: "S1", DriverID: "D1",
		Type: store.AlertScoreDrop, Severity: store.SeverityHigh, CurrentScore: 5.8, DeltaPrev: -2.2,
		Status: store.AlertOpen, CreatedAt: t0, UpdatedAt: t0,
	})
	if err != nil {
		t.Fatalf("create alert: %v", err)
	}
	manager := h.token(t, "manager")

	rr := h.do(t, http.MethodGet, "/api/orgs/O1/alerts?status=open", manager, nil)
	items := decodeMap(t, rr)["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("items = %v", items)
	}

	rr = h.do(t, http.MethodPost, "/api/alerts/"+alert.ID+"/acknowledge", manager, map[string]any{"note": "looking"})
	if rr.Code != http.StatusOK || decodeMap(t, rr)["status"] != "acknowledged" {
		t.Fatalf("acknowledge: %d %s", rr.Code, rr.Body.String())
	}
	rr = h.do(t, http.MethodPost, "/api/alerts/"+alert.ID+"/acknowledge", manager, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("second acknowledge status = %d", rr.Code)
	}
	rr = h.do(t, http.MethodPost, "/api/alerts/"+alert.ID+"/resolve", manager, map[string]any{"note": "1:1s scheduled"})
	payload := decodeMap(t, rr)
	if rr.Code != http.StatusOK || payload["status"] != "resolved" || payload["resolver_note"] != "1:1s scheduled" {
		t.Fatalf("resolve: %d %v", rr.Code, payload)
	}

	entries, err := h.mem.ListAudit(ctx, "alert", alert.ID)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(entries) != 2 || entries[0].Action != "alert.acknowledge" || entries[1].Action != "alert.resolve" {
		t.Fatalf("audit = %+v", entries)
	}

	rr = h.do(t, http.MethodPost, "/api/alerts/"+alert.ID+"/resolve", h.token(t, "viewer"), nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("viewer resolve status = %d", rr.Code)
	}
	rr = h.do(t, http.MethodPost, "/api/alerts/"+alert.ID+"/resolve", h.token(t, "manager", "T2"), nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("uncovered team resolve status = %d", rr.Code)
	}
}

func TestExportValidation(t *testing.T) {
	h := newHarness(t)
	h.survey(t, "S1")
	for i := 0; i < 4; i++ {
		h.respond(t, "S1", "T1", 7)
	}
	h.respond(t, "S1", "T2", 7)
	manager := h.token(t, "manager")
	path := "/api/orgs/O1/surveys/S1/export/validate"

	rr := h.do(t, http.MethodPost, path, manager, map[string]any{"team_ids": []string{"T1"}})
	if rr.Code != http.StatusOK || decodeMap(t, rr)["ok"] != true {
		t.Fatalf("safe export: %d %s", rr.Code, rr.Body.String())
	}

	rr = h.do(t, http.MethodPost, path, manager, map[string]any{"team_ids": []string{"T1", "T2"}})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unsafe export status = %d", rr.Code)
	}
	payload := decodeMap(t, rr)
	if payload["code"] != "insufficient_responses" {
		t.Fatalf("code = %v", payload["code"])
	}
	unsafe := payload["details"].(map[string]any)["unsafe"].([]any)
	if len(unsafe) != 1 || unsafe[0] != "T2" {
		t.Fatalf("unsafe = %v", unsafe)
	}

	entries, _ := h.mem.ListAudit(context.Background(), "survey", "S1")
	count := 0
	for _, entry := range entries {
		if entry.Action == "export.validate" {
			count++
		}
	}
	if count != 2 {
		t.Fatalf("export audit entries = %d", count)
	}
}

func TestUpdatePrivacyInvalidatesViews(t *testing.T) {
	h := newHarness(t)
	h.survey(t, "S1")
	for i := 0; i < 4; i++ {
		h.respond(t, "S1", "T1", 7)
	}
	admin := h.token(t, "admin")
	kpis := "/api/orgs/O1/surveys/S1/kpis?team=T1"

	if payload := decodeMap(t, h.do(t, http.MethodGet, kpis, admin, nil)); payload["safe"] != true {
		t.Fatalf("before update = %v", payload)
	}

	settings := store.DefaultPrivacySettings()
	settings.MinN = 5
	rr := h.do(t, http.MethodPut, "/api/orgs/O1/privacy", admin, settings)
	if rr.Code != http.StatusOK {
		t.Fatalf("update status = %d body=%s", rr.Code, rr.Body.String())
	}
	if payload := decodeMap(t, h.do(t, http.MethodGet, kpis, admin, nil)); payload["safe"] != false {
		t.Fatalf("after raising min_n = %v", payload)
	}

	settings.MinN = 1
	rr = h.do(t, http.MethodPut, "/api/orgs/O1/privacy", admin, settings)
	if rr.Code != http.StatusBadRequest || decodeMap(t, rr)["code"] != "invalid_input" {
		t.Fatalf("invalid update: %d %s", rr.Code, rr.Body.String())
	}

	entries, _ := h.mem.ListAudit(context.Background(), "organization", "O1")
	if len(entries) != 1 || entries[0].Action != "privacy.update" {
		t.Fatalf("audit = %+v", entries)
	}
}

func TestSubmitEndpoint(t *testing.T) {
	h := newHarness(t)
	h.survey(t, "S1")
	token := h.mint(t, "S1", "T1")
	path := "/api/surveys/S1/responses"
	body := map[string]any{
		"token":    token,
		"scores":   []map[string]any{{"driver_id": "D1", "score": 9}},
		"comments": []map[string]any{{"text": "Great onboarding"}},
	}

	rr := h.do(t, http.MethodPost, path, "", body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("submit status = %d body=%s", rr.Code, rr.Body.String())
	}
	if payload := decodeMap(t, rr); payload["scores"] != float64(1) || payload["comments"] != float64(1) {
		t.Fatalf("receipt = %v", payload)
	}

	tests := []struct {
		name   string
		body   map[string]any
		status int
		code   string
	}{
		{name: "reuse", body: body, status: http.StatusConflict, code: "already_used"},
		{name: "unknown token", body: map[string]any{"token": "nope", "scores": []map[string]any{{"driver_id": "D1", "score": 9}}}, status: http.StatusUnauthorized, code: "invalid_token"},
		{name: "missing token", body: map[string]any{"scores": []map[string]any{{"driver_id": "D1", "score": 9}}}, status: http.StatusUnauthorized, code: "invalid_token"},
		{name: "score out of range", body: map[string]any{"token": h.mint(t, "S1", "T1"), "scores": []map[string]any{{"driver_id": "D1", "score": 11}}}, status: http.StatusBadRequest, code: "invalid_input"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := h.do(t, http.MethodPost, path, "", tc.body)
			if rr.Code != tc.status {
				t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
			}
			if payload := decodeMap(t, rr); payload["code"] != tc.code {
				t.Fatalf("code = %v", payload["code"])
			}
		})
	}
}

func TestPlanEndpoints(t *testing.T) {
	h := newHarness(t)
	admin := h.token(t, "admin")
	body := map[string]any{
		"name":     "Weekly pulse",
		"cadence":  "weekly",
		"start_at": t0.Add(24 * time.Hour),
		"question_sets": []map[string]any{{
			"id":        "qs-a",
			"questions": []map[string]any{{"id": "q1", "driver_id": "D1", "text": "Recognised?"}},
		}},
		"audience": map[string]any{"team_ids": []string{"T1"}},
	}

	rr := h.do(t, http.MethodPost, "/api/plans", admin, body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", rr.Code, rr.Body.String())
	}
	plan := decodeMap(t, rr)
	if plan["active"] != false || plan["cadence"] != "weekly" {
		t.Fatalf("plan = %v", plan)
	}
	id := plan["id"].(string)

	rr = h.do(t, http.MethodPost, "/api/plans/"+id+"/activate", admin, nil)
	if rr.Code != http.StatusOK || decodeMap(t, rr)["active"] != true {
		t.Fatalf("activate: %d %s", rr.Code, rr.Body.String())
	}
	rr = h.do(t, http.MethodPost, "/api/plans/"+id+"/deactivate", admin, nil)
	if rr.Code != http.StatusOK || decodeMap(t, rr)["active"] != false {
		t.Fatalf("deactivate: %d %s", rr.Code, rr.Body.String())
	}
	rr = h.do(t, http.MethodPost, "/api/plans/"+id+"/activate", h.tokenFor(t, "O2", "admin"), nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("other org activate status = %d", rr.Code)
	}

	invalid := []struct {
		name string
		edit func(map[string]any)
	}{
		{name: "no question sets", edit: func(b map[string]any) { delete(b, "question_sets") }},
		{name: "bad cadence", edit: func(b map[string]any) { b["cadence"] = "hourly" }},
		{name: "foreign audience", edit: func(b map[string]any) { b["audience"] = map[string]any{"team_ids": []string{"T9"}} }},
		{name: "end before start", edit: func(b map[string]any) { b["end_at"] = t0 }},
	}
	for _, tc := range invalid {
		t.Run(tc.name, func(t *testing.T) {
			edited := make(map[string]any, len(body))
			for k, v := range body {
				edited[k] = v
			}
			tc.edit(edited)
			rr := h.do(t, http.MethodPost, "/api/plans", admin, edited)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestTokenStatsEndpoint(t *testing.T) {
	h := newHarness(t)
	h.survey(t, "S1")
	h.respond(t, "S1", "T1", 6)
	h.mint(t, "S1", "T1")

	rr := h.do(t, http.MethodGet, "/api/surveys/S1/tokens/stats", h.token(t, "viewer"), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeMap(t, rr)
	if payload["total"] != float64(2) || payload["used"] != float64(1) {
		t.Fatalf("stats = %v", payload)
	}

	rr = h.do(t, http.MethodGet, "/api/surveys/S1/tokens/stats", h.tokenFor(t, "O2", "admin"), nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("other org status = %d", rr.Code)
	}
}

func TestUnknownRoutes(t *testing.T) {
	h := newHarness(t)
	admin := h.token(t, "admin")
	tests := []struct {
		method string
		path   string
		status int
	}{
		{method: http.MethodGet, path: "/api/nope", status: http.StatusNotFound},
		{method: http.MethodGet, path: "/api/orgs/O1/surveys/S1/unknown", status: http.StatusNotFound},
		{method: http.MethodDelete, path: "/api/orgs/O1/privacy", status: http.StatusMethodNotAllowed},
		{method: http.MethodGet, path: "/api/surveys/S1/responses", status: http.StatusMethodNotAllowed},
	}
	for _, tc := range tests {
		rr := h.do(t, tc.method, tc.path, admin, nil)
		if rr.Code != tc.status {
			t.Fatalf("%s %s status = %d, want %d", tc.method, tc.path, rr.Code, tc.status)
		}
	}
}
