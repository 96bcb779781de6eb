package privacy

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"novora/api/internal/store"
)

func seedGuard(t *testing.T, respondents map[string]int) (*Guard, *store.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemoryStore()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	must(mem.SaveOrganization(ctx, store.Organization{ID: "O1", Privacy: store.DefaultPrivacySettings()}))
	must(mem.SaveOrganization(ctx, store.Organization{ID: "O2", Privacy: store.DefaultPrivacySettings()}))
	must(mem.InsertSurvey(ctx, store.Survey{ID: "S2", OrgID: "O1", OpensAt: time.Now()}))
	must(mem.SaveTeam(ctx, store.Team{ID: "OTHER", OrgID: "O2", Size: 10}))
	for teamID, n := range respondents {
		must(mem.SaveTeam(ctx, store.Team{ID: teamID, OrgID: "O1", Size: 10}))
		must(mem.SaveSummaries(ctx, store.SummaryBundle{
			Participation: store.ParticipationSummary{SurveyID: "S2", TeamID: teamID, Respondents: n, TeamSize: 10},
		}))
	}
	return NewGuard(mem), mem
}

func TestExposeSuppressesBelowMinN(t *testing.T) {
	guard, mem := seedGuard(t, map[string]int{"T1": 3})
	called := false
	producer := func(context.Context) (map[string]float64, error) {
		called = true
		return map[string]float64{"D1": 7.5}, nil
	}

	result, err := Expose(context.Background(), guard, Scope{OrgID: "O1", TeamID: "T1", SurveyID: "S2"}, producer)
	if err != nil {
		t.Fatalf("expose: %v", err)
	}
	if result.IsSafe() || called {
		t.Fatalf("expected suppression without calling producer (safe=%v called=%v)", result.IsSafe(), called)
	}
	if result.Message() != "Not enough responses to display data safely" {
		t.Fatalf("message = %q", result.Message())
	}
	body, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := decoded["data"]; ok || strings.Contains(string(body), "7.5") {
		t.Fatalf("suppressed body leaks data: %s", body)
	}

	err = mem.SaveSummaries(context.Background(), store.SummaryBundle{
		Participation: store.ParticipationSummary{SurveyID: "S2", TeamID: "T1", Respondents: 4, TeamSize: 10},
	})
	if err != nil {
		t.Fatalf("save summaries: %v", err)
	}
	result, err = Expose(context.Background(), guard, Scope{OrgID: "O1", TeamID: "T1", SurveyID: "S2"}, producer)
	if err != nil {
		t.Fatalf("expose: %v", err)
	}
	data, ok := result.Unwrap()
	if !ok || data["D1"] != 7.5 {
		t.Fatalf("expected safe data, got %+v ok=%v", data, ok)
	}
}

func TestUnknownAndForeignScopesAreIndistinguishable(t *testing.T) {
	guard, _ := seedGuard(t, map[string]int{"EMPTY": 0})
	var messages []string
	for _, scope := range []Scope{
		{OrgID: "O1", TeamID: "EMPTY", SurveyID: "S2"},
		{OrgID: "O1", TeamID: "NOPE", SurveyID: "S2"},
		{OrgID: "O1", TeamID: "OTHER", SurveyID: "S2"},
		{OrgID: "O1", TeamID: "EMPTY", SurveyID: "MISSING"},
	} {
		ok, message, err := guard.Check(context.Background(), scope)
		if err != nil {
			t.Fatalf("check %+v: %v", scope, err)
		}
		if ok {
			t.Fatalf("scope %+v passed the gate", scope)
		}
		messages = append(messages, message)
	}
	for _, m := range messages[1:] {
		if m != messages[0] {
			t.Fatalf("messages differ: %q", messages)
		}
	}
}

func TestSurveyWideScopeSumsTeams(t *testing.T) {
	guard, _ := seedGuard(t, map[string]int{"T1": 2, "T2": 2})
	ok, _, err := guard.Check(context.Background(), Scope{OrgID: "O1", SurveyID: "S2"})
	if err != nil || !ok {
		t.Fatalf("survey-wide check = %v, %v; want safe", ok, err)
	}
}

func TestSafePercentage(t *testing.T) {
	tests := []struct {
		num, den, minN int
		want           *float64
	}{
		{num: 1, den: 3, minN: 4, want: nil},
		{num: 0, den: 0, minN: 0, want: nil},
		{num: 1, den: 3, minN: 3, want: ptr(33.33)},
		{num: 4, den: 4, minN: 4, want: ptr(100)},
	}
	for _, tc := range tests {
		got := SafePercentage(tc.num, tc.den, tc.minN)
		if (got == nil) != (tc.want == nil) || (got != nil && *got != *tc.want) {
			t.Errorf("SafePercentage(%d,%d,%d) = %v, want %v", tc.num, tc.den, tc.minN, deref(got), deref(tc.want))
		}
	}
}

func TestFilterAndValidateExport(t *testing.T) {
	guard, _ := seedGuard(t, map[string]int{"T1": 5, "T2": 1, "T3": 4})
	suppressed := 0
	guard.OnSuppressed(func(Scope) { suppressed++ })

	partition, err := guard.FilterUnsafeTeams(context.Background(), "O1", "S2", []string{"T1", "T2", "T3"})
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(partition.Safe) != 2 || partition.Suppressed != 1 {
		t.Fatalf("partition = %+v", partition)
	}
	if suppressed != 1 {
		t.Fatalf("suppression hook ran %d times", suppressed)
	}

	check, err := guard.ValidateExport(context.Background(), "O1", "S2", []string{"T1", "T2"})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if check.OK || len(check.Unsafe) != 1 || check.Unsafe[0] != "T2" {
		t.Fatalf("export check = %+v", check)
	}
}

func TestResultJSONRoundTrip(t *testing.T) {
	raw, err := json.Marshal(Safe([]int{1, 2}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `{"safe":true,"data":[1,2]}` {
		t.Fatalf("safe body = %s", raw)
	}
	var decoded Result[[]int]
	if err := json.Unmarshal([]byte(`{"safe":false,"message":"nope"}`), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.IsSafe() || decoded.Message() != "nope" {
		t.Fatalf("decoded = %+v", decoded)
	}
}

func ptr(v float64) *float64 { return &v }

func deref(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func TestCheckCountUsesOrgMinN(t *testing.T) {
	guard, _ := seedGuard(t, nil)
	var suppressed []Scope
	guard.OnSuppressed(func(scope Scope) { suppressed = append(suppressed, scope) })

	tests := []struct {
		respondents int
		want        bool
	}{
		{respondents: 0, want: false},
		{respondents: 3, want: false},
		{respondents: 4, want: true},
		{respondents: 12, want: true},
	}
	for _, tc := range tests {
		ok, message, err := guard.CheckCount(context.Background(), Scope{OrgID: "O1", TeamID: "T1"}, tc.respondents)
		if err != nil {
			t.Fatalf("check count: %v", err)
		}
		if ok != tc.want {
			t.Fatalf("respondents %d: ok = %v, want %v", tc.respondents, ok, tc.want)
		}
		if !ok && message == "" {
			t.Fatalf("respondents %d: missing fallback message", tc.respondents)
		}
	}
	if len(suppressed) != 2 {
		t.Fatalf("suppressed hook calls = %d, want 2", len(suppressed))
	}
}
