package summary

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync/atomic"
	"testing"
	"time"

	"novora/api/internal/clock"
	"novora/api/internal/store"
)

var t0 = time.Date(2025, 1, 20, 9, 0, 0, 0, time.UTC)

type fixture struct {
	mem   *store.MemoryStore
	clock *clock.FakeClock
	seq   int
}

func newFixture(t *testing.T, teamSize int) *fixture {
	t.Helper()
	mem := store.NewMemoryStore()
	ctx := context.Background()
	_ = mem.SaveOrganization(ctx, store.Organization{ID: "O1", Privacy: store.DefaultPrivacySettings(), Thresholds: store.DefaultAlertThresholds()})
	_ = mem.SaveTeam(ctx, store.Team{ID: "T1", OrgID: "O1", Name: "Platform", Size: teamSize})
	_ = mem.SaveDriver(ctx, store.Driver{ID: "D1", OrgID: "O1", Name: "Recognition"})
	return &fixture{mem: mem, clock: clock.Fake(t0)}
}

func (f *fixture) survey(t *testing.T, id string, opens time.Time) {
	t.Helper()
	err := f.mem.InsertSurvey(context.Background(), store.Survey{
		ID: id, OrgID: "O1", OpensAt: opens, ClosesAt: opens.Add(240 * time.Hour), Status: store.SurveyActive,
	})
	if err != nil {
		t.Fatalf("insert survey: %v", err)
	}
}

// respond redeems a fresh token for (survey, T1) with one score per driver.
func (f *fixture) respond(t *testing.T, surveyID string, at time.Time, scores map[string]int) {
	t.Helper()
	ctx := context.Background()
	f.seq++
	token := fmt.Sprintf("TKN_%03d", f.seq)
	_, _, _ = f.mem.InsertToken(ctx, store.SurveyToken{Token: token, SurveyID: surveyID, TeamID: "T1", ExpiresAt: at.Add(time.Hour)})
	sub := store.Submission{Token: token, SurveyID: surveyID, Submitted: at}
	for driver, score := range scores {
		sub.Scores = append(sub.Scores, store.NumericResponse{
			ID: fmt.Sprintf("rsp_%d_%s", f.seq, driver), DriverID: driver, Score: score, CreatedAt: at,
		})
	}
	if _, err := f.mem.SubmitResponses(ctx, sub); err != nil {
		t.Fatalf("submit: %v", err)
	}
}

func TestRefreshComputesDeltaAgainstPreviousSurvey(t *testing.T) {
	f := newFixture(t, 10)
	prevOpens := t0.Add(-7 * 24 * time.Hour)
	f.survey(t, "S_prev", prevOpens)
	f.survey(t, "S_cur", t0)
	for i := 0; i < 4; i++ {
		f.respond(t, "S_prev", prevOpens.Add(time.Hour), map[string]int{"D1": 8})
	}
	for _, s := range []int{6, 6, 6, 6, 5} {
		f.respond(t, "S_cur", t0.Add(time.Hour), map[string]int{"D1": s})
	}
	engine := NewEngine(f.mem, f.clock, 0)
	ctx := context.Background()
	if _, err := engine.Refresh(ctx, "S_prev", "T1"); err != nil {
		t.Fatalf("refresh prev: %v", err)
	}
	bundle, err := engine.Refresh(ctx, "S_cur", "T1")
	if err != nil {
		t.Fatalf("refresh cur: %v", err)
	}

	if len(bundle.Drivers) != 1 {
		t.Fatalf("drivers = %+v", bundle.Drivers)
	}
	d := bundle.Drivers[0]
	if d.AvgScore != 5.8 || d.DeltaVsPrev == nil || *d.DeltaVsPrev != -2.2 {
		t.Fatalf("driver = %+v delta=%v", d, d.DeltaVsPrev)
	}
	p := bundle.Participation
	if p.Respondents != 5 || p.ParticipationPct == nil || *p.ParticipationPct != 50 || p.DeltaPct != 10 {
		t.Fatalf("participation = %+v", p)
	}
	stored, err := f.mem.GetParticipation(ctx, "S_cur", "T1")
	if err != nil || stored.Respondents != 5 {
		t.Fatalf("stored participation = %+v err=%v", stored, err)
	}
}

func TestParticipationPctNullForEmptyTeam(t *testing.T) {
	f := newFixture(t, 0)
	f.survey(t, "S1", t0)
	f.respond(t, "S1", t0.Add(time.Hour), map[string]int{"D1": 7})
	bundle, err := NewEngine(f.mem, f.clock, 0).Refresh(context.Background(), "S1", "T1")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if bundle.Participation.ParticipationPct != nil {
		t.Fatalf("participation pct = %v, want nil", *bundle.Participation.ParticipationPct)
	}
	if bundle.Participation.Respondents != 1 {
		t.Fatalf("respondents = %d", bundle.Participation.Respondents)
	}
}

func TestRefreshWritesMonthlyTrend(t *testing.T) {
	f := newFixture(t, 10)
	f.survey(t, "S1", t0)
	for i, score := range []int{9, 6, 9, 6} {
		f.respond(t, "S1", t0.Add(time.Duration(i+1)*time.Hour), map[string]int{"D1": score})
	}
	engine := NewEngine(f.mem, f.clock, 0)
	if _, err := engine.Refresh(context.Background(), "S1", "T1"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	trends, err := f.mem.ListDriverTrends(context.Background(), []string{"T1"}, t0)
	if err != nil {
		t.Fatalf("list trends: %v", err)
	}
	if len(trends) != 1 {
		t.Fatalf("trends = %+v", trends)
	}
	want := store.DriverTrend{TeamID: "T1", DriverID: "D1", PeriodMonth: store.MonthStart(t0), AvgScore: 7.5, Samples: 4, Respondents: 4}
	if trends[0] != want {
		t.Fatalf("trend = %+v, want %+v", trends[0], want)
	}
}

func TestTrendSkipsSurveysBelowMinN(t *testing.T) {
	f := newFixture(t, 10)
	engine := NewEngine(f.mem, f.clock, 0)
	ctx := context.Background()
	for i, id := range []string{"SA", "SB", "SC", "SD"} {
		opens := t0.Add(time.Duration(i) * 24 * time.Hour)
		f.survey(t, id, opens)
		f.respond(t, id, opens.Add(time.Hour), map[string]int{"D1": 3})
		if _, err := engine.Refresh(ctx, id, "T1"); err != nil {
			t.Fatalf("refresh %s: %v", id, err)
		}
	}
	trends, err := f.mem.ListDriverTrends(ctx, []string{"T1"}, t0)
	if err != nil {
		t.Fatalf("list trends: %v", err)
	}
	if len(trends) != 0 {
		t.Fatalf("trend built from surveys below min-n: %+v", trends)
	}
}

func TestTrendBlendsOnlySafeSurveysOfTheMonth(t *testing.T) {
	f := newFixture(t, 10)
	engine := NewEngine(f.mem, f.clock, 0)
	ctx := context.Background()

	f.survey(t, "SAFE", t0)
	for i := 0; i < 4; i++ {
		f.respond(t, "SAFE", t0.Add(time.Hour), map[string]int{"D1": 8})
	}
	if _, err := engine.Refresh(ctx, "SAFE", "T1"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	small := t0.Add(48 * time.Hour)
	f.survey(t, "SMALL", small)
	f.respond(t, "SMALL", small.Add(time.Hour), map[string]int{"D1": 0})
	if _, err := engine.Refresh(ctx, "SMALL", "T1"); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	trends, err := f.mem.ListDriverTrends(ctx, []string{"T1"}, t0)
	if err != nil {
		t.Fatalf("list trends: %v", err)
	}
	if len(trends) != 1 || trends[0].AvgScore != 8 || trends[0].Samples != 4 || trends[0].Respondents != 4 {
		t.Fatalf("trends = %+v", trends)
	}
}

func TestReverseScoredDriversAreInverted(t *testing.T) {
	f := newFixture(t, 10)
	_ = f.mem.SaveDriver(context.Background(), store.Driver{ID: "D2", OrgID: "O1", Name: "Stress", ReverseScored: true})
	f.survey(t, "S1", t0)
	f.respond(t, "S1", t0.Add(time.Hour), map[string]int{"D2": 2})
	bundle, err := NewEngine(f.mem, f.clock, 0).Refresh(context.Background(), "S1", "T1")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if bundle.Drivers[0].AvgScore != 8 || bundle.Drivers[0].PassivesPct != 100 {
		t.Fatalf("driver = %+v", bundle.Drivers[0])
	}
}

func TestSentimentSummary(t *testing.T) {
	f := newFixture(t, 10)
	f.survey(t, "S1", t0)
	ctx := context.Background()
	for i, s := range []store.Sentiment{store.SentimentNegative, store.SentimentNegative, store.SentimentPositive, store.SentimentNeutral} {
		_ = f.mem.UpsertCommentNLP(ctx, store.CommentNLP{CommentID: fmt.Sprintf("c%d", i), SurveyID: "S1", TeamID: "T1", Sentiment: s})
	}
	bundle, err := NewEngine(f.mem, f.clock, 0).Refresh(ctx, "S1", "T1")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	s := bundle.Sentiment
	if s == nil || s.NegPct != 50 || s.PosPct != 25 || s.NeuPct != 25 || s.Comments != 4 {
		t.Fatalf("sentiment = %+v", s)
	}
}

func TestBucketsSumAndENPS(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 500; i++ {
		n := 1 + rng.IntN(40)
		scores := make([]int, n)
		promoters, detractors := 0, 0
		for j := range scores {
			scores[j] = rng.IntN(11)
			if scores[j] >= 9 {
				promoters++
			} else if scores[j] <= 6 {
				detractors++
			}
		}
		d, p, pr := Buckets(scores)
		if math.Abs(d+p+pr-100) > 1e-6 {
			t.Fatalf("buckets %v sum to %f", scores, d+p+pr)
		}
		if math.Abs(pr-float64(promoters)/float64(n)*100) > 1e-6 {
			t.Fatalf("promoters pct = %f for %v", pr, scores)
		}
		enps := ENPS(store.DriverSummary{PromotersPct: pr, DetractorsPct: d})
		if enps < -100 || enps > 100 {
			t.Fatalf("enps %f out of range", enps)
		}
		if math.Abs(enps-(float64(promoters-detractors)/float64(n)*100)) > 1e-6 {
			t.Fatalf("enps = %f for %v", enps, scores)
		}
	}
}

func TestListenersRunAfterSave(t *testing.T) {
	f := newFixture(t, 10)
	f.survey(t, "S1", t0)
	f.respond(t, "S1", t0.Add(time.Hour), map[string]int{"D1": 9})
	engine := NewEngine(f.mem, f.clock, 0)
	var saw int
	engine.Subscribe(func(ctx context.Context, ev Refreshed) error {
		p, err := f.mem.GetParticipation(ctx, ev.SurveyID, ev.TeamID)
		if err != nil {
			return err
		}
		saw = p.Respondents
		if ev.OrgID != "O1" {
			t.Errorf("org = %s", ev.OrgID)
		}
		return nil
	})
	if _, err := engine.Refresh(context.Background(), "S1", "T1"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if saw != 1 {
		t.Fatalf("listener saw %d respondents", saw)
	}
}

func TestScheduleRunsInBackground(t *testing.T) {
	f := newFixture(t, 10)
	f.survey(t, "S1", t0)
	f.respond(t, "S1", t0.Add(time.Hour), map[string]int{"D1": 9})
	engine := NewEngine(f.mem, f.clock, 4)
	var calls atomic.Int32
	engine.Subscribe(func(context.Context, Refreshed) error {
		calls.Add(1)
		return nil
	})
	ctx := context.Background()
	engine.Start(ctx, 1)
	for i := 0; i < 3; i++ {
		if err := engine.Schedule(ctx, "S1", "T1"); err != nil {
			t.Fatalf("schedule: %v", err)
		}
	}
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := engine.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := calls.Load(); got < 1 || got > 3 {
		t.Fatalf("refreshes = %d", got)
	}
	if _, err := f.mem.GetParticipation(ctx, "S1", "T1"); err != nil {
		t.Fatalf("participation missing: %v", err)
	}
}

func TestKeyLockSerializes(t *testing.T) {
	locks := newKeyLock()
	var active, maxActive atomic.Int32
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			unlock := locks.Lock("k")
			n := active.Add(1)
			if n > maxActive.Load() {
				maxActive.Store(n)
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
			unlock()
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	if maxActive.Load() != 1 {
		t.Fatalf("max concurrent holders = %d", maxActive.Load())
	}
	if len(locks.locks) != 0 {
		t.Fatalf("lock entries leaked: %d", len(locks.locks))
	}
}
