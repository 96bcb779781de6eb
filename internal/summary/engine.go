// Package summary recomputes participation, driver and sentiment
// summaries for one (survey, team) pair at a time. A recompute reads the
// raw rows, derives every summary and the trend rows of the survey's month, and
// saves them in one store transaction while holding a per-pair lock.
// Listeners run under the same lock so they see the snapshot just written.
package summary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"novora/api/internal/clock"
	"novora/api/internal/store"
)

// historyLookback bounds how far back the previous survey is searched.
const historyLookback = 2 * 365 * 24 * time.Hour

type Store interface {
	GetSurvey(ctx context.Context, id string) (store.Survey, error)
	GetTeam(ctx context.Context, id string) (store.Team, error)
	ListDrivers(ctx context.Context, orgID string) ([]store.Driver, error)
	CountUsedTokens(ctx context.Context, surveyID, teamID string) (int, error)
	ListNumericResponses(ctx context.Context, surveyID, teamID string) ([]store.NumericResponse, error)
	ListCommentNLP(ctx context.Context, surveyID, teamID string) ([]store.CommentNLP, error)
	TeamSurveyHistory(ctx context.Context, teamID string, since, until time.Time, limit int) ([]store.TeamSurveyRecord, error)
	GetOrganization(ctx context.Context, id string) (store.Organization, error)
	SaveSummaries(ctx context.Context, bundle store.SummaryBundle) error
}

// Refreshed describes a committed recompute.
type Refreshed struct {
	OrgID    string
	SurveyID string
	TeamID   string
	Bundle   store.SummaryBundle
}

type Listener func(ctx context.Context, event Refreshed) error

type Engine struct {
	store     Store
	clock     clock.Clock
	locks     *keyLock
	listeners []Listener

	queue   chan pair
	pmu     sync.Mutex
	pending map[pair]bool
	closed  bool
	wg      sync.WaitGroup
}

type pair struct{ surveyID, teamID string }

func NewEngine(st Store, clk clock.Clock, queueSize int) *Engine {
	if queueSize <= 0 {
		queueSize = 128
	}
	return &Engine{
		store:   st,
		clock:   clk,
		locks:   newKeyLock(),
		queue:   make(chan pair, queueSize),
		pending: make(map[pair]bool),
	}
}

func (e *Engine) Subscribe(fn Listener) {
	e.listeners = append(e.listeners, fn)
}

// Start runs workers that drain pairs queued by Schedule.
func (e *Engine) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 2
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for p := range e.queue {
				e.pmu.Lock()
				delete(e.pending, p)
				e.pmu.Unlock()
				if _, err := e.Refresh(ctx, p.surveyID, p.teamID); err != nil {
					slog.Error("summary refresh failed", "survey_id", p.surveyID, "team_id", p.teamID, "error", err)
				}
			}
		}()
	}
}

// Schedule queues a background refresh. A pair already waiting in the
// queue is not queued twice. It blocks while the queue is full.
func (e *Engine) Schedule(ctx context.Context, surveyID, teamID string) error {
	p := pair{surveyID, teamID}
	e.pmu.Lock()
	if e.closed {
		e.pmu.Unlock()
		return errors.New("summary: engine stopped")
	}
	if e.pending[p] {
		e.pmu.Unlock()
		return nil
	}
	e.pending[p] = true
	e.pmu.Unlock()

	select {
	case e.queue <- p:
		return nil
	case <-ctx.Done():
		e.pmu.Lock()
		delete(e.pending, p)
		e.pmu.Unlock()
		return ctx.Err()
	}
}

// Stop closes the queue and waits for queued refreshes to finish.
func (e *Engine) Stop(ctx context.Context) error {
	e.pmu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.pmu.Unlock()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Refresh recomputes and saves every summary for (survey, team).
func (e *Engine) Refresh(ctx context.Context, surveyID, teamID string) (store.SummaryBundle, error) {
	unlock := e.locks.Lock(surveyID + "\x00" + teamID)
	defer unlock()

	survey, err := e.store.GetSurvey(ctx, surveyID)
	if err != nil {
		return store.SummaryBundle{}, fmt.Errorf("load survey: %w", err)
	}
	teamSize := 0
	team, err := e.store.GetTeam(ctx, teamID)
	switch {
	case err == nil:
		teamSize = team.Size
	case !errors.Is(err, store.ErrNotFound):
		return store.SummaryBundle{}, fmt.Errorf("load team: %w", err)
	}
	drivers, err := e.store.ListDrivers(ctx, survey.OrgID)
	if err != nil {
		return store.SummaryBundle{}, fmt.Errorf("list drivers: %w", err)
	}
	reverse := make(map[string]bool)
	for _, d := range drivers {
		if d.ReverseScored {
			reverse[d.ID] = true
		}
	}

	respondents, err := e.store.CountUsedTokens(ctx, surveyID, teamID)
	if err != nil {
		return store.SummaryBundle{}, fmt.Errorf("count respondents: %w", err)
	}
	responses, err := e.store.ListNumericResponses(ctx, surveyID, teamID)
	if err != nil {
		return store.SummaryBundle{}, fmt.Errorf("list responses: %w", err)
	}
	nlpRows, err := e.store.ListCommentNLP(ctx, surveyID, teamID)
	if err != nil {
		return store.SummaryBundle{}, fmt.Errorf("list comment nlp: %w", err)
	}
	prev, err := e.previous(ctx, survey, teamID)
	if err != nil {
		return store.SummaryBundle{}, err
	}

	now := e.clock.Now()
	bundle := store.SummaryBundle{
		Participation: participation(surveyID, teamID, respondents, teamSize, prev, now),
		Drivers:       driverSummaries(surveyID, teamID, responses, reverse, prev, now),
		Sentiment:     sentimentSummary(surveyID, teamID, nlpRows, prev, now),
	}
	bundle.Trends, err = e.trends(ctx, survey, bundle)
	if err != nil {
		return store.SummaryBundle{}, err
	}

	if err := e.store.SaveSummaries(ctx, bundle); err != nil {
		return store.SummaryBundle{}, fmt.Errorf("save summaries: %w", err)
	}

	event := Refreshed{OrgID: survey.OrgID, SurveyID: surveyID, TeamID: teamID, Bundle: bundle}
	for _, fn := range e.listeners {
		if err := fn(ctx, event); err != nil {
			slog.Error("summary listener failed", "survey_id", surveyID, "team_id", teamID, "error", err)
		}
	}
	return bundle, nil
}

// previous returns the team's most recent survey that opened before this
// one, or nil.
func (e *Engine) previous(ctx context.Context, survey store.Survey, teamID string) (*store.TeamSurveyRecord, error) {
	history, err := e.store.TeamSurveyHistory(ctx, teamID, survey.OpensAt.Add(-historyLookback), survey.OpensAt, 0)
	if err != nil {
		return nil, fmt.Errorf("team history: %w", err)
	}
	for i := range history {
		if history[i].SurveyID != survey.ID && !history[i].OpensAt.After(survey.OpensAt) {
			return &history[i], nil
		}
	}
	return nil, nil
}

func participation(surveyID, teamID string, respondents, teamSize int, prev *store.TeamSurveyRecord, now time.Time) store.ParticipationSummary {
	out := store.ParticipationSummary{
		SurveyID:    surveyID,
		TeamID:      teamID,
		Respondents: respondents,
		TeamSize:    teamSize,
		UpdatedAt:   now,
	}
	if teamSize > 0 {
		pct := round2(float64(respondents) / float64(teamSize) * 100)
		out.ParticipationPct = &pct
		if prev != nil && prev.Participation.ParticipationPct != nil {
			out.DeltaPct = round2(pct - *prev.Participation.ParticipationPct)
		}
	}
	return out
}

func driverSummaries(surveyID, teamID string, responses []store.NumericResponse, reverse map[string]bool, prev *store.TeamSurveyRecord, now time.Time) []store.DriverSummary {
	scores := make(map[string][]int)
	for _, r := range responses {
		score := r.Score
		if reverse[r.DriverID] {
			score = store.MaxScore - score
		}
		scores[r.DriverID] = append(scores[r.DriverID], score)
	}
	prevAvg := make(map[string]float64)
	if prev != nil {
		for _, d := range prev.Drivers {
			prevAvg[d.DriverID] = d.AvgScore
		}
	}

	ids := make([]string, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]store.DriverSummary, 0, len(ids))
	for _, id := range ids {
		set := scores[id]
		sum := 0
		for _, s := range set {
			sum += s
		}
		detractors, passives, promoters := Buckets(set)
		summary := store.DriverSummary{
			SurveyID:      surveyID,
			TeamID:        teamID,
			DriverID:      id,
			AvgScore:      round2(float64(sum) / float64(len(set))),
			ResponseCount: len(set),
			DetractorsPct: detractors,
			PassivesPct:   passives,
			PromotersPct:  promoters,
			UpdatedAt:     now,
		}
		if before, ok := prevAvg[id]; ok {
			delta := round2(summary.AvgScore - before)
			summary.DeltaVsPrev = &delta
		}
		out = append(out, summary)
	}
	return out
}

func sentimentSummary(surveyID, teamID string, rows []store.CommentNLP, prev *store.TeamSurveyRecord, now time.Time) *store.SentimentSummary {
	if len(rows) == 0 {
		return nil
	}
	var pos, neu, neg int
	for _, row := range rows {
		switch row.Sentiment {
		case store.SentimentPositive:
			pos++
		case store.SentimentNegative:
			neg++
		default:
			neu++
		}
	}
	total := float64(len(rows))
	out := &store.SentimentSummary{
		SurveyID:  surveyID,
		TeamID:    teamID,
		Comments:  len(rows),
		PosPct:    float64(pos) / total * 100,
		NeuPct:    float64(neu) / total * 100,
		NegPct:    float64(neg) / total * 100,
		UpdatedAt: now,
	}
	if prev != nil && prev.Sentiment != nil {
		out.DeltaVsPrev = round2(out.NegPct - prev.Sentiment.NegPct)
	}
	return out
}

// trends recomputes the rows for the survey's opening month from every
// (survey, team) pair of that month with at least min_n respondents. Pairs
// below min_n never contribute, however many of them the month holds.
func (e *Engine) trends(ctx context.Context, survey store.Survey, bundle store.SummaryBundle) ([]store.DriverTrend, error) {
	org, err := e.store.GetOrganization(ctx, survey.OrgID)
	if err != nil {
		return nil, fmt.Errorf("load organization: %w", err)
	}
	teamID := bundle.Participation.TeamID
	from := store.MonthStart(survey.OpensAt)
	to := from.AddDate(0, 1, 0)
	history, err := e.store.TeamSurveyHistory(ctx, teamID, from, to.Add(-time.Nanosecond), 0)
	if err != nil {
		return nil, fmt.Errorf("team history: %w", err)
	}
	records := []store.TeamSurveyRecord{{SurveyID: survey.ID, Participation: bundle.Participation, Drivers: bundle.Drivers}}
	for _, record := range history {
		if record.SurveyID != survey.ID {
			records = append(records, record)
		}
	}

	type acc struct {
		score       float64
		samples     int
		respondents int
	}
	byDriver := make(map[string]*acc)
	for _, record := range records {
		if record.Participation.Respondents < org.Privacy.MinN {
			continue
		}
		for _, d := range record.Drivers {
			if d.ResponseCount == 0 {
				continue
			}
			a, ok := byDriver[d.DriverID]
			if !ok {
				a = &acc{}
				byDriver[d.DriverID] = a
			}
			a.score += d.AvgScore * float64(d.ResponseCount)
			a.samples += d.ResponseCount
			a.respondents += record.Participation.Respondents
		}
	}

	ids := make([]string, 0, len(byDriver))
	for id := range byDriver {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]store.DriverTrend, 0, len(ids))
	for _, id := range ids {
		a := byDriver[id]
		out = append(out, store.DriverTrend{
			TeamID:      teamID,
			DriverID:    id,
			PeriodMonth: from,
			AvgScore:    round2(a.score / float64(a.samples)),
			Samples:     a.samples,
			Respondents: a.respondents,
		})
	}
	return out, nil
}

// Buckets returns detractor (<=6), passive (7-8) and promoter (>=9)
// percentages of a non-empty score set.
func Buckets(scores []int) (detractors, passives, promoters float64) {
	if len(scores) == 0 {
		return 0, 0, 0
	}
	var d, p, pr int
	for _, s := range scores {
		switch {
		case s >= 9:
			pr++
		case s >= 7:
			p++
		default:
			d++
		}
	}
	n := float64(len(scores))
	detractors = float64(d) / n * 100
	passives = float64(p) / n * 100
	promoters = 100 - detractors - passives
	return detractors, passives, promoters
}

// ENPS is promoters minus detractors, in [-100, 100].
func ENPS(d store.DriverSummary) float64 {
	return d.PromotersPct - d.DetractorsPct
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
