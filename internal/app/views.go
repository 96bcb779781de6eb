package app

import (
	"math"
	"sort"
	"time"

	"novora/api/internal/privacy"
	"novora/api/internal/store"
	"novora/api/internal/summary"
)

type DriverView struct {
	DriverID      string   `json:"driver_id"`
	Name          string   `json:"name,omitempty"`
	AvgScore      float64  `json:"avg_score"`
	ResponseCount int      `json:"response_count"`
	DetractorsPct float64  `json:"detractors_pct"`
	PassivesPct   float64  `json:"passives_pct"`
	PromotersPct  float64  `json:"promoters_pct"`
	ENPS          float64  `json:"enps"`
	DeltaVsPrev   *float64 `json:"delta_vs_prev"`
}

type SentimentView struct {
	Comments    int     `json:"comments"`
	PosPct      float64 `json:"pos_pct"`
	NeuPct      float64 `json:"neu_pct"`
	NegPct      float64 `json:"neg_pct"`
	DeltaVsPrev float64 `json:"delta_vs_prev"`
}

// KPIs is the headline view of one survey for a team, or for the org when
// TeamID is empty. Org views blend only the teams that pass min-n.
type KPIs struct {
	SurveyID           string         `json:"survey_id"`
	TeamID             string         `json:"team_id,omitempty"`
	Respondents        int            `json:"respondents"`
	TeamSize           int            `json:"team_size"`
	ParticipationPct   *float64       `json:"participation_pct"`
	ParticipationDelta float64        `json:"participation_delta"`
	Drivers            []DriverView   `json:"drivers"`
	Sentiment          *SentimentView `json:"sentiment,omitempty"`
	HiddenSegments     int            `json:"hidden_segments"`
	SuppressedTeams    int            `json:"suppressed_teams,omitempty"`
}

type DriverRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// HeatmapRow holds the average score per driver for one team. Cells of
// drivers with too few samples are absent.
type HeatmapRow struct {
	TeamID      string             `json:"team_id"`
	TeamName    string             `json:"team_name"`
	Respondents int                `json:"respondents"`
	Cells       map[string]float64 `json:"cells"`
}

type Heatmap struct {
	SurveyID        string       `json:"survey_id"`
	Drivers         []DriverRef  `json:"drivers"`
	Rows            []HeatmapRow `json:"rows"`
	SuppressedTeams int          `json:"suppressed_teams"`
}

type ThemeCount struct {
	Theme  string  `json:"theme"`
	Count  int     `json:"count"`
	PosPct float64 `json:"pos_pct"`
	NeuPct float64 `json:"neu_pct"`
	NegPct float64 `json:"neg_pct"`
}

type Themes struct {
	SurveyID        string       `json:"survey_id"`
	Comments        int          `json:"comments"`
	Themes          []ThemeCount `json:"themes"`
	SuppressedTeams int          `json:"suppressed_teams"`
}

type TrendPoint struct {
	Month    string  `json:"month"`
	DriverID string  `json:"driver_id"`
	AvgScore float64 `json:"avg_score"`
	Samples  int     `json:"samples"`
}

type Trend struct {
	TeamID string       `json:"team_id,omitempty"`
	Months int          `json:"months"`
	Points []TrendPoint `json:"points"`
}

type AlertView struct {
	ID           string     `json:"id"`
	TeamID       string     `json:"team_id"`
	SurveyID     string     `json:"survey_id"`
	DriverID     string     `json:"driver_id,omitempty"`
	Type         string     `json:"type"`
	Severity     string     `json:"severity"`
	CurrentScore float64    `json:"current_score"`
	DeltaPrev    float64    `json:"delta_prev"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	ResolverNote string     `json:"resolver_note,omitempty"`
}

func alertView(a store.Alert) AlertView {
	return AlertView{
		ID:           a.ID,
		TeamID:       a.TeamID,
		SurveyID:     a.SurveyID,
		DriverID:     a.DriverID,
		Type:         string(a.Type),
		Severity:     string(a.Severity),
		CurrentScore: a.CurrentScore,
		DeltaPrev:    a.DeltaPrev,
		Status:       string(a.Status),
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
		ResolvedAt:   a.ResolvedAt,
		ResolverNote: a.ResolverNote,
	}
}

type PlanView struct {
	ID              string               `json:"id"`
	Name            string               `json:"name"`
	Cadence         string               `json:"cadence"`
	StartAt         time.Time            `json:"start_at"`
	EndAt           *time.Time           `json:"end_at,omitempty"`
	Active          bool                 `json:"active"`
	RotateQuestions bool                 `json:"rotate_questions"`
	QuestionSets    []store.QuestionSet  `json:"question_sets"`
	ReminderPolicy  store.ReminderPolicy `json:"reminder_policy"`
	Channels        []store.Channel      `json:"channels"`
	Audience        store.Audience       `json:"audience"`
	MaxResponses    *int                 `json:"max_responses,omitempty"`
	LastFiredAt     *time.Time           `json:"last_fired_at,omitempty"`
}

func planView(p store.Plan) PlanView {
	return PlanView{
		ID:              p.ID,
		Name:            p.Name,
		Cadence:         string(p.Cadence),
		StartAt:         p.StartAt,
		EndAt:           p.EndAt,
		Active:          p.Active,
		RotateQuestions: p.RotateQuestions,
		QuestionSets:    p.QuestionSets,
		ReminderPolicy:  p.ReminderPolicy,
		Channels:        p.Channels,
		Audience:        p.Audience,
		MaxResponses:    p.MaxResponses,
		LastFiredAt:     p.LastFiredAt,
	}
}

// driverViews keeps the drivers with enough samples and reports how many
// were hidden.
func driverViews(rows []store.DriverSummary, names map[string]string, settings store.PrivacySettings) ([]DriverView, int) {
	out := make([]DriverView, 0, len(rows))
	hidden := 0
	for _, row := range rows {
		if !privacy.SegmentSafe(settings, row.ResponseCount) {
			hidden++
			continue
		}
		out = append(out, DriverView{
			DriverID:      row.DriverID,
			Name:          names[row.DriverID],
			AvgScore:      row.AvgScore,
			ResponseCount: row.ResponseCount,
			DetractorsPct: row.DetractorsPct,
			PassivesPct:   row.PassivesPct,
			PromotersPct:  row.PromotersPct,
			ENPS:          summary.ENPS(row),
			DeltaVsPrev:   row.DeltaVsPrev,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out, hidden
}

// blendDrivers merges per-team driver rows into one row per driver,
// weighting every figure by the team's response count. Deltas are not
// blended.
func blendDrivers(rows []store.DriverSummary) []store.DriverSummary {
	type acc struct {
		n                           int
		score, detractors, passives float64
	}
	byDriver := make(map[string]*acc)
	order := make([]string, 0)
	for _, row := range rows {
		if row.ResponseCount <= 0 {
			continue
		}
		a, ok := byDriver[row.DriverID]
		if !ok {
			a = &acc{}
			byDriver[row.DriverID] = a
			order = append(order, row.DriverID)
		}
		w := float64(row.ResponseCount)
		a.n += row.ResponseCount
		a.score += row.AvgScore * w
		a.detractors += row.DetractorsPct * w
		a.passives += row.PassivesPct * w
	}
	out := make([]store.DriverSummary, 0, len(order))
	for _, id := range order {
		a := byDriver[id]
		n := float64(a.n)
		detractors := round2(a.detractors / n)
		passives := round2(a.passives / n)
		out = append(out, store.DriverSummary{
			DriverID:      id,
			AvgScore:      round2(a.score / n),
			ResponseCount: a.n,
			DetractorsPct: detractors,
			PassivesPct:   passives,
			PromotersPct:  round2(100 - detractors - passives),
		})
	}
	return out
}

func sentimentView(s store.SentimentSummary) *SentimentView {
	return &SentimentView{
		Comments:    s.Comments,
		PosPct:      s.PosPct,
		NeuPct:      s.NeuPct,
		NegPct:      s.NegPct,
		DeltaVsPrev: s.DeltaVsPrev,
	}
}

// countSentiment builds a sentiment view from processed comments.
func countSentiment(rows []store.CommentNLP) *SentimentView {
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
	posPct := round2(float64(pos) / total * 100)
	negPct := round2(float64(neg) / total * 100)
	return &SentimentView{
		Comments: len(rows),
		PosPct:   posPct,
		NeuPct:   round2(100 - posPct - negPct),
		NegPct:   negPct,
	}
}

// themeCounts tallies themes across comments and drops themes mentioned
// by fewer than min_segment_n comments.
func themeCounts(rows []store.CommentNLP, settings store.PrivacySettings) []ThemeCount {
	type acc struct{ total, pos, neu, neg int }
	byTheme := make(map[string]*acc)
	for _, row := range rows {
		seen := make(map[string]bool, len(row.Themes))
		for _, theme := range row.Themes {
			if theme == "" || seen[theme] {
				continue
			}
			seen[theme] = true
			a, ok := byTheme[theme]
			if !ok {
				a = &acc{}
				byTheme[theme] = a
			}
			a.total++
			switch row.Sentiment {
			case store.SentimentPositive:
				a.pos++
			case store.SentimentNegative:
				a.neg++
			default:
				a.neu++
			}
		}
	}
	out := make([]ThemeCount, 0, len(byTheme))
	for theme, a := range byTheme {
		if !privacy.SegmentSafe(settings, a.total) {
			continue
		}
		total := float64(a.total)
		posPct := round2(float64(a.pos) / total * 100)
		negPct := round2(float64(a.neg) / total * 100)
		out = append(out, ThemeCount{
			Theme:  theme,
			Count:  a.total,
			PosPct: posPct,
			NeuPct: round2(100 - posPct - negPct),
			NegPct: negPct,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Theme < out[j].Theme
	})
	return out
}

// trendPoints turns monthly trend rows into points. Team-months with
// fewer than min_n respondents are dropped before rows of several teams are
// blended per month and driver. It also returns the smallest respondent
// count behind any kept row, zero when nothing is kept.
func trendPoints(rows []store.DriverTrend, settings store.PrivacySettings) ([]TrendPoint, int) {
	type key struct {
		month  time.Time
		driver string
	}
	type acc struct {
		samples int
		score   float64
	}
	byKey := make(map[key]*acc)
	fewest := 0
	for _, row := range rows {
		if row.Respondents < settings.MinN {
			continue
		}
		if fewest == 0 || row.Respondents < fewest {
			fewest = row.Respondents
		}
		k := key{month: row.PeriodMonth.UTC(), driver: row.DriverID}
		a, ok := byKey[k]
		if !ok {
			a = &acc{}
			byKey[k] = a
		}
		a.samples += row.Samples
		a.score += row.AvgScore * float64(row.Samples)
	}
	out := make([]TrendPoint, 0, len(byKey))
	for k, a := range byKey {
		out = append(out, TrendPoint{
			Month:    k.month.Format("2006-01"),
			DriverID: k.driver,
			AvgScore: round2(a.score / float64(a.samples)),
			Samples:  a.samples,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Month != out[j].Month {
			return out[i].Month < out[j].Month
		}
		return out[i].DriverID < out[j].DriverID
	})
	return out, fewest
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
