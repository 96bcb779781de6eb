// Package privacy is the min-n gate. Every aggregate that leaves the
// process goes through Expose; a scope with fewer respondents than the
// organization's min_n yields a suppressed Result instead of data.
package privacy

import (
	"context"
	"errors"
	"fmt"
	"math"

	"novora/api/internal/store"
)

// Reader is the slice of the store the guard needs.
type Reader interface {
	GetOrganization(ctx context.Context, id string) (store.Organization, error)
	GetTeam(ctx context.Context, id string) (store.Team, error)
	GetSurvey(ctx context.Context, id string) (store.Survey, error)
	GetParticipation(ctx context.Context, surveyID, teamID string) (store.ParticipationSummary, error)
	ListParticipation(ctx context.Context, surveyID string) ([]store.ParticipationSummary, error)
}

// Scope names the aggregate being read. An empty TeamID means the whole
// survey across the org's teams.
type Scope struct {
	OrgID    string
	TeamID   string
	SurveyID string
}

type Guard struct {
	reader       Reader
	onSuppressed func(Scope)
}

func NewGuard(reader Reader) *Guard {
	return &Guard{reader: reader}
}

// OnSuppressed registers a hook called every time a scope is suppressed.
func (g *Guard) OnSuppressed(fn func(Scope)) {
	g.onSuppressed = fn
}

func (g *Guard) Settings(ctx context.Context, orgID string) (store.PrivacySettings, error) {
	org, err := g.reader.GetOrganization(ctx, orgID)
	if err != nil {
		return store.PrivacySettings{}, fmt.Errorf("load privacy settings: %w", err)
	}
	return org.Privacy, nil
}

// Respondents returns the respondent count for scope. Unknown teams,
// teams of another org and missing summaries all count as zero.
func (g *Guard) Respondents(ctx context.Context, scope Scope) (int, error) {
	survey, err := g.reader.GetSurvey(ctx, scope.SurveyID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load survey: %w", err)
	}
	if survey.OrgID != scope.OrgID {
		return 0, nil
	}

	if scope.TeamID == "" {
		rows, err := g.reader.ListParticipation(ctx, scope.SurveyID)
		if err != nil {
			return 0, fmt.Errorf("list participation: %w", err)
		}
		total := 0
		for _, row := range rows {
			total += row.Respondents
		}
		return total, nil
	}

	team, err := g.reader.GetTeam(ctx, scope.TeamID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load team: %w", err)
	}
	if team.OrgID != scope.OrgID {
		return 0, nil
	}
	participation, err := g.reader.GetParticipation(ctx, scope.SurveyID, scope.TeamID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load participation: %w", err)
	}
	return participation.Respondents, nil
}

// Check reports whether scope may be exposed and the message to show when
// it may not.
func (g *Guard) Check(ctx context.Context, scope Scope) (bool, string, error) {
	settings, err := g.Settings(ctx, scope.OrgID)
	if err != nil {
		return false, "", err
	}
	respondents, err := g.Respondents(ctx, scope)
	if err != nil {
		return false, "", err
	}
	return g.gate(scope, settings, respondents)
}

// CheckCount applies the min-n gate to a respondent count the caller
// already holds, such as the respondents behind a trend row.
func (g *Guard) CheckCount(ctx context.Context, scope Scope, respondents int) (bool, string, error) {
	settings, err := g.Settings(ctx, scope.OrgID)
	if err != nil {
		return false, "", err
	}
	return g.gate(scope, settings, respondents)
}

func (g *Guard) gate(scope Scope, settings store.PrivacySettings, respondents int) (bool, string, error) {
	if respondents >= settings.MinN {
		return true, "", nil
	}
	if g.onSuppressed != nil {
		g.onSuppressed(scope)
	}
	return false, fallbackMessage(settings), nil
}

// Expose runs producer only when scope passes the min-n gate.
func Expose[T any](ctx context.Context, g *Guard, scope Scope, producer func(ctx context.Context) (T, error)) (Result[T], error) {
	ok, message, err := g.Check(ctx, scope)
	if err != nil {
		return Result[T]{}, err
	}
	if !ok {
		return Suppressed[T](message), nil
	}
	data, err := producer(ctx)
	if err != nil {
		return Result[T]{}, err
	}
	return Safe(data), nil
}

func fallbackMessage(settings store.PrivacySettings) string {
	if settings.SafeFallbackMessage == "" {
		return store.DefaultSafeFallbackMessage
	}
	return settings.SafeFallbackMessage
}

// SafePercentage returns num/den*100 rounded to two decimals, or nil when
// den is below minN.
func SafePercentage(num, den, minN int) *float64 {
	if den <= 0 || den < minN {
		return nil
	}
	pct := math.Round(float64(num)/float64(den)*10000) / 100
	return &pct
}

// SegmentSafe reports whether a sub-team cell (a single driver, a theme)
// has enough samples to be shown.
func SegmentSafe(settings store.PrivacySettings, samples int) bool {
	return samples >= settings.MinSegmentN
}

// Partition is the outcome of FilterUnsafeTeams. Unsafe team ids are kept
// for export validation and never returned to readers.
type Partition struct {
	Safe       []string
	Suppressed int
	unsafe     []string
}

func (g *Guard) FilterUnsafeTeams(ctx context.Context, orgID, surveyID string, teamIDs []string) (Partition, error) {
	var out Partition
	out.Safe = make([]string, 0, len(teamIDs))
	for _, teamID := range teamIDs {
		ok, _, err := g.Check(ctx, Scope{OrgID: orgID, TeamID: teamID, SurveyID: surveyID})
		if err != nil {
			return Partition{}, err
		}
		if ok {
			out.Safe = append(out.Safe, teamID)
			continue
		}
		out.Suppressed++
		out.unsafe = append(out.unsafe, teamID)
	}
	return out, nil
}

// ExportCheck is returned by ValidateExport; OK is false when any
// requested team is unsafe.
type ExportCheck struct {
	OK     bool     `json:"ok"`
	Safe   []string `json:"safe"`
	Unsafe []string `json:"unsafe"`
}

func (g *Guard) ValidateExport(ctx context.Context, orgID, surveyID string, teamIDs []string) (ExportCheck, error) {
	partition, err := g.FilterUnsafeTeams(ctx, orgID, surveyID, teamIDs)
	if err != nil {
		return ExportCheck{}, err
	}
	unsafe := partition.unsafe
	if unsafe == nil {
		unsafe = []string{}
	}
	return ExportCheck{OK: len(unsafe) == 0, Safe: partition.Safe, Unsafe: unsafe}, nil
}
