package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"novora/api/internal/alerts"
	"novora/api/internal/archive"
	"novora/api/internal/audit"
	"novora/api/internal/auth"
	"novora/api/internal/cache"
	"novora/api/internal/clock"
	"novora/api/internal/config"
	"novora/api/internal/privacy"
	"novora/api/internal/rbac"
	"novora/api/internal/responses"
	"novora/api/internal/scheduler"
	"novora/api/internal/search"
	"novora/api/internal/store"
	"novora/api/internal/vault"
)

const (
	defaultTrendMonths = 12
	maxTrendMonths     = 36
)

// Session is the caller resolved from a bearer token.
type Session struct {
	UserID   string
	UserName string
	OrgID    string
	Teams    []string
	Role     rbac.Role
}

// AllTeams reports whether the session covers the whole org.
func (s Session) AllTeams() bool { return len(s.Teams) == 0 }

func (s Session) CoversTeam(teamID string) bool {
	if s.AllTeams() {
		return true
	}
	for _, id := range s.Teams {
		if id == teamID {
			return true
		}
	}
	return false
}

type dataStore interface {
	Ping(ctx context.Context) error
	GetOrganization(ctx context.Context, id string) (store.Organization, error)
	SaveOrganization(ctx context.Context, org store.Organization) error
	GetTeam(ctx context.Context, id string) (store.Team, error)
	ListTeams(ctx context.Context, orgID string) ([]store.Team, error)
	ListDrivers(ctx context.Context, orgID string) ([]store.Driver, error)
	GetSurvey(ctx context.Context, id string) (store.Survey, error)
	GetPlan(ctx context.Context, id string) (store.Plan, error)
	GetParticipation(ctx context.Context, surveyID, teamID string) (store.ParticipationSummary, error)
	GetDriverSummaries(ctx context.Context, surveyID, teamID string) ([]store.DriverSummary, error)
	GetSentiment(ctx context.Context, surveyID, teamID string) (store.SentimentSummary, error)
	ListCommentNLP(ctx context.Context, surveyID, teamID string) ([]store.CommentNLP, error)
	ListDriverTrends(ctx context.Context, teamIDs []string, since time.Time) ([]store.DriverTrend, error)
	SaveReport(ctx context.Context, report store.ReportsCache) error
}

// Deps are the components the service reads through. Cache and Archive
// are optional.
type Deps struct {
	Store     dataStore
	Guard     *privacy.Guard
	Cache     *cache.Cache
	Audit     *audit.Log
	Alerts    *alerts.Evaluator
	Scheduler *scheduler.Scheduler
	Vault     *vault.Vault
	Responses *responses.Service
	Search    *search.Service
	Archive   archive.Archive
	Clock     clock.Clock
}

type Service struct {
	cfg       config.Config
	store     dataStore
	guard     *privacy.Guard
	cache     *cache.Cache
	audit     *audit.Log
	alerts    *alerts.Evaluator
	scheduler *scheduler.Scheduler
	vault     *vault.Vault
	responses *responses.Service
	search    *search.Service
	archive   archive.Archive
	clock     clock.Clock
	validate  *validator.Validate
}

func New(cfg config.Config, deps Deps) *Service {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Cache == nil {
		deps.Cache = cache.New(cache.NewMemoryBackend(deps.Clock))
	}
	return &Service{
		cfg:       cfg,
		store:     deps.Store,
		guard:     deps.Guard,
		cache:     deps.Cache,
		audit:     deps.Audit,
		alerts:    deps.Alerts,
		scheduler: deps.Scheduler,
		vault:     deps.Vault,
		responses: deps.Responses,
		search:    deps.Search,
		archive:   deps.Archive,
		clock:     deps.Clock,
		validate:  config.Validator(),
	}
}

func (s *Service) SessionFromToken(_ context.Context, token string) (Session, error) {
	claims, err := auth.ParseTokenAt([]byte(s.cfg.AuthSecret), token, s.clock.Now())
	if err != nil {
		return Session{}, err
	}
	return Session{
		UserID:   claims.Sub,
		UserName: claims.Name,
		OrgID:    claims.Org,
		Teams:    claims.Teams,
		Role:     rbac.Normalize(claims.Role),
	}, nil
}

func (s *Service) Can(role rbac.Role, action rbac.Action) bool {
	return rbac.Can(role, action)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) authorize(session Session, orgID string, action rbac.Action) error {
	if session.OrgID != orgID || !s.Can(session.Role, action) {
		return errForbidden
	}
	return nil
}

// scopeTeam checks a team-or-org read. Org-wide views need a session
// that covers every team.
func scopeTeam(session Session, teamID string) error {
	if teamID == "" && !session.AllTeams() {
		return errForbidden
	}
	if teamID != "" && !session.CoversTeam(teamID) {
		return errForbidden
	}
	return nil
}

func (s *Service) KPIs(ctx context.Context, session Session, orgID, surveyID, teamID string) (privacy.Result[KPIs], error) {
	if err := s.authorize(session, orgID, rbac.ActionRead); err != nil {
		return privacy.Result[KPIs]{}, err
	}
	if err := scopeTeam(session, teamID); err != nil {
		return privacy.Result[KPIs]{}, err
	}
	key := cache.Key{View: cache.ViewKPIs, OrgID: orgID, TeamID: teamID, SurveyID: surveyID}
	result, err := cache.Get(ctx, s.cache, key, func(ctx context.Context) (privacy.Result[KPIs], error) {
		return s.computeKPIs(ctx, orgID, surveyID, teamID)
	})
	if err != nil {
		return privacy.Result[KPIs]{}, err
	}
	if teamID != "" && result.IsSafe() {
		details := map[string]any{"view": string(cache.ViewKPIs), "team_id": teamID}
		if err := s.audit.Record(ctx, session.UserID, audit.ActionAggregateRead, "survey", surveyID, details); err != nil {
			return privacy.Result[KPIs]{}, err
		}
	}
	return result, nil
}

func (s *Service) computeKPIs(ctx context.Context, orgID, surveyID, teamID string) (privacy.Result[KPIs], error) {
	scope := privacy.Scope{OrgID: orgID, TeamID: teamID, SurveyID: surveyID}
	return privacy.Expose(ctx, s.guard, scope, func(ctx context.Context) (KPIs, error) {
		if teamID == "" {
			return s.orgKPIs(ctx, orgID, surveyID)
		}
		return s.teamKPIs(ctx, orgID, surveyID, teamID)
	})
}

func (s *Service) teamKPIs(ctx context.Context, orgID, surveyID, teamID string) (KPIs, error) {
	settings, names, err := s.readContext(ctx, orgID)
	if err != nil {
		return KPIs{}, err
	}
	participation, err := s.store.GetParticipation(ctx, surveyID, teamID)
	if err != nil {
		return KPIs{}, fmt.Errorf("load participation: %w", err)
	}
	rows, err := s.store.GetDriverSummaries(ctx, surveyID, teamID)
	if err != nil {
		return KPIs{}, fmt.Errorf("load driver summaries: %w", err)
	}
	drivers, hidden := driverViews(rows, names, settings)
	out := KPIs{
		SurveyID:           surveyID,
		TeamID:             teamID,
		Respondents:        participation.Respondents,
		TeamSize:           participation.TeamSize,
		ParticipationPct:   participation.ParticipationPct,
		ParticipationDelta: participation.DeltaPct,
		Drivers:            drivers,
		HiddenSegments:     hidden,
	}
	sentiment, err := s.store.GetSentiment(ctx, surveyID, teamID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return KPIs{}, fmt.Errorf("load sentiment: %w", err)
	case privacy.SegmentSafe(settings, sentiment.Comments):
		out.Sentiment = sentimentView(sentiment)
	default:
		out.HiddenSegments++
	}
	return out, nil
}

func (s *Service) orgKPIs(ctx context.Context, orgID, surveyID string) (KPIs, error) {
	settings, names, err := s.readContext(ctx, orgID)
	if err != nil {
		return KPIs{}, err
	}
	partition, err := s.safeTeams(ctx, orgID, surveyID, nil)
	if err != nil {
		return KPIs{}, err
	}
	out := KPIs{SurveyID: surveyID, SuppressedTeams: partition.Suppressed}
	var rows []store.DriverSummary
	var comments []store.CommentNLP
	for _, teamID := range partition.Safe {
		participation, err := s.store.GetParticipation(ctx, surveyID, teamID)
		if err != nil {
			return KPIs{}, fmt.Errorf("load participation: %w", err)
		}
		out.Respondents += participation.Respondents
		out.TeamSize += participation.TeamSize
		teamRows, err := s.store.GetDriverSummaries(ctx, surveyID, teamID)
		if err != nil {
			return KPIs{}, fmt.Errorf("load driver summaries: %w", err)
		}
		rows = append(rows, teamRows...)
		teamComments, err := s.store.ListCommentNLP(ctx, surveyID, teamID)
		if err != nil {
			return KPIs{}, fmt.Errorf("load comments: %w", err)
		}
		comments = append(comments, teamComments...)
	}
	if out.TeamSize > 0 {
		pct := round2(float64(out.Respondents) / float64(out.TeamSize) * 100)
		out.ParticipationPct = &pct
	}
	out.Drivers, out.HiddenSegments = driverViews(blendDrivers(rows), names, settings)
	if sentiment := countSentiment(comments); sentiment != nil {
		if privacy.SegmentSafe(settings, sentiment.Comments) {
			out.Sentiment = sentiment
		} else {
			out.HiddenSegments++
		}
	}
	return out, nil
}

func (s *Service) Heatmap(ctx context.Context, session Session, orgID, surveyID string) (privacy.Result[Heatmap], error) {
	if err := s.authorize(session, orgID, rbac.ActionRead); err != nil {
		return privacy.Result[Heatmap]{}, err
	}
	key := cache.Key{View: cache.ViewHeatmap, OrgID: orgID, SurveyID: surveyID}
	result, err := cache.Get(ctx, s.cache, key, func(ctx context.Context) (privacy.Result[Heatmap], error) {
		return s.computeHeatmap(ctx, orgID, surveyID)
	})
	if err != nil {
		return privacy.Result[Heatmap]{}, err
	}
	if session.AllTeams() {
		return result, nil
	}
	return privacy.Map(result, func(h Heatmap) Heatmap {
		rows := make([]HeatmapRow, 0, len(h.Rows))
		for _, row := range h.Rows {
			if session.CoversTeam(row.TeamID) {
				rows = append(rows, row)
			}
		}
		h.Rows = rows
		return h
	}), nil
}

func (s *Service) computeHeatmap(ctx context.Context, orgID, surveyID string) (privacy.Result[Heatmap], error) {
	scope := privacy.Scope{OrgID: orgID, SurveyID: surveyID}
	return privacy.Expose(ctx, s.guard, scope, func(ctx context.Context) (Heatmap, error) {
		settings, err := s.guard.Settings(ctx, orgID)
		if err != nil {
			return Heatmap{}, err
		}
		drivers, err := s.store.ListDrivers(ctx, orgID)
		if err != nil {
			return Heatmap{}, fmt.Errorf("list drivers: %w", err)
		}
		teams, err := s.store.ListTeams(ctx, orgID)
		if err != nil {
			return Heatmap{}, fmt.Errorf("list teams: %w", err)
		}
		partition, err := s.safeTeams(ctx, orgID, surveyID, teams)
		if err != nil {
			return Heatmap{}, err
		}
		names := make(map[string]string, len(teams))
		for _, team := range teams {
			names[team.ID] = team.Name
		}

		out := Heatmap{SurveyID: surveyID, Drivers: make([]DriverRef, 0, len(drivers)), Rows: make([]HeatmapRow, 0, len(partition.Safe)), SuppressedTeams: partition.Suppressed}
		for _, driver := range drivers {
			out.Drivers = append(out.Drivers, DriverRef{ID: driver.ID, Name: driver.Name})
		}
		for _, teamID := range partition.Safe {
			participation, err := s.store.GetParticipation(ctx, surveyID, teamID)
			if err != nil {
				return Heatmap{}, fmt.Errorf("load participation: %w", err)
			}
			rows, err := s.store.GetDriverSummaries(ctx, surveyID, teamID)
			if err != nil {
				return Heatmap{}, fmt.Errorf("load driver summaries: %w", err)
			}
			row := HeatmapRow{TeamID: teamID, TeamName: names[teamID], Respondents: participation.Respondents, Cells: make(map[string]float64)}
			for _, summary := range rows {
				if privacy.SegmentSafe(settings, summary.ResponseCount) {
					row.Cells[summary.DriverID] = summary.AvgScore
				}
			}
			out.Rows = append(out.Rows, row)
		}
		return out, nil
	})
}

func (s *Service) Themes(ctx context.Context, session Session, orgID, surveyID string) (privacy.Result[Themes], error) {
	if err := s.authorize(session, orgID, rbac.ActionRead); err != nil {
		return privacy.Result[Themes]{}, err
	}
	if err := scopeTeam(session, ""); err != nil {
		return privacy.Result[Themes]{}, err
	}
	key := cache.Key{View: cache.ViewThemes, OrgID: orgID, SurveyID: surveyID}
	return cache.Get(ctx, s.cache, key, func(ctx context.Context) (privacy.Result[Themes], error) {
		scope := privacy.Scope{OrgID: orgID, SurveyID: surveyID}
		return privacy.Expose(ctx, s.guard, scope, func(ctx context.Context) (Themes, error) {
			settings, err := s.guard.Settings(ctx, orgID)
			if err != nil {
				return Themes{}, err
			}
			partition, err := s.safeTeams(ctx, orgID, surveyID, nil)
			if err != nil {
				return Themes{}, err
			}
			var comments []store.CommentNLP
			for _, teamID := range partition.Safe {
				rows, err := s.store.ListCommentNLP(ctx, surveyID, teamID)
				if err != nil {
					return Themes{}, fmt.Errorf("load comments: %w", err)
				}
				comments = append(comments, rows...)
			}
			return Themes{
				SurveyID:        surveyID,
				Comments:        len(comments),
				Themes:          themeCounts(comments, settings),
				SuppressedTeams: partition.Suppressed,
			}, nil
		})
	})
}

func (s *Service) Trend(ctx context.Context, session Session, orgID, teamID string, months int) (privacy.Result[Trend], error) {
	if err := s.authorize(session, orgID, rbac.ActionRead); err != nil {
		return privacy.Result[Trend]{}, err
	}
	if err := scopeTeam(session, teamID); err != nil {
		return privacy.Result[Trend]{}, err
	}
	if months <= 0 {
		months = defaultTrendMonths
	}
	if months > maxTrendMonths {
		months = maxTrendMonths
	}
	key := cache.Key{View: cache.ViewTrend, OrgID: orgID, TeamID: teamID, Months: months}
	return cache.Get(ctx, s.cache, key, func(ctx context.Context) (privacy.Result[Trend], error) {
		return s.computeTrend(ctx, orgID, teamID, months)
	})
}

func (s *Service) computeTrend(ctx context.Context, orgID, teamID string, months int) (privacy.Result[Trend], error) {
	settings, err := s.guard.Settings(ctx, orgID)
	if err != nil {
		return privacy.Result[Trend]{}, err
	}
	suppressed := privacy.Suppressed[Trend](fallbackMessage(settings))

	var teamIDs []string
	if teamID != "" {
		team, err := s.store.GetTeam(ctx, teamID)
		if errors.Is(err, store.ErrNotFound) {
			return suppressed, nil
		}
		if err != nil {
			return privacy.Result[Trend]{}, fmt.Errorf("load team: %w", err)
		}
		if team.OrgID != orgID {
			return suppressed, nil
		}
		teamIDs = []string{teamID}
	} else {
		teams, err := s.store.ListTeams(ctx, orgID)
		if err != nil {
			return privacy.Result[Trend]{}, fmt.Errorf("list teams: %w", err)
		}
		for _, team := range teams {
			teamIDs = append(teamIDs, team.ID)
		}
	}
	if len(teamIDs) == 0 {
		return suppressed, nil
	}

	since := store.MonthStart(s.clock.Now()).AddDate(0, -(months - 1), 0)
	rows, err := s.store.ListDriverTrends(ctx, teamIDs, since)
	if err != nil {
		return privacy.Result[Trend]{}, fmt.Errorf("list trends: %w", err)
	}
	points, respondents := trendPoints(rows, settings)
	ok, message, err := s.guard.CheckCount(ctx, privacy.Scope{OrgID: orgID, TeamID: teamID}, respondents)
	if err != nil {
		return privacy.Result[Trend]{}, err
	}
	if !ok {
		return privacy.Suppressed[Trend](message), nil
	}
	return privacy.Safe(Trend{TeamID: teamID, Months: months, Points: points}), nil
}

// CommentQuery is a comment search as sent by the dashboard.
type CommentQuery struct {
	Text      string
	TeamID    string
	Sentiment store.Sentiment
	Theme     string
	Limit     int
	Offset    int
}

// Comments searches masked comments of the teams that pass min-n and that
// the session covers.
func (s *Service) Comments(ctx context.Context, session Session, orgID, surveyID string, query CommentQuery) (privacy.Result[search.Response], error) {
	if err := s.authorize(session, orgID, rbac.ActionRead); err != nil {
		return privacy.Result[search.Response]{}, err
	}
	if query.TeamID != "" && !session.CoversTeam(query.TeamID) {
		return privacy.Result[search.Response]{}, errForbidden
	}
	ok, message, err := s.guard.Check(ctx, privacy.Scope{OrgID: orgID, TeamID: query.TeamID, SurveyID: surveyID})
	if err != nil {
		return privacy.Result[search.Response]{}, err
	}
	if !ok {
		return privacy.Suppressed[search.Response](message), nil
	}

	var candidates []string
	if query.TeamID != "" {
		candidates = []string{query.TeamID}
	} else {
		teams, err := s.store.ListTeams(ctx, orgID)
		if err != nil {
			return privacy.Result[search.Response]{}, fmt.Errorf("list teams: %w", err)
		}
		for _, team := range teams {
			if session.CoversTeam(team.ID) {
				candidates = append(candidates, team.ID)
			}
		}
	}
	partition, err := s.guard.FilterUnsafeTeams(ctx, orgID, surveyID, candidates)
	if err != nil {
		return privacy.Result[search.Response]{}, err
	}
	if len(partition.Safe) == 0 {
		return privacy.Suppressed[search.Response](message), nil
	}

	response := s.search.Search(ctx, search.Query{
		OrgID:     orgID,
		SurveyID:  surveyID,
		Text:      strings.TrimSpace(query.Text),
		TeamIDs:   partition.Safe,
		Sentiment: query.Sentiment,
		Theme:     query.Theme,
		Limit:     query.Limit,
		Offset:    query.Offset,
	})
	details := map[string]any{"teams": len(partition.Safe), "results": len(response.Results)}
	if err := s.audit.Record(ctx, session.UserID, audit.ActionCommentSearch, "survey", surveyID, details); err != nil {
		return privacy.Result[search.Response]{}, err
	}
	return privacy.Safe(response), nil
}

// ValidateExport checks that every requested team may be exported. An
// empty list means every team the session covers. The check is audited
// whatever its outcome.
func (s *Service) ValidateExport(ctx context.Context, session Session, orgID, surveyID string, teamIDs []string) (privacy.ExportCheck, error) {
	if err := s.authorize(session, orgID, rbac.ActionExport); err != nil {
		return privacy.ExportCheck{}, err
	}
	if len(teamIDs) == 0 {
		teams, err := s.store.ListTeams(ctx, orgID)
		if err != nil {
			return privacy.ExportCheck{}, fmt.Errorf("list teams: %w", err)
		}
		for _, team := range teams {
			if session.CoversTeam(team.ID) {
				teamIDs = append(teamIDs, team.ID)
			}
		}
	}
	for _, teamID := range teamIDs {
		if !session.CoversTeam(teamID) {
			return privacy.ExportCheck{}, errForbidden
		}
	}

	check, err := s.guard.ValidateExport(ctx, orgID, surveyID, teamIDs)
	if err != nil {
		return privacy.ExportCheck{}, err
	}
	details := map[string]any{"teams": teamIDs, "ok": check.OK, "unsafe": len(check.Unsafe)}
	if err := s.audit.Record(ctx, session.UserID, audit.ActionExportValidate, "survey", surveyID, details); err != nil {
		return privacy.ExportCheck{}, err
	}
	if !check.OK {
		return check, domainError(errInsufficient.Status, errInsufficient.Code, errInsufficient.Message, check)
	}
	return check, nil
}

func (s *Service) Alerts(ctx context.Context, session Session, orgID string, statuses []store.AlertStatus) ([]AlertView, error) {
	if err := s.authorize(session, orgID, rbac.ActionRead); err != nil {
		return nil, err
	}
	items, err := s.alerts.List(ctx, orgID, statuses)
	if err != nil {
		return nil, err
	}
	out := make([]AlertView, 0, len(items))
	for _, item := range items {
		if session.CoversTeam(item.TeamID) {
			out = append(out, alertView(item))
		}
	}
	return out, nil
}

func (s *Service) AcknowledgeAlert(ctx context.Context, session Session, alertID, note string) (AlertView, error) {
	if err := s.triageable(ctx, session, alertID); err != nil {
		return AlertView{}, err
	}
	alert, err := s.alerts.Acknowledge(ctx, alertID, session.UserID, note)
	if err != nil {
		return AlertView{}, err
	}
	return alertView(alert), nil
}

func (s *Service) ResolveAlert(ctx context.Context, session Session, alertID, note string) (AlertView, error) {
	if err := s.triageable(ctx, session, alertID); err != nil {
		return AlertView{}, err
	}
	alert, err := s.alerts.Resolve(ctx, alertID, session.UserID, note)
	if err != nil {
		return AlertView{}, err
	}
	return alertView(alert), nil
}

// triageable hides alerts of other orgs and teams behind not_found.
func (s *Service) triageable(ctx context.Context, session Session, alertID string) error {
	alert, err := s.alerts.Get(ctx, alertID)
	if err != nil {
		return err
	}
	if alert.OrgID != session.OrgID || !session.CoversTeam(alert.TeamID) {
		return errNotFound
	}
	return s.authorize(session, alert.OrgID, rbac.ActionTriage)
}

func (s *Service) PrivacySettings(ctx context.Context, session Session, orgID string) (store.PrivacySettings, error) {
	if err := s.authorize(session, orgID, rbac.ActionRead); err != nil {
		return store.PrivacySettings{}, err
	}
	return s.guard.Settings(ctx, orgID)
}

// UpdatePrivacy replaces an org's privacy settings and drops every cached
// view of the org.
func (s *Service) UpdatePrivacy(ctx context.Context, session Session, orgID string, settings store.PrivacySettings) (store.PrivacySettings, error) {
	if err := s.authorize(session, orgID, rbac.ActionConfigure); err != nil {
		return store.PrivacySettings{}, err
	}
	if err := s.validate.Struct(settings); err != nil {
		return store.PrivacySettings{}, invalidInput("Invalid privacy settings", validationDetails(err))
	}
	org, err := s.store.GetOrganization(ctx, orgID)
	if err != nil {
		return store.PrivacySettings{}, err
	}
	previous := org.Privacy
	org.Privacy = settings
	org.UpdatedAt = s.clock.Now()
	if err := s.store.SaveOrganization(ctx, org); err != nil {
		return store.PrivacySettings{}, fmt.Errorf("save organization: %w", err)
	}
	details := map[string]any{
		"min_n":               settings.MinN,
		"previous_min_n":      previous.MinN,
		"min_segment_n":       settings.MinSegmentN,
		"pii_masking_enabled": settings.PIIMaskingEnabled,
	}
	if err := s.audit.Record(ctx, session.UserID, audit.ActionPrivacyUpdate, "organization", orgID, details); err != nil {
		return store.PrivacySettings{}, err
	}
	s.cache.Invalidate(ctx, cache.OrgTag(orgID))
	return settings, nil
}

// PlanInput is the body of a plan creation request.
type PlanInput struct {
	Name            string                `json:"name" validate:"required,max=200"`
	Cadence         store.Cadence         `json:"cadence" validate:"required,oneof=daily weekly biweekly monthly quarterly"`
	StartAt         time.Time             `json:"start_at" validate:"required"`
	EndAt           *time.Time            `json:"end_at,omitempty"`
	RotateQuestions bool                  `json:"rotate_questions"`
	QuestionSets    []store.QuestionSet   `json:"question_sets" validate:"required,min=1,dive"`
	ReminderPolicy  *store.ReminderPolicy `json:"reminder_policy,omitempty"`
	Channels        []store.Channel       `json:"channels" validate:"dive,oneof=email sms chat"`
	Audience        store.Audience        `json:"audience"`
	MaxResponses    *int                  `json:"max_responses,omitempty" validate:"omitempty,gte=1"`
}

func (s *Service) CreatePlan(ctx context.Context, session Session, input PlanInput) (PlanView, error) {
	if err := s.authorize(session, session.OrgID, rbac.ActionConfigure); err != nil {
		return PlanView{}, err
	}
	if err := s.validate.Struct(input); err != nil {
		return PlanView{}, invalidInput("Invalid plan", validationDetails(err))
	}
	if input.EndAt != nil && !input.EndAt.After(input.StartAt) {
		return PlanView{}, invalidInput("Invalid plan", map[string]string{"PlanInput.EndAt": "gtfield"})
	}
	for _, teamID := range input.Audience.TeamIDs {
		team, err := s.store.GetTeam(ctx, teamID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && team.OrgID != session.OrgID) {
			return PlanView{}, invalidInput("Unknown audience team", map[string]any{"team_id": teamID})
		}
		if err != nil {
			return PlanView{}, fmt.Errorf("load team: %w", err)
		}
	}
	policy := store.DefaultReminderPolicy()
	if input.ReminderPolicy != nil {
		policy = *input.ReminderPolicy
	}
	channels := input.Channels
	if len(channels) == 0 {
		channels = []store.Channel{store.ChannelEmail}
	}
	plan, err := s.scheduler.CreatePlan(ctx, store.Plan{
		OrgID:           session.OrgID,
		Name:            strings.TrimSpace(input.Name),
		Cadence:         input.Cadence,
		StartAt:         input.StartAt,
		EndAt:           input.EndAt,
		RotateQuestions: input.RotateQuestions,
		QuestionSets:    input.QuestionSets,
		ReminderPolicy:  policy,
		Channels:        channels,
		Audience:        input.Audience,
		MaxResponses:    input.MaxResponses,
	}, session.UserID)
	if err != nil {
		return PlanView{}, err
	}
	return planView(plan), nil
}

func (s *Service) ActivatePlan(ctx context.Context, session Session, planID string) (PlanView, error) {
	if err := s.ownPlan(ctx, session, planID); err != nil {
		return PlanView{}, err
	}
	plan, err := s.scheduler.Activate(ctx, planID, session.UserID)
	if err != nil {
		return PlanView{}, err
	}
	return planView(plan), nil
}

func (s *Service) DeactivatePlan(ctx context.Context, session Session, planID string) (PlanView, error) {
	if err := s.ownPlan(ctx, session, planID); err != nil {
		return PlanView{}, err
	}
	plan, err := s.scheduler.Deactivate(ctx, planID, session.UserID)
	if err != nil {
		return PlanView{}, err
	}
	return planView(plan), nil
}

func (s *Service) ownPlan(ctx context.Context, session Session, planID string) error {
	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return err
	}
	if plan.OrgID != session.OrgID {
		return errNotFound
	}
	return s.authorize(session, plan.OrgID, rbac.ActionConfigure)
}

// TokenStats reports vault counters for a survey. Counts span every team,
// so the session must cover the whole org.
func (s *Service) TokenStats(ctx context.Context, session Session, surveyID string) (store.TokenStats, error) {
	survey, err := s.store.GetSurvey(ctx, surveyID)
	if err != nil {
		return store.TokenStats{}, err
	}
	if survey.OrgID != session.OrgID {
		return store.TokenStats{}, errNotFound
	}
	if err := s.authorize(session, survey.OrgID, rbac.ActionRead); err != nil {
		return store.TokenStats{}, err
	}
	if err := scopeTeam(session, ""); err != nil {
		return store.TokenStats{}, err
	}
	return s.vault.Stats(ctx, surveyID)
}

func (s *Service) Submit(ctx context.Context, req responses.Request) (responses.Receipt, error) {
	return s.responses.Submit(ctx, req)
}

// Snapshot is the payload stored when a scheduled survey closes.
type Snapshot struct {
	SurveyID string                  `json:"survey_id"`
	ClosedAt time.Time               `json:"closed_at"`
	KPIs     privacy.Result[KPIs]    `json:"kpis"`
	Heatmap  privacy.Result[Heatmap] `json:"heatmap"`
}

// OnClosed writes a guarded report snapshot for a closed survey and
// archives it when an archive is configured. It is a scheduler.Closed
// hook.
func (s *Service) OnClosed(ctx context.Context, row store.ScheduledSurvey) {
	if err := s.snapshot(ctx, row.SurveyID); err != nil {
		slog.Error("report snapshot failed", "survey_id", row.SurveyID, "error", err)
	}
}

func (s *Service) snapshot(ctx context.Context, surveyID string) error {
	survey, err := s.store.GetSurvey(ctx, surveyID)
	if err != nil {
		return fmt.Errorf("load survey: %w", err)
	}
	kpis, err := s.computeKPIs(ctx, survey.OrgID, surveyID, "")
	if err != nil {
		return fmt.Errorf("compute kpis: %w", err)
	}
	heatmap, err := s.computeHeatmap(ctx, survey.OrgID, surveyID)
	if err != nil {
		return fmt.Errorf("compute heatmap: %w", err)
	}
	now := s.clock.Now()
	payload, err := json.Marshal(Snapshot{SurveyID: surveyID, ClosedAt: now, KPIs: kpis, Heatmap: heatmap})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	report := store.ReportsCache{
		OrgID:       survey.OrgID,
		Scope:       "survey:" + surveyID,
		PeriodStart: survey.OpensAt,
		PeriodEnd:   survey.ClosesAt,
		Payload:     payload,
		CreatedAt:   now,
	}
	if s.archive != nil {
		key := archive.ObjectKey(report)
		if err := s.archive.Put(ctx, key, payload); err != nil {
			slog.Warn("archive report failed", "survey_id", surveyID, "key", key, "error", err)
		} else {
			report.ArchiveKey = key
		}
	}
	if err := s.store.SaveReport(ctx, report); err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	slog.Info("report snapshot saved", "survey_id", surveyID, "archived", report.ArchiveKey != "")
	return nil
}

// readContext loads what every driver view needs: the org's privacy
// settings and driver names.
func (s *Service) readContext(ctx context.Context, orgID string) (store.PrivacySettings, map[string]string, error) {
	settings, err := s.guard.Settings(ctx, orgID)
	if err != nil {
		return store.PrivacySettings{}, nil, err
	}
	drivers, err := s.store.ListDrivers(ctx, orgID)
	if err != nil {
		return store.PrivacySettings{}, nil, fmt.Errorf("list drivers: %w", err)
	}
	names := make(map[string]string, len(drivers))
	for _, driver := range drivers {
		names[driver.ID] = driver.Name
	}
	return settings, names, nil
}

// safeTeams partitions the org's teams for a survey. teams may be passed
// when the caller already listed them.
func (s *Service) safeTeams(ctx context.Context, orgID, surveyID string, teams []store.Team) (privacy.Partition, error) {
	if teams == nil {
		var err error
		teams, err = s.store.ListTeams(ctx, orgID)
		if err != nil {
			return privacy.Partition{}, fmt.Errorf("list teams: %w", err)
		}
	}
	ids := make([]string, 0, len(teams))
	for _, team := range teams {
		ids = append(ids, team.ID)
	}
	return s.guard.FilterUnsafeTeams(ctx, orgID, surveyID, ids)
}

func fallbackMessage(settings store.PrivacySettings) string {
	if settings.SafeFallbackMessage == "" {
		return store.DefaultSafeFallbackMessage
	}
	return settings.SafeFallbackMessage
}

func validationDetails(err error) any {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return nil
	}
	out := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		out[fe.Namespace()] = fe.Tag()
	}
	return out
}
