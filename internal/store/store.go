package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: conflict")
	// ErrTokenUnavailable is returned when a token cannot be consumed:
	// it is unknown, already used, or expired.
	ErrTokenUnavailable = errors.New("store: token unavailable")
)

// Store is the transactional row store the orchestrator runs on. Both
// PostgresStore and MemoryStore implement it; components depend on the
// narrower interfaces they declare.
type Store interface {
	Ping(ctx context.Context) error

	GetOrganization(ctx context.Context, id string) (Organization, error)
	SaveOrganization(ctx context.Context, org Organization) error
	GetTeam(ctx context.Context, id string) (Team, error)
	ListTeams(ctx context.Context, orgID string) ([]Team, error)
	SaveTeam(ctx context.Context, team Team) error
	ListDrivers(ctx context.Context, orgID string) ([]Driver, error)
	SaveDriver(ctx context.Context, driver Driver) error

	InsertSurvey(ctx context.Context, survey Survey) error
	GetSurvey(ctx context.Context, id string) (Survey, error)
	UpdateSurveyStatus(ctx context.Context, id string, status SurveyStatus) error

	InsertPlan(ctx context.Context, plan Plan) error
	GetPlan(ctx context.Context, id string) (Plan, error)
	ListActivePlans(ctx context.Context) ([]Plan, error)
	SetPlanActive(ctx context.Context, id string, active bool) error
	BeginFire(ctx context.Context, req FireRequest) (ScheduledSurvey, bool, error)
	GetScheduledSurvey(ctx context.Context, id string) (ScheduledSurvey, error)
	GetScheduledSurveyBySurvey(ctx context.Context, surveyID string) (ScheduledSurvey, error)
	ListScheduledSurveys(ctx context.Context, filter ScheduledFilter) ([]ScheduledSurvey, error)
	MarkScheduledSent(ctx context.Context, id string, sentAt time.Time, targetCount int) error
	ClaimReminder(ctx context.Context, id string, expectedCount int, at time.Time) (bool, error)
	CompleteScheduledSurvey(ctx context.Context, id string) (bool, error)
	CancelScheduledSurveys(ctx context.Context, planID string) (int, error)
	// IncrementScheduledResponses counts a response against the sent
	// instance of surveyID. ErrNotFound when no instance is in sent state.
	IncrementScheduledResponses(ctx context.Context, surveyID string) (ScheduledSurvey, error)

	InsertToken(ctx context.Context, token SurveyToken) (SurveyToken, bool, error)
	GetToken(ctx context.Context, token string) (SurveyToken, error)
	FindTokenByPseudonym(ctx context.Context, surveyID, pseudonym string) (SurveyToken, error)
	ListSurveyTokens(ctx context.Context, surveyID string) ([]SurveyToken, error)
	ConsumeToken(ctx context.Context, token string, at time.Time) (SurveyToken, error)
	RecordTokenAttempt(ctx context.Context, attempt TokenAttempt) error
	CountTokenAttempts(ctx context.Context, surveyID, fingerprint string, since time.Time, failuresOnly bool) (int, error)
	ExpireSurveyTokens(ctx context.Context, surveyID, reason string, at time.Time) (int, error)
	TokenStats(ctx context.Context, surveyID string) (TokenStats, error)
	PurgeTokens(ctx context.Context, before time.Time) (int, error)
	CountUsedTokens(ctx context.Context, surveyID, teamID string) (int, error)

	SubmitResponses(ctx context.Context, submission Submission) (SurveyToken, error)
	ListNumericResponses(ctx context.Context, surveyID, teamID string) ([]NumericResponse, error)
	ListComments(ctx context.Context, surveyID, teamID string) ([]Comment, error)
	GetComment(ctx context.Context, id string) (Comment, error)
	ListCommentsMissingNLP(ctx context.Context, limit int) ([]Comment, error)

	GetCommentNLP(ctx context.Context, commentID string) (CommentNLP, error)
	UpsertCommentNLP(ctx context.Context, nlp CommentNLP) error
	ListCommentNLP(ctx context.Context, surveyID, teamID string) ([]CommentNLP, error)
	InsertDeadLetter(ctx context.Context, letter NLPDeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]NLPDeadLetter, error)
	SearchComments(ctx context.Context, surveyID, text string, limit int) ([]CommentNLP, error)

	SaveSummaries(ctx context.Context, bundle SummaryBundle) error
	GetParticipation(ctx context.Context, surveyID, teamID string) (ParticipationSummary, error)
	ListParticipation(ctx context.Context, surveyID string) ([]ParticipationSummary, error)
	GetDriverSummaries(ctx context.Context, surveyID, teamID string) ([]DriverSummary, error)
	ListDriverSummaries(ctx context.Context, surveyID string) ([]DriverSummary, error)
	GetSentiment(ctx context.Context, surveyID, teamID string) (SentimentSummary, error)
	TeamSurveyHistory(ctx context.Context, teamID string, since, until time.Time, limit int) ([]TeamSurveyRecord, error)
	ListDriverTrends(ctx context.Context, teamIDs []string, since time.Time) ([]DriverTrend, error)

	CreateAlertIfAbsent(ctx context.Context, alert Alert) (Alert, bool, error)
	GetAlert(ctx context.Context, id string) (Alert, error)
	ListAlerts(ctx context.Context, orgID string, statuses []AlertStatus) ([]Alert, error)
	TransitionAlert(ctx context.Context, transition AlertTransition) (Alert, error)

	AppendAudit(ctx context.Context, entry AuditEntry) error
	ListAudit(ctx context.Context, resourceType, resourceID string) ([]AuditEntry, error)
	SaveReport(ctx context.Context, report ReportsCache) error
}

// MonthStart truncates t to the first instant of its UTC calendar month.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func containsStatus[T comparable](statuses []T, status T) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
