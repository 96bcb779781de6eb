package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Every method runs under one mutex,
// which gives it the same atomicity the Postgres transactions provide.
// Used by tests and by the server when no DATABASE_URL is configured.
type MemoryStore struct {
	mu sync.Mutex

	orgs        map[string]Organization
	teams       map[string]Team
	drivers     map[string]Driver
	surveys     map[string]Survey
	plans       map[string]Plan
	scheduled   map[string]ScheduledSurvey
	tokens      map[string]SurveyToken
	attempts    []TokenAttempt
	responses   []NumericResponse
	comments    []Comment
	nlp         map[string]CommentNLP
	deadLetters map[string]NLPDeadLetter

	participation map[string]ParticipationSummary
	driverSums    map[string][]DriverSummary
	sentiment     map[string]SentimentSummary
	trends        map[string]DriverTrend

	alerts  map[string]Alert
	audit   []AuditEntry
	reports map[string]ReportsCache
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orgs:          make(map[string]Organization),
		teams:         make(map[string]Team),
		drivers:       make(map[string]Driver),
		surveys:       make(map[string]Survey),
		plans:         make(map[string]Plan),
		scheduled:     make(map[string]ScheduledSurvey),
		tokens:        make(map[string]SurveyToken),
		nlp:           make(map[string]CommentNLP),
		deadLetters:   make(map[string]NLPDeadLetter),
		participation: make(map[string]ParticipationSummary),
		driverSums:    make(map[string][]DriverSummary),
		sentiment:     make(map[string]SentimentSummary),
		trends:        make(map[string]DriverTrend),
		alerts:        make(map[string]Alert),
		reports:       make(map[string]ReportsCache),
	}
}

func pairKey(a, b string) string { return a + "\x00" + b }

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) GetOrganization(_ context.Context, id string) (Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	org, ok := s.orgs[id]
	if !ok {
		return Organization{}, fmt.Errorf("get organization %s: %w", id, ErrNotFound)
	}
	return org, nil
}

func (s *MemoryStore) SaveOrganization(_ context.Context, org Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orgs[org.ID] = org
	return nil
}

func (s *MemoryStore) GetTeam(_ context.Context, id string) (Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	team, ok := s.teams[id]
	if !ok {
		return Team{}, fmt.Errorf("get team %s: %w", id, ErrNotFound)
	}
	return team, nil
}

func (s *MemoryStore) ListTeams(_ context.Context, orgID string) ([]Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Team, 0)
	for _, team := range s.teams {
		if team.OrgID == orgID {
			items = append(items, team)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (s *MemoryStore) SaveTeam(_ context.Context, team Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teams[team.ID] = team
	return nil
}

func (s *MemoryStore) ListDrivers(_ context.Context, orgID string) ([]Driver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Driver, 0)
	for _, driver := range s.drivers {
		if driver.OrgID == orgID {
			items = append(items, driver)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (s *MemoryStore) SaveDriver(_ context.Context, driver Driver) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drivers[driver.ID] = driver
	return nil
}

func (s *MemoryStore) InsertSurvey(_ context.Context, survey Survey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.surveys[survey.ID]; exists {
		return fmt.Errorf("insert survey %s: %w", survey.ID, ErrConflict)
	}
	s.surveys[survey.ID] = survey
	return nil
}

func (s *MemoryStore) GetSurvey(_ context.Context, id string) (Survey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	survey, ok := s.surveys[id]
	if !ok {
		return Survey{}, fmt.Errorf("get survey %s: %w", id, ErrNotFound)
	}
	return survey, nil
}

func (s *MemoryStore) UpdateSurveyStatus(_ context.Context, id string, status SurveyStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	survey, ok := s.surveys[id]
	if !ok {
		return fmt.Errorf("update survey %s: %w", id, ErrNotFound)
	}
	survey.Status = status
	s.surveys[id] = survey
	return nil
}

func (s *MemoryStore) InsertPlan(_ context.Context, plan Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.plans[plan.ID]; exists {
		return fmt.Errorf("insert plan %s: %w", plan.ID, ErrConflict)
	}
	s.plans[plan.ID] = plan
	return nil
}

func (s *MemoryStore) GetPlan(_ context.Context, id string) (Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, ok := s.plans[id]
	if !ok {
		return Plan{}, fmt.Errorf("get plan %s: %w", id, ErrNotFound)
	}
	return plan, nil
}

func (s *MemoryStore) ListActivePlans(context.Context) ([]Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Plan, 0)
	for _, plan := range s.plans {
		if plan.Active {
			items = append(items, plan)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (s *MemoryStore) SetPlanActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, ok := s.plans[id]
	if !ok {
		return fmt.Errorf("set plan active %s: %w", id, ErrNotFound)
	}
	plan.Active = active
	s.plans[id] = plan
	return nil
}

func (s *MemoryStore) BeginFire(_ context.Context, req FireRequest) (ScheduledSurvey, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.scheduled {
		if existing.PlanID == req.Plan.ID && existing.ScheduledFor.Equal(req.Scheduled.ScheduledFor) {
			return existing, false, nil
		}
	}
	plan, ok := s.plans[req.Plan.ID]
	if !ok {
		return ScheduledSurvey{}, false, fmt.Errorf("begin fire %s: %w", req.Plan.ID, ErrNotFound)
	}
	if _, exists := s.surveys[req.Survey.ID]; exists {
		return ScheduledSurvey{}, false, fmt.Errorf("begin fire survey %s: %w", req.Survey.ID, ErrConflict)
	}
	s.surveys[req.Survey.ID] = req.Survey
	s.scheduled[req.Scheduled.ID] = req.Scheduled
	firedAt := req.Scheduled.ScheduledFor
	plan.LastFiredAt = &firedAt
	s.plans[plan.ID] = plan
	return req.Scheduled, true, nil
}

func (s *MemoryStore) GetScheduledSurvey(_ context.Context, id string) (ScheduledSurvey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.scheduled[id]
	if !ok {
		return ScheduledSurvey{}, fmt.Errorf("get scheduled survey %s: %w", id, ErrNotFound)
	}
	return item, nil
}

func (s *MemoryStore) GetScheduledSurveyBySurvey(_ context.Context, surveyID string) (ScheduledSurvey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.scheduled {
		if item.SurveyID == surveyID {
			return item, nil
		}
	}
	return ScheduledSurvey{}, fmt.Errorf("get scheduled survey for %s: %w", surveyID, ErrNotFound)
}

func (s *MemoryStore) ListScheduledSurveys(_ context.Context, filter ScheduledFilter) ([]ScheduledSurvey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]ScheduledSurvey, 0)
	for _, item := range s.scheduled {
		if filter.PlanID != "" && item.PlanID != filter.PlanID {
			continue
		}
		if !containsStatus(filter.Statuses, item.Status) {
			continue
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].ScheduledFor.Equal(items[j].ScheduledFor) {
			return items[i].ID < items[j].ID
		}
		return items[i].ScheduledFor.Before(items[j].ScheduledFor)
	})
	return items, nil
}

func (s *MemoryStore) MarkScheduledSent(_ context.Context, id string, sentAt time.Time, targetCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.scheduled[id]
	if !ok {
		return fmt.Errorf("mark sent %s: %w", id, ErrNotFound)
	}
	if item.Status != ScheduledPending {
		return fmt.Errorf("mark sent %s from %s: %w", id, item.Status, ErrConflict)
	}
	item.Status = ScheduledSent
	item.SentAt = &sentAt
	item.TargetCount = targetCount
	s.scheduled[id] = item
	return nil
}

func (s *MemoryStore) ClaimReminder(_ context.Context, id string, expectedCount int, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.scheduled[id]
	if !ok {
		return false, fmt.Errorf("claim reminder %s: %w", id, ErrNotFound)
	}
	if item.Status != ScheduledSent || item.ReminderCount != expectedCount {
		return false, nil
	}
	item.ReminderCount++
	item.LastReminderAt = &at
	s.scheduled[id] = item
	return true, nil
}

func (s *MemoryStore) CompleteScheduledSurvey(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.scheduled[id]
	if !ok {
		return false, fmt.Errorf("complete %s: %w", id, ErrNotFound)
	}
	if item.Status != ScheduledSent {
		return false, nil
	}
	item.Status = ScheduledCompleted
	s.scheduled[id] = item
	if survey, ok := s.surveys[item.SurveyID]; ok {
		survey.Status = SurveyClosed
		s.surveys[survey.ID] = survey
	}
	return true, nil
}

func (s *MemoryStore) CancelScheduledSurveys(_ context.Context, planID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancelled := 0
	for id, item := range s.scheduled {
		if item.PlanID == planID && item.Status == ScheduledPending {
			item.Status = ScheduledCancelled
			s.scheduled[id] = item
			cancelled++
		}
	}
	return cancelled, nil
}

func (s *MemoryStore) IncrementScheduledResponses(_ context.Context, surveyID string) (ScheduledSurvey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, item := range s.scheduled {
		if item.SurveyID == surveyID && item.Status == ScheduledSent {
			item.ResponseCount++
			s.scheduled[id] = item
			return item, nil
		}
	}
	return ScheduledSurvey{}, fmt.Errorf("increment responses for %s: %w", surveyID, ErrNotFound)
}

func (s *MemoryStore) InsertToken(_ context.Context, token SurveyToken) (SurveyToken, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token.EmployeePseudonym != "" {
		for _, existing := range s.tokens {
			if existing.SurveyID == token.SurveyID && existing.EmployeePseudonym == token.EmployeePseudonym {
				return existing, false, nil
			}
		}
	}
	if _, exists := s.tokens[token.Token]; exists {
		return SurveyToken{}, false, fmt.Errorf("insert token: %w", ErrConflict)
	}
	s.tokens[token.Token] = token
	return token, true, nil
}

func (s *MemoryStore) GetToken(_ context.Context, token string) (SurveyToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.tokens[token]
	if !ok {
		return SurveyToken{}, fmt.Errorf("get token: %w", ErrNotFound)
	}
	return item, nil
}

func (s *MemoryStore) FindTokenByPseudonym(_ context.Context, surveyID, pseudonym string) (SurveyToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.tokens {
		if item.SurveyID == surveyID && item.EmployeePseudonym == pseudonym {
			return item, nil
		}
	}
	return SurveyToken{}, fmt.Errorf("find token by pseudonym: %w", ErrNotFound)
}

func (s *MemoryStore) ListSurveyTokens(_ context.Context, surveyID string) ([]SurveyToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]SurveyToken, 0)
	for _, item := range s.tokens {
		if item.SurveyID == surveyID {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Token < items[j].Token })
	return items, nil
}

func tokenRedeemable(token SurveyToken, at time.Time) bool {
	return !token.Used && token.ExpiredReason == "" && at.Before(token.ExpiresAt)
}

func (s *MemoryStore) consumeLocked(token string, surveyID string, at time.Time) (SurveyToken, error) {
	item, ok := s.tokens[token]
	if !ok {
		return SurveyToken{}, ErrTokenUnavailable
	}
	if (surveyID != "" && item.SurveyID != surveyID) || !tokenRedeemable(item, at) {
		return item, ErrTokenUnavailable
	}
	item.Used = true
	item.UsedAt = &at
	s.tokens[token] = item
	return item, nil
}

func (s *MemoryStore) ConsumeToken(_ context.Context, token string, at time.Time) (SurveyToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumeLocked(token, "", at)
}

func (s *MemoryStore) RecordTokenAttempt(_ context.Context, attempt TokenAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, attempt)
	if attempt.Token == "" {
		return nil
	}
	item, ok := s.tokens[attempt.Token]
	if !ok {
		return nil
	}
	at := attempt.At
	item.LastAttemptAt = &at
	item.DeviceFingerprint = attempt.Fingerprint
	if !attempt.Success {
		item.FailureCount++
		item.LastFailureReason = attempt.Reason
	}
	s.tokens[attempt.Token] = item
	return nil
}

func (s *MemoryStore) CountTokenAttempts(_ context.Context, surveyID, fingerprint string, since time.Time, failuresOnly bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, attempt := range s.attempts {
		if attempt.SurveyID != surveyID || attempt.Fingerprint != fingerprint || attempt.At.Before(since) {
			continue
		}
		if failuresOnly && attempt.Success {
			continue
		}
		count++
	}
	return count, nil
}

func (s *MemoryStore) ExpireSurveyTokens(_ context.Context, surveyID, reason string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expired := 0
	for key, item := range s.tokens {
		if item.SurveyID != surveyID || item.Used || item.ExpiredReason != "" {
			continue
		}
		item.ExpiredReason = reason
		item.ExpiredAt = &at
		s.tokens[key] = item
		expired++
	}
	return expired, nil
}

func (s *MemoryStore) TokenStats(_ context.Context, surveyID string) (TokenStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats TokenStats
	for _, item := range s.tokens {
		if item.SurveyID != surveyID {
			continue
		}
		stats.Total++
		if item.Used {
			stats.Used++
		}
		if item.ExpiredReason != "" {
			stats.Expired++
		}
		stats.FailedAttempts += item.FailureCount
	}
	if stats.Total > 0 {
		stats.UsageRate = float64(stats.Used) / float64(stats.Total) * 100
	}
	return stats, nil
}

func (s *MemoryStore) PurgeTokens(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for key, item := range s.tokens {
		if item.ExpiredAt != nil && item.ExpiredAt.Before(before) {
			delete(s.tokens, key)
			purged++
		}
	}
	kept := s.attempts[:0]
	for _, attempt := range s.attempts {
		if !attempt.At.Before(before) {
			kept = append(kept, attempt)
		}
	}
	s.attempts = kept
	return purged, nil
}

func (s *MemoryStore) CountUsedTokens(_ context.Context, surveyID, teamID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, item := range s.tokens {
		if item.SurveyID == surveyID && item.Used && (teamID == "" || item.TeamID == teamID) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) SubmitResponses(_ context.Context, submission Submission) (SurveyToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, err := s.consumeLocked(submission.Token, submission.SurveyID, submission.Submitted)
	if err != nil {
		return token, err
	}
	for _, response := range submission.Scores {
		response.SurveyID = token.SurveyID
		response.TeamID = token.TeamID
		s.responses = append(s.responses, response)
	}
	for _, comment := range submission.Comments {
		comment.SurveyID = token.SurveyID
		comment.TeamID = token.TeamID
		s.comments = append(s.comments, comment)
	}
	return token, nil
}

func (s *MemoryStore) ListNumericResponses(_ context.Context, surveyID, teamID string) ([]NumericResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]NumericResponse, 0)
	for _, item := range s.responses {
		if item.SurveyID == surveyID && (teamID == "" || item.TeamID == teamID) {
			items = append(items, item)
		}
	}
	return items, nil
}

func (s *MemoryStore) ListComments(_ context.Context, surveyID, teamID string) ([]Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Comment, 0)
	for _, item := range s.comments {
		if item.SurveyID == surveyID && (teamID == "" || item.TeamID == teamID) {
			items = append(items, item)
		}
	}
	return items, nil
}

func (s *MemoryStore) GetComment(_ context.Context, id string) (Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.comments {
		if item.ID == id {
			return item, nil
		}
	}
	return Comment{}, fmt.Errorf("get comment %s: %w", id, ErrNotFound)
}

func (s *MemoryStore) ListCommentsMissingNLP(_ context.Context, limit int) ([]Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Comment, 0)
	for _, item := range s.comments {
		if _, done := s.nlp[item.ID]; done {
			continue
		}
		if _, dead := s.deadLetters[item.ID]; dead {
			continue
		}
		items = append(items, item)
		if limit > 0 && len(items) == limit {
			break
		}
	}
	return items, nil
}

func (s *MemoryStore) GetCommentNLP(_ context.Context, commentID string) (CommentNLP, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.nlp[commentID]
	if !ok {
		return CommentNLP{}, fmt.Errorf("get comment nlp %s: %w", commentID, ErrNotFound)
	}
	return item, nil
}

func (s *MemoryStore) UpsertCommentNLP(_ context.Context, nlp CommentNLP) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	nlp.Themes = append([]string(nil), nlp.Themes...)
	s.nlp[nlp.CommentID] = nlp
	return nil
}

func (s *MemoryStore) ListCommentNLP(_ context.Context, surveyID, teamID string) ([]CommentNLP, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]CommentNLP, 0)
	for _, item := range s.nlp {
		if item.SurveyID == surveyID && (teamID == "" || item.TeamID == teamID) {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CommentID < items[j].CommentID })
	return items, nil
}

func (s *MemoryStore) InsertDeadLetter(_ context.Context, letter NLPDeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters[letter.CommentID] = letter
	return nil
}

func (s *MemoryStore) ListDeadLetters(_ context.Context, limit int) ([]NLPDeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]NLPDeadLetter, 0, len(s.deadLetters))
	for _, item := range s.deadLetters {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].FailedAt.After(items[j].FailedAt) })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *MemoryStore) SearchComments(_ context.Context, surveyID, text string, limit int) ([]CommentNLP, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	needle := strings.ToLower(strings.TrimSpace(text))
	items := make([]CommentNLP, 0)
	for _, item := range s.nlp {
		if item.SurveyID != surveyID {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(item.PIIMaskedText), needle) {
			continue
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CommentID < items[j].CommentID })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *MemoryStore) SaveSummaries(_ context.Context, bundle SummaryBundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := bundle.Participation
	key := pairKey(p.SurveyID, p.TeamID)
	s.participation[key] = p
	s.driverSums[key] = append([]DriverSummary(nil), bundle.Drivers...)
	if bundle.Sentiment != nil {
		s.sentiment[key] = *bundle.Sentiment
	}
	for _, trend := range bundle.Trends {
		trendKey := trend.TeamID + "\x00" + trend.DriverID + "\x00" + trend.PeriodMonth.Format("2006-01")
		s.trends[trendKey] = trend
	}
	return nil
}

func (s *MemoryStore) GetParticipation(_ context.Context, surveyID, teamID string) (ParticipationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.participation[pairKey(surveyID, teamID)]
	if !ok {
		return ParticipationSummary{}, fmt.Errorf("get participation: %w", ErrNotFound)
	}
	return item, nil
}

func (s *MemoryStore) ListParticipation(_ context.Context, surveyID string) ([]ParticipationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]ParticipationSummary, 0)
	for _, item := range s.participation {
		if item.SurveyID == surveyID {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].TeamID < items[j].TeamID })
	return items, nil
}

func (s *MemoryStore) GetDriverSummaries(_ context.Context, surveyID, teamID string) ([]DriverSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DriverSummary{}, s.driverSums[pairKey(surveyID, teamID)]...), nil
}

func (s *MemoryStore) ListDriverSummaries(_ context.Context, surveyID string) ([]DriverSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]DriverSummary, 0)
	for _, group := range s.driverSums {
		for _, item := range group {
			if item.SurveyID == surveyID {
				items = append(items, item)
			}
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].TeamID == items[j].TeamID {
			return items[i].DriverID < items[j].DriverID
		}
		return items[i].TeamID < items[j].TeamID
	})
	return items, nil
}

func (s *MemoryStore) GetSentiment(_ context.Context, surveyID, teamID string) (SentimentSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.sentiment[pairKey(surveyID, teamID)]
	if !ok {
		return SentimentSummary{}, fmt.Errorf("get sentiment: %w", ErrNotFound)
	}
	return item, nil
}

func (s *MemoryStore) TeamSurveyHistory(_ context.Context, teamID string, since, until time.Time, limit int) ([]TeamSurveyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]TeamSurveyRecord, 0)
	for key, participation := range s.participation {
		if participation.TeamID != teamID {
			continue
		}
		survey, ok := s.surveys[participation.SurveyID]
		if !ok {
			continue
		}
		if !since.IsZero() && survey.OpensAt.Before(since) {
			continue
		}
		if !until.IsZero() && survey.OpensAt.After(until) {
			continue
		}
		record := TeamSurveyRecord{
			SurveyID:      survey.ID,
			OpensAt:       survey.OpensAt,
			Participation: participation,
			Drivers:       append([]DriverSummary{}, s.driverSums[key]...),
		}
		if sentiment, ok := s.sentiment[key]; ok {
			record.Sentiment = &sentiment
		}
		items = append(items, record)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].OpensAt.Equal(items[j].OpensAt) {
			return items[i].SurveyID > items[j].SurveyID
		}
		return items[i].OpensAt.After(items[j].OpensAt)
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *MemoryStore) ListDriverTrends(_ context.Context, teamIDs []string, since time.Time) ([]DriverTrend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := MonthStart(since)
	items := make([]DriverTrend, 0)
	for _, trend := range s.trends {
		if !containsStatus(teamIDs, trend.TeamID) || trend.PeriodMonth.Before(from) {
			continue
		}
		items = append(items, trend)
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].PeriodMonth.Equal(items[j].PeriodMonth) {
			return items[i].PeriodMonth.Before(items[j].PeriodMonth)
		}
		if items[i].TeamID != items[j].TeamID {
			return items[i].TeamID < items[j].TeamID
		}
		return items[i].DriverID < items[j].DriverID
	})
	return items, nil
}

func (s *MemoryStore) CreateAlertIfAbsent(_ context.Context, alert Alert) (Alert, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.alerts {
		if existing.Status == AlertResolved {
			continue
		}
		if existing.TeamID == alert.TeamID && existing.SurveyID == alert.SurveyID &&
			existing.DriverID == alert.DriverID && existing.Type == alert.Type {
			return existing, false, nil
		}
	}
	s.alerts[alert.ID] = alert
	return alert, true, nil
}

func (s *MemoryStore) GetAlert(_ context.Context, id string) (Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert, ok := s.alerts[id]
	if !ok {
		return Alert{}, fmt.Errorf("get alert %s: %w", id, ErrNotFound)
	}
	return alert, nil
}

func (s *MemoryStore) ListAlerts(_ context.Context, orgID string, statuses []AlertStatus) ([]Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Alert, 0)
	for _, alert := range s.alerts {
		if alert.OrgID == orgID && containsStatus(statuses, alert.Status) {
			items = append(items, alert)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	return items, nil
}

func (s *MemoryStore) TransitionAlert(_ context.Context, transition AlertTransition) (Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert, ok := s.alerts[transition.AlertID]
	if !ok {
		return Alert{}, fmt.Errorf("transition alert %s: %w", transition.AlertID, ErrNotFound)
	}
	if !containsStatus(transition.From, alert.Status) {
		return alert, fmt.Errorf("transition alert %s from %s: %w", alert.ID, alert.Status, ErrConflict)
	}
	alert.Status = transition.To
	alert.UpdatedAt = transition.At
	if transition.Note != "" {
		alert.ResolverNote = transition.Note
	}
	if transition.To == AlertResolved {
		at := transition.At
		alert.ResolvedAt = &at
	}
	s.alerts[alert.ID] = alert
	s.appendAuditLocked(transition.Audit)
	return alert, nil
}

func (s *MemoryStore) appendAuditLocked(entry AuditEntry) {
	entry.ID = int64(len(s.audit) + 1)
	s.audit = append(s.audit, entry)
}

func (s *MemoryStore) AppendAudit(_ context.Context, entry AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendAuditLocked(entry)
	return nil
}

func (s *MemoryStore) ListAudit(_ context.Context, resourceType, resourceID string) ([]AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]AuditEntry, 0)
	for _, entry := range s.audit {
		if resourceType != "" && entry.ResourceType != resourceType {
			continue
		}
		if resourceID != "" && entry.ResourceID != resourceID {
			continue
		}
		items = append(items, entry)
	}
	return items, nil
}

func (s *MemoryStore) SaveReport(_ context.Context, report ReportsCache) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := report.OrgID + "\x00" + report.Scope + "\x00" + report.PeriodStart.Format(time.RFC3339) + "\x00" + report.PeriodEnd.Format(time.RFC3339)
	s.reports[key] = report
	return nil
}

// Reports returns stored report snapshots for an org, newest first.
func (s *MemoryStore) Reports(orgID string) []ReportsCache {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]ReportsCache, 0)
	for _, report := range s.reports {
		if report.OrgID == orgID {
			items = append(items, report)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	return items
}
