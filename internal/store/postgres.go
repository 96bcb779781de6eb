package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", mapPgError(err))
	}
	return nil
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, ErrConflict)
	}
	return err
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func encodeJSON(value any) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (s *PostgresStore) GetOrganization(ctx context.Context, id string) (Organization, error) {
	var org Organization
	var privacyRaw, thresholdsRaw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, privacy, thresholds, created_at, updated_at
		FROM organizations WHERE id=$1
	`, id).Scan(&org.ID, &org.Name, &privacyRaw, &thresholdsRaw, &org.CreatedAt, &org.UpdatedAt)
	if err != nil {
		return Organization{}, notFound(err, "get organization "+id)
	}
	org.Privacy = DefaultPrivacySettings()
	if err := json.Unmarshal(privacyRaw, &org.Privacy); err != nil {
		return Organization{}, fmt.Errorf("decode privacy settings for %s: %w", id, err)
	}
	org.Thresholds = DefaultAlertThresholds()
	if err := json.Unmarshal(thresholdsRaw, &org.Thresholds); err != nil {
		return Organization{}, fmt.Errorf("decode alert thresholds for %s: %w", id, err)
	}
	return org, nil
}

func (s *PostgresStore) SaveOrganization(ctx context.Context, org Organization) error {
	privacy, err := encodeJSON(org.Privacy)
	if err != nil {
		return fmt.Errorf("marshal privacy settings: %w", err)
	}
	thresholds, err := encodeJSON(org.Thresholds)
	if err != nil {
		return fmt.Errorf("marshal alert thresholds: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO organizations (id, name, privacy, thresholds, created_at, updated_at)
		VALUES ($1, $2, $3::jsonb, $4::jsonb, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name=EXCLUDED.name, privacy=EXCLUDED.privacy,
			thresholds=EXCLUDED.thresholds, updated_at=EXCLUDED.updated_at
	`, org.ID, org.Name, privacy, thresholds, org.CreatedAt, org.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save organization: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTeam(ctx context.Context, id string) (Team, error) {
	var team Team
	err := s.db.QueryRowContext(ctx, `SELECT id, org_id, name, size FROM teams WHERE id=$1`, id).
		Scan(&team.ID, &team.OrgID, &team.Name, &team.Size)
	if err != nil {
		return Team{}, notFound(err, "get team "+id)
	}
	return team, nil
}

func (s *PostgresStore) ListTeams(ctx context.Context, orgID string) ([]Team, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, org_id, name, size FROM teams WHERE org_id=$1 ORDER BY id`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	defer rows.Close()

	items := make([]Team, 0)
	for rows.Next() {
		var team Team
		if err := rows.Scan(&team.ID, &team.OrgID, &team.Name, &team.Size); err != nil {
			return nil, fmt.Errorf("scan team: %w", err)
		}
		items = append(items, team)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate teams: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) SaveTeam(ctx context.Context, team Team) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO teams (id, org_id, name, size) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, size=EXCLUDED.size
	`, team.ID, team.OrgID, team.Name, team.Size)
	if err != nil {
		return fmt.Errorf("save team: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDrivers(ctx context.Context, orgID string) ([]Driver, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, name, category, reverse_scored FROM drivers WHERE org_id=$1 ORDER BY id
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list drivers: %w", err)
	}
	defer rows.Close()

	items := make([]Driver, 0)
	for rows.Next() {
		var driver Driver
		if err := rows.Scan(&driver.ID, &driver.OrgID, &driver.Name, &driver.Category, &driver.ReverseScored); err != nil {
			return nil, fmt.Errorf("scan driver: %w", err)
		}
		items = append(items, driver)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate drivers: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) SaveDriver(ctx context.Context, driver Driver) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO drivers (id, org_id, name, category, reverse_scored) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, category=EXCLUDED.category, reverse_scored=EXCLUDED.reverse_scored
	`, driver.ID, driver.OrgID, driver.Name, driver.Category, driver.ReverseScored)
	if err != nil {
		return fmt.Errorf("save driver: %w", err)
	}
	return nil
}

const surveyColumns = `id, org_id, title, opens_at, closes_at, status, question_set`

func scanSurvey(row rowScanner) (Survey, error) {
	var survey Survey
	var questionsRaw []byte
	if err := row.Scan(&survey.ID, &survey.OrgID, &survey.Title, &survey.OpensAt, &survey.ClosesAt, &survey.Status, &questionsRaw); err != nil {
		return Survey{}, err
	}
	if err := json.Unmarshal(questionsRaw, &survey.QuestionSet); err != nil {
		return Survey{}, fmt.Errorf("decode question set: %w", err)
	}
	return survey, nil
}

func insertSurvey(ctx context.Context, q queryer, survey Survey) error {
	questions, err := encodeJSON(survey.QuestionSet)
	if err != nil {
		return fmt.Errorf("marshal question set: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO surveys (`+surveyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
	`, survey.ID, survey.OrgID, survey.Title, survey.OpensAt, survey.ClosesAt, survey.Status, questions)
	if err != nil {
		return fmt.Errorf("insert survey: %w", mapPgError(err))
	}
	return nil
}

func (s *PostgresStore) InsertSurvey(ctx context.Context, survey Survey) error {
	return insertSurvey(ctx, s.db, survey)
}

func (s *PostgresStore) GetSurvey(ctx context.Context, id string) (Survey, error) {
	survey, err := scanSurvey(s.db.QueryRowContext(ctx, `SELECT `+surveyColumns+` FROM surveys WHERE id=$1`, id))
	if err != nil {
		return Survey{}, notFound(err, "get survey "+id)
	}
	return survey, nil
}

func (s *PostgresStore) UpdateSurveyStatus(ctx context.Context, id string, status SurveyStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE surveys SET status=$2 WHERE id=$1`, id, status)
	if err != nil {
		return fmt.Errorf("update survey status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update survey %s: %w", id, ErrNotFound)
	}
	return nil
}

const planColumns = `id, org_id, name, cadence, start_at, end_at, active, rotate_questions, question_sets,
	reminder_policy, channels, audience, max_responses, last_fired_at, settings_version, created_at`

func scanPlan(row rowScanner) (Plan, error) {
	var plan Plan
	var setsRaw, policyRaw, channelsRaw, audienceRaw []byte
	err := row.Scan(
		&plan.ID,
		&plan.OrgID,
		&plan.Name,
		&plan.Cadence,
		&plan.StartAt,
		&plan.EndAt,
		&plan.Active,
		&plan.RotateQuestions,
		&setsRaw,
		&policyRaw,
		&channelsRaw,
		&audienceRaw,
		&plan.MaxResponses,
		&plan.LastFiredAt,
		&plan.SettingsVersion,
		&plan.CreatedAt,
	)
	if err != nil {
		return Plan{}, err
	}
	for _, field := range []struct {
		raw  []byte
		dest any
	}{
		{setsRaw, &plan.QuestionSets},
		{policyRaw, &plan.ReminderPolicy},
		{channelsRaw, &plan.Channels},
		{audienceRaw, &plan.Audience},
	} {
		if err := json.Unmarshal(field.raw, field.dest); err != nil {
			return Plan{}, fmt.Errorf("decode plan %s settings: %w", plan.ID, err)
		}
	}
	return plan, nil
}

func (s *PostgresStore) InsertPlan(ctx context.Context, plan Plan) error {
	encoded := make([]string, 0, 4)
	for _, value := range []any{plan.QuestionSets, plan.ReminderPolicy, plan.Channels, plan.Audience} {
		raw, err := encodeJSON(value)
		if err != nil {
			return fmt.Errorf("marshal plan settings: %w", err)
		}
		encoded = append(encoded, raw)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plans (`+planColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10::jsonb, $11::jsonb, $12::jsonb, $13, $14, $15, $16)
	`, plan.ID, plan.OrgID, plan.Name, plan.Cadence, plan.StartAt, plan.EndAt, plan.Active, plan.RotateQuestions,
		encoded[0], encoded[1], encoded[2], encoded[3], plan.MaxResponses, plan.LastFiredAt, plan.SettingsVersion, plan.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert plan: %w", mapPgError(err))
	}
	return nil
}

func (s *PostgresStore) GetPlan(ctx context.Context, id string) (Plan, error) {
	plan, err := scanPlan(s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id=$1`, id))
	if err != nil {
		return Plan{}, notFound(err, "get plan "+id)
	}
	return plan, nil
}

func (s *PostgresStore) ListActivePlans(ctx context.Context) ([]Plan, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+planColumns+` FROM plans WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list active plans: %w", err)
	}
	defer rows.Close()

	items := make([]Plan, 0)
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		items = append(items, plan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plans: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) SetPlanActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE plans SET active=$2 WHERE id=$1`, id, active)
	if err != nil {
		return fmt.Errorf("set plan active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set plan active %s: %w", id, ErrNotFound)
	}
	return nil
}

const scheduledColumns = `id, plan_id, survey_id, scheduled_for, sent_at, status, question_set,
	reminder_count, last_reminder_at, response_count, target_count`

func scanScheduled(row rowScanner) (ScheduledSurvey, error) {
	var item ScheduledSurvey
	var questionsRaw []byte
	err := row.Scan(
		&item.ID,
		&item.PlanID,
		&item.SurveyID,
		&item.ScheduledFor,
		&item.SentAt,
		&item.Status,
		&questionsRaw,
		&item.ReminderCount,
		&item.LastReminderAt,
		&item.ResponseCount,
		&item.TargetCount,
	)
	if err != nil {
		return ScheduledSurvey{}, err
	}
	if err := json.Unmarshal(questionsRaw, &item.QuestionSet); err != nil {
		return ScheduledSurvey{}, fmt.Errorf("decode scheduled question set: %w", err)
	}
	return item, nil
}

// BeginFire writes the survey, its scheduled row and the plan's
// last_fired_at in one transaction. When a row already exists for
// (plan_id, scheduled_for) nothing is written and the existing row is
// returned with created=false.
func (s *PostgresStore) BeginFire(ctx context.Context, req FireRequest) (ScheduledSurvey, bool, error) {
	var result ScheduledSurvey
	created := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		// Serialize concurrent fires of the same plan.
		var planID string
		if err := tx.QueryRowContext(ctx, `SELECT id FROM plans WHERE id=$1 FOR UPDATE`, req.Plan.ID).Scan(&planID); err != nil {
			return notFound(err, "lock plan "+req.Plan.ID)
		}

		existing, err := scanScheduled(tx.QueryRowContext(ctx, `
			SELECT `+scheduledColumns+` FROM scheduled_surveys WHERE plan_id=$1 AND scheduled_for=$2
		`, req.Plan.ID, req.Scheduled.ScheduledFor))
		if err == nil {
			result = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lookup scheduled survey: %w", err)
		}

		if err := insertSurvey(ctx, tx, req.Survey); err != nil {
			return err
		}
		questions, err := encodeJSON(req.Scheduled.QuestionSet)
		if err != nil {
			return fmt.Errorf("marshal question set: %w", err)
		}
		sched := req.Scheduled
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO scheduled_surveys (`+scheduledColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10, $11)
		`, sched.ID, sched.PlanID, sched.SurveyID, sched.ScheduledFor, sched.SentAt, sched.Status, questions,
			sched.ReminderCount, sched.LastReminderAt, sched.ResponseCount, sched.TargetCount); err != nil {
			return fmt.Errorf("insert scheduled survey: %w", mapPgError(err))
		}
		if _, err := tx.ExecContext(ctx, `UPDATE plans SET last_fired_at=$2 WHERE id=$1`, req.Plan.ID, sched.ScheduledFor); err != nil {
			return fmt.Errorf("update last_fired_at: %w", err)
		}
		result = sched
		created = true
		return nil
	})
	if err != nil {
		return ScheduledSurvey{}, false, err
	}
	return result, created, nil
}

func (s *PostgresStore) GetScheduledSurvey(ctx context.Context, id string) (ScheduledSurvey, error) {
	item, err := scanScheduled(s.db.QueryRowContext(ctx, `SELECT `+scheduledColumns+` FROM scheduled_surveys WHERE id=$1`, id))
	if err != nil {
		return ScheduledSurvey{}, notFound(err, "get scheduled survey "+id)
	}
	return item, nil
}

func (s *PostgresStore) GetScheduledSurveyBySurvey(ctx context.Context, surveyID string) (ScheduledSurvey, error) {
	item, err := scanScheduled(s.db.QueryRowContext(ctx, `SELECT `+scheduledColumns+` FROM scheduled_surveys WHERE survey_id=$1`, surveyID))
	if err != nil {
		return ScheduledSurvey{}, notFound(err, "get scheduled survey for "+surveyID)
	}
	return item, nil
}

func (s *PostgresStore) ListScheduledSurveys(ctx context.Context, filter ScheduledFilter) ([]ScheduledSurvey, error) {
	statuses := make([]string, 0, len(filter.Statuses))
	for _, status := range filter.Statuses {
		statuses = append(statuses, string(status))
	}
	encodedStatuses, err := encodeJSON(statuses)
	if err != nil {
		return nil, fmt.Errorf("marshal statuses: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduledColumns+` FROM scheduled_surveys
		WHERE ($1='' OR plan_id=$1)
		  AND (jsonb_array_length($2::jsonb)=0 OR status IN (SELECT jsonb_array_elements_text($2::jsonb)))
		ORDER BY scheduled_for, id
	`, filter.PlanID, encodedStatuses)
	if err != nil {
		return nil, fmt.Errorf("list scheduled surveys: %w", err)
	}
	defer rows.Close()

	items := make([]ScheduledSurvey, 0)
	for rows.Next() {
		item, err := scanScheduled(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled survey: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scheduled surveys: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) MarkScheduledSent(ctx context.Context, id string, sentAt time.Time, targetCount int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_surveys SET status='sent', sent_at=$2, target_count=$3
		WHERE id=$1 AND status='scheduled'
	`, id, sentAt, targetCount)
	if err != nil {
		return fmt.Errorf("mark scheduled sent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetScheduledSurvey(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("mark sent %s: %w", id, ErrConflict)
	}
	return nil
}

func (s *PostgresStore) ClaimReminder(ctx context.Context, id string, expectedCount int, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_surveys SET reminder_count=reminder_count+1, last_reminder_at=$3
		WHERE id=$1 AND status='sent' AND reminder_count=$2
	`, id, expectedCount, at)
	if err != nil {
		return false, fmt.Errorf("claim reminder: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim reminder rows: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) CompleteScheduledSurvey(ctx context.Context, id string) (bool, error) {
	completed := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var surveyID string
		err := tx.QueryRowContext(ctx, `
			UPDATE scheduled_surveys SET status='completed'
			WHERE id=$1 AND status='sent'
			RETURNING survey_id
		`, id).Scan(&surveyID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("complete scheduled survey: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE surveys SET status='closed' WHERE id=$1`, surveyID); err != nil {
			return fmt.Errorf("close survey: %w", err)
		}
		completed = true
		return nil
	})
	return completed, err
}

func (s *PostgresStore) CancelScheduledSurveys(ctx context.Context, planID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_surveys SET status='cancelled' WHERE plan_id=$1 AND status='scheduled'
	`, planID)
	if err != nil {
		return 0, fmt.Errorf("cancel scheduled surveys: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) IncrementScheduledResponses(ctx context.Context, surveyID string) (ScheduledSurvey, error) {
	item, err := scanScheduled(s.db.QueryRowContext(ctx, `
		UPDATE scheduled_surveys SET response_count=response_count+1
		WHERE survey_id=$1 AND status=$2
		RETURNING `+scheduledColumns, surveyID, ScheduledSent))
	if err != nil {
		return ScheduledSurvey{}, notFound(err, "increment responses for "+surveyID)
	}
	return item, nil
}

const tokenColumns = `token, survey_id, team_id, employee_pseudonym, used, used_at, expires_at, device_fingerprint,
	failure_count, last_failure_reason, last_attempt_at, expired_reason, expired_at, created_at`

func scanToken(row rowScanner) (SurveyToken, error) {
	var token SurveyToken
	err := row.Scan(
		&token.Token,
		&token.SurveyID,
		&token.TeamID,
		&token.EmployeePseudonym,
		&token.Used,
		&token.UsedAt,
		&token.ExpiresAt,
		&token.DeviceFingerprint,
		&token.FailureCount,
		&token.LastFailureReason,
		&token.LastAttemptAt,
		&token.ExpiredReason,
		&token.ExpiredAt,
		&token.CreatedAt,
	)
	return token, err
}

// InsertToken is idempotent per (survey, employee pseudonym): when a token
// already exists for the pair it is returned with created=false.
func (s *PostgresStore) InsertToken(ctx context.Context, token SurveyToken) (SurveyToken, bool, error) {
	inserted, err := scanToken(s.db.QueryRowContext(ctx, `
		INSERT INTO survey_tokens (token, survey_id, team_id, employee_pseudonym, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (survey_id, employee_pseudonym) WHERE employee_pseudonym <> '' DO NOTHING
		RETURNING `+tokenColumns,
		token.Token, token.SurveyID, token.TeamID, token.EmployeePseudonym, token.ExpiresAt, token.CreatedAt))
	if err == nil {
		return inserted, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return SurveyToken{}, false, fmt.Errorf("insert token: %w", mapPgError(err))
	}
	existing, err := s.FindTokenByPseudonym(ctx, token.SurveyID, token.EmployeePseudonym)
	if err != nil {
		return SurveyToken{}, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) GetToken(ctx context.Context, token string) (SurveyToken, error) {
	item, err := scanToken(s.db.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM survey_tokens WHERE token=$1`, token))
	if err != nil {
		return SurveyToken{}, notFound(err, "get token")
	}
	return item, nil
}

func (s *PostgresStore) FindTokenByPseudonym(ctx context.Context, surveyID, pseudonym string) (SurveyToken, error) {
	item, err := scanToken(s.db.QueryRowContext(ctx, `
		SELECT `+tokenColumns+` FROM survey_tokens WHERE survey_id=$1 AND employee_pseudonym=$2
	`, surveyID, pseudonym))
	if err != nil {
		return SurveyToken{}, notFound(err, "find token by pseudonym")
	}
	return item, nil
}

func (s *PostgresStore) ListSurveyTokens(ctx context.Context, surveyID string) ([]SurveyToken, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tokenColumns+` FROM survey_tokens WHERE survey_id=$1 ORDER BY token`, surveyID)
	if err != nil {
		return nil, fmt.Errorf("list survey tokens: %w", err)
	}
	defer rows.Close()

	items := make([]SurveyToken, 0)
	for rows.Next() {
		item, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tokens: %w", err)
	}
	return items, nil
}

// consumeToken is the single conditional update that flips used. Zero rows
// affected means another caller won, or the token is expired or retired.
func consumeToken(ctx context.Context, q queryer, token, surveyID string, at time.Time) (SurveyToken, error) {
	consumed, err := scanToken(q.QueryRowContext(ctx, `
		UPDATE survey_tokens SET used=TRUE, used_at=$2
		WHERE token=$1 AND ($3='' OR survey_id=$3) AND NOT used AND expired_reason='' AND expires_at > $2
		RETURNING `+tokenColumns, token, at, surveyID))
	if err == nil {
		return consumed, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return SurveyToken{}, fmt.Errorf("consume token: %w", err)
	}
	current, err := scanToken(q.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM survey_tokens WHERE token=$1`, token))
	if err != nil {
		return SurveyToken{}, ErrTokenUnavailable
	}
	return current, ErrTokenUnavailable
}

func (s *PostgresStore) ConsumeToken(ctx context.Context, token string, at time.Time) (SurveyToken, error) {
	return consumeToken(ctx, s.db, token, "", at)
}

// RecordTokenAttempt appends to the attempt ledger and updates the token's
// failure bookkeeping in the same transaction.
func (s *PostgresStore) RecordTokenAttempt(ctx context.Context, attempt TokenAttempt) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO token_attempts (survey_id, token, fingerprint, attempted_at, success, reason)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, attempt.SurveyID, attempt.Token, attempt.Fingerprint, attempt.At, attempt.Success, attempt.Reason); err != nil {
			return fmt.Errorf("insert token attempt: %w", err)
		}
		if attempt.Token == "" {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE survey_tokens SET
				last_attempt_at=$2,
				device_fingerprint=$3,
				failure_count=failure_count + CASE WHEN $4 THEN 0 ELSE 1 END,
				last_failure_reason=CASE WHEN $4 THEN last_failure_reason ELSE $5 END
			WHERE token=$1
		`, attempt.Token, attempt.At, attempt.Fingerprint, attempt.Success, attempt.Reason); err != nil {
			return fmt.Errorf("update token failure state: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) CountTokenAttempts(ctx context.Context, surveyID, fingerprint string, since time.Time, failuresOnly bool) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM token_attempts
		WHERE survey_id=$1 AND fingerprint=$2 AND attempted_at >= $3 AND (NOT $4 OR NOT success)
	`, surveyID, fingerprint, since, failuresOnly).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count token attempts: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) ExpireSurveyTokens(ctx context.Context, surveyID, reason string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE survey_tokens SET expired_reason=$2, expired_at=$3
		WHERE survey_id=$1 AND NOT used AND expired_reason=''
	`, surveyID, reason, at)
	if err != nil {
		return 0, fmt.Errorf("expire survey tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) TokenStats(ctx context.Context, surveyID string) (TokenStats, error) {
	var stats TokenStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE used),
			COUNT(*) FILTER (WHERE expired_reason <> ''),
			COALESCE(SUM(failure_count), 0)
		FROM survey_tokens WHERE survey_id=$1
	`, surveyID).Scan(&stats.Total, &stats.Used, &stats.Expired, &stats.FailedAttempts)
	if err != nil {
		return TokenStats{}, fmt.Errorf("token stats: %w", err)
	}
	if stats.Total > 0 {
		stats.UsageRate = float64(stats.Used) / float64(stats.Total) * 100
	}
	return stats, nil
}

func (s *PostgresStore) PurgeTokens(ctx context.Context, before time.Time) (int, error) {
	var purged int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM survey_tokens WHERE expired_at IS NOT NULL AND expired_at < $1`, before)
		if err != nil {
			return fmt.Errorf("purge tokens: %w", err)
		}
		purged, _ = res.RowsAffected()
		if _, err := tx.ExecContext(ctx, `DELETE FROM token_attempts WHERE attempted_at < $1`, before); err != nil {
			return fmt.Errorf("purge token attempts: %w", err)
		}
		return nil
	})
	return int(purged), err
}

func (s *PostgresStore) CountUsedTokens(ctx context.Context, surveyID, teamID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM survey_tokens WHERE survey_id=$1 AND ($2='' OR team_id=$2) AND used
	`, surveyID, teamID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count used tokens: %w", err)
	}
	return count, nil
}

// SubmitResponses consumes the token and writes its scores and comments
// in one transaction. Rows are scoped by the token's survey and team only.
func (s *PostgresStore) SubmitResponses(ctx context.Context, submission Submission) (SurveyToken, error) {
	var token SurveyToken
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		consumed, err := consumeToken(ctx, tx, submission.Token, submission.SurveyID, submission.Submitted)
		if err != nil {
			token = consumed
			return err
		}
		token = consumed
		for _, response := range submission.Scores {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO numeric_responses (id, survey_id, team_id, driver_id, score, created_at)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, response.ID, consumed.SurveyID, consumed.TeamID, response.DriverID, response.Score, response.CreatedAt); err != nil {
				return fmt.Errorf("insert numeric response: %w", mapPgError(err))
			}
		}
		for _, comment := range submission.Comments {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO comments (id, survey_id, team_id, driver_id, body, created_at)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, comment.ID, consumed.SurveyID, consumed.TeamID, comment.DriverID, comment.Text, comment.CreatedAt); err != nil {
				return fmt.Errorf("insert comment: %w", mapPgError(err))
			}
		}
		return nil
	})
	if err != nil {
		return token, err
	}
	return token, nil
}

func (s *PostgresStore) ListNumericResponses(ctx context.Context, surveyID, teamID string) ([]NumericResponse, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, survey_id, team_id, driver_id, score, created_at
		FROM numeric_responses WHERE survey_id=$1 AND ($2='' OR team_id=$2)
		ORDER BY created_at, id
	`, surveyID, teamID)
	if err != nil {
		return nil, fmt.Errorf("list numeric responses: %w", err)
	}
	defer rows.Close()

	items := make([]NumericResponse, 0)
	for rows.Next() {
		var item NumericResponse
		if err := rows.Scan(&item.ID, &item.SurveyID, &item.TeamID, &item.DriverID, &item.Score, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan numeric response: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate numeric responses: %w", err)
	}
	return items, nil
}

const commentColumns = `id, survey_id, team_id, driver_id, body, created_at`

func scanComment(row rowScanner) (Comment, error) {
	var item Comment
	err := row.Scan(&item.ID, &item.SurveyID, &item.TeamID, &item.DriverID, &item.Text, &item.CreatedAt)
	return item, err
}

func (s *PostgresStore) queryComments(ctx context.Context, query string, args ...any) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		item, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListComments(ctx context.Context, surveyID, teamID string) ([]Comment, error) {
	return s.queryComments(ctx, `
		SELECT `+commentColumns+` FROM comments
		WHERE survey_id=$1 AND ($2='' OR team_id=$2)
		ORDER BY created_at, id
	`, surveyID, teamID)
}

func (s *PostgresStore) GetComment(ctx context.Context, id string) (Comment, error) {
	item, err := scanComment(s.db.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE id=$1`, id))
	if err != nil {
		return Comment{}, notFound(err, "get comment "+id)
	}
	return item, nil
}

func (s *PostgresStore) ListCommentsMissingNLP(ctx context.Context, limit int) ([]Comment, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.queryComments(ctx, `
		SELECT c.id, c.survey_id, c.team_id, c.driver_id, c.body, c.created_at
		FROM comments c
		LEFT JOIN comment_nlp n ON n.comment_id = c.id
		LEFT JOIN nlp_dead_letters d ON d.comment_id = c.id
		WHERE n.comment_id IS NULL AND d.comment_id IS NULL
		ORDER BY c.created_at, c.id
		LIMIT $1
	`, limit)
}

const nlpColumns = `comment_id, survey_id, team_id, sentiment, themes, pii_masked_text, processed_at`

func scanCommentNLP(row rowScanner) (CommentNLP, error) {
	var item CommentNLP
	var themesRaw []byte
	if err := row.Scan(&item.CommentID, &item.SurveyID, &item.TeamID, &item.Sentiment, &themesRaw, &item.PIIMaskedText, &item.ProcessedAt); err != nil {
		return CommentNLP{}, err
	}
	if err := json.Unmarshal(themesRaw, &item.Themes); err != nil {
		return CommentNLP{}, fmt.Errorf("decode themes: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) queryCommentNLP(ctx context.Context, query string, args ...any) ([]CommentNLP, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list comment nlp: %w", err)
	}
	defer rows.Close()

	items := make([]CommentNLP, 0)
	for rows.Next() {
		item, err := scanCommentNLP(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment nlp: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comment nlp: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetCommentNLP(ctx context.Context, commentID string) (CommentNLP, error) {
	item, err := scanCommentNLP(s.db.QueryRowContext(ctx, `SELECT `+nlpColumns+` FROM comment_nlp WHERE comment_id=$1`, commentID))
	if err != nil {
		return CommentNLP{}, notFound(err, "get comment nlp "+commentID)
	}
	return item, nil
}

func (s *PostgresStore) UpsertCommentNLP(ctx context.Context, nlp CommentNLP) error {
	themes := nlp.Themes
	if themes == nil {
		themes = []string{}
	}
	encodedThemes, err := encodeJSON(themes)
	if err != nil {
		return fmt.Errorf("marshal themes: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO comment_nlp (`+nlpColumns+`)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)
		ON CONFLICT (comment_id) DO UPDATE SET
			sentiment=EXCLUDED.sentiment, themes=EXCLUDED.themes,
			pii_masked_text=EXCLUDED.pii_masked_text, processed_at=EXCLUDED.processed_at
	`, nlp.CommentID, nlp.SurveyID, nlp.TeamID, nlp.Sentiment, encodedThemes, nlp.PIIMaskedText, nlp.ProcessedAt)
	if err != nil {
		return fmt.Errorf("upsert comment nlp: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListCommentNLP(ctx context.Context, surveyID, teamID string) ([]CommentNLP, error) {
	return s.queryCommentNLP(ctx, `
		SELECT `+nlpColumns+` FROM comment_nlp
		WHERE survey_id=$1 AND ($2='' OR team_id=$2)
		ORDER BY comment_id
	`, surveyID, teamID)
}

func (s *PostgresStore) InsertDeadLetter(ctx context.Context, letter NLPDeadLetter) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nlp_dead_letters (comment_id, reason, attempts, failed_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (comment_id) DO UPDATE SET reason=EXCLUDED.reason, attempts=EXCLUDED.attempts, failed_at=EXCLUDED.failed_at
	`, letter.CommentID, letter.Reason, letter.Attempts, letter.FailedAt)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context, limit int) ([]NLPDeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT comment_id, reason, attempts, failed_at FROM nlp_dead_letters ORDER BY failed_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	items := make([]NLPDeadLetter, 0)
	for rows.Next() {
		var item NLPDeadLetter
		if err := rows.Scan(&item.CommentID, &item.Reason, &item.Attempts, &item.FailedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) SearchComments(ctx context.Context, surveyID, text string, limit int) ([]CommentNLP, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryCommentNLP(ctx, `
		SELECT `+nlpColumns+` FROM comment_nlp
		WHERE survey_id=$1 AND ($2='' OR pii_masked_text ILIKE '%' || $2 || '%')
		ORDER BY comment_id
		LIMIT $3
	`, surveyID, text, limit)
}

// SaveSummaries replaces the (survey, team) summary rows and upserts the
// trend rows in one transaction.
func (s *PostgresStore) SaveSummaries(ctx context.Context, bundle SummaryBundle) error {
	p := bundle.Participation
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO participation_summaries (survey_id, team_id, respondents, team_size, participation_pct, delta_pct, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (survey_id, team_id) DO UPDATE SET
				respondents=EXCLUDED.respondents, team_size=EXCLUDED.team_size,
				participation_pct=EXCLUDED.participation_pct, delta_pct=EXCLUDED.delta_pct, updated_at=EXCLUDED.updated_at
		`, p.SurveyID, p.TeamID, p.Respondents, p.TeamSize, p.ParticipationPct, p.DeltaPct, p.UpdatedAt); err != nil {
			return fmt.Errorf("upsert participation summary: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM driver_summaries WHERE survey_id=$1 AND team_id=$2`, p.SurveyID, p.TeamID); err != nil {
			return fmt.Errorf("clear driver summaries: %w", err)
		}
		for _, d := range bundle.Drivers {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO driver_summaries (survey_id, team_id, driver_id, avg_score, response_count,
					detractors_pct, passives_pct, promoters_pct, delta_vs_prev, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			`, d.SurveyID, d.TeamID, d.DriverID, d.AvgScore, d.ResponseCount,
				d.DetractorsPct, d.PassivesPct, d.PromotersPct, d.DeltaVsPrev, d.UpdatedAt); err != nil {
				return fmt.Errorf("insert driver summary: %w", err)
			}
		}

		if sentiment := bundle.Sentiment; sentiment != nil {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO sentiment_summaries (survey_id, team_id, comments, pos_pct, neu_pct, neg_pct, delta_vs_prev, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (survey_id, team_id) DO UPDATE SET
					comments=EXCLUDED.comments, pos_pct=EXCLUDED.pos_pct, neu_pct=EXCLUDED.neu_pct,
					neg_pct=EXCLUDED.neg_pct, delta_vs_prev=EXCLUDED.delta_vs_prev, updated_at=EXCLUDED.updated_at
			`, sentiment.SurveyID, sentiment.TeamID, sentiment.Comments, sentiment.PosPct, sentiment.NeuPct,
				sentiment.NegPct, sentiment.DeltaVsPrev, sentiment.UpdatedAt); err != nil {
				return fmt.Errorf("upsert sentiment summary: %w", err)
			}
		}

		for _, trend := range bundle.Trends {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO driver_trends (team_id, driver_id, period_month, avg_score, samples, respondents)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (team_id, driver_id, period_month) DO UPDATE SET
					avg_score=EXCLUDED.avg_score, samples=EXCLUDED.samples, respondents=EXCLUDED.respondents
			`, trend.TeamID, trend.DriverID, trend.PeriodMonth, trend.AvgScore, trend.Samples, trend.Respondents); err != nil {
				return fmt.Errorf("upsert driver trend: %w", err)
			}
		}
		return nil
	})
}

const participationColumns = `survey_id, team_id, respondents, team_size, participation_pct, delta_pct, updated_at`

func scanParticipation(row rowScanner) (ParticipationSummary, error) {
	var item ParticipationSummary
	err := row.Scan(&item.SurveyID, &item.TeamID, &item.Respondents, &item.TeamSize, &item.ParticipationPct, &item.DeltaPct, &item.UpdatedAt)
	return item, err
}

func (s *PostgresStore) GetParticipation(ctx context.Context, surveyID, teamID string) (ParticipationSummary, error) {
	item, err := scanParticipation(s.db.QueryRowContext(ctx, `
		SELECT `+participationColumns+` FROM participation_summaries WHERE survey_id=$1 AND team_id=$2
	`, surveyID, teamID))
	if err != nil {
		return ParticipationSummary{}, notFound(err, "get participation")
	}
	return item, nil
}

func (s *PostgresStore) ListParticipation(ctx context.Context, surveyID string) ([]ParticipationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+participationColumns+` FROM participation_summaries WHERE survey_id=$1 ORDER BY team_id
	`, surveyID)
	if err != nil {
		return nil, fmt.Errorf("list participation: %w", err)
	}
	defer rows.Close()

	items := make([]ParticipationSummary, 0)
	for rows.Next() {
		item, err := scanParticipation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan participation: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participation: %w", err)
	}
	return items, nil
}

const driverSummaryColumns = `survey_id, team_id, driver_id, avg_score, response_count,
	detractors_pct, passives_pct, promoters_pct, delta_vs_prev, updated_at`

func (s *PostgresStore) queryDriverSummaries(ctx context.Context, query string, args ...any) ([]DriverSummary, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list driver summaries: %w", err)
	}
	defer rows.Close()

	items := make([]DriverSummary, 0)
	for rows.Next() {
		var item DriverSummary
		if err := rows.Scan(
			&item.SurveyID,
			&item.TeamID,
			&item.DriverID,
			&item.AvgScore,
			&item.ResponseCount,
			&item.DetractorsPct,
			&item.PassivesPct,
			&item.PromotersPct,
			&item.DeltaVsPrev,
			&item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan driver summary: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate driver summaries: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetDriverSummaries(ctx context.Context, surveyID, teamID string) ([]DriverSummary, error) {
	return s.queryDriverSummaries(ctx, `
		SELECT `+driverSummaryColumns+` FROM driver_summaries
		WHERE survey_id=$1 AND team_id=$2 ORDER BY driver_id
	`, surveyID, teamID)
}

func (s *PostgresStore) ListDriverSummaries(ctx context.Context, surveyID string) ([]DriverSummary, error) {
	return s.queryDriverSummaries(ctx, `
		SELECT `+driverSummaryColumns+` FROM driver_summaries
		WHERE survey_id=$1 ORDER BY team_id, driver_id
	`, surveyID)
}

const sentimentColumns = `survey_id, team_id, comments, pos_pct, neu_pct, neg_pct, delta_vs_prev, updated_at`

func scanSentiment(row rowScanner) (SentimentSummary, error) {
	var item SentimentSummary
	err := row.Scan(&item.SurveyID, &item.TeamID, &item.Comments, &item.PosPct, &item.NeuPct, &item.NegPct, &item.DeltaVsPrev, &item.UpdatedAt)
	return item, err
}

func (s *PostgresStore) GetSentiment(ctx context.Context, surveyID, teamID string) (SentimentSummary, error) {
	item, err := scanSentiment(s.db.QueryRowContext(ctx, `
		SELECT `+sentimentColumns+` FROM sentiment_summaries WHERE survey_id=$1 AND team_id=$2
	`, surveyID, teamID))
	if err != nil {
		return SentimentSummary{}, notFound(err, "get sentiment")
	}
	return item, nil
}

func (s *PostgresStore) TeamSurveyHistory(ctx context.Context, teamID string, since, until time.Time, limit int) ([]TeamSurveyRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var sinceArg, untilArg *time.Time
	if !since.IsZero() {
		sinceArg = &since
	}
	if !until.IsZero() {
		untilArg = &until
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT sv.opens_at, p.survey_id, p.team_id, p.respondents, p.team_size, p.participation_pct, p.delta_pct, p.updated_at
		FROM participation_summaries p
		JOIN surveys sv ON sv.id = p.survey_id
		WHERE p.team_id=$1
		  AND ($2::timestamptz IS NULL OR sv.opens_at >= $2)
		  AND ($3::timestamptz IS NULL OR sv.opens_at <= $3)
		ORDER BY sv.opens_at DESC, p.survey_id DESC
		LIMIT $4
	`, teamID, sinceArg, untilArg, limit)
	if err != nil {
		return nil, fmt.Errorf("team survey history: %w", err)
	}
	records := make([]TeamSurveyRecord, 0)
	for rows.Next() {
		var record TeamSurveyRecord
		p := &record.Participation
		if err := rows.Scan(&record.OpensAt, &p.SurveyID, &p.TeamID, &p.Respondents, &p.TeamSize, &p.ParticipationPct, &p.DeltaPct, &p.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan team survey history: %w", err)
		}
		record.SurveyID = p.SurveyID
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate team survey history: %w", err)
	}
	rows.Close()

	for i := range records {
		drivers, err := s.GetDriverSummaries(ctx, records[i].SurveyID, teamID)
		if err != nil {
			return nil, err
		}
		records[i].Drivers = drivers
		sentiment, err := s.GetSentiment(ctx, records[i].SurveyID, teamID)
		if err == nil {
			records[i].Sentiment = &sentiment
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return records, nil
}

func (s *PostgresStore) ListDriverTrends(ctx context.Context, teamIDs []string, since time.Time) ([]DriverTrend, error) {
	encodedTeams, err := encodeJSON(teamIDs)
	if err != nil {
		return nil, fmt.Errorf("marshal team ids: %w", err)
	}
	if teamIDs == nil {
		encodedTeams = "[]"
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT team_id, driver_id, period_month, avg_score, samples, respondents FROM driver_trends
		WHERE (jsonb_array_length($1::jsonb)=0 OR team_id IN (SELECT jsonb_array_elements_text($1::jsonb)))
		  AND period_month >= $2
		ORDER BY period_month, team_id, driver_id
	`, encodedTeams, MonthStart(since))
	if err != nil {
		return nil, fmt.Errorf("list driver trends: %w", err)
	}
	defer rows.Close()

	items := make([]DriverTrend, 0)
	for rows.Next() {
		var item DriverTrend
		if err := rows.Scan(&item.TeamID, &item.DriverID, &item.PeriodMonth, &item.AvgScore, &item.Samples, &item.Respondents); err != nil {
			return nil, fmt.Errorf("scan driver trend: %w", err)
		}
		item.PeriodMonth = item.PeriodMonth.UTC()
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate driver trends: %w", err)
	}
	return items, nil
}

const alertColumns = `id, org_id, team_id, survey_id, driver_id, type, severity, current_score, delta_prev,
	status, created_at, updated_at, resolved_at, resolver_note`

func scanAlert(row rowScanner) (Alert, error) {
	var alert Alert
	err := row.Scan(
		&alert.ID,
		&alert.OrgID,
		&alert.TeamID,
		&alert.SurveyID,
		&alert.DriverID,
		&alert.Type,
		&alert.Severity,
		&alert.CurrentScore,
		&alert.DeltaPrev,
		&alert.Status,
		&alert.CreatedAt,
		&alert.UpdatedAt,
		&alert.ResolvedAt,
		&alert.ResolverNote,
	)
	return alert, err
}

// CreateAlertIfAbsent relies on the partial unique index over live alerts;
// a conflict returns the live alert with created=false.
func (s *PostgresStore) CreateAlertIfAbsent(ctx context.Context, alert Alert) (Alert, bool, error) {
	inserted, err := scanAlert(s.db.QueryRowContext(ctx, `
		INSERT INTO alerts (`+alertColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (team_id, survey_id, driver_id, type) WHERE status IN ('open', 'acknowledged') DO NOTHING
		RETURNING `+alertColumns,
		alert.ID, alert.OrgID, alert.TeamID, alert.SurveyID, alert.DriverID, alert.Type, alert.Severity,
		alert.CurrentScore, alert.DeltaPrev, alert.Status, alert.CreatedAt, alert.UpdatedAt, alert.ResolvedAt, alert.ResolverNote))
	if err == nil {
		return inserted, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Alert{}, false, fmt.Errorf("insert alert: %w", mapPgError(err))
	}
	existing, err := scanAlert(s.db.QueryRowContext(ctx, `
		SELECT `+alertColumns+` FROM alerts
		WHERE team_id=$1 AND survey_id=$2 AND driver_id=$3 AND type=$4 AND status IN ('open', 'acknowledged')
	`, alert.TeamID, alert.SurveyID, alert.DriverID, alert.Type))
	if err != nil {
		return Alert{}, false, notFound(err, "load live alert")
	}
	return existing, false, nil
}

func (s *PostgresStore) GetAlert(ctx context.Context, id string) (Alert, error) {
	alert, err := scanAlert(s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id=$1`, id))
	if err != nil {
		return Alert{}, notFound(err, "get alert "+id)
	}
	return alert, nil
}

func (s *PostgresStore) ListAlerts(ctx context.Context, orgID string, statuses []AlertStatus) ([]Alert, error) {
	names := make([]string, 0, len(statuses))
	for _, status := range statuses {
		names = append(names, string(status))
	}
	encodedStatuses, err := encodeJSON(names)
	if err != nil {
		return nil, fmt.Errorf("marshal statuses: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+alertColumns+` FROM alerts
		WHERE org_id=$1
		  AND (jsonb_array_length($2::jsonb)=0 OR status IN (SELECT jsonb_array_elements_text($2::jsonb)))
		ORDER BY created_at DESC, id
	`, orgID, encodedStatuses)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	items := make([]Alert, 0)
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		items = append(items, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) TransitionAlert(ctx context.Context, transition AlertTransition) (Alert, error) {
	var result Alert
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := scanAlert(tx.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id=$1 FOR UPDATE`, transition.AlertID))
		if err != nil {
			return notFound(err, "transition alert "+transition.AlertID)
		}
		if !containsStatus(transition.From, current.Status) {
			result = current
			return fmt.Errorf("transition alert %s from %s: %w", current.ID, current.Status, ErrConflict)
		}
		var resolvedAt *time.Time
		if transition.To == AlertResolved {
			at := transition.At
			resolvedAt = &at
		}
		updated, err := scanAlert(tx.QueryRowContext(ctx, `
			UPDATE alerts SET status=$2, updated_at=$3,
				resolved_at=COALESCE($4, resolved_at),
				resolver_note=CASE WHEN $5='' THEN resolver_note ELSE $5 END
			WHERE id=$1
			RETURNING `+alertColumns,
			transition.AlertID, transition.To, transition.At, resolvedAt, transition.Note))
		if err != nil {
			return fmt.Errorf("update alert: %w", err)
		}
		if err := appendAudit(ctx, tx, transition.Audit); err != nil {
			return err
		}
		result = updated
		return nil
	})
	return result, err
}

func appendAudit(ctx context.Context, q queryer, entry AuditEntry) error {
	details := entry.Details
	if details == nil {
		details = map[string]any{}
	}
	encoded, err := encodeJSON(details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	if _, err := q.ExecContext(ctx, `
		INSERT INTO audit_log (actor_id, action, resource_type, resource_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
	`, entry.ActorID, entry.Action, entry.ResourceType, entry.ResourceID, encoded, entry.CreatedAt); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendAudit(ctx context.Context, entry AuditEntry) error {
	return appendAudit(ctx, s.db, entry)
}

func (s *PostgresStore) ListAudit(ctx context.Context, resourceType, resourceID string) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_id, action, resource_type, resource_id, details, created_at FROM audit_log
		WHERE ($1='' OR resource_type=$1) AND ($2='' OR resource_id=$2)
		ORDER BY id
	`, resourceType, resourceID)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	items := make([]AuditEntry, 0)
	for rows.Next() {
		var entry AuditEntry
		var detailsRaw []byte
		if err := rows.Scan(&entry.ID, &entry.ActorID, &entry.Action, &entry.ResourceType, &entry.ResourceID, &detailsRaw, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		_ = json.Unmarshal(detailsRaw, &entry.Details)
		items = append(items, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) SaveReport(ctx context.Context, report ReportsCache) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reports_cache (org_id, scope, period_start, period_end, payload, archive_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (org_id, scope, period_start, period_end) DO UPDATE SET
			payload=EXCLUDED.payload, archive_key=EXCLUDED.archive_key, created_at=EXCLUDED.created_at
	`, report.OrgID, report.Scope, report.PeriodStart, report.PeriodEnd, report.Payload, report.ArchiveKey, report.CreatedAt)
	if err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}
