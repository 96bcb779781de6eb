package store

import "time"

const DefaultSafeFallbackMessage = "Not enough responses to display data safely"

type PrivacySettings struct {
	MinN                int    `json:"min_n" yaml:"min_n" validate:"gte=2"`
	MinSegmentN         int    `json:"min_segment_n" yaml:"min_segment_n" validate:"gte=2"`
	PIIMaskingEnabled   bool   `json:"pii_masking_enabled" yaml:"pii_masking_enabled"`
	SafeFallbackMessage string `json:"safe_fallback_message" yaml:"safe_fallback_message" validate:"required,max=512"`
}

func DefaultPrivacySettings() PrivacySettings {
	return PrivacySettings{
		MinN:                4,
		MinSegmentN:         4,
		PIIMaskingEnabled:   true,
		SafeFallbackMessage: DefaultSafeFallbackMessage,
	}
}

// AlertThresholds holds the per-org alert predicates. Score-drop values are
// negative deltas; percentages are 0-100.
type AlertThresholds struct {
	ScoreDropMedium      float64 `json:"score_drop_medium" yaml:"score_drop_medium" validate:"lt=0"`
	ScoreDropHigh        float64 `json:"score_drop_high" yaml:"score_drop_high" validate:"ltfield=ScoreDropMedium"`
	SentimentMedium      float64 `json:"sentiment_medium" yaml:"sentiment_medium" validate:"gte=0,lte=100"`
	SentimentHigh        float64 `json:"sentiment_high" yaml:"sentiment_high" validate:"gtfield=SentimentMedium,lte=100"`
	RecurringCount       int     `json:"recurring_count" yaml:"recurring_count" validate:"gte=2"`
	RecurringWindowDays  int     `json:"recurring_window_days" yaml:"recurring_window_days" validate:"gte=1"`
	RiskAvgScore         float64 `json:"risk_avg_score" yaml:"risk_avg_score" validate:"gte=0,lte=10"`
	RiskParticipationPct float64 `json:"risk_participation_pct" yaml:"risk_participation_pct" validate:"gte=0,lte=100"`
	RiskNegPct           float64 `json:"risk_neg_pct" yaml:"risk_neg_pct" validate:"gte=0,lte=100"`
}

func DefaultAlertThresholds() AlertThresholds {
	return AlertThresholds{
		ScoreDropMedium:      -1.0,
		ScoreDropHigh:        -2.0,
		SentimentMedium:      30,
		SentimentHigh:        50,
		RecurringCount:       3,
		RecurringWindowDays:  90,
		RiskAvgScore:         6,
		RiskParticipationPct: 60,
		RiskNegPct:           30,
	}
}

type Organization struct {
	ID         string
	Name       string
	Privacy    PrivacySettings
	Thresholds AlertThresholds
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Team struct {
	ID    string
	OrgID string
	Name  string
	Size  int
}

type Driver struct {
	ID            string
	OrgID         string
	Name          string
	Category      string
	ReverseScored bool
}

type Cadence string

const (
	CadenceDaily     Cadence = "daily"
	CadenceWeekly    Cadence = "weekly"
	CadenceBiweekly  Cadence = "biweekly"
	CadenceMonthly   Cadence = "monthly"
	CadenceQuarterly Cadence = "quarterly"
)

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelChat  Channel = "chat"
)

type Question struct {
	ID       string `json:"id" validate:"required"`
	DriverID string `json:"driver_id" validate:"required"`
	Text     string `json:"text" validate:"required"`
}

type QuestionSet struct {
	ID        string     `json:"id" validate:"required"`
	Questions []Question `json:"questions" validate:"required,min=1,dive"`
}

type ReminderPolicy struct {
	Enabled            bool   `json:"enabled"`
	ReminderDays       []int  `json:"reminder_days" validate:"dive,gte=1"`
	MaxReminders       int    `json:"max_reminders" validate:"gte=0"`
	ExcludeResponded   bool   `json:"exclude_responded"`
	AutoCloseAfterDays int    `json:"auto_close_after_days" validate:"gte=1"`
	MessageTemplate    string `json:"message_template"`
}

func DefaultReminderPolicy() ReminderPolicy {
	return ReminderPolicy{
		Enabled:            true,
		ReminderDays:       []int{3, 7},
		MaxReminders:       2,
		ExcludeResponded:   true,
		AutoCloseAfterDays: 10,
	}
}

type Audience struct {
	TeamIDs []string `json:"team_ids"`
	Tag     string   `json:"tag,omitempty"`
}

// PlanSettingsVersion is bumped whenever the persisted plan settings
// layout changes.
const PlanSettingsVersion = 1

type Plan struct {
	ID              string
	OrgID           string
	Name            string
	Cadence         Cadence
	StartAt         time.Time
	EndAt           *time.Time
	Active          bool
	RotateQuestions bool
	QuestionSets    []QuestionSet
	ReminderPolicy  ReminderPolicy
	Channels        []Channel
	Audience        Audience
	MaxResponses    *int
	LastFiredAt     *time.Time
	SettingsVersion int
	CreatedAt       time.Time
}

type ScheduledStatus string

const (
	ScheduledPending   ScheduledStatus = "scheduled"
	ScheduledSent      ScheduledStatus = "sent"
	ScheduledCompleted ScheduledStatus = "completed"
	ScheduledCancelled ScheduledStatus = "cancelled"
)

type ScheduledSurvey struct {
	ID             string
	PlanID         string
	SurveyID       string
	ScheduledFor   time.Time
	SentAt         *time.Time
	Status         ScheduledStatus
	QuestionSet    QuestionSet
	ReminderCount  int
	LastReminderAt *time.Time
	ResponseCount  int
	TargetCount    int
}

type SurveyStatus string

const (
	SurveyDraft  SurveyStatus = "draft"
	SurveyActive SurveyStatus = "active"
	SurveyClosed SurveyStatus = "closed"
)

type Survey struct {
	ID          string
	OrgID       string
	Title       string
	OpensAt     time.Time
	ClosesAt    time.Time
	Status      SurveyStatus
	QuestionSet QuestionSet
}

type SurveyToken struct {
	Token             string
	SurveyID          string
	TeamID            string
	EmployeePseudonym string
	Used              bool
	UsedAt            *time.Time
	ExpiresAt         time.Time
	DeviceFingerprint string
	FailureCount      int
	LastFailureReason string
	LastAttemptAt     *time.Time
	ExpiredReason     string
	ExpiredAt         *time.Time
	CreatedAt         time.Time
}

// TokenAttempt is one validation or consume attempt by a device.
type TokenAttempt struct {
	SurveyID    string
	Token       string
	Fingerprint string
	At          time.Time
	Success     bool
	Reason      string
}

type TokenStats struct {
	Total          int     `json:"total"`
	Used           int     `json:"used"`
	Expired        int     `json:"expired"`
	FailedAttempts int     `json:"failed_attempts"`
	UsageRate      float64 `json:"usage_rate"`
}

// Scores are integers on a 0-10 scale.
const (
	MinScore = 0
	MaxScore = 10
)

type NumericResponse struct {
	ID        string
	SurveyID  string
	TeamID    string
	DriverID  string
	Score     int
	CreatedAt time.Time
}

type Comment struct {
	ID        string
	SurveyID  string
	TeamID    string
	DriverID  string
	Text      string
	CreatedAt time.Time
}

// Submission is everything written when a token is redeemed.
type Submission struct {
	Token     string
	SurveyID  string
	Scores    []NumericResponse
	Comments  []Comment
	Submitted time.Time
}

type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

type CommentNLP struct {
	CommentID     string
	SurveyID      string
	TeamID        string
	Sentiment     Sentiment
	Themes        []string
	PIIMaskedText string
	ProcessedAt   time.Time
}

type NLPDeadLetter struct {
	CommentID string
	Reason    string
	Attempts  int
	FailedAt  time.Time
}

type ParticipationSummary struct {
	SurveyID         string
	TeamID           string
	Respondents      int
	TeamSize         int
	ParticipationPct *float64
	DeltaPct         float64
	UpdatedAt        time.Time
}

type DriverSummary struct {
	SurveyID      string
	TeamID        string
	DriverID      string
	AvgScore      float64
	ResponseCount int
	DetractorsPct float64
	PassivesPct   float64
	PromotersPct  float64
	DeltaVsPrev   *float64
	UpdatedAt     time.Time
}

type SentimentSummary struct {
	SurveyID    string
	TeamID      string
	Comments    int
	PosPct      float64
	NeuPct      float64
	NegPct      float64
	DeltaVsPrev float64
	UpdatedAt   time.Time
}

type DriverTrend struct {
	TeamID      string
	DriverID    string
	PeriodMonth time.Time
	AvgScore    float64
	Samples     int
	Respondents int
}

// SummaryBundle is written atomically by the summary engine.
type SummaryBundle struct {
	Participation ParticipationSummary
	Drivers       []DriverSummary
	Sentiment     *SentimentSummary
	Trends        []DriverTrend
}

// TeamSurveyRecord is one row of a team's survey history, newest first.
type TeamSurveyRecord struct {
	SurveyID      string
	OpensAt       time.Time
	Participation ParticipationSummary
	Drivers       []DriverSummary
	Sentiment     *SentimentSummary
}

type AlertType string

const (
	AlertScoreDrop      AlertType = "score_drop"
	AlertSentimentSpike AlertType = "sentiment_spike"
	AlertRecurringRisk  AlertType = "recurring_risk"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type AlertStatus string

const (
	AlertOpen         AlertStatus = "open"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

type Alert struct {
	ID           string
	OrgID        string
	TeamID       string
	SurveyID     string
	DriverID     string
	Type         AlertType
	Severity     Severity
	CurrentScore float64
	DeltaPrev    float64
	Status       AlertStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ResolvedAt   *time.Time
	ResolverNote string
}

// AlertTransition moves an alert between lifecycle states; Audit is
// appended in the same transaction.
type AlertTransition struct {
	AlertID string
	From    []AlertStatus
	To      AlertStatus
	Note    string
	At      time.Time
	Audit   AuditEntry
}

type ReportsCache struct {
	OrgID       string
	Scope       string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Payload     []byte
	ArchiveKey  string
	CreatedAt   time.Time
}

type AuditEntry struct {
	ID           int64
	ActorID      string
	Action       string
	ResourceType string
	ResourceID   string
	Details      map[string]any
	CreatedAt    time.Time
}

type ScheduledFilter struct {
	PlanID   string
	Statuses []ScheduledStatus
}

// FireRequest is the atomic unit a plan fire writes: the survey, its
// scheduled instance, and the plan's new last_fired_at.
type FireRequest struct {
	Plan      Plan
	Survey    Survey
	Scheduled ScheduledSurvey
}
