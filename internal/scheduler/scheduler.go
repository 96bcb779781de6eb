// Package scheduler runs auto-pilot survey plans. Each active plan owns a
// timer for its next fire; a fire creates the survey and its scheduled
// instance atomically, mints per-employee tokens and hands invitations to
// delivery. Follow-up timers send reminders and close the survey. Timers
// live in memory and are rebuilt from the store on Start, and a heartbeat
// re-checks every plan so a missed timer or failed fire is retried.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"novora/api/internal/audit"
	"novora/api/internal/clock"
	"novora/api/internal/delivery"
	"novora/api/internal/responses"
	"novora/api/internal/store"
	"novora/api/internal/util"
	"novora/api/internal/vault"
)

var (
	ErrNoQuestionSets = errors.New("scheduler: plan has no question sets")
	ErrPlanInactive   = errors.New("scheduler: plan is not active")
)

type Store interface {
	InsertPlan(ctx context.Context, plan store.Plan) error
	GetPlan(ctx context.Context, id string) (store.Plan, error)
	ListActivePlans(ctx context.Context) ([]store.Plan, error)
	SetPlanActive(ctx context.Context, id string, active bool) error
	BeginFire(ctx context.Context, req store.FireRequest) (store.ScheduledSurvey, bool, error)
	GetScheduledSurvey(ctx context.Context, id string) (store.ScheduledSurvey, error)
	ListScheduledSurveys(ctx context.Context, filter store.ScheduledFilter) ([]store.ScheduledSurvey, error)
	MarkScheduledSent(ctx context.Context, id string, sentAt time.Time, targetCount int) error
	ClaimReminder(ctx context.Context, id string, expectedCount int, at time.Time) (bool, error)
	CompleteScheduledSurvey(ctx context.Context, id string) (bool, error)
	CancelScheduledSurveys(ctx context.Context, planID string) (int, error)
	IncrementScheduledResponses(ctx context.Context, surveyID string) (store.ScheduledSurvey, error)
	GetSurvey(ctx context.Context, id string) (store.Survey, error)
	ListTeams(ctx context.Context, orgID string) ([]store.Team, error)
}

// Vault is the token surface the scheduler needs.
type Vault interface {
	MintForEmployee(ctx context.Context, orgID, surveyID, teamID, employeeID string) (store.SurveyToken, bool, error)
	ExpireAll(ctx context.Context, surveyID, reason string) (int, error)
}

type Sender interface {
	Send(ctx context.Context, msg delivery.Message) error
}

type Options struct {
	// PublicURL prefixes invitation links: <PublicURL>/survey/<token>.
	PublicURL  string
	Slack      time.Duration
	Heartbeat  time.Duration
	Resolution time.Duration
}

func DefaultOptions() Options {
	return Options{PublicURL: "http://localhost:8080", Slack: 5 * time.Minute, Heartbeat: time.Minute, Resolution: clock.DefaultResolution}
}

// Closed is called after a scheduled survey completes.
type Closed func(ctx context.Context, row store.ScheduledSurvey)

type Scheduler struct {
	store     Store
	vault     Vault
	directory Directory
	sender    Sender
	audit     *audit.Log
	clock     clock.Clock
	wheel     *clock.Wheel
	opts      Options

	fireMu   sync.Mutex
	onClosed []Closed
	observe  func(event string)
}

func New(st Store, v Vault, directory Directory, sender Sender, log *audit.Log, clk clock.Clock, opts Options) *Scheduler {
	defaults := DefaultOptions()
	if opts.PublicURL == "" {
		opts.PublicURL = defaults.PublicURL
	}
	if opts.Slack <= 0 {
		opts.Slack = defaults.Slack
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaults.Heartbeat
	}
	return &Scheduler{
		store:     st,
		vault:     v,
		directory: directory,
		sender:    sender,
		audit:     log,
		clock:     clk,
		wheel:     clock.NewWheel(clk, opts.Resolution),
		opts:      opts,
	}
}

func (s *Scheduler) OnClosed(fn Closed) {
	s.onClosed = append(s.onClosed, fn)
}

// OnEvent registers a hook receiving "fire", "resume", "reminder",
// "close" and "fire_failed".
func (s *Scheduler) OnEvent(fn func(event string)) {
	s.observe = fn
}

func planTag(id string) string   { return "plan:" + id }
func remindTag(id string) string { return "remind:" + id }
func closeTag(id string) string  { return "close:" + id }

// Start rebuilds timers from the store, then runs the timer wheel and the
// heartbeat until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Rehydrate(ctx); err != nil {
		return err
	}
	go s.wheel.Run(ctx)
	go func() {
		ticker := s.clock.NewTicker(s.opts.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Tick(ctx); err != nil {
					slog.Error("scheduler heartbeat failed", "error", err)
				}
			}
		}
	}()
	return nil
}

// Rehydrate registers a fire timer for every active plan, resumes
// instances left in "scheduled" by a crash, and re-arms reminder and
// close timers for sent instances.
func (s *Scheduler) Rehydrate(ctx context.Context) error {
	plans, err := s.store.ListActivePlans(ctx)
	if err != nil {
		return fmt.Errorf("list active plans: %w", err)
	}
	for _, plan := range plans {
		s.schedulePlan(plan)
	}
	if err := s.resumePending(ctx); err != nil {
		return err
	}
	sent, err := s.store.ListScheduledSurveys(ctx, store.ScheduledFilter{Statuses: []store.ScheduledStatus{store.ScheduledSent}})
	if err != nil {
		return fmt.Errorf("list sent surveys: %w", err)
	}
	for _, row := range sent {
		if err := s.scheduleFollowUps(ctx, row); err != nil {
			slog.Error("rearm follow-ups failed", "scheduled_id", row.ID, "error", err)
		}
	}
	slog.Info("scheduler rehydrated", "plans", len(plans), "sent", len(sent), "timers", s.wheel.Len())
	return nil
}

// Tick fires every active plan that is due and resumes partially fired
// instances. It returns the number of fires started.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	plans, err := s.store.ListActivePlans(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active plans: %w", err)
	}
	fired := 0
	for _, plan := range plans {
		ok, err := s.firePlan(ctx, plan.ID)
		if err != nil {
			slog.Error("plan fire failed", "plan_id", plan.ID, "error", err)
			continue
		}
		if ok {
			fired++
		}
	}
	return fired, s.resumePending(ctx)
}

func (s *Scheduler) resumePending(ctx context.Context) error {
	pending, err := s.store.ListScheduledSurveys(ctx, store.ScheduledFilter{Statuses: []store.ScheduledStatus{store.ScheduledPending}})
	if err != nil {
		return fmt.Errorf("list pending surveys: %w", err)
	}
	now := s.clock.Now()
	for _, row := range pending {
		if row.ScheduledFor.After(now) {
			continue
		}
		plan, err := s.store.GetPlan(ctx, row.PlanID)
		if err != nil {
			slog.Error("resume: load plan failed", "plan_id", row.PlanID, "error", err)
			continue
		}
		s.emit("resume")
		if _, err := s.dispatchWithDeadline(ctx, plan, row); err != nil {
			slog.Error("resume dispatch failed", "scheduled_id", row.ID, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) schedulePlan(plan store.Plan) {
	if !plan.Active {
		s.wheel.Cancel(planTag(plan.ID))
		return
	}
	at := NextFire(plan, plan.LastFiredAt)
	if plan.EndAt != nil && !at.Before(*plan.EndAt) {
		s.wheel.Cancel(planTag(plan.ID))
		return
	}
	planID := plan.ID
	s.wheel.Schedule(at, planTag(planID), func(ctx context.Context) {
		if _, err := s.firePlan(ctx, planID); err != nil {
			slog.Error("plan fire failed", "plan_id", planID, "error", err)
		}
		latest, err := s.store.GetPlan(ctx, planID)
		if err != nil {
			slog.Error("reload plan failed", "plan_id", planID, "error", err)
			return
		}
		s.schedulePlan(latest)
	})
}

// firePlan fires planID if it is due now.
func (s *Scheduler) firePlan(ctx context.Context, planID string) (bool, error) {
	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return false, fmt.Errorf("load plan: %w", err)
	}
	scheduledFor, due := DueFire(plan, s.clock.Now())
	if !due {
		return false, nil
	}
	_, err = s.Fire(ctx, plan, scheduledFor)
	return err == nil, err
}

// Fire creates the instance of plan for scheduledFor and dispatches it.
// Firing the same (plan, scheduledFor) again returns the existing
// instance; an instance still in "scheduled" is resumed.
func (s *Scheduler) Fire(ctx context.Context, plan store.Plan, scheduledFor time.Time) (store.ScheduledSurvey, error) {
	if !plan.Active {
		return store.ScheduledSurvey{}, ErrPlanInactive
	}
	scheduledFor = scheduledFor.UTC().Truncate(time.Minute)

	s.fireMu.Lock()
	defer s.fireMu.Unlock()

	history, err := s.store.ListScheduledSurveys(ctx, store.ScheduledFilter{PlanID: plan.ID})
	if err != nil {
		return store.ScheduledSurvey{}, fmt.Errorf("plan history: %w", err)
	}
	newestFirst := make([]store.ScheduledSurvey, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Status != store.ScheduledCancelled {
			newestFirst = append(newestFirst, history[i])
		}
	}
	set, ok := ChooseQuestionSet(plan, newestFirst)
	if !ok {
		return store.ScheduledSurvey{}, ErrNoQuestionSets
	}

	closeAfter := plan.ReminderPolicy.AutoCloseAfterDays
	if closeAfter <= 0 {
		closeAfter = store.DefaultReminderPolicy().AutoCloseAfterDays
	}
	survey := store.Survey{
		ID:          util.NewID("srv"),
		OrgID:       plan.OrgID,
		Title:       fmt.Sprintf("%s (%s)", plan.Name, scheduledFor.Format("2 Jan 2006")),
		OpensAt:     scheduledFor,
		ClosesAt:    scheduledFor.AddDate(0, 0, closeAfter),
		Status:      store.SurveyActive,
		QuestionSet: set,
	}
	row, created, err := s.store.BeginFire(ctx, store.FireRequest{
		Plan:   plan,
		Survey: survey,
		Scheduled: store.ScheduledSurvey{
			ID:           util.NewID("sch"),
			PlanID:       plan.ID,
			SurveyID:     survey.ID,
			ScheduledFor: scheduledFor,
			Status:       store.ScheduledPending,
			QuestionSet:  set,
		},
	})
	if err != nil {
		return store.ScheduledSurvey{}, fmt.Errorf("begin fire: %w", err)
	}
	if !created && row.Status != store.ScheduledPending {
		return row, nil
	}
	if created {
		s.emit("fire")
		slog.Info("plan fired", "plan_id", plan.ID, "survey_id", row.SurveyID, "scheduled_for", scheduledFor, "question_set", set.ID)
	} else {
		s.emit("resume")
	}
	return s.dispatchWithDeadline(ctx, plan, row)
}

func (s *Scheduler) dispatchWithDeadline(ctx context.Context, plan store.Plan, row store.ScheduledSurvey) (store.ScheduledSurvey, error) {
	now := s.clock.Now()
	base := row.ScheduledFor
	if now.After(base) {
		base = now
	}
	fireCtx, cancel := context.WithTimeout(ctx, base.Add(s.opts.Slack).Sub(now))
	defer cancel()
	out, err := s.dispatch(fireCtx, plan, row)
	if err != nil {
		s.emit("fire_failed")
		return row, err
	}
	return out, nil
}

// dispatch mints a token per audience member, sends invitations and marks
// the instance sent. Minting is idempotent per employee, so a resumed
// dispatch reuses tokens minted before a crash.
func (s *Scheduler) dispatch(ctx context.Context, plan store.Plan, row store.ScheduledSurvey) (store.ScheduledSurvey, error) {
	survey, err := s.store.GetSurvey(ctx, row.SurveyID)
	if err != nil {
		return row, fmt.Errorf("load survey: %w", err)
	}
	target := 0
	err = s.eachRecipient(ctx, plan, survey, func(member Member, channel store.Channel, token store.SurveyToken) error {
		target++
		msg := s.message(delivery.KindInvitation, channel, member.Address(channel), plan, survey, token)
		if err := s.sender.Send(ctx, msg); err != nil {
			// Delivery retries on its own; the instance still moves to sent.
			slog.Warn("invitation delivery failed", "survey_id", survey.ID, "channel", channel, "error", err)
		}
		return ctx.Err()
	})
	if err != nil {
		return row, err
	}

	sentAt := s.clock.Now()
	if err := s.store.MarkScheduledSent(ctx, row.ID, sentAt, target); err != nil {
		return row, fmt.Errorf("mark sent: %w", err)
	}
	row.Status = store.ScheduledSent
	row.SentAt = &sentAt
	row.TargetCount = target
	if err := s.scheduleFollowUps(ctx, row); err != nil {
		return row, err
	}
	return row, nil
}

type recipientFunc func(member Member, channel store.Channel, token store.SurveyToken) error

// eachRecipient walks the plan audience, minting (or finding) each
// member's token.
func (s *Scheduler) eachRecipient(ctx context.Context, plan store.Plan, survey store.Survey, fn recipientFunc) error {
	teamIDs := plan.Audience.TeamIDs
	if len(teamIDs) == 0 {
		teams, err := s.store.ListTeams(ctx, plan.OrgID)
		if err != nil {
			return fmt.Errorf("list teams: %w", err)
		}
		for _, team := range teams {
			teamIDs = append(teamIDs, team.ID)
		}
	}
	for _, teamID := range teamIDs {
		members, err := s.directory.Members(ctx, plan.OrgID, teamID)
		if err != nil {
			return fmt.Errorf("team %s members: %w", teamID, err)
		}
		for _, member := range members {
			channel, ok := pickChannel(plan.Channels, member)
			if !ok {
				slog.Warn("member has no address for plan channels", "plan_id", plan.ID, "team_id", teamID)
				continue
			}
			token, _, err := s.vault.MintForEmployee(ctx, plan.OrgID, survey.ID, teamID, member.EmployeeID)
			if err != nil {
				return fmt.Errorf("mint token: %w", err)
			}
			if err := fn(member, channel, token); err != nil {
				return err
			}
		}
	}
	return nil
}

func pickChannel(channels []store.Channel, member Member) (store.Channel, bool) {
	if len(channels) == 0 {
		channels = []store.Channel{store.ChannelEmail}
	}
	for _, c := range channels {
		if member.Address(c) != "" {
			return c, true
		}
	}
	return "", false
}

func (s *Scheduler) message(kind delivery.Kind, channel store.Channel, to string, plan store.Plan, survey store.Survey, token store.SurveyToken) delivery.Message {
	msg := delivery.Message{
		Kind:      kind,
		Channel:   channel,
		To:        to,
		OrgID:     plan.OrgID,
		SurveyID:  survey.ID,
		Title:     survey.Title,
		Link:      strings.TrimRight(s.opts.PublicURL, "/") + "/survey/" + token.Token,
		ExpiresAt: token.ExpiresAt,
	}
	if kind == delivery.KindReminder {
		msg.Template = plan.ReminderPolicy.MessageTemplate
	}
	return msg
}

// scheduleFollowUps arms the next reminder and the close timer of a sent
// instance.
func (s *Scheduler) scheduleFollowUps(ctx context.Context, row store.ScheduledSurvey) error {
	survey, err := s.store.GetSurvey(ctx, row.SurveyID)
	if err != nil {
		return fmt.Errorf("load survey: %w", err)
	}
	plan, err := s.store.GetPlan(ctx, row.PlanID)
	if err != nil {
		return fmt.Errorf("load plan: %w", err)
	}
	rowID := row.ID
	s.wheel.Schedule(survey.ClosesAt, closeTag(rowID), func(ctx context.Context) {
		if err := s.Close(ctx, rowID); err != nil {
			slog.Error("auto-close failed", "scheduled_id", rowID, "error", err)
		}
	})

	policy := plan.ReminderPolicy
	idx := row.ReminderCount
	if !policy.Enabled || idx >= policy.MaxReminders || idx >= len(policy.ReminderDays) {
		s.wheel.Cancel(remindTag(rowID))
		return nil
	}
	at := row.ScheduledFor.AddDate(0, 0, policy.ReminderDays[idx])
	if !at.Before(survey.ClosesAt) {
		s.wheel.Cancel(remindTag(rowID))
		return nil
	}
	s.wheel.Schedule(at, remindTag(rowID), func(ctx context.Context) {
		if err := s.Remind(ctx, rowID, idx); err != nil {
			slog.Error("reminder failed", "scheduled_id", rowID, "reminder", idx+1, "error", err)
		}
	})
	return nil
}

// Remind sends reminder number index+1 of an instance. The store claim
// makes each reminder number go out once even if timers overlap.
func (s *Scheduler) Remind(ctx context.Context, rowID string, index int) error {
	row, err := s.store.GetScheduledSurvey(ctx, rowID)
	if err != nil {
		return fmt.Errorf("load scheduled survey: %w", err)
	}
	if row.Status != store.ScheduledSent {
		return nil
	}
	claimed, err := s.store.ClaimReminder(ctx, rowID, index, s.clock.Now())
	if err != nil {
		return fmt.Errorf("claim reminder: %w", err)
	}
	if !claimed {
		return nil
	}
	row.ReminderCount = index + 1

	plan, err := s.store.GetPlan(ctx, row.PlanID)
	if err != nil {
		return fmt.Errorf("load plan: %w", err)
	}
	survey, err := s.store.GetSurvey(ctx, row.SurveyID)
	if err != nil {
		return fmt.Errorf("load survey: %w", err)
	}
	now := s.clock.Now()
	sent := 0
	err = s.eachRecipient(ctx, plan, survey, func(member Member, channel store.Channel, token store.SurveyToken) error {
		if token.Used && plan.ReminderPolicy.ExcludeResponded {
			return nil
		}
		if token.ExpiredReason != "" || !now.Before(token.ExpiresAt) {
			return nil
		}
		msg := s.message(delivery.KindReminder, channel, member.Address(channel), plan, survey, token)
		if err := s.sender.Send(ctx, msg); err != nil {
			slog.Warn("reminder delivery failed", "survey_id", survey.ID, "channel", channel, "error", err)
			return ctx.Err()
		}
		sent++
		return nil
	})
	if err != nil {
		return err
	}
	s.emit("reminder")
	slog.Info("reminder sent", "scheduled_id", rowID, "reminder", row.ReminderCount, "recipients", sent)
	return s.scheduleFollowUps(ctx, row)
}

// Close completes a sent instance, closes its survey and expires every
// unused token with reason survey_closed.
func (s *Scheduler) Close(ctx context.Context, rowID string) error {
	row, err := s.store.GetScheduledSurvey(ctx, rowID)
	if err != nil {
		return fmt.Errorf("load scheduled survey: %w", err)
	}
	changed, err := s.store.CompleteScheduledSurvey(ctx, rowID)
	if err != nil {
		return fmt.Errorf("complete scheduled survey: %w", err)
	}
	if _, err := s.vault.ExpireAll(ctx, row.SurveyID, vault.ReasonSurveyClosed); err != nil {
		return err
	}
	s.wheel.Cancel(remindTag(rowID))
	s.wheel.Cancel(closeTag(rowID))
	if !changed {
		return nil
	}
	row.Status = store.ScheduledCompleted
	s.emit("close")
	slog.Info("survey closed", "scheduled_id", rowID, "survey_id", row.SurveyID, "responses", row.ResponseCount)
	for _, fn := range s.onClosed {
		fn(ctx, row)
	}
	return nil
}

// OnSubmitted counts a response against its scheduled instance and closes
// the instance once the plan's max_responses is reached. It is a
// responses.Listener.
func (s *Scheduler) OnSubmitted(ctx context.Context, event responses.Submitted) {
	row, err := s.store.IncrementScheduledResponses(ctx, event.SurveyID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		slog.Error("count scheduled response failed", "survey_id", event.SurveyID, "error", err)
		return
	}
	plan, err := s.store.GetPlan(ctx, row.PlanID)
	if err != nil {
		slog.Error("load plan failed", "plan_id", row.PlanID, "error", err)
		return
	}
	if plan.MaxResponses == nil || row.Status != store.ScheduledSent || row.ResponseCount < *plan.MaxResponses {
		return
	}
	if err := s.Close(ctx, row.ID); err != nil {
		slog.Error("close at max responses failed", "scheduled_id", row.ID, "error", err)
	}
}

// CreatePlan stores a new, inactive plan.
func (s *Scheduler) CreatePlan(ctx context.Context, plan store.Plan, actorID string) (store.Plan, error) {
	if len(plan.QuestionSets) == 0 {
		return store.Plan{}, ErrNoQuestionSets
	}
	if plan.ID == "" {
		plan.ID = util.NewID("pln")
	}
	plan.Active = false
	plan.LastFiredAt = nil
	plan.SettingsVersion = store.PlanSettingsVersion
	plan.StartAt = plan.StartAt.UTC().Truncate(time.Minute)
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = s.clock.Now()
	}
	if err := s.store.InsertPlan(ctx, plan); err != nil {
		return store.Plan{}, fmt.Errorf("insert plan: %w", err)
	}
	if err := s.audit.Record(ctx, actorID, audit.ActionPlanCreate, "plan", plan.ID, map[string]any{"cadence": string(plan.Cadence)}); err != nil {
		return store.Plan{}, err
	}
	return plan, nil
}

func (s *Scheduler) Activate(ctx context.Context, planID, actorID string) (store.Plan, error) {
	if err := s.store.SetPlanActive(ctx, planID, true); err != nil {
		return store.Plan{}, fmt.Errorf("activate plan: %w", err)
	}
	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return store.Plan{}, fmt.Errorf("load plan: %w", err)
	}
	if err := s.audit.Record(ctx, actorID, audit.ActionPlanActivate, "plan", planID, nil); err != nil {
		return store.Plan{}, err
	}
	s.schedulePlan(plan)
	return plan, nil
}

// Deactivate stops future fires and cancels instances not yet sent.
// Surveys already sent run to their close.
func (s *Scheduler) Deactivate(ctx context.Context, planID, actorID string) (store.Plan, error) {
	if err := s.store.SetPlanActive(ctx, planID, false); err != nil {
		return store.Plan{}, fmt.Errorf("deactivate plan: %w", err)
	}
	s.wheel.Cancel(planTag(planID))
	cancelled, err := s.store.CancelScheduledSurveys(ctx, planID)
	if err != nil {
		return store.Plan{}, fmt.Errorf("cancel scheduled surveys: %w", err)
	}
	if err := s.audit.Record(ctx, actorID, audit.ActionPlanDeactivate, "plan", planID, map[string]any{"cancelled": cancelled}); err != nil {
		return store.Plan{}, err
	}
	return s.store.GetPlan(ctx, planID)
}

// Pending reports when a timer tag is due; used by operators and tests.
func (s *Scheduler) Pending(tag string) (time.Time, bool) {
	return s.wheel.Pending(tag)
}

// DispatchDue runs timers due at the current clock time.
func (s *Scheduler) DispatchDue(ctx context.Context) int {
	return s.wheel.DispatchDue(ctx)
}

func (s *Scheduler) emit(event string) {
	if s.observe != nil {
		s.observe(event)
	}
}
