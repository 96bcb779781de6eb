// Package alerts raises score-drop, sentiment-spike and recurring-risk
// alerts after each summary refresh and moves alerts through their
// open -> acknowledged -> resolved lifecycle.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"novora/api/internal/audit"
	"novora/api/internal/clock"
	"novora/api/internal/privacy"
	"novora/api/internal/store"
	"novora/api/internal/summary"
	"novora/api/internal/util"
)

var ErrInvalidTransition = errors.New("alerts: invalid status transition")

type Store interface {
	GetOrganization(ctx context.Context, id string) (store.Organization, error)
	TeamSurveyHistory(ctx context.Context, teamID string, since, until time.Time, limit int) ([]store.TeamSurveyRecord, error)
	CreateAlertIfAbsent(ctx context.Context, alert store.Alert) (store.Alert, bool, error)
	GetAlert(ctx context.Context, id string) (store.Alert, error)
	ListAlerts(ctx context.Context, orgID string, statuses []store.AlertStatus) ([]store.Alert, error)
	TransitionAlert(ctx context.Context, transition store.AlertTransition) (store.Alert, error)
}

type Evaluator struct {
	store   Store
	guard   *privacy.Guard
	audit   *audit.Log
	clock   clock.Clock
	created func(store.Alert)
}

func NewEvaluator(st Store, guard *privacy.Guard, log *audit.Log, clk clock.Clock) *Evaluator {
	return &Evaluator{store: st, guard: guard, audit: log, clock: clk}
}

// OnCreated registers a hook for newly created alerts.
func (e *Evaluator) OnCreated(fn func(store.Alert)) {
	e.created = fn
}

// OnRefresh is a summary.Listener.
func (e *Evaluator) OnRefresh(ctx context.Context, event summary.Refreshed) error {
	_, err := e.Evaluate(ctx, event)
	return err
}

// Evaluate checks the three predicates for a refreshed (survey, team)
// and returns the alerts it created. Pairs below min-n are skipped since
// an alert carries team-level scores.
func (e *Evaluator) Evaluate(ctx context.Context, event summary.Refreshed) ([]store.Alert, error) {
	safe, _, err := e.guard.Check(ctx, privacy.Scope{OrgID: event.OrgID, TeamID: event.TeamID, SurveyID: event.SurveyID})
	if err != nil {
		return nil, err
	}
	if !safe {
		return nil, nil
	}
	org, err := e.store.GetOrganization(ctx, event.OrgID)
	if err != nil {
		return nil, fmt.Errorf("load organization: %w", err)
	}
	th := org.Thresholds

	candidates := make([]store.Alert, 0)
	for _, d := range event.Bundle.Drivers {
		if d.DeltaVsPrev == nil || *d.DeltaVsPrev > th.ScoreDropMedium {
			continue
		}
		severity := store.SeverityMedium
		if *d.DeltaVsPrev <= th.ScoreDropHigh {
			severity = store.SeverityHigh
		}
		candidates = append(candidates, e.alert(event, d.DriverID, store.AlertScoreDrop, severity, d.AvgScore, *d.DeltaVsPrev))
	}
	if s := event.Bundle.Sentiment; s != nil && s.NegPct > th.SentimentMedium {
		severity := store.SeverityMedium
		if s.NegPct > th.SentimentHigh {
			severity = store.SeverityHigh
		}
		candidates = append(candidates, e.alert(event, "", store.AlertSentimentSpike, severity, s.NegPct, s.DeltaVsPrev))
	}
	risky, err := e.recurringRisk(ctx, event, th)
	if err != nil {
		return nil, err
	}
	if risky {
		current := 0.0
		if s := event.Bundle.Sentiment; s != nil {
			current = s.NegPct
		}
		candidates = append(candidates, e.alert(event, "", store.AlertRecurringRisk, store.SeverityHigh, current, 0))
	}

	out := make([]store.Alert, 0, len(candidates))
	for _, candidate := range candidates {
		alert, created, err := e.store.CreateAlertIfAbsent(ctx, candidate)
		if err != nil {
			return out, fmt.Errorf("create %s alert: %w", candidate.Type, err)
		}
		if !created {
			continue
		}
		slog.Info("alert raised", "alert_id", alert.ID, "type", alert.Type, "severity", alert.Severity, "team_id", alert.TeamID, "survey_id", alert.SurveyID)
		if e.created != nil {
			e.created(alert)
		}
		out = append(out, alert)
	}
	return out, nil
}

func (e *Evaluator) alert(event summary.Refreshed, driverID string, typ store.AlertType, severity store.Severity, current, delta float64) store.Alert {
	now := e.clock.Now()
	return store.Alert{
		ID:           util.NewID("alr"),
		OrgID:        event.OrgID,
		TeamID:       event.TeamID,
		SurveyID:     event.SurveyID,
		DriverID:     driverID,
		Type:         typ,
		Severity:     severity,
		CurrentScore: current,
		DeltaPrev:    delta,
		Status:       store.AlertOpen,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// recurringRisk reports whether the refreshed survey and the team's
// surveys immediately before it, RecurringCount in all and all within the
// window, are each at risk.
func (e *Evaluator) recurringRisk(ctx context.Context, event summary.Refreshed, th store.AlertThresholds) (bool, error) {
	window := time.Duration(th.RecurringWindowDays) * 24 * time.Hour
	history, err := e.store.TeamSurveyHistory(ctx, event.TeamID, e.clock.Now().Add(-window), time.Time{}, 0)
	if err != nil {
		return false, fmt.Errorf("team history: %w", err)
	}
	start := -1
	for i, record := range history {
		if record.SurveyID == event.SurveyID {
			start = i
			break
		}
	}
	if start < 0 || len(history)-start < th.RecurringCount {
		return false, nil
	}
	for _, record := range history[start : start+th.RecurringCount] {
		if !atRisk(record, th) {
			return false, nil
		}
	}
	return true, nil
}

func atRisk(record store.TeamSurveyRecord, th store.AlertThresholds) bool {
	for _, d := range record.Drivers {
		if d.AvgScore < th.RiskAvgScore {
			return true
		}
	}
	if pct := record.Participation.ParticipationPct; pct != nil && *pct < th.RiskParticipationPct {
		return true
	}
	if s := record.Sentiment; s != nil && s.NegPct > th.RiskNegPct {
		return true
	}
	return false
}

func (e *Evaluator) Get(ctx context.Context, id string) (store.Alert, error) {
	return e.store.GetAlert(ctx, id)
}

func (e *Evaluator) List(ctx context.Context, orgID string, statuses []store.AlertStatus) ([]store.Alert, error) {
	return e.store.ListAlerts(ctx, orgID, statuses)
}

func (e *Evaluator) Acknowledge(ctx context.Context, alertID, actorID, note string) (store.Alert, error) {
	return e.transition(ctx, alertID, actorID, note, []store.AlertStatus{store.AlertOpen}, store.AlertAcknowledged, audit.ActionAlertAcknowledge)
}

func (e *Evaluator) Resolve(ctx context.Context, alertID, actorID, note string) (store.Alert, error) {
	return e.transition(ctx, alertID, actorID, note, []store.AlertStatus{store.AlertOpen, store.AlertAcknowledged}, store.AlertResolved, audit.ActionAlertResolve)
}

func (e *Evaluator) transition(ctx context.Context, alertID, actorID, note string, from []store.AlertStatus, to store.AlertStatus, action string) (store.Alert, error) {
	details := map[string]any{"to": string(to)}
	if note != "" {
		details["note"] = note
	}
	alert, err := e.store.TransitionAlert(ctx, store.AlertTransition{
		AlertID: alertID,
		From:    from,
		To:      to,
		Note:    note,
		At:      e.clock.Now(),
		Audit:   e.audit.Entry(actorID, action, "alert", alertID, details),
	})
	if errors.Is(err, store.ErrConflict) {
		return alert, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, alert.Status, to)
	}
	return alert, err
}
