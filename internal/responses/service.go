// Package responses accepts anonymous survey submissions. A submission is
// validated, then its token is consumed and its scores and comments are
// written in one store transaction. Rows carry only the survey and team
// scope of the token.
package responses

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"novora/api/internal/clock"
	"novora/api/internal/store"
	"novora/api/internal/util"
	"novora/api/internal/vault"
)

const (
	MinScore        = store.MinScore
	MaxScore        = store.MaxScore
	MaxCommentBytes = 4096
)

var (
	ErrScoreOutOfRange = errors.New("responses: score out of range")
	ErrCommentTooLong  = errors.New("responses: comment too long")
	ErrEmpty           = errors.New("responses: submission has no scores or comments")
	ErrUnknownDriver   = errors.New("responses: driver not in survey")
)

type Score struct {
	DriverID string `json:"driver_id"`
	Score    int    `json:"score"`
}

type CommentInput struct {
	DriverID string `json:"driver_id,omitempty"`
	Text     string `json:"text"`
}

type Request struct {
	Token    string
	SurveyID string
	Scores   []Score
	Comments []CommentInput
	Device   vault.Device
}

// Submitted is published to listeners after the transaction commits.
type Submitted struct {
	SurveyID   string
	TeamID     string
	CommentIDs []string
	At         time.Time
}

type Receipt struct {
	SurveyID    string    `json:"survey_id"`
	Scores      int       `json:"scores"`
	Comments    int       `json:"comments"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type Store interface {
	GetSurvey(ctx context.Context, id string) (store.Survey, error)
	SubmitResponses(ctx context.Context, submission store.Submission) (store.SurveyToken, error)
}

type Listener func(ctx context.Context, event Submitted)

type Service struct {
	store     Store
	vault     *vault.Vault
	clock     clock.Clock
	listeners []Listener
}

func NewService(st Store, v *vault.Vault, clk clock.Clock) *Service {
	return &Service{store: st, vault: v, clock: clk}
}

// Subscribe adds a listener. Listeners run in registration order on the
// submitting goroutine once the write has committed.
func (s *Service) Subscribe(fn Listener) {
	s.listeners = append(s.listeners, fn)
}

// Validate checks payload bounds without touching the token.
func Validate(req Request) error {
	if len(req.Scores) == 0 && len(req.Comments) == 0 {
		return ErrEmpty
	}
	for _, score := range req.Scores {
		if strings.TrimSpace(score.DriverID) == "" {
			return fmt.Errorf("%w: empty driver id", ErrUnknownDriver)
		}
		if score.Score < MinScore || score.Score > MaxScore {
			return fmt.Errorf("%w: %d for driver %s", ErrScoreOutOfRange, score.Score, score.DriverID)
		}
	}
	for _, comment := range req.Comments {
		if len(comment.Text) > MaxCommentBytes {
			return fmt.Errorf("%w: %d bytes", ErrCommentTooLong, len(comment.Text))
		}
	}
	return nil
}

func (s *Service) Submit(ctx context.Context, req Request) (Receipt, error) {
	if err := Validate(req); err != nil {
		return Receipt{}, err
	}

	if _, err := s.vault.Validate(ctx, req.Token, req.SurveyID, req.Device); err != nil {
		return Receipt{}, err
	}

	survey, err := s.store.GetSurvey(ctx, req.SurveyID)
	if err != nil {
		return Receipt{}, fmt.Errorf("load survey: %w", err)
	}
	drivers := surveyDrivers(survey)
	for _, score := range req.Scores {
		if len(drivers) > 0 && !drivers[score.DriverID] {
			return Receipt{}, fmt.Errorf("%w: %s", ErrUnknownDriver, score.DriverID)
		}
	}

	now := s.clock.Now()
	submission := store.Submission{Token: req.Token, SurveyID: req.SurveyID, Submitted: now}
	for _, score := range req.Scores {
		submission.Scores = append(submission.Scores, store.NumericResponse{
			ID:        util.NewID("rsp"),
			DriverID:  score.DriverID,
			Score:     score.Score,
			CreatedAt: now,
		})
	}
	commentIDs := make([]string, 0, len(req.Comments))
	for _, comment := range req.Comments {
		text := strings.TrimSpace(comment.Text)
		if text == "" {
			continue
		}
		id := util.NewID("cmt")
		commentIDs = append(commentIDs, id)
		submission.Comments = append(submission.Comments, store.Comment{
			ID:        id,
			DriverID:  comment.DriverID,
			Text:      text,
			CreatedAt: now,
		})
	}

	token, err := s.store.SubmitResponses(ctx, submission)
	if err != nil {
		// The validation attempt is already on the ledger; only a lost
		// race or store failure needs recording here.
		_, err = s.vault.Settle(ctx, req.Token, req.Device, now, token, err)
		return Receipt{}, err
	}

	event := Submitted{SurveyID: token.SurveyID, TeamID: token.TeamID, CommentIDs: commentIDs, At: now}
	for _, listener := range s.listeners {
		s.notify(ctx, listener, event)
	}
	return Receipt{
		SurveyID:    req.SurveyID,
		Scores:      len(submission.Scores),
		Comments:    len(submission.Comments),
		SubmittedAt: now,
	}, nil
}

func (s *Service) notify(ctx context.Context, listener Listener, event Submitted) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("submission listener panicked", "survey_id", event.SurveyID, "panic", r)
		}
	}()
	listener(ctx, event)
}

func surveyDrivers(survey store.Survey) map[string]bool {
	drivers := make(map[string]bool, len(survey.QuestionSet.Questions))
	for _, q := range survey.QuestionSet.Questions {
		drivers[q.DriverID] = true
	}
	return drivers
}
