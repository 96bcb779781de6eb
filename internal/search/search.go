// Package search finds masked survey comments. Only pii-masked text is
// ever indexed or returned, and every query is restricted to the teams
// the caller may see.
package search

import (
	"context"
	"time"

	"novora/api/internal/store"
)

// Result is a single comment hit.
type Result struct {
	CommentID string          `json:"comment_id"`
	TeamID    string          `json:"team_id"`
	Text      string          `json:"text"`
	Sentiment store.Sentiment `json:"sentiment"`
	Themes    []string        `json:"themes"`
}

// Query describes a comment search. TeamIDs must be the min-n-safe teams
// of the survey; an empty list matches nothing.
type Query struct {
	OrgID     string
	SurveyID  string
	Text      string
	TeamIDs   []string
	Sentiment store.Sentiment
	Theme     string
	Limit     int
	Offset    int
}

func (q Query) limit() int {
	if q.Limit <= 0 || q.Limit > 100 {
		return 20
	}
	return q.Limit
}

// Response is the envelope returned by the comments endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a comment search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// CommentRecord is what is indexed per processed comment.
type CommentRecord struct {
	ID          string   `json:"id"`
	OrgID       string   `json:"orgId"`
	SurveyID    string   `json:"surveyId"`
	TeamID      string   `json:"teamId"`
	Text        string   `json:"text"`
	Sentiment   string   `json:"sentiment"`
	Themes      []string `json:"themes"`
	ProcessedAt int64    `json:"processedAt"`
}

func recordFromNLP(orgID string, nlp store.CommentNLP) CommentRecord {
	themes := nlp.Themes
	if themes == nil {
		themes = []string{}
	}
	return CommentRecord{
		ID:          nlp.CommentID,
		OrgID:       orgID,
		SurveyID:    nlp.SurveyID,
		TeamID:      nlp.TeamID,
		Text:        nlp.PIIMaskedText,
		Sentiment:   string(nlp.Sentiment),
		Themes:      themes,
		ProcessedAt: nlp.ProcessedAt.UTC().Truncate(time.Second).Unix(),
	}
}

func matches(q Query, teamID string, sentiment store.Sentiment, themes []string) bool {
	if !contains(q.TeamIDs, teamID) {
		return false
	}
	if q.Sentiment != "" && sentiment != q.Sentiment {
		return false
	}
	if q.Theme != "" && !contains(themes, q.Theme) {
		return false
	}
	return true
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
