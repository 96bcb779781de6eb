package search

import (
	"context"
	"fmt"

	"novora/api/internal/store"
)

// fallbackWindow bounds how many rows the fallback scans before team
// filtering.
const fallbackWindow = 500

// CommentStore is the store query the fallback searcher runs.
type CommentStore interface {
	SearchComments(ctx context.Context, surveyID, text string, limit int) ([]store.CommentNLP, error)
}

// Database searches masked comments directly in the store with a
// substring match. It backs the API when Meilisearch is not configured or
// unhealthy.
type Database struct {
	store CommentStore
}

func NewDatabase(st CommentStore) *Database {
	return &Database{store: st}
}

// Healthy always returns true; if the store is down the whole API is.
func (d *Database) Healthy() bool {
	return true
}

func (d *Database) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if len(q.TeamIDs) == 0 {
		return nil, 0, nil
	}
	rows, err := d.store.SearchComments(ctx, q.SurveyID, q.Text, fallbackWindow)
	if err != nil {
		return nil, 0, fmt.Errorf("search comments: %w", err)
	}
	var hits []Result
	for _, row := range rows {
		if !matches(q, row.TeamID, row.Sentiment, row.Themes) {
			continue
		}
		hits = append(hits, Result{
			CommentID: row.CommentID,
			TeamID:    row.TeamID,
			Text:      row.PIIMaskedText,
			Sentiment: row.Sentiment,
			Themes:    row.Themes,
		})
	}
	total := len(hits)
	if q.Offset >= total {
		return nil, total, nil
	}
	hits = hits[max(q.Offset, 0):]
	if len(hits) > q.limit() {
		hits = hits[:q.limit()]
	}
	return hits, total, nil
}
