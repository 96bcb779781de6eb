package search

import (
	"context"
	"log/slog"

	"novora/api/internal/store"
)

// Index is what the service pushes processed comments into.
type Index interface {
	Healthy() bool
	IndexComment(record CommentRecord) error
	IndexComments(records []CommentRecord) error
}

// Service tries the index first and falls back to the database.
type Service struct {
	index    Searcher
	indexer  Index
	fallback Searcher
	orgOf    func(ctx context.Context, surveyID string) (string, error)
}

// NewService creates a search service. meili may be nil when Meilisearch
// is not configured. orgOf resolves the org of a survey for indexing.
func NewService(meili *Meili, fallback Searcher, orgOf func(ctx context.Context, surveyID string) (string, error)) *Service {
	s := &Service{fallback: fallback, orgOf: orgOf}
	if meili != nil {
		s.index = meili
		s.indexer = meili
	}
	return s
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.index != nil && s.index.Healthy() {
		results, total, err := s.index.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		slog.Warn("meilisearch error, falling back to database", "error", err)
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		slog.Error("comment search failed", "survey_id", q.SurveyID, "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// OnProcessed indexes a freshly processed comment without blocking the
// NLP worker. It is an nlp.Processed listener.
func (s *Service) OnProcessed(ctx context.Context, nlp store.CommentNLP) {
	if s.indexer == nil || !s.indexer.Healthy() {
		return
	}
	orgID, err := s.orgOf(ctx, nlp.SurveyID)
	if err != nil {
		slog.Warn("index comment: resolve org failed", "survey_id", nlp.SurveyID, "error", err)
		return
	}
	record := recordFromNLP(orgID, nlp)
	go func() {
		if err := s.indexer.IndexComment(record); err != nil {
			slog.Warn("index comment failed", "comment_id", record.ID, "error", err)
		}
	}()
}

// Reindex pushes every processed comment of a survey to the index.
func (s *Service) Reindex(ctx context.Context, orgID string, comments []store.CommentNLP) {
	if s.indexer == nil || !s.indexer.Healthy() {
		return
	}
	records := make([]CommentRecord, 0, len(comments))
	for _, c := range comments {
		records = append(records, recordFromNLP(orgID, c))
	}
	if err := s.indexer.IndexComments(records); err != nil {
		slog.Warn("reindex comments failed", "org_id", orgID, "error", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
