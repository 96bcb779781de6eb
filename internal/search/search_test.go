package search

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"novora/api/internal/store"
)

var t0 = time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)

func seedComments(t *testing.T) *store.MemoryStore {
	t.Helper()
	mem := store.NewMemoryStore()
	ctx := context.Background()
	rows := []store.CommentNLP{
		{CommentID: "c1", SurveyID: "S1", TeamID: "T1", Sentiment: store.SentimentNegative, Themes: []string{"workload"}, PIIMaskedText: "Too many meetings, ask [NAME]"},
		{CommentID: "c2", SurveyID: "S1", TeamID: "T2", Sentiment: store.SentimentNegative, Themes: []string{"workload"}, PIIMaskedText: "Meetings all day"},
		{CommentID: "c3", SurveyID: "S1", TeamID: "T1", Sentiment: store.SentimentPositive, Themes: []string{"recognition"}, PIIMaskedText: "Great team meetings"},
		{CommentID: "c4", SurveyID: "S2", TeamID: "T1", Sentiment: store.SentimentNeutral, PIIMaskedText: "meetings"},
	}
	for _, row := range rows {
		row.ProcessedAt = t0
		if err := mem.UpsertCommentNLP(ctx, row); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	return mem
}

func ids(results []Result) string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.CommentID
	}
	return strings.Join(out, ",")
}

func TestDatabaseSearch(t *testing.T) {
	db := NewDatabase(seedComments(t))
	tests := []struct {
		name  string
		query Query
		want  string
		total int
	}{
		{"safe teams only", Query{SurveyID: "S1", Text: "meetings", TeamIDs: []string{"T1"}}, "c1,c3", 2},
		{"no safe teams", Query{SurveyID: "S1", Text: "meetings"}, "", 0},
		{"sentiment", Query{SurveyID: "S1", TeamIDs: []string{"T1", "T2"}, Sentiment: store.SentimentNegative}, "c1,c2", 2},
		{"theme", Query{SurveyID: "S1", TeamIDs: []string{"T1", "T2"}, Theme: "recognition"}, "c3", 1},
		{"paged", Query{SurveyID: "S1", TeamIDs: []string{"T1", "T2"}, Limit: 1, Offset: 1}, "c2", 3},
		{"offset past end", Query{SurveyID: "S1", TeamIDs: []string{"T1"}, Offset: 5}, "", 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, total, err := db.Search(context.Background(), tc.query)
			if err != nil {
				t.Fatalf("Search: %v", err)
			}
			if ids(got) != tc.want || total != tc.total {
				t.Fatalf("Search = %q (%d), want %q (%d)", ids(got), total, tc.want, tc.total)
			}
		})
	}
}

type fakeSearcher struct {
	healthy bool
	err     error
	results []Result
	calls   int
}

func (f *fakeSearcher) Healthy() bool { return f.healthy }

func (f *fakeSearcher) Search(context.Context, Query) ([]Result, int, error) {
	f.calls++
	return f.results, len(f.results), f.err
}

func TestServiceFallsBack(t *testing.T) {
	fallback := &fakeSearcher{healthy: true, results: []Result{{CommentID: "db"}}}
	tests := []struct {
		name  string
		index *fakeSearcher
		want  string
	}{
		{"healthy index", &fakeSearcher{healthy: true, results: []Result{{CommentID: "idx"}}}, "idx"},
		{"unhealthy index", &fakeSearcher{healthy: false}, "db"},
		{"index error", &fakeSearcher{healthy: true, err: errors.New("timeout")}, "db"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := &Service{index: tc.index, fallback: fallback}
			resp := svc.Search(context.Background(), Query{Text: "x", TeamIDs: []string{"T1"}})
			if ids(resp.Results) != tc.want {
				t.Fatalf("results = %q, want %q", ids(resp.Results), tc.want)
			}
		})
	}
}

func TestServiceWithoutIndexReturnsEmptySlice(t *testing.T) {
	svc := NewService(nil, &fakeSearcher{healthy: true, err: errors.New("down")}, nil)
	resp := svc.Search(context.Background(), Query{Text: "x"})
	if resp.Results == nil || len(resp.Results) != 0 {
		t.Fatalf("results = %#v", resp.Results)
	}
	// Nothing to index into; must not panic on a nil resolver.
	svc.OnProcessed(context.Background(), store.CommentNLP{CommentID: "c1"})
}

func TestFilters(t *testing.T) {
	got := filters(Query{OrgID: "O1", SurveyID: "S1", TeamIDs: []string{"T1", "T2"}, Sentiment: store.SentimentNegative, Theme: "workload"})
	want := []string{`orgId = "O1"`, `surveyId = "S1"`, `teamId IN ["T1", "T2"]`, `sentiment = "negative"`, `themes = "workload"`}
	if strings.Join(got, " AND ") != strings.Join(want, " AND ") {
		t.Fatalf("filters = %v", got)
	}
}

func TestRecordFromNLPCarriesMaskedTextOnly(t *testing.T) {
	record := recordFromNLP("O1", store.CommentNLP{CommentID: "c1", SurveyID: "S1", TeamID: "T1", PIIMaskedText: "ask [NAME]", ProcessedAt: t0})
	if record.Text != "ask [NAME]" || record.OrgID != "O1" || record.Themes == nil || record.ProcessedAt != t0.Unix() {
		t.Fatalf("record = %+v", record)
	}
}
