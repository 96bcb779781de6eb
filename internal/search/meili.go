package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"novora/api/internal/store"
)

const idxComments = "novora_comments"

// Meili indexes and searches masked comments in Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the comment
// index. A failed first health check leaves it unhealthy; the health
// loop reconfigures it once the server is reachable.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		slog.Warn("meilisearch unavailable", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxComments,
		PrimaryKey: "id",
	}); err != nil {
		slog.Debug("create comment index (may already exist)", "error", err)
	}

	index := m.client.Index(idxComments)
	filterable := []interface{}{"orgId", "surveyId", "teamId", "sentiment", "themes"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		slog.Warn("update filterable attributes failed", "index", idxComments, "error", err)
	}
	searchable := []string{"text"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		slog.Warn("update searchable attributes failed", "index", idxComments, "error", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				slog.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// filters builds the Meilisearch filter list for q.
func filters(q Query) []string {
	quoted := make([]string, len(q.TeamIDs))
	for i, id := range q.TeamIDs {
		quoted[i] = strconv.Quote(id)
	}
	out := []string{
		fmt.Sprintf("orgId = %q", q.OrgID),
		fmt.Sprintf("surveyId = %q", q.SurveyID),
		"teamId IN [" + strings.Join(quoted, ", ") + "]",
	}
	if q.Sentiment != "" {
		out = append(out, fmt.Sprintf("sentiment = %q", string(q.Sentiment)))
	}
	if q.Theme != "" {
		out = append(out, fmt.Sprintf("themes = %q", q.Theme))
	}
	return out
}

func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}
	if len(q.TeamIDs) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{{
			IndexUID:              idxComments,
			Query:                 q.Text,
			Limit:                 int64(q.limit()),
			Offset:                int64(max(q.Offset, 0)),
			Filter:                filters(q),
			AttributesToHighlight: []string{"text"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		}},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		for _, hit := range sr.Hits {
			r := hitToResult(hit)
			// Index lag can leave a team that became unsafe in the hits.
			if !contains(q.TeamIDs, r.TeamID) {
				continue
			}
			results = append(results, r)
		}
	}
	return results, total, nil
}

func hitToResult(hit meili.Hit) Result {
	var themes []string
	if raw, ok := hit["themes"]; ok {
		_ = json.Unmarshal(raw, &themes)
	}
	return Result{
		CommentID: decodeString(hit, "id"),
		TeamID:    decodeString(hit, "teamId"),
		Text:      firstNonBlank(decodeFormattedString(hit, "text"), decodeString(hit, "text")),
		Sentiment: store.Sentiment(decodeString(hit, "sentiment")),
		Themes:    themes,
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(formatted[key], &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexComment adds or updates one comment.
func (m *Meili) IndexComment(record CommentRecord) error {
	_, err := m.client.Index(idxComments).AddDocuments([]CommentRecord{record}, nil)
	return err
}

// IndexComments bulk-indexes comments.
func (m *Meili) IndexComments(records []CommentRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxComments).AddDocuments(records, nil)
	return err
}

func (m *Meili) DeleteComment(id string) error {
	_, err := m.client.Index(idxComments).DeleteDocument(id, nil)
	return err
}
