package nlp

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"novora/api/internal/clock"
	"novora/api/internal/store"
)

var t0 = time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)

func TestMask(t *testing.T) {
	tests := []struct {
		in       string
		want     []string
		wantKeep []string
	}{
		{"Mail me at jane.doe@example.com please", []string{emailMask}, []string{"please"}},
		{"Call +1 415-555-0134 after five", []string{phoneMask}, []string{"after five"}},
		{"Call (020) 7946 0958", []string{phoneMask}, nil},
		{"My manager Alice never listens", []string{"manager " + nameMask}, []string{"never listens"}},
		{"Dr. Smith was helpful", []string{nameMask}, []string{"was helpful"}},
		{"I worked with John Carter on the launch", []string{nameMask}, []string{"the launch"}},
		{"The Friday meeting is in 2025 room 12", nil, []string{"The Friday", "2025", "12"}},
	}
	for _, tc := range tests {
		got := Mask(tc.in)
		for _, want := range tc.want {
			if !strings.Contains(got, want) {
				t.Errorf("Mask(%q) = %q, missing %q", tc.in, got, want)
			}
		}
		for _, keep := range tc.wantKeep {
			if !strings.Contains(got, keep) {
				t.Errorf("Mask(%q) = %q, dropped %q", tc.in, got, keep)
			}
		}
	}
}

func TestLexiconClassify(t *testing.T) {
	lex := NewLexicon()
	tests := []struct {
		text  string
		want  store.Sentiment
		theme string
	}{
		{"Great team, very supportive colleagues", store.SentimentPositive, "collaboration"},
		{"I am stressed and overworked every week", store.SentimentNegative, "workload"},
		{"My manager is not fair about pay", store.SentimentNegative, "compensation"},
		{"The office moved to the third floor", store.SentimentNeutral, ""},
	}
	for _, tc := range tests {
		got, err := lex.Classify(context.Background(), tc.text)
		if err != nil {
			t.Fatalf("classify: %v", err)
		}
		if got.Sentiment != tc.want {
			t.Errorf("Classify(%q) sentiment = %s, want %s", tc.text, got.Sentiment, tc.want)
		}
		if tc.theme != "" && !contains(got.Themes, tc.theme) {
			t.Errorf("Classify(%q) themes = %v, missing %s", tc.text, got.Themes, tc.theme)
		}
	}
}

func TestExponentialBackoffBounds(t *testing.T) {
	backoff := ExponentialBackoff(100*time.Millisecond, time.Second)
	for attempt := 1; attempt <= 6; attempt++ {
		d := backoff(attempt)
		if d < 50*time.Millisecond || d > time.Second {
			t.Fatalf("attempt %d backoff = %s", attempt, d)
		}
	}
}

func seedComments(t *testing.T, mem *store.MemoryStore, masking bool, texts ...string) []string {
	t.Helper()
	ctx := context.Background()
	privacy := store.DefaultPrivacySettings()
	privacy.PIIMaskingEnabled = masking
	_ = mem.SaveOrganization(ctx, store.Organization{ID: "O1", Privacy: privacy, Thresholds: store.DefaultAlertThresholds()})
	_ = mem.InsertSurvey(ctx, store.Survey{ID: "S1", OrgID: "O1", OpensAt: t0, ClosesAt: t0.Add(240 * time.Hour), Status: store.SurveyActive})
	ids := make([]string, 0, len(texts))
	for i, text := range texts {
		token := "TKN_" + string(rune('A'+i))
		_, _, _ = mem.InsertToken(ctx, store.SurveyToken{Token: token, SurveyID: "S1", TeamID: "T1", ExpiresAt: t0.Add(time.Hour)})
		id := "cmt_" + string(rune('a'+i))
		_, err := mem.SubmitResponses(ctx, store.Submission{
			Token: token, SurveyID: "S1", Submitted: t0,
			Comments: []store.Comment{{ID: id, Text: text, CreatedAt: t0}},
		})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

func TestProcessMasksAndNotifies(t *testing.T) {
	mem := store.NewMemoryStore()
	ids := seedComments(t, mem, true, "Thanks Maria, great support. Reach me at bob@example.com")
	p := NewPipeline(mem, NewLexicon(), clock.Fake(t0), Options{})
	var seen []store.CommentNLP
	p.Subscribe(func(_ context.Context, row store.CommentNLP) { seen = append(seen, row) })

	if err := p.Process(context.Background(), ids[0]); err != nil {
		t.Fatalf("process: %v", err)
	}
	row, err := mem.GetCommentNLP(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("get nlp: %v", err)
	}
	if strings.Contains(row.PIIMaskedText, "Maria") || strings.Contains(row.PIIMaskedText, "bob@") {
		t.Fatalf("masked text leaks pii: %q", row.PIIMaskedText)
	}
	if row.Sentiment != store.SentimentPositive || row.TeamID != "T1" {
		t.Fatalf("row = %+v", row)
	}
	if len(seen) != 1 {
		t.Fatalf("listener calls = %d", len(seen))
	}

	// Second run is a no-op.
	if err := p.Process(context.Background(), ids[0]); err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	if len(seen) != 1 {
		t.Fatalf("listener re-notified on idempotent reprocess")
	}
}

func TestProcessWithoutMaskingKeepsText(t *testing.T) {
	mem := store.NewMemoryStore()
	ids := seedComments(t, mem, false, "Thanks Maria")
	p := NewPipeline(mem, NewLexicon(), clock.Fake(t0), Options{})
	if err := p.Process(context.Background(), ids[0]); err != nil {
		t.Fatalf("process: %v", err)
	}
	row, _ := mem.GetCommentNLP(context.Background(), ids[0])
	if row.PIIMaskedText != "Thanks Maria" {
		t.Fatalf("text = %q", row.PIIMaskedText)
	}
}

func TestProcessRetriesThenDeadLetters(t *testing.T) {
	mem := store.NewMemoryStore()
	ids := seedComments(t, mem, true, "flaky", "ok")
	calls := map[string]int{}
	var mu sync.Mutex
	classifier := ClassifierFunc(func(_ context.Context, text string) (Classification, error) {
		mu.Lock()
		defer mu.Unlock()
		calls[text]++
		if text == "flaky" {
			return Classification{}, errors.New("classifier unavailable")
		}
		return Classification{Sentiment: store.SentimentNeutral}, nil
	})
	var outcomes []string
	p := NewPipeline(mem, classifier, clock.Fake(t0), Options{Backoff: func(int) time.Duration { return 0 }})
	p.OnOutcome(func(o string) { outcomes = append(outcomes, o) })

	for _, id := range ids {
		if err := p.Process(context.Background(), id); err != nil {
			t.Fatalf("process %s: %v", id, err)
		}
	}
	if calls["flaky"] != 3 {
		t.Fatalf("flaky attempts = %d, want 3", calls["flaky"])
	}
	letters, _ := mem.ListDeadLetters(context.Background(), 0)
	if len(letters) != 1 || letters[0].CommentID != ids[0] || letters[0].Reason != "classifier unavailable" {
		t.Fatalf("dead letters = %+v", letters)
	}
	// Every comment is either processed or dead-lettered.
	missing, _ := mem.ListCommentsMissingNLP(context.Background(), 0)
	if len(missing) != 0 {
		t.Fatalf("comments still missing nlp: %+v", missing)
	}
	want := []string{"retry", "retry", "dead_letter", "processed"}
	if strings.Join(outcomes, ",") != strings.Join(want, ",") {
		t.Fatalf("outcomes = %v, want %v", outcomes, want)
	}
}

func TestBackfillDrainsThroughWorkers(t *testing.T) {
	mem := store.NewMemoryStore()
	ids := seedComments(t, mem, true, "good", "bad", "fine", "tired")
	p := NewPipeline(mem, NewLexicon(), clock.Fake(t0), Options{Workers: 2, QueueSize: 1})
	ctx := context.Background()
	p.Start(ctx)

	n, err := p.Backfill(ctx, 0)
	if err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if n != len(ids) {
		t.Fatalf("backfill queued %d, want %d", n, len(ids))
	}
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	for _, id := range ids {
		if _, err := mem.GetCommentNLP(ctx, id); err != nil {
			t.Fatalf("comment %s not processed: %v", id, err)
		}
	}
	if err := p.Enqueue(ctx, ids[0]); !errors.Is(err, ErrClosed) {
		t.Fatalf("enqueue after stop = %v, want ErrClosed", err)
	}
}

// flakyStore fails its first failures calls to UpsertCommentNLP.
type flakyStore struct {
	*store.MemoryStore
	mu       sync.Mutex
	failures int
	writes   int
}

func (f *flakyStore) UpsertCommentNLP(ctx context.Context, row store.CommentNLP) error {
	f.mu.Lock()
	f.writes++
	fail := f.writes <= f.failures
	f.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return f.MemoryStore.UpsertCommentNLP(ctx, row)
}

func TestProcessRetriesStoreFailures(t *testing.T) {
	tests := []struct {
		name       string
		failures   int
		processed  bool
		deadLetter bool
	}{
		{name: "transient write failure", failures: 1, processed: true},
		{name: "write keeps failing", failures: 10, deadLetter: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mem := store.NewMemoryStore()
			ids := seedComments(t, mem, true, "workload is heavy")
			st := &flakyStore{MemoryStore: mem, failures: tc.failures}
			p := NewPipeline(st, NewLexicon(), clock.Fake(t0), Options{Backoff: func(int) time.Duration { return 0 }})
			ctx := context.Background()

			if err := p.Process(ctx, ids[0]); err != nil {
				t.Fatalf("process: %v", err)
			}
			_, err := mem.GetCommentNLP(ctx, ids[0])
			if (err == nil) != tc.processed {
				t.Fatalf("nlp row present = %v, want %v", err == nil, tc.processed)
			}
			letters, err := mem.ListDeadLetters(ctx, 0)
			if err != nil {
				t.Fatalf("list dead letters: %v", err)
			}
			if (len(letters) == 1) != tc.deadLetter {
				t.Fatalf("dead letters = %+v", letters)
			}
			if tc.deadLetter && !strings.Contains(letters[0].Reason, "connection reset") {
				t.Fatalf("reason = %q", letters[0].Reason)
			}
			missing, err := mem.ListCommentsMissingNLP(ctx, 0)
			if err != nil {
				t.Fatalf("list missing: %v", err)
			}
			if len(missing) != 0 {
				t.Fatalf("comment lost: %+v", missing)
			}
		})
	}
}

func TestRunBackfillPicksUpLeftoverComments(t *testing.T) {
	mem := store.NewMemoryStore()
	ids := seedComments(t, mem, true, "good", "tired")
	p := NewPipeline(mem, NewLexicon(), clock.Fake(t0), Options{Workers: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.RunBackfill(ctx, time.Minute, 10)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		missing, err := mem.ListCommentsMissingNLP(ctx, 0)
		if err != nil {
			t.Fatalf("list missing: %v", err)
		}
		if len(missing) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("comments never processed: %+v", missing)
		}
		time.Sleep(10 * time.Millisecond)
	}
	for _, id := range ids {
		if _, err := mem.GetCommentNLP(ctx, id); err != nil {
			t.Fatalf("comment %s: %v", id, err)
		}
	}

	cancel()
	<-done
	stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := p.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func contains(items []string, want string) bool {
	for _, item := range items {
		if item == want {
			return true
		}
	}
	return false
}
