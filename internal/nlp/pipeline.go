// Package nlp masks and classifies free-text comments. Comment ids are
// pushed onto a bounded queue and processed by a fixed worker pool. Any
// failed attempt, whether the classifier or the store failed, is retried
// with exponential backoff and jitter, and a comment that exhausts its
// attempts is dead-lettered with the reason. A periodic backfill requeues
// comments that have neither output nor a dead letter.
package nlp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"novora/api/internal/clock"
	"novora/api/internal/store"
)

var ErrClosed = errors.New("nlp: pipeline closed")

type Store interface {
	GetComment(ctx context.Context, id string) (store.Comment, error)
	GetSurvey(ctx context.Context, id string) (store.Survey, error)
	GetOrganization(ctx context.Context, id string) (store.Organization, error)
	GetCommentNLP(ctx context.Context, commentID string) (store.CommentNLP, error)
	UpsertCommentNLP(ctx context.Context, nlp store.CommentNLP) error
	InsertDeadLetter(ctx context.Context, letter store.NLPDeadLetter) error
	ListCommentsMissingNLP(ctx context.Context, limit int) ([]store.Comment, error)
}

type Options struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	// Backoff returns the wait before retry number attempt (1-based).
	// Defaults to ExponentialBackoff(500ms, 10s).
	Backoff func(attempt int) time.Duration
}

func DefaultOptions() Options {
	return Options{Workers: 4, QueueSize: 256, MaxAttempts: 3}
}

// ExponentialBackoff doubles base per attempt up to max and applies full
// jitter over the upper half of the interval.
func ExponentialBackoff(base, max time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		d := base
		for i := 1; i < attempt && d < max; i++ {
			d *= 2
		}
		if d > max {
			d = max
		}
		half := d / 2
		if half <= 0 {
			return d
		}
		return half + rand.N(half+1)
	}
}

// Processed is published after a CommentNLP row is written.
type Processed func(ctx context.Context, nlp store.CommentNLP)

type Pipeline struct {
	store      Store
	classifier Classifier
	clock      clock.Clock
	opts       Options

	queue     chan string
	mu        sync.RWMutex
	closed    bool
	pmu       sync.Mutex
	pending   map[string]bool
	wg        sync.WaitGroup
	listeners []Processed
	observe   func(outcome string)
}

func NewPipeline(st Store, classifier Classifier, clk clock.Clock, opts Options) *Pipeline {
	defaults := DefaultOptions()
	if opts.Workers <= 0 {
		opts.Workers = defaults.Workers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaults.QueueSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaults.MaxAttempts
	}
	if opts.Backoff == nil {
		opts.Backoff = ExponentialBackoff(500*time.Millisecond, 10*time.Second)
	}
	return &Pipeline{
		store:      st,
		classifier: classifier,
		clock:      clk,
		opts:       opts,
		queue:      make(chan string, opts.QueueSize),
		pending:    make(map[string]bool),
	}
}

func (p *Pipeline) Subscribe(fn Processed) {
	p.listeners = append(p.listeners, fn)
}

// OnOutcome registers a hook receiving "processed", "skipped", "retry" or
// "dead_letter".
func (p *Pipeline) OnOutcome(fn func(outcome string)) {
	p.observe = fn
}

// Start launches the worker pool. Workers exit once Stop has drained the
// queue.
func (p *Pipeline) Start(ctx context.Context) {
	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for id := range p.queue {
				if err := p.Process(ctx, id); err != nil {
					slog.Error("nlp process failed", "comment_id", id, "error", err)
				}
				p.pmu.Lock()
				delete(p.pending, id)
				p.pmu.Unlock()
			}
		}()
	}
}

// Enqueue blocks while the queue is full. A comment already queued or in
// progress is not queued twice.
func (p *Pipeline) Enqueue(ctx context.Context, commentID string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	p.pmu.Lock()
	if p.pending[commentID] {
		p.pmu.Unlock()
		return nil
	}
	p.pending[commentID] = true
	p.pmu.Unlock()

	select {
	case p.queue <- commentID:
		return nil
	case <-ctx.Done():
		p.pmu.Lock()
		delete(p.pending, commentID)
		p.pmu.Unlock()
		return ctx.Err()
	}
}

// Stop closes the queue and waits for workers to finish queued comments
// or for ctx to expire. Comments left unprocessed are found again by
// Backfill.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Backfill enqueues up to limit comments that have neither NLP output nor
// a dead letter and returns how many were queued.
func (p *Pipeline) Backfill(ctx context.Context, limit int) (int, error) {
	comments, err := p.store.ListCommentsMissingNLP(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list comments missing nlp: %w", err)
	}
	for i, c := range comments {
		if err := p.Enqueue(ctx, c.ID); err != nil {
			return i, err
		}
	}
	return len(comments), nil
}

// RunBackfill calls Backfill right away and then every interval until ctx
// is done or the pipeline is stopped.
func (p *Pipeline) RunBackfill(ctx context.Context, interval time.Duration, limit int) {
	ticker := p.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := p.Backfill(ctx, limit)
		switch {
		case errors.Is(err, ErrClosed) || ctx.Err() != nil:
			return
		case err != nil:
			slog.Warn("nlp backfill failed", "error", err)
		case n > 0:
			slog.Info("nlp backfill queued comments", "count", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Process classifies one comment synchronously. It is a no-op when the
// comment already has NLP output. Every attempt covers the whole unit of
// work, store reads and the final write included.
func (p *Pipeline) Process(ctx context.Context, commentID string) error {
	var lastErr error
	for attempt := 1; attempt <= p.opts.MaxAttempts; attempt++ {
		lastErr = p.attempt(ctx, commentID)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == p.opts.MaxAttempts {
			break
		}
		p.outcome("retry")
		if err := p.wait(ctx, p.opts.Backoff(attempt)); err != nil {
			return err
		}
	}

	letter := store.NLPDeadLetter{
		CommentID: commentID,
		Reason:    lastErr.Error(),
		Attempts:  p.opts.MaxAttempts,
		FailedAt:  p.clock.Now(),
	}
	if err := p.store.InsertDeadLetter(ctx, letter); err != nil {
		return fmt.Errorf("dead-letter comment: %w", err)
	}
	p.outcome("dead_letter")
	slog.Warn("nlp dead-lettered comment", "comment_id", commentID, "attempts", letter.Attempts, "reason", letter.Reason)
	return nil
}

func (p *Pipeline) attempt(ctx context.Context, commentID string) error {
	if _, err := p.store.GetCommentNLP(ctx, commentID); err == nil {
		p.outcome("skipped")
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load comment nlp: %w", err)
	}

	comment, err := p.store.GetComment(ctx, commentID)
	if errors.Is(err, store.ErrNotFound) {
		p.outcome("skipped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load comment: %w", err)
	}
	masking, err := p.maskingEnabled(ctx, comment.SurveyID)
	if err != nil {
		return err
	}
	// Display text for search and themes; raw when masking is off.
	text := comment.Text
	if masking {
		text = Mask(text)
	}
	result, err := p.classifier.Classify(ctx, text)
	if err != nil {
		return err
	}

	row := store.CommentNLP{
		CommentID:     comment.ID,
		SurveyID:      comment.SurveyID,
		TeamID:        comment.TeamID,
		Sentiment:     result.Sentiment,
		Themes:        result.Themes,
		PIIMaskedText: text,
		ProcessedAt:   p.clock.Now(),
	}
	if err := p.store.UpsertCommentNLP(ctx, row); err != nil {
		return fmt.Errorf("upsert comment nlp: %w", err)
	}
	p.outcome("processed")
	for _, fn := range p.listeners {
		fn(ctx, row)
	}
	return nil
}

func (p *Pipeline) maskingEnabled(ctx context.Context, surveyID string) (bool, error) {
	survey, err := p.store.GetSurvey(ctx, surveyID)
	if err != nil {
		return false, fmt.Errorf("load survey: %w", err)
	}
	org, err := p.store.GetOrganization(ctx, survey.OrgID)
	if errors.Is(err, store.ErrNotFound) {
		return store.DefaultPrivacySettings().PIIMaskingEnabled, nil
	}
	if err != nil {
		return false, fmt.Errorf("load organization: %w", err)
	}
	return org.Privacy.PIIMaskingEnabled, nil
}

func (p *Pipeline) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-p.clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) outcome(label string) {
	if p.observe != nil {
		p.observe(label)
	}
}
