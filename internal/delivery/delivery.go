// Package delivery hands survey invitations and reminders to channel
// sinks. The Dispatcher paces sends with a token-bucket limiter, bounds
// every attempt with a timeout and retries transient failures.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"novora/api/internal/store"
)

type Kind string

const (
	KindInvitation Kind = "invitation"
	KindReminder   Kind = "reminder"
)

var ErrNoSink = errors.New("delivery: no sink for channel")

// Message is one invitation or reminder for one recipient. Token links
// are the only per-recipient secret it carries.
type Message struct {
	Kind      Kind
	Channel   store.Channel
	To        string
	OrgID     string
	SurveyID  string
	Title     string
	Link      string
	ExpiresAt time.Time
	// Template overrides the channel's default body when set.
	Template string
}

type Sink interface {
	Deliver(ctx context.Context, msg Message) error
}

type Options struct {
	Timeout     time.Duration
	RatePerSec  float64
	Burst       int
	MaxAttempts int
	Backoff     time.Duration
}

func DefaultOptions() Options {
	return Options{Timeout: 10 * time.Second, RatePerSec: 20, Burst: 20, MaxAttempts: 3, Backoff: 500 * time.Millisecond}
}

type Dispatcher struct {
	sinks   map[store.Channel]Sink
	limiter *rate.Limiter
	opts    Options
	observe func(channel store.Channel, outcome string)
}

func NewDispatcher(opts Options) *Dispatcher {
	defaults := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = defaults.Timeout
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = defaults.RatePerSec
	}
	if opts.Burst <= 0 {
		opts.Burst = defaults.Burst
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaults.MaxAttempts
	}
	if opts.Backoff < 0 {
		opts.Backoff = 0
	}
	return &Dispatcher{
		sinks:   make(map[store.Channel]Sink),
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.Burst),
		opts:    opts,
	}
}

func (d *Dispatcher) Register(channel store.Channel, sink Sink) {
	d.sinks[channel] = sink
}

// Supports reports whether a sink is registered for channel.
func (d *Dispatcher) Supports(channel store.Channel) bool {
	_, ok := d.sinks[channel]
	return ok
}

// OnOutcome registers a hook receiving "sent" or "failed" per message.
func (d *Dispatcher) OnOutcome(fn func(channel store.Channel, outcome string)) {
	d.observe = fn
}

// Send delivers msg, retrying up to MaxAttempts. Each attempt gets its
// own Timeout.
func (d *Dispatcher) Send(ctx context.Context, msg Message) error {
	sink, ok := d.sinks[msg.Channel]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSink, msg.Channel)
	}
	var lastErr error
	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
		attemptCtx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
		lastErr = sink.Deliver(attemptCtx, msg)
		cancel()
		if lastErr == nil {
			d.outcome(msg.Channel, "sent")
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		slog.Warn("delivery attempt failed", "channel", msg.Channel, "survey_id", msg.SurveyID, "kind", msg.Kind, "attempt", attempt, "error", lastErr)
		if attempt < d.opts.MaxAttempts && d.opts.Backoff > 0 {
			select {
			case <-time.After(d.opts.Backoff * time.Duration(attempt)):
			case <-ctx.Done():
				d.outcome(msg.Channel, "failed")
				return ctx.Err()
			}
		}
	}
	d.outcome(msg.Channel, "failed")
	return fmt.Errorf("deliver %s via %s: %w", msg.Kind, msg.Channel, lastErr)
}

func (d *Dispatcher) outcome(channel store.Channel, label string) {
	if d.observe != nil {
		d.observe(channel, label)
	}
}

// Recorder is an in-memory sink. It backs channels without a configured
// transport and is what tests assert against.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
	fail     func(Message) error
}

func NewRecorder() *Recorder { return &Recorder{} }

// FailWith makes Deliver return fn's error for matching messages.
func (r *Recorder) FailWith(fn func(Message) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = fn
}

func (r *Recorder) Deliver(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		if err := r.fail(msg); err != nil {
			return err
		}
	}
	r.messages = append(r.messages, msg)
	return nil
}

func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// Count returns how many recorded messages match kind and surveyID. An
// empty surveyID matches all surveys.
func (r *Recorder) Count(kind Kind, surveyID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.messages {
		if m.Kind == kind && (surveyID == "" || m.SurveyID == surveyID) {
			n++
		}
	}
	return n
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = nil
}
