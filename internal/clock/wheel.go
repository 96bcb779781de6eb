package clock

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultResolution is how often Run checks for due timers.
const DefaultResolution = 15 * time.Second

// Callback runs when a timer comes due.
type Callback func(ctx context.Context)

type wheelEntry struct {
	at  time.Time
	tag string
	fn  Callback
}

// Wheel dispatches callbacks at wall-clock instants. Timers are keyed by
// tag: scheduling an existing tag replaces it. Timers due at the same
// instant run in lexicographic tag order.
type Wheel struct {
	clock      Clock
	resolution time.Duration

	mu      sync.Mutex
	entries map[string]wheelEntry
}

func NewWheel(clk Clock, resolution time.Duration) *Wheel {
	if resolution <= 0 {
		resolution = DefaultResolution
	}
	return &Wheel{
		clock:      clk,
		resolution: resolution,
		entries:    make(map[string]wheelEntry),
	}
}

func (w *Wheel) Now() time.Time { return w.clock.Now() }

func (w *Wheel) Schedule(at time.Time, tag string, fn Callback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries[tag] = wheelEntry{at: at, tag: tag, fn: fn}
}

// Cancel removes the timer for tag and reports whether one was pending.
func (w *Wheel) Cancel(tag string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.entries[tag]
	delete(w.entries, tag)
	return ok
}

// Pending returns the instant a tag is due, if scheduled.
func (w *Wheel) Pending(tag string) (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	entry, ok := w.entries[tag]
	return entry.at, ok
}

func (w *Wheel) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// DispatchDue runs every timer due at the current clock time and returns
// how many ran. Callbacks may schedule new timers; those are picked up on
// the next dispatch.
func (w *Wheel) DispatchDue(ctx context.Context) int {
	now := w.clock.Now()

	w.mu.Lock()
	due := make([]wheelEntry, 0)
	for tag, entry := range w.entries {
		if !entry.at.After(now) {
			due = append(due, entry)
			delete(w.entries, tag)
		}
	}
	w.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].tag < due[j].tag
		}
		return due[i].at.Before(due[j].at)
	})
	for _, entry := range due {
		if ctx.Err() != nil {
			// Put the rest back so a restart of Run picks them up.
			w.mu.Lock()
			if _, replaced := w.entries[entry.tag]; !replaced {
				w.entries[entry.tag] = entry
			}
			w.mu.Unlock()
			continue
		}
		w.run(ctx, entry)
	}
	return len(due)
}

func (w *Wheel) run(ctx context.Context, entry wheelEntry) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("timer callback panicked", "tag", entry.tag, "panic", r)
		}
	}()
	entry.fn(ctx)
}

// Run dispatches due timers every resolution tick until ctx is done.
func (w *Wheel) Run(ctx context.Context) {
	ticker := w.clock.NewTicker(w.resolution)
	defer ticker.Stop()
	w.DispatchDue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.DispatchDue(ctx)
		}
	}
}
