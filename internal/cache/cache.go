// Package cache holds the computed read views (KPIs, heatmap, trend,
// themes). Entries expire by view TTL and are dropped early by tag
// invalidation when responses or summaries change. A miss recomputes
// through a single-flight group so concurrent readers share one compute.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"novora/api/internal/responses"
	"novora/api/internal/summary"
)

type View string

const (
	ViewKPIs    View = "kpis"
	ViewHeatmap View = "heatmap"
	ViewTrend   View = "trend"
	ViewThemes  View = "themes"
)

// TTL returns how long a view stays cached.
func (v View) TTL() time.Duration {
	switch v {
	case ViewKPIs:
		return 10 * time.Minute
	case ViewHeatmap:
		return 15 * time.Minute
	case ViewTrend:
		return 20 * time.Minute
	case ViewThemes:
		return 30 * time.Minute
	default:
		return 5 * time.Minute
	}
}

// Key identifies one cached view. Unused dimensions stay zero.
type Key struct {
	View     View
	OrgID    string
	TeamID   string
	SurveyID string
	Months   int
}

func (k Key) String() string {
	parts := []string{string(k.View), k.OrgID, k.TeamID, k.SurveyID}
	if k.Months > 0 {
		parts = append(parts, strconv.Itoa(k.Months))
	}
	return strings.Join(parts, ":")
}

func OrgTag(id string) string    { return "org:" + id }
func SurveyTag(id string) string { return "survey:" + id }
func TeamTag(id string) string   { return "team:" + id }

// orgTrendTag marks org-wide trend views, which every team refresh
// changes.
func orgTrendTag(orgID string) string { return "trend:" + orgID }

// Tags lists the invalidation tags of a key.
func (k Key) Tags() []string {
	tags := []string{OrgTag(k.OrgID)}
	if k.SurveyID != "" {
		tags = append(tags, SurveyTag(k.SurveyID))
	}
	if k.TeamID != "" {
		tags = append(tags, TeamTag(k.TeamID))
	}
	if k.View == ViewTrend && k.TeamID == "" {
		tags = append(tags, orgTrendTag(k.OrgID))
	}
	return tags
}

// Backend stores encoded views.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error
	Invalidate(ctx context.Context, tags ...string) (int, error)
}

type Cache struct {
	backend Backend
	group   singleflight.Group
	observe func(view View, outcome string)
}

func New(backend Backend) *Cache {
	return &Cache{backend: backend}
}

// OnOutcome registers a hook receiving "hit", "miss" or "error" per read.
func (c *Cache) OnOutcome(fn func(view View, outcome string)) {
	c.observe = fn
}

func (c *Cache) outcome(view View, label string) {
	if c.observe != nil {
		c.observe(view, label)
	}
}

// Get returns the cached view for key, computing and storing it on a
// miss. A backend failure degrades to computing without the cache.
func Get[T any](ctx context.Context, c *Cache, key Key, compute func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	name := key.String()

	raw, ok, err := c.backend.Get(ctx, name)
	if err != nil {
		c.outcome(key.View, "error")
		slog.Warn("cache read failed", "key", name, "error", err)
	}
	if ok {
		var value T
		if err := json.Unmarshal(raw, &value); err == nil {
			c.outcome(key.View, "hit")
			return value, nil
		}
		slog.Warn("cache entry undecodable", "key", name)
	}
	c.outcome(key.View, "miss")

	result, err, _ := c.group.Do(name, func() (any, error) {
		value, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", key.View, err)
		}
		if err := c.backend.Set(ctx, name, encoded, key.View.TTL(), key.Tags()); err != nil {
			slog.Warn("cache write failed", "key", name, "error", err)
		}
		return value, nil
	})
	if err != nil {
		return zero, err
	}
	return result.(T), nil
}

// Invalidate drops every entry carrying any of tags.
func (c *Cache) Invalidate(ctx context.Context, tags ...string) {
	n, err := c.backend.Invalidate(ctx, tags...)
	if err != nil {
		slog.Error("cache invalidation failed", "tags", tags, "error", err)
		return
	}
	if n > 0 {
		slog.Debug("cache invalidated", "tags", tags, "entries", n)
	}
}

// OnSubmitted invalidates views over the survey and team a response
// touched. It is a responses.Listener.
func (c *Cache) OnSubmitted(ctx context.Context, event responses.Submitted) {
	c.Invalidate(ctx, SurveyTag(event.SurveyID), TeamTag(event.TeamID))
}

// OnRefresh invalidates views derived from a refreshed summary. It is a
// summary.Listener.
func (c *Cache) OnRefresh(ctx context.Context, event summary.Refreshed) error {
	c.Invalidate(ctx, SurveyTag(event.SurveyID), TeamTag(event.TeamID), orgTrendTag(event.OrgID))
	return nil
}
