// Package audit writes the append-only audit trail. A failed write is
// returned to the caller; privileged operations must not proceed
// silently without their entry.
package audit

import (
	"context"
	"fmt"
	"log/slog"

	"novora/api/internal/clock"
	"novora/api/internal/store"
)

const (
	ActionExportValidate   = "export.validate"
	ActionAggregateRead    = "aggregate.read"
	ActionCommentSearch    = "comments.search"
	ActionAlertAcknowledge = "alert.acknowledge"
	ActionAlertResolve     = "alert.resolve"
	ActionPrivacyUpdate    = "privacy.update"
	ActionPlanCreate       = "plan.create"
	ActionPlanActivate     = "plan.activate"
	ActionPlanDeactivate   = "plan.deactivate"
	ActionCorruption       = "integrity.violation"
)

// SystemActor is the actor id of entries written by background work.
const SystemActor = "system"

type Store interface {
	AppendAudit(ctx context.Context, entry store.AuditEntry) error
	ListAudit(ctx context.Context, resourceType, resourceID string) ([]store.AuditEntry, error)
}

type Log struct {
	store Store
	clock clock.Clock
}

func New(st Store, clk clock.Clock) *Log {
	return &Log{store: st, clock: clk}
}

// Entry builds a timestamped entry for callers that append it inside
// their own transaction.
func (l *Log) Entry(actorID, action, resourceType, resourceID string, details map[string]any) store.AuditEntry {
	if details == nil {
		details = map[string]any{}
	}
	return store.AuditEntry{
		ActorID:      actorID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      details,
		CreatedAt:    l.clock.Now(),
	}
}

func (l *Log) Record(ctx context.Context, actorID, action, resourceType, resourceID string, details map[string]any) error {
	if err := l.store.AppendAudit(ctx, l.Entry(actorID, action, resourceType, resourceID, details)); err != nil {
		return fmt.Errorf("append audit %s: %w", action, err)
	}
	return nil
}

// Corruption records an invariant violation. The caller aborts the
// operation that found it.
func (l *Log) Corruption(ctx context.Context, resourceType, resourceID, detail string) error {
	slog.Error("integrity violation", "resource_type", resourceType, "resource_id", resourceID, "detail", detail)
	return l.Record(ctx, SystemActor, ActionCorruption, resourceType, resourceID, map[string]any{"detail": detail})
}

func (l *Log) History(ctx context.Context, resourceType, resourceID string) ([]store.AuditEntry, error) {
	return l.store.ListAudit(ctx, resourceType, resourceID)
}
