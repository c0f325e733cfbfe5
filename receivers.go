package auditry

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"
)

// logCreate writes a CREATE entry when an entity is first persisted.
// Creation is always logged, even with an empty change set.
func (r *Registry) logCreate(ctx context.Context, ev Event) error {
	if !ev.Created || ev.Entity == nil {
		return nil
	}
	reg, ok := r.lookup(ev.Entity)
	if !ok {
		return nil
	}
	if r.skipped(ctx, reg.schema.Name) {
		return nil
	}
	changes := Diff(nil, Capture(ev.Entity), reg.cfg)
	return r.CreateLogEntry(ctx, ev.Entity, ActionCreate, changes)
}

// logUpdate writes an UPDATE entry before a persisted entity is saved, only if
// a tracked field changed.
func (r *Registry) logUpdate(ctx context.Context, ev Event) error {
	if ev.Entity == nil {
		return nil
	}
	if _, ok := ev.Entity.AuditID(); !ok {
		return nil
	}
	reg, ok := r.lookup(ev.Entity)
	if !ok {
		return nil
	}
	if r.skipped(ctx, reg.schema.Name) {
		return nil
	}
	if r.cfg.Loader == nil {
		return fmt.Errorf("auditry: update %s: %w", reg.schema.Name, ErrNoLoader)
	}

	persisted, err := r.cfg.Loader.Load(ctx, ev.Entity)
	if errors.Is(err, ErrNotFound) {
		// The row vanished or was never written: nothing to compare against.
		r.cfg.Metrics.skip(reg.schema.Name, SkipReasonNotFound)
		r.logger.Debug("persisted record not found, update not logged",
			zap.String("entity_type", reg.schema.Name),
			zap.String("entity_id", idOf(ev.Entity)))
		return nil
	}
	if err != nil {
		return fmt.Errorf("auditry: failed to load persisted %s: %w", reg.schema.Name, err)
	}

	changes := Diff(Capture(persisted), Capture(ev.Entity), reg.cfg)
	if changes.Empty() {
		r.cfg.Metrics.skip(reg.schema.Name, SkipReasonNoChanges)
		return nil
	}
	return r.CreateLogEntry(ctx, ev.Entity, ActionUpdate, changes)
}

// logDelete writes a DELETE entry after a persisted entity is deleted.
// Deletion is always logged, even with an empty change set.
func (r *Registry) logDelete(ctx context.Context, ev Event) error {
	if ev.Entity == nil {
		return nil
	}
	if _, ok := ev.Entity.AuditID(); !ok {
		return nil
	}
	reg, ok := r.lookup(ev.Entity)
	if !ok {
		return nil
	}
	if r.skipped(ctx, reg.schema.Name) {
		return nil
	}
	changes := Diff(Capture(ev.Entity), nil, reg.cfg)
	return r.CreateLogEntry(ctx, ev.Entity, ActionDelete, changes)
}

// logRelation writes an UPDATE entry for a pending relation-set mutation.
// Only the about-to-add and about-to-remove phases carry a clean before/after pair.
func (r *Registry) logRelation(ctx context.Context, ev Event) error {
	rc := ev.Relation
	if rc == nil || ev.Entity == nil {
		return nil
	}
	if rc.Action != RelationAboutToAdd && rc.Action != RelationAboutToRemove {
		return nil
	}
	reg, ok := r.lookup(ev.Entity)
	if !ok {
		return nil
	}
	field := relationField(reg.schema, ev.Sender, rc.Field)
	if field == "" || !reg.cfg.Tracks(field) {
		return nil
	}
	if r.skipped(ctx, reg.schema.Name) {
		return nil
	}
	if r.cfg.Loader == nil {
		return fmt.Errorf("auditry: relation %s.%s: %w", reg.schema.Name, field, ErrNoLoader)
	}

	current, err := r.cfg.Loader.Related(ctx, ev.Entity, field)
	if err != nil {
		return fmt.Errorf("auditry: failed to load relation %s.%s: %w", reg.schema.Name, field, err)
	}
	current = distinct(current)

	var next []Entity
	switch rc.Action {
	case RelationAboutToAdd:
		next = distinct(append(slices.Clone(current), rc.Targets...))
	case RelationAboutToRemove:
		drop := idSet(rc.Targets)
		for _, e := range current {
			if _, ok := drop[entityKey(e)]; !ok {
				next = append(next, e)
			}
		}
	}

	oldValue, newValue := displayAll(current), displayAll(next)
	if slices.Equal(oldValue, newValue) {
		return nil
	}
	changes := ChangeSet{{
		Field: reg.cfg.DisplayName(field),
		Old:   listValue(oldValue),
		New:   listValue(newValue),
	}}
	return r.CreateLogEntry(ctx, ev.Entity, ActionUpdate, changes)
}

func (r *Registry) skipped(ctx context.Context, entityType string) bool {
	if !extractSkip(ctx) {
		return false
	}
	r.cfg.Metrics.skip(entityType, SkipReasonSkipped)
	return true
}

// relationField finds the relation field bound to the association sender.
func relationField(s Schema, sender, hint string) string {
	for _, rel := range s.Relations {
		if rel.Through == sender {
			return rel.Field
		}
	}
	for _, rel := range s.Relations {
		if rel.Field == hint {
			return rel.Field
		}
	}
	return ""
}

// entityKey identifies e among entities of the same relation.
// Entities without an identifier fall back to their display string.
func entityKey(e Entity) string {
	if id, ok := e.AuditID(); ok {
		return Format(id).String()
	}
	return "~" + displayOf(e)
}

func idSet(es []Entity) map[string]struct{} {
	out := make(map[string]struct{}, len(es))
	for _, e := range es {
		out[entityKey(e)] = struct{}{}
	}
	return out
}

func distinct(es []Entity) []Entity {
	seen := make(map[string]struct{}, len(es))
	out := make([]Entity, 0, len(es))
	for _, e := range es {
		if e == nil {
			continue
		}
		k := entityKey(e)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, e)
	}
	return out
}

func displayAll(es []Entity) []string {
	out := make([]string, 0, len(es))
	for _, e := range es {
		out = append(out, displayOf(e))
	}
	return out
}
