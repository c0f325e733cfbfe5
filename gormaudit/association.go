package gormaudit

import (
	"fmt"
	"reflect"

	"gorm.io/gorm"

	"github.com/mickamy/auditry"
)

// Association mutates a many-to-many relation of one owner and emits relation
// events around each mutation. gorm itself has no relation-set callbacks.
type Association struct {
	p     *Plugin
	db    *gorm.DB
	owner any
	field string
}

// Association returns the relation field of owner, operating through db.
func (p *Plugin) Association(db *gorm.DB, owner any, field string) *Association {
	return &Association{p: p, db: db, owner: owner, field: field}
}

// Append adds values to the relation.
func (a *Association) Append(values ...any) error {
	return a.mutate(auditry.RelationAboutToAdd, auditry.RelationAdded, values, func(as *gorm.Association) error {
		return as.Append(values...)
	})
}

// Delete removes values from the relation.
func (a *Association) Delete(values ...any) error {
	return a.mutate(auditry.RelationAboutToRemove, auditry.RelationRemoved, values, func(as *gorm.Association) error {
		return as.Delete(values...)
	})
}

// Clear removes every member of the relation.
func (a *Association) Clear() error {
	return a.mutate(auditry.RelationAboutToClear, auditry.RelationCleared, nil, func(as *gorm.Association) error {
		return as.Clear()
	})
}

func (a *Association) mutate(pre, post auditry.RelationAction, values []any, apply func(*gorm.Association) error) error {
	owner, err := a.p.Resolve(a.owner)
	if err != nil {
		return err
	}
	ge := owner.(*entity)
	rel, ok := ge.schema.Relationships.Relations[a.field]
	if !ok || rel.JoinTable == nil {
		return fmt.Errorf("gormaudit: %s has no many-to-many relation %q", ge.schema.Table, a.field)
	}
	// Resolve copies non-pointer models; events must see the caller's value.
	if rv := reflect.ValueOf(a.owner); rv.Kind() == reflect.Pointer {
		ge = newEntity(ge.schema, rv.Elem())
	}

	targets, err := a.targets(values)
	if err != nil {
		return err
	}
	ctx := WithDB(statementContext(a.db), a.db)
	ev := auditry.Event{
		Kind:     auditry.EventRelationChanged,
		Sender:   rel.JoinTable.Table,
		Entity:   ge,
		Relation: &auditry.RelationChange{Field: a.field, Action: pre, Targets: targets},
	}
	if err := a.p.bus.Emit(ctx, ev); err != nil {
		return err
	}
	if err := apply(a.db.Model(a.owner).Association(a.field)); err != nil {
		return err
	}
	ev.Relation = &auditry.RelationChange{Field: a.field, Action: post, Targets: targets}
	return a.p.bus.Emit(ctx, ev)
}

// targets resolves association values, expanding slices.
func (a *Association) targets(values []any) ([]auditry.Entity, error) {
	var out []auditry.Entity
	for _, v := range values {
		rv := reflect.Indirect(reflect.ValueOf(v))
		if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
			for i := 0; i < rv.Len(); i++ {
				item := rv.Index(i)
				if item.Kind() != reflect.Pointer && item.CanAddr() {
					item = item.Addr()
				}
				e, err := a.p.Resolve(item.Interface())
				if err != nil {
					return nil, err
				}
				out = append(out, e)
			}
			continue
		}
		e, err := a.p.Resolve(v)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
