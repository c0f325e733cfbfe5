package gormaudit

import (
	"context"
	"fmt"
	"reflect"

	"gorm.io/gorm/schema"

	"github.com/mickamy/auditry"
)

// entity exposes a gorm model value through its parsed schema.
// Scalar fields are named by column, relations by struct field.
type entity struct {
	schema *schema.Schema
	value  reflect.Value // addressable struct
}

func newEntity(sch *schema.Schema, rv reflect.Value) *entity {
	return &entity{schema: sch, value: rv}
}

func (e *entity) AuditSchema() auditry.Schema {
	fields := make([]string, 0, len(e.schema.DBNames))
	fields = append(fields, e.schema.DBNames...)

	var rels []auditry.Relation
	for _, rel := range e.schema.Relationships.Many2Many {
		if rel.JoinTable == nil {
			continue
		}
		rels = append(rels, auditry.Relation{Field: rel.Name, Through: rel.JoinTable.Table})
	}
	return auditry.Schema{Name: e.schema.Table, Fields: fields, Relations: rels}
}

func (e *entity) AuditID() (any, bool) {
	pf := e.schema.PrioritizedPrimaryField
	if pf == nil {
		return nil, false
	}
	v, zero := pf.ValueOf(context.Background(), e.value)
	return v, !zero
}

func (e *entity) AuditValue(field string) (any, bool) {
	f, ok := e.schema.FieldsByDBName[field]
	if !ok {
		return nil, false
	}
	v, _ := f.ValueOf(context.Background(), e.value)
	return v, true
}

// AuditString renders the model for relation listings: its own AuditString or
// String method when present, table(id) otherwise.
func (e *entity) AuditString() string {
	switch m := e.Model().(type) {
	case auditry.Displayer:
		return m.AuditString()
	case fmt.Stringer:
		return m.String()
	}
	id, _ := e.AuditID()
	return fmt.Sprintf("%s(%s)", e.schema.Table, auditry.Format(id))
}

// Model returns a pointer to the underlying model.
func (e *entity) Model() any {
	if e.value.CanAddr() {
		return e.value.Addr().Interface()
	}
	return e.value.Interface()
}
