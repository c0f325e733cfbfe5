package auditry

import (
	"fmt"
)

// Schema describes a tracked entity type.
type Schema struct {
	Name      string     // entity type name, e.g. "articles"; derived from the Go type when empty
	Fields    []string   // scalar fields in declaration order
	Relations []Relation // many-to-many relations
}

// Relation describes a many-to-many relation declared on an entity type.
// Relation events are dispatched on the association (Through), not on the owner.
type Relation struct {
	Field   string // relation field on the owner, e.g. "tags"
	Through string // association name, e.g. "article_tags"
}

// Entity is implemented by every type auditry can track.
type Entity interface {
	// AuditSchema returns the schema of the entity type.
	AuditSchema() Schema
	// AuditID returns the persisted identifier. ok is false for entities not yet persisted.
	AuditID() (id any, ok bool)
	// AuditValue returns the value of a declared scalar field. ok is false if the field is unset.
	AuditValue(field string) (v any, ok bool)
}

// Displayer customises how an entity is listed in relation changes.
type Displayer interface {
	AuditString() string
}

// FieldFormatter overrides the canonical string form of field values.
type FieldFormatter interface {
	AuditFormat(field string, v any) Value
}

// ResolveFunc converts an arbitrary model value into an Entity.
type ResolveFunc func(model any) (Entity, error)

// schemaOf returns the schema of e with its name filled in.
func schemaOf(e Entity) Schema {
	s := e.AuditSchema()
	if s.Name == "" {
		if name, err := entityName(e); err == nil {
			s.Name = name
		}
	}
	return s
}

// idOf returns the canonical string form of the entity identifier, or "" if not persisted.
func idOf(e Entity) string {
	id, ok := e.AuditID()
	if !ok {
		return ""
	}
	return Format(id).String()
}

// displayOf renders e for relation listings.
func displayOf(e Entity) string {
	switch v := e.(type) {
	case Displayer:
		return v.AuditString()
	case fmt.Stringer:
		return v.String()
	}
	return fmt.Sprintf("%s(%s)", schemaOf(e).Name, idOf(e))
}
