package auditry_test

import (
	"context"
	"fmt"

	"github.com/mickamy/auditry"
)

// record is a schema-driven entity used by the tests.
type record struct {
	kind   string
	fields []string
	rels   []auditry.Relation
	id     any
	values map[string]any
	label  string
}

func (r *record) AuditSchema() auditry.Schema {
	return auditry.Schema{Name: r.kind, Fields: r.fields, Relations: r.rels}
}

func (r *record) AuditID() (any, bool) {
	return r.id, r.id != nil
}

func (r *record) AuditValue(field string) (any, bool) {
	v, ok := r.values[field]
	return v, ok
}

func (r *record) AuditString() string {
	return r.label
}

func (r *record) clone() *record {
	cp := *r
	cp.values = make(map[string]any, len(r.values))
	for k, v := range r.values {
		cp.values[k] = v
	}
	return &cp
}

var articleRelations = []auditry.Relation{{Field: "tags", Through: "article_tags"}}

func newArticle(id any, title, body string) *record {
	return &record{
		kind:   "articles",
		fields: []string{"title", "body"},
		rels:   articleRelations,
		id:     id,
		values: map[string]any{"title": title, "body": body},
	}
}

func newTag(id int, name string) *record {
	return &record{kind: "tags", fields: []string{"name"}, id: id, values: map[string]any{"name": name}, label: name}
}

// memory is a host persistence layer keeping records in maps.
type memory struct {
	rows    map[string]*record
	related map[string][]auditry.Entity
	loadErr error
}

func newMemory() *memory {
	return &memory{rows: map[string]*record{}, related: map[string][]auditry.Entity{}}
}

func rowKey(e auditry.Entity) string {
	id, _ := e.AuditID()
	return fmt.Sprintf("%s/%v", e.AuditSchema().Name, id)
}

func (m *memory) Load(_ context.Context, e auditry.Entity) (auditry.Entity, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	r, ok := m.rows[rowKey(e)]
	if !ok {
		return nil, fmt.Errorf("memory: %s: %w", rowKey(e), auditry.ErrNotFound)
	}
	return r.clone(), nil
}

func (m *memory) Related(_ context.Context, owner auditry.Entity, field string) ([]auditry.Entity, error) {
	return m.related[rowKey(owner)+"."+field], nil
}

// host emits lifecycle events around the memory layer, the way an ORM would.
type host struct {
	bus *auditry.Bus
	mem *memory
}

func (h host) create(ctx context.Context, r *record) error {
	h.mem.rows[rowKey(r)] = r.clone()
	return h.bus.Emit(ctx, auditry.Event{Kind: auditry.EventAfterCreate, Sender: r.kind, Entity: r, Created: true})
}

func (h host) save(ctx context.Context, r *record) error {
	if err := h.bus.Emit(ctx, auditry.Event{Kind: auditry.EventBeforeUpdate, Sender: r.kind, Entity: r}); err != nil {
		return err
	}
	h.mem.rows[rowKey(r)] = r.clone()
	return nil
}

func (h host) delete(ctx context.Context, r *record) error {
	delete(h.mem.rows, rowKey(r))
	return h.bus.Emit(ctx, auditry.Event{Kind: auditry.EventAfterDelete, Sender: r.kind, Entity: r})
}

func (h host) relate(ctx context.Context, owner *record, through, field string, action auditry.RelationAction, targets ...auditry.Entity) error {
	return h.bus.Emit(ctx, auditry.Event{
		Kind:     auditry.EventRelationChanged,
		Sender:   through,
		Entity:   owner,
		Relation: &auditry.RelationChange{Field: field, Action: action, Targets: targets},
	})
}

type fixture struct {
	host
	store *auditry.MemoryStore
	reg   *auditry.Registry
}

func newFixture(cfg auditry.Config) fixture {
	bus := auditry.NewBus()
	mem := newMemory()
	store := auditry.NewMemoryStore()
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = bus
	}
	if cfg.Store == nil {
		cfg.Store = store
	}
	if cfg.Loader == nil {
		cfg.Loader = mem
	}
	return fixture{host: host{bus: bus, mem: mem}, store: store, reg: auditry.New(cfg)}
}
