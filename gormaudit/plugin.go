// Package gormaudit connects auditry to GORM.
//
// The Plugin turns gorm create, update and delete callbacks into auditry events
// and serves as the auditry.Loader, reading persisted state in the session of the
// statement being audited. Updates are diffed for whole-model saves, for
// Update/Updates on a model with a primary key and for upserts of existing rows.
// Batch updates through Where without a model identifier are not diffed.
package gormaudit

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"

	"github.com/mickamy/auditry"
)

// Config defines the options of a Plugin.
type Config struct {
	Logger *zap.Logger
}

// Plugin is a gorm.Plugin emitting auditry lifecycle events on a Bus.
type Plugin struct {
	bus    *auditry.Bus
	logger *zap.Logger
	db     *gorm.DB
	cache  sync.Map
}

var (
	_ gorm.Plugin    = (*Plugin)(nil)
	_ auditry.Loader = (*Plugin)(nil)
)

// New returns a Plugin emitting on bus.
func New(bus *auditry.Bus, cfg Config) *Plugin {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Plugin{bus: bus, logger: cfg.Logger.Named("gormaudit")}
}

func (p *Plugin) Name() string {
	return "auditry"
}

// Initialize registers the callbacks. It is called by db.Use.
func (p *Plugin) Initialize(db *gorm.DB) error {
	p.db = db
	cb := db.Callback()
	if err := cb.Create().Before("gorm:create").Register("auditry:before_create", p.beforeCreate); err != nil {
		return err
	}
	if err := cb.Create().After("gorm:create").Register("auditry:after_create", p.afterCreate); err != nil {
		return err
	}
	if err := cb.Update().Before("gorm:update").Register("auditry:before_update", p.beforeUpdate); err != nil {
		return err
	}
	return cb.Delete().After("gorm:delete").Register("auditry:after_delete", p.afterDelete)
}

// existingKey holds the indexes of upserted instances whose row already exists.
const existingKey = "auditry:existing"

// beforeCreate sorts the instances of an upsert: rows that already exist are
// updates, not creations.
func (p *Plugin) beforeCreate(db *gorm.DB) {
	oc, ok := onConflict(db)
	if !ok {
		return
	}
	sch, creates := p.listening(db, auditry.EventAfterCreate)
	_, updates := p.listening(db, auditry.EventBeforeUpdate)
	if !creates && !updates {
		return
	}

	ctx := WithDB(statementContext(db), db)
	existing := map[int]bool{}
	var changed []auditry.Entity
	for i, rv := range instances(db.Statement.ReflectValue) {
		e := newEntity(sch, rv)
		if _, ok := e.AuditID(); !ok {
			continue
		}
		persisted, err := p.Load(ctx, e)
		if errors.Is(err, auditry.ErrNotFound) {
			continue
		}
		if err != nil {
			_ = db.AddError(err)
			return
		}
		existing[i] = true
		if next := upserted(ctx, oc, persisted.(*entity), rv); next != nil {
			changed = append(changed, next)
		}
	}
	db.InstanceSet(existingKey, existing)
	if updates {
		p.emit(db, auditry.EventBeforeUpdate, changed)
	}
}

func (p *Plugin) afterCreate(db *gorm.DB) {
	sch, ok := p.listening(db, auditry.EventAfterCreate)
	if !ok || db.RowsAffected == 0 {
		return
	}
	var existing map[int]bool
	if v, ok := db.InstanceGet(existingKey); ok {
		existing, _ = v.(map[int]bool)
	}
	var created []auditry.Entity
	for i, rv := range instances(db.Statement.ReflectValue) {
		if !existing[i] {
			created = append(created, newEntity(sch, rv))
		}
	}
	p.emit(db, auditry.EventAfterCreate, created)
}

func (p *Plugin) beforeUpdate(db *gorm.DB) {
	sch, ok := p.listening(db, auditry.EventBeforeUpdate)
	if !ok {
		return
	}
	// A partial update leaves unnamed columns as persisted, whatever the model holds.
	cols := partial(db)
	ctx := WithDB(statementContext(db), db)
	var pendings []auditry.Entity
	for _, rv := range instances(db.Statement.ReflectValue) {
		e := newEntity(sch, rv)
		if _, ok := e.AuditID(); cols && ok {
			persisted, err := p.Load(ctx, e)
			switch {
			case err == nil:
				e = newEntity(sch, applyDest(db, persisted.(*entity).value))
			case !errors.Is(err, auditry.ErrNotFound):
				_ = db.AddError(err)
				return
			}
		}
		pendings = append(pendings, e)
	}
	p.emit(db, auditry.EventBeforeUpdate, pendings)
}

func (p *Plugin) afterDelete(db *gorm.DB) {
	sch, ok := p.listening(db, auditry.EventAfterDelete)
	if !ok || db.RowsAffected == 0 {
		return
	}
	var deleted []auditry.Entity
	for _, rv := range instances(db.Statement.ReflectValue) {
		deleted = append(deleted, newEntity(sch, rv))
	}
	p.emit(db, auditry.EventAfterDelete, deleted)
}

// listening returns the statement schema when a handler listens for kind on it.
func (p *Plugin) listening(db *gorm.DB, kind auditry.EventKind) (*schema.Schema, bool) {
	sch := db.Statement.Schema
	if db.Error != nil || sch == nil {
		return nil, false
	}
	return sch, p.bus.Has(kind, sch.Table)
}

func (p *Plugin) emit(db *gorm.DB, kind auditry.EventKind, entities []auditry.Entity) {
	if len(entities) == 0 {
		return
	}
	sch := db.Statement.Schema
	ctx := WithDB(statementContext(db), db)
	for _, e := range entities {
		ev := auditry.Event{
			Kind:    kind,
			Sender:  sch.Table,
			Entity:  e,
			Created: kind == auditry.EventAfterCreate,
		}
		if err := p.bus.Emit(ctx, ev); err != nil {
			p.logger.Debug("event handler failed",
				zap.String("event", kind.String()),
				zap.String("entity_type", sch.Table),
				zap.Error(err))
			_ = db.AddError(err)
			return
		}
	}
}

// Resolve converts a gorm model into an auditry.Entity. Use it as auditry.Config.Resolve.
func (p *Plugin) Resolve(model any) (auditry.Entity, error) {
	if p.db == nil {
		return nil, errors.New("gormaudit: plugin not initialized")
	}
	sch, err := schema.Parse(model, &p.cache, p.db.NamingStrategy)
	if err != nil {
		return nil, err
	}
	rv := reflect.ValueOf(model)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			rv = reflect.New(rv.Type().Elem())
		}
		rv = rv.Elem()
	} else {
		rv = copyStruct(rv)
	}
	if rv.Kind() != reflect.Struct {
		return nil, fmt.Errorf("gormaudit: %T is not a struct model", model)
	}
	return newEntity(sch, rv), nil
}

// Load reads the persisted row of e by primary key.
func (p *Plugin) Load(ctx context.Context, e auditry.Entity) (auditry.Entity, error) {
	ge, ok := e.(*entity)
	if !ok {
		return nil, fmt.Errorf("gormaudit: %T is not a gorm entity", e)
	}
	pf := ge.schema.PrioritizedPrimaryField
	if pf == nil {
		return nil, fmt.Errorf("gormaudit: %s has no primary key", ge.schema.Table)
	}
	id, zero := pf.ValueOf(ctx, ge.value)
	if zero {
		return nil, fmt.Errorf("gormaudit: %s without primary key: %w", ge.schema.Table, auditry.ErrNotFound)
	}

	dest := reflect.New(ge.schema.ModelType)
	err := p.session(ctx).
		Where(clause.Eq{Column: clause.Column{Table: clause.CurrentTable, Name: pf.DBName}, Value: id}).
		Take(dest.Interface()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("gormaudit: %s %v: %w", ge.schema.Table, id, auditry.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return newEntity(ge.schema, dest.Elem()), nil
}

// Related reads the members of a many-to-many relation of owner.
func (p *Plugin) Related(ctx context.Context, owner auditry.Entity, field string) ([]auditry.Entity, error) {
	ge, ok := owner.(*entity)
	if !ok {
		return nil, fmt.Errorf("gormaudit: %T is not a gorm entity", owner)
	}
	rel, ok := ge.schema.Relationships.Relations[field]
	if !ok {
		return nil, fmt.Errorf("gormaudit: %s has no relation %q", ge.schema.Table, field)
	}

	// Load into a fresh owner so the in-memory relation field is left as is.
	holder := reflect.New(ge.schema.ModelType)
	for _, pf := range ge.schema.PrimaryFields {
		v, _ := pf.ValueOf(ctx, ge.value)
		if err := pf.Set(ctx, holder.Elem(), v); err != nil {
			return nil, err
		}
	}
	dest := reflect.New(reflect.SliceOf(reflect.PointerTo(rel.FieldSchema.ModelType)))
	if err := p.session(ctx).Model(holder.Interface()).Association(field).Find(dest.Interface()); err != nil {
		return nil, err
	}

	items := dest.Elem()
	out := make([]auditry.Entity, 0, items.Len())
	for i := 0; i < items.Len(); i++ {
		out = append(out, newEntity(rel.FieldSchema, items.Index(i).Elem()))
	}
	return out, nil
}

// session returns a fresh statement on the connection bound to ctx.
func (p *Plugin) session(ctx context.Context) *gorm.DB {
	return dbFrom(ctx, p.db).Session(&gorm.Session{NewDB: true, Context: ctx})
}

func statementContext(db *gorm.DB) context.Context {
	if db.Statement.Context != nil {
		return db.Statement.Context
	}
	return context.Background()
}

// instances lists the struct values held by a statement.
func instances(rv reflect.Value) []reflect.Value {
	switch rv.Kind() {
	case reflect.Struct:
		return []reflect.Value{rv}
	case reflect.Slice, reflect.Array:
		out := make([]reflect.Value, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			v := reflect.Indirect(rv.Index(i))
			if v.Kind() == reflect.Struct {
				out = append(out, v)
			}
		}
		return out
	}
	return nil
}
