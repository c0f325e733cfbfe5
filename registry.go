package auditry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrNotEntity is returned when registering a value that is not a trackable entity type.
	ErrNotEntity = errors.New("auditry: not a valid entity type")
	// ErrNotRegistered is returned when looking up an entity type that is not registered.
	ErrNotRegistered = errors.New("auditry: entity type not registered")
	// ErrNotFound is returned by Loader implementations when no persisted record exists.
	ErrNotFound = errors.New("auditry: record not found")
	// ErrNoLoader is returned when an event needs persisted state and no Loader is configured.
	ErrNoLoader = errors.New("auditry: no loader configured")
)

// RedactFunc defines a function used to sanitize or mask values before logging.
type RedactFunc func(field string, v Value) Value

// RedactMap maps display field names to specific redaction functions.
type RedactMap map[string]RedactFunc

// Config defines the main configuration options for a Registry.
type Config struct {
	Dispatcher Dispatcher  // event source to bind to (default: NewBus())
	Store      Store       // log entry sink (default: NewMemoryStore())
	Loader     Loader      // persisted state reader; required for update and relation events
	Resolve    ResolveFunc // converts registered models that do not implement Entity

	DisableCreate bool // do not track creations
	DisableUpdate bool // do not track updates and relation changes
	DisableDelete bool // do not track deletions

	Handlers map[EventKind]EventHandler // replaces or adds the handler bound for a kind

	Redact  RedactMap
	Clock   func() time.Time
	Logger  *zap.Logger
	Metrics *Metrics
}

type registration struct {
	schema Schema
	cfg    TrackingConfig
}

// Registry maps entity types to their tracking configuration and binds their
// lifecycle events to the change handlers.
type Registry struct {
	id       string
	cfg      Config
	handlers map[EventKind]EventHandler
	logger   *zap.Logger

	mu      sync.RWMutex
	entries map[string]registration
}

// New creates a Registry with sensible defaults.
func New(cfg Config) *Registry {
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = NewBus()
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Redact == nil {
		cfg.Redact = RedactMap{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	r := &Registry{
		id:       uuid.NewString(),
		cfg:      cfg,
		handlers: map[EventKind]EventHandler{},
		logger:   cfg.Logger.Named("auditry"),
		entries:  map[string]registration{},
	}
	if !cfg.DisableCreate {
		r.handlers[EventAfterCreate] = r.logCreate
	}
	if !cfg.DisableUpdate {
		r.handlers[EventBeforeUpdate] = r.logUpdate
		r.handlers[EventRelationChanged] = r.logRelation
	}
	if !cfg.DisableDelete {
		r.handlers[EventAfterDelete] = r.logDelete
	}
	for kind, h := range cfg.Handlers {
		r.handlers[kind] = h
	}
	return r
}

// Dispatcher returns the event source the registry binds to.
func (r *Registry) Dispatcher() Dispatcher {
	return r.cfg.Dispatcher
}

// Register starts tracking the entity type of model, replacing any previous
// configuration for it. Registering the same type again never duplicates bindings.
func (r *Registry) Register(model any, cfg TrackingConfig) error {
	_, err := r.register(model, cfg)
	return err
}

// Track registers model and returns it unchanged, for registration at
// package-level variable initialisation. It panics if model is not an entity type.
//
//	var articleModel = auditry.Track(registry, &Article{}, auditry.TrackingConfig{})
func Track[T any](r *Registry, model T, cfg TrackingConfig) T {
	if _, err := r.register(model, cfg); err != nil {
		panic(err)
	}
	return model
}

func (r *Registry) register(model any, cfg TrackingConfig) (Schema, error) {
	e, err := r.resolve(model)
	if err != nil {
		return Schema{}, err
	}
	s := schemaOf(e)
	if s.Name == "" {
		return Schema{}, fmt.Errorf("auditry: %T has no entity name: %w", model, ErrNotEntity)
	}

	r.mu.Lock()
	prev, existed := r.entries[s.Name]
	r.entries[s.Name] = registration{schema: s, cfg: cfg.clone()}
	r.mu.Unlock()

	if existed {
		r.disconnect(prev.schema)
	}
	r.connect(s)
	r.logger.Info("registered entity type",
		zap.String("entity_type", s.Name),
		zap.Strings("include", cfg.IncludeFields),
		zap.Strings("exclude", cfg.ExcludeFields))
	return s, nil
}

// Unregister stops tracking the entity type of model. Persisted entries are left untouched.
func (r *Registry) Unregister(model any) {
	name, ok := r.nameOf(model)
	if !ok {
		return
	}
	r.mu.Lock()
	reg, existed := r.entries[name]
	delete(r.entries, name)
	r.mu.Unlock()
	if !existed {
		return
	}
	r.disconnect(reg.schema)
	r.logger.Info("unregistered entity type", zap.String("entity_type", name))
}

// Contains reports whether the entity type of model is registered.
func (r *Registry) Contains(model any) bool {
	name, ok := r.nameOf(model)
	if !ok {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok = r.entries[name]
	return ok
}

// GetFields returns the tracking configuration of the entity type of model.
func (r *Registry) GetFields(model any) (TrackingConfig, error) {
	name, ok := r.nameOf(model)
	if !ok {
		return TrackingConfig{}, fmt.Errorf("auditry: %T: %w", model, ErrNotRegistered)
	}
	r.mu.RLock()
	reg, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return TrackingConfig{}, fmt.Errorf("auditry: %s: %w", name, ErrNotRegistered)
	}
	return reg.cfg.clone(), nil
}

func (r *Registry) resolve(model any) (Entity, error) {
	if e, ok := model.(Entity); ok && e != nil {
		return e, nil
	}
	if model != nil && r.cfg.Resolve != nil {
		e, err := r.cfg.Resolve(model)
		if err == nil && e != nil {
			return e, nil
		}
		if err != nil {
			return nil, fmt.Errorf("auditry: %T: %w: %v", model, ErrNotEntity, err)
		}
	}
	return nil, fmt.Errorf("auditry: %T: %w", model, ErrNotEntity)
}

func (r *Registry) nameOf(model any) (string, bool) {
	e, err := r.resolve(model)
	if err != nil {
		return "", false
	}
	s := schemaOf(e)
	return s.Name, s.Name != ""
}

func (r *Registry) lookup(e Entity) (registration, bool) {
	name := schemaOf(e).Name
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[name]
	return reg, ok
}

func (r *Registry) key(kind EventKind, sender string) DispatchKey {
	return DispatchKey{Owner: r.id, Kind: kind, Sender: sender}
}

// senders returns the senders a kind is bound to for schema s.
// Relation events fire on the association, not on the owning entity.
func senders(kind EventKind, s Schema) []string {
	if kind != EventRelationChanged {
		return []string{s.Name}
	}
	out := make([]string, 0, len(s.Relations))
	for _, rel := range s.Relations {
		out = append(out, rel.Through)
	}
	return out
}

func (r *Registry) connect(s Schema) {
	for kind, h := range r.handlers {
		for _, sender := range senders(kind, s) {
			r.cfg.Dispatcher.Subscribe(r.key(kind, sender), h)
		}
	}
}

func (r *Registry) disconnect(s Schema) {
	for kind := range r.handlers {
		for _, sender := range senders(kind, s) {
			r.cfg.Dispatcher.Unsubscribe(r.key(kind, sender))
		}
	}
}

// CreateLogEntry persists one log entry for e. It is the only write path of the registry.
func (r *Registry) CreateLogEntry(ctx context.Context, e Entity, action Action, changes ChangeSet) error {
	me := extractMeta(ctx)
	entry := LogEntry{
		EntityType: schemaOf(e).Name,
		EntityID:   idOf(e),
		Action:     action,
		Changes:    r.applyRedact(changes),
		Timestamp:  r.cfg.Clock().UTC(),
		Actor:      me.actor,
		TraceID:    me.traceID,
		Reason:     me.reason,
	}
	if err := r.cfg.Store.Append(ctx, entry); err != nil {
		return err
	}
	r.cfg.Metrics.recorded(entry.EntityType, action)
	r.logger.Debug("log entry created",
		zap.String("entity_type", entry.EntityType),
		zap.String("entity_id", entry.EntityID),
		zap.String("action", string(action)),
		zap.Strings("changes", changes.Fields()))
	return nil
}

// applyRedact returns a redacted copy of changes using cfg.Redact.
func (r *Registry) applyRedact(changes ChangeSet) ChangeSet {
	if changes == nil || len(r.cfg.Redact) == 0 {
		return changes
	}
	out := make(ChangeSet, len(changes))
	for i, c := range changes {
		if fn, ok := r.cfg.Redact[c.Field]; ok && fn != nil {
			c.Old = fn(c.Field, c.Old)
			c.New = fn(c.Field, c.New)
		}
		out[i] = c
	}
	return out
}
