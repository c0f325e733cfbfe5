package auditry

import (
	"context"
	"sync"
)

// EventKind is a persistence lifecycle event.
type EventKind int

const (
	EventAfterCreate EventKind = iota + 1
	EventBeforeUpdate
	EventAfterDelete
	EventRelationChanged
)

func (k EventKind) String() string {
	switch k {
	case EventAfterCreate:
		return "after_create"
	case EventBeforeUpdate:
		return "before_update"
	case EventAfterDelete:
		return "after_delete"
	case EventRelationChanged:
		return "relation_changed"
	}
	return "unknown"
}

// RelationAction is the phase of a relation-set mutation.
type RelationAction int

const (
	RelationAboutToAdd RelationAction = iota + 1
	RelationAboutToRemove
	RelationAboutToClear
	RelationAdded
	RelationRemoved
	RelationCleared
)

func (a RelationAction) String() string {
	switch a {
	case RelationAboutToAdd:
		return "about_to_add"
	case RelationAboutToRemove:
		return "about_to_remove"
	case RelationAboutToClear:
		return "about_to_clear"
	case RelationAdded:
		return "added"
	case RelationRemoved:
		return "removed"
	case RelationCleared:
		return "cleared"
	}
	return "unknown"
}

// RelationChange describes a pending or completed relation-set mutation.
type RelationChange struct {
	Field   string // relation field on the owner; resolved from Sender when empty
	Action  RelationAction
	Targets []Entity // related entities being added or removed
}

// Event is one lifecycle notification.
type Event struct {
	Kind     EventKind
	Sender   string // entity type name, or association name for relation events
	Entity   Entity // the instance; the owner for relation events
	Created  bool   // set on EventAfterCreate when the row was newly inserted
	Relation *RelationChange
}

// EventHandler handles one lifecycle event.
type EventHandler func(ctx context.Context, ev Event) error

// DispatchKey binds one handler to one (kind, sender) pair exactly once.
type DispatchKey struct {
	Owner  string
	Kind   EventKind
	Sender string
}

// Dispatcher is the subscription side of a lifecycle event source.
type Dispatcher interface {
	// Subscribe binds h under key. Subscribing an existing key replaces its handler.
	Subscribe(key DispatchKey, h EventHandler)
	// Unsubscribe removes the binding for key and reports whether it existed.
	Unsubscribe(key DispatchKey) bool
}

type topic struct {
	kind   EventKind
	sender string
}

type subscription struct {
	key DispatchKey
	h   EventHandler
}

// Bus is an in-process Dispatcher that also emits events.
type Bus struct {
	mu   sync.RWMutex
	subs map[topic][]subscription
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: map[topic][]subscription{}}
}

func (b *Bus) Subscribe(key DispatchKey, h EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := topic{kind: key.Kind, sender: key.Sender}
	for i, s := range b.subs[t] {
		if s.key == key {
			b.subs[t][i].h = h
			return
		}
	}
	b.subs[t] = append(b.subs[t], subscription{key: key, h: h})
}

func (b *Bus) Unsubscribe(key DispatchKey) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := topic{kind: key.Kind, sender: key.Sender}
	subs := b.subs[t]
	for i, s := range subs {
		if s.key != key {
			continue
		}
		subs = append(subs[:i:i], subs[i+1:]...)
		if len(subs) == 0 {
			delete(b.subs, t)
		} else {
			b.subs[t] = subs
		}
		return true
	}
	return false
}

// Has reports whether any handler listens for kind on sender.
func (b *Bus) Has(kind EventKind, sender string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic{kind: kind, sender: sender}]) > 0
}

// Len returns the number of bindings.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}

// Emit runs the handlers bound to ev's kind and sender in subscription order.
// The first handler error stops dispatch and is returned as is.
func (b *Bus) Emit(ctx context.Context, ev Event) error {
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs[topic{kind: ev.Kind, sender: ev.Sender}]...)
	b.mu.RUnlock()
	for _, s := range subs {
		if err := s.h(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}
