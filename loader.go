package auditry

import (
	"context"
)

// Loader reads persisted state from the host persistence layer.
type Loader interface {
	// Load returns the currently persisted version of e, looked up by its identifier.
	// It returns an error wrapping ErrNotFound when no such record exists.
	Load(ctx context.Context, e Entity) (Entity, error)
	// Related returns the entities currently related to owner through the relation field.
	Related(ctx context.Context, owner Entity, field string) ([]Entity, error)
}
