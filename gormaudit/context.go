package gormaudit

import (
	"context"

	"gorm.io/gorm"
)

type dbKey struct{}

// WithDB binds db to ctx so the Loader and Store use it, typically a transaction.
// Callbacks bind the statement's own connection automatically.
func WithDB(ctx context.Context, db *gorm.DB) context.Context {
	return context.WithValue(ctx, dbKey{}, db)
}

// dbFrom returns the db bound to ctx, or def.
func dbFrom(ctx context.Context, def *gorm.DB) *gorm.DB {
	if db, ok := ctx.Value(dbKey{}).(*gorm.DB); ok && db != nil {
		return db
	}
	return def
}
