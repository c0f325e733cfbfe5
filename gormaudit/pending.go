package gormaudit

import (
	"context"
	"reflect"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mickamy/auditry"
)

// onConflict returns the ON CONFLICT clause of an upsert.
func onConflict(db *gorm.DB) (clause.OnConflict, bool) {
	c, ok := db.Statement.Clauses["ON CONFLICT"]
	if !ok {
		return clause.OnConflict{}, false
	}
	oc, ok := c.Expression.(clause.OnConflict)
	return oc, ok
}

// upserted returns the row an upsert will leave behind for an existing record,
// or nil when the conflict leaves the row as is.
func upserted(ctx context.Context, oc clause.OnConflict, persisted *entity, rv reflect.Value) auditry.Entity {
	sch := persisted.schema
	if oc.UpdateAll {
		return newEntity(sch, rv)
	}
	if oc.DoNothing || len(oc.DoUpdates) == 0 {
		return nil
	}
	next := copyStruct(persisted.value)
	for _, a := range oc.DoUpdates {
		f := sch.LookUpField(a.Column.Name)
		if f == nil {
			continue
		}
		switch v := a.Value.(type) {
		case clause.Column:
			// excluded.<column> is the value proposed for insertion.
			src := sch.LookUpField(v.Name)
			if v.Table != "excluded" || src == nil {
				continue
			}
			val, _ := src.ValueOf(ctx, rv)
			_ = f.Set(ctx, next, val)
		case clause.Expression:
			// computed by the database, unknown before the write
		default:
			_ = f.Set(ctx, next, v)
		}
	}
	return newEntity(sch, next)
}

// partial reports whether an update statement writes only some columns, given
// as a map or as a struct other than the model itself.
func partial(db *gorm.DB) bool {
	stmt := db.Statement
	dv := reflect.ValueOf(stmt.Dest)
	if !dv.IsValid() || samePointer(dv, reflect.ValueOf(stmt.Model)) {
		return false
	}
	dv = reflect.Indirect(dv)
	switch dv.Kind() {
	case reflect.Map:
		return true
	case reflect.Struct:
		return stmt.Schema != nil && dv.Type() == stmt.Schema.ModelType
	}
	return false
}

// applyDest returns a copy of base with the values of a partial update applied.
// Values follow gorm's rules: structs update non-zero fields, maps every key,
// both limited by Select and Omit.
func applyDest(db *gorm.DB, base reflect.Value) reflect.Value {
	stmt := db.Statement
	ctx := statementContext(db)
	selected, restricted := stmt.SelectAndOmitColumns(false, true)
	wanted := func(dbName string, zero bool) bool {
		if v, ok := selected[dbName]; ok {
			return v
		}
		return !restricted && !zero
	}

	next := copyStruct(base)
	dv := reflect.Indirect(reflect.ValueOf(stmt.Dest))
	switch dv.Kind() {
	case reflect.Map:
		iter := dv.MapRange()
		for iter.Next() {
			key, ok := iter.Key().Interface().(string)
			if !ok {
				continue
			}
			f := stmt.Schema.LookUpField(key)
			if f == nil || f.DBName == "" || !wanted(f.DBName, false) {
				continue
			}
			val := iter.Value().Interface()
			if _, ok := val.(clause.Expression); ok {
				continue
			}
			_ = f.Set(ctx, next, val)
		}
	case reflect.Struct:
		for _, f := range stmt.Schema.Fields {
			if f.DBName == "" || f.PrimaryKey {
				continue
			}
			val, zero := f.ValueOf(ctx, dv)
			if wanted(f.DBName, zero) {
				_ = f.Set(ctx, next, val)
			}
		}
	}
	return next
}

func samePointer(a, b reflect.Value) bool {
	return a.IsValid() && b.IsValid() &&
		a.Kind() == reflect.Pointer && b.Kind() == reflect.Pointer &&
		a.Pointer() == b.Pointer()
}

func copyStruct(rv reflect.Value) reflect.Value {
	cp := reflect.New(rv.Type()).Elem()
	cp.Set(rv)
	return cp
}
