package auditry

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"github.com/jinzhu/inflection"
)

// TableNamer provides a custom entity type name for a model.
type TableNamer interface {
	TableName() string
}

var tableNamerType = reflect.TypeOf((*TableNamer)(nil)).Elem()

// EntityName derives the entity type name of a model: TableName() when implemented,
// otherwise the pluralised snake_case name of its struct type.
func EntityName(model any) (string, error) {
	return entityName(model)
}

func entityName(model any) (string, error) {
	if model == nil {
		return "", errors.New("auditry: nil model")
	}
	if namer, ok := model.(TableNamer); ok {
		return namerName(model, namer)
	}

	val := reflect.ValueOf(model)
	typ := val.Type()
	if typ.Kind() == reflect.Pointer {
		if val.IsNil() {
			return "", fmt.Errorf("auditry: nil pointer model %T", model)
		}
		typ = typ.Elem()
		val = val.Elem()
		if namer, ok := val.Interface().(TableNamer); ok {
			return namerName(model, namer)
		}
	}

	if typ.Kind() != reflect.Struct {
		return "", fmt.Errorf("auditry: cannot derive entity name for %T", model)
	}
	if reflect.PointerTo(typ).Implements(tableNamerType) {
		if namer, ok := reflect.New(typ).Interface().(TableNamer); ok {
			return namerName(model, namer)
		}
	}
	if typ.Name() == "" {
		return "", fmt.Errorf("auditry: cannot derive entity name for anonymous struct of type %v", typ)
	}
	return inflection.Plural(toSnakeCase(typ.Name())), nil
}

func namerName(model any, namer TableNamer) (string, error) {
	name := strings.TrimSpace(namer.TableName())
	if name == "" {
		return "", fmt.Errorf("auditry: TableName returned empty string. %T", model)
	}
	return name, nil
}

func toSnakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
