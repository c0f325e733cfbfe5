package auditry

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/spf13/cast"
)

// Value is the canonical string form of a field value.
// The zero Value is absent: the field is unset or the snapshot does not exist.
type Value struct {
	s     string
	valid bool
}

// Absent is the Value of a missing field.
var Absent Value

// Text returns a present Value holding s.
func Text(s string) Value {
	return Value{s: s, valid: true}
}

// Valid reports whether the value is present.
func (v Value) Valid() bool {
	return v.valid
}

// String returns the canonical string, or "" when absent.
func (v Value) String() string {
	return v.s
}

func (v Value) MarshalJSON() ([]byte, error) {
	if !v.valid {
		return []byte("null"), nil
	}
	return json.Marshal(v.s)
}

func (v *Value) UnmarshalJSON(b []byte) error {
	var s *string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == nil {
		*v = Absent
		return nil
	}
	*v = Text(*s)
	return nil
}

// TimePrecision is the resolution of formatted times. Databases commonly store
// microseconds, so finer digits would differ between a model and its reloaded row.
const TimePrecision = time.Microsecond

// Format converts an arbitrary field value to its canonical string form.
// Formatting never depends on locale. fmt.Stringer wins over the underlying kind.
func Format(v any) Value {
	if v == nil {
		return Absent
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return Absent
		}
		elem := rv.Elem().Interface()
		if out, ok := viaPointer(v, elem); ok {
			return out
		}
		return Format(elem)
	}

	switch x := v.(type) {
	case Value:
		return x
	case time.Time:
		return Text(x.UTC().Truncate(TimePrecision).Format(time.RFC3339Nano))
	case []byte:
		if x == nil {
			return Absent
		}
		return Text(string(x))
	case driver.Valuer:
		dv, err := x.Value()
		if err != nil {
			return Text(fmt.Sprint(v))
		}
		return Format(dv)
	case fmt.Stringer:
		return Text(x.String())
	}

	if s, err := cast.ToStringE(v); err == nil {
		return Text(s)
	}

	// named basic types, which cast does not convert
	switch rv.Kind() {
	case reflect.String:
		return Text(rv.String())
	case reflect.Bool:
		return Text(strconv.FormatBool(rv.Bool()))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Text(strconv.FormatInt(rv.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return Text(strconv.FormatUint(rv.Uint(), 10))
	case reflect.Float32:
		return Text(strconv.FormatFloat(rv.Float(), 'f', -1, 32))
	case reflect.Float64:
		return Text(strconv.FormatFloat(rv.Float(), 'f', -1, 64))
	}

	if b, err := json.Marshal(v); err == nil {
		return Text(string(b))
	}
	return Text(fmt.Sprint(v))
}

// viaPointer formats ptr through the methods only its pointer type declares.
func viaPointer(ptr, elem any) (Value, bool) {
	if _, ok := elem.(driver.Valuer); !ok {
		if x, ok := ptr.(driver.Valuer); ok {
			dv, err := x.Value()
			if err != nil {
				return Text(fmt.Sprint(ptr)), true
			}
			return Format(dv), true
		}
	}
	if _, ok := elem.(fmt.Stringer); !ok {
		if x, ok := ptr.(fmt.Stringer); ok {
			return Text(x.String()), true
		}
	}
	if _, ok := elem.(error); !ok {
		if x, ok := ptr.(error); ok {
			return Text(x.Error()), true
		}
	}
	return Absent, false
}

// listValue encodes a relation listing.
func listValue(items []string) Value {
	if items == nil {
		items = []string{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return Text(fmt.Sprint(items))
	}
	return Text(string(b))
}
