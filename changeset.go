package auditry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Change is the transition of one field.
type Change struct {
	Field string // display name
	Old   Value
	New   Value
}

// ChangeSet lists changed fields in field declaration order.
type ChangeSet []Change

// Empty reports whether no field changed.
func (cs ChangeSet) Empty() bool {
	return len(cs) == 0
}

// Get returns the change recorded under the display name field.
func (cs ChangeSet) Get(field string) (Change, bool) {
	for _, c := range cs {
		if c.Field == field {
			return c, true
		}
	}
	return Change{}, false
}

// Fields returns the display names in order.
func (cs ChangeSet) Fields() []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Field)
	}
	return out
}

// MarshalJSON encodes the set as {"field":[old,new],...} keeping field order.
// A nil or empty set encodes as {}.
func (cs ChangeSet) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, c := range cs {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(c.Field)
		if err != nil {
			return nil, err
		}
		pair, err := json.Marshal([2]Value{c.Old, c.New})
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(pair)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (cs *ChangeSet) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*cs = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errors.New("auditry: change set must be a JSON object")
	}
	var out ChangeSet
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		field, ok := tok.(string)
		if !ok {
			return fmt.Errorf("auditry: unexpected change set key %v", tok)
		}
		var pair [2]Value
		if err := dec.Decode(&pair); err != nil {
			return fmt.Errorf("auditry: failed to decode change %q: %w", field, err)
		}
		out = append(out, Change{Field: field, Old: pair[0], New: pair[1]})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*cs = out
	return nil
}
