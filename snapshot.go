package auditry

// Snapshot is an ordered mapping from field name to its canonical value,
// taken at one point in time for one entity instance.
// A nil *Snapshot stands for a missing snapshot and is safe to read.
type Snapshot struct {
	fields []string
	values map[string]Value
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{values: map[string]Value{}}
}

// Capture takes a snapshot of the declared scalar fields of e.
func Capture(e Entity) *Snapshot {
	s := NewSnapshot()
	fm, _ := e.(FieldFormatter)
	for _, f := range schemaOf(e).Fields {
		v, ok := e.AuditValue(f)
		if !ok {
			continue
		}
		if fm != nil {
			s.Set(f, fm.AuditFormat(f, v))
			continue
		}
		s.Set(f, Format(v))
	}
	return s
}

// Set stores v under field, keeping the position of fields already present.
func (s *Snapshot) Set(field string, v Value) {
	if _, ok := s.values[field]; !ok {
		s.fields = append(s.fields, field)
	}
	s.values[field] = v
}

// Get returns the value of field, or Absent.
func (s *Snapshot) Get(field string) Value {
	if s == nil {
		return Absent
	}
	return s.values[field]
}

// Has reports whether field is present.
func (s *Snapshot) Has(field string) bool {
	if s == nil {
		return false
	}
	_, ok := s.values[field]
	return ok
}

// Fields returns the fields in insertion order.
func (s *Snapshot) Fields() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.fields))
	copy(out, s.fields)
	return out
}
