package auditry

import (
	"maps"
	"slices"
)

// TrackingConfig selects and names the tracked fields of one entity type.
type TrackingConfig struct {
	IncludeFields []string          // empty tracks every field
	ExcludeFields []string          // wins over IncludeFields
	FieldMapping  map[string]string // field name -> display name
}

// Tracks reports whether field belongs to the effective field set.
func (c TrackingConfig) Tracks(field string) bool {
	if slices.Contains(c.ExcludeFields, field) {
		return false
	}
	return len(c.IncludeFields) == 0 || slices.Contains(c.IncludeFields, field)
}

// DisplayName maps field through FieldMapping.
func (c TrackingConfig) DisplayName(field string) string {
	if name, ok := c.FieldMapping[field]; ok && name != "" {
		return name
	}
	return field
}

func (c TrackingConfig) clone() TrackingConfig {
	return TrackingConfig{
		IncludeFields: slices.Clone(c.IncludeFields),
		ExcludeFields: slices.Clone(c.ExcludeFields),
		FieldMapping:  maps.Clone(c.FieldMapping),
	}
}

// Diff compares two snapshots of one entity. Either may be nil: prev is nil for
// creation, next is nil for deletion. Fields are visited in declaration order,
// those of next first.
func Diff(prev, next *Snapshot, cfg TrackingConfig) ChangeSet {
	if prev == nil && next == nil {
		return nil
	}
	var cs ChangeSet
	for _, f := range unionFields(next, prev) {
		if !cfg.Tracks(f) {
			continue
		}
		o, n := prev.Get(f), next.Get(f)
		if o == n {
			continue
		}
		cs = append(cs, Change{Field: cfg.DisplayName(f), Old: o, New: n})
	}
	return cs
}

func unionFields(a, b *Snapshot) []string {
	out := a.Fields()
	for _, f := range b.Fields() {
		if !a.Has(f) {
			out = append(out, f)
		}
	}
	return out
}
