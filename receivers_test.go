package auditry_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mickamy/auditry"
)

func mustRegister(t *testing.T, reg *auditry.Registry, model any, cfg auditry.TrackingConfig) {
	t.Helper()
	if err := reg.Register(model, cfg); err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func change(t *testing.T, e auditry.LogEntry, field string) (string, string) {
	t.Helper()
	c, ok := e.Changes.Get(field)
	if !ok {
		t.Fatalf("entry %s has no change for %q: %#v", e.Action, field, e.Changes)
	}
	return c.Old.String(), c.New.String()
}

func TestLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("CEST", 2*60*60))
	f := newFixture(auditry.Config{Clock: func() time.Time { return now }})
	mustRegister(t, f.reg, newArticle(nil, "", ""), auditry.TrackingConfig{})

	a := newArticle(1, "A", "x")
	if err := f.create(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}
	a.values["title"] = "B"
	if err := f.save(ctx, a); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := f.save(ctx, a); err != nil {
		t.Fatalf("save without changes: %v", err)
	}
	if err := f.delete(ctx, a); err != nil {
		t.Fatalf("delete: %v", err)
	}

	entries := f.store.Entries()
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3: %#v", len(entries), entries)
	}
	created, updated, deleted := entries[0], entries[1], entries[2]

	if created.Action != auditry.ActionCreate || created.EntityType != "articles" || created.EntityID != "1" {
		t.Fatalf("create entry = %#v", created)
	}
	if fields := created.Changes.Fields(); len(fields) != 2 || fields[0] != "title" || fields[1] != "body" {
		t.Fatalf("create fields = %v", fields)
	}
	if c, _ := created.Changes.Get("title"); c.Old.Valid() || c.New.String() != "A" {
		t.Fatalf("create title = %#v", c)
	}
	if !created.Timestamp.Equal(now) || created.Timestamp.Location() != time.UTC {
		t.Fatalf("timestamp = %v, want %v in UTC", created.Timestamp, now)
	}

	if updated.Action != auditry.ActionUpdate || len(updated.Changes) != 1 {
		t.Fatalf("update entry = %#v", updated)
	}
	if o, n := change(t, updated, "title"); o != "A" || n != "B" {
		t.Fatalf("update title = %q -> %q", o, n)
	}

	if deleted.Action != auditry.ActionDelete || len(deleted.Changes) != 2 {
		t.Fatalf("delete entry = %#v", deleted)
	}
	if c, _ := deleted.Changes.Get("body"); c.Old.String() != "x" || c.New.Valid() {
		t.Fatalf("delete body = %#v", c)
	}
}

func TestScopedTracking(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(auditry.Config{})
	mustRegister(t, f.reg, newArticle(nil, "", ""), auditry.TrackingConfig{
		IncludeFields: []string{"title", "body"},
		ExcludeFields: []string{"body"},
		FieldMapping:  map[string]string{"title": "Headline"},
	})

	a := newArticle(1, "A", "x")
	if err := f.create(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}
	a.values["body"] = "y"
	if err := f.save(ctx, a); err != nil {
		t.Fatalf("save: %v", err)
	}
	a.values["title"] = "B"
	if err := f.save(ctx, a); err != nil {
		t.Fatalf("save: %v", err)
	}

	entries := f.store.Entries()
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2: %#v", len(entries), entries)
	}
	for _, e := range entries {
		if got := e.Changes.Fields(); len(got) != 1 || got[0] != "Headline" {
			t.Fatalf("%s fields = %v, want [Headline]", e.Action, got)
		}
	}
	if o, n := change(t, entries[1], "Headline"); o != "A" || n != "B" {
		t.Fatalf("update Headline = %q -> %q", o, n)
	}
}

func TestCreateAndDeleteAlwaysLogged(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(auditry.Config{})
	mustRegister(t, f.reg, newArticle(nil, "", ""), auditry.TrackingConfig{IncludeFields: []string{"missing"}})

	a := newArticle(1, "A", "x")
	if err := f.create(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := f.store.Drain(); len(got) != 1 || got[0].Action != auditry.ActionCreate || !got[0].Changes.Empty() {
		t.Fatalf("after create = %#v, want one empty CREATE", got)
	}

	a.values["title"] = "B"
	if err := f.save(ctx, a); err != nil {
		t.Fatalf("save: %v", err)
	}
	if got := f.store.Drain(); len(got) != 0 {
		t.Fatalf("after save = %#v, want none", got)
	}

	if err := f.delete(ctx, a); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := f.store.Drain(); len(got) != 1 || got[0].Action != auditry.ActionDelete || !got[0].Changes.Empty() {
		t.Fatalf("after delete = %#v, want one empty DELETE", got)
	}
	if got := f.store.Entries(); len(got) != 0 {
		t.Fatalf("entries after Drain = %#v, want none", got)
	}
}

func TestUpdateEdgeCases(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("not persisted", func(t *testing.T) {
		t.Parallel()

		f := newFixture(auditry.Config{})
		mustRegister(t, f.reg, newArticle(nil, "", ""), auditry.TrackingConfig{})
		if err := f.bus.Emit(ctx, auditry.Event{Kind: auditry.EventBeforeUpdate, Sender: "articles", Entity: newArticle(nil, "A", "")}); err != nil {
			t.Fatalf("Emit: %v", err)
		}
		if n := len(f.store.Entries()); n != 0 {
			t.Fatalf("entries = %d, want 0", n)
		}
	})

	t.Run("persisted record missing", func(t *testing.T) {
		t.Parallel()

		reg := prometheus.NewRegistry()
		m, err := auditry.NewMetrics(reg)
		if err != nil {
			t.Fatalf("NewMetrics: %v", err)
		}
		f := newFixture(auditry.Config{Metrics: m})
		mustRegister(t, f.reg, newArticle(nil, "", ""), auditry.TrackingConfig{})
		if err := f.save(ctx, newArticle(42, "A", "")); err != nil {
			t.Fatalf("save: %v", err)
		}
		if n := len(f.store.Entries()); n != 0 {
			t.Fatalf("entries = %d, want 0", n)
		}
		want := `
# HELP auditry_skipped_total Mutations observed without writing a log entry, by entity type and reason.
# TYPE auditry_skipped_total counter
auditry_skipped_total{entity_type="articles",reason="not_found"} 1
`
		if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "auditry_skipped_total"); err != nil {
			t.Fatalf("metrics: %v", err)
		}
	})

	t.Run("loader failure", func(t *testing.T) {
		t.Parallel()

		f := newFixture(auditry.Config{})
		mustRegister(t, f.reg, newArticle(nil, "", ""), auditry.TrackingConfig{})
		down := errors.New("connection refused")
		f.mem.loadErr = down
		if err := f.save(ctx, newArticle(1, "A", "")); !errors.Is(err, down) {
			t.Fatalf("save error = %v, want %v", err, down)
		}
	})

	t.Run("no loader", func(t *testing.T) {
		t.Parallel()

		bus := auditry.NewBus()
		reg := auditry.New(auditry.Config{Dispatcher: bus})
		mustRegister(t, reg, newArticle(nil, "", ""), auditry.TrackingConfig{})
		err := bus.Emit(ctx, auditry.Event{Kind: auditry.EventBeforeUpdate, Sender: "articles", Entity: newArticle(1, "A", "")})
		if !errors.Is(err, auditry.ErrNoLoader) {
			t.Fatalf("Emit error = %v, want ErrNoLoader", err)
		}
	})

	t.Run("unregistered", func(t *testing.T) {
		t.Parallel()

		f := newFixture(auditry.Config{})
		mustRegister(t, f.reg, newArticle(nil, "", ""), auditry.TrackingConfig{})
		if err := f.create(ctx, newTag(1, "go")); err != nil {
			t.Fatalf("create: %v", err)
		}
		if n := len(f.store.Entries()); n != 0 {
			t.Fatalf("entries = %d, want 0", n)
		}
	})
}

func TestStoreErrorPropagates(t *testing.T) {
	t.Parallel()

	boom := errors.New("disk full")
	f := newFixture(auditry.Config{Store: auditry.StoreFunc(func(context.Context, auditry.LogEntry) error { return boom })})
	mustRegister(t, f.reg, newArticle(nil, "", ""), auditry.TrackingConfig{})

	if err := f.create(context.Background(), newArticle(1, "A", "")); err != boom {
		t.Fatalf("create error = %v, want %v unmodified", err, boom)
	}
}

func TestContextMetadata(t *testing.T) {
	t.Parallel()

	f := newFixture(auditry.Config{})
	mustRegister(t, f.reg, newArticle(nil, "", ""), auditry.TrackingConfig{})

	ctx := auditry.WithActor(context.Background(), "alice")
	ctx = auditry.WithTraceID(ctx, "trace-1")
	ctx = auditry.WithReason(ctx, "moderation")
	if err := f.create(ctx, newArticle(1, "A", "")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.create(auditry.WithSkip(ctx), newArticle(2, "B", "")); err != nil {
		t.Fatalf("create skipped: %v", err)
	}

	entries := f.store.Entries()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Actor != "alice" || e.TraceID != "trace-1" || e.Reason != "moderation" {
		t.Fatalf("metadata = %q %q %q", e.Actor, e.TraceID, e.Reason)
	}
}

func TestRedact(t *testing.T) {
	t.Parallel()

	mask := func(_ string, v auditry.Value) auditry.Value {
		if !v.Valid() {
			return v
		}
		return auditry.Text("***")
	}
	f := newFixture(auditry.Config{Redact: auditry.RedactMap{"Secret": mask}})
	mustRegister(t, f.reg, newArticle(nil, "", ""), auditry.TrackingConfig{FieldMapping: map[string]string{"body": "Secret"}})

	if err := f.create(context.Background(), newArticle(1, "A", "password")); err != nil {
		t.Fatalf("create: %v", err)
	}
	e := f.store.Entries()[0]
	if c, _ := e.Changes.Get("Secret"); c.Old.Valid() || c.New.String() != "***" {
		t.Fatalf("Secret = %#v, want masked", c)
	}
	if _, n := change(t, e, "title"); n != "A" {
		t.Fatalf("title = %q, want A", n)
	}
}

func TestRelationChanges(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tagA, tagB, tagC := newTag(1, "A"), newTag(2, "B"), newTag(3, "C")

	tcs := []struct {
		name    string
		cfg     auditry.TrackingConfig
		current []auditry.Entity
		action  auditry.RelationAction
		targets []auditry.Entity
		field   string
		old     string
		new     string
		logged  bool
	}{
		{
			name:    "add",
			current: []auditry.Entity{tagA, tagB},
			action:  auditry.RelationAboutToAdd,
			targets: []auditry.Entity{tagC},
			field:   "tags", old: `["A","B"]`, new: `["A","B","C"]`, logged: true,
		},
		{
			name:    "add to empty",
			action:  auditry.RelationAboutToAdd,
			targets: []auditry.Entity{tagA},
			field:   "tags", old: `[]`, new: `["A"]`, logged: true,
		},
		{
			name:    "remove",
			current: []auditry.Entity{tagA, tagB, tagC},
			action:  auditry.RelationAboutToRemove,
			targets: []auditry.Entity{newTag(2, "stale label")},
			field:   "tags", old: `["A","B","C"]`, new: `["A","C"]`, logged: true,
		},
		{
			name:    "mapped field",
			cfg:     auditry.TrackingConfig{FieldMapping: map[string]string{"tags": "Labels"}},
			current: []auditry.Entity{tagA},
			action:  auditry.RelationAboutToAdd,
			targets: []auditry.Entity{tagB},
			field:   "Labels", old: `["A"]`, new: `["A","B"]`, logged: true,
		},
		{
			name:    "add existing member",
			current: []auditry.Entity{tagA},
			action:  auditry.RelationAboutToAdd,
			targets: []auditry.Entity{newTag(1, "A")},
		},
		{
			name:    "excluded relation",
			cfg:     auditry.TrackingConfig{ExcludeFields: []string{"tags"}},
			current: []auditry.Entity{tagA},
			action:  auditry.RelationAboutToAdd,
			targets: []auditry.Entity{tagB},
		},
		{name: "clear", current: []auditry.Entity{tagA}, action: auditry.RelationAboutToClear},
		{name: "added", current: []auditry.Entity{tagA}, action: auditry.RelationAdded, targets: []auditry.Entity{tagB}},
		{name: "removed", current: []auditry.Entity{tagA}, action: auditry.RelationRemoved, targets: []auditry.Entity{tagA}},
		{name: "cleared", current: []auditry.Entity{tagA}, action: auditry.RelationCleared},
	}

	for _, tc := range tcs {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(auditry.Config{})
			mustRegister(t, f.reg, newArticle(nil, "", ""), tc.cfg)
			owner := newArticle(1, "A", "")
			f.mem.related["articles/1.tags"] = tc.current

			if err := f.relate(ctx, owner, "article_tags", "", tc.action, tc.targets...); err != nil {
				t.Fatalf("relate: %v", err)
			}
			entries := f.store.Entries()
			if !tc.logged {
				if len(entries) != 0 {
					t.Fatalf("entries = %#v, want none", entries)
				}
				return
			}
			if len(entries) != 1 || entries[0].Action != auditry.ActionUpdate || entries[0].EntityID != "1" {
				t.Fatalf("entries = %#v, want one UPDATE of article 1", entries)
			}
			if o, n := change(t, entries[0], tc.field); o != tc.old || n != tc.new {
				t.Fatalf("%s = %s -> %s, want %s -> %s", tc.field, o, n, tc.old, tc.new)
			}
		})
	}
}

func TestRelationOnOtherAssociation(t *testing.T) {
	t.Parallel()

	f := newFixture(auditry.Config{})
	mustRegister(t, f.reg, newArticle(nil, "", ""), auditry.TrackingConfig{})
	if err := f.relate(context.Background(), newArticle(1, "A", ""), "article_authors", "authors", auditry.RelationAboutToAdd, newTag(1, "x")); err != nil {
		t.Fatalf("relate: %v", err)
	}
	if n := len(f.store.Entries()); n != 0 {
		t.Fatalf("entries = %d, want 0", n)
	}
}

func TestMetrics(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m, err := auditry.NewMetrics(reg)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if _, err := auditry.NewMetrics(reg); err == nil {
		t.Fatalf("registering metrics twice should fail")
	}

	f := newFixture(auditry.Config{Metrics: m})
	mustRegister(t, f.reg, newArticle(nil, "", ""), auditry.TrackingConfig{})
	a := newArticle(1, "A", "")
	if err := f.create(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.save(ctx, a); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := f.delete(auditry.WithSkip(ctx), a); err != nil {
		t.Fatalf("delete: %v", err)
	}

	want := `
# HELP auditry_entries_total Log entries written, by entity type and action.
# TYPE auditry_entries_total counter
auditry_entries_total{action="CREATE",entity_type="articles"} 1
# HELP auditry_skipped_total Mutations observed without writing a log entry, by entity type and reason.
# TYPE auditry_skipped_total counter
auditry_skipped_total{entity_type="articles",reason="no_changes"} 1
auditry_skipped_total{entity_type="articles",reason="skipped"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "auditry_entries_total", "auditry_skipped_total"); err != nil {
		t.Fatalf("metrics: %v", err)
	}
}
