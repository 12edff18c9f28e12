package table

import (
	"context"
	"fmt"

	"github.com/cube3power/nothinkdb/expr"
	"github.com/cube3power/nothinkdb/schema"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// SyncState is how far Sync got for a table.
type SyncState int

const (
	NotChecked SyncState = iota
	TableEnsured
	IndexesEnsured
)

func (s SyncState) String() string {
	switch s {
	case NotChecked:
		return "not checked"
	case TableEnsured:
		return "table ensured"
	case IndexesEnsured:
		return "indexes ensured"
	}
	return fmt.Sprintf("SyncState(%d)", int(s))
}

func (t *Table) State() SyncState {
	t.syncMu.Lock()
	defer t.syncMu.Unlock()
	return t.state
}

// Sync creates the table, its indexes and what its relations need, one step
// at a time. It stops at the first error. Once it succeeded, further calls
// do nothing.
func (t *Table) Sync(ctx context.Context, r Runner) error {
	t.syncMu.Lock()
	defer t.syncMu.Unlock()

	if t.state == IndexesEnsured {
		return nil
	}
	if _, err := t.Relations(); err != nil {
		return err
	}
	if t.state < TableEnsured {
		if err := t.EnsureTable(ctx, r); err != nil {
			return err
		}
		t.state = TableEnsured
	}
	if err := t.EnsureAllIndexes(ctx, r); err != nil {
		return err
	}
	if err := t.SyncRelations(ctx, r); err != nil {
		return err
	}
	t.state = IndexesEnsured
	t.log.Infow("table synced", "table", t.name)
	return nil
}

// EnsureTable creates the table unless it exists.
func (t *Table) EnsureTable(ctx context.Context, r Runner) error {
	q := expr.Branch(
		expr.TableList().Contains(t.name).Not(),
		expr.TableCreate(t.name, expr.Options{expr.OptPrimaryKey: t.pk, expr.OptKind: t.keyKind(t.pk)}),
		nil,
	)
	res, err := r.Run(ctx, q)
	if err != nil {
		return fmt.Errorf("ensure table %s: %w", t.name, err)
	}
	t.log.Debugw("table ensured", "table", t.name, "created", res != nil)
	return nil
}

// IndexPlan returns the secondary indexes the table needs, sorted by name:
// fields flagged index or unique, and the explicit index declarations. The
// primary key is never part of it.
func (t *Table) IndexPlan() []string {
	set := make(map[string]struct{})
	s := t.Schema()
	for _, name := range s.Indexed() {
		set[name] = struct{}{}
	}
	for _, name := range s.Unique() {
		set[name] = struct{}{}
	}
	for name := range t.indexes {
		set[name] = struct{}{}
	}
	delete(set, t.pk)
	names := maps.Keys(set)
	slices.Sort(names)
	return names
}

// indexOptions returns the IndexCreate options of the named index.
func (t *Table) indexOptions(name string) expr.Options {
	o := t.indexes[name]
	field := o.Field
	if field == "" {
		field = name
	}
	kind := o.Kind
	if kind == "" {
		kind = t.keyKind(field)
	}
	return expr.Options{expr.OptField: field, expr.OptKind: kind}
}

// keyKind is the key type hint of a field: "N" for numbers, "S" otherwise.
func (t *Table) keyKind(field string) string {
	if f, ok := t.Schema()[field]; ok {
		switch f.Kind() {
		case schema.KindNumber, schema.KindInteger:
			return "N"
		}
	}
	return "S"
}

// EnsureIndex creates the named index unless it exists, then waits until it
// is ready. The primary key is skipped.
func (t *Table) EnsureIndex(ctx context.Context, r Runner, name string) error {
	if name == t.pk {
		return nil
	}
	q := expr.Branch(
		t.Query().IndexList().Contains(name).Not(),
		t.Query().IndexCreate(name, t.indexOptions(name)),
		nil,
	)
	if _, err := r.Run(ctx, q); err != nil {
		return fmt.Errorf("ensure index %s.%s: %w", t.name, name, err)
	}
	if _, err := r.Run(ctx, t.Query().IndexWait(name)); err != nil {
		return fmt.Errorf("wait for index %s.%s: %w", t.name, name, err)
	}
	t.log.Debugw("index ensured", "table", t.name, "index", name)
	return nil
}

// EnsureAllIndexes ensures every index of IndexPlan, one after the other.
func (t *Table) EnsureAllIndexes(ctx context.Context, r Runner) error {
	for _, name := range t.IndexPlan() {
		if err := t.EnsureIndex(ctx, r, name); err != nil {
			return err
		}
	}
	return nil
}

// SyncRelations syncs the table's relations in name order.
func (t *Table) SyncRelations(ctx context.Context, r Runner) error {
	rels, err := t.Relations()
	if err != nil {
		return err
	}
	names := maps.Keys(rels)
	slices.Sort(names)
	for _, name := range names {
		if err := rels[name].Sync(ctx, r); err != nil {
			return fmt.Errorf("sync relation %s.%s: %w", t.name, name, err)
		}
	}
	return nil
}

// SyncAll syncs tables in order and stops at the first error.
func SyncAll(ctx context.Context, r Runner, tables ...*Table) error {
	for _, t := range tables {
		if err := t.Sync(ctx, r); err != nil {
			return err
		}
	}
	return nil
}
