package badgerstore

import (
	"errors"
	"fmt"
	"sort"

	"github.com/cube3power/nothinkdb/engine"
	"github.com/dgraph-io/badger/v4"
	"go.mongodb.org/mongo-driver/bson"
)

type tableMeta struct {
	name string
	catalogEntry
}

func (m *tableMeta) index(name string) (indexMeta, bool) {
	for _, idx := range m.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return indexMeta{}, false
}

type tx struct {
	store    *Store
	txn      *badger.Txn
	writable bool
	done     bool
	tables   map[string]*tableMeta
}

func (t *tx) Commit() error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.done = true
	defer t.finish()
	return t.txn.Commit()
}

func (t *tx) Discard() {
	if t.done {
		return
	}
	t.done = true
	t.txn.Discard()
	t.finish()
}

func (t *tx) finish() {
	if t.writable {
		t.store.release()
	}
}

func (t *tx) Tables() ([]string, error) {
	it := t.txn.NewIterator(badger.IteratorOptions{Prefix: catalogPrefix})
	defer it.Close()

	var names []string
	for it.Rewind(); it.Valid(); it.Next() {
		key := it.Item().Key()
		names = append(names, string(unescapeBytes(key[len(catalogPrefix):])))
	}
	sort.Strings(names)
	return names, nil
}

func (t *tx) meta(table string) (*tableMeta, error) {
	if m, ok := t.tables[table]; ok {
		return m, nil
	}
	item, err := t.txn.Get(catalogKey(table))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", engine.ErrTableNotFound, table)
	}
	if err != nil {
		return nil, err
	}
	m := &tableMeta{name: table}
	if err := item.Value(func(val []byte) error {
		return bson.Unmarshal(val, &m.catalogEntry)
	}); err != nil {
		return nil, fmt.Errorf("decode catalog entry %s: %w", table, err)
	}
	t.tables[table] = m
	return m, nil
}

func (t *tx) saveMeta(m *tableMeta) error {
	b, err := bson.Marshal(m.catalogEntry)
	if err != nil {
		return fmt.Errorf("encode catalog entry %s: %w", m.name, err)
	}
	if err := t.txn.Set(catalogKey(m.name), b); err != nil {
		return err
	}
	t.tables[m.name] = m
	return nil
}

// CreateTable ignores kind: keys of any scalar type share one encoding.
func (t *tx) CreateTable(name, primaryKey string, kind engine.KeyKind) error {
	if name == "" {
		return fmt.Errorf("table name is required")
	}
	if _, err := t.meta(name); err == nil {
		return fmt.Errorf("%w: %s", engine.ErrTableExists, name)
	} else if !errors.Is(err, engine.ErrTableNotFound) {
		return err
	}
	return t.saveMeta(&tableMeta{name: name, catalogEntry: catalogEntry{PrimaryKey: primaryKey}})
}

func (t *tx) PrimaryKey(table string) (string, error) {
	m, err := t.meta(table)
	if err != nil {
		return "", err
	}
	return m.PrimaryKey, nil
}

func (t *tx) Indexes(table string) ([]engine.IndexSpec, error) {
	m, err := t.meta(table)
	if err != nil {
		return nil, err
	}
	specs := make([]engine.IndexSpec, len(m.Indexes))
	for i, idx := range m.Indexes {
		specs[i] = engine.IndexSpec{Name: idx.Name, Field: idx.Field, Kind: engine.KeyKind(idx.Kind)}
	}
	return specs, nil
}

// CreateIndex registers the index and builds entries for existing records.
func (t *tx) CreateIndex(table string, spec engine.IndexSpec) error {
	m, err := t.meta(table)
	if err != nil {
		return err
	}
	if _, ok := m.index(spec.Name); ok || spec.Name == m.PrimaryKey {
		return fmt.Errorf("%w: %s.%s", engine.ErrIndexExists, table, spec.Name)
	}
	idx := indexMeta{Name: spec.Name, Field: spec.Field, Kind: string(spec.Kind)}

	docs, err := t.Scan(table)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if err := t.setIndexEntry(m, idx, doc); err != nil {
			return err
		}
	}

	next := &tableMeta{name: m.name, catalogEntry: m.catalogEntry}
	next.Indexes = append(append([]indexMeta(nil), m.Indexes...), idx)
	if err := t.saveMeta(next); err != nil {
		return err
	}
	t.store.log.Debugw("created index", "table", table, "index", spec.Name, "records", len(docs))
	return nil
}

// WaitIndex returns as soon as the index exists; indexes are built when
// they are created.
func (t *tx) WaitIndex(table, name string) error {
	m, err := t.meta(table)
	if err != nil {
		return err
	}
	if _, ok := m.index(name); !ok {
		return fmt.Errorf("%w: %s.%s", engine.ErrIndexNotFound, table, name)
	}
	return nil
}

func (t *tx) Get(table string, key any) (map[string]any, error) {
	if _, err := t.meta(table); err != nil {
		return nil, err
	}
	k, err := recordKey(table, key)
	if err != nil {
		return nil, err
	}
	return t.read(k)
}

func (t *tx) read(k []byte) (map[string]any, error) {
	item, err := t.txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	err = item.Value(func(val []byte) error {
		doc, err = deserializeDoc(val)
		return err
	})
	return doc, err
}

func (t *tx) GetAll(table, index string, key any) ([]map[string]any, error) {
	m, err := t.meta(table)
	if err != nil {
		return nil, err
	}
	if index == m.PrimaryKey {
		doc, err := t.Get(table, key)
		if err != nil || doc == nil {
			return nil, err
		}
		return []map[string]any{doc}, nil
	}
	if _, ok := m.index(index); !ok {
		return nil, fmt.Errorf("%w: %s.%s", engine.ErrIndexNotFound, table, index)
	}
	if key == nil {
		return nil, nil
	}
	prefix, err := indexValuePrefix(table, index, key)
	if err != nil {
		return nil, err
	}
	return t.scanPrefix(prefix)
}

func (t *tx) Scan(table string) ([]map[string]any, error) {
	if _, err := t.meta(table); err != nil {
		return nil, err
	}
	return t.scanPrefix(recordPrefix(table))
}

func (t *tx) scanPrefix(prefix []byte) ([]map[string]any, error) {
	it := t.txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 100})
	defer it.Close()

	var docs []map[string]any
	for it.Rewind(); it.Valid(); it.Next() {
		var doc map[string]any
		err := it.Item().Value(func(val []byte) error {
			var err error
			doc, err = deserializeDoc(val)
			return err
		})
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (t *tx) Put(table string, doc map[string]any) error {
	if !t.writable {
		return badger.ErrReadOnlyTxn
	}
	m, err := t.meta(table)
	if err != nil {
		return err
	}
	pk, ok := doc[m.PrimaryKey]
	if !ok || pk == nil {
		return fmt.Errorf("record has no primary key %q", m.PrimaryKey)
	}
	key, err := recordKey(table, pk)
	if err != nil {
		return err
	}
	itemBytes, err := serializeDoc(doc)
	if err != nil {
		return err
	}
	old, err := t.read(key)
	if err != nil {
		return err
	}
	if err := t.txn.Set(key, itemBytes); err != nil {
		return err
	}
	for _, idx := range m.Indexes {
		if old != nil {
			if err := t.deleteIndexEntry(m, idx, old); err != nil {
				return fmt.Errorf("update index %s: %w", idx.Name, err)
			}
		}
		if err := t.setIndexEntry(m, idx, doc); err != nil {
			return fmt.Errorf("update index %s: %w", idx.Name, err)
		}
	}
	return nil
}

func (t *tx) Delete(table string, key any) error {
	if !t.writable {
		return badger.ErrReadOnlyTxn
	}
	m, err := t.meta(table)
	if err != nil {
		return err
	}
	k, err := recordKey(table, key)
	if err != nil {
		return err
	}
	old, err := t.read(k)
	if err != nil || old == nil {
		return err
	}
	for _, idx := range m.Indexes {
		if err := t.deleteIndexEntry(m, idx, old); err != nil {
			return err
		}
	}
	return t.txn.Delete(k)
}

// setIndexEntry writes the index entry of doc. Index entries store the full
// record. Records without a value for the indexed field are not indexed.
func (t *tx) setIndexEntry(m *tableMeta, idx indexMeta, doc map[string]any) error {
	v := doc[idx.Field]
	if v == nil {
		return nil
	}
	k, err := indexKey(m.name, idx.Name, v, doc[m.PrimaryKey])
	if err != nil {
		return nil // Skip - value can't be used as a key (e.g., an object)
	}
	b, err := serializeDoc(doc)
	if err != nil {
		return err
	}
	return t.txn.Set(k, b)
}

func (t *tx) deleteIndexEntry(m *tableMeta, idx indexMeta, doc map[string]any) error {
	v := doc[idx.Field]
	if v == nil {
		return nil
	}
	k, err := indexKey(m.name, idx.Name, v, doc[m.PrimaryKey])
	if err != nil {
		return nil
	}
	return t.txn.Delete(k)
}
