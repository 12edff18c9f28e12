package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cube3power/nothinkdb/engine"
)

// maxTransactItems is the TransactWriteItems limit. Larger commits fail
// with ErrTooManyWrites and send nothing.
const maxTransactItems = 100

// ErrTooManyWrites is returned by Commit when a transaction buffered more
// writes than a single TransactWriteItems call accepts.
var ErrTooManyWrites = errors.New("too many writes in one transaction")

type pendingWrite struct {
	key any
	doc map[string]any // nil for a delete
}

type tx struct {
	ctx      context.Context
	store    *Store
	writable bool
	done     bool

	// pending writes per table, keyed by keyString of the primary key
	pending map[string]map[string]pendingWrite
	order   []pendingRef
}

type pendingRef struct {
	table, key string
}

func (t *tx) client() Client { return t.store.client }

func (t *tx) Commit() error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.done = true
	defer t.finish()

	var items []types.TransactWriteItem
	for _, ref := range t.order {
		w := t.pending[ref.table][ref.key]
		item, err := t.writeItem(ref.table, w)
		if err != nil {
			return err
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return nil
	}
	if len(items) > maxTransactItems {
		return fmt.Errorf("%w: %d, at most %d", ErrTooManyWrites, len(items), maxTransactItems)
	}
	_, err := t.client().TransactWriteItems(t.ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err != nil {
		return fmt.Errorf("transact write items: %w", err)
	}
	return nil
}

func (t *tx) writeItem(table string, w pendingWrite) (types.TransactWriteItem, error) {
	name := aws.String(t.store.physical(table))
	if w.doc == nil {
		pk, err := t.PrimaryKey(table)
		if err != nil {
			return types.TransactWriteItem{}, err
		}
		key, err := marshalKey(pk, w.key)
		if err != nil {
			return types.TransactWriteItem{}, err
		}
		return types.TransactWriteItem{Delete: &types.Delete{TableName: name, Key: key}}, nil
	}
	item, err := marshalDoc(w.doc)
	if err != nil {
		return types.TransactWriteItem{}, err
	}
	return types.TransactWriteItem{Put: &types.Put{TableName: name, Item: item}}, nil
}

func (t *tx) Discard() {
	if t.done {
		return
	}
	t.done = true
	t.finish()
}

func (t *tx) finish() {
	if t.writable {
		<-t.store.writer
	}
}

func (t *tx) Tables() ([]string, error) {
	var names []string
	p := dynamodb.NewListTablesPaginator(t.client(), &dynamodb.ListTablesInput{})
	for p.HasMorePages() {
		out, err := p.NextPage(t.ctx)
		if err != nil {
			return nil, fmt.Errorf("list tables: %w", err)
		}
		for _, n := range out.TableNames {
			if strings.HasPrefix(n, t.store.opts.TablePrefix) {
				names = append(names, strings.TrimPrefix(n, t.store.opts.TablePrefix))
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

func (t *tx) describe(table string) (*types.TableDescription, error) {
	out, err := t.client().DescribeTable(t.ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(t.store.physical(table)),
	})
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return nil, fmt.Errorf("%w: %s", engine.ErrTableNotFound, table)
	}
	if err != nil {
		return nil, fmt.Errorf("describe table %s: %w", table, err)
	}
	return out.Table, nil
}

// CreateTable creates a pay-per-request table keyed by primaryKey and waits
// for it to become active.
func (t *tx) CreateTable(name, primaryKey string, kind engine.KeyKind) error {
	_, err := t.client().CreateTable(t.ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(t.store.physical(name)),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(primaryKey), AttributeType: scalarType(kind)},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(primaryKey), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	var inUse *types.ResourceInUseException
	if errors.As(err, &inUse) {
		return fmt.Errorf("%w: %s", engine.ErrTableExists, name)
	}
	if err != nil {
		return fmt.Errorf("create table %s: %w", name, err)
	}
	t.store.cachePK(name, primaryKey)
	t.store.log.Infow("created table", "table", name, "primaryKey", primaryKey, "kind", scalarType(kind))
	return t.poll(func() (bool, error) {
		desc, err := t.describe(name)
		if err != nil {
			return false, err
		}
		return desc.TableStatus == types.TableStatusActive, nil
	})
}

func (t *tx) PrimaryKey(table string) (string, error) {
	if pk, ok := t.store.cachedPK(table); ok {
		return pk, nil
	}
	desc, err := t.describe(table)
	if err != nil {
		return "", err
	}
	pk := hashKey(desc.KeySchema)
	if pk == "" {
		return "", fmt.Errorf("table %s has no hash key", table)
	}
	t.store.cachePK(table, pk)
	return pk, nil
}

func hashKey(schema []types.KeySchemaElement) string {
	for _, k := range schema {
		if k.KeyType == types.KeyTypeHash {
			return aws.ToString(k.AttributeName)
		}
	}
	return ""
}

func (t *tx) Indexes(table string) ([]engine.IndexSpec, error) {
	desc, err := t.describe(table)
	if err != nil {
		return nil, err
	}
	kinds := make(map[string]engine.KeyKind)
	for _, a := range desc.AttributeDefinitions {
		kinds[aws.ToString(a.AttributeName)] = engine.KeyKind(a.AttributeType)
	}
	specs := make([]engine.IndexSpec, 0, len(desc.GlobalSecondaryIndexes))
	for _, g := range desc.GlobalSecondaryIndexes {
		field := hashKey(g.KeySchema)
		specs = append(specs, engine.IndexSpec{
			Name:  aws.ToString(g.IndexName),
			Field: field,
			Kind:  kinds[field],
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs, nil
}

// CreateIndex adds a global secondary index projecting all attributes. It
// does not wait for the backfill; see WaitIndex.
func (t *tx) CreateIndex(table string, spec engine.IndexSpec) error {
	specs, err := t.Indexes(table)
	if err != nil {
		return err
	}
	for _, s := range specs {
		if s.Name == spec.Name {
			return fmt.Errorf("%w: %s.%s", engine.ErrIndexExists, table, spec.Name)
		}
	}
	_, err = t.client().UpdateTable(t.ctx, &dynamodb.UpdateTableInput{
		TableName: aws.String(t.store.physical(table)),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(spec.Field), AttributeType: scalarType(spec.Kind)},
		},
		GlobalSecondaryIndexUpdates: []types.GlobalSecondaryIndexUpdate{{
			Create: &types.CreateGlobalSecondaryIndexAction{
				IndexName: aws.String(spec.Name),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String(spec.Field), KeyType: types.KeyTypeHash},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("create index %s.%s: %w", table, spec.Name, err)
	}
	t.store.log.Infow("created index", "table", table, "index", spec.Name, "field", spec.Field)
	return nil
}

// WaitIndex polls until the index is ACTIVE.
func (t *tx) WaitIndex(table, name string) error {
	return t.poll(func() (bool, error) {
		desc, err := t.describe(table)
		if err != nil {
			return false, err
		}
		for _, g := range desc.GlobalSecondaryIndexes {
			if aws.ToString(g.IndexName) == name {
				return g.IndexStatus == types.IndexStatusActive, nil
			}
		}
		return false, fmt.Errorf("%w: %s.%s", engine.ErrIndexNotFound, table, name)
	})
}

func (t *tx) poll(ready func() (bool, error)) error {
	for {
		ok, err := ready()
		if err != nil || ok {
			return err
		}
		select {
		case <-t.ctx.Done():
			return t.ctx.Err()
		case <-time.After(t.store.opts.PollInterval):
		}
	}
}

func (t *tx) Get(table string, key any) (map[string]any, error) {
	if w, ok := t.pending[table][keyString(key)]; ok {
		return w.doc, nil
	}
	pk, err := t.PrimaryKey(table)
	if err != nil {
		return nil, err
	}
	k, err := marshalKey(pk, key)
	if err != nil {
		return nil, err
	}
	out, err := t.client().GetItem(t.ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(t.store.physical(table)),
		Key:            k,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if out.Item == nil {
		return nil, nil
	}
	return unmarshalDoc(out.Item)
}

// GetAll queries a global secondary index. Index reads are eventually
// consistent.
func (t *tx) GetAll(table, index string, key any) ([]map[string]any, error) {
	pk, err := t.PrimaryKey(table)
	if err != nil {
		return nil, err
	}
	if index == pk {
		doc, err := t.Get(table, key)
		if err != nil || doc == nil {
			return nil, err
		}
		return []map[string]any{doc}, nil
	}
	if key == nil {
		return nil, nil
	}
	field, err := t.indexField(table, index)
	if err != nil {
		return nil, err
	}
	expr, err := expression.NewBuilder().
		WithKeyCondition(expression.Key(field).Equal(expression.Value(key))).
		Build()
	if err != nil {
		return nil, fmt.Errorf("build key condition: %w", err)
	}

	var docs []map[string]any
	p := dynamodb.NewQueryPaginator(t.client(), &dynamodb.QueryInput{
		TableName:                 aws.String(t.store.physical(table)),
		IndexName:                 aws.String(index),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	for p.HasMorePages() {
		out, err := p.NextPage(t.ctx)
		if err != nil {
			return nil, fmt.Errorf("query %s.%s: %w", table, index, err)
		}
		for _, item := range out.Items {
			doc, err := unmarshalDoc(item)
			if err != nil {
				return nil, err
			}
			docs = append(docs, doc)
		}
	}
	return t.overlay(table, pk, docs, func(doc map[string]any) bool {
		return engine.Equal(doc[field], key)
	}), nil
}

func (t *tx) indexField(table, index string) (string, error) {
	specs, err := t.Indexes(table)
	if err != nil {
		return "", err
	}
	for _, s := range specs {
		if s.Name == index {
			return s.Field, nil
		}
	}
	return "", fmt.Errorf("%w: %s.%s", engine.ErrIndexNotFound, table, index)
}

func (t *tx) Scan(table string) ([]map[string]any, error) {
	pk, err := t.PrimaryKey(table)
	if err != nil {
		return nil, err
	}
	var docs []map[string]any
	p := dynamodb.NewScanPaginator(t.client(), &dynamodb.ScanInput{
		TableName:      aws.String(t.store.physical(table)),
		ConsistentRead: aws.Bool(true),
	})
	for p.HasMorePages() {
		out, err := p.NextPage(t.ctx)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		for _, item := range out.Items {
			doc, err := unmarshalDoc(item)
			if err != nil {
				return nil, err
			}
			docs = append(docs, doc)
		}
	}
	return t.overlay(table, pk, docs, func(map[string]any) bool { return true }), nil
}

// overlay applies the pending writes of table to docs read from DynamoDB.
func (t *tx) overlay(table, pk string, docs []map[string]any, match func(map[string]any) bool) []map[string]any {
	pending := t.pending[table]
	if len(pending) == 0 {
		return docs
	}
	out := docs[:0:0]
	for _, d := range docs {
		if _, ok := pending[keyString(d[pk])]; !ok {
			out = append(out, d)
		}
	}
	for _, ref := range t.order {
		if ref.table != table {
			continue
		}
		if w := pending[ref.key]; w.doc != nil && match(w.doc) {
			out = append(out, w.doc)
		}
	}
	return out
}

func (t *tx) Put(table string, doc map[string]any) error {
	pk, err := t.PrimaryKey(table)
	if err != nil {
		return err
	}
	key, ok := doc[pk]
	if !ok || key == nil {
		return fmt.Errorf("record has no primary key %q", pk)
	}
	return t.buffer(table, pendingWrite{key: key, doc: doc})
}

func (t *tx) Delete(table string, key any) error {
	return t.buffer(table, pendingWrite{key: key})
}

func (t *tx) buffer(table string, w pendingWrite) error {
	if !t.writable {
		return fmt.Errorf("write in read-only transaction")
	}
	ks := keyString(w.key)
	if t.pending[table] == nil {
		t.pending[table] = make(map[string]pendingWrite)
	}
	if _, seen := t.pending[table][ks]; !seen {
		t.order = append(t.order, pendingRef{table: table, key: ks})
	}
	t.pending[table][ks] = w
	return nil
}
