package table_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cube3power/nothinkdb/engine"
	"github.com/cube3power/nothinkdb/expr"
	"github.com/cube3power/nothinkdb/schema"
	"github.com/cube3power/nothinkdb/store/badgerstore"
	"github.com/cube3power/nothinkdb/table"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

func newConn(t *testing.T) *engine.Conn {
	store, err := badgerstore.New(badgerstore.StoreOptions{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return engine.New(store, engine.WithClock(func() time.Time { return fixedNow }))
}

func run(t *testing.T, c *engine.Conn, q expr.Term) any {
	t.Helper()
	v, err := c.Run(context.Background(), q)
	require.NoError(t, err, q.String())
	return v
}

func mustTerm(t *testing.T) func(expr.Term, error) expr.Term {
	return func(q expr.Term, err error) expr.Term {
		t.Helper()
		require.NoError(t, err)
		return q
	}
}

// blog is a small set of related tables:
//
//	users <-author- posts <-postId- comments
//	posts <-many-to-many-> tags
type blog struct {
	Users, Posts, Comments, Tags *table.Table
}

func newBlog() *blog {
	b := &blog{}
	b.Users = table.MustNew(table.Options{
		Name: "users",
		Schema: func() schema.Schema {
			return schema.Schema{
				"id":        schema.String().Required(),
				"name":      schema.String().Required(),
				"email":     schema.String().AllowNull().Unique(),
				"age":       schema.Integer(),
				"createdAt": schema.Time(),
				"updatedAt": schema.Time(),
			}
		},
	})
	b.Posts = table.MustNew(table.Options{
		Name: "posts",
		Schema: func() schema.Schema {
			return schema.Schema{
				"id":       schema.String().Required(),
				"title":    schema.String().Required(),
				"authorId": b.Users.MustForeignKey(table.ForeignKeyOptions{}),
			}
		},
		Relations: func() table.Relations {
			return table.Relations{
				"author":   b.Posts.LinkTo(b.Users, "authorId", table.LinkOptions{}).ToOne(),
				"comments": b.Posts.LinkedBy(b.Comments, "postId", table.LinkOptions{}).ToMany(),
				"tags":     b.Posts.LinkTo(b.Tags, "id", table.LinkOptions{}).ManyToMany(),
			}
		},
	})
	b.Comments = table.MustNew(table.Options{
		Name: "comments",
		Schema: func() schema.Schema {
			return schema.Schema{
				"id":       schema.String().Required(),
				"body":     schema.String(),
				"postId":   b.Posts.MustForeignKey(table.ForeignKeyOptions{}),
				"authorId": b.Users.MustForeignKey(table.ForeignKeyOptions{}),
			}
		},
		Relations: func() table.Relations {
			return table.Relations{
				"author": b.Comments.LinkTo(b.Users, "authorId", table.LinkOptions{}).ToOne(),
			}
		},
	})
	b.Tags = table.MustNew(table.Options{
		Name: "tags",
		Schema: func() schema.Schema {
			return schema.Schema{
				"id":    schema.String().Required(),
				"label": schema.String(),
			}
		},
	})
	return b
}

func (b *blog) sync(t *testing.T, c *engine.Conn) {
	t.Helper()
	require.NoError(t, table.SyncAll(context.Background(), c, b.Users, b.Posts, b.Comments, b.Tags))
}

func TestNew_Configuration(t *testing.T) {
	empty := func() schema.Schema { return schema.Schema{} }
	tests := []struct {
		name string
		opts table.Options
	}{
		{"missing name", table.Options{Schema: empty}},
		{"missing schema", table.Options{Name: "things"}},
		{"indexed primary key", table.Options{Name: "things", Schema: empty, Indexes: map[string]table.IndexOption{"id": {}}}},
		{"primary key as index field", table.Options{Name: "things", Schema: empty, Indexes: map[string]table.IndexOption{"by_id": {Field: "id"}}}},
		{"custom primary key as index field", table.Options{Name: "things", PK: "sku", Schema: empty, Indexes: map[string]table.IndexOption{"by_sku": {Field: "sku"}}}},
		{"unknown index kind", table.Options{Name: "things", Schema: empty, Indexes: map[string]table.IndexOption{"x": {Kind: "Q"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := table.New(tt.opts)
			var cfgErr *table.ConfigurationError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}

	assert.Panics(t, func() { table.MustNew(table.Options{Name: "things"}) })
}

func TestTable_Defaults(t *testing.T) {
	tbl := table.MustNew(table.Options{Name: "things", Schema: func() schema.Schema { return nil }})
	assert.Equal(t, "things", tbl.Name())
	assert.Equal(t, table.DefaultPK, tbl.PK())
	assert.NotNil(t, tbl.Schema())
	rels, err := tbl.Relations()
	require.NoError(t, err)
	assert.Empty(t, rels)
	assert.Equal(t, table.NotChecked, tbl.State())
}

func TestTable_Relations_ReservedName(t *testing.T) {
	b := newBlog()
	tbl := table.MustNew(table.Options{
		Name:   "things",
		Schema: func() schema.Schema { return schema.Schema{"id": schema.String()} },
		Relations: func() table.Relations {
			return table.Relations{"_owner": b.Posts.LinkTo(b.Users, "authorId", table.LinkOptions{}).ToOne()}
		},
	})
	_, err := tbl.Relations()
	var cfgErr *table.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)

	_, err = tbl.Relation("_owner")
	assert.ErrorAs(t, err, &cfgErr)
}

func TestTable_Relations_UnknownField(t *testing.T) {
	b := newBlog()
	tests := []struct {
		name string
		rel  func() table.Relation
	}{
		{"owner field", func() table.Relation { return b.Posts.LinkTo(b.Users, "writerId", table.LinkOptions{}).ToOne() }},
		{"target index", func() table.Relation {
			return b.Posts.LinkTo(b.Users, "authorId", table.LinkOptions{Index: "handle"}).ToOne()
		}},
		{"target field", func() table.Relation { return b.Posts.LinkedBy(b.Comments, "articleId", table.LinkOptions{}).ToMany() }},
		{"many-to-many owner field", func() table.Relation {
			return b.Posts.LinkTo(b.Tags, "slug", table.LinkOptions{}).ManyToMany()
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			posts := table.MustNew(table.Options{
				Name:      "posts",
				Schema:    b.Posts.Schema,
				Relations: func() table.Relations { return table.Relations{"broken": tt.rel()} },
			})
			var cfgErr *table.ConfigurationError
			_, err := posts.Relations()
			require.ErrorAs(t, err, &cfgErr)
			assert.Contains(t, cfgErr.Reason, "broken")

			c := newConn(t)
			assert.ErrorAs(t, posts.Sync(context.Background(), c), &cfgErr)
			assert.Empty(t, run(t, c, expr.TableList()), "nothing is provisioned for a broken relation")
		})
	}
}

func TestTable_ValidateAndAttempt(t *testing.T) {
	b := newBlog()

	assert.True(t, b.Users.Validate(schema.Record{"id": "u1", "name": "Ann"}))
	assert.False(t, b.Users.Validate(schema.Record{"id": "u1"}))
	assert.False(t, b.Users.Validate(schema.Record{"id": "u1", "name": "Ann", "nickname": "A"}))

	rec, err := b.Posts.Attempt(schema.Record{"id": "p1", "title": "Hello"})
	require.NoError(t, err)
	assert.Equal(t, schema.Record{"id": "p1", "title": "Hello", "authorId": nil}, rec)

	_, err = b.Users.Create(schema.Record{"id": "u1", "name": 3})
	var vErr *schema.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, []string{"name"}, vErr.Fields())

	assert.True(t, b.Users.HasField("email"))
	assert.False(t, b.Users.HasField("nickname"))
	f, err := b.Users.GetField("email")
	require.NoError(t, err)
	assert.True(t, f.IsUnique())

	_, err = b.Users.GetField("nickname")
	var fieldErr *table.UnknownFieldError
	require.ErrorAs(t, err, &fieldErr)
	assert.Equal(t, "nickname", fieldErr.Field)
}

func TestTable_GetForeignKey(t *testing.T) {
	b := newBlog()

	fk, err := b.Users.GetForeignKey(table.ForeignKeyOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.KindString, fk.Kind())
	assert.True(t, fk.IsIndexed())
	assert.True(t, fk.IsNullable())
	assert.False(t, fk.IsRequired())
	def, ok := fk.DefaultValue()
	assert.True(t, ok)
	assert.Nil(t, def)

	fk, err = b.Users.GetForeignKey(table.ForeignKeyOptions{FieldName: "age", IsManyToMany: true})
	require.NoError(t, err)
	assert.Equal(t, schema.KindInteger, fk.Kind())
	assert.True(t, fk.IsRequired())
	assert.False(t, fk.IsNullable())

	_, err = b.Users.GetForeignKey(table.ForeignKeyOptions{FieldName: "nickname"})
	var fieldErr *table.UnknownFieldError
	assert.ErrorAs(t, err, &fieldErr)
}

func TestTable_InsertGetDelete(t *testing.T) {
	c := newConn(t)
	b := newBlog()
	b.sync(t, c)
	ctx := context.Background()

	res := run(t, c, mustTerm(t)(b.Users.Insert(schema.Record{"id": "u1", "name": "Ann", "age": 31})))
	assert.Equal(t, 1, res.(map[string]any)["inserted"])

	doc, err := c.RunRecord(ctx, b.Users.Get("u1"))
	require.NoError(t, err)
	assert.Equal(t, "Ann", doc["name"])
	assert.Equal(t, fixedNow, doc["createdAt"])
	assert.NotContains(t, doc, "updatedAt")

	_, err = b.Users.Insert(schema.Record{"id": "u2"})
	var vErr *schema.ValidationError
	assert.ErrorAs(t, err, &vErr)

	_, err = c.Run(ctx, mustTerm(t)(b.Users.Insert(schema.Record{"id": "u1", "name": "Again"})))
	assert.ErrorIs(t, err, engine.ErrDuplicateKey)

	run(t, c, mustTerm(t)(b.Users.Insert(schema.Record{"id": "u1", "name": "Ann B"}, table.WithConflict(expr.ConflictUpdate))))
	doc, err = c.RunRecord(ctx, b.Users.Get("u1"))
	require.NoError(t, err)
	assert.Equal(t, "Ann B", doc["name"])
	assert.Equal(t, 31, doc["age"])

	run(t, c, b.Users.Delete("u1"))
	doc, err = c.RunRecord(ctx, b.Users.Get("u1"))
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestTable_Update(t *testing.T) {
	c := newConn(t)
	b := newBlog()
	b.sync(t, c)
	ctx := context.Background()

	for _, id := range []string{"u1", "u2", "u3"} {
		run(t, c, mustTerm(t)(b.Users.Insert(schema.Record{"id": id, "name": id})))
	}

	res := run(t, c, mustTerm(t)(b.Users.Update([]string{"u1", "u2"}, schema.Record{"age": 20})))
	assert.Equal(t, 2, res.(map[string]any)["replaced"])

	docs, err := c.RunRecords(ctx, b.Users.Query().GetAll([]any{"u1", "u2", "u3"}, expr.Options{expr.OptOrderBy: "id"}))
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, 20, docs[0]["age"])
	assert.Equal(t, 20, docs[1]["age"])
	assert.NotContains(t, docs[2], "age")
	assert.Equal(t, fixedNow, docs[0]["updatedAt"])
	assert.NotContains(t, docs[2], "updatedAt")

	_, err = b.Users.Update("u1", schema.Record{"age": "old"})
	var vErr *schema.ValidationError
	assert.ErrorAs(t, err, &vErr)

	res = run(t, c, mustTerm(t)(b.Users.Update("missing", schema.Record{"age": 1})))
	assert.Equal(t, 1, res.(map[string]any)["skipped"])
}

func TestTable_Uniqueness(t *testing.T) {
	c := newConn(t)
	b := newBlog()
	b.sync(t, c)
	ctx := context.Background()

	run(t, c, mustTerm(t)(b.Users.Insert(schema.Record{"id": "u1", "name": "Ann", "email": "ann@x.io"})))

	_, err := c.Run(ctx, mustTerm(t)(b.Users.Insert(schema.Record{"id": "u2", "name": "Imposter", "email": "ann@x.io"})))
	var uErr *table.UniquenessViolationError
	require.ErrorAs(t, err, &uErr)
	assert.Equal(t, "email", uErr.Field)
	assert.Equal(t, "ann@x.io", uErr.Value)

	doc, err := c.RunRecord(ctx, b.Users.Get("u2"))
	require.NoError(t, err)
	assert.Nil(t, doc, "a failed check must not write")

	t.Run("own record is exempt", func(t *testing.T) {
		run(t, c, mustTerm(t)(b.Users.Update("u1", schema.Record{"email": "ann@x.io", "name": "Ann"})))
		run(t, c, mustTerm(t)(b.Users.Insert(schema.Record{"id": "u1", "name": "Ann", "email": "ann@x.io"}, table.WithConflict(expr.ConflictReplace))))
	})

	t.Run("null values are exempt", func(t *testing.T) {
		run(t, c, mustTerm(t)(b.Users.Insert(schema.Record{"id": "n1", "name": "N1", "email": nil})))
		run(t, c, mustTerm(t)(b.Users.Insert(schema.Record{"id": "n2", "name": "N2", "email": nil})))
		run(t, c, mustTerm(t)(b.Users.Insert(schema.Record{"id": "n3", "name": "N3"})))
	})

	t.Run("update to a taken value", func(t *testing.T) {
		_, err := c.Run(ctx, mustTerm(t)(b.Users.Update("n1", schema.Record{"email": "ann@x.io"})))
		var uErr *table.UniquenessViolationError
		assert.ErrorAs(t, err, &uErr)
	})

	t.Run("update of several records to one value", func(t *testing.T) {
		_, err := c.Run(ctx, mustTerm(t)(b.Users.Update([]string{"n1", "n2"}, schema.Record{"email": "shared@x.io"})))
		var uErr *table.UniquenessViolationError
		require.ErrorAs(t, err, &uErr)
		assert.Equal(t, "email", uErr.Field)
		n := run(t, c, b.Users.Query().GetAll([]any{"shared@x.io"}, expr.Options{expr.OptIndex: "email"}).Count())
		assert.Equal(t, 0, n, "no record holds the value")

		// One existing record among the keys may take the value.
		run(t, c, mustTerm(t)(b.Users.Update([]string{"n1", "n1", "missing"}, schema.Record{"email": "shared@x.io"})))
		doc, err := c.RunRecord(ctx, b.Users.Get("n1"))
		require.NoError(t, err)
		assert.Equal(t, "shared@x.io", doc["email"])

		// Clearing the value on several records is fine.
		run(t, c, mustTerm(t)(b.Users.Update([]string{"n1", "n2"}, schema.Record{"email": nil})))
	})

	t.Run("nothing to check", func(t *testing.T) {
		assert.Equal(t, expr.OpDatum, b.Users.AssertIntegrate(schema.Record{"name": "x"}).Op())
		assert.Nil(t, run(t, c, b.Users.AssertIntegrate(schema.Record{"email": "free@x.io"})))
	})
}

func TestTable_Uniqueness_Concurrent(t *testing.T) {
	c := newConn(t)
	b := newBlog()
	b.sync(t, c)

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		q := mustTerm(t)(b.Users.Insert(schema.Record{"id": string(rune('a' + i)), "name": "W", "email": "same@x.io"}))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Run(context.Background(), q)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, violations int
	for err := range errs {
		var uErr *table.UniquenessViolationError
		switch {
		case err == nil:
			ok++
		case errors.As(err, &uErr):
			violations++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, writers-1, violations)

	n := run(t, c, b.Users.Query().GetAll([]any{"same@x.io"}, expr.Options{expr.OptIndex: "email"}).Count())
	assert.Equal(t, 1, n)
}
