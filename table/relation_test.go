package table_test

import (
	"context"
	"testing"

	"github.com/cube3power/nothinkdb/engine"
	"github.com/cube3power/nothinkdb/expr"
	"github.com/cube3power/nothinkdb/schema"
	"github.com/cube3power/nothinkdb/table"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedBlog(t *testing.T, c *engine.Conn, b *blog) {
	t.Helper()
	insert := func(tbl *table.Table, rec schema.Record) {
		t.Helper()
		run(t, c, mustTerm(t)(tbl.Insert(rec)))
	}
	insert(b.Users, schema.Record{"id": "u1", "name": "Ann"})
	insert(b.Users, schema.Record{"id": "u2", "name": "Bob"})
	insert(b.Posts, schema.Record{"id": "p1", "title": "First", "authorId": "u1"})
	insert(b.Posts, schema.Record{"id": "p2", "title": "Orphan"})
	insert(b.Comments, schema.Record{"id": "c1", "body": "nice", "postId": "p1", "authorId": "u2"})
	insert(b.Comments, schema.Record{"id": "c2", "body": "thanks", "postId": "p1", "authorId": "u1"})
	insert(b.Comments, schema.Record{"id": "c3", "body": "hello?", "postId": "p2"})
	insert(b.Tags, schema.Record{"id": "go", "label": "Go"})
	insert(b.Tags, schema.Record{"id": "db", "label": "Databases"})
	insert(b.Tags, schema.Record{"id": "misc", "label": "Misc"})
}

func TestRelation_Kinds(t *testing.T) {
	b := newBlog()
	rels, err := b.Posts.Relations()
	require.NoError(t, err)

	author := rels["author"]
	assert.Equal(t, table.KindToOne, author.Kind())
	assert.Equal(t, table.Endpoint{Table: b.Posts, Field: "authorId"}, author.Owner())
	assert.Equal(t, table.Endpoint{Table: b.Users, Field: "id"}, author.Target())

	comments := rels["comments"]
	assert.Equal(t, table.KindToMany, comments.Kind())
	assert.Equal(t, table.Endpoint{Table: b.Posts, Field: "id"}, comments.Owner())
	assert.Equal(t, table.Endpoint{Table: b.Comments, Field: "postId"}, comments.Target())

	tags, ok := rels["tags"].(table.ManyToMany)
	require.True(t, ok)
	assert.Equal(t, table.KindManyToMany, tags.Kind())
	join := tags.JoinTable()
	assert.Equal(t, "posts_tags", join.Name())
	assert.ElementsMatch(t, []string{"id", "posts_id", "tags_id"}, join.Schema().Names())
	assert.Equal(t, []string{"posts_id", "tags_id"}, join.IndexPlan())

	k, err := table.ParseRelationKind("toMany")
	require.NoError(t, err)
	assert.Equal(t, table.KindToMany, k)
	_, err = table.ParseRelationKind("oneToFew")
	assert.Error(t, err)
}

func TestQueryRelated(t *testing.T) {
	c := newConn(t)
	b := newBlog()
	b.sync(t, c)
	seedBlog(t, c, b)
	ctx := context.Background()

	q := mustTerm(t)(b.Posts.QueryRelated("author", "u1", nil))
	doc, err := c.RunRecord(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, "Ann", doc["name"])

	q = mustTerm(t)(b.Posts.QueryRelated("author", "nobody", nil))
	doc, err = c.RunRecord(ctx, q)
	require.NoError(t, err)
	assert.Nil(t, doc)

	q = mustTerm(t)(b.Posts.QueryRelated("comments", "p1", expr.Options{expr.OptOrderBy: "-id"}))
	docs, err := c.RunRecords(ctx, q)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "c2", docs[0]["id"])
	assert.Equal(t, "c1", docs[1]["id"])

	_, err = b.Posts.QueryRelated("likes", "p1", nil)
	var notFound *table.RelationNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "likes", notFound.Relation)
}

func TestWithJoin(t *testing.T) {
	c := newConn(t)
	b := newBlog()
	b.sync(t, c)
	seedBlog(t, c, b)
	ctx := context.Background()

	joins := table.Joins{
		"author": nil,
		"comments": &table.JoinSpec{
			Options:   expr.Options{expr.OptOrderBy: "id"},
			Relations: table.Joins{"author": nil},
		},
	}

	doc, err := c.RunRecord(ctx, b.Posts.WithJoin(b.Posts.Get("p1"), joins))
	require.NoError(t, err)
	assert.Equal(t, "First", doc["title"])
	assert.Equal(t, "Ann", doc["author"].(map[string]any)["name"])
	comments := doc["comments"].([]any)
	require.Len(t, comments, 2)
	assert.Equal(t, "Bob", comments[0].(map[string]any)["author"].(map[string]any)["name"])
	assert.Equal(t, "Ann", comments[1].(map[string]any)["author"].(map[string]any)["name"])

	t.Run("missing link", func(t *testing.T) {
		doc, err := c.RunRecord(ctx, b.Posts.WithJoin(b.Posts.Get("p2"), joins))
		require.NoError(t, err)
		assert.Nil(t, doc["author"])
		comments := doc["comments"].([]any)
		require.Len(t, comments, 1)
		assert.Nil(t, comments[0].(map[string]any)["author"])
	})

	t.Run("sequence", func(t *testing.T) {
		docs, err := c.RunRecords(ctx, b.Posts.WithJoin(
			b.Posts.Query().GetAll([]any{"p1", "p2"}, expr.Options{expr.OptOrderBy: "id"}),
			table.Joins{"author": nil},
		))
		require.NoError(t, err)
		require.Len(t, docs, 2)
		assert.Equal(t, "Ann", docs[0]["author"].(map[string]any)["name"])
		assert.Nil(t, docs[1]["author"])
	})

	t.Run("null row", func(t *testing.T) {
		v, err := c.Run(ctx, b.Posts.WithJoin(b.Posts.Get("missing"), table.Joins{"likes": nil}))
		require.NoError(t, err)
		assert.Nil(t, v)
	})

	t.Run("unknown relation", func(t *testing.T) {
		_, err := c.Run(ctx, b.Posts.WithJoin(b.Posts.Get("p1"), table.Joins{"likes": nil}))
		var notFound *table.RelationNotFoundError
		require.ErrorAs(t, err, &notFound)
		assert.Equal(t, "posts", notFound.Table)
	})

	t.Run("no joins", func(t *testing.T) {
		q := b.Posts.Get("p1")
		assert.Equal(t, q.String(), b.Posts.WithJoin(q, nil).String())
	})
}

func TestManyToMany(t *testing.T) {
	c := newConn(t)
	b := newBlog()
	b.sync(t, c)
	seedBlog(t, c, b)
	ctx := context.Background()

	run(t, c, mustTerm(t)(b.Posts.CreateRelation("tags", "p1", "go")))
	run(t, c, mustTerm(t)(b.Posts.CreateRelation("tags", "p1", "db")))
	run(t, c, mustTerm(t)(b.Posts.CreateRelation("tags", "p1", "db")))
	run(t, c, mustTerm(t)(b.Posts.CreateRelation("tags", "p2", "misc")))

	docs, err := c.RunRecords(ctx, mustTerm(t)(b.Posts.QueryRelated("tags", "p1", expr.Options{expr.OptOrderBy: "id"})))
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "db", docs[0]["id"])
	assert.Equal(t, "go", docs[1]["id"])

	assert.Equal(t, true, run(t, c, mustTerm(t)(b.Posts.HasRelation("tags", "p1", "go"))))
	assert.Equal(t, false, run(t, c, mustTerm(t)(b.Posts.HasRelation("tags", "p1", "misc"))))

	doc, err := c.RunRecord(ctx, b.Posts.WithJoin(b.Posts.Get("p1"), table.Joins{
		"tags": &table.JoinSpec{Options: expr.Options{expr.OptOrderBy: "id", expr.OptPluck: []string{"label"}}},
	}))
	require.NoError(t, err)
	assert.Equal(t, []any{
		map[string]any{"label": "Databases"},
		map[string]any{"label": "Go"},
	}, doc["tags"])

	run(t, c, mustTerm(t)(b.Posts.RemoveRelation("tags", "p1", "go")))
	assert.Equal(t, false, run(t, c, mustTerm(t)(b.Posts.HasRelation("tags", "p1", "go"))))
	docs, err = c.RunRecords(ctx, mustTerm(t)(b.Posts.QueryRelated("tags", "p1", nil)))
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "db", docs[0]["id"])

	_, err = b.Posts.CreateRelation("author", "p1", "u1")
	var unsupported *table.UnsupportedRelationOperationError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "create", unsupported.Operation)

	_, err = b.Posts.HasRelation("likes", "p1", "go")
	var notFound *table.RelationNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestManyToMany_DistinctPairs(t *testing.T) {
	c := newConn(t)
	b := newBlog()
	b.sync(t, c)
	has := func(post, tag any) any {
		return run(t, c, mustTerm(t)(b.Posts.HasRelation("tags", post, tag)))
	}

	run(t, c, mustTerm(t)(b.Posts.CreateRelation("tags", "p_1", "x")))
	run(t, c, mustTerm(t)(b.Posts.CreateRelation("tags", "p", "1_x")))
	assert.Equal(t, true, has("p_1", "x"))
	assert.Equal(t, true, has("p", "1_x"))
	assert.Equal(t, 2, run(t, c, expr.Table("posts_tags").Count()))

	run(t, c, mustTerm(t)(b.Posts.RemoveRelation("tags", "p", "1_x")))
	assert.Equal(t, false, has("p", "1_x"))
	assert.Equal(t, true, has("p_1", "x"), "removing one pair keeps the other")

	// Keys of different types are different keys; numbers agree across types.
	run(t, c, mustTerm(t)(b.Posts.CreateRelation("tags", 1, "x")))
	assert.Equal(t, false, has("1", "x"))
	assert.Equal(t, true, has(1.0, "x"))
	assert.Equal(t, true, has(int64(1), "x"))
}

func TestManyToMany_JoinTableName(t *testing.T) {
	c := newConn(t)
	b := newBlog()
	rels := func() table.Relations {
		return table.Relations{
			"tags":     b.Posts.LinkTo(b.Tags, "id", table.LinkOptions{}).ManyToMany(),
			"featured": b.Posts.LinkTo(b.Tags, "id", table.LinkOptions{JoinTable: "posts_featured_tags"}).ManyToMany(),
		}
	}
	posts := table.MustNew(table.Options{Name: "posts", Schema: b.Posts.Schema, Relations: rels})
	require.NoError(t, posts.Sync(context.Background(), c))
	assert.Equal(t, []any{"posts", "posts_featured_tags", "posts_tags", "tags"}, run(t, c, expr.TableList()))

	run(t, c, mustTerm(t)(posts.CreateRelation("featured", "p1", "go")))
	assert.Equal(t, true, run(t, c, mustTerm(t)(posts.HasRelation("featured", "p1", "go"))))
	assert.Equal(t, false, run(t, c, mustTerm(t)(posts.HasRelation("tags", "p1", "go"))))

	clash := table.MustNew(table.Options{
		Name:   "posts",
		Schema: b.Posts.Schema,
		Relations: func() table.Relations {
			return table.Relations{
				"tags":     b.Posts.LinkTo(b.Tags, "id", table.LinkOptions{}).ManyToMany(),
				"featured": b.Posts.LinkTo(b.Tags, "id", table.LinkOptions{}).ManyToMany(),
			}
		},
	})
	_, err := clash.Relations()
	var cfgErr *table.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Reason, "posts_tags")
	assert.ErrorAs(t, clash.Sync(context.Background(), c), &cfgErr)
}

func TestParseJoins(t *testing.T) {
	joins, err := table.ParseJoins(map[string]any{
		"author": true,
		"draft":  false,
		"comments": map[string]any{
			"_orderBy": "id",
			"_limit":   5,
			"author":   true,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, table.Joins{
		"author": nil,
		"comments": &table.JoinSpec{
			Options:   expr.Options{"orderBy": "id", "limit": 5},
			Relations: table.Joins{"author": nil},
		},
	}, joins)

	_, err = table.ParseJoins(map[string]any{"_limit": 1})
	assert.Error(t, err)
	_, err = table.ParseJoins(map[string]any{"author": "yes"})
	assert.Error(t, err)
	_, err = table.ParseJoins(map[string]any{"comments": map[string]any{"author": 1}})
	assert.Error(t, err)
}
