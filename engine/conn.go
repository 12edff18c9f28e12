// Package engine executes composed queries (package expr) against a
// document store Backend.
//
// A Conn runs each term in a single backend transaction: reads and writes of
// one term see each other, and a term that raises an error leaves no writes
// behind.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cube3power/nothinkdb/expr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Conn executes terms against a Backend. It is safe for concurrent use if the
// Backend is.
type Conn struct {
	backend Backend
	log     *zap.SugaredLogger
	now     func() time.Time
}

type Option func(*Conn)

// WithLogger logs every executed term at debug level.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Conn) { c.log = l }
}

// WithClock overrides the server clock used by expr.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Conn) { c.now = now }
}

func New(backend Backend, opts ...Option) *Conn {
	c := &Conn{
		backend: backend,
		log:     zap.NewNop().Sugar(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run evaluates t and returns its value with selections resolved to records.
//
// Errors raised by expr.Error terms are returned unchanged. Every other
// failure is a *DatabaseError.
func (c *Conn) Run(ctx context.Context, t expr.Term) (any, error) {
	if !t.IsValid() {
		return nil, &DatabaseError{Err: fmt.Errorf("invalid term")}
	}
	writable := t.Writes()
	tx, err := c.backend.Begin(ctx, writable)
	if err != nil {
		return nil, &DatabaseError{Op: t.Op(), Err: fmt.Errorf("begin transaction: %w", err)}
	}
	defer tx.Discard()

	if c.log.Desugar().Core().Enabled(zapcore.DebugLevel) {
		c.log.Debugw("run", "query", t.String(), "writable", writable)
	}

	e := &evaluator{
		ctx: ctx,
		tx:  tx,
		now: c.now().UTC(),
		env: make(map[expr.VarID]any),
	}
	v, err := e.value(t)
	if err != nil {
		var raised *raisedError
		if errors.As(err, &raised) {
			return nil, raised.err
		}
		var dbErr *DatabaseError
		if errors.As(err, &dbErr) {
			return nil, dbErr
		}
		return nil, &DatabaseError{Op: t.Op(), Err: err}
	}
	if writable {
		if err := tx.Commit(); err != nil {
			return nil, &DatabaseError{Op: t.Op(), Err: fmt.Errorf("commit: %w", err)}
		}
	}
	return v, nil
}

// RunRecord runs t and returns its value as a single record, or nil.
func (c *Conn) RunRecord(ctx context.Context, t expr.Term) (map[string]any, error) {
	v, err := c.Run(ctx, t)
	if err != nil || v == nil {
		return nil, err
	}
	doc, ok := v.(map[string]any)
	if !ok {
		return nil, &DatabaseError{Op: t.Op(), Err: fmt.Errorf("expected an object, got %s", typeName(v))}
	}
	return doc, nil
}

// RunRecords runs t and returns its value as a list of records. Null
// elements are kept.
func (c *Conn) RunRecords(ctx context.Context, t expr.Term) ([]map[string]any, error) {
	v, err := c.Run(ctx, t)
	if err != nil {
		return nil, err
	}
	seq, ok := v.([]any)
	if !ok {
		return nil, &DatabaseError{Op: t.Op(), Err: fmt.Errorf("expected an array, got %s", typeName(v))}
	}
	out := make([]map[string]any, len(seq))
	for i, item := range seq {
		if item == nil {
			continue
		}
		doc, ok := item.(map[string]any)
		if !ok {
			return nil, &DatabaseError{Op: t.Op(), Err: fmt.Errorf("expected an object, got %s", typeName(item))}
		}
		out[i] = doc
	}
	return out, nil
}
