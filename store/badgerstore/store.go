// Package badgerstore is an embedded engine.Backend backed by BadgerDB.
//
// Writable transactions are serialised: at most one is open at a time, so a
// term that checks a condition and then writes does so atomically.
package badgerstore

import (
	"context"
	"fmt"

	"github.com/cube3power/nothinkdb/engine"
	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Store is a document store backed by BadgerDB.
type Store struct {
	db     *badger.DB
	log    *zap.SugaredLogger
	writer chan struct{}
}

var _ engine.Backend = (*Store)(nil)

// StoreOptions configures the BadgerDB store.
type StoreOptions struct {
	// Path to the database directory. If empty, uses in-memory mode.
	Path string
	// InMemory forces in-memory mode even if Path is set.
	InMemory bool
	// Logger receives BadgerDB's own log output. If nil, logging is disabled.
	Logger *zap.SugaredLogger
}

// New opens a BadgerDB-backed store.
func New(opts StoreOptions) (*Store, error) {
	badgerOpts := badger.DefaultOptions(opts.Path)
	if opts.Path == "" || opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true)
	}

	log := opts.Logger
	if log != nil {
		badgerOpts = badgerOpts.WithLogger(badgerLogger{log.Named("badger")})
	} else {
		badgerOpts = badgerOpts.WithLogger(nil)
		log = zap.NewNop().Sugar()
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger db: %w", err)
	}
	return &Store{
		db:     db,
		log:    log,
		writer: make(chan struct{}, 1),
	}, nil
}

// Close closes the BadgerDB database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Begin starts a transaction. A writable transaction waits until no other
// writable transaction is open, or until ctx is done.
func (s *Store) Begin(ctx context.Context, writable bool) (engine.Tx, error) {
	if writable {
		select {
		case s.writer <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &tx{
		store:    s,
		txn:      s.db.NewTransaction(writable),
		writable: writable,
		tables:   make(map[string]*tableMeta),
	}, nil
}

func (s *Store) release() {
	<-s.writer
}

// badgerLogger routes BadgerDB logs to zap.
type badgerLogger struct {
	log *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.log.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.log.Warnf(f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.log.Infof(f, v...) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.log.Debugf(f, v...) }
