// Package dynamostore is an engine.Backend backed by Amazon DynamoDB.
//
// Each table is a DynamoDB table keyed by its primary key field and each
// secondary index is a global secondary index. Writes of a transaction are
// buffered and sent with TransactWriteItems on Commit. Table and index
// creation take effect immediately.
package dynamostore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/cube3power/nothinkdb/engine"
	"go.uber.org/zap"
)

// Client is the part of *dynamodb.Client the store uses.
type Client interface {
	ListTables(ctx context.Context, params *dynamodb.ListTablesInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ListTablesOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	UpdateTable(ctx context.Context, params *dynamodb.UpdateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateTableOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

var _ Client = (*dynamodb.Client)(nil)

// Options configures the DynamoDB store.
type Options struct {
	// TablePrefix is prepended to every table name, so that several
	// databases can share an account.
	TablePrefix string
	// PollInterval is the delay between DescribeTable calls while waiting
	// for a table or index to become active. Defaults to 2s.
	PollInterval time.Duration
	Logger       *zap.SugaredLogger
}

// Store is a document store backed by DynamoDB.
type Store struct {
	client Client
	opts   Options
	log    *zap.SugaredLogger
	writer chan struct{}

	mu  sync.Mutex
	pks map[string]string
}

var _ engine.Backend = (*Store)(nil)

func New(client Client, opts Options) *Store {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Store{
		client: client,
		opts:   opts,
		log:    log,
		writer: make(chan struct{}, 1),
		pks:    make(map[string]string),
	}
}

// ClientConfig describes how to reach DynamoDB.
type ClientConfig struct {
	Region string
	// Endpoint overrides the service endpoint (e.g., for DynamoDB Local).
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// NewClient builds a DynamoDB client from the default AWS configuration
// chain and the overrides in cfg.
func NewClient(ctx context.Context, cfg ClientConfig) (*dynamodb.Client, error) {
	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}
	var clientOpts []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	return dynamodb.NewFromConfig(awsCfg, clientOpts...), nil
}

// Begin starts a transaction. Writable transactions of one Store are
// serialised.
func (s *Store) Begin(ctx context.Context, writable bool) (engine.Tx, error) {
	if writable {
		select {
		case s.writer <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &tx{
		ctx:      ctx,
		store:    s,
		writable: writable,
		pending:  make(map[string]map[string]pendingWrite),
	}, nil
}

func (s *Store) physical(table string) string {
	return s.opts.TablePrefix + table
}

func (s *Store) cachedPK(table string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pk, ok := s.pks[table]
	return pk, ok
}

func (s *Store) cachePK(table, pk string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pks[table] = pk
}
