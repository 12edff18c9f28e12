package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cube3power/nothinkdb/engine"
	"github.com/cube3power/nothinkdb/expr"
	"github.com/cube3power/nothinkdb/store/badgerstore"
	"github.com/cube3power/nothinkdb/store/dynamostore"
	"github.com/cube3power/nothinkdb/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type app struct {
	configPath string
	backend    string
	dataDir    string
	memory     bool
	verbose    bool

	cfg Config
	log *zap.SugaredLogger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "nothink",
		Short:         "Provision and inspect nothinkdb databases",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "config file (default: nothink.yaml in the working directory or above)")
	flags.StringVar(&a.backend, "backend", "", "backend: badger or dynamodb (overrides the config file)")
	flags.StringVar(&a.dataDir, "db", "", "BadgerDB directory (overrides the config file)")
	flags.BoolVar(&a.memory, "memory", false, "use an in-memory BadgerDB")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "log debug output")

	root.AddCommand(a.syncCmd(), a.tablesCmd(), a.indexesCmd(), a.getCmd())
	return root
}

func (a *app) init() error {
	var logger *zap.Logger
	var err error
	if a.verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	a.log = logger.Sugar()

	a.cfg, err = LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	if a.backend != "" {
		a.cfg.Backend = a.backend
	}
	if a.dataDir != "" {
		a.cfg.Badger.Path = a.dataDir
	}
	if a.memory {
		a.cfg.Badger.InMemory = true
	}
	return nil
}

// open connects to the configured backend. The returned function closes it.
func (a *app) open(ctx context.Context) (*engine.Conn, func(), error) {
	switch a.cfg.Backend {
	case "", "badger":
		store, err := badgerstore.New(badgerstore.StoreOptions{
			Path:     a.cfg.Badger.Path,
			InMemory: a.cfg.Badger.InMemory,
			Logger:   a.log,
		})
		if err != nil {
			return nil, nil, err
		}
		closeStore := func() {
			if err := store.Close(); err != nil {
				a.log.Warnw("close badger store", "error", err)
			}
		}
		return engine.New(store, engine.WithLogger(a.log)), closeStore, nil
	case "dynamodb":
		d := a.cfg.DynamoDB
		client, err := dynamostore.NewClient(ctx, dynamostore.ClientConfig{
			Region:          d.Region,
			Endpoint:        d.Endpoint,
			AccessKeyID:     d.AccessKeyID,
			SecretAccessKey: d.SecretAccessKey,
		})
		if err != nil {
			return nil, nil, err
		}
		store := dynamostore.New(client, dynamostore.Options{
			TablePrefix: d.TablePrefix,
			Logger:      a.log,
		})
		return engine.New(store, engine.WithLogger(a.log)), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", a.cfg.Backend)
}

func (a *app) loadTables() (map[string]*table.Table, error) {
	if a.cfg.Schema == "" {
		return nil, fmt.Errorf("no table definitions: set schema in %s", configFileName)
	}
	return table.LoadFile(a.cfg.Schema, a.log)
}

func (a *app) syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [table...]",
		Short: "Create the tables and indexes of the table definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			tables, err := a.loadTables()
			if err != nil {
				return err
			}
			names := args
			if len(names) == 0 {
				names = maps.Keys(tables)
				slices.Sort(names)
			}
			conn, closeConn, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer closeConn()

			for _, name := range names {
				t, ok := tables[name]
				if !ok {
					return fmt.Errorf("table %q is not defined", name)
				}
				if err := t.Sync(ctx, conn); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", name, t.State())
			}
			return nil
		},
	}
}

func (a *app) tablesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tables",
		Short: "List tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.printList(cmd, expr.TableList())
		},
	}
}

func (a *app) indexesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "indexes <table>",
		Short: "List the secondary indexes of a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.printList(cmd, expr.Table(args[0]).IndexList())
		},
	}
}

func (a *app) printList(cmd *cobra.Command, q expr.Term) error {
	conn, closeConn, err := a.open(cmd.Context())
	if err != nil {
		return err
	}
	defer closeConn()

	v, err := conn.Run(cmd.Context(), q)
	if err != nil {
		return err
	}
	items, _ := v.([]any)
	for _, item := range items {
		fmt.Fprintln(cmd.OutOrStdout(), item)
	}
	return nil
}

func (a *app) getCmd() *cobra.Command {
	var joins []string
	cmd := &cobra.Command{
		Use:   "get <table> <pk>",
		Short: "Print a record as JSON",
		Long: `Print a record as JSON.

Relations named with --join are merged into the record. Dotted names join
nested relations, e.g. --join comments.author.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			tables, err := a.loadTables()
			if err != nil {
				return err
			}
			t, ok := tables[args[0]]
			if !ok {
				return fmt.Errorf("table %q is not defined", args[0])
			}
			spec, err := table.ParseJoins(joinPaths(joins))
			if err != nil {
				return err
			}
			conn, closeConn, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer closeConn()

			doc, err := conn.RunRecord(ctx, t.WithJoin(t.Get(args[1]), spec))
			if err != nil {
				return err
			}
			if doc == nil {
				return fmt.Errorf("%s %q not found", args[0], args[1])
			}
			out, err := json.MarshalIndent(doc, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&joins, "join", "j", nil, "relations to join (repeatable, comma-separated)")
	return cmd
}

// joinPaths turns dotted relation paths into the nested map form of
// table.ParseJoins.
func joinPaths(paths []string) map[string]any {
	root := map[string]any{}
	for _, p := range paths {
		node := root
		parts := strings.Split(p, ".")
		for i, part := range parts {
			if i == len(parts)-1 {
				if _, ok := node[part]; !ok {
					node[part] = true
				}
				break
			}
			child, ok := node[part].(map[string]any)
			if !ok {
				child = map[string]any{}
				node[part] = child
			}
			node = child
		}
	}
	return root
}
