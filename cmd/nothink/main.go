// nothink provisions and inspects nothinkdb databases.
//
// # Installation
//
//	go install github.com/cube3power/nothinkdb/cmd/nothink@latest
//
// # Commands
//
//	nothink sync              Create the tables and indexes of the table definitions
//	nothink tables            List tables
//	nothink indexes <table>   List the secondary indexes of a table
//	nothink get <table> <pk>  Print a record, optionally with joined relations
//
// # Configuration
//
// Settings are read from nothink.yaml, searched upward from the working
// directory, or from the file given with --config:
//
//	backend: badger          # or dynamodb
//	schema: tables.yaml      # table definitions
//	badger:
//	  path: ./data
//	dynamodb:
//	  region: eu-north-1
//	  endpoint: http://localhost:8000
//	  tablePrefix: dev_
package main

import (
	"fmt"
	"os"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "nothink: %v\n", err)
		os.Exit(1)
	}
}
