// Command memoryctl is the operator CLI for the memory engine: ingest
// messages, run ad hoc retrieval queries, inspect stats, and apply
// pending schema migrations.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
