// custody seals evidence, runs analyzers over it and records consensus
// verdicts under a hash-chained audit ledger.
//
// Usage:
//
//	custody seal --case <id> <file|->...
//	custody run <scenario> [--brief] [--jsonl <path>]
//	custody case list | case show <id>
//	custody ledger verify | ledger show [--since N]
//	custody export <case> -o <bundle.jsonl>
//	custody verify-export <bundle.jsonl>
//	custody serve [--scenario <name>]
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
