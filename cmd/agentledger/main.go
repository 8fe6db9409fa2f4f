// Package main is the entry point for the agentledger CLI.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "agentledger:", err)
		os.Exit(1)
	}
}
