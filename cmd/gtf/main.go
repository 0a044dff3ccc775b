// Package main implements the go-taint-flow CLI (gtf).
// It runs taint propagation passes over a control flow store and exposes
// the lookups the analyzers are built on.
package main

import (
	"os"

	"github.com/l3aro/go-taint-flow/cmd/gtf/commands"
)

var version = "dev"

func main() {
	commands.RootCmd.Version = version
	commands.RootCmd.SetVersionTemplate(`gtf version {{.Version}}
`)

	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
