// Package main is the entry point of the charcore character backend.
//
// Usage:
//
//	charcore [flags] <command> [subcommand] [args]
//
// Commands:
//
//	serve         - Run the job scheduler and the HTTP API
//	capabilities  - List the built-in operation capabilities
//	probe         - Fetch the metadata of a remote operation server
//	config        - Show, query and validate configuration files
//	version       - Show version information
package main

import (
	"fmt"
	"os"

	"github.com/haivivi/charcore/cmd/charcore/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
