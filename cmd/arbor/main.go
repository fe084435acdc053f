package main

import (
	"log"
	"os"

	"github.com/krizzo101/arbor/internal/cli"
)

func main() {
	// stdout belongs to the MCP stdio transport; all logging goes to stderr.
	log.SetOutput(os.Stderr)

	if err := cli.BuildCLI().Execute(); err != nil {
		os.Exit(1)
	}
}
