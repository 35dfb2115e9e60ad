// Package main is the entry point for the openclaw CLI.
package main

import (
	"os"

	"github.com/openclaw/openclaw/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
