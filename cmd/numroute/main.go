// Package main is the entry point for the numroute CLI.
package main

import (
	"os"

	"github.com/numroute/numroute/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
