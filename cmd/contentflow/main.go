// Package main is the contentflow binary entry point.
package main

import (
	"fmt"
	"os"

	"github.com/dshills/contentflow/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
