// ABOUTME: Entry point for the fedicache operator CLI
// ABOUTME: Inspects and maintains the local social-network cache database

package main

import (
	"os"

	"github.com/fatih/color"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
