// Package main is the entry point for the home security intelligence core.
package main

import (
	"fmt"
	"os"

	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
