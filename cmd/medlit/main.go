// Package main provides the entry point for the medlit CLI.
package main

import (
	"os"

	"github.com/medlit/medlit/cmd/medlit/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
