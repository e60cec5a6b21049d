// Package main provides the entry point for the kos-kit-server CLI.
package main

import (
	"os"

	"github.com/kos-kit/kos-kit-server/cmd/kos-kit-server/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
