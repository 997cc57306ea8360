// Package main is the entry point for the gpu-index CLI.
package main

import (
	"os"

	"gpu-index/cmd/cli/cmd"
	"gpu-index/internal/logging"
)

func main() {
	err := cmd.Execute()
	logging.Sync()
	if err != nil {
		os.Exit(1)
	}
}
