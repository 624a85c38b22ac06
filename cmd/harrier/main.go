package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/harrier-ai/harrier/internal/cmd"
)

// Version information (set via ldflags at release build)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Load .env if present so quickstart setups can keep provider keys
	// out of their shell profile. Missing file is not an error.
	_ = godotenv.Load()

	cmd.Version = version
	cmd.Commit = commit
	cmd.BuildDate = date

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
