// Package main provides the entry point for the court capture agent: the HTTP API
// server and the administrative commands around it.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "capture_agent",
	Short: "Court system capture agent",
	Long: `capture_agent logs in to court systems with stored lawyer credentials, captures
paginated datasets (hearings, pending items, docket, archive) and records an audit
trail of every run.

Configuration comes from the environment (.env is loaded when present) and an
optional JSON file given with --config. Environment values win over the file.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.json file")
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
