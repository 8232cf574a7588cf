// Package main provides the saga command line: it records turns, drives compaction of the
// narrative log and inspects the archive.
package main

import (
	"fmt"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"

	"github.com/entrhq/saga/pkg/config"
	"github.com/entrhq/saga/pkg/logging"
)

const (
	version      = "0.1.0"
	defaultModel = "gpt-4o-mini"
)

var debugLog *logging.Logger

func init() {
	debugLog = logging.MustNew("cli")
}

var (
	flagConfig  string
	flagRoot    string
	flagModel   string
	flagBaseURL string
	flagAPIKey  string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:           "saga",
	Short:         "saga - tiered compaction and archival of a campaign's narrative log",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Initialize(flagConfig); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "configuration file (default ~/.saga/config.yaml)")
	pf.StringVar(&flagRoot, "root", "", "storage root, overriding storage.root")
	pf.StringVar(&flagModel, "model", "", "oracle model")
	pf.StringVar(&flagBaseURL, "base-url", "", "OpenAI-compatible API base URL")
	pf.StringVar(&flagAPIKey, "api-key", "", "API key")
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "print pipeline events")

	rootCmd.AddCommand(
		newTurnCmd(),
		newTransitionCmd(),
		newLeaveCmd(),
		newCompleteCmd(),
		newContextCmd(),
		newArchiveCmd(),
		newRecoverCmd(),
		newSweepCmd(),
		newServeCmd(),
		newAttemptsCmd(),
	)
}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		debugLog.Errorf("saga %v failed: %v", os.Args[1:], err)
	}
	_ = logging.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
