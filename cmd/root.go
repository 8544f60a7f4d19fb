package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"geodecision/core"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	verbose     bool
	backendURL  string
	port        string
	journalPath string
	version     string = "dev"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "geodecision",
	Short: "Streaming session engine for the geographic decision assistant",
	Long: `geodecision talks to the decision backend: it streams agent replies,
tracks tool runs, scans uploaded data files and runs the recommended model.

Quick Start:
  geodecision serve                      # Start the local gateway
  geodecision chat                       # Chat in the terminal
  geodecision sessions                   # List backend sessions
  geodecision history <session-id>       # Show a session transcript
  geodecision export <session-id> -f md  # Export a session as Markdown
  geodecision replay --journal frames.db # Rebuild sessions from a journal`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&backendURL, "backend", "", "Decision backend base URL (overrides BACKEND_URL)")
	rootCmd.PersistentFlags().StringVar(&port, "port", "", "Gateway port (overrides PORT)")
	rootCmd.PersistentFlags().StringVar(&journalPath, "journal", "", "SQLite frame journal (overrides JOURNAL_PATH)")

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
}

// loadConfig reads the environment and applies the persistent flags on top.
func loadConfig() *core.Config {
	config := core.LoadConfig()
	if backendURL != "" {
		config.BackendURL = strings.TrimRight(backendURL, "/")
	}
	if port != "" {
		config.Port = port
	}
	if journalPath != "" {
		config.JournalPath = journalPath
	}
	if verbose {
		config.LogLevel = "debug"
	}
	return config
}

// cliLogger keeps logs off stdout so command output stays clean.
func cliLogger(config *core.Config, w io.Writer) *logrus.Logger {
	if w == nil {
		w = os.Stderr
	}
	logger := core.InitializeLogger(config, w)
	if !verbose {
		logger.SetLevel(logrus.WarnLevel)
	}
	return logger
}
