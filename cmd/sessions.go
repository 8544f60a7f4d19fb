package cmd

import (
	"context"
	"fmt"

	"geodecision/core"

	"github.com/spf13/cobra"
)

// sessionsCmd lists the backend's sessions
var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List backend sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		config := loadConfig()
		logger := cliLogger(config, cmd.ErrOrStderr())
		backend := core.NewHTTPBackend(config, logger)

		ctx, cancel := context.WithTimeout(context.Background(), config.RequestTimeout)
		defer cancel()

		sessions, err := backend.ListSessions(ctx)
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}
		renderSessions(cmd.OutOrStdout(), sessions, "")
		return nil
	},
}

// historyCmd shows a persisted transcript
var historyCmd = &cobra.Command{
	Use:   "history <session-id>",
	Short: "Show the persisted transcript of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		config := loadConfig()
		logger := cliLogger(config, cmd.ErrOrStderr())

		ctx, cancel := context.WithTimeout(context.Background(), config.RequestTimeout)
		defer cancel()

		state, err := loadSession(ctx, config, logger, args[0], "")
		if err != nil {
			return err
		}
		renderState(cmd.OutOrStdout(), state)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(historyCmd)
}
