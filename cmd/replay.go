package cmd

import (
	"context"
	"errors"
	"fmt"

	"geodecision/core"

	"github.com/spf13/cobra"
)

// replayCmd refolds journaled records
var replayCmd = &cobra.Command{
	Use:   "replay [session-id]",
	Short: "Rebuild sessions from the frame journal",
	Long: `Replay the records a gateway journaled. Without a session id the
journaled sessions are listed; with one, its state is rebuilt and shown.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		config := loadConfig()
		if config.JournalPath == "" {
			return errors.New("no journal: set --journal or JOURNAL_PATH")
		}

		journal, err := core.OpenJournal(config.JournalPath)
		if err != nil {
			return err
		}
		defer journal.Close()

		ctx := context.Background()
		if len(args) == 0 {
			ids, err := journal.Sessions(ctx)
			if err != nil {
				return fmt.Errorf("failed to list journaled sessions: %w", err)
			}
			summaries := make([]core.SessionSummary, 0, len(ids))
			for _, id := range ids {
				state, err := core.Replay(ctx, journal, id)
				if err != nil {
					return err
				}
				summaries = append(summaries, core.SessionSummary{ID: id, Title: state.Session.Title})
			}
			renderSessions(cmd.OutOrStdout(), summaries, "")
			return nil
		}

		state, err := core.Replay(ctx, journal, args[0])
		if err != nil {
			return err
		}
		renderState(cmd.OutOrStdout(), state)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(replayCmd)
}
