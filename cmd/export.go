package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"geodecision/core"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	format    string
	outputDir string
)

// exportCmd writes one session to a file or stdout
var exportCmd = &cobra.Command{
	Use:   "export <session-id>",
	Short: "Export a session to json, yaml or md",
	Long: `Export a session. The transcript comes from the backend, or from the
frame journal when --journal is set.

Without --output the export goes to stdout.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		exporter, err := core.NewExporter(format)
		if err != nil {
			return err
		}

		config := loadConfig()
		logger := cliLogger(config, cmd.ErrOrStderr())

		ctx, cancel := context.WithTimeout(context.Background(), config.RequestTimeout)
		defer cancel()

		state, err := loadSession(ctx, config, logger, args[0], config.JournalPath)
		if err != nil {
			return err
		}

		if outputDir == "" {
			return exporter.Export(state, cmd.OutOrStdout())
		}

		if err := os.MkdirAll(outputDir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
		path := filepath.Join(outputDir, fmt.Sprintf("%s.%s", args[0], exporter.Extension()))
		file, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create file: %w", err)
		}
		defer file.Close()

		if err := exporter.Export(state, file); err != nil {
			return fmt.Errorf("failed to export session: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Exported %s to %s\n", args[0], path)
		return nil
	},
}

// loadSession rebuilds a session from the journal when one is given, and
// from the backend transcript otherwise.
func loadSession(ctx context.Context, config *core.Config, logger *logrus.Logger, sessionID, journal string) (core.SessionState, error) {
	if journal != "" {
		j, err := core.OpenJournal(journal)
		if err != nil {
			return core.SessionState{}, err
		}
		defer j.Close()
		return core.Replay(ctx, j, sessionID)
	}

	backend := core.NewHTTPBackend(config, logger)
	msgs, err := core.NewHydrator(backend, logger).Hydrate(ctx, sessionID)
	if err != nil {
		return core.SessionState{}, err
	}

	title := ""
	if sessions, err := backend.ListSessions(ctx); err == nil {
		for _, s := range sessions {
			if s.ID == sessionID {
				title = s.Title
				break
			}
		}
	} else {
		logger.WithError(err).Debug("Session title lookup failed")
	}
	return core.WithHistory(core.NewSessionState(sessionID, title), msgs), nil
}

func init() {
	exportCmd.Flags().StringVarP(&format, "format", "f", "json", "Export format: json, yaml, md")
	exportCmd.Flags().StringVarP(&outputDir, "output", "o", "", "Output directory (default: stdout)")
	rootCmd.AddCommand(exportCmd)
}
