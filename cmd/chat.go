package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"geodecision/core"

	"github.com/spf13/cobra"
)

var chatSession string

// chatCmd is an interactive terminal client of the session store
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the decision assistant in the terminal",
	Long: `Start an interactive chat. Lines are sent as user messages; tool runs
are shown as they progress and the reply is printed when the turn ends.

Commands:
  /switch <session-id>  switch to another session and load its history
  /scan <path>          upload a local file (or scan a backend path) in the current session
  /stop                 stop the current reply
  /quit                 leave`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		config := loadConfig()
		logger := cliLogger(config, cmd.ErrOrStderr())

		var opts []core.StoreOption
		if config.JournalPath != "" {
			journal, err := core.OpenJournal(config.JournalPath)
			if err != nil {
				return err
			}
			defer journal.Close()
			opts = append(opts, core.WithJournal(journal))
		}

		store := core.NewStore(config, core.NewHTTPBackend(config, logger), core.NewSSETransport(config, logger), logger, opts...)
		defer store.Close()

		snapshots, unsubscribe := store.Subscribe()
		defer unsubscribe()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		out := cmd.OutOrStdout()
		if chatSession != "" {
			if err := switchSession(ctx, store, chatSession, out); err != nil {
				fmt.Fprintln(out, errorStyle.Render(err.Error()))
			}
		}

		c := &chatLoop{store: store, snapshots: snapshots, out: out}
		return c.run(ctx, cmd.InOrStdin())
	},
}

type chatLoop struct {
	store     *core.Store
	snapshots <-chan core.Snapshot
	out       io.Writer
}

func (c *chatLoop) run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(c.out, userStyle.Render("> "))
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())

		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/stop":
			if !c.store.Stop("") {
				fmt.Fprintln(c.out, metaStyle.Render("nothing to stop"))
			}
		case strings.HasPrefix(line, "/switch "):
			if err := switchSession(ctx, c.store, strings.TrimSpace(strings.TrimPrefix(line, "/switch ")), c.out); err != nil {
				fmt.Fprintln(c.out, errorStyle.Render(err.Error()))
			}
		case strings.HasPrefix(line, "/scan "):
			c.scan(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/scan ")))
		default:
			resp, err := c.store.Send(ctx, line)
			if err != nil {
				fmt.Fprintln(c.out, errorStyle.Render(err.Error()))
				continue
			}
			c.follow(ctx, resp.SessionID, resp.MessageID, false)
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *chatLoop) scan(ctx context.Context, path string) {
	var (
		result core.ScanResult
		err    error
	)
	if file, openErr := os.Open(path); openErr == nil {
		defer file.Close()
		result, err = c.store.UploadAndScan(ctx, "", filepath.Base(path), file)
	} else {
		result, err = c.store.StartScan(ctx, "", path)
	}
	if err != nil {
		fmt.Fprintln(c.out, errorStyle.Render(err.Error()))
		return
	}
	c.follow(ctx, result.SessionID, result.MessageID, true)
}

// follow prints tool progress of the messages from messageID on until the
// stream ends. An interrupt stops the reply.
func (c *chatLoop) follow(ctx context.Context, sessionID, messageID string, scan bool) {
	printed := make(map[string]core.ToolStatus)
	for {
		var snap core.Snapshot
		select {
		case <-ctx.Done():
			c.store.Stop(sessionID)
			return
		case s, ok := <-c.snapshots:
			if !ok {
				return
			}
			snap = s
		}
		if snap.SessionID != sessionID {
			continue
		}
		start := snap.State.FindMessage(messageID)
		if start < 0 {
			continue
		}

		turn := snap.State.Messages[start:]
		for _, msg := range turn {
			for _, call := range msg.Tools {
				if printed[call.ID] == call.Status {
					continue
				}
				printed[call.ID] = call.Status
				fmt.Fprintln(c.out, contentStyle.Render(renderTool(call)))
			}
		}

		if !turnEnded(snap, messageID, scan) {
			continue
		}
		for _, msg := range turn {
			if msg.Role == core.RoleAssistant && msg.Kind == core.KindText && msg.Content != "" {
				fmt.Fprintln(c.out, assistantStyle.Render("assistant"))
				fmt.Fprintln(c.out, contentStyle.Render(msg.Content))
			}
		}
		if snap.State.LastError != "" && snap.State.Phase == core.PhaseFailed {
			fmt.Fprintln(c.out, errorStyle.Render("error: "+snap.State.LastError))
		}
		fmt.Fprintln(c.out)
		return
	}
}

func turnEnded(snap core.Snapshot, messageID string, scan bool) bool {
	if !scan {
		return snap.State.Phase != core.PhaseStreaming
	}
	for _, h := range snap.Streams {
		if h.Kind == core.StreamScan && h.MessageID == messageID {
			return false
		}
	}
	return true
}

func switchSession(ctx context.Context, store *core.Store, sessionID string, out io.Writer) error {
	err := store.Switch(ctx, sessionID)
	if snap, ok := store.Snapshot(sessionID); ok {
		renderState(out, snap.State)
	}
	return err
}

func init() {
	chatCmd.Flags().StringVarP(&chatSession, "session", "s", "", "Session to continue")
	rootCmd.AddCommand(chatCmd)
}
