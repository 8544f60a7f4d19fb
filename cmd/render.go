package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"geodecision/core"
	"geodecision/tools"

	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212")).
			Padding(0, 1).
			MarginBottom(1)

	metaStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)

	assistantStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("135")).
			Bold(true)

	contentStyle = lipgloss.NewStyle().
			Padding(0, 2)

	toolStyles = map[core.ToolStatus]lipgloss.Style{
		core.StatusPending: lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		core.StatusRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		core.StatusSuccess: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		core.StatusError:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)
)

var toolMarks = map[core.ToolStatus]string{
	core.StatusPending: "·",
	core.StatusRunning: "…",
	core.StatusSuccess: "✓",
	core.StatusError:   "✗",
}

func renderSessions(w io.Writer, sessions []core.SessionSummary, active string) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, headerStyle.Render("No sessions found"))
		return
	}
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("Found %d session(s)", len(sessions))))

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "ID\tTitle\tUpdated\t")
	for _, s := range sessions {
		id := s.ID
		if id == active {
			id += " *"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t\n", id, s.Title, s.UpdatedAt)
	}
	_ = tw.Flush()
}

func renderState(w io.Writer, state core.SessionState) {
	title := state.Session.Title
	if title == "" {
		title = state.Session.ID
	}
	fmt.Fprintln(w, headerStyle.Render(title))
	fmt.Fprintln(w, metaStyle.Render(fmt.Sprintf("session %s · %d message(s) · %s", state.Session.ID, len(state.Messages), state.Phase)))
	if rec := state.Session.RecommendedModel; rec != nil {
		fmt.Fprintln(w, metaStyle.Render("recommended model: "+rec.Name))
	}
	fmt.Fprintln(w)

	for _, msg := range state.Messages {
		renderMessage(w, msg)
	}
	if state.LastError != "" {
		fmt.Fprintln(w, errorStyle.Render("error: "+state.LastError))
	}
}

func renderMessage(w io.Writer, msg core.Message) {
	label := assistantStyle.Render("assistant")
	if msg.Role == core.RoleUser {
		label = userStyle.Render("user")
	}
	fmt.Fprintln(w, label)

	if msg.FilePath != "" {
		fmt.Fprintln(w, contentStyle.Render("file: "+msg.FilePath))
	}
	for _, call := range msg.Tools {
		fmt.Fprintln(w, contentStyle.Render(renderTool(call)))
	}
	if content := strings.TrimSpace(msg.Content); content != "" {
		fmt.Fprintln(w, contentStyle.Render(content))
	}
	fmt.Fprintln(w)
}

func renderTool(call core.ToolCall) string {
	style := toolStyles[call.Status]
	line := fmt.Sprintf("%s %s", toolMarks[call.Status], call.Title)
	switch call.Status {
	case core.StatusSuccess:
		if labels, err := tools.Summarize(call.Kind, call.Result); err == nil && len(labels) > 0 {
			line += " (" + strings.Join(labels, ", ") + ")"
		}
	case core.StatusError:
		if text := tools.ErrorText(call.Result); text != "" {
			line += ": " + text
		}
	}
	return style.Render(line)
}
