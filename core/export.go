package core

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Exporter writes a session in one output format.
type Exporter interface {
	Export(state SessionState, w io.Writer) error
	Extension() string
}

// NewExporter returns the exporter for format (json, yaml or md).
func NewExporter(format string) (Exporter, error) {
	switch strings.ToLower(format) {
	case "json":
		return &JSONExporter{}, nil
	case "yaml", "yml":
		return &YAMLExporter{}, nil
	case "md", "markdown":
		return &MarkdownExporter{}, nil
	default:
		return nil, fmt.Errorf("unsupported export format: %s", format)
	}
}

// JSONExporter exports sessions in indented JSON.
type JSONExporter struct{}

func (e *JSONExporter) Export(state SessionState, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(state)
}

func (e *JSONExporter) Extension() string {
	return "json"
}

// YAMLExporter exports sessions in YAML. The state goes through its JSON
// form first so raw tool results come out as YAML structures rather than
// byte lists.
type YAMLExporter struct{}

func (e *YAMLExporter) Export(state SessionState, w io.Writer) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode session: %w", err)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer func() { _ = enc.Close() }()
	return enc.Encode(doc)
}

func (e *YAMLExporter) Extension() string {
	return "yaml"
}

// MarkdownExporter exports a readable transcript.
type MarkdownExporter struct{}

func (e *MarkdownExporter) Export(state SessionState, w io.Writer) error {
	title := firstNonEmpty(state.Session.Title, state.Session.ID)
	_, _ = fmt.Fprintf(w, "# %s\n\n", title)
	_, _ = fmt.Fprintf(w, "**Session:** %s  \n", state.Session.ID)
	_, _ = fmt.Fprintf(w, "**Messages:** %d\n\n", len(state.Messages))

	if rec := state.Session.RecommendedModel; rec != nil {
		_, _ = fmt.Fprintf(w, "**Recommended model:** %s\n\n", rec.Name)
	}
	if spec := state.Session.TaskSpec; spec != nil {
		_, _ = fmt.Fprintf(w, "## Task\n\n")
		for _, row := range [][2]string{
			{"Domain", spec.Domain},
			{"Target object", spec.TargetObject},
			{"Spatial scope", spec.SpatialScope},
			{"Temporal scope", spec.TemporalScope},
			{"Resolution", spec.ResolutionRequirements},
		} {
			if row[1] != "" {
				_, _ = fmt.Fprintf(w, "- %s: %s\n", row[0], row[1])
			}
		}
		_, _ = fmt.Fprintf(w, "\n")
	}

	_, _ = fmt.Fprintf(w, "---\n\n")
	for i, msg := range state.Messages {
		_, _ = fmt.Fprintf(w, "**%s:**\n\n", msg.Role)
		if msg.FilePath != "" {
			_, _ = fmt.Fprintf(w, "File: `%s`\n\n", msg.FilePath)
		}
		for _, call := range msg.Tools {
			_, _ = fmt.Fprintf(w, "- [%s] %s\n", call.Status, call.Title)
		}
		if len(msg.Tools) > 0 {
			_, _ = fmt.Fprintf(w, "\n")
		}
		if msg.Content != "" {
			_, _ = fmt.Fprintf(w, "%s\n\n", escapeMarkdown(msg.Content))
		}
		if i < len(state.Messages)-1 {
			_, _ = fmt.Fprintf(w, "---\n\n")
		}
	}
	return nil
}

func (e *MarkdownExporter) Extension() string {
	return "md"
}

// escapeMarkdown escapes emphasis markers outside fenced code blocks.
func escapeMarkdown(text string) string {
	lines := strings.Split(text, "\n")
	inCode := false
	for i, line := range lines {
		if strings.HasPrefix(line, "```") {
			inCode = !inCode
			continue
		}
		if inCode {
			continue
		}
		line = strings.ReplaceAll(line, "**", "\\*\\*")
		lines[i] = strings.ReplaceAll(line, "__", "\\_\\_")
	}
	return strings.Join(lines, "\n")
}
