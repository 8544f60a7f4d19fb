package core

import (
	"context"
	"fmt"
	"strings"

	"geodecision/tools"

	"github.com/sirupsen/logrus"
)

// Hydrator rebuilds a session's messages from the persisted transcript.
type Hydrator struct {
	backend Backend
	logger  *logrus.Logger
}

func NewHydrator(backend Backend, logger *logrus.Logger) *Hydrator {
	return &Hydrator{backend: backend, logger: logger}
}

// Hydrate fetches the transcript once. Failures come back as
// *HydrationError and are not retried.
func (h *Hydrator) Hydrate(ctx context.Context, sessionID string) ([]Message, error) {
	records, err := h.backend.FetchMessages(ctx, sessionID)
	if err != nil {
		return nil, &HydrationError{SessionID: sessionID, Err: err}
	}

	msgs := MapTranscript(sessionID, records)
	h.logger.WithFields(logrus.Fields{
		"sessionID":    sessionID,
		"recordCount":  len(records),
		"messageCount": len(msgs),
	}).Debug("Transcript mapped")
	return msgs, nil
}

// MapTranscript maps persisted records into the message shape the reducer
// produces. Persisted tools always come back finished: history never shows a
// tool as running. The function is pure; ids missing from the records are
// derived from the session id and position.
func MapTranscript(sessionID string, records []HistoryRecord) []Message {
	msgs := make([]Message, 0, len(records))
	for i, rec := range records {
		id := rec.ID
		if id == "" {
			id = fmt.Sprintf("%s-h%d", sessionID, i+1)
		}

		msg := Message{
			ID:       id,
			Role:     mapRole(rec.Role),
			Content:  rec.Content,
			Kind:     mapKind(rec.Type),
			FilePath: rec.FilePath,
			Profile:  copyProfile(rec.Profile),
		}

		for _, t := range rec.Tools {
			kind := tools.Kind(firstNonEmpty(t.Kind, t.Tool))
			if kind == "" {
				continue
			}
			patch := ToolPatch{
				ID:     firstNonEmpty(t.ID, toolID(id, kind)),
				Status: StatusSuccess,
				Title:  firstNonEmpty(t.Title, tools.FinishedTitle(kind)),
			}
			if len(t.Result) > 0 {
				patch.Result = append([]byte(nil), t.Result...)
			}
			msg.Tools = UpsertTool(msg.Tools, kind, patch)
		}

		msgs = append(msgs, msg)
	}
	return msgs
}

func mapRole(role string) Role {
	switch strings.ToLower(role) {
	case "user", "human":
		return RoleUser
	default:
		return RoleAssistant
	}
}

func mapKind(kind string) MessageKind {
	switch kind {
	case "tool", string(KindToolRun):
		return KindToolRun
	case "data", string(KindDataScan):
		return KindDataScan
	default:
		return KindText
	}
}

func copyProfile(p Profile) Profile {
	if p == nil {
		return nil
	}
	out := make(Profile, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
