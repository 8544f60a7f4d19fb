package tools

import (
	"encoding/json"
	"fmt"
	"strings"
)

type indexEntry struct {
	NameCN string `json:"name_cn"`
	NameEN string `json:"name_en"`
}

type modelEntry struct {
	ModelName string `json:"modelName"`
}

// Summarize extracts the short labels a timeline shows under a finished tool:
// index names for index searches, model names for model searches. Other
// results produce no labels. A result that does not have the shape its kind
// promises is an error.
func Summarize(kind Kind, result json.RawMessage) ([]string, error) {
	if len(result) == 0 {
		return nil, nil
	}

	switch kind {
	case SearchRelevantIndices:
		var payload struct {
			Indices []indexEntry `json:"indices"`
		}
		if err := json.Unmarshal(result, &payload); err != nil {
			return nil, fmt.Errorf("%s result is not an index list: %w", kind, err)
		}
		labels := make([]string, 0, len(payload.Indices))
		for _, idx := range payload.Indices {
			if idx.NameCN != "" {
				labels = append(labels, idx.NameCN)
			} else if idx.NameEN != "" {
				labels = append(labels, idx.NameEN)
			}
		}
		return labels, nil

	case SearchRelevantModels:
		var payload struct {
			Models []modelEntry `json:"models"`
		}
		if err := json.Unmarshal(result, &payload); err != nil {
			return nil, fmt.Errorf("%s result is not a model list: %w", kind, err)
		}
		labels := make([]string, 0, len(payload.Models))
		for _, m := range payload.Models {
			if m.ModelName != "" {
				labels = append(labels, m.ModelName)
			}
		}
		return labels, nil
	}

	return nil, nil
}

// ErrorText renders the result of a failed tool: either a plain JSON string,
// an object carrying error.message, or the raw JSON.
func ErrorText(result json.RawMessage) string {
	if len(result) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(result, &s); err == nil {
		return s
	}

	var wrapped struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(result, &wrapped); err == nil && wrapped.Error.Message != "" {
		return wrapped.Error.Message
	}

	return strings.TrimSpace(string(result))
}
