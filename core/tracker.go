package core

import (
	"encoding/json"

	"geodecision/tools"
)

// ToolPatch describes an update to the tool call of one kind. Zero fields
// leave the existing value alone.
type ToolPatch struct {
	ID     string // used only when the call is created
	Status ToolStatus
	Title  string
	Result json.RawMessage
	// CreateOnly leaves an existing call of the same kind untouched.
	CreateOnly bool
}

// UpsertTool returns a new list in which the call of the given kind carries
// the patch. A missing kind is appended at the end, so the list keeps arrival
// order. The input list is never modified.
func UpsertTool(list []ToolCall, kind tools.Kind, patch ToolPatch) []ToolCall {
	out := make([]ToolCall, len(list), len(list)+1)
	copy(out, list)

	if i := FindTool(list, kind); i >= 0 {
		if patch.CreateOnly {
			return out
		}
		call := out[i]
		if patch.Status != "" {
			call.Status = patch.Status
		}
		if patch.Title != "" {
			call.Title = patch.Title
		}
		if patch.Result != nil {
			call.Result = patch.Result
		}
		out[i] = call
		return out
	}

	call := ToolCall{
		ID:     patch.ID,
		Kind:   kind,
		Status: patch.Status,
		Title:  patch.Title,
		Result: patch.Result,
	}
	if call.Status == "" {
		call.Status = StatusPending
	}
	if call.Title == "" {
		call.Title = defaultTitle(kind, call.Status)
	}
	return append(out, call)
}

// FindTool returns the index of the call of the given kind, or -1.
func FindTool(list []ToolCall, kind tools.Kind) int {
	for i := range list {
		if list[i].Kind == kind {
			return i
		}
	}
	return -1
}

// LastRunning returns the index of the most recently added running call, or -1.
func LastRunning(list []ToolCall) int {
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Status == StatusRunning {
			return i
		}
	}
	return -1
}

func defaultTitle(kind tools.Kind, status ToolStatus) string {
	if status == StatusSuccess {
		return tools.FinishedTitle(kind)
	}
	return tools.RunningTitle(kind)
}

func startedPatch(id string, kind tools.Kind) ToolPatch {
	return ToolPatch{ID: id, Status: StatusRunning, Title: tools.RunningTitle(kind), CreateOnly: true}
}

func finishedPatch(id string, kind tools.Kind, result json.RawMessage) ToolPatch {
	return ToolPatch{ID: id, Status: StatusSuccess, Title: tools.FinishedTitle(kind), Result: result}
}

func failedPatch(message string) ToolPatch {
	return ToolPatch{Status: StatusError, Title: message}
}
