package core

import (
	"encoding/json"

	"geodecision/tools"
)

// Event tags of the streamed envelope. The set is closed.
const (
	TagToken                  = "token"
	TagToolCall               = "tool_call"
	TagToolResult             = "tool_result"
	TagTaskSpecGenerated      = "task_spec_generated"
	TagModelContractGenerated = "model_contract_generated"
	TagFinal                  = "final"
	TagError                  = "error"
)

// Event is one decoded stream event. The concrete types below are the only
// implementations.
type Event interface {
	Tag() string
}

// TokenEvent carries a text fragment of the assistant reply.
type TokenEvent struct {
	Text string
}

// ToolCallEvent reports that a tool started.
type ToolCallEvent struct {
	Kind tools.Kind
}

// ToolResultEvent reports that a tool finished with a payload.
type ToolResultEvent struct {
	Kind tools.Kind
	Data json.RawMessage
}

// TaskSpecEvent carries the structured task requirement. Spec is nil when
// the backend sent an empty placeholder.
type TaskSpecEvent struct {
	Spec *TaskSpec
}

// ModelContractEvent carries the required input slots of the model.
type ModelContractEvent struct {
	Slots []ContractSlot
}

// FinalEvent is the terminal event of a stream. Main streams fill
// Recommendation, scan streams fill Profile.
type FinalEvent struct {
	Kind           tools.Kind
	Data           json.RawMessage
	Recommendation *ModelRecommendation
	Profile        Profile
}

// ErrorEvent is a terminal failure reported by the backend, or synthesised
// locally when the transport fails or idles out.
type ErrorEvent struct {
	Message string
}

func (TokenEvent) Tag() string         { return TagToken }
func (ToolCallEvent) Tag() string      { return TagToolCall }
func (ToolResultEvent) Tag() string    { return TagToolResult }
func (TaskSpecEvent) Tag() string      { return TagTaskSpecGenerated }
func (ModelContractEvent) Tag() string { return TagModelContractGenerated }
func (FinalEvent) Tag() string         { return TagFinal }
func (ErrorEvent) Tag() string         { return TagError }

// Terminal reports whether ev ends its stream.
func Terminal(ev Event) bool {
	switch ev.(type) {
	case FinalEvent, ErrorEvent:
		return true
	}
	return false
}

// envelope is the wire shape of one frame.
type envelope struct {
	Type    string          `json:"type"`
	Message *string         `json:"message"`
	Data    json.RawMessage `json:"data"`
	Tool    string          `json:"tool"`
}
