/*
Package core contains the streaming session engine of the decision assistant.

This file defines the conversation state the engine maintains: sessions,
messages, tool calls, and the structured payloads the backend produces along
the way (task specification, model contract, model recommendation and data
profiles). All of these are plain values. The reducer never mutates a value
it received; it returns a new one, which is what makes discarding the output
of a superseded stream safe.
*/
package core

import (
	"encoding/json"
	"fmt"

	"geodecision/tools"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageKind distinguishes plain text from tool timelines and data scans.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindToolRun  MessageKind = "toolRun"
	KindDataScan MessageKind = "dataScan"
)

// ToolStatus is the lifecycle state of a tool call.
type ToolStatus string

const (
	StatusPending ToolStatus = "pending"
	StatusRunning ToolStatus = "running"
	StatusSuccess ToolStatus = "success"
	StatusError   ToolStatus = "error"
)

// ToolCall is one backend tool invocation shown in a message timeline.
type ToolCall struct {
	ID     string          `json:"id"`
	Kind   tools.Kind      `json:"kind"`
	Status ToolStatus      `json:"status"`
	Title  string          `json:"title"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Message is one entry of a conversation.
type Message struct {
	ID        string      `json:"id"`
	Role      Role        `json:"role"`
	Content   string      `json:"content"`
	Kind      MessageKind `json:"kind"`
	Tools     []ToolCall  `json:"tools,omitempty"`
	Streaming bool        `json:"startedStreaming"`
	FilePath  string      `json:"filePath,omitempty"`
	Profile   Profile     `json:"profile,omitempty"`
}

// Profile is the structured description of an uploaded data file produced by
// a scan. Its shape depends on the data form, so it stays loosely typed.
type Profile map[string]any

// WorkflowInput is one input slot of a workflow event.
type WorkflowInput struct {
	Name        string `json:"name"`
	Key         string `json:"key,omitempty"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// WorkflowEvent is an event of a workflow state.
type WorkflowEvent struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Inputs      []WorkflowInput `json:"inputs"`
}

// UnmarshalJSON accepts eventName/eventDescription as aliases.
func (e *WorkflowEvent) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name             string          `json:"name"`
		Description      string          `json:"description"`
		EventName        string          `json:"eventName"`
		EventDescription string          `json:"eventDescription"`
		Inputs           []WorkflowInput `json:"inputs"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.Name = firstNonEmpty(raw.Name, raw.EventName)
	e.Description = firstNonEmpty(raw.Description, raw.EventDescription)
	e.Inputs = raw.Inputs
	return nil
}

// WorkflowState is a state of a model workflow.
type WorkflowState struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Events      []WorkflowEvent `json:"events"`
}

// UnmarshalJSON accepts stateName/stateDescription as aliases.
func (s *WorkflowState) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name             string          `json:"name"`
		Description      string          `json:"description"`
		StateName        string          `json:"stateName"`
		StateDescription string          `json:"stateDescription"`
		Events           []WorkflowEvent `json:"events"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Name = firstNonEmpty(raw.Name, raw.StateName)
	s.Description = firstNonEmpty(raw.Description, raw.StateDescription)
	s.Events = raw.Events
	return nil
}

// ModelRecommendation is the model the agent settled on, with the workflow
// whose inputs the user has to provide before running it.
type ModelRecommendation struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Workflow    []WorkflowState `json:"workflow"`
}

// Inputs flattens the workflow into its input slots in declaration order.
func (m *ModelRecommendation) Inputs() []RunSlot {
	if m == nil {
		return nil
	}
	var slots []RunSlot
	for _, state := range m.Workflow {
		for _, event := range state.Events {
			for _, input := range event.Inputs {
				slots = append(slots, RunSlot{State: state.Name, Event: event.Name, Input: input})
			}
		}
	}
	return slots
}

// RunSlot locates a workflow input inside its state and event.
type RunSlot struct {
	State string
	Event string
	Input WorkflowInput
}

// FormKey is the multipart field name the run endpoint expects for the slot.
func (r RunSlot) FormKey() string {
	return fmt.Sprintf("%s@@@%s@@@%s@@@%s", r.State, r.Event, r.Input.Name, r.Input.Type)
}

// TaskSpec is the structured task requirement the agent derives from the
// user's request.
type TaskSpec struct {
	Domain                 string `json:"Domain,omitempty"`
	TargetObject           string `json:"Target_object,omitempty"`
	SpatialScope           string `json:"Spatial_scope,omitempty"`
	TemporalScope          string `json:"Temporal_scope,omitempty"`
	ResolutionRequirements string `json:"Resolution_requirements,omitempty"`
	// Extra keeps fields the card does not display.
	Extra map[string]any `json:"-"`
}

var taskSpecFields = map[string]bool{
	"Domain": true, "Target_object": true, "Spatial_scope": true,
	"Temporal_scope": true, "Resolution_requirements": true,
}

// UnmarshalJSON decodes the known fields and keeps the rest in Extra.
func (t *TaskSpec) UnmarshalJSON(data []byte) error {
	type plain TaskSpec
	var known plain
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	*t = TaskSpec(known)
	for k, v := range all {
		if taskSpecFields[k] {
			continue
		}
		if t.Extra == nil {
			t.Extra = make(map[string]any)
		}
		t.Extra[k] = v
	}
	return nil
}

// MarshalJSON writes the known fields and Extra side by side.
func (t TaskSpec) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(t.Extra)+5)
	for k, v := range t.Extra {
		out[k] = v
	}
	put := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	put("Domain", t.Domain)
	put("Target_object", t.TargetObject)
	put("Spatial_scope", t.SpatialScope)
	put("Temporal_scope", t.TemporalScope)
	put("Resolution_requirements", t.ResolutionRequirements)
	return json.Marshal(out)
}

// SpatialRequirement constrains the region and CRS of an input.
type SpatialRequirement struct {
	Region string `json:"region,omitempty"`
	CRS    string `json:"crs,omitempty"`
}

// ContractSlot is one required input of the model contract.
type ContractSlot struct {
	InputName           string              `json:"input_name"`
	DataType            string              `json:"data_type,omitempty"`
	SemanticRequirement string              `json:"semantic_requirement,omitempty"`
	Spatial             *SpatialRequirement `json:"spatial_requirement,omitempty"`
	TemporalRequirement string              `json:"temporal_requirement,omitempty"`
	FormatRequirement   string              `json:"format_requirement,omitempty"`
}

// UnmarshalJSON accepts both capitalised and snake_case field spellings the
// backend has emitted over time.
func (c *ContractSlot) UnmarshalJSON(data []byte) error {
	type spatial struct {
		Region  string `json:"Region"`
		RegionL string `json:"region"`
		CRS     string `json:"Crs"`
		CRSL    string `json:"crs"`
	}
	var raw struct {
		InputName            string   `json:"Input_name"`
		SlotName             string   `json:"slot_name"`
		InputNameL           string   `json:"input_name"`
		DataType             string   `json:"Data_type"`
		OriginalType         string   `json:"original_type"`
		DataTypeL            string   `json:"data_type"`
		SemanticRequirement  string   `json:"Semantic_requirement"`
		SemanticRequirementL string   `json:"semantic_requirement"`
		Spatial              *spatial `json:"Spatial_requirement"`
		SpatialL             *spatial `json:"spatial_requirement"`
		TemporalRequirement  string   `json:"Temporal_requirement"`
		TemporalRequirementL string   `json:"temporal_requirement"`
		FormatRequirement    string   `json:"Format_requirement"`
		FormatRequirementL   string   `json:"format_requirement"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	c.InputName = firstNonEmpty(raw.InputName, raw.SlotName, raw.InputNameL)
	c.DataType = firstNonEmpty(raw.DataType, raw.OriginalType, raw.DataTypeL)
	c.SemanticRequirement = firstNonEmpty(raw.SemanticRequirement, raw.SemanticRequirementL)
	c.TemporalRequirement = firstNonEmpty(raw.TemporalRequirement, raw.TemporalRequirementL)
	c.FormatRequirement = firstNonEmpty(raw.FormatRequirement, raw.FormatRequirementL)

	sp := raw.Spatial
	if sp == nil {
		sp = raw.SpatialL
	}
	if sp != nil {
		c.Spatial = &SpatialRequirement{
			Region: firstNonEmpty(sp.Region, sp.RegionL),
			CRS:    firstNonEmpty(sp.CRS, sp.CRSL),
		}
	}
	return nil
}

// Session is one persisted conversation plus what the agent derived from it.
type Session struct {
	ID               string               `json:"id"`
	Title            string               `json:"title"`
	RecommendedModel *ModelRecommendation `json:"recommendedModel,omitempty"`
	TaskSpec         *TaskSpec            `json:"taskSpec,omitempty"`
	ModelContract    []ContractSlot       `json:"modelContract,omitempty"`
	DataProfile      Profile              `json:"dataProfile,omitempty"`
}

// StreamPhase is the coarse status of the session's main stream as the
// presentation layer shows it.
type StreamPhase string

const (
	PhaseIdle      StreamPhase = "idle"
	PhaseStreaming StreamPhase = "streaming"
	PhaseDone      StreamPhase = "done"
	PhaseFailed    StreamPhase = "failed"
	PhaseCancelled StreamPhase = "cancelled"
)

// SessionState is the value the reducer folds events into.
type SessionState struct {
	Session   Session     `json:"session"`
	Messages  []Message   `json:"messages"`
	Seq       int         `json:"seq"`
	Phase     StreamPhase `json:"phase"`
	LastError string      `json:"lastError,omitempty"`
}

// NewSessionState returns the empty state of a session.
func NewSessionState(id, title string) SessionState {
	return SessionState{
		Session: Session{ID: id, Title: title},
		Phase:   PhaseIdle,
	}
}

// nextMessageID derives a message id from the state's sequence counter so a
// replay of the same events yields the same ids.
func (s SessionState) nextMessageID() (string, SessionState) {
	s.Seq++
	return fmt.Sprintf("msg-%d", s.Seq), s
}

// toolID is the stable id of the tool call of kind inside message msgID.
func toolID(msgID string, kind tools.Kind) string {
	return msgID + "/" + string(kind)
}

// withMessages returns a copy of s whose message slice is freshly allocated,
// so the caller can replace elements without touching s.
func (s SessionState) withMessages() SessionState {
	msgs := make([]Message, len(s.Messages), len(s.Messages)+1)
	copy(msgs, s.Messages)
	s.Messages = msgs
	return s
}

// FindMessage returns the index of the message with the given id, or -1.
func (s SessionState) FindMessage(id string) int {
	for i := range s.Messages {
		if s.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
