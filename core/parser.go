package core

import (
	"bytes"
	"encoding/json"
	"errors"

	"geodecision/tools"
)

const frameExcerptLength = 120

// ParseEvent decodes one frame of the main conversation stream. Every
// failure is a *ParseError; the caller drops the frame and keeps reading.
func ParseEvent(frame []byte) (Event, error) {
	env, err := decodeEnvelope(frame)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case TagToken:
		if env.Message == nil {
			return nil, missing(env, frame, "message")
		}
		return TokenEvent{Text: *env.Message}, nil

	case TagToolCall:
		if env.Tool == "" {
			return nil, missing(env, frame, "tool")
		}
		return ToolCallEvent{Kind: tools.Kind(env.Tool)}, nil

	case TagToolResult:
		if env.Tool == "" {
			return nil, missing(env, frame, "tool")
		}
		if !hasData(env.Data) {
			return nil, missing(env, frame, "data")
		}
		return ToolResultEvent{Kind: tools.Kind(env.Tool), Data: env.Data}, nil

	case TagTaskSpecGenerated:
		return parseTaskSpec(env, frame)

	case TagModelContractGenerated:
		return parseModelContract(env, frame)

	case TagFinal:
		if env.Tool == "" {
			return nil, missing(env, frame, "tool")
		}
		if !hasData(env.Data) {
			return nil, missing(env, frame, "data")
		}
		var rec ModelRecommendation
		if err := json.Unmarshal(env.Data, &rec); err != nil {
			return nil, invalid(env, frame, "data is not a model recommendation", err)
		}
		return FinalEvent{Kind: tools.Kind(env.Tool), Data: env.Data, Recommendation: &rec}, nil

	case TagError:
		if env.Message == nil {
			return nil, missing(env, frame, "message")
		}
		return ErrorEvent{Message: *env.Message}, nil
	}

	return nil, invalid(env, frame, "unknown event type", nil)
}

// ParseScanEvent decodes one frame of a data-scan stream. Only scan tools,
// the terminal final carrying a profile, and error are accepted.
func ParseScanEvent(frame []byte) (Event, error) {
	env, err := decodeEnvelope(frame)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case TagToolCall, TagToolResult:
		if env.Tool == "" {
			return nil, missing(env, frame, "tool")
		}
		if !tools.IsScan(tools.Kind(env.Tool)) {
			return nil, invalid(env, frame, "tool "+env.Tool+" is not a scan tool", nil)
		}
		if env.Type == TagToolCall {
			return ToolCallEvent{Kind: tools.Kind(env.Tool)}, nil
		}
		if !hasData(env.Data) {
			return nil, missing(env, frame, "data")
		}
		return ToolResultEvent{Kind: tools.Kind(env.Tool), Data: env.Data}, nil

	case TagFinal:
		if !hasData(env.Data) {
			return nil, missing(env, frame, "data")
		}
		profile, err := decodeProfile(env.Data)
		if err != nil {
			return nil, invalid(env, frame, "data is not a profile object", err)
		}
		return FinalEvent{Kind: tools.Kind(env.Tool), Data: env.Data, Profile: profile}, nil

	case TagError:
		if env.Message == nil {
			return nil, missing(env, frame, "message")
		}
		return ErrorEvent{Message: *env.Message}, nil

	case TagToken, TagTaskSpecGenerated, TagModelContractGenerated:
		return nil, invalid(env, frame, "event type not allowed on a scan stream", nil)
	}

	return nil, invalid(env, frame, "unknown event type", nil)
}

func decodeEnvelope(frame []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return env, &ParseError{Reason: "frame is not a JSON object", Frame: excerpt(frame), Err: err}
	}
	if env.Type == "" {
		return env, &ParseError{Reason: "missing type", Frame: excerpt(frame)}
	}
	return env, nil
}

func parseTaskSpec(env envelope, frame []byte) (Event, error) {
	if !hasData(env.Data) {
		return nil, missing(env, frame, "data")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(env.Data, &fields); err != nil {
		return nil, invalid(env, frame, "data is not an object", err)
	}
	if len(fields) == 0 {
		return TaskSpecEvent{}, nil
	}
	var spec TaskSpec
	if err := json.Unmarshal(env.Data, &spec); err != nil {
		return nil, invalid(env, frame, "data is not a task specification", err)
	}
	return TaskSpecEvent{Spec: &spec}, nil
}

func parseModelContract(env envelope, frame []byte) (Event, error) {
	if !hasData(env.Data) {
		return nil, missing(env, frame, "data")
	}
	var payload struct {
		RequiredSlots json.RawMessage `json:"Required_slots"`
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return nil, invalid(env, frame, "data is not an object", err)
	}
	if !hasData(payload.RequiredSlots) {
		return nil, missing(env, frame, "data.Required_slots")
	}
	var slots []ContractSlot
	if err := json.Unmarshal(payload.RequiredSlots, &slots); err != nil {
		return nil, invalid(env, frame, "data.Required_slots is not a slot list", err)
	}
	return ModelContractEvent{Slots: slots}, nil
}

// decodeProfile takes data.profile when present and data itself otherwise.
func decodeProfile(data json.RawMessage) (Profile, error) {
	var wrapper struct {
		Profile json.RawMessage `json:"profile"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, err
	}
	src := data
	if hasData(wrapper.Profile) {
		src = wrapper.Profile
	}
	var profile Profile
	if err := json.Unmarshal(src, &profile); err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, errors.New("profile is null")
	}
	return profile, nil
}

func hasData(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

func missing(env envelope, frame []byte, field string) *ParseError {
	return &ParseError{Tag: env.Type, Reason: "missing required field " + field, Frame: excerpt(frame)}
}

func invalid(env envelope, frame []byte, reason string, err error) *ParseError {
	return &ParseError{Tag: env.Type, Reason: reason, Frame: excerpt(frame), Err: err}
}

func excerpt(frame []byte) string {
	if len(frame) <= frameExcerptLength {
		return string(frame)
	}
	return string(frame[:frameExcerptLength]) + "..."
}
