package core

// Effect is what the store has to do after a fold besides publishing the new
// state.
type Effect struct {
	CloseStream bool
}

// Reduce folds one main-stream event into the session state. It is pure:
// the input state is never modified and the same inputs give the same output.
func Reduce(state SessionState, ev Event) (SessionState, Effect) {
	if tok, ok := ev.(TokenEvent); ok {
		return appendToken(state, tok.Text), Effect{}
	}

	state = closeOpenText(state)

	switch e := ev.(type) {
	case ToolCallEvent:
		state, idx := turnToolMessage(state)
		msg := state.Messages[idx]
		msg.Tools = UpsertTool(msg.Tools, e.Kind, startedPatch(toolID(msg.ID, e.Kind), e.Kind))
		state.Messages[idx] = msg
		return state, Effect{}

	case ToolResultEvent:
		state, idx := turnToolMessage(state)
		msg := state.Messages[idx]
		msg.Tools = UpsertTool(msg.Tools, e.Kind, finishedPatch(toolID(msg.ID, e.Kind), e.Kind, e.Data))
		state.Messages[idx] = msg
		return state, Effect{}

	case TaskSpecEvent:
		if e.Spec != nil {
			state.Session.TaskSpec = e.Spec
		}
		return state, Effect{}

	case ModelContractEvent:
		if len(e.Slots) > 0 {
			state.Session.ModelContract = e.Slots
		}
		return state, Effect{}

	case FinalEvent:
		if e.Kind != "" {
			var idx int
			state, idx = turnToolMessage(state)
			msg := state.Messages[idx]
			msg.Tools = UpsertTool(msg.Tools, e.Kind, finishedPatch(toolID(msg.ID, e.Kind), e.Kind, e.Data))
			state.Messages[idx] = msg
		}
		if e.Recommendation != nil {
			state.Session.RecommendedModel = e.Recommendation
		}
		state.Phase = PhaseDone
		return state, Effect{CloseStream: true}

	case ErrorEvent:
		state = failRunningTool(state, findTurnToolMessage(state), e.Message)
		state.LastError = e.Message
		state.Phase = PhaseFailed
		return state, Effect{CloseStream: true}
	}

	return state, Effect{}
}

// AppendUserMessage adds a user message and returns its id.
func AppendUserMessage(state SessionState, text string) (SessionState, string) {
	state = closeOpenText(state)
	id, state := state.nextMessageID()
	state = state.withMessages()
	state.Messages = append(state.Messages, Message{
		ID:      id,
		Role:    RoleUser,
		Content: text,
		Kind:    KindText,
	})
	state.LastError = ""
	return state, id
}

// AppendScanMessage adds the data-scan message a scan stream reports into
// and returns its id.
func AppendScanMessage(state SessionState, filePath string) (SessionState, string) {
	state = closeOpenText(state)
	id, state := state.nextMessageID()
	state = state.withMessages()
	state.Messages = append(state.Messages, Message{
		ID:       id,
		Role:     RoleAssistant,
		Kind:     KindDataScan,
		FilePath: filePath,
	})
	return state, id
}

// WithPhase returns state with the main-stream phase set. Leaving the
// streaming phase closes any open text message.
func WithPhase(state SessionState, phase StreamPhase, lastError string) SessionState {
	if phase != PhaseStreaming {
		state = closeOpenText(state)
	}
	state.Phase = phase
	if lastError != "" {
		state.LastError = lastError
	}
	return state
}

func appendToken(state SessionState, text string) SessionState {
	state.Phase = PhaseStreaming
	if n := len(state.Messages); n > 0 {
		tail := state.Messages[n-1]
		if tail.Role == RoleAssistant && tail.Kind == KindText && tail.Streaming {
			state = state.withMessages()
			tail.Content += text
			state.Messages[n-1] = tail
			return state
		}
	}

	id, state := state.nextMessageID()
	state = state.withMessages()
	state.Messages = append(state.Messages, Message{
		ID:        id,
		Role:      RoleAssistant,
		Content:   text,
		Kind:      KindText,
		Streaming: true,
	})
	return state
}

func closeOpenText(state SessionState) SessionState {
	n := len(state.Messages)
	if n == 0 || !state.Messages[n-1].Streaming {
		return state
	}
	state = state.withMessages()
	state.Messages[n-1].Streaming = false
	return state
}

// findTurnToolMessage returns the index of the tool-bearing message of the
// current turn: the last toolRun message after the last user message.
func findTurnToolMessage(state SessionState) int {
	for i := len(state.Messages) - 1; i >= 0; i-- {
		msg := state.Messages[i]
		if msg.Role == RoleUser {
			return -1
		}
		if msg.Kind == KindToolRun {
			return i
		}
	}
	return -1
}

// turnToolMessage returns a state whose message slice may be modified and
// the index of the turn's tool-bearing message, creating it when needed.
func turnToolMessage(state SessionState) (SessionState, int) {
	idx := findTurnToolMessage(state)
	state = state.withMessages()
	if idx >= 0 {
		return state, idx
	}
	id, state := state.nextMessageID()
	state.Messages = append(state.Messages, Message{
		ID:   id,
		Role: RoleAssistant,
		Kind: KindToolRun,
	})
	return state, len(state.Messages) - 1
}

func failRunningTool(state SessionState, idx int, message string) SessionState {
	if idx < 0 {
		return state
	}
	running := LastRunning(state.Messages[idx].Tools)
	if running < 0 {
		return state
	}
	state = state.withMessages()
	msg := state.Messages[idx]
	msg.Tools = UpsertTool(msg.Tools, msg.Tools[running].Kind, failedPatch(message))
	state.Messages[idx] = msg
	return state
}
