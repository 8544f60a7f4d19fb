package core

import (
	"encoding/json"
	"fmt"
)

// RecordKind names one kind of state mutation.
type RecordKind string

const (
	RecordSession   RecordKind = "session"    // payload: session title
	RecordUser      RecordKind = "user"       // payload: message text
	RecordScanStart RecordKind = "scan_start" // payload: server-side file path
	RecordFrame     RecordKind = "frame"      // payload: main-stream frame
	RecordScanFrame RecordKind = "scan_frame" // payload: scan-stream frame
	RecordHydrate   RecordKind = "hydrate"    // payload: JSON message list
	RecordPhase     RecordKind = "phase"      // payload: JSON phaseChange
)

// Record is one mutation of a session. The store folds every change through
// Apply and the journal persists the same records, so replaying a journal
// rebuilds the live state exactly.
type Record struct {
	SessionID  string
	Kind       RecordKind
	MessageID  string // scan records only
	Generation uint64
	Payload    []byte
}

type phaseChange struct {
	Phase StreamPhase `json:"phase"`
	Error string      `json:"error,omitempty"`
}

func phaseRecord(sessionID string, generation uint64, phase StreamPhase, errMsg string) Record {
	payload, _ := json.Marshal(phaseChange{Phase: phase, Error: errMsg})
	return Record{SessionID: sessionID, Kind: RecordPhase, Generation: generation, Payload: payload}
}

// Apply folds one record into state. Frames that fail to parse return a
// *ParseError and leave the state unchanged.
func Apply(state SessionState, rec Record) (SessionState, Effect, error) {
	switch rec.Kind {
	case RecordSession:
		state.Session.Title = string(rec.Payload)
		return state, Effect{}, nil

	case RecordUser:
		state, _ = AppendUserMessage(state, string(rec.Payload))
		return state, Effect{}, nil

	case RecordScanStart:
		state, _ = AppendScanMessage(state, string(rec.Payload))
		return state, Effect{}, nil

	case RecordFrame:
		ev, err := ParseEvent(rec.Payload)
		if err != nil {
			return state, Effect{}, err
		}
		next, eff := Reduce(state, ev)
		return next, eff, nil

	case RecordScanFrame:
		ev, err := ParseScanEvent(rec.Payload)
		if err != nil {
			return state, Effect{}, err
		}
		next, eff := ReduceScan(state, rec.MessageID, ev)
		return next, eff, nil

	case RecordHydrate:
		var msgs []Message
		if err := json.Unmarshal(rec.Payload, &msgs); err != nil {
			return state, Effect{}, fmt.Errorf("decode hydrated messages: %w", err)
		}
		return WithHistory(state, msgs), Effect{}, nil

	case RecordPhase:
		var pc phaseChange
		if err := json.Unmarshal(rec.Payload, &pc); err != nil {
			return state, Effect{}, fmt.Errorf("decode phase change: %w", err)
		}
		return WithPhase(state, pc.Phase, pc.Error), Effect{}, nil
	}

	return state, Effect{}, fmt.Errorf("unknown record kind %q", rec.Kind)
}

// WithHistory replaces the message list with a hydrated transcript. The
// sequence counter moves past it so later local ids cannot collide.
func WithHistory(state SessionState, msgs []Message) SessionState {
	state.Messages = msgs
	if state.Seq < len(msgs) {
		state.Seq = len(msgs)
	}
	state.Phase = PhaseIdle
	return state
}
