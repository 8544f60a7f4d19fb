package core

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// ReduceScan folds one scan-stream event into the message that started the
// scan. Scan events never touch the main conversation's open text message,
// so a scan can run while the reply is still streaming.
func ReduceScan(state SessionState, messageID string, ev Event) (SessionState, Effect) {
	idx := state.FindMessage(messageID)
	if idx < 0 {
		return state, Effect{CloseStream: true}
	}

	switch e := ev.(type) {
	case ToolCallEvent:
		state = state.withMessages()
		msg := state.Messages[idx]
		msg.Tools = UpsertTool(msg.Tools, e.Kind, startedPatch(toolID(msg.ID, e.Kind), e.Kind))
		state.Messages[idx] = msg
		return state, Effect{}

	case ToolResultEvent:
		state = state.withMessages()
		msg := state.Messages[idx]
		msg.Tools = UpsertTool(msg.Tools, e.Kind, finishedPatch(toolID(msg.ID, e.Kind), e.Kind, e.Data))
		state.Messages[idx] = msg
		return state, Effect{}

	case FinalEvent:
		state = state.withMessages()
		msg := state.Messages[idx]
		if e.Kind != "" {
			msg.Tools = UpsertTool(msg.Tools, e.Kind, finishedPatch(toolID(msg.ID, e.Kind), e.Kind, e.Data))
		}
		msg.Profile = e.Profile
		state.Messages[idx] = msg
		state.Session.DataProfile = e.Profile
		return state, Effect{CloseStream: true}

	case ErrorEvent:
		state = failRunningTool(state, idx, e.Message)
		state.LastError = e.Message
		return state, Effect{CloseStream: true}
	}

	return state, Effect{}
}

// ScanResult identifies a started scan.
type ScanResult struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
	StreamID  string `json:"streamId"`
	FilePath  string `json:"filePath"`
}

// StartScan appends a data-scan message to the session and opens a scan
// stream scoped to it. An empty sessionID means the active session. The scan
// has its own generation counter and runs independently of the main stream.
func (s *Store) StartScan(ctx context.Context, sessionID, filePath string) (ScanResult, error) {
	s.mu.Lock()
	if sessionID == "" {
		sessionID = s.active
	}
	entry, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		if sessionID == "" {
			return ScanResult{}, ErrNoActiveSession
		}
		return ScanResult{}, fmt.Errorf("start scan %s: %w", sessionID, ErrSessionNotFound)
	}

	s.applyLocked(entry, Record{SessionID: sessionID, Kind: RecordScanStart, Payload: []byte(filePath)})
	messageID := entry.state.Messages[len(entry.state.Messages)-1].ID

	scan := entry.scans[messageID]
	if scan == nil {
		scan = &generationSlot{}
		entry.scans[messageID] = scan
	}
	handle := s.stampLocked(entry, scan, StreamScan, messageID)
	s.publishLocked(entry)
	s.mu.Unlock()

	s.observer.StreamRequested(handle, filePath)
	result := ScanResult{SessionID: sessionID, MessageID: messageID, StreamID: handle.StreamID, FilePath: filePath}
	if err := s.open(handle, StreamRequest{Kind: StreamScan, SessionID: sessionID, FilePath: filePath}); err != nil {
		return result, err
	}
	return result, nil
}

// UploadAndScan uploads a data file through the backend and scans the
// server-side copy.
func (s *Store) UploadAndScan(ctx context.Context, sessionID, name string, r io.Reader) (ScanResult, error) {
	if sessionID == "" {
		sessionID = s.ActiveSession()
	}
	if sessionID == "" {
		return ScanResult{}, ErrNoActiveSession
	}

	path, err := s.backend.UploadFile(ctx, sessionID, name, r)
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"sessionID": sessionID,
			"file":      name,
		}).Error("Data file upload failed")
		return ScanResult{}, err
	}

	s.logger.WithFields(logrus.Fields{
		"sessionID": sessionID,
		"file":      name,
		"path":      path,
	}).Info("Data file uploaded")

	return s.StartScan(ctx, sessionID, path)
}
