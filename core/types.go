/*
Package core contains the request/response types of the local gateway.

Key type categories:
- Chat and session management requests
- Streamed messages pushed to gateway clients
- Execution control (stop) types
*/
package core

// ChatRequest starts a conversation turn.
type ChatRequest struct {
	Message   string `json:"message"`             // The user's message to the agent
	SessionID string `json:"sessionId,omitempty"` // Session to continue; empty uses the active one or creates a new one
}

// ChatResponse acknowledges a started turn. Progress arrives on /events.
type ChatResponse struct {
	SessionID  string `json:"sessionId"`
	MessageID  string `json:"messageId"`
	StreamID   string `json:"streamId"`
	Generation uint64 `json:"generation"`
}

// RenameRequest renames a session.
type RenameRequest struct {
	Title string `json:"title"`
}

// ScanRequest scans a file that already lives on the backend.
type ScanRequest struct {
	FilePath string `json:"filePath"`
}

// RunRequest runs the recommended model. Inputs maps workflow input keys,
// or names when a key is missing, to uploaded file paths or literal values.
type RunRequest struct {
	Inputs map[string]string `json:"inputs"`
}

// StreamMessage is one server-sent event pushed to gateway clients. The
// Type field determines how the client should handle it.
type StreamMessage struct {
	Type       string                 `json:"type"`                 // "snapshot", "debug", "error"
	SessionID  string                 `json:"sessionId,omitempty"`  // Session the message refers to
	Content    string                 `json:"content,omitempty"`    // Human readable description
	StreamID   string                 `json:"streamId,omitempty"`   // Stream a debug notice refers to
	Generation uint64                 `json:"generation,omitempty"` // Generation of that stream
	Snapshot   *Snapshot              `json:"snapshot,omitempty"`   // Full session state for "snapshot"
	Details    map[string]interface{} `json:"details,omitempty"`    // Additional structured data for debugging
}

// StopRequest asks to cancel the main stream of a session.
type StopRequest struct {
	SessionID string `json:"sessionId"` // Empty means the active session
}

// StopResponse represents the server's response to a stop request.
type StopResponse struct {
	Success bool   `json:"success"` // Whether the stop request was processed successfully
	Message string `json:"message"` // Human-readable message describing the result
	Stopped bool   `json:"stopped"` // Whether a stream was actually stopped (it may already be finished)
}
