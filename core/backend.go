package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// SessionSummary is a session as the backend lists it.
type SessionSummary struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

// UnmarshalJSON accepts session_id and name spellings.
func (s *SessionSummary) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID        string `json:"id"`
		SessionID string `json:"session_id"`
		Title     string `json:"title"`
		Name      string `json:"name"`
		UpdatedAt string `json:"updatedAt"`
		Updated   string `json:"updated_at"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.ID = firstNonEmpty(raw.ID, raw.SessionID)
	s.Title = firstNonEmpty(raw.Title, raw.Name)
	s.UpdatedAt = firstNonEmpty(raw.UpdatedAt, raw.Updated)
	return nil
}

// HistoryTool is a persisted tool record.
type HistoryTool struct {
	ID     string          `json:"id"`
	Kind   string          `json:"kind"`
	Tool   string          `json:"tool"`
	Title  string          `json:"title"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result"`
}

// HistoryRecord is a persisted message.
type HistoryRecord struct {
	ID       string        `json:"id"`
	Role     string        `json:"role"`
	Type     string        `json:"type"`
	Content  string        `json:"content"`
	Tools    []HistoryTool `json:"tools"`
	FilePath string        `json:"file_path"`
	Profile  Profile       `json:"profile"`
}

// RunResult is the backend's answer to a model run.
type RunResult struct {
	Status  []string       `json:"status"`
	Outputs map[string]any `json:"outputs,omitempty"`
}

// Backend is the request/response side of the decision backend.
type Backend interface {
	CreateSession(ctx context.Context, title string) (SessionSummary, error)
	ListSessions(ctx context.Context) ([]SessionSummary, error)
	FetchMessages(ctx context.Context, sessionID string) ([]HistoryRecord, error)
	RenameSession(ctx context.Context, sessionID, title string) error
	DeleteSession(ctx context.Context, sessionID string) error
	UploadFile(ctx context.Context, sessionID, name string, r io.Reader) (string, error)
	RunModel(ctx context.Context, sessionID string, form map[string]string) (RunResult, error)
}

// HTTPBackend talks to the backend over JSON and multipart HTTP.
type HTTPBackend struct {
	baseURL string
	client  *http.Client
	logger  *logrus.Logger
}

// NewHTTPBackend creates a backend client bound by config.RequestTimeout.
func NewHTTPBackend(config *Config, logger *logrus.Logger) *HTTPBackend {
	return &HTTPBackend{
		baseURL: strings.TrimRight(config.BackendURL, "/"),
		client:  &http.Client{Timeout: config.RequestTimeout},
		logger:  logger,
	}
}

func (b *HTTPBackend) CreateSession(ctx context.Context, title string) (SessionSummary, error) {
	var out SessionSummary
	if err := b.doJSON(ctx, "create_session", http.MethodPost, "/sessions", map[string]string{"title": title}, &out); err != nil {
		return SessionSummary{}, err
	}
	if out.ID == "" {
		return SessionSummary{}, &BackendError{Op: "create_session", Body: "response has no session id"}
	}
	if out.Title == "" {
		out.Title = title
	}
	return out, nil
}

func (b *HTTPBackend) ListSessions(ctx context.Context) ([]SessionSummary, error) {
	var raw json.RawMessage
	if err := b.doJSON(ctx, "list_sessions", http.MethodGet, "/sessions", nil, &raw); err != nil {
		return nil, err
	}
	var out []SessionSummary
	if err := decodeList(raw, "sessions", &out); err != nil {
		return nil, &BackendError{Op: "list_sessions", Err: err}
	}
	return out, nil
}

func (b *HTTPBackend) FetchMessages(ctx context.Context, sessionID string) ([]HistoryRecord, error) {
	var raw json.RawMessage
	path := "/sessions/" + url.PathEscape(sessionID) + "/messages"
	if err := b.doJSON(ctx, "fetch_messages", http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	var out []HistoryRecord
	if err := decodeList(raw, "messages", &out); err != nil {
		return nil, &BackendError{Op: "fetch_messages", Err: err}
	}
	return out, nil
}

func (b *HTTPBackend) RenameSession(ctx context.Context, sessionID, title string) error {
	path := "/sessions/" + url.PathEscape(sessionID)
	return b.doJSON(ctx, "rename_session", http.MethodPut, path, map[string]string{"title": title}, nil)
}

func (b *HTTPBackend) DeleteSession(ctx context.Context, sessionID string) error {
	path := "/sessions/" + url.PathEscape(sessionID)
	return b.doJSON(ctx, "delete_session", http.MethodDelete, path, nil, nil)
}

// UploadFile sends the file as multipart form field "file" and returns the
// server-side path.
func (b *HTTPBackend) UploadFile(ctx context.Context, sessionID, name string, r io.Reader) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("session_id", sessionID); err != nil {
		return "", &BackendError{Op: "upload_file", Err: err}
	}
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return "", &BackendError{Op: "upload_file", Err: err}
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", &BackendError{Op: "upload_file", Err: fmt.Errorf("read %s: %w", name, err)}
	}
	if err := w.Close(); err != nil {
		return "", &BackendError{Op: "upload_file", Err: err}
	}

	var out struct {
		Path     string `json:"path"`
		FilePath string `json:"file_path"`
	}
	if err := b.do(ctx, "upload_file", http.MethodPost, "/data/upload", w.FormDataContentType(), &body, &out); err != nil {
		return "", err
	}
	path := firstNonEmpty(out.Path, out.FilePath)
	if path == "" {
		return "", &BackendError{Op: "upload_file", Body: "response has no file path"}
	}
	return path, nil
}

// RunModel posts the run form. Keys follow state@@@event@@@inputName@@@type.
func (b *HTTPBackend) RunModel(ctx context.Context, sessionID string, form map[string]string) (RunResult, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("session_id", sessionID); err != nil {
		return RunResult{}, &BackendError{Op: "run_model", Err: err}
	}

	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := w.WriteField(k, form[k]); err != nil {
			return RunResult{}, &BackendError{Op: "run_model", Err: err}
		}
	}
	if err := w.Close(); err != nil {
		return RunResult{}, &BackendError{Op: "run_model", Err: err}
	}

	var out RunResult
	if err := b.do(ctx, "run_model", http.MethodPost, "/model/run", w.FormDataContentType(), &body, &out); err != nil {
		return RunResult{}, err
	}
	return out, nil
}

func (b *HTTPBackend) doJSON(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return &BackendError{Op: op, Err: err}
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	return b.do(ctx, op, method, path, contentType, body, out)
}

func (b *HTTPBackend) do(ctx context.Context, op, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return &BackendError{Op: op, Err: err}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		b.logger.WithError(err).WithFields(logrus.Fields{
			"op":   op,
			"path": path,
		}).Error("Backend request failed")
		return &BackendError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &BackendError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	b.logger.WithFields(logrus.Fields{
		"op":     op,
		"path":   path,
		"status": resp.StatusCode,
	}).Debug("Backend request completed")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &BackendError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &BackendError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// decodeList accepts either a bare array or an object wrapping it under key.
func decodeList(raw json.RawMessage, key string, out any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if trimmed[0] == '[' {
		return json.Unmarshal(trimmed, out)
	}
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return err
	}
	inner, ok := wrapped[key]
	if !ok {
		return fmt.Errorf("response has no %q list", key)
	}
	if !hasData(inner) {
		return nil
	}
	return json.Unmarshal(inner, out)
}
