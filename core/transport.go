package core

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// StreamKind distinguishes the main conversation stream from scan streams.
type StreamKind string

const (
	StreamMain StreamKind = "main"
	StreamScan StreamKind = "scan"
)

// StreamRequest describes the stream to open.
type StreamRequest struct {
	Kind      StreamKind
	SessionID string
	Query     string // main streams
	FilePath  string // scan streams
}

// Stream yields raw frames in arrival order.
type Stream interface {
	// Next blocks until the next frame arrives. It returns io.EOF once the
	// server signalled the end of the stream; any other error is terminal.
	Next(ctx context.Context) ([]byte, error)
	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// Transport opens streams. Each Open is exactly one connection and nothing
// is retried.
type Transport interface {
	Open(ctx context.Context, req StreamRequest) (Stream, error)
}

// SSETransport opens server-sent event streams against the backend.
type SSETransport struct {
	baseURL  string
	chatPath string
	scanPath string
	client   *http.Client
	logger   *logrus.Logger
}

// NewSSETransport builds a transport from the backend settings of config.
// The HTTP client has no timeout; streams end by their terminal event or by
// Close.
func NewSSETransport(config *Config, logger *logrus.Logger) *SSETransport {
	return &SSETransport{
		baseURL:  strings.TrimRight(config.BackendURL, "/"),
		chatPath: config.ChatStreamPath,
		scanPath: config.ScanStreamPath,
		client:   &http.Client{},
		logger:   logger,
	}
}

// URL returns the address a request is sent to.
func (t *SSETransport) URL(req StreamRequest) string {
	q := url.Values{}
	q.Set("session_id", req.SessionID)
	path := t.chatPath
	if req.Kind == StreamScan {
		path = t.scanPath
		q.Set("file_path", req.FilePath)
	} else {
		q.Set("query", req.Query)
	}
	return t.baseURL + path + "?" + q.Encode()
}

// Open connects and returns once the response headers arrived.
func (t *SSETransport) Open(ctx context.Context, req StreamRequest) (Stream, error) {
	target := t.URL(req)
	streamCtx, cancel := context.WithCancel(ctx)

	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodGet, target, nil)
	if err != nil {
		cancel()
		return nil, &TransportError{Op: "open", URL: target, Err: err}
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, &TransportError{Op: "open", URL: target, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		cancel()
		return nil, &TransportError{Op: "open", URL: target, StatusCode: resp.StatusCode}
	}

	t.logger.WithFields(logrus.Fields{
		"sessionID": req.SessionID,
		"kind":      req.Kind,
		"url":       target,
	}).Debug("Event stream connected")

	s := &sseStream{
		url:    target,
		body:   resp.Body,
		cancel: cancel,
		frames: make(chan frameResult),
		done:   make(chan struct{}),
	}
	go s.read()
	return s, nil
}

type frameResult struct {
	frame []byte
	err   error
}

// sseStream reads the body on its own goroutine so Next can honour its
// context. Frames are handed over unbuffered, one at a time.
type sseStream struct {
	url    string
	body   io.ReadCloser
	cancel context.CancelFunc
	frames chan frameResult
	done   chan struct{}
	once   sync.Once
}

func (s *sseStream) Next(ctx context.Context) ([]byte, error) {
	select {
	case r, ok := <-s.frames:
		if !ok {
			return nil, io.EOF
		}
		return r.frame, r.err
	case <-s.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *sseStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.cancel()
		err = s.body.Close()
	})
	return err
}

func (s *sseStream) read() {
	defer close(s.frames)

	reader := bufio.NewReader(s.body)
	var data []string
	event := ""

	dispatch := func() bool {
		if event == "done" {
			return false
		}
		if len(data) == 0 {
			event = ""
			return true
		}
		frame := strings.Join(data, "\n")
		data, event = nil, ""
		if frame == "[DONE]" {
			return false
		}
		return s.emit(frameResult{frame: []byte(frame)})
	}

	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			line = strings.TrimRight(line, "\r\n")
			switch {
			case line == "":
				if !dispatch() {
					return
				}
			case strings.HasPrefix(line, ":"):
				// comment or keep-alive
			case strings.HasPrefix(line, "data:"):
				data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			case strings.HasPrefix(line, "event:"):
				event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				dispatch()
				return
			}
			select {
			case <-s.done:
				// closed locally, the read error is expected
			default:
				s.emit(frameResult{err: &TransportError{Op: "read", URL: s.url, Err: err}})
			}
			return
		}
	}
}

func (s *sseStream) emit(r frameResult) bool {
	select {
	case s.frames <- r:
		return true
	case <-s.done:
		return false
	}
}

// String is used in log fields.
func (r StreamRequest) String() string {
	if r.Kind == StreamScan {
		return fmt.Sprintf("scan(%s, %s)", r.SessionID, r.FilePath)
	}
	return fmt.Sprintf("main(%s)", r.SessionID)
}
