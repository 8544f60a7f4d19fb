package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// fakeStream is a Stream fed by the test.
type fakeStream struct {
	req    StreamRequest
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeStream(req StreamRequest) *fakeStream {
	return &fakeStream{req: req, frames: make(chan []byte), closed: make(chan struct{})}
}

func (s *fakeStream) Next(ctx context.Context) ([]byte, error) {
	select {
	case f, ok := <-s.frames:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	case <-s.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// push hands a frame to the pump. It reports false when the stream was
// closed before the frame was taken.
func (s *fakeStream) push(frame string) bool {
	select {
	case s.frames <- []byte(frame):
		return true
	case <-s.closed:
		return false
	case <-time.After(2 * time.Second):
		return false
	}
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// fakeTransport hands out fakeStreams in open order.
type fakeTransport struct {
	mu      sync.Mutex
	opened  chan *fakeStream
	openErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{opened: make(chan *fakeStream, 16)}
}

func (t *fakeTransport) Open(ctx context.Context, req StreamRequest) (Stream, error) {
	t.mu.Lock()
	err := t.openErr
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s := newFakeStream(req)
	t.opened <- s
	return s, nil
}

func (t *fakeTransport) failOpens(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.openErr = err
}

func (t *fakeTransport) next(tb testing.TB) *fakeStream {
	tb.Helper()
	select {
	case s := <-t.opened:
		return s
	case <-time.After(2 * time.Second):
		tb.Fatal("no stream was opened")
		return nil
	}
}

// fakeBackend keeps sessions in memory.
type fakeBackend struct {
	mu         sync.Mutex
	nextID     int
	sessions   []SessionSummary
	history    map[string][]HistoryRecord
	fetchErr   error
	fetchCalls int
	// fetchGate, when set, blocks FetchMessages until it is closed;
	// fetchStarted is signalled first.
	fetchGate    chan struct{}
	fetchStarted chan string
	// createGate and createStarted do the same for CreateSession.
	createGate    chan struct{}
	createStarted chan string
	uploads      map[string]string
	runForms     []map[string]string
	runStatus    []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		history: make(map[string][]HistoryRecord),
		uploads: make(map[string]string),
	}
}

func (b *fakeBackend) CreateSession(ctx context.Context, title string) (SessionSummary, error) {
	b.mu.Lock()
	gate, started := b.createGate, b.createStarted
	b.mu.Unlock()

	if started != nil {
		started <- title
	}
	if gate != nil {
		<-gate
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := SessionSummary{ID: fmt.Sprintf("s%d", b.nextID), Title: title}
	b.sessions = append(b.sessions, s)
	return s, nil
}

func (b *fakeBackend) ListSessions(ctx context.Context) ([]SessionSummary, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]SessionSummary(nil), b.sessions...), nil
}

func (b *fakeBackend) FetchMessages(ctx context.Context, sessionID string) ([]HistoryRecord, error) {
	b.mu.Lock()
	b.fetchCalls++
	gate, started, err := b.fetchGate, b.fetchStarted, b.fetchErr
	records := b.history[sessionID]
	b.mu.Unlock()

	if started != nil {
		started <- sessionID
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (b *fakeBackend) RenameSession(ctx context.Context, sessionID, title string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.sessions {
		if b.sessions[i].ID == sessionID {
			b.sessions[i].Title = title
			return nil
		}
	}
	return &BackendError{Op: "rename_session", StatusCode: 404, Body: "not found"}
}

func (b *fakeBackend) DeleteSession(ctx context.Context, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.sessions {
		if b.sessions[i].ID == sessionID {
			b.sessions = append(b.sessions[:i], b.sessions[i+1:]...)
			return nil
		}
	}
	return &BackendError{Op: "delete_session", StatusCode: 404, Body: "not found"}
}

func (b *fakeBackend) UploadFile(ctx context.Context, sessionID, name string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	path := "/data/" + sessionID + "/" + name
	b.uploads[path] = string(data)
	return path, nil
}

func (b *fakeBackend) RunModel(ctx context.Context, sessionID string, form map[string]string) (RunResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.runForms = append(b.runForms, form)
	if b.runStatus == nil {
		return RunResult{}, errors.New("run rejected")
	}
	return RunResult{Status: b.runStatus}, nil
}

func (b *fakeBackend) addSession(id, title string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions = append(b.sessions, SessionSummary{ID: id, Title: title})
}

func (b *fakeBackend) fetches() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetchCalls
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testConfig() *Config {
	return &Config{
		BackendURL:        "http://backend.invalid",
		ChatStreamPath:    "/chat/stream",
		ScanStreamPath:    "/data/scan",
		RequestTimeout:    time.Second,
		SubscriberBuffer:  1,
		LogLevel:          "info",
		LogTruncateLength: 500,
	}
}

type storeFixture struct {
	store     *Store
	backend   *fakeBackend
	transport *fakeTransport
}

func newStoreFixture(t *testing.T, config *Config, opts ...StoreOption) *storeFixture {
	t.Helper()
	backend := newFakeBackend()
	transport := newFakeTransport()
	opts = append([]StoreOption{WithIDGenerator(NewSequenceGenerator("stream"))}, opts...)
	store := NewStore(config, backend, transport, testLogger(), opts...)
	t.Cleanup(store.Close)
	return &storeFixture{store: store, backend: backend, transport: transport}
}

// waitFor polls the session until cond holds.
func (f *storeFixture) waitFor(t *testing.T, sessionID string, cond func(SessionState) bool) SessionState {
	t.Helper()
	var state SessionState
	require.Eventually(t, func() bool {
		snap, ok := f.store.Snapshot(sessionID)
		if !ok {
			return false
		}
		state = snap.State
		return cond(state)
	}, 2*time.Second, 5*time.Millisecond)
	return state
}

func mainHandle(resp ChatResponse) StreamHandle {
	return StreamHandle{
		StreamID:   resp.StreamID,
		SessionID:  resp.SessionID,
		Kind:       StreamMain,
		Generation: resp.Generation,
		Status:     HandleOpen,
	}
}
