package core

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type serverFixture struct {
	server    *Server
	echo      *echo.Echo
	backend   *fakeBackend
	transport *fakeTransport
}

func newServerFixture(t *testing.T, config *Config) *serverFixture {
	t.Helper()
	backend := newFakeBackend()
	transport := newFakeTransport()

	server, err := NewServer(config, testLogger(), backend, transport, WithIDGenerator(NewSequenceGenerator("stream")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })

	e := echo.New()
	server.RegisterRoutes(e)
	return &serverFixture{server: server, echo: e, backend: backend, transport: transport}
}

func (f *serverFixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)
	return rec
}

func TestServer_ChatStartsTurn(t *testing.T) {
	f := newServerFixture(t, testConfig())

	rec := f.do(t, http.MethodPost, "/chat", `{"message":"Which model for floods?"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "s1", resp.SessionID)
	assert.Equal(t, "stream-1", resp.StreamID)

	stream := f.transport.next(t)
	assert.Equal(t, "Which model for floods?", stream.req.Query)
}

func TestServer_ChatValidation(t *testing.T) {
	f := newServerFixture(t, testConfig())

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/chat", `{"message":"   "}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/chat", `{"message":`).Code)
}

func TestServer_ChatTransportFailure(t *testing.T) {
	f := newServerFixture(t, testConfig())
	f.transport.failOpens(&TransportError{Op: "open", URL: "http://x", StatusCode: 500})

	rec := f.do(t, http.MethodPost, "/chat", `{"message":"hi"}`)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), `"sessionId":"s1"`)
}

func TestServer_ChatContinuesNamedSession(t *testing.T) {
	f := newServerFixture(t, testConfig())
	f.backend.addSession("s7", "Drought")

	rec := f.do(t, http.MethodPost, "/chat", `{"message":"and in summer?","sessionId":"s7"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "s7", f.server.Store().ActiveSession())
	assert.Equal(t, 1, f.backend.fetches())
}

func TestServer_StopAndStatus(t *testing.T) {
	f := newServerFixture(t, testConfig())
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/chat", `{"message":"hi"}`).Code)
	f.transport.next(t)

	status := f.do(t, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, status.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(status.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, false, body["journal"])

	rec := f.do(t, http.MethodPost, "/stop", `{"sessionId":"s1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var stop StopResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stop))
	assert.True(t, stop.Stopped)

	again := f.do(t, http.MethodPost, "/stop", `{"sessionId":"s1"}`)
	assert.Equal(t, http.StatusNotFound, again.Code)

	snap, ok := f.server.Store().Snapshot("s1")
	require.True(t, ok)
	assert.Equal(t, PhaseCancelled, snap.State.Phase)
}

func TestServer_SessionRoutes(t *testing.T) {
	f := newServerFixture(t, testConfig())
	f.backend.addSession("s7", "Drought")
	f.backend.history["s7"] = []HistoryRecord{
		{ID: "m1", Role: "user", Content: "dry season?"},
		{ID: "m2", Role: "assistant", Content: "Use SPEI."},
	}

	list := f.do(t, http.MethodGet, "/sessions", "")
	require.Equal(t, http.StatusOK, list.Code)
	assert.Contains(t, list.Body.String(), `"title":"Drought"`)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/sessions/s7", "").Code)

	switched := f.do(t, http.MethodPost, "/sessions/s7/switch", "")
	require.Equal(t, http.StatusOK, switched.Code)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(switched.Body.Bytes(), &snap))
	assert.True(t, snap.Active)
	require.Len(t, snap.State.Messages, 2)

	got := f.do(t, http.MethodGet, "/sessions/s7", "")
	assert.Equal(t, http.StatusOK, got.Code)

	renamed := f.do(t, http.MethodPut, "/sessions/s7", `{"title":"Drought 2024"}`)
	require.Equal(t, http.StatusOK, renamed.Code)
	snap, _ = f.server.Store().Snapshot("s7")
	assert.Equal(t, "Drought 2024", snap.State.Session.Title)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/sessions/s7", `{"title":""}`).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPut, "/sessions/nope", `{"title":"x"}`).Code)

	deleted := f.do(t, http.MethodDelete, "/sessions/s7", "")
	require.Equal(t, http.StatusOK, deleted.Code)
	assert.Empty(t, f.server.Store().ActiveSession())
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/sessions/s7", "").Code)
}

func TestServer_Export(t *testing.T) {
	f := newServerFixture(t, testConfig())
	f.backend.addSession("s7", "Drought")
	f.backend.history["s7"] = []HistoryRecord{{ID: "m1", Role: "user", Content: "dry season?"}}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/sessions/s7/switch", "").Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/sessions", "").Code)

	md := f.do(t, http.MethodGet, "/sessions/s7/export?format=md", "")
	require.Equal(t, http.StatusOK, md.Code)
	assert.True(t, strings.HasPrefix(md.Body.String(), "# Drought\n"))
	assert.Contains(t, md.Header().Get(echo.HeaderContentDisposition), `"s7.md"`)

	js := f.do(t, http.MethodGet, "/sessions/s7/export", "")
	require.Equal(t, http.StatusOK, js.Code)
	var state SessionState
	require.NoError(t, json.Unmarshal(js.Body.Bytes(), &state))
	assert.Equal(t, "s7", state.Session.ID)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/sessions/s7/export?format=pdf", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/sessions/nope/export", "").Code)
}

func TestServer_ScanUpload(t *testing.T) {
	f := newServerFixture(t, testConfig())
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/chat", `{"message":"hi"}`).Code)
	f.transport.next(t)

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", "rain.csv")
	require.NoError(t, err)
	_, _ = part.Write([]byte("day,mm\n"))
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/sessions/s1/scan", &body)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var result ScanResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "/data/s1/rain.csv", result.FilePath)
	assert.Equal(t, StreamScan, f.transport.next(t).req.Kind)

	missing := f.do(t, http.MethodPost, "/sessions/s1/scan", `{"filePath":""}`)
	assert.Equal(t, http.StatusBadRequest, missing.Code)
	unknown := f.do(t, http.MethodPost, "/sessions/nope/scan", `{"filePath":"/x"}`)
	assert.Equal(t, http.StatusNotFound, unknown.Code)
}

func TestServer_Run(t *testing.T) {
	f := newServerFixture(t, testConfig())
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/chat", `{"message":"hi"}`).Code)
	stream := f.transport.next(t)

	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/sessions/s1/run", `{"inputs":{}}`).Code)

	require.True(t, stream.push(`{"type":"final","tool":"get_model_details","data":{"name":"SWAT","workflow":[{"name":"run","events":[{"name":"go","inputs":[{"name":"dem","type":"file"}]}]}]}}`))
	require.Eventually(t, func() bool {
		snap, _ := f.server.Store().Snapshot("s1")
		return snap.State.Phase == PhaseDone
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/sessions/s1/run", `{"inputs":{}}`).Code)

	f.backend.mu.Lock()
	f.backend.runStatus = []string{"Check data format"}
	f.backend.mu.Unlock()
	rec := f.do(t, http.MethodPost, "/sessions/s1/run", `{"inputs":{"dem":"/data/dem.tif"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var progress ExecutionProgress
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &progress))
	assert.Equal(t, StepRunning, progress.Steps[0].State)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(ErrSessionNotFound))
	assert.Equal(t, http.StatusNotFound, statusFor(&BackendError{Op: "x", StatusCode: 404}))
	assert.Equal(t, http.StatusConflict, statusFor(ErrNoActiveSession))
	assert.Equal(t, http.StatusBadGateway, statusFor(&BackendError{Op: "x", StatusCode: 500}))
	assert.Equal(t, http.StatusBadGateway, statusFor(&HydrationError{SessionID: "s"}))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}
