package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

// Server is the local gateway. It exposes the session store over HTTP and
// pushes published snapshots to clients as server-sent events.
type Server struct {
	store    *Store
	observer *NotifyingObserver
	journal  *SQLiteJournal
	config   *Config
	logger   *logrus.Logger

	debugMu      sync.Mutex
	debugClients map[int]chan StreamMessage
	nextDebug    int
}

// NewServer creates a new server instance with all dependencies initialized.
// A configured journal path opens the SQLite journal; the store records
// every applied change into it.
func NewServer(config *Config, logger *logrus.Logger, backend Backend, transport Transport, opts ...StoreOption) (*Server, error) {
	logger.Info("Starting server initialization")

	s := &Server{
		config:       config,
		logger:       logger,
		debugClients: make(map[int]chan StreamMessage),
	}

	if config.JournalPath != "" {
		journal, err := OpenJournal(config.JournalPath)
		if err != nil {
			logger.WithError(err).WithField("path", config.JournalPath).Error("Failed to open journal")
			return nil, err
		}
		s.journal = journal
		opts = append([]StoreOption{WithJournal(journal)}, opts...)
		logger.WithField("path", config.JournalPath).Info("Frame journal opened")
	}

	s.observer = NewNotifyingObserver(logger.WithField("component", "stream"), config, s.broadcastDebug)
	opts = append([]StoreOption{WithObserver(s.observer)}, opts...)

	s.store = NewStore(config, backend, transport, logger, opts...)
	logger.WithFields(logrus.Fields{
		"backendURL": config.BackendURL,
		"debugMode":  config.DebugMode,
	}).Info("Session store initialized")

	return s, nil
}

// Store returns the server's session store.
func (s *Server) Store() *Store {
	return s.store
}

// Close closes the store and the journal.
func (s *Server) Close() error {
	s.store.Close()

	s.debugMu.Lock()
	for id, ch := range s.debugClients {
		delete(s.debugClients, id)
		close(ch)
	}
	s.debugMu.Unlock()

	if s.journal != nil {
		return s.journal.Close()
	}
	return nil
}

// broadcastDebug fans a debug notice out to the event clients. It runs
// under the store lock, so it never blocks: a client that is behind loses
// the notice.
func (s *Server) broadcastDebug(msg StreamMessage) {
	if !s.config.DebugMode {
		return
	}
	s.debugMu.Lock()
	defer s.debugMu.Unlock()
	for _, ch := range s.debugClients {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (s *Server) subscribeDebug() (<-chan StreamMessage, func()) {
	s.debugMu.Lock()
	defer s.debugMu.Unlock()

	ch := make(chan StreamMessage, 16)
	id := s.nextDebug
	s.nextDebug++
	s.debugClients[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.debugMu.Lock()
			defer s.debugMu.Unlock()
			if sub, ok := s.debugClients[id]; ok {
				delete(s.debugClients, id)
				close(sub)
			}
		})
	}
}

func (s *Server) requestLogger(c echo.Context, endpoint string) *logrus.Entry {
	requestID := c.Request().Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return s.logger.WithFields(logrus.Fields{
		"requestId": requestID,
		"endpoint":  endpoint,
		"method":    c.Request().Method,
		"clientIP":  c.RealIP(),
	})
}

// statusFor maps an engine error to an HTTP status.
func statusFor(err error) int {
	var be *BackendError
	switch {
	case errors.As(err, &be) && be.StatusCode == http.StatusNotFound:
		return http.StatusNotFound
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNoActiveSession), errors.Is(err, ErrNoRecommendation):
		return http.StatusConflict
	case errors.Is(err, ErrMissingInputs):
		return http.StatusBadRequest
	case IsBackendError(err), IsTransportError(err), IsHydrationError(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}

func (s *Server) handleChat(c echo.Context) error {
	requestLogger := s.requestLogger(c, "/chat")
	requestLogger.Info("Received chat request")

	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		requestLogger.WithError(err).Error("Failed to parse request body")
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	if strings.TrimSpace(req.Message) == "" {
		requestLogger.Warn("Empty message in chat request")
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Message is required"})
	}

	ctx := c.Request().Context()
	if req.SessionID != "" && req.SessionID != s.store.ActiveSession() {
		if err := s.store.Switch(ctx, req.SessionID); err != nil {
			// the session is active even when its history could not be fetched
			requestLogger.WithError(err).WithField("sessionID", req.SessionID).Warn("Switched without history")
		}
	}

	requestLogger.WithFields(logrus.Fields{
		"sessionID":     req.SessionID,
		"messageLength": len(req.Message),
	}).Debug("Chat request details")

	resp, err := s.store.Send(ctx, req.Message)
	if err != nil {
		requestLogger.WithError(err).WithField("sessionID", resp.SessionID).Error("Failed to start turn")
		return c.JSON(statusFor(err), map[string]interface{}{
			"error":     err.Error(),
			"sessionId": resp.SessionID,
			"messageId": resp.MessageID,
		})
	}

	requestLogger.WithFields(logrus.Fields{
		"sessionID":  resp.SessionID,
		"streamID":   resp.StreamID,
		"generation": resp.Generation,
	}).Info("Turn started")
	return c.JSON(http.StatusAccepted, resp)
}

// handleEvents streams snapshots (and debug notices in debug mode) until the
// client goes away.
func (s *Server) handleEvents(c echo.Context) error {
	requestLogger := s.requestLogger(c, "/events")
	requestLogger.Info("Event client connected")

	snapshots, unsubscribe := s.store.Subscribe()
	defer unsubscribe()

	var debug <-chan StreamMessage
	if s.config.DebugMode {
		ch, stop := s.subscribeDebug()
		defer stop()
		debug = ch
	}

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	if active := s.store.ActiveSession(); active != "" {
		if snap, ok := s.store.Snapshot(active); ok {
			s.sendStreamMessage(c, snapshotMessage(snap))
		}
	} else {
		c.Response().Flush()
	}

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			requestLogger.Info("Event client disconnected")
			return nil
		case snap, ok := <-snapshots:
			if !ok {
				return nil
			}
			s.sendStreamMessage(c, snapshotMessage(snap))
		case msg, ok := <-debug:
			if !ok {
				debug = nil
				continue
			}
			s.sendStreamMessage(c, msg)
		}
	}
}

func snapshotMessage(snap Snapshot) StreamMessage {
	msgType := "snapshot"
	if snap.Deleted {
		msgType = "deleted"
	}
	return StreamMessage{
		Type:      msgType,
		SessionID: snap.SessionID,
		Snapshot:  &snap,
	}
}

func (s *Server) sendStreamMessage(c echo.Context, msg StreamMessage) {
	data, _ := json.Marshal(msg)
	fmt.Fprintf(c.Response(), "data: %s\n\n", string(data))
	c.Response().Flush()
}

func (s *Server) handleStatus(c echo.Context) error {
	requestLogger := s.requestLogger(c, "/status")
	requestLogger.Debug("Health check requested")

	stats := s.store.GetStats()
	response := map[string]interface{}{
		"status":      "healthy",
		"store":       stats,
		"streams":     s.observer.Stats(),
		"streamCount": len(stats.OpenStreams),
		"journal":     s.journal != nil,
	}

	requestLogger.WithFields(logrus.Fields{
		"openStreams": len(stats.OpenStreams),
		"sessions":    stats.TotalSessions,
	}).Debug("Status check completed")

	return c.JSON(http.StatusOK, response)
}

// handleListSessions returns the backend's session list
func (s *Server) handleListSessions(c echo.Context) error {
	requestLogger := s.requestLogger(c, "/sessions")
	requestLogger.Debug("Listing all sessions")

	sessions, err := s.store.Sessions(c.Request().Context())
	if err != nil {
		requestLogger.WithError(err).Error("Failed to list sessions")
		return c.JSON(statusFor(err), errorBody(err))
	}

	requestLogger.WithField("sessionCount", len(sessions)).Info("Sessions listed successfully")
	return c.JSON(http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"active":   s.store.ActiveSession(),
	})
}

// handleGetSession returns the cached view of a session
func (s *Server) handleGetSession(c echo.Context) error {
	sessionID := c.Param("sessionId")
	requestLogger := s.requestLogger(c, "/sessions/:sessionId").WithField("sessionID", sessionID)

	snap, ok := s.store.Snapshot(sessionID)
	if !ok {
		requestLogger.Warn("Session not found")
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Session not found"})
	}

	requestLogger.WithField("messageCount", len(snap.State.Messages)).Info("Session information retrieved")
	return c.JSON(http.StatusOK, snap)
}

// handleExportSession writes a cached session as json, yaml or markdown
func (s *Server) handleExportSession(c echo.Context) error {
	sessionID := c.Param("sessionId")
	requestLogger := s.requestLogger(c, "/sessions/:sessionId/export").WithField("sessionID", sessionID)

	format := c.QueryParam("format")
	if format == "" {
		format = "json"
	}
	exporter, err := NewExporter(format)
	if err != nil {
		requestLogger.WithError(err).Warn("Unsupported export format")
		return c.JSON(http.StatusBadRequest, errorBody(err))
	}

	snap, ok := s.store.Snapshot(sessionID)
	if !ok {
		requestLogger.Warn("Session not found for export")
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Session not found"})
	}

	contentType := map[string]string{
		"json": echo.MIMEApplicationJSONCharsetUTF8,
		"yaml": "application/yaml",
		"md":   "text/markdown; charset=UTF-8",
	}[exporter.Extension()]
	c.Response().Header().Set(echo.HeaderContentType, contentType)
	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf("attachment; filename=%q", sessionID+"."+exporter.Extension()))
	c.Response().WriteHeader(http.StatusOK)

	if err := exporter.Export(snap.State, c.Response()); err != nil {
		requestLogger.WithError(err).Error("Export failed")
		return err
	}
	requestLogger.WithField("format", exporter.Extension()).Info("Session exported")
	return nil
}

// handleSwitchSession makes a session active and hydrates it
func (s *Server) handleSwitchSession(c echo.Context) error {
	sessionID := c.Param("sessionId")
	requestLogger := s.requestLogger(c, "/sessions/:sessionId/switch").WithField("sessionID", sessionID)

	if err := s.store.Switch(c.Request().Context(), sessionID); err != nil {
		requestLogger.WithError(err).Error("Session switch failed")
		return c.JSON(statusFor(err), errorBody(err))
	}

	snap, _ := s.store.Snapshot(sessionID)
	requestLogger.WithField("messageCount", len(snap.State.Messages)).Info("Session switched")
	return c.JSON(http.StatusOK, snap)
}

// handleRenameSession renames a session
func (s *Server) handleRenameSession(c echo.Context) error {
	sessionID := c.Param("sessionId")
	requestLogger := s.requestLogger(c, "/sessions/:sessionId").WithField("sessionID", sessionID)

	var req RenameRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Title) == "" {
		requestLogger.Warn("Invalid rename request")
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Title is required"})
	}

	if err := s.store.Rename(c.Request().Context(), sessionID, req.Title); err != nil {
		requestLogger.WithError(err).Error("Session rename failed")
		return c.JSON(statusFor(err), errorBody(err))
	}

	requestLogger.WithField("title", req.Title).Info("Session renamed")
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message":   "Session renamed successfully",
		"sessionId": sessionID,
		"title":     req.Title,
	})
}

// handleDeleteSession deletes a specific chat session
func (s *Server) handleDeleteSession(c echo.Context) error {
	sessionID := c.Param("sessionId")
	requestLogger := s.requestLogger(c, "/sessions/:sessionId").WithField("sessionID", sessionID)

	if err := s.store.Delete(c.Request().Context(), sessionID); err != nil {
		requestLogger.WithError(err).Error("Session deletion failed")
		return c.JSON(statusFor(err), errorBody(err))
	}

	requestLogger.Info("Session deleted successfully")
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message":   "Session deleted successfully",
		"sessionId": sessionID,
	})
}

// handleScan uploads a data file (multipart "file") or scans a path that
// already lives on the backend (JSON filePath).
func (s *Server) handleScan(c echo.Context) error {
	sessionID := c.Param("sessionId")
	requestLogger := s.requestLogger(c, "/sessions/:sessionId/scan").WithField("sessionID", sessionID)
	ctx := c.Request().Context()

	var (
		result ScanResult
		err    error
	)
	if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		header, ferr := c.FormFile("file")
		if ferr != nil {
			requestLogger.WithError(ferr).Warn("Missing file in scan upload")
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "File is required"})
		}
		file, ferr := header.Open()
		if ferr != nil {
			requestLogger.WithError(ferr).Error("Failed to open uploaded file")
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Unreadable file"})
		}
		defer file.Close()
		result, err = s.store.UploadAndScan(ctx, sessionID, header.Filename, file)
	} else {
		var req ScanRequest
		if berr := c.Bind(&req); berr != nil || strings.TrimSpace(req.FilePath) == "" {
			requestLogger.Warn("Invalid scan request")
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "filePath is required"})
		}
		result, err = s.store.StartScan(ctx, sessionID, req.FilePath)
	}

	if err != nil {
		requestLogger.WithError(err).Error("Scan failed to start")
		return c.JSON(statusFor(err), map[string]interface{}{
			"error":     err.Error(),
			"messageId": result.MessageID,
		})
	}

	requestLogger.WithFields(logrus.Fields{
		"messageID": result.MessageID,
		"streamID":  result.StreamID,
		"filePath":  result.FilePath,
	}).Info("Scan started")
	return c.JSON(http.StatusAccepted, result)
}

// handleRun runs the session's recommended model
func (s *Server) handleRun(c echo.Context) error {
	sessionID := c.Param("sessionId")
	requestLogger := s.requestLogger(c, "/sessions/:sessionId/run").WithField("sessionID", sessionID)

	var req RunRequest
	if err := c.Bind(&req); err != nil {
		requestLogger.WithError(err).Error("Failed to parse run request")
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}

	progress, err := s.store.RunModel(c.Request().Context(), sessionID, RunInputs(req.Inputs))
	if err != nil {
		requestLogger.WithError(err).Error("Model run failed")
		return c.JSON(statusFor(err), errorBody(err))
	}

	requestLogger.WithField("finished", progress.Finished).Info("Model run reported")
	return c.JSON(http.StatusOK, progress)
}

func (s *Server) handleStop(c echo.Context) error {
	requestLogger := s.requestLogger(c, "/stop")
	requestLogger.Info("Received stop request")

	var req StopRequest
	if err := c.Bind(&req); err != nil {
		requestLogger.WithError(err).Error("Failed to parse stop request body")
		return c.JSON(http.StatusBadRequest, StopResponse{
			Success: false,
			Message: "Invalid request format",
			Stopped: false,
		})
	}

	if s.store.Stop(req.SessionID) {
		requestLogger.WithField("sessionID", req.SessionID).Info("Stream stopped successfully")
		return c.JSON(http.StatusOK, StopResponse{
			Success: true,
			Message: "Stream stopped successfully",
			Stopped: true,
		})
	}

	requestLogger.WithField("sessionID", req.SessionID).Warn("No open stream to stop")
	return c.JSON(http.StatusNotFound, StopResponse{
		Success: false,
		Message: "No open stream for the session",
		Stopped: false,
	})
}

// Shutdown closes the server's store with the deadline of ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- s.Close() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterRoutes registers all HTTP routes for the server
func (s *Server) RegisterRoutes(e *echo.Echo) {
	s.logger.Info("Registering routes")

	e.POST("/chat", s.handleChat)
	e.GET("/events", s.handleEvents)
	e.GET("/status", s.handleStatus)
	e.POST("/stop", s.handleStop)

	e.GET("/sessions", s.handleListSessions)
	e.GET("/sessions/:sessionId", s.handleGetSession)
	e.GET("/sessions/:sessionId/export", s.handleExportSession)
	e.POST("/sessions/:sessionId/switch", s.handleSwitchSession)
	e.PUT("/sessions/:sessionId", s.handleRenameSession)
	e.DELETE("/sessions/:sessionId", s.handleDeleteSession)
	e.POST("/sessions/:sessionId/scan", s.handleScan)
	e.POST("/sessions/:sessionId/run", s.handleRun)

	s.logger.Info("Routes registered successfully")
}
