/*
Package core provides the session store of the decision assistant.

The store owns the known sessions, the active session id and every open
stream. All state changes, whatever stream or user action they come from,
are folded through one apply function under the store mutex, so two
concurrent streams writing the same session never interleave inside a fold.

Each stream is stamped with a generation. The main stream of a session and
every scan stream (one timeline per scanned message) have independent
counters. A frame is applied only while its handle is open and its
generation is the accepted one; anything else is dropped, not buffered.
*/
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// HandleStatus is the lifecycle state of a stream handle.
type HandleStatus string

const (
	HandleOpen   HandleStatus = "open"
	HandleClosed HandleStatus = "closed"
)

// StreamHandle identifies one opened stream and the generation it was
// stamped with.
type StreamHandle struct {
	StreamID   string       `json:"streamId"`
	SessionID  string       `json:"sessionId"`
	MessageID  string       `json:"messageId,omitempty"` // scan streams only
	Kind       StreamKind   `json:"kind"`
	Generation uint64       `json:"generation"`
	Status     HandleStatus `json:"status"`
}

// SwitchMode tells Activate whether the user asked for the switch.
type SwitchMode int

const (
	// ManualSwitch is a user navigation. It bumps the active generation,
	// closes the previous session's streams and hydrates the target.
	ManualSwitch SwitchMode = iota
	// ProgrammaticSwitch follows a session the current action created. The
	// target is never hydrated, so the live turn cannot be clobbered by an
	// empty history. It only takes effect while no session is active, so a
	// manual switch that landed first is never overridden.
	ProgrammaticSwitch
)

// Snapshot is the published view of one session.
type Snapshot struct {
	SessionID string         `json:"sessionId"`
	Active    bool           `json:"active"`
	Deleted   bool           `json:"deleted,omitempty"`
	State     SessionState   `json:"state"`
	Streams   []StreamHandle `json:"streams,omitempty"`
}

// Journal persists applied records.
type Journal interface {
	Append(rec Record) error
}

// generationSlot is one stream timeline: the main stream of a session or
// the scan stream of one message.
type generationSlot struct {
	generation uint64 // last stamped generation
	accepted   uint64 // generation whose frames are applied
	handle     *StreamHandle
}

type sessionEntry struct {
	state    SessionState
	main     generationSlot
	scans    map[string]*generationSlot // message id -> scan timeline
	lastOpen uint64                     // store-wide open counter at the last stream open
	updated  time.Time
}

// Store manages sessions and their streams.
type Store struct {
	mu sync.Mutex

	config    *Config
	backend   Backend
	transport Transport
	hydrator  *Hydrator
	registry  *StreamRegistry
	journal   Journal
	observer  Observer
	ids       IDGenerator
	logger    *logrus.Logger

	baseCtx context.Context
	stop    context.CancelFunc

	sessions         map[string]*sessionEntry
	active           string
	activeGeneration uint64
	opens            uint64

	subscribers map[int]chan Snapshot
	nextSub     int
}

// StoreOption customises a Store.
type StoreOption func(*Store)

// WithJournal records every applied change.
func WithJournal(j Journal) StoreOption {
	return func(s *Store) { s.journal = j }
}

// WithObserver replaces the default logging observer.
func WithObserver(o Observer) StoreOption {
	return func(s *Store) { s.observer = o }
}

// WithIDGenerator replaces the UUIDv7 stream id generator.
func WithIDGenerator(g IDGenerator) StoreOption {
	return func(s *Store) { s.ids = g }
}

// NewStore creates a store. Streams live on an internal context that ends
// with Close, not on the context of the call that opened them.
func NewStore(config *Config, backend Backend, transport Transport, logger *logrus.Logger, opts ...StoreOption) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		config:      config,
		backend:     backend,
		transport:   transport,
		hydrator:    NewHydrator(backend, logger),
		registry:    NewStreamRegistry(),
		ids:         UUIDv7Generator{},
		logger:      logger,
		baseCtx:     ctx,
		stop:        cancel,
		sessions:    make(map[string]*sessionEntry),
		subscribers: make(map[int]chan Snapshot),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.observer == nil {
		s.observer = NewStreamObserver(logger.WithField("component", "stream"), config)
	}
	return s
}

// Send appends the user's message to the active session and opens a new
// main stream for it. Without an active session one is created through the
// backend and followed programmatically, unless the user switched to
// another session while it was being created; the turn then runs in the new
// session without making it active. A previous main stream of the session is
// closed and its generation superseded.
func (s *Store) Send(ctx context.Context, text string) (ChatResponse, error) {
	if strings.TrimSpace(text) == "" {
		return ChatResponse{}, errors.New("message is empty")
	}

	sessionID := s.ActiveSession()
	if sessionID == "" {
		summary, err := s.backend.CreateSession(ctx, titleFor(text))
		if err != nil {
			s.logger.WithError(err).Error("Failed to create session")
			return ChatResponse{}, err
		}
		s.logger.WithFields(logrus.Fields{
			"sessionID": summary.ID,
			"title":     summary.Title,
		}).Info("Created new chat session")

		s.mu.Lock()
		s.registerLocked(summary.ID, summary.Title)
		s.mu.Unlock()
		if err := s.Activate(ctx, summary.ID, ProgrammaticSwitch); err != nil {
			return ChatResponse{}, err
		}
		sessionID = summary.ID
	}

	s.mu.Lock()
	entry := s.registerLocked(sessionID, "")
	s.applyLocked(entry, Record{SessionID: sessionID, Kind: RecordUser, Payload: []byte(text)})
	messageID := entry.state.Messages[len(entry.state.Messages)-1].ID

	s.closeSlotLocked(entry, &entry.main, "superseded by a new turn")
	handle := s.stampLocked(entry, &entry.main, StreamMain, "")
	s.applyLocked(entry, phaseRecord(sessionID, handle.Generation, PhaseStreaming, ""))
	s.publishLocked(entry)
	s.mu.Unlock()

	s.observer.StreamRequested(handle, text)
	resp := ChatResponse{
		SessionID:  sessionID,
		MessageID:  messageID,
		StreamID:   handle.StreamID,
		Generation: handle.Generation,
	}
	if err := s.open(handle, StreamRequest{Kind: StreamMain, SessionID: sessionID, Query: text}); err != nil {
		return resp, err
	}
	return resp, nil
}

// Switch is a manual switch to sessionID.
func (s *Store) Switch(ctx context.Context, sessionID string) error {
	return s.Activate(ctx, sessionID, ManualSwitch)
}

// Activate makes sessionID the active session. A manual switch bumps the
// active generation, closes and supersedes every stream of the previously
// active session, and hydrates the target. A target with an open main or
// scan stream is not hydrated, since the history would replace the messages
// those streams write to. The hydrated history is also dropped if another
// switch happened or a stream was opened for the session while it was being
// fetched. Switching to the already active session does nothing.
func (s *Store) Activate(ctx context.Context, sessionID string, mode SwitchMode) error {
	if sessionID == "" {
		return fmt.Errorf("activate: %w", ErrSessionNotFound)
	}

	s.mu.Lock()
	if sessionID == s.active {
		s.mu.Unlock()
		return nil
	}
	if mode == ProgrammaticSwitch && s.active != "" {
		active := s.active
		s.mu.Unlock()
		s.logger.WithFields(logrus.Fields{
			"sessionID":     sessionID,
			"activeSession": active,
		}).Info("Session already switched, not following new session")
		return nil
	}

	if mode == ManualSwitch {
		s.activeGeneration++
		if prev := s.sessions[s.active]; prev != nil {
			s.abandonLocked(prev, "session switched")
			s.active = ""
			s.publishLocked(prev)
		}
	}

	entry := s.registerLocked(sessionID, "")
	s.active = sessionID
	generation := s.activeGeneration
	opened := entry.lastOpen
	streaming := streamingLocked(entry)
	s.publishLocked(entry)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"sessionID":        sessionID,
		"manual":           mode == ManualSwitch,
		"activeGeneration": generation,
	}).Info("Active session switched")

	if mode != ManualSwitch {
		return nil
	}
	if streaming {
		s.observer.HydrationDiscarded(sessionID)
		return nil
	}
	return s.hydrate(ctx, sessionID, generation, opened)
}

func (s *Store) hydrate(ctx context.Context, sessionID string, generation, opened uint64) error {
	s.observer.HydrationStarted(sessionID)

	msgs, err := s.hydrator.Hydrate(ctx, sessionID)
	if err != nil {
		s.observer.HydrationFailed(sessionID, err)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.sessions[sessionID]
	if entry == nil || s.active != sessionID || s.activeGeneration != generation ||
		entry.lastOpen != opened || streamingLocked(entry) {
		s.observer.HydrationDiscarded(sessionID)
		return nil
	}

	payload, err := json.Marshal(msgs)
	if err != nil {
		return &HydrationError{SessionID: sessionID, Err: err}
	}
	if _, err := s.applyLocked(entry, Record{SessionID: sessionID, Kind: RecordHydrate, Payload: payload}); err != nil {
		return &HydrationError{SessionID: sessionID, Err: err}
	}
	s.observer.HydrationApplied(sessionID, len(msgs))
	s.publishLocked(entry)
	return nil
}

// Deliver applies one frame read from the stream of h. It reports whether
// the stream is still wanted: false once the handle is stale or closed, or
// the frame ended the stream. Malformed frames are dropped and the stream
// stays open.
func (s *Store) Deliver(h StreamHandle, frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.sessions[h.SessionID]
	slot := s.slotLocked(entry, h)
	if !accepts(slot, h) {
		s.observer.FrameStale(h)
		return false
	}

	kind := RecordFrame
	if h.Kind == StreamScan {
		kind = RecordScanFrame
	}
	rec := Record{SessionID: h.SessionID, Kind: kind, MessageID: h.MessageID, Generation: h.Generation, Payload: frame}

	eff, err := s.applyLocked(entry, rec)
	if err != nil {
		if IsParseError(err) {
			s.observer.ParseFailed(h, err)
		} else {
			s.logger.WithError(err).WithFields(handleFields(h)).Error("Failed to apply frame")
		}
		return true
	}
	s.observer.FrameApplied(h, rec, eff)

	if eff.CloseStream {
		s.closeSlotLocked(entry, slot, "terminal event")
	}
	s.publishLocked(entry)
	return !eff.CloseStream
}

// Stop cancels the main stream of sessionID, or of the active session when
// sessionID is empty. It reports whether a stream was open.
func (s *Store) Stop(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sessionID == "" {
		sessionID = s.active
	}
	entry := s.sessions[sessionID]
	if entry == nil || entry.main.handle == nil || entry.main.handle.Status != HandleOpen {
		return false
	}

	generation := entry.main.handle.Generation
	s.closeSlotLocked(entry, &entry.main, "stopped by user")
	s.applyLocked(entry, phaseRecord(sessionID, generation, PhaseCancelled, ""))
	s.publishLocked(entry)
	return true
}

// Rename renames a session on the backend and in the local cache.
func (s *Store) Rename(ctx context.Context, sessionID, title string) error {
	if err := s.backend.RenameSession(ctx, sessionID, title); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if entry := s.sessions[sessionID]; entry != nil {
		s.applyLocked(entry, Record{SessionID: sessionID, Kind: RecordSession, Payload: []byte(title)})
		s.publishLocked(entry)
	}
	return nil
}

// Delete deletes a session on the backend and drops the local cache entry.
// Deleting the active session leaves no session active.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := s.backend.DeleteSession(ctx, sessionID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.sessions[sessionID]
	if !exists {
		return nil
	}
	s.abandonLocked(entry, "session deleted")
	delete(s.sessions, sessionID)
	if s.active == sessionID {
		s.active = ""
	}
	s.broadcastLocked(Snapshot{SessionID: sessionID, Deleted: true, State: entry.state})
	s.logger.WithField("sessionID", sessionID).Info("Session deleted")
	return nil
}

// Sessions lists the backend's sessions and refreshes cached titles.
func (s *Store) Sessions(ctx context.Context) ([]SessionSummary, error) {
	list, err := s.backend.ListSessions(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, summary := range list {
		entry := s.sessions[summary.ID]
		if entry != nil && summary.Title != "" && entry.state.Session.Title != summary.Title {
			s.applyLocked(entry, Record{SessionID: summary.ID, Kind: RecordSession, Payload: []byte(summary.Title)})
		}
	}
	return list, nil
}

// ActiveSession returns the active session id, or "".
func (s *Store) ActiveSession() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Snapshot returns the current view of a cached session.
func (s *Store) Snapshot(sessionID string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.sessions[sessionID]
	if !exists {
		return Snapshot{}, false
	}
	return s.snapshotLocked(entry), true
}

// Subscribe returns a channel of snapshots and a function that ends the
// subscription. A slow subscriber only misses intermediate snapshots: when
// its buffer is full the oldest pending snapshot is replaced.
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	size := 1
	if s.config != nil && s.config.SubscriberBuffer > 0 {
		size = s.config.SubscriberBuffer
	}
	ch := make(chan Snapshot, size)
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if sub, ok := s.subscribers[id]; ok {
				delete(s.subscribers, id)
				close(sub)
			}
		})
	}
}

// StoreStats is operational information about the store.
type StoreStats struct {
	ActiveSession string   `json:"activeSession"`
	TotalSessions int      `json:"totalSessions"`
	TotalMessages int      `json:"totalMessages"`
	OpenStreams   []string `json:"openStreams"`
	Subscribers   int      `json:"subscribers"`
}

// GetStats returns statistics about cached sessions and open streams.
func (s *Store) GetStats() StoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, entry := range s.sessions {
		total += len(entry.state.Messages)
	}
	return StoreStats{
		ActiveSession: s.active,
		TotalSessions: len(s.sessions),
		TotalMessages: total,
		OpenStreams:   s.registry.Active(),
		Subscribers:   len(s.subscribers),
	}
}

// Close closes every stream and subscription.
func (s *Store) Close() {
	s.stop()
	closed := s.registry.CloseAll()

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
	s.logger.WithField("closedStreams", closed).Info("Session store closed")
}

// open connects the stream of h and starts pumping it. A handle that was
// superseded while connecting gets its stream closed right away.
func (s *Store) open(h StreamHandle, req StreamRequest) error {
	stream, err := s.transport.Open(s.baseCtx, req)

	s.mu.Lock()
	entry := s.sessions[h.SessionID]
	slot := s.slotLocked(entry, h)

	if err != nil {
		s.observer.StreamFailed(h, err)
		if accepts(slot, h) {
			if h.Kind == StreamMain {
				s.applyLocked(entry, phaseRecord(h.SessionID, h.Generation, PhaseFailed, err.Error()))
			}
			s.closeSlotLocked(entry, slot, "open failed")
			s.publishLocked(entry)
		}
		s.mu.Unlock()
		return err
	}

	if !accepts(slot, h) {
		s.mu.Unlock()
		_ = stream.Close()
		s.observer.StreamClosed(h, "superseded while connecting")
		return nil
	}
	s.registry.Add(h.StreamID, stream)
	s.mu.Unlock()

	s.observer.StreamOpened(h)
	go s.pump(h, stream)
	return nil
}

// pump reads frames in order and hands them to Deliver. With an idle
// timeout configured, a stream that stays silent that long is failed with a
// synthetic error event.
func (s *Store) pump(h StreamHandle, stream Stream) {
	defer func() {
		s.registry.Close(h.StreamID)
		_ = stream.Close()
	}()

	idle := time.Duration(0)
	if s.config != nil {
		idle = s.config.StreamIdleTimeout
	}

	for {
		ctx, cancel := s.baseCtx, context.CancelFunc(func() {})
		if idle > 0 {
			ctx, cancel = context.WithTimeout(s.baseCtx, idle)
		}
		frame, err := stream.Next(ctx)
		idled := err != nil && errors.Is(err, context.DeadlineExceeded) && s.baseCtx.Err() == nil
		cancel()

		if err != nil {
			if s.baseCtx.Err() != nil {
				return
			}
			switch {
			case idled:
				err = ErrIdleTimeout
			case errors.Is(err, io.EOF):
				err = nil
			}
			s.streamEnded(h, err)
			return
		}

		if !s.Deliver(h, frame) {
			return
		}
	}
}

// streamEnded handles a stream that stopped without a terminal event.
func (s *Store) streamEnded(h StreamHandle, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.sessions[h.SessionID]
	slot := s.slotLocked(entry, h)
	if !accepts(slot, h) {
		return
	}

	reason := "stream ended"
	switch {
	case errors.Is(err, ErrIdleTimeout):
		reason = "idle timeout"
		frame, _ := json.Marshal(map[string]string{"type": TagError, "message": ErrIdleTimeout.Error()})
		kind := RecordFrame
		if h.Kind == StreamScan {
			kind = RecordScanFrame
		}
		s.applyLocked(entry, Record{SessionID: h.SessionID, Kind: kind, MessageID: h.MessageID, Generation: h.Generation, Payload: frame})
		s.observer.StreamFailed(h, err)

	case err != nil:
		reason = "transport error"
		if h.Kind == StreamMain {
			s.applyLocked(entry, phaseRecord(h.SessionID, h.Generation, PhaseFailed, err.Error()))
		}
		s.observer.StreamFailed(h, err)

	default:
		if h.Kind == StreamMain {
			s.applyLocked(entry, phaseRecord(h.SessionID, h.Generation, PhaseDone, ""))
		}
	}

	s.closeSlotLocked(entry, slot, reason)
	s.publishLocked(entry)
}

// applyLocked folds rec into the entry and journals it. Every state change
// goes through here.
func (s *Store) applyLocked(entry *sessionEntry, rec Record) (Effect, error) {
	next, eff, err := Apply(entry.state, rec)
	if err != nil {
		return Effect{}, err
	}
	entry.state = next
	entry.updated = time.Now()

	if s.journal != nil {
		if err := s.journal.Append(rec); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"sessionID": rec.SessionID,
				"record":    rec.Kind,
			}).Warn("Failed to journal record")
		}
	}
	return eff, nil
}

func (s *Store) registerLocked(sessionID, title string) *sessionEntry {
	entry, exists := s.sessions[sessionID]
	if exists {
		return entry
	}
	entry = &sessionEntry{
		state:   NewSessionState(sessionID, ""),
		scans:   make(map[string]*generationSlot),
		updated: time.Now(),
	}
	s.sessions[sessionID] = entry
	if title != "" {
		s.applyLocked(entry, Record{SessionID: sessionID, Kind: RecordSession, Payload: []byte(title)})
	}
	return entry
}

// stampLocked opens a new generation on slot and returns its handle.
func (s *Store) stampLocked(entry *sessionEntry, slot *generationSlot, kind StreamKind, messageID string) StreamHandle {
	slot.generation++
	slot.accepted = slot.generation
	slot.handle = &StreamHandle{
		StreamID:   s.ids.Generate(),
		SessionID:  entry.state.Session.ID,
		MessageID:  messageID,
		Kind:       kind,
		Generation: slot.generation,
		Status:     HandleOpen,
	}
	s.opens++
	entry.lastOpen = s.opens
	return *slot.handle
}

// closeSlotLocked closes the slot's open handle, if any. The generation stays
// accepted but a closed handle applies nothing.
func (s *Store) closeSlotLocked(entry *sessionEntry, slot *generationSlot, reason string) {
	if slot == nil || slot.handle == nil || slot.handle.Status != HandleOpen {
		return
	}
	slot.handle.Status = HandleClosed
	s.registry.Close(slot.handle.StreamID)
	s.observer.StreamClosed(*slot.handle, reason)
}

// invalidateLocked closes the slot and moves its accepted generation past
// every handle stamped so far.
func (s *Store) invalidateLocked(entry *sessionEntry, slot *generationSlot, reason string) {
	s.closeSlotLocked(entry, slot, reason)
	slot.generation++
	slot.accepted = slot.generation
}

// abandonLocked supersedes every stream of the session.
func (s *Store) abandonLocked(entry *sessionEntry, reason string) {
	streaming := entry.main.handle != nil && entry.main.handle.Status == HandleOpen
	s.invalidateLocked(entry, &entry.main, reason)
	for _, slot := range entry.scans {
		s.invalidateLocked(entry, slot, reason)
	}
	if streaming {
		s.applyLocked(entry, phaseRecord(entry.state.Session.ID, entry.main.generation, PhaseCancelled, ""))
	}
}

// streamingLocked reports whether any stream of the session is open.
func streamingLocked(entry *sessionEntry) bool {
	if h := entry.main.handle; h != nil && h.Status == HandleOpen {
		return true
	}
	for _, slot := range entry.scans {
		if slot.handle != nil && slot.handle.Status == HandleOpen {
			return true
		}
	}
	return false
}

func (s *Store) slotLocked(entry *sessionEntry, h StreamHandle) *generationSlot {
	if entry == nil {
		return nil
	}
	if h.Kind == StreamScan {
		return entry.scans[h.MessageID]
	}
	return &entry.main
}

// accepts reports whether frames from h may be applied.
func accepts(slot *generationSlot, h StreamHandle) bool {
	return slot != nil &&
		slot.accepted == h.Generation &&
		slot.handle != nil &&
		slot.handle.StreamID == h.StreamID &&
		slot.handle.Status == HandleOpen
}

func (s *Store) snapshotLocked(entry *sessionEntry) Snapshot {
	snap := Snapshot{
		SessionID: entry.state.Session.ID,
		Active:    entry.state.Session.ID == s.active,
		State:     entry.state,
	}
	if h := entry.main.handle; h != nil && h.Status == HandleOpen {
		snap.Streams = append(snap.Streams, *h)
	}
	scanIDs := make([]string, 0, len(entry.scans))
	for id := range entry.scans {
		scanIDs = append(scanIDs, id)
	}
	sort.Strings(scanIDs)
	for _, id := range scanIDs {
		if h := entry.scans[id].handle; h != nil && h.Status == HandleOpen {
			snap.Streams = append(snap.Streams, *h)
		}
	}
	return snap
}

func (s *Store) publishLocked(entry *sessionEntry) {
	s.broadcastLocked(s.snapshotLocked(entry))
}

func (s *Store) broadcastLocked(snap Snapshot) {
	for _, ch := range s.subscribers {
		select {
		case ch <- snap:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

// titleFor derives a provisional session title from the first message.
func titleFor(text string) string {
	const maxRunes = 30
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= maxRunes {
		return text
	}
	return string(runes[:maxRunes]) + "..."
}
