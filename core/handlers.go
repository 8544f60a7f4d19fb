package core

import (
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Observer receives stream and hydration lifecycle notifications from the
// store. Calls happen on the store's goroutines and must not block.
type Observer interface {
	StreamRequested(h StreamHandle, detail string)
	StreamOpened(h StreamHandle)
	StreamFailed(h StreamHandle, err error)
	StreamClosed(h StreamHandle, reason string)
	FrameApplied(h StreamHandle, rec Record, eff Effect)
	FrameStale(h StreamHandle)
	ParseFailed(h StreamHandle, err error)
	HydrationStarted(sessionID string)
	HydrationApplied(sessionID string, messages int)
	HydrationDiscarded(sessionID string)
	HydrationFailed(sessionID string, err error)
}

// StreamObserver logs stream lifecycle events and keeps frame counters.
type StreamObserver struct {
	logger *logrus.Entry
	config *Config

	accepted      atomic.Int64
	stale         atomic.Int64
	parseFailures atomic.Int64
}

func NewStreamObserver(logger *logrus.Entry, config *Config) *StreamObserver {
	return &StreamObserver{
		logger: logger,
		config: config,
	}
}

// ObserverStats are the frame counters of an observer.
type ObserverStats struct {
	AcceptedFrames int64 `json:"acceptedFrames"`
	StaleFrames    int64 `json:"staleFrames"`
	ParseFailures  int64 `json:"parseFailures"`
}

func (o *StreamObserver) Stats() ObserverStats {
	return ObserverStats{
		AcceptedFrames: o.accepted.Load(),
		StaleFrames:    o.stale.Load(),
		ParseFailures:  o.parseFailures.Load(),
	}
}

// Helper function to truncate text for logging with configurable length
func (o *StreamObserver) truncateForLog(text string) string {
	if o.config == nil || len(text) <= o.config.LogTruncateLength {
		return text
	}
	return text[:o.config.LogTruncateLength] + "..."
}

func handleFields(h StreamHandle) logrus.Fields {
	fields := logrus.Fields{
		"sessionID":  h.SessionID,
		"streamID":   h.StreamID,
		"kind":       h.Kind,
		"generation": h.Generation,
	}
	if h.MessageID != "" {
		fields["messageID"] = h.MessageID
	}
	return fields
}

func (o *StreamObserver) StreamRequested(h StreamHandle, detail string) {
	o.logger.WithFields(handleFields(h)).WithField("detail", o.truncateForLog(detail)).Info("Stream requested")
}

func (o *StreamObserver) StreamOpened(h StreamHandle) {
	o.logger.WithFields(handleFields(h)).Info("Stream opened")
}

func (o *StreamObserver) StreamFailed(h StreamHandle, err error) {
	o.logger.WithFields(handleFields(h)).WithError(err).Error("Stream failed")
}

func (o *StreamObserver) StreamClosed(h StreamHandle, reason string) {
	o.logger.WithFields(handleFields(h)).WithField("reason", reason).Info("Stream closed")
}

func (o *StreamObserver) FrameApplied(h StreamHandle, rec Record, eff Effect) {
	o.accepted.Add(1)
	o.logger.WithFields(handleFields(h)).WithFields(logrus.Fields{
		"record":      rec.Kind,
		"frame":       o.truncateForLog(string(rec.Payload)),
		"frameLength": len(rec.Payload),
		"closes":      eff.CloseStream,
	}).Debug("Frame applied")
}

func (o *StreamObserver) FrameStale(h StreamHandle) {
	o.stale.Add(1)
	o.logger.WithFields(handleFields(h)).Debug("Dropped frame from superseded stream")
}

func (o *StreamObserver) ParseFailed(h StreamHandle, err error) {
	o.parseFailures.Add(1)
	o.logger.WithFields(handleFields(h)).WithError(err).Warn("Dropped malformed frame")
}

func (o *StreamObserver) HydrationStarted(sessionID string) {
	o.logger.WithField("sessionID", sessionID).Info("Hydrating session history")
}

func (o *StreamObserver) HydrationApplied(sessionID string, messages int) {
	o.logger.WithFields(logrus.Fields{
		"sessionID":    sessionID,
		"messageCount": messages,
	}).Info("Session history applied")
}

func (o *StreamObserver) HydrationDiscarded(sessionID string) {
	o.logger.WithField("sessionID", sessionID).Debug("Discarded outdated session history")
}

func (o *StreamObserver) HydrationFailed(sessionID string, err error) {
	o.logger.WithField("sessionID", sessionID).WithError(err).Error("Session history fetch failed")
}

// NotifyingObserver extends StreamObserver to forward lifecycle notices to a
// client, the way the gateway does in debug mode.
type NotifyingObserver struct {
	*StreamObserver
	notify func(msg StreamMessage)
}

func NewNotifyingObserver(logger *logrus.Entry, config *Config, notify func(msg StreamMessage)) *NotifyingObserver {
	return &NotifyingObserver{
		StreamObserver: NewStreamObserver(logger, config),
		notify:         notify,
	}
}

func (o *NotifyingObserver) send(h StreamHandle, content string, details map[string]interface{}) {
	if o.notify == nil {
		return
	}
	o.notify(StreamMessage{
		Type:       "debug",
		SessionID:  h.SessionID,
		Content:    content,
		StreamID:   h.StreamID,
		Generation: h.Generation,
		Details:    details,
	})
}

func (o *NotifyingObserver) StreamOpened(h StreamHandle) {
	o.StreamObserver.StreamOpened(h)
	o.send(h, fmt.Sprintf("%s stream opened", h.Kind), nil)
}

func (o *NotifyingObserver) StreamFailed(h StreamHandle, err error) {
	o.StreamObserver.StreamFailed(h, err)
	o.send(h, fmt.Sprintf("%s stream failed", h.Kind), map[string]interface{}{
		"error": err.Error(),
	})
}

func (o *NotifyingObserver) StreamClosed(h StreamHandle, reason string) {
	o.StreamObserver.StreamClosed(h, reason)
	o.send(h, fmt.Sprintf("%s stream closed", h.Kind), map[string]interface{}{
		"reason": reason,
	})
}

func (o *NotifyingObserver) ParseFailed(h StreamHandle, err error) {
	o.StreamObserver.ParseFailed(h, err)
	o.send(h, "Malformed frame dropped", map[string]interface{}{
		"error": o.truncateForLog(err.Error()),
	})
}
