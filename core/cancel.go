/*
Package core provides stream cancellation management.

This file implements the StreamRegistry, which tracks the open event streams
by stream id so the store can close them when they are superseded, stopped
by the user, or finished. Closing is idempotent: a stream closed twice, or
closed after it ended on its own, is not an error.
*/
package core

import (
	"sort"
	"sync"
)

// StreamRegistry tracks open streams and closes them on request.
type StreamRegistry struct {
	streams map[string]Stream // stream id -> stream
	mutex   sync.RWMutex
}

// NewStreamRegistry creates an empty registry.
func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{
		streams: make(map[string]Stream),
	}
}

// Add registers an open stream.
func (r *StreamRegistry) Add(streamID string, stream Stream) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.streams[streamID] = stream
}

// Remove forgets a stream without closing it.
func (r *StreamRegistry) Remove(streamID string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.streams, streamID)
}

// Close closes and forgets a stream. It reports whether the stream was
// registered.
func (r *StreamRegistry) Close(streamID string) bool {
	r.mutex.Lock()
	stream, exists := r.streams[streamID]
	delete(r.streams, streamID)
	r.mutex.Unlock()

	if exists {
		// Stream.Close is idempotent, a concurrent close by the pump is fine
		_ = stream.Close()
	}
	return exists
}

// CloseAll closes every registered stream.
func (r *StreamRegistry) CloseAll() int {
	r.mutex.Lock()
	streams := r.streams
	r.streams = make(map[string]Stream)
	r.mutex.Unlock()

	for _, stream := range streams {
		_ = stream.Close()
	}
	return len(streams)
}

// Active returns the ids of all open streams, sorted.
func (r *StreamRegistry) Active() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	ids := make([]string, 0, len(r.streams))
	for id := range r.streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
