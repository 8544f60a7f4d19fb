package core

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "BACKEND_URL", "CHAT_STREAM_PATH", "SCAN_STREAM_PATH", "REQUEST_TIMEOUT",
		"STREAM_IDLE_TIMEOUT", "SUBSCRIBER_BUFFER", "JOURNAL_PATH", "LOG_LEVEL",
		"LOG_TRUNCATE_LENGTH", "DEBUG_MODE",
	} {
		t.Setenv(key, "")
	}

	config := LoadConfig()

	assert.Equal(t, "8090", config.Port)
	assert.Equal(t, "http://localhost:8000", config.BackendURL)
	assert.Equal(t, "/chat/stream", config.ChatStreamPath)
	assert.Equal(t, "/data/scan", config.ScanStreamPath)
	assert.Equal(t, 30*time.Second, config.RequestTimeout)
	assert.Zero(t, config.StreamIdleTimeout)
	assert.Equal(t, 1, config.SubscriberBuffer)
	assert.Empty(t, config.JournalPath)
	assert.Equal(t, "info", config.LogLevel)
	assert.Equal(t, 500, config.LogTruncateLength)
	assert.False(t, config.DebugMode)
}

func TestLoadConfig_Environment(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("BACKEND_URL", "http://agent:8000/")
	t.Setenv("REQUEST_TIMEOUT", "5")
	t.Setenv("STREAM_IDLE_TIMEOUT", "90")
	t.Setenv("SUBSCRIBER_BUFFER", "4")
	t.Setenv("JOURNAL_PATH", "/var/lib/geodecision/journal.db")
	t.Setenv("LOG_TRUNCATE_LENGTH", "80")
	t.Setenv("DEBUG_MODE", "TRUE")

	config := LoadConfig()

	assert.Equal(t, "9000", config.Port)
	assert.Equal(t, "http://agent:8000", config.BackendURL)
	assert.Equal(t, 5*time.Second, config.RequestTimeout)
	assert.Equal(t, 90*time.Second, config.StreamIdleTimeout)
	assert.Equal(t, 4, config.SubscriberBuffer)
	assert.Equal(t, "/var/lib/geodecision/journal.db", config.JournalPath)
	assert.Equal(t, 80, config.LogTruncateLength)
	assert.True(t, config.DebugMode)
}

func TestLoadConfig_IgnoresInvalidNumbers(t *testing.T) {
	t.Setenv("REQUEST_TIMEOUT", "soon")
	t.Setenv("SUBSCRIBER_BUFFER", "0")
	t.Setenv("STREAM_IDLE_TIMEOUT", "-3")
	t.Setenv("DEBUG_MODE", "yes")

	config := LoadConfig()

	assert.Equal(t, 30*time.Second, config.RequestTimeout)
	assert.Equal(t, 1, config.SubscriberBuffer)
	assert.Zero(t, config.StreamIdleTimeout)
	assert.False(t, config.DebugMode)
}

func TestInitializeLogger(t *testing.T) {
	tests := []struct {
		level string
		want  logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"WARNING", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
		{"verbose", logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			config := testConfig()
			config.LogLevel = tt.level
			var buf bytes.Buffer

			logger := InitializeLogger(config, &buf)

			assert.Equal(t, tt.want, logger.GetLevel())
		})
	}
}

func TestInitializeLogger_WritesJSON(t *testing.T) {
	var buf bytes.Buffer
	InitializeLogger(testConfig(), &buf)

	line := strings.SplitN(buf.String(), "\n", 2)[0]
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	assert.Equal(t, "Configuration loaded", entry["msg"])
	assert.Equal(t, "http://backend.invalid", entry["backendURL"])
}

func TestStreamObserver_Counters(t *testing.T) {
	observer := NewStreamObserver(testLogger().WithField("component", "test"), testConfig())
	h := StreamHandle{StreamID: "stream-1", SessionID: "s1", Kind: StreamMain, Generation: 1}

	observer.FrameApplied(h, Record{Kind: RecordFrame, Payload: []byte(`{}`)}, Effect{})
	observer.FrameApplied(h, Record{Kind: RecordFrame, Payload: []byte(`{}`)}, Effect{CloseStream: true})
	observer.FrameStale(h)
	observer.ParseFailed(h, &ParseError{Reason: "missing type"})

	assert.Equal(t, ObserverStats{AcceptedFrames: 2, StaleFrames: 1, ParseFailures: 1}, observer.Stats())
}

func TestNotifyingObserver_ForwardsNotices(t *testing.T) {
	var got []StreamMessage
	observer := NewNotifyingObserver(testLogger().WithField("component", "test"), testConfig(), func(msg StreamMessage) {
		got = append(got, msg)
	})
	h := StreamHandle{StreamID: "stream-2", SessionID: "s1", Kind: StreamScan, Generation: 3}

	observer.StreamOpened(h)
	observer.StreamClosed(h, "finished")
	observer.FrameApplied(h, Record{Kind: RecordScanFrame}, Effect{})

	require.Len(t, got, 2)
	assert.Equal(t, "debug", got[0].Type)
	assert.Equal(t, "scan stream opened", got[0].Content)
	assert.Equal(t, uint64(3), got[0].Generation)
	assert.Equal(t, "finished", got[1].Details["reason"])
	assert.Equal(t, int64(1), observer.Stats().AcceptedFrames)
}
