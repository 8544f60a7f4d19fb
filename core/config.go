/*
Package core provides configuration management and logging initialization
for the geodecision assistant.

This file handles:
- Loading configuration from environment variables with defaults
- Structured logging setup with configurable levels
- Backend endpoints, stream timeouts and journal settings

Environment variables win over defaults; command line flags applied by the
cmd package win over both.
*/
package core

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds all configurable values of the assistant.
type Config struct {
	// Gateway configuration
	Port string // HTTP port of the local gateway (default: "8090")

	// Backend agent configuration
	BackendURL     string        // Base URL of the decision backend (default: "http://localhost:8000")
	ChatStreamPath string        // Path of the conversation event stream (default: "/chat/stream")
	ScanStreamPath string        // Path of the data-scan event stream (default: "/data/scan")
	RequestTimeout time.Duration // Timeout of request/response calls to the backend (default: 30s)

	// Stream behaviour
	StreamIdleTimeout time.Duration // Fail a stream after this long without a frame; 0 disables (default: 0)
	SubscriberBuffer  int           // Snapshot channel capacity per subscriber (default: 1)

	// Journal
	JournalPath string // SQLite file recording accepted frames; empty disables (default: "")

	// Logging and debugging configuration
	LogLevel          string // Minimum log level: debug, info, warn, error (default: "info")
	LogTruncateLength int    // Maximum length of frame excerpts in logs (default: 500)
	DebugMode         bool   // Forward stream lifecycle notices to gateway clients (default: false)
}

// LoadConfig loads configuration from environment variables with defaults.
//
// Environment Variables:
//   - PORT: Gateway port (string)
//   - BACKEND_URL: Backend base URL (string)
//   - CHAT_STREAM_PATH: Conversation stream path (string)
//   - SCAN_STREAM_PATH: Data-scan stream path (string)
//   - REQUEST_TIMEOUT: Backend request timeout in seconds (integer)
//   - STREAM_IDLE_TIMEOUT: Stream idle timeout in seconds, 0 disables (integer)
//   - SUBSCRIBER_BUFFER: Snapshot channel capacity (integer)
//   - JOURNAL_PATH: Frame journal database file (string)
//   - LOG_LEVEL: Logging level (string)
//   - LOG_TRUNCATE_LENGTH: Log truncation length (integer)
//   - DEBUG_MODE: Enable debug notices (boolean: "true"/"1")
func LoadConfig() *Config {
	config := &Config{
		Port: "8090",

		BackendURL:     "http://localhost:8000",
		ChatStreamPath: "/chat/stream",
		ScanStreamPath: "/data/scan",
		RequestTimeout: 30 * time.Second,

		StreamIdleTimeout: 0,
		SubscriberBuffer:  1,

		LogLevel:          "info",
		LogTruncateLength: 500,
		DebugMode:         false,
	}

	if port := os.Getenv("PORT"); port != "" {
		config.Port = port
	}

	if backend := os.Getenv("BACKEND_URL"); backend != "" {
		config.BackendURL = strings.TrimRight(backend, "/")
	}

	if path := os.Getenv("CHAT_STREAM_PATH"); path != "" {
		config.ChatStreamPath = path
	}

	if path := os.Getenv("SCAN_STREAM_PATH"); path != "" {
		config.ScanStreamPath = path
	}

	if timeout := os.Getenv("REQUEST_TIMEOUT"); timeout != "" {
		if val, err := strconv.Atoi(timeout); err == nil && val > 0 {
			config.RequestTimeout = time.Duration(val) * time.Second
		}
	}

	// 0 is a valid value here: it disables the idle timeout
	if idle := os.Getenv("STREAM_IDLE_TIMEOUT"); idle != "" {
		if val, err := strconv.Atoi(idle); err == nil && val >= 0 {
			config.StreamIdleTimeout = time.Duration(val) * time.Second
		}
	}

	if buffer := os.Getenv("SUBSCRIBER_BUFFER"); buffer != "" {
		if val, err := strconv.Atoi(buffer); err == nil && val > 0 {
			config.SubscriberBuffer = val
		}
	}

	if journal := os.Getenv("JOURNAL_PATH"); journal != "" {
		config.JournalPath = journal
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		config.LogLevel = logLevel
	}

	if truncateLen := os.Getenv("LOG_TRUNCATE_LENGTH"); truncateLen != "" {
		if val, err := strconv.Atoi(truncateLen); err == nil && val > 0 {
			config.LogTruncateLength = val
		}
	}

	if debug := os.Getenv("DEBUG_MODE"); debug != "" {
		config.DebugMode = strings.ToLower(debug) == "true" || debug == "1"
	}

	return config
}

// InitializeLogger configures and returns a JSON logger for config. Output
// goes to w, or stdout when w is nil.
func InitializeLogger(config *Config, w io.Writer) *logrus.Logger {
	logger := logrus.New()

	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})

	switch strings.ToLower(config.LogLevel) {
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "info":
		logger.SetLevel(logrus.InfoLevel)
	case "warn", "warning":
		logger.SetLevel(logrus.WarnLevel)
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	if w == nil {
		w = os.Stdout
	}
	logger.SetOutput(w)

	logger.WithFields(logrus.Fields{
		"backendURL":        config.BackendURL,
		"chatStreamPath":    config.ChatStreamPath,
		"scanStreamPath":    config.ScanStreamPath,
		"requestTimeout":    config.RequestTimeout,
		"streamIdleTimeout": config.StreamIdleTimeout,
		"subscriberBuffer":  config.SubscriberBuffer,
		"journalPath":       config.JournalPath,
		"logTruncateLength": config.LogTruncateLength,
		"debugMode":         config.DebugMode,
	}).Info("Configuration loaded")

	return logger
}
