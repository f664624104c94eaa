// Package logging builds the zerolog loggers used across Weaver.
//
// Logs go to a per-run file under <baseDir>/logs named by a session id so
// that stdout stays free for MCP stdio and CLI JSON output. When the log
// directory cannot be used the logger falls back to stderr and the error is
// returned so the caller can mention it.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	sessionID     string
	sessionIDOnce sync.Once
)

// SessionID returns the id shared by every logger of this process.
func SessionID() string {
	sessionIDOnce.Do(func() {
		sessionID = uuid.New().String()
	})
	return sessionID
}

// Logger wraps a zerolog.Logger together with the file it writes to.
type Logger struct {
	zerolog.Logger
	file      *os.File
	path      string
	closeOnce sync.Once
}

// New creates a logger writing to <baseDir>/logs/<session>-weaver.log.
// On failure it returns a stderr logger and the error.
func New(baseDir, level string) (*Logger, error) {
	lvl := ParseLevel(level)

	logDir := filepath.Join(baseDir, "logs")
	if err := os.MkdirAll(logDir, 0750); err != nil {
		return newFallback(lvl), fmt.Errorf("failed to create log directory: %w", err)
	}

	path := filepath.Join(logDir, fmt.Sprintf("%s-weaver.log", SessionID()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return newFallback(lvl), fmt.Errorf("failed to open log file: %w", err)
	}

	return &Logger{
		Logger: newZerolog(f, lvl),
		file:   f,
		path:   path,
	}, nil
}

// NewWriter creates a logger on an arbitrary writer (used by tests and `serve --log-stderr`).
func NewWriter(w io.Writer, level string) *Logger {
	return &Logger{Logger: newZerolog(w, ParseLevel(level))}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

// Path returns the log file path, or "" for stderr / writer loggers.
func (l *Logger) Path() string {
	return l.path
}

// Component returns a child logger tagged with a component name.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// Close closes the underlying file, if any. Safe to call more than once.
func (l *Logger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		if l.file != nil {
			err = l.file.Close()
		}
	})
	return err
}

// ParseLevel maps a config string to a zerolog level. Unknown values mean info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func newFallback(lvl zerolog.Level) *Logger {
	return &Logger{Logger: newZerolog(os.Stderr, lvl)}
}

func newZerolog(w io.Writer, lvl zerolog.Level) zerolog.Logger {
	return zerolog.New(w).
		Level(lvl).
		With().
		Timestamp().
		Str("session", SessionID()).
		Logger()
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
