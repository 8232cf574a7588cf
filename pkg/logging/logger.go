// Package logging gives each saga component a zerolog logger. All components of a process
// share one session: a uuid and a JSON-lines file <dir>/<session>-saga.log, where dir is
// $SAGA_LOG_DIR or ~/.saga/logs. When the file cannot be opened, entries go to stderr.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Logger is a component's view of the session log.
type Logger struct {
	component string
	session   *session
	zl        zerolog.Logger
}

// session owns the log file shared by every component logger.
type session struct {
	id    string
	dir   string
	path  string
	level zerolog.Level
	err   error

	mu   sync.Mutex
	file *os.File
}

var (
	sessionMu sync.Mutex
	current   *session

	// dirOverride replaces the configured directory; tests set it.
	dirOverride string
)

func activeSession() *session {
	sessionMu.Lock()
	defer sessionMu.Unlock()
	if current == nil {
		current = openSession(uuid.NewString())
	}
	return current
}

func openSession(id string) *session {
	s := &session{id: id, level: zerolog.DebugLevel}
	if v := os.Getenv("SAGA_LOG_LEVEL"); v != "" {
		if lvl, err := zerolog.ParseLevel(v); err == nil {
			s.level = lvl
		}
	}

	s.dir, s.err = logDirectory()
	if s.err != nil {
		return s
	}
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		s.err = fmt.Errorf("logging: create %s: %w", s.dir, err)
		return s
	}
	path := filepath.Join(s.dir, id+"-saga.log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		s.err = fmt.Errorf("logging: open %s: %w", path, err)
		return s
	}
	s.file, s.path = file, path
	return s
}

func logDirectory() (string, error) {
	if dirOverride != "" {
		return dirOverride, nil
	}
	if dir := os.Getenv("SAGA_LOG_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("logging: home directory: %w", err)
	}
	return filepath.Join(home, ".saga", "logs"), nil
}

// Write serialises entries from all components. After Close, entries go to stderr.
func (s *session) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return os.Stderr.Write(p)
	}
	return s.file.Write(p)
}

func (s *session) writer() io.Writer {
	if s.err != nil {
		return zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return s
}

func (s *session) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// NewLogger returns the logger for component. When the session file could not be opened
// the logger writes to stderr and the error is returned alongside it.
func NewLogger(component string) (*Logger, error) {
	s := activeSession()
	zl := zerolog.New(s.writer()).
		Level(s.level).
		With().
		Timestamp().
		Str("component", component).
		Str("session", s.id).
		Logger()
	return &Logger{component: component, session: s, zl: zl}, s.err
}

// MustNew returns a component logger, warning on stderr when it had to fall back.
// Package-level loggers use it from init().
func MustNew(component string) *Logger {
	l, err := NewLogger(component)
	if err != nil {
		l.Warnf("file logging unavailable for %s, using stderr: %v", component, err)
	}
	return l
}

func (l *Logger) logf(lvl zerolog.Level, format string, v ...interface{}) {
	l.zl.WithLevel(lvl).Msg(fmt.Sprintf(format, v...))
}

// Printf logs at info level.
func (l *Logger) Printf(format string, v ...interface{}) {
	l.logf(zerolog.InfoLevel, format, v...)
}

func (l *Logger) Debugf(format string, v ...interface{}) {
	l.logf(zerolog.DebugLevel, format, v...)
}

func (l *Logger) Infof(format string, v ...interface{}) {
	l.logf(zerolog.InfoLevel, format, v...)
}

func (l *Logger) Warnf(format string, v ...interface{}) {
	l.logf(zerolog.WarnLevel, format, v...)
}

func (l *Logger) Errorf(format string, v ...interface{}) {
	l.logf(zerolog.ErrorLevel, format, v...)
}

// With returns a child logger that adds fields to every entry.
func (l *Logger) With(fields map[string]interface{}) *Logger {
	return &Logger{
		component: l.component,
		session:   l.session,
		zl:        l.zl.With().Fields(fields).Logger(),
	}
}

// Enabled reports whether entries at lvl are written.
func (l *Logger) Enabled(lvl zerolog.Level) bool {
	return lvl >= l.zl.GetLevel()
}

func (l *Logger) Component() string {
	return l.component
}

func (l *Logger) SessionID() string {
	return l.session.id
}

// LogPath is empty when the logger writes to stderr.
func (l *Logger) LogPath() string {
	return l.session.path
}

// SessionID returns the id shared by every logger of this process.
func SessionID() string {
	return activeSession().id
}

// Directory returns the directory holding session logs.
func Directory() (string, error) {
	s := activeSession()
	if s.err != nil {
		return "", s.err
	}
	return s.dir, nil
}

// Close closes the session file. Safe to call more than once; later entries go to stderr.
func Close() error {
	return activeSession().close()
}
