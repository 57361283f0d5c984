// Package transcript writes every model exchange as NDJSON, one file per
// session, from a background queue so LLM calls never wait on disk.
package transcript

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/questline/internal/progress"
)

// Config controls the logger.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Entry is one model exchange. Content is the response with any embedded
// metadata block removed.
type Entry struct {
	Timestamp time.Time `json:"ts"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	TaskType  string    `json:"task_type"`
	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model,omitempty"`
	System    string    `json:"system,omitempty"`
	Prompt    string    `json:"prompt"`
	Response  string    `json:"response,omitempty"`
	Content   string    `json:"content,omitempty"`
	Error     string    `json:"error,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
}

// Logger appends entries asynchronously. A nil *Logger or a disabled one
// drops everything.
type Logger struct {
	cfg    Config
	logger *slog.Logger
	queue  chan Entry
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	files  map[string]*os.File
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// New starts the writer goroutine when cfg.Enabled is set.
func New(cfg Config, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	l := &Logger{cfg: cfg, logger: logger, files: make(map[string]*os.File)}
	if !cfg.Enabled {
		return l, nil
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}
	l.queue = make(chan Entry, cfg.QueueSize)
	l.done = make(chan struct{})
	go l.run()
	return l, nil
}

// Log enqueues e. It never blocks; a full queue drops the entry.
func (l *Logger) Log(e Entry) {
	if l == nil || l.queue == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Content == "" && e.Response != "" {
		e.Content = Clean(e.Response)
	}
	select {
	case l.queue <- e:
	default:
		l.logger.Warn("transcript queue full, dropping entry", "session_id", e.SessionID, "task_type", e.TaskType)
	}
}

// Close drains the queue and closes open files.
func (l *Logger) Close() error {
	if l == nil || l.queue == nil {
		return nil
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	<-l.done

	var errs []error
	for key, f := range l.files {
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func (l *Logger) run() {
	defer close(l.done)
	for e := range l.queue {
		if err := l.write(e); err != nil {
			l.logger.Warn("transcript write failed", "session_id", e.SessionID, "error", err)
		}
	}
}

func (l *Logger) write(e Entry) error {
	f, err := l.file(e.UserID, e.SessionID)
	if err != nil {
		return err
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append entry: %w", err)
	}
	return nil
}

// file is only called from the writer goroutine.
func (l *Logger) file(userID, sessionID string) (*os.File, error) {
	user := safeName(userID, "anonymous")
	session := safeName(sessionID, "unknown")
	key := user + "/" + session
	if f, ok := l.files[key]; ok {
		return f, nil
	}
	dir := filepath.Join(l.cfg.Dir, user)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create user dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, session+".ndjson"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	l.files[key] = f
	return f, nil
}

func safeName(s, fallback string) string {
	s = unsafeName.ReplaceAllString(strings.TrimSpace(s), "_")
	s = strings.Trim(s, ".")
	if s == "" {
		return fallback
	}
	return s
}

// Clean strips the metadata block and surrounding whitespace from model output.
func Clean(raw string) string {
	text, _, _ := progress.Extract(raw)
	return strings.TrimSpace(text)
}
