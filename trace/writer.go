// Package trace persists one append-only JSONL record per state transition of
// an agent run. Traces are consumed by external replay and evaluation
// tooling; the record shape is the stable contract.
package trace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is a single trace record.
type Event struct {
	EventType      string         `json:"event_type"`
	Timestamp      float64        `json:"timestamp"`
	State          string         `json:"state"`
	ConversationID string         `json:"conversation_id"`
	RunID          string         `json:"run_id"`
	Data           map[string]any `json:"data,omitempty"`
	DurationMS     float64        `json:"duration_ms,omitempty"`
}

// Config configures the trace writer.
type Config struct {
	// Dir is the root directory; runs are written to Dir/<conversation>/<run>.jsonl.
	Dir string `yaml:"dir" json:"dir"`
	// MaxContentLength truncates long string values in record data.
	MaxContentLength int `yaml:"max_content_length" json:"max_content_length"`
	// Disabled turns tracing off entirely.
	Disabled bool `yaml:"disabled" json:"disabled"`
}

// DefaultConfig returns the default trace configuration.
func DefaultConfig() Config {
	return Config{
		Dir:              "data/traces",
		MaxContentLength: 2000,
	}
}

// Writer emits trace events for agent runs. Safe for concurrent use across
// runs; each run appends to its own file.
type Writer struct {
	config Config
	logger *zap.Logger

	mu    sync.Mutex
	files map[string]*os.File // run id -> open file
}

// NewWriter creates a trace writer rooted at config.Dir.
func NewWriter(config Config, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxContentLength <= 0 {
		config.MaxContentLength = 2000
	}
	return &Writer{
		config: config,
		logger: logger.With(zap.String("component", "trace_writer")),
		files:  make(map[string]*os.File),
	}
}

// Emit appends one record to the run's trace file. Trace failures are logged
// and swallowed: tracing must never fail a run.
func (w *Writer) Emit(conversationID, runID, eventType, state string, data map[string]any, duration time.Duration) {
	if w.config.Disabled {
		return
	}

	event := Event{
		EventType:      eventType,
		Timestamp:      float64(time.Now().UnixNano()) / 1e9,
		State:          state,
		ConversationID: conversationID,
		RunID:          runID,
		Data:           w.redact(data),
	}
	if duration > 0 {
		event.DurationMS = float64(duration.Microseconds()) / 1000
	}

	line, err := json.Marshal(event)
	if err != nil {
		w.logger.Warn("trace marshal failed", zap.Error(err))
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := w.file(conversationID, runID)
	if err != nil {
		w.logger.Warn("trace file open failed", zap.Error(err))
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		w.logger.Warn("trace write failed", zap.Error(err))
	}
}

// CloseRun closes the run's trace file.
func (w *Writer) CloseRun(runID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if f, ok := w.files[runID]; ok {
		_ = f.Close()
		delete(w.files, runID)
	}
}

// Close closes all open trace files.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var firstErr error
	for id, f := range w.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(w.files, id)
	}
	return firstErr
}

func (w *Writer) file(conversationID, runID string) (*os.File, error) {
	if f, ok := w.files[runID]; ok {
		return f, nil
	}
	dir := filepath.Join(w.config.Dir, sanitizePathComponent(conversationID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}
	path := filepath.Join(dir, sanitizePathComponent(runID)+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	w.files[runID] = f
	return f, nil
}

var sensitiveKeyFragments = []string{"api_key", "apikey", "token", "password", "authorization", "cookie", "secret"}

// redact masks values under sensitive keys and truncates oversized strings.
func (w *Writer) redact(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for key, value := range data {
		lower := strings.ToLower(key)
		masked := false
		for _, fragment := range sensitiveKeyFragments {
			if strings.Contains(lower, fragment) {
				out[key] = "[REDACTED]"
				masked = true
				break
			}
		}
		if masked {
			continue
		}
		if s, ok := value.(string); ok && len(s) > w.config.MaxContentLength {
			out[key] = fmt.Sprintf("%s...[TRUNCATED:%d chars]", s[:w.config.MaxContentLength], len(s))
			continue
		}
		out[key] = value
	}
	return out
}

func sanitizePathComponent(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
