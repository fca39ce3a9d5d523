// Package audit records raw provider traffic as newline-delimited JSON.
// The log is a side channel: recording is fire-and-forget and best-effort,
// and a write failure never affects the request that triggered it.
package audit

import (
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Direction marks whether an entry is outbound or inbound traffic.
type Direction string

const (
	DirectionRequest  Direction = "REQUEST"
	DirectionResponse Direction = "RESPONSE"
)

// Placeholder replaces redacted binary payloads in log entries.
const Placeholder = "[binary payload redacted]"

// redactionThreshold is the minimum string length considered for base64
// redaction. Short base64-looking strings (ids, hashes) stay intact.
const redactionThreshold = 256

// Recorder is what adapters log traffic through. A nil-safe no-op
// implementation is available via Nop.
type Recorder interface {
	Record(taskID string, direction Direction, payload any, endpoint string)
	RecordRoute(taskID, route string, direction Direction, payload any, endpoint string)
}

// Entry is one NDJSON record. The format is a persisted artifact other
// tooling tails or replays; fields are append-only.
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	TaskID    string    `json:"task_id"`
	Direction Direction `json:"direction"`
	Route     string    `json:"route,omitempty"`
	Endpoint  string    `json:"endpoint,omitempty"`
	Payload   any       `json:"payload"`
}

// FileLog appends entries to a single NDJSON file. No rotation or
// compaction happens at this layer.
type FileLog struct {
	mu     sync.Mutex
	file   *os.File
	logger *zap.Logger
}

// Open creates or appends to the traffic log at path.
func Open(path string, logger *zap.Logger) (*FileLog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileLog{file: f, logger: logger}, nil
}

// Close closes the underlying file.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Record appends one entry. Failures are logged and swallowed.
func (l *FileLog) Record(taskID string, direction Direction, payload any, endpoint string) {
	l.RecordRoute(taskID, "", direction, payload, endpoint)
}

// RecordRoute is Record with an optional route label.
func (l *FileLog) RecordRoute(taskID, route string, direction Direction, payload any, endpoint string) {
	entry := Entry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		TaskID:    taskID,
		Direction: direction,
		Route:     route,
		Endpoint:  endpoint,
		Payload:   Redact(taskID, payload),
	}
	line, err := json.Marshal(entry)
	if err != nil {
		l.logger.Warn("audit entry not serializable", zap.String("task", taskID), zap.Error(err))
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		l.logger.Warn("audit append failed", zap.String("task", taskID), zap.Error(err))
	}
}

// Redact bounds log size by replacing binary media with Placeholder. Any
// string leaf that is long and composed entirely of base64-alphabet
// characters is replaced; under image-tagged tasks the threshold applies to
// every string leaf regardless of alphabet, since image payloads dominate
// those entries.
func Redact(taskID string, payload any) any {
	imageTask := strings.Contains(strings.ToLower(taskID), "image")
	return redactValue(payload, imageTask)
}

func redactValue(v any, imageTask bool) any {
	switch val := v.(type) {
	case string:
		if len(val) >= redactionThreshold && (imageTask || isBase64Alphabet(val)) {
			return Placeholder
		}
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = redactValue(item, imageTask)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = redactValue(item, imageTask)
		}
		return out
	default:
		// Structured payloads arrive as maps already; anything else is
		// round-tripped through JSON so its string leaves are reachable.
		data, err := json.Marshal(v)
		if err != nil {
			return v
		}
		var decoded any
		if err := json.Unmarshal(data, &decoded); err != nil {
			return v
		}
		switch decoded.(type) {
		case map[string]any, []any:
			return redactValue(decoded, imageTask)
		case string:
			return redactValue(decoded, imageTask)
		}
		return decoded
	}
}

func isBase64Alphabet(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '+' || c == '/' || c == '=' || c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}

// nopRecorder drops everything.
type nopRecorder struct{}

func (nopRecorder) Record(string, Direction, any, string)              {}
func (nopRecorder) RecordRoute(string, string, Direction, any, string) {}

// Nop returns a Recorder that discards all entries.
func Nop() Recorder { return nopRecorder{} }
