package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// LogFile is the JSON Lines event log filename under the logs dir.
const LogFile = "events.jsonl"

// Log appends events to <dir>/events.jsonl, one JSON object per line.
// Appends are serialized; the file is opened append-only and never
// rewritten.
type Log struct {
	mu   sync.Mutex
	file *os.File
}

// OpenLog opens (creating if needed) the event log under dir.
func OpenLog(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create logs dir: %w", err)
	}
	path := filepath.Join(dir, LogFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log %s: %w", path, err)
	}
	return &Log{file: f}, nil
}

// Append writes one event line. Errors are returned, not fatal; the
// runner logs and continues.
func (l *Log) Append(e *Event) error {
	if !e.Type.IsValid() {
		return fmt.Errorf("invalid event type: %s", e.Type)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
