package data

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// Event is one audit log entry
type Event struct {
	Timestamp time.Time              `json:"ts"`
	Type      string                 `json:"type"`
	ID        string                 `json:"id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// EventLog is an append-only jsonl audit trail of connects, disconnects
// and submissions. Best effort: a nil log or a failed write is silently
// ignored, the log is never on the serving path.
type EventLog struct {
	mu   sync.Mutex
	file *os.File
}

// NewEventLog opens or creates the audit log at filename
func NewEventLog(filename string) (*EventLog, error) {
	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &EventLog{file: f}, nil
}

// Log appends an event
func (l *EventLog) Log(eventType, id string, data map[string]interface{}) {
	if l == nil || l.file == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	event := Event{
		Timestamp: time.Now(),
		Type:      eventType,
		ID:        id,
		Data:      data,
	}

	b, err := json.Marshal(event)
	if err != nil {
		return
	}

	l.file.Write(b)
	l.file.Write([]byte("\n"))
}

// Close closes the audit log
func (l *EventLog) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}
