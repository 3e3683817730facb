package logging

import (
	"path/filepath"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultBufferSize is the default capacity of the log ring buffer.
const DefaultBufferSize = 1000

// LogEntry is a single captured log line, exposed via the admin log tail.
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Source    string                 `json:"source,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// RingBuffer is a thread-safe circular buffer of recent log entries. It
// implements logrus.Hook so every log line written anywhere in the process
// is captured.
type RingBuffer struct {
	mu       sync.RWMutex
	entries  []LogEntry
	capacity int
	head     int
	count    int
	full     bool
}

// NewRingBuffer creates a ring buffer with the given capacity, falling back
// to DefaultBufferSize for non-positive values.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &RingBuffer{
		entries:  make([]LogEntry, capacity),
		capacity: capacity,
	}
}

// Levels implements logrus.Hook. All levels are captured.
func (rb *RingBuffer) Levels() []log.Level {
	return log.AllLevels
}

// Fire implements logrus.Hook.
func (rb *RingBuffer) Fire(entry *log.Entry) error {
	source := ""
	if entry.Caller != nil {
		source = filepath.Base(entry.Caller.File) + ":" + strconv.Itoa(entry.Caller.Line)
	}

	level := entry.Level.String()
	if level == "warning" {
		level = "warn"
	}

	fields := make(map[string]interface{}, len(entry.Data))
	for k, v := range entry.Data {
		fields[k] = v
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.entries[rb.head] = LogEntry{
		Timestamp: entry.Time,
		Level:     level,
		Message:   entry.Message,
		Source:    source,
		Fields:    fields,
	}
	rb.head = (rb.head + 1) % rb.capacity
	if rb.count < rb.capacity {
		rb.count++
	} else {
		rb.full = true
	}
	return nil
}

// Entries returns a copy of all buffered entries, oldest first.
func (rb *RingBuffer) Entries() []LogEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.count == 0 {
		return []LogEntry{}
	}

	result := make([]LogEntry, rb.count)
	if rb.full {
		copied := copy(result, rb.entries[rb.head:])
		copy(result[copied:], rb.entries[:rb.head])
	} else {
		copy(result, rb.entries[:rb.count])
	}
	return result
}

// Recent returns a copy of the n most recent entries, oldest first.
func (rb *RingBuffer) Recent(n int) []LogEntry {
	entries := rb.Entries()
	if n <= 0 || n >= len(entries) {
		return entries
	}
	return entries[len(entries)-n:]
}

// Len returns the number of buffered entries.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// GlobalBuffer captures logs process-wide; registered as a hook in Setup.
var GlobalBuffer = NewRingBuffer(DefaultBufferSize)
