package runner

import (
	"sync"
	"time"

	"github.com/rivet-ci/rivet/storage"
)

// LogBuffer collects log entries produced during a job until the shipper
// drains them. It has no fixed capacity; crossing the threshold only signals
// the shipper to drain early.
type LogBuffer struct {
	mu        sync.Mutex
	entries   []storage.LogEntry
	threshold int
	full      chan struct{}
}

// NewLogBuffer returns an empty buffer that signals Full once threshold
// entries accumulate between drains.
func NewLogBuffer(threshold int) *LogBuffer {
	return &LogBuffer{
		threshold: threshold,
		full:      make(chan struct{}, 1),
	}
}

// Append records a message at the given level, stamped with the current time.
func (b *LogBuffer) Append(level storage.LogLevel, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = append(b.entries, storage.LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
	})

	if b.threshold > 0 && len(b.entries) >= b.threshold {
		select {
		case b.full <- struct{}{}:
		default:
		}
	}
}

// Drain atomically takes and clears the buffered entries, oldest first.
func (b *LogBuffer) Drain() []storage.LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	drained := b.entries
	b.entries = nil

	return drained
}

// Requeue puts entries that failed to ship back at the front of the buffer
// so the next drain retries them ahead of newer entries.
func (b *LogBuffer) Requeue(entries []storage.LogEntry) {
	if len(entries) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = append(entries[:len(entries):len(entries)], b.entries...)
}

// Full signals when the buffer has reached its threshold since the last
// drain. The signal is coalesced; consuming it does not drain the buffer.
func (b *LogBuffer) Full() <-chan struct{} {
	return b.full
}
