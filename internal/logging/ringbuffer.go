package logging

import (
	"os"
	"path/filepath"
	"sync"
)

// RingBuffer keeps the most recent log records in memory for crash dumps.
// slog handlers emit one record per Write, so the buffer stores whole
// writes and evicts the oldest ones once the byte budget is exceeded. A
// dump therefore always starts on a record boundary.
type RingBuffer struct {
	mu      sync.Mutex
	records [][]byte
	used    int
	limit   int
}

// NewRingBuffer creates a ring buffer that holds up to limit bytes.
func NewRingBuffer(limit int) *RingBuffer {
	if limit <= 0 {
		limit = 2 * 1024 * 1024
	}
	return &RingBuffer{limit: limit}
}

// Write implements io.Writer. It never fails.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n == 0 {
		return 0, nil
	}
	// A single oversized record keeps only its tail.
	if n > rb.limit {
		p = p[n-rb.limit:]
	}
	rec := make([]byte, len(p))
	copy(rec, p)

	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.records = append(rb.records, rec)
	rb.used += len(rec)
	drop := 0
	for rb.used > rb.limit {
		rb.used -= len(rb.records[drop])
		rb.records[drop] = nil
		drop++
	}
	if drop > 0 {
		rb.records = rb.records[drop:]
	}
	return n, nil
}

// Bytes returns the buffered records oldest first.
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	out := make([]byte, 0, rb.used)
	for _, rec := range rb.records {
		out = append(out, rec...)
	}
	return out
}

// DumpToFile writes the buffer to path through a temp file and rename.
func (rb *RingBuffer) DumpToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, rb.Bytes(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
