package sandbox

import (
	"bufio"
	"io"
	"sync"
	"time"
)

// Log streams.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
	StreamSystem = "system"
)

// defaultLogCapacity bounds the per-sandbox ring buffer.
const defaultLogCapacity = 10000

// LogEntry is one captured line with a monotonic per-sandbox sequence.
type LogEntry struct {
	Seq    int64     `json:"seq"`
	Stream string    `json:"stream"`
	Line   string    `json:"line"`
	Time   time.Time `json:"ts"`
}

// LogBuffer is a bounded FIFO over a sandbox's stdout, stderr, and system
// entries. When full, the oldest entries are dropped.
type LogBuffer struct {
	mu      sync.Mutex
	entries []LogEntry
	head    int   // index of the oldest entry
	size    int   // number of valid entries
	nextSeq int64 // next sequence to assign, starts at 1
}

// NewLogBuffer allocates a buffer with the given capacity (<=0 selects the
// default).
func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = defaultLogCapacity
	}
	return &LogBuffer{
		entries: make([]LogEntry, capacity),
		nextSeq: 1,
	}
}

// Append records one line and returns its sequence.
func (b *LogBuffer) Append(stream, line string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	seq := b.nextSeq
	b.nextSeq++

	idx := (b.head + b.size) % len(b.entries)
	b.entries[idx] = LogEntry{Seq: seq, Stream: stream, Line: line, Time: time.Now().UTC()}
	if b.size < len(b.entries) {
		b.size++
	} else {
		b.head = (b.head + 1) % len(b.entries)
	}
	return seq
}

// Since returns all buffered entries with Seq > after, oldest first, plus
// the highest sequence assigned so far.
func (b *LogBuffer) Since(after int64) ([]LogEntry, int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]LogEntry, 0, b.size)
	for i := 0; i < b.size; i++ {
		e := b.entries[(b.head+i)%len(b.entries)]
		if e.Seq > after {
			out = append(out, e)
		}
	}
	return out, b.nextSeq - 1
}

// Len returns the number of buffered entries.
func (b *LogBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Drain copies lines from r into the buffer under the given stream until r
// is exhausted. Intended as `go buf.Drain(...)` on pipe readers.
func (b *LogBuffer) Drain(stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		b.Append(stream, scanner.Text())
	}
}
