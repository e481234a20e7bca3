package sandbox

import (
	"strings"
	"testing"
)

func TestLogBufferAppendSince(t *testing.T) {
	buf := NewLogBuffer(10)

	buf.Append(StreamStdout, "one")
	buf.Append(StreamStderr, "two")
	buf.Append(StreamSystem, "three")

	entries, last := buf.Since(0)
	if len(entries) != 3 {
		t.Fatalf("Since(0) returned %d entries, want 3", len(entries))
	}
	if last != 3 {
		t.Fatalf("last seq = %d, want 3", last)
	}
	if entries[0].Seq != 1 || entries[0].Line != "one" || entries[0].Stream != StreamStdout {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}

	entries, last = buf.Since(2)
	if len(entries) != 1 || entries[0].Line != "three" {
		t.Fatalf("Since(2) = %+v, want just \"three\"", entries)
	}
	if last != 3 {
		t.Fatalf("last seq after Since(2) = %d, want 3", last)
	}

	entries, _ = buf.Since(3)
	if len(entries) != 0 {
		t.Fatalf("Since(3) returned %d entries, want 0", len(entries))
	}
}

func TestLogBufferWrap(t *testing.T) {
	buf := NewLogBuffer(3)
	for i := 0; i < 5; i++ {
		buf.Append(StreamStdout, strings.Repeat("x", i+1))
	}

	if buf.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", buf.Len())
	}

	entries, last := buf.Since(0)
	if last != 5 {
		t.Fatalf("last seq = %d, want 5", last)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries after wrap, want 3", len(entries))
	}
	// Oldest two were dropped; sequences stay monotonic.
	if entries[0].Seq != 3 || entries[2].Seq != 5 {
		t.Fatalf("entries after wrap have seqs %d..%d, want 3..5", entries[0].Seq, entries[2].Seq)
	}
}

func TestLogBufferDrain(t *testing.T) {
	buf := NewLogBuffer(10)
	buf.Drain(StreamStderr, strings.NewReader("alpha\nbeta\ngamma\n"))

	entries, _ := buf.Since(0)
	if len(entries) != 3 {
		t.Fatalf("drained %d entries, want 3", len(entries))
	}
	for _, e := range entries {
		if e.Stream != StreamStderr {
			t.Fatalf("entry %d has stream %q, want stderr", e.Seq, e.Stream)
		}
	}
	if entries[1].Line != "beta" {
		t.Fatalf("second line = %q, want beta", entries[1].Line)
	}
}
