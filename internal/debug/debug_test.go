package debug

import (
	"path/filepath"
	"sync"
	"testing"
)

func TestWriteAndMemorySink(t *testing.T) {
	mem, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer Close()

	Writef("test.source", "value=%d", 42)
	if len(mem.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(mem.entries))
	}
}

func TestOpenFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.bin")
	if err := OpenFile(path); err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer Close()

	Write("pic", "init")
	WriteBytes("pit", []byte{0x01, 0x02})
}

func TestWithSourceBound(t *testing.T) {
	if _, err := OpenMemory(); err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer Close()

	d := WithSource("uart0")
	d.Writef("rx byte=%x", 's')
}

func TestConcurrentWrites(t *testing.T) {
	if _, err := OpenMemory(); err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				Writef("worker", "n=%d j=%d", n, j)
			}
		}(i)
	}
	wg.Wait()
}

func TestCloseWithoutOpenIsNoop(t *testing.T) {
	if err := Close(); err != nil {
		t.Fatalf("Close on unopened sink: %v", err)
	}
}
