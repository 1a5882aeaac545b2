package logbuf

import (
	"strings"
	"sync"
	"testing"
)

func TestBufferDropsOldest(t *testing.T) {
	b := New(3)
	for _, l := range []string{"a", "b", "c", "d", "e"} {
		b.Append(l)
	}
	if got := strings.Join(b.Lines(), ","); got != "c,d,e" {
		t.Errorf("Lines() = %s", got)
	}
	if got := b.String(); got != "c\nd\ne" {
		t.Errorf("String() = %q", got)
	}
}

func TestBufferSnapshotIsCopy(t *testing.T) {
	b := New(2)
	b.Append("one")
	lines := b.Lines()
	lines[0] = "changed"
	if b.Lines()[0] != "one" {
		t.Error("mutating a snapshot must not change the buffer")
	}
}

func TestBufferMinimumCapacity(t *testing.T) {
	b := New(0)
	b.Append("x")
	b.Append("y")
	if got := b.String(); got != "y" {
		t.Errorf("expected a single-line buffer, got %q", got)
	}
}

func TestBufferConcurrentAppend(t *testing.T) {
	b := New(50)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Append("line")
			}
		}()
	}
	wg.Wait()
	if n := len(b.Lines()); n != 50 {
		t.Errorf("expected 50 lines, got %d", n)
	}
}
