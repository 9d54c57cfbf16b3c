package usage

import "testing"

func TestWriteDropsWhenBufferFull(t *testing.T) {
	w := &Writer{ch: make(chan Record, 1)}

	if !w.Write(Record{}) {
		t.Fatal("expected first write to succeed")
	}
	if w.Write(Record{}) {
		t.Fatal("expected second write to be dropped when buffer is full")
	}
}
