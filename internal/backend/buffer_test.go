package backend

import (
	"bytes"
	"testing"
)

func TestPCMBufferAppendTake(t *testing.T) {
	b := newPCMBuffer(100)
	b.Append([]byte("abc"))
	b.Append([]byte("def"))
	if b.Len() != 6 {
		t.Fatalf("Len = %d, want 6", b.Len())
	}
	got := b.Take()
	if !bytes.Equal(got, []byte("abcdef")) {
		t.Fatalf("Take = %q, want abcdef", got)
	}
	if b.Len() != 0 {
		t.Fatalf("buffer not reset after Take")
	}
}

func TestPCMBufferEvictsOldest(t *testing.T) {
	b := newPCMBuffer(4)
	b.Append([]byte("abcd"))
	if evicted := b.Append([]byte("ef")); evicted != 2 {
		t.Fatalf("evicted = %d, want 2", evicted)
	}
	if got := b.Take(); !bytes.Equal(got, []byte("cdef")) {
		t.Fatalf("Take = %q, want newest bytes cdef", got)
	}
	if b.Evicted() != 2 {
		t.Fatalf("Evicted = %d, want 2", b.Evicted())
	}
}
