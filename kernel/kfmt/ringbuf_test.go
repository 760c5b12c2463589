package kfmt

import (
	"io"
	"testing"
)

func TestRingBufferReadWrite(t *testing.T) {
	var rb ringBuffer

	if _, err := rb.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("expected reading an empty buffer to return io.EOF; got %v", err)
	}

	payload := []byte("the quick brown fox")
	if n, err := rb.Write(payload); n != len(payload) || err != nil {
		t.Fatalf("expected write to report (%d, nil); got (%d, %v)", len(payload), n, err)
	}

	got := make([]byte, len(payload))
	if n, err := rb.Read(got); n != len(payload) || err != nil {
		t.Fatalf("expected read to report (%d, nil); got (%d, %v)", len(payload), n, err)
	}

	if string(got) != string(payload) {
		t.Fatalf("expected to read back %q; got %q", payload, got)
	}
}

func TestRingBufferOverwritesOldestBytes(t *testing.T) {
	var rb ringBuffer

	// Overfill the buffer by 3 bytes; the 3 oldest bytes must be lost.
	for i := 0; i < earlyBufferSize+3; i++ {
		rb.Write([]byte{byte(i % 256)})
	}

	out := make([]byte, earlyBufferSize+3)
	n, _ := rb.Read(out)
	if n != earlyBufferSize {
		t.Fatalf("expected to read %d bytes; got %d", earlyBufferSize, n)
	}

	for i := 0; i < n; i++ {
		if exp := byte((i + 3) % 256); out[i] != exp {
			t.Fatalf("expected out[%d] to be %d; got %d", i, exp, out[i])
		}
	}
}
