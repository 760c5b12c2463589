package kfmt

import "io"

// earlyBufferSize is the capacity of the early boot ring buffer. It must be
// a power of two so that index wrapping reduces to a mask.
const earlyBufferSize = 2048

// ringBuffer buffers Printf output generated before an output sink is
// registered. When the buffer fills up the oldest bytes are overwritten;
// losing the head of the boot log beats losing its tail.
type ringBuffer struct {
	data  [earlyBufferSize]byte
	start int
	used  int
}

// Write appends the contents of p to the buffer, evicting the oldest bytes
// once the buffer is full. It never fails.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.data[(rb.start+rb.used)&(earlyBufferSize-1)] = b
		if rb.used == earlyBufferSize {
			rb.start = (rb.start + 1) & (earlyBufferSize - 1)
		} else {
			rb.used++
		}
	}

	return len(p), nil
}

// Read copies up to len(p) buffered bytes into p in write order and removes
// them from the buffer. It returns io.EOF once the buffer is drained.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.used == 0 {
		return 0, io.EOF
	}

	n := 0
	for ; n < len(p) && rb.used > 0; n++ {
		p[n] = rb.data[rb.start]
		rb.start = (rb.start + 1) & (earlyBufferSize - 1)
		rb.used--
	}

	return n, nil
}
