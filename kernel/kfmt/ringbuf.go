package kfmt

import "io"

// ringBufferSize defines the size of the ring buffer that keeps Printf
// output until a sink is attached. It must always be a power of 2.
const ringBufferSize = 2048

// ringBuffer retains the most recent ringBufferSize bytes written to it.
// head and tail are free-running counters; their difference is the number of
// buffered bytes and the low bits select the slot.
type ringBuffer struct {
	buffer     [ringBufferSize]byte
	head, tail uint32
}

// Write appends p to the buffer, discarding the oldest data when full. It
// never fails.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[rb.tail&(ringBufferSize-1)] = b
		rb.tail++
		if rb.tail-rb.head > ringBufferSize {
			rb.head++
		}
	}

	return len(p), nil
}

// Read drains up to len(p) buffered bytes into p. It returns io.EOF once the
// buffer is empty.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.head == rb.tail {
		return 0, io.EOF
	}

	start := rb.head & (ringBufferSize - 1)
	n := int(rb.tail - rb.head)
	if contiguous := ringBufferSize - int(start); n > contiguous {
		n = contiguous
	}
	if n > len(p) {
		n = len(p)
	}

	copy(p, rb.buffer[start:int(start)+n])
	rb.head += uint32(n)
	return n, nil
}

// Len returns the number of buffered bytes.
func (rb *ringBuffer) Len() int {
	return int(rb.tail - rb.head)
}

// Reset discards any buffered data.
func (rb *ringBuffer) Reset() {
	rb.head, rb.tail = 0, 0
}
