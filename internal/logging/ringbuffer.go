package logging

import (
	"os"
	"sync"
)

// RingBuffer is a fixed-size circular byte buffer that keeps the most recent
// log output for crash dumps. Safe for concurrent use.
type RingBuffer struct {
	mu      sync.Mutex
	buf     []byte
	next    int
	wrapped bool
}

// NewRingBuffer returns a ring buffer holding at most size bytes.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 4 * 1024 * 1024
	}
	return &RingBuffer{buf: make([]byte, size)}
}

// Write implements io.Writer. Old data is overwritten once the buffer is full.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := len(p)
	size := len(rb.buf)
	if n >= size {
		copy(rb.buf, p[n-size:])
		rb.next = 0
		rb.wrapped = true
		return n, nil
	}

	tail := size - rb.next
	if n < tail {
		copy(rb.buf[rb.next:], p)
		rb.next += n
		return n, nil
	}
	copy(rb.buf[rb.next:], p[:tail])
	copy(rb.buf, p[tail:])
	rb.next = n - tail
	rb.wrapped = true
	return n, nil
}

// Len reports how many bytes are currently held.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.wrapped {
		return len(rb.buf)
	}
	return rb.next
}

// Bytes returns the contents oldest-first.
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if !rb.wrapped {
		return append([]byte(nil), rb.buf[:rb.next]...)
	}
	out := make([]byte, 0, len(rb.buf))
	out = append(out, rb.buf[rb.next:]...)
	return append(out, rb.buf[:rb.next]...)
}

// DumpToFile writes the contents oldest-first to path.
func (rb *RingBuffer) DumpToFile(path string) error {
	return os.WriteFile(path, rb.Bytes(), 0o600)
}
