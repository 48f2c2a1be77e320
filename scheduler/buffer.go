package scheduler

const minBufferCap = 64

// Buffer accumulates a response body. The backing array always holds a NUL
// byte after the last written byte.
type Buffer struct {
	data  []byte
	size  int
	limit int
}

// NewBuffer creates an empty buffer that refuses to grow past limit bytes.
// A limit of 0 means unlimited.
func NewBuffer(limit int) *Buffer {
	return &Buffer{data: make([]byte, 1), limit: limit}
}

// Write appends p and returns how many bytes were taken: len(p), or 0 when
// the limit would be exceeded. A refused write leaves the content intact.
func (b *Buffer) Write(p []byte) int {
	if len(p) == 0 {
		return 0
	}
	if b.data == nil {
		b.data = make([]byte, 1)
	}
	if b.limit > 0 && b.size+len(p) > b.limit {
		return 0
	}

	need := b.size + len(p) + 1
	if need > len(b.data) {
		capacity := 2 * len(b.data)
		if capacity < minBufferCap {
			capacity = minBufferCap
		}
		if capacity < need {
			capacity = need
		}
		grown := make([]byte, capacity)
		copy(grown, b.data[:b.size])
		b.data = grown
	}

	copy(b.data[b.size:], p)
	b.size += len(p)
	b.data[b.size] = 0
	return len(p)
}

// Bytes returns the content without the terminator. The slice aliases the
// buffer and must not be modified.
func (b *Buffer) Bytes() []byte {
	if b.data == nil {
		return nil
	}
	return b.data[:b.size:b.size]
}

// CString returns the content including the NUL terminator
func (b *Buffer) CString() []byte {
	if b.data == nil {
		return []byte{0}
	}
	return b.data[: b.size+1 : b.size+1]
}

// Len returns the number of content bytes
func (b *Buffer) Len() int {
	return b.size
}

// Cap returns the allocated size including room for the terminator
func (b *Buffer) Cap() int {
	return len(b.data)
}

// Release drops the storage
func (b *Buffer) Release() {
	b.data = nil
	b.size = 0
}
