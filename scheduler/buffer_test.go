package scheduler

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferAccumulatesWrites(t *testing.T) {
	b := NewBuffer(0)
	require.Equal(t, []byte{0}, b.CString())

	var want bytes.Buffer
	for i, size := range []int{1, 7, 64, 3, 1000, 0, 4096, 13} {
		chunk := bytes.Repeat([]byte{byte('a' + i)}, size)
		assert.Equal(t, size, b.Write(chunk))
		want.Write(chunk)

		assert.Equal(t, want.Bytes(), b.Bytes())
		cs := b.CString()
		assert.Equal(t, byte(0), cs[len(cs)-1], "terminator missing after write %d", i)
		assert.Greater(t, b.Cap(), b.Len())
	}
	assert.Equal(t, want.Len(), b.Len())
}

func TestBufferLimitRefusesWholeWrite(t *testing.T) {
	b := NewBuffer(10)
	assert.Equal(t, 6, b.Write([]byte("hello ")))
	assert.Equal(t, 0, b.Write([]byte("world")))
	assert.Equal(t, "hello ", string(b.Bytes()))
	assert.Equal(t, 4, b.Write([]byte("abcd")))
	assert.Equal(t, 0, b.Write([]byte("x")))
	assert.Equal(t, "hello abcd\x00", string(b.CString()))
}

func TestBufferRelease(t *testing.T) {
	b := NewBuffer(0)
	b.Write([]byte("data"))
	b.Release()
	assert.Nil(t, b.Bytes())
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 0, b.Cap())

	// usable again after release
	assert.Equal(t, 2, b.Write([]byte("ok")))
	assert.Equal(t, "ok", string(b.Bytes()))
}
