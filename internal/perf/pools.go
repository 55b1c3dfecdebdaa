// Package perf provides pooled buffers and readers for the hot streaming paths.
package perf

import (
	"bufio"
	"bytes"
	"io"
	"sync"
)

// maxPooledBuffer caps the capacity of buffers returned to the pool so one
// oversized image does not pin memory for the life of the process.
const maxPooledBuffer = 4 << 20

// ByteBufferPool provides reusable bytes.Buffer instances.
var ByteBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 64*1024))
	},
}

// AcquireByteBuffer gets a bytes.Buffer from the pool.
func AcquireByteBuffer() *bytes.Buffer {
	return ByteBufferPool.Get().(*bytes.Buffer)
}

// ReleaseByteBuffer resets and returns a bytes.Buffer to the pool.
func ReleaseByteBuffer(b *bytes.Buffer) {
	if b == nil || b.Cap() > maxPooledBuffer {
		return
	}
	b.Reset()
	ByteBufferPool.Put(b)
}

// BufioReaderPool provides reusable bufio.Reader instances.
var BufioReaderPool = sync.Pool{
	New: func() interface{} {
		return bufio.NewReaderSize(nil, 32768)
	},
}

// AcquireBufioReader gets a bufio.Reader from the pool.
func AcquireBufioReader(r io.Reader) *bufio.Reader {
	br := BufioReaderPool.Get().(*bufio.Reader)
	br.Reset(r)
	return br
}

// ReleaseBufioReader returns a bufio.Reader to the pool.
func ReleaseBufioReader(br *bufio.Reader) {
	if br == nil {
		return
	}
	br.Reset(nil)
	BufioReaderPool.Put(br)
}
