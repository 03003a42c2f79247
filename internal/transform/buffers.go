package transform

import (
	"bytes"
	"sync"
)

// maxPooledBuffer caps what goes back into the pool; one huge source should
// not pin its buffer for the life of the process
const maxPooledBuffer = 4 * 1024 * 1024

// bufferPool recycles source body buffers between fetches
type bufferPool struct {
	pool      sync.Pool
	maxPooled int
}

func newBufferPool(maxPooled int) *bufferPool {
	if maxPooled <= 0 {
		maxPooled = maxPooledBuffer
	}
	return &bufferPool{
		pool:      sync.Pool{New: func() any { return new(bytes.Buffer) }},
		maxPooled: maxPooled,
	}
}

// get returns an empty buffer with room for at least sizeHint bytes
func (p *bufferPool) get(sizeHint int64) *bytes.Buffer {
	buf := p.pool.Get().(*bytes.Buffer)
	buf.Reset()
	if sizeHint > 0 && sizeHint <= int64(p.maxPooled) {
		buf.Grow(int(sizeHint))
	}
	return buf
}

// put hands buf back. The caller must not touch buf or its bytes afterwards.
func (p *bufferPool) put(buf *bytes.Buffer) {
	if buf == nil || buf.Cap() > p.maxPooled {
		return
	}
	buf.Reset()
	p.pool.Put(buf)
}
