package proxy

import (
	"io"
	"sync"
)

// relayBufferSize matches io.Copy's default buffer.
const relayBufferSize = 32 << 10

// bufferPool recycles the copy buffers of finished relays.
type bufferPool struct {
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	bp := &bufferPool{}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return bp
}

func (p *bufferPool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

func (p *bufferPool) Put(b *[]byte) {
	p.pool.Put(b)
}

var relayBuffers = newBufferPool(relayBufferSize)

// copyPooled is io.Copy with a buffer from relayBuffers.
func copyPooled(dst io.Writer, src io.Reader) (int64, error) {
	buf := relayBuffers.Get()
	defer relayBuffers.Put(buf)
	return io.CopyBuffer(dst, src, *buf)
}
