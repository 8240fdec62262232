package pools

import (
	"bufio"
	"io"
	"sync"
	"sync/atomic"
)

// IOPool recycles fixed-size buffered readers and writers for connections
type IOPool struct {
	readers sync.Pool
	writers sync.Pool
	size    int

	// Statistics
	gets atomic.Uint64
	news atomic.Uint64
}

// NewIOPool creates a pool of readers and writers with size-byte buffers
func NewIOPool(size int) *IOPool {
	p := &IOPool{size: size}
	p.readers.New = func() any {
		p.news.Add(1)
		return bufio.NewReaderSize(nil, size)
	}
	p.writers.New = func() any {
		p.news.Add(1)
		return bufio.NewWriterSize(nil, size)
	}
	return p
}

// Size returns the buffer size of pooled readers and writers
func (p *IOPool) Size() int {
	return p.size
}

// GetReader returns a reader over r
func (p *IOPool) GetReader(r io.Reader) *bufio.Reader {
	p.gets.Add(1)
	br := p.readers.Get().(*bufio.Reader)
	br.Reset(r)
	return br
}

// PutReader returns br to the pool
func (p *IOPool) PutReader(br *bufio.Reader) {
	br.Reset(nil)
	p.readers.Put(br)
}

// GetWriter returns a writer over w
func (p *IOPool) GetWriter(w io.Writer) *bufio.Writer {
	p.gets.Add(1)
	bw := p.writers.Get().(*bufio.Writer)
	bw.Reset(w)
	return bw
}

// PutWriter returns bw to the pool; unflushed bytes are dropped
func (p *IOPool) PutWriter(bw *bufio.Writer) {
	bw.Reset(nil)
	p.writers.Put(bw)
}

// Stats returns pool statistics
func (p *IOPool) Stats() IOPoolStats {
	gets := p.gets.Load()
	news := p.news.Load()
	hitRate := 0.0
	if gets > 0 && news <= gets {
		hitRate = float64(gets-news) / float64(gets)
	}
	return IOPoolStats{
		BufferSize: p.size,
		Gets:       gets,
		News:       news,
		HitRate:    hitRate,
	}
}

// IOPoolStats contains pool statistics
type IOPoolStats struct {
	BufferSize int     `json:"buffer_size"`
	Gets       uint64  `json:"gets"`
	News       uint64  `json:"news"`
	HitRate    float64 `json:"hit_rate"`
}
