// Package chunk produces bounded, lazily generated streams of pseudo-random
// bytes for throughput measurements.
package chunk

import (
	"encoding/binary"
	"io"
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
)

const (
	DefaultSize = 1024 * 1024 // 1 MiB
)

var (
	ErrInvalidChunkSize = errors.New("chunk size must be positive")
	ErrNegativeTotal    = errors.New("total must not be negative")
	ErrTotalOverflow    = errors.New("total does not fit in 64 bits")
)

// Generator yields blocks of at most chunkSize bytes until its budget is spent.
// The slice returned by Next is reused by the following call, so at most one
// block is held in memory at a time. A Generator is not safe for concurrent
// use and cannot be restarted.
type Generator struct {
	src       *rand.ChaCha8
	buf       []byte
	total     int64
	remaining int64
}

// NewBySize returns a generator producing exactly total bytes. The last block
// is shorter than chunkSize when total is not a multiple of it.
func NewBySize(chunkSize int, total int64) (*Generator, error) {
	if chunkSize <= 0 {
		return nil, errors.Wrapf(ErrInvalidChunkSize, "got %d", chunkSize)
	}
	if total < 0 {
		return nil, errors.Wrapf(ErrNegativeTotal, "got %d", total)
	}

	bufSize := int64(chunkSize)
	if total < bufSize {
		bufSize = total
	}

	return &Generator{
		src:       rand.NewChaCha8(newSeed()),
		buf:       make([]byte, bufSize),
		total:     total,
		remaining: total,
	}, nil
}

// NewByCount returns a generator producing exactly count blocks of chunkSize bytes.
func NewByCount(chunkSize int, count int64) (*Generator, error) {
	if count < 0 {
		return nil, errors.Wrapf(ErrNegativeTotal, "chunk count %d", count)
	}
	if chunkSize > 0 && count > math.MaxInt64/int64(chunkSize) {
		return nil, errors.Wrapf(ErrTotalOverflow, "%d chunks of %d bytes", count, chunkSize)
	}

	return NewBySize(chunkSize, int64(chunkSize)*count)
}

func newSeed() [32]byte {
	var seed [32]byte

	for offset := 0; offset < len(seed); offset += 8 {
		binary.LittleEndian.PutUint64(seed[offset:], rand.Uint64())
	}

	return seed
}

// Next fills and returns the next block. It reports false once the budget is spent.
func (g *Generator) Next() ([]byte, bool) {
	if g.remaining <= 0 {
		return nil, false
	}

	size := int64(len(g.buf))
	if g.remaining < size {
		size = g.remaining
	}
	block := g.buf[:size]

	// ChaCha8.Read never fails
	_, _ = g.src.Read(block)
	g.remaining -= size

	return block, true
}

func (g *Generator) Total() int64 {
	return g.total
}

func (g *Generator) Remaining() int64 {
	return g.remaining
}

// WriteTo pulls blocks one at a time and hands each to w, so a blocking writer
// holds back production. It stops at the first write error.
func (g *Generator) WriteTo(w io.Writer) (int64, error) {
	written := int64(0)

	for block, ok := g.Next(); ok; block, ok = g.Next() {
		n, err := w.Write(block)
		written += int64(n)
		if err != nil {
			return written, err
		}
		if n < len(block) {
			return written, io.ErrShortWrite
		}
	}

	return written, nil
}
