package chunk

import (
	"io"
)

type reader struct {
	gen     *Generator
	pending []byte
}

// NewReader exposes a generator as an io.Reader, e.g. as an upload body.
func NewReader(gen *Generator) io.Reader {
	return &reader{gen: gen}
}

func (r *reader) Read(p []byte) (int, error) {
	if len(r.pending) == 0 {
		block, ok := r.gen.Next()
		if !ok {
			return 0, io.EOF
		}
		r.pending = block
	}

	n := copy(p, r.pending)
	r.pending = r.pending[n:]

	return n, nil
}
