package server

import (
	"context"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"

	"github.com/pkg/errors"

	"github.com/makotom/netspeed/chunk"
)

var ErrInvalidParameter = errors.New("invalid parameter")

func parseNonNegative(query url.Values, name string) (int64, bool, error) {
	raw, ok := query[name]
	if !ok {
		return 0, false, nil
	}

	value, err := strconv.ParseInt(raw[0], 10, 64)
	if err != nil || value < 0 {
		return 0, true, errors.Wrapf(ErrInvalidParameter, "%s must be a non-negative integer, got %q", name, raw[0])
	}

	return value, true, nil
}

// downloadGenerator builds the generator for a request: by byte count with
// ?size=, by chunk count with ?chunks=, or the configured default size.
func (s *Server) downloadGenerator(query url.Values) (*chunk.Generator, error) {
	size, hasSize, err := parseNonNegative(query, "size")
	if err != nil {
		return nil, err
	}
	chunks, hasChunks, err := parseNonNegative(query, "chunks")
	if err != nil {
		return nil, err
	}

	if hasSize && hasChunks {
		return nil, errors.Wrap(ErrInvalidParameter, "size and chunks are mutually exclusive")
	}

	if hasChunks {
		if chunks > math.MaxInt64/int64(s.cfg.ChunkSize) {
			return nil, errors.Wrapf(ErrInvalidParameter, "chunks %d too large", chunks)
		}
		size = chunks * int64(s.cfg.ChunkSize)
	} else if !hasSize {
		size = s.cfg.DownloadDefaultSize
	}

	if s.cfg.DownloadMaxSize > 0 && size > s.cfg.DownloadMaxSize {
		return nil, errors.Wrapf(ErrInvalidParameter, "requested %d bytes exceeds the limit of %d", size, s.cfg.DownloadMaxSize)
	}

	if hasChunks {
		return chunk.NewByCount(s.cfg.ChunkSize, chunks)
	}
	return chunk.NewBySize(s.cfg.ChunkSize, size)
}

// contextWriter refuses further writes once the request context is done, so
// a vanished client stops generation after at most one more chunk.
type contextWriter struct {
	ctx context.Context
	w   io.Writer
}

func (cw *contextWriter) Write(p []byte) (int, error) {
	if err := cw.ctx.Err(); err != nil {
		return 0, err
	}

	return cw.w.Write(p)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	gen, err := s.downloadGenerator(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	header := w.Header()
	setNoCacheHeaders(header)
	header.Set("Content-Type", "application/octet-stream")
	header.Set("Content-Length", strconv.FormatInt(gen.Total(), 10))
	w.WriteHeader(http.StatusOK)

	written, err := gen.WriteTo(&contextWriter{ctx: r.Context(), w: w})
	s.metrics.downloadBytes.Add(float64(written))

	if err != nil {
		s.metrics.aborts.WithLabelValues(directionDownload).Inc()
		s.logger.Warn("download aborted",
			"remote", r.RemoteAddr,
			"sent", written,
			"size", gen.Total(),
			"error", err)
	}
}
