package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"
)

type uploadReceipt struct {
	ReceivedBytes int64 `json:"received_bytes"`
}

// drainBody reads r to EOF in increments of at most bufSize bytes and
// returns how many bytes it saw, including those read before a failure.
func drainBody(r io.Reader, bufSize int) (int64, error) {
	buf := make([]byte, bufSize)
	received := int64(0)

	for {
		n, err := r.Read(buf)
		received += int64(n)

		if err == io.EOF {
			return received, nil
		}
		if err != nil {
			return received, err
		}
	}
}

func uploadFailureStatus(err error) int {
	var maxBytesErr *http.MaxBytesError

	switch {
	case errors.As(err, &maxBytesErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, io.ErrUnexpectedEOF):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	setNoCacheHeaders(w.Header())

	body := io.Reader(r.Body)
	if s.cfg.UploadMaxSize > 0 {
		body = http.MaxBytesReader(w, r.Body, s.cfg.UploadMaxSize)
	}

	received, err := drainBody(body, s.cfg.ChunkSize)
	s.metrics.uploadBytes.Add(float64(received))

	if err != nil {
		s.metrics.aborts.WithLabelValues(directionUpload).Inc()
		s.logger.Warn("upload aborted",
			"remote", r.RemoteAddr,
			"received", received,
			"error", err)

		// the request context is already cancelled by the failed read, but a
		// half-closed client can still read the answer
		http.Error(w, errors.Wrap(err, "upload failed").Error(), uploadFailureStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(uploadReceipt{ReceivedBytes: received}); err != nil {
		s.logger.Debug("could not write upload receipt", "remote", r.RemoteAddr, "error", err)
	}
}
