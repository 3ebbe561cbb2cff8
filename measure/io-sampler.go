package measure

import (
	"io"
	"sync"
	"time"
)

const (
	IOModeRead  = "read"
	IOModeWrite = "write"
)

type IOEvent struct {
	Timestamp time.Time
	Mode      string
	Size      int
}

type IOSampler struct {
	SizeRead    int64
	SizeWritten int64
	Events      []*IOEvent
}

// SamplingReaderWriter logs every call made on it. Reads are served from
// Source, writes are discarded.
type SamplingReaderWriter struct {
	IOSampler
	Source io.Reader

	closed    chan struct{}
	closeOnce sync.Once
}

func (s *SamplingReaderWriter) record(mode string, size int) {
	s.Events = append(s.Events, &IOEvent{
		Timestamp: time.Now(),
		Mode:      mode,
		Size:      size,
	})
}

func (r *SamplingReaderWriter) Read(p []byte) (int, error) {
	if r.Source == nil {
		return 0, io.EOF
	}

	size, err := r.Source.Read(p)

	r.record(IOModeRead, size)
	r.SizeRead += int64(size)

	return size, err
}

func (w *SamplingReaderWriter) Write(p []byte) (int, error) {
	size := len(p)

	w.record(IOModeWrite, size)
	w.SizeWritten += int64(size)

	return size, nil
}

// Close marks the end of use by whoever consumes the sampler as a request
// body. The event log is complete once Closed is done.
func (s *SamplingReaderWriter) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *SamplingReaderWriter) Closed() <-chan struct{} {
	return s.closed
}

func InitSamplingReaderWriter(source io.Reader) *SamplingReaderWriter {
	s := &SamplingReaderWriter{}

	s.SizeRead = 0
	s.SizeWritten = 0
	s.Events = []*IOEvent{}
	s.Source = source
	s.closed = make(chan struct{})

	return s
}
