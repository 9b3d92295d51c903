package receiver

import (
	"io"
	"sync"

	"github.com/babelcloud/micstream/internal/audio"
)

// Sink consumes decoded packets
type Sink interface {
	WritePacket(p audio.Packet) error
	Close() error
}

// WriterSink writes the raw PCM bytes of every packet to w
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) WritePacket(p audio.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.w.Write(p.Data)
	return err
}

// Close closes the underlying writer when it is an io.Closer
func (s *WriterSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
