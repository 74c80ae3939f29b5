package streaming

import (
	"encoding/json"
	"sync"
	"time"
)

// Frame is one serialized event ready for transport. Seq is assigned in
// Send order, so consumers can rely on it for Last-Event-ID style resume.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Data      []byte
}

// Stream is a single-producer, single-consumer ordered event channel for
// one chat session. Send marshals and enqueues in strict program order and
// blocks when the consumer is slow; events are never dropped or reordered.
type Stream struct {
	ch chan Frame

	mu     sync.Mutex
	seq    uint64
	closed bool
}

// New creates a stream with the given channel buffer.
func New(buffer int) *Stream {
	if buffer <= 0 {
		buffer = 64
	}
	return &Stream{ch: make(chan Frame, buffer)}
}

// Send marshals v and enqueues it. Sending on a closed stream is a no-op so
// a producer racing a consumer disconnect does not panic mid-pipeline.
func (s *Stream) Send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.seq++
	frame := Frame{Seq: s.seq, Timestamp: time.Now(), Data: data}
	s.mu.Unlock()
	s.ch <- frame
}

// Frames returns the consumer side. The channel is closed by Close, after
// which the consumer should emit its stream terminator.
func (s *Stream) Frames() <-chan Frame {
	return s.ch
}

// Close marks the stream finished. Safe to call more than once.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
