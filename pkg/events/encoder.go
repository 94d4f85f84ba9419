package events

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/delverhq/delver/internal/observability"
)

// Frame is the on-wire envelope for one event
type Frame struct {
	Type Type  `json:"type"`
	Seq  int64 `json:"seq"`
	Ts   int64 `json:"ts"`
	Data any   `json:"data,omitempty"`
}

// Sink receives encoded frames in production order
type Sink interface {
	WriteFrame(data []byte) error
}

// WriterSink adapts an io.Writer to a Sink, flushing after every frame when
// a flush function is provided (chunked HTTP responses).
type WriterSink struct {
	W     io.Writer
	Flush func()
}

// WriteFrame writes one newline-terminated frame
func (s *WriterSink) WriteFrame(data []byte) error {
	if _, err := s.W.Write(append(data, '\n')); err != nil {
		return err
	}
	if s.Flush != nil {
		s.Flush()
	}
	return nil
}

// Encoder converts events into ordered wire frames. It is total over every
// event variant and guarantees at most one terminal frame per stream.
type Encoder struct {
	sink Sink

	mu       sync.Mutex
	seq      int64
	terminal bool
}

// NewEncoder creates an encoder writing to the given sink
func NewEncoder(sink Sink) *Encoder {
	observability.EnsureRegistered()
	return &Encoder{sink: sink}
}

// Encode writes one event frame. Events after the terminal frame are
// rejected; a second terminal event is silently dropped so every caller on a
// failure path can attempt to close the stream without double-terminating it.
func (e *Encoder) Encode(ev Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.terminal {
		if ev.Terminal() {
			return nil
		}
		return fmt.Errorf("stream already terminated, dropping %s event", ev.Type)
	}

	e.seq++
	frame := Frame{
		Type: ev.Type,
		Seq:  e.seq,
		Ts:   time.Now().UnixMilli(),
		Data: ev.Data,
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal %s frame: %w", ev.Type, err)
	}

	if err := e.sink.WriteFrame(data); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", ev.Type, err)
	}

	observability.RecordFrame(string(ev.Type))
	if ev.Terminal() {
		e.terminal = true
	}
	return nil
}

// End emits the normal terminal frame
func (e *Encoder) End() error {
	return e.Encode(NewEnd())
}

// Fail emits the terminal error frame. It remains callable after any prior
// failure so an escaped run error can still close the stream cleanly.
func (e *Encoder) Fail(message string) error {
	return e.Encode(NewError(message))
}

// Terminated reports whether a terminal frame has been written
func (e *Encoder) Terminated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminal
}

// Seq returns the sequence number of the last written frame
func (e *Encoder) Seq() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq
}
