package streamtail

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Sink receives every fetched record, in per-shard arrival order.
type Sink interface {
	Emit(ctx context.Context, record Record) error
}

type SinkFunc func(ctx context.Context, record Record) error

func (f SinkFunc) Emit(ctx context.Context, record Record) error {
	return f(ctx, record)
}

// WriterSink writes each payload followed by a newline, with no other framing.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Emit(_ context.Context, record Record) error {
	return s.writeLine(record.Data)
}

func (s *WriterSink) writeLine(data []byte) error {
	line := make([]byte, 0, len(data)+1)
	line = append(line, data...)
	line = append(line, '\n')
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.w.Write(line)
	return err
}

// logstashMessage covers both layouts written by the logspout kinesis adapter:
// v0 keeps the text in "@message", v1 in "message".
type logstashMessage struct {
	Message   string `json:"message"`
	MessageV0 string `json:"@message"`
}

// LogstashSink prints only the message of logstash formatted payloads. Payloads that
// are not logstash JSON are written unchanged.
type LogstashSink struct {
	*WriterSink
}

func NewLogstashSink(w io.Writer) *LogstashSink {
	return &LogstashSink{WriterSink: NewWriterSink(w)}
}

func (s *LogstashSink) Emit(ctx context.Context, record Record) error {
	var msg logstashMessage
	if err := json.Unmarshal(record.Data, &msg); err != nil {
		LoggerFromContext(ctx).Debug("payload is not logstash json", "sequence", record.SequenceNumber, "error", err)
		return s.writeLine(record.Data)
	}
	switch {
	case msg.Message != "":
		return s.writeLine([]byte(msg.Message))
	case msg.MessageV0 != "":
		return s.writeLine([]byte(msg.MessageV0))
	}
	return s.writeLine(record.Data)
}

// NewFormatSink returns the sink for an output format name.
func NewFormatSink(format string, w io.Writer) (Sink, error) {
	switch format {
	case "", "raw":
		return NewWriterSink(w), nil
	case "logstash":
		return NewLogstashSink(w), nil
	}
	return nil, fmt.Errorf("unknown output format %q: %w", format, ErrInvalidConfiguration)
}
