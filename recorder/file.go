package recorder

import (
	"encoding/json"
	"io"
	"os"

	"github.com/c360/simbridge/bridge"
	"github.com/c360/simbridge/errors"
)

// FileSink appends step records to a writer as JSON lines.
type FileSink struct {
	w   io.WriteCloser
	enc *json.Encoder
}

// NewFileSink opens (or creates) the file at path for appending.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "FileSink", "NewFileSink", "open recording file")
	}
	return NewWriterSink(f), nil
}

// NewWriterSink wraps an arbitrary writer as a JSON-lines sink.
func NewWriterSink(w io.WriteCloser) *FileSink {
	return &FileSink{w: w, enc: json.NewEncoder(w)}
}

// Write appends one record as a single JSON line.
func (s *FileSink) Write(rec bridge.StepRecord) error {
	if err := s.enc.Encode(rec); err != nil {
		return errors.Wrap(err, "FileSink", "Write", "encode step record")
	}
	return nil
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	return s.w.Close()
}
