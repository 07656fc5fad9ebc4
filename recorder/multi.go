package recorder

import (
	stderrors "errors"

	"github.com/c360/simbridge/bridge"
)

// MultiSink fans each record out to several sinks. A failing sink does not
// stop the others; Write returns the joined errors.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink combines sinks into one.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Write delivers the record to every sink.
func (s *MultiSink) Write(rec bridge.StepRecord) error {
	var errs []error
	for _, sink := range s.sinks {
		if err := sink.Write(rec); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// Close closes every sink.
func (s *MultiSink) Close() error {
	var errs []error
	for _, sink := range s.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
