// Package recorder persists step records produced by the bridge runner.
// Writing happens on a dedicated goroutine behind a bounded queue so a slow
// sink never stalls simulator stepping; when the queue is full the record is
// dropped and counted, never blocked on.
package recorder

import (
	"log/slog"
	"sync"

	"github.com/c360/simbridge/bridge"
	"github.com/c360/simbridge/metric"
)

// Sink is a destination for step records. Write is called from the recorder
// goroutine only.
type Sink interface {
	Write(rec bridge.StepRecord) error
	Close() error
}

const defaultQueueSize = 256

// Recorder buffers step records and writes them to a sink asynchronously.
// It implements bridge.Recorder.
type Recorder struct {
	sink    Sink
	logger  *slog.Logger
	metrics *metric.Metrics

	queue     chan bridge.StepRecord
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics attaches metrics for drop counting. Nil metrics are a no-op.
func WithMetrics(m *metric.Metrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

// WithQueueSize overrides the record queue capacity.
func WithQueueSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.queue = make(chan bridge.StepRecord, n)
		}
	}
}

// New creates a recorder writing to sink and starts its writer goroutine.
func New(sink Sink, opts ...Option) *Recorder {
	r := &Recorder{
		sink:   sink,
		logger: slog.Default(),
		queue:  make(chan bridge.StepRecord, defaultQueueSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.wg.Add(1)
	go r.writeLoop()
	return r
}

// Record queues one step record. It never blocks: if the queue is full the
// record is dropped and counted.
func (r *Recorder) Record(rec bridge.StepRecord) {
	select {
	case <-r.done:
		return
	default:
	}

	select {
	case r.queue <- rec:
	case <-r.done:
	default:
		r.metrics.RecordRecorderDrop()
		r.logger.Warn("recording queue full, dropping step",
			"episode", rec.Episode, "step", rec.Step)
	}
}

// Close drains queued records, stops the writer goroutine and closes the
// sink. Records submitted after Close are discarded.
func (r *Recorder) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
		err = r.sink.Close()
	})
	return err
}

func (r *Recorder) writeLoop() {
	defer r.wg.Done()
	for {
		select {
		case rec := <-r.queue:
			r.write(rec)
		case <-r.done:
			// Drain whatever was queued before the close.
			for {
				select {
				case rec := <-r.queue:
					r.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(rec bridge.StepRecord) {
	if err := r.sink.Write(rec); err != nil {
		r.logger.Error("step record write failed",
			"episode", rec.Episode, "step", rec.Step, "error", err)
	}
}
