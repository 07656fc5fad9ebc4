package recorder

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/c360/simbridge/bridge"
	"github.com/c360/simbridge/errors"
)

// NATSSink publishes step records to a NATS subject so downstream consumers
// can tail training runs live. Subject layout: recordings.{simulator}.
type NATSSink struct {
	nc      *nats.Conn
	subject string
}

// NewNATSSink creates a sink publishing on the given connection. The
// connection is owned by the caller and is not closed by the sink.
func NewNATSSink(nc *nats.Conn, simulatorName string) (*NATSSink, error) {
	if nc == nil {
		return nil, errors.Wrap(fmt.Errorf("nil connection"), "NATSSink", "NewNATSSink", "check connection")
	}
	return &NATSSink{
		nc:      nc,
		subject: fmt.Sprintf("recordings.%s", simulatorName),
	}, nil
}

// Write publishes one record.
func (s *NATSSink) Write(rec bridge.StepRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "NATSSink", "Write", "marshal step record")
	}
	if err := s.nc.Publish(s.subject, data); err != nil {
		return errors.Wrap(err, "NATSSink", "Write", fmt.Sprintf("publish to %s", s.subject))
	}
	return nil
}

// Close flushes pending publishes. The connection itself stays open.
func (s *NATSSink) Close() error {
	if err := s.nc.Flush(); err != nil {
		return errors.Wrap(err, "NATSSink", "Close", "flush connection")
	}
	return nil
}
