package message

import (
	"encoding/json"
	"fmt"

	"github.com/c360/simbridge/errors"
	"github.com/c360/simbridge/schema"
)

// Kind tags the variant of a wire message.
type Kind string

// Wire message kinds. Register/Ready form the handshake; State/Prediction
// carry the steady-state step exchange; Stop and Error may be sent by either
// side.
const (
	KindRegister   Kind = "register"
	KindReady      Kind = "ready"
	KindState      Kind = "state"
	KindPrediction Kind = "prediction"
	KindStop       Kind = "stop"
	KindError      Kind = "error"
)

// IsValid reports whether the kind is part of the protocol.
func (k Kind) IsValid() bool {
	switch k {
	case KindRegister, KindReady, KindState, KindPrediction, KindStop, KindError:
		return true
	}
	return false
}

// WireMessage is the envelope for every frame exchanged with the service.
// Sequence numbers are strictly increasing per session and observed by both
// ends; a gap or regression is a protocol violation.
type WireMessage struct {
	Kind        Kind            `json:"kind"`
	SimulatorID string          `json:"simulator_id"`
	Sequence    uint64          `json:"sequence"`
	SchemaID    string          `json:"schema_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Validate checks the envelope for structural correctness.
func (m *WireMessage) Validate() error {
	if !m.Kind.IsValid() {
		return errors.Wrap(fmt.Errorf("unknown kind %q", m.Kind), "WireMessage", "Validate", "check kind")
	}
	if m.SimulatorID == "" {
		return errors.Wrap(fmt.Errorf("empty simulator id"), "WireMessage", "Validate", "check simulator id")
	}
	return nil
}

// Marshal serializes the envelope for the transport.
func (m *WireMessage) Marshal() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Unmarshal deserializes an envelope received from the transport. A frame
// that does not parse or fails validation is reported as a malformed frame;
// the connection treats that as a protocol fault, never as caller data.
func Unmarshal(data []byte) (*WireMessage, error) {
	var m WireMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "WireMessage", "Unmarshal", "parse frame")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// RegisterPayload is sent by the client to open a session.
type RegisterPayload struct {
	SimulatorName string `json:"simulator_name"`
}

// ReadyPayload is the service's registration acknowledgement: the assigned
// session identifier plus the schema set for the session. StateSchema
// describes outbound state payloads, PredictionSchema inbound actions, and
// PropertiesSchema optional episode configuration pushes.
type ReadyPayload struct {
	SessionID        string             `json:"session_id"`
	StateSchema      *schema.Descriptor `json:"state_schema,omitempty"`
	PredictionSchema *schema.Descriptor `json:"prediction_schema,omitempty"`
	PropertiesSchema *schema.Descriptor `json:"properties_schema,omitempty"`
}

// StateItem is one observation inside a State message.
type StateItem struct {
	Payload  json.RawMessage `json:"payload"`
	Reward   float64         `json:"reward"`
	Terminal bool            `json:"terminal"`
	// ActionTaken echoes the action that produced this state, when known.
	ActionTaken json.RawMessage `json:"action_taken,omitempty"`
}

// StatePayload carries one or more observations in step order.
type StatePayload struct {
	States []StateItem `json:"states"`
}

// PredictionPayload carries one or more predicted actions in step order.
type PredictionPayload struct {
	Actions []json.RawMessage `json:"actions"`
	// Properties, when present, reconfigures the simulator for the next
	// episode.
	Properties json.RawMessage `json:"properties,omitempty"`
}

// StopPayload ends the current episode.
type StopPayload struct {
	Reason string `json:"reason,omitempty"`
}

// ErrorPayload reports a failure from either side.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DecodePayload unmarshals the envelope payload into dst, reporting a
// malformed frame on failure.
func (m *WireMessage) DecodePayload(dst any) error {
	if len(m.Payload) == 0 {
		return errors.Wrap(fmt.Errorf("empty %s payload", m.Kind), "WireMessage", "DecodePayload", "check payload")
	}
	if err := json.Unmarshal(m.Payload, dst); err != nil {
		return errors.Wrap(err, "WireMessage", "DecodePayload", fmt.Sprintf("parse %s payload", m.Kind))
	}
	return nil
}

// NewMessage builds an envelope with a marshalled payload.
func NewMessage(kind Kind, simulatorID string, seq uint64, schemaID string, payload any) (*WireMessage, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrap(err, "WireMessage", "NewMessage", "marshal payload")
		}
		raw = data
	}
	return &WireMessage{
		Kind:        kind,
		SimulatorID: simulatorID,
		Sequence:    seq,
		SchemaID:    schemaID,
		Payload:     raw,
	}, nil
}
