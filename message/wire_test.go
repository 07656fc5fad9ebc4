package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWireMessage_MarshalUnmarshal(t *testing.T) {
	msg, err := NewMessage(KindState, "sim-1", 7, "abc123", StatePayload{
		States: []StateItem{{Payload: []byte(`{"x":1}`), Reward: 0.5, Terminal: false}},
	})
	require.NoError(t, err)

	data, err := msg.Marshal()
	require.NoError(t, err)

	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, KindState, decoded.Kind)
	assert.Equal(t, "sim-1", decoded.SimulatorID)
	assert.Equal(t, uint64(7), decoded.Sequence)
	assert.Equal(t, "abc123", decoded.SchemaID)

	var payload StatePayload
	require.NoError(t, decoded.DecodePayload(&payload))
	require.Len(t, payload.States, 1)
	assert.Equal(t, 0.5, payload.States[0].Reward)
}

func TestUnmarshal_MalformedFrame(t *testing.T) {
	_, err := Unmarshal([]byte("\x00\x01garbage"))
	assert.Error(t, err)
}

func TestUnmarshal_UnknownKindRejected(t *testing.T) {
	_, err := Unmarshal([]byte(`{"kind":"telemetry","simulator_id":"sim-1","sequence":1}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telemetry")
}

func TestValidate_RequiresSimulatorID(t *testing.T) {
	m := &WireMessage{Kind: KindStop, Sequence: 1}
	assert.Error(t, m.Validate())
}

func TestDecodePayload_EmptyPayload(t *testing.T) {
	m := &WireMessage{Kind: KindPrediction, SimulatorID: "sim-1", Sequence: 2}
	var p PredictionPayload
	assert.Error(t, m.DecodePayload(&p))
}
