package connection

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/simbridge/errors"
	"github.com/c360/simbridge/message"
	"github.com/c360/simbridge/pkg/retry"
	"github.com/c360/simbridge/schema"
)

// fakeTransport is an in-memory Transport driven by a scripted service.
type fakeTransport struct {
	toClient   chan []byte
	fromClient chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	recvErr    error // returned by Receive after close
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		toClient:   make(chan []byte, 16),
		fromClient: make(chan []byte, 16),
		done:       make(chan struct{}),
		recvErr:    io.ErrClosedPipe,
	}
}

func (t *fakeTransport) Send(data []byte) error {
	select {
	case <-t.done:
		return io.ErrClosedPipe
	case t.fromClient <- append([]byte(nil), data...):
		return nil
	}
}

func (t *fakeTransport) Receive() ([]byte, error) {
	select {
	case <-t.done:
		return nil, t.recvErr
	case data := <-t.toClient:
		return data, nil
	}
}

func (t *fakeTransport) Ping() error {
	select {
	case <-t.done:
		return io.ErrClosedPipe
	default:
		return nil
	}
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

// fakeService scripts the remote side of one transport.
type fakeService struct {
	t   *testing.T
	tr  *fakeTransport
	seq uint64
}

func (s *fakeService) send(kind message.Kind, payload any) {
	s.t.Helper()
	s.seq++
	s.sendSeq(kind, s.seq, payload)
}

func (s *fakeService) sendSeq(kind message.Kind, seq uint64, payload any) {
	s.t.Helper()
	msg, err := message.NewMessage(kind, "training-service", seq, "", payload)
	require.NoError(s.t, err)
	data, err := msg.Marshal()
	require.NoError(s.t, err)
	s.tr.toClient <- data
}

func (s *fakeService) recv() *message.WireMessage {
	s.t.Helper()
	select {
	case data := <-s.tr.fromClient:
		msg, err := message.Unmarshal(data)
		require.NoError(s.t, err)
		return msg
	case <-time.After(2 * time.Second):
		s.t.Fatal("timed out waiting for client message")
		return nil
	}
}

func testReady(sessionID string) message.ReadyPayload {
	return message.ReadyPayload{
		SessionID: sessionID,
		StateSchema: &schema.Descriptor{Name: "state", Version: "v1", Fields: []schema.Field{
			{Name: "x", Position: 0, Kind: schema.KindFloat},
		}},
		PredictionSchema: &schema.Descriptor{Name: "action", Version: "v1", Fields: []schema.Field{
			{Name: "force", Position: 0, Kind: schema.KindFloat},
		}},
	}
}

// acceptRegistration performs the service side of the handshake.
func (s *fakeService) acceptRegistration(sessionID string) {
	s.t.Helper()
	reg := s.recv()
	require.Equal(s.t, message.KindRegister, reg.Kind)
	require.Equal(s.t, uint64(1), reg.Sequence)
	s.send(message.KindReady, testReady(sessionID))
}

// startClient connects a client against a scripted service, running the
// service handshake concurrently.
func startClient(t *testing.T, opts ...Option) (*Client, *fakeService) {
	t.Helper()

	tr := newFakeTransport()
	svc := &fakeService{t: t, tr: tr}
	dial := func(context.Context, string, string, *tls.Config) (Transport, error) {
		return tr, nil
	}

	all := append([]Option{
		WithDialer(dial),
		WithPingInterval(0),
		WithRetryConfig(retry.Config{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}),
	}, opts...)

	c := NewClient("ws://service.test/sim", "test-key", "cartpole", schema.NewRegistry(), all...)

	go svc.acceptRegistration("session-1")
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c, svc
}

func TestStart_HandshakeEstablishesSession(t *testing.T) {
	c, _ := startClient(t)

	assert.Equal(t, StateReady, c.State())
	assert.Equal(t, "session-1", c.SessionID())
	require.NotNil(t, c.StateSchema())
	require.NotNil(t, c.PredictionSchema())
	assert.Nil(t, c.PropertiesSchema())
	assert.NotEmpty(t, c.SimulatorID())
}

func TestStart_AuthenticationFailureIsNotRetried(t *testing.T) {
	dials := 0
	dial := func(_ context.Context, endpoint, _ string, _ *tls.Config) (Transport, error) {
		dials++
		return nil, &errors.AuthenticationError{Endpoint: endpoint, Err: fmt.Errorf("401")}
	}

	c := NewClient("ws://service.test/sim", "bad-key", "cartpole", schema.NewRegistry(), WithDialer(dial))
	err := c.Start(context.Background())

	require.Error(t, err)
	var authErr *errors.AuthenticationError
	assert.ErrorAs(t, err, &authErr)
	assert.Equal(t, 1, dials)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestStart_Twice(t *testing.T) {
	c, _ := startClient(t)
	assert.ErrorIs(t, c.Start(context.Background()), errors.ErrAlreadyStarted)
}

func TestSubmitReceive_StepRoundTrip(t *testing.T) {
	c, svc := startClient(t)

	statePayload := message.StatePayload{States: []message.StateItem{
		{Payload: []byte(`{"x":1.5}`), Reward: 0.0, Terminal: false},
	}}
	require.NoError(t, c.Submit(message.KindState, c.StateSchema().Fingerprint(), statePayload))
	assert.Equal(t, StateRunning, c.State(), "first state starts the running phase")

	out := svc.recv()
	assert.Equal(t, message.KindState, out.Kind)
	assert.Equal(t, uint64(2), out.Sequence, "state follows the register message")

	svc.send(message.KindPrediction, message.PredictionPayload{
		Actions: []json.RawMessage{[]byte(`{"force":0.7}`)},
	})

	reply, err := c.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, message.KindPrediction, reply.Kind)
}

// stalledTransport blocks Send after the handshake so queued messages
// back up behind it.
type stalledTransport struct {
	*fakeTransport
	gate chan struct{}
}

func (t *stalledTransport) Send(data []byte) error {
	if err := t.fakeTransport.Send(data); err != nil {
		return err
	}
	select {
	case <-t.gate:
	case <-t.done:
	}
	return nil
}

func TestSubmit_SecondInFlightStateFailsFast(t *testing.T) {
	inner := newFakeTransport()
	tr := &stalledTransport{fakeTransport: inner, gate: make(chan struct{}, 1)}
	tr.gate <- struct{}{} // let the register message through
	dial := func(context.Context, string, string, *tls.Config) (Transport, error) {
		return tr, nil
	}

	svc := &fakeService{t: t, tr: inner}
	go svc.acceptRegistration("session-1")

	c := NewClient("ws://service.test/sim", "key", "cartpole", schema.NewRegistry(),
		WithDialer(dial), WithPingInterval(0))
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	payload := message.StatePayload{States: []message.StateItem{{Payload: []byte(`{"x":1}`)}}}

	// First submit parks the network goroutine in Send, the second may sit
	// in the queue, the third must be refused outright.
	var protoErr *errors.InternalProtocolError
	var err error
	for i := 0; i < 3; i++ {
		if err = c.Submit(message.KindState, "", payload); err != nil {
			break
		}
	}
	require.ErrorAs(t, err, &protoErr)
	assert.Contains(t, protoErr.Detail, "outbound queue full")
	close(tr.gate)
}

func TestSubmitWait_BlocksUntilQueueDrains(t *testing.T) {
	inner := newFakeTransport()
	tr := &stalledTransport{fakeTransport: inner, gate: make(chan struct{}, 1)}
	tr.gate <- struct{}{} // let the register message through
	dial := func(context.Context, string, string, *tls.Config) (Transport, error) {
		return tr, nil
	}

	svc := &fakeService{t: t, tr: inner}
	go svc.acceptRegistration("session-1")

	c := NewClient("ws://service.test/sim", "key", "cartpole", schema.NewRegistry(),
		WithDialer(dial), WithPingInterval(0))
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	payload := message.StatePayload{States: []message.StateItem{{Payload: []byte(`{"x":1}`)}}}

	// Occupy the network goroutine and the queue, the way a terminal state
	// followed by a fresh episode does.
	require.NoError(t, c.Submit(message.KindState, "", payload))
	require.NoError(t, c.SubmitWait(context.Background(), message.KindState, "", payload))

	done := make(chan error, 1)
	go func() {
		done <- c.SubmitWait(context.Background(), message.KindState, "", payload)
	}()

	select {
	case err := <-done:
		t.Fatalf("SubmitWait returned %v while the queue was full", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(tr.gate) // unpark the network goroutine
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("SubmitWait never completed after the queue drained")
	}
}

func TestSubmitWait_CancelledContext(t *testing.T) {
	inner := newFakeTransport()
	tr := &stalledTransport{fakeTransport: inner, gate: make(chan struct{}, 1)}
	tr.gate <- struct{}{}
	dial := func(context.Context, string, string, *tls.Config) (Transport, error) {
		return tr, nil
	}

	svc := &fakeService{t: t, tr: inner}
	go svc.acceptRegistration("session-1")

	c := NewClient("ws://service.test/sim", "key", "cartpole", schema.NewRegistry(),
		WithDialer(dial), WithPingInterval(0))
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	payload := message.StatePayload{States: []message.StateItem{{Payload: []byte(`{"x":1}`)}}}
	require.NoError(t, c.Submit(message.KindState, "", payload))
	require.NoError(t, c.SubmitWait(context.Background(), message.KindState, "", payload))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.SubmitWait(ctx, message.KindState, "", payload)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(tr.gate)
}

func TestSubmit_NotConnected(t *testing.T) {
	c := NewClient("ws://service.test/sim", "key", "cartpole", schema.NewRegistry())
	err := c.Submit(message.KindState, "", message.StatePayload{})
	assert.ErrorIs(t, err, errors.ErrNotConnected)
}

func TestReceive_DeadlineFaultsSession(t *testing.T) {
	c, _ := startClient(t)

	_, err := c.Receive(context.Background(), 20*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrStepDeadline)
	assert.True(t, errors.IsFatal(err))
	assert.Equal(t, StateFaulted, c.State())
}

func TestSequenceViolation_TriggersReconnect(t *testing.T) {
	var dials atomic.Int32
	transports := make(chan *fakeTransport, 4)
	dial := func(context.Context, string, string, *tls.Config) (Transport, error) {
		dials.Add(1)
		tr := newFakeTransport()
		transports <- tr
		return tr, nil
	}

	// Service accepts every registration so reconnects succeed.
	go func() {
		session := 0
		for tr := range transports {
			session++
			svc := &fakeService{t: t, tr: tr}
			svc.acceptRegistration(fmt.Sprintf("session-%d", session))
			if session == 1 {
				// Skip a sequence number: protocol violation.
				svc.sendSeq(message.KindPrediction, 5, message.PredictionPayload{
					Actions: []json.RawMessage{[]byte(`{"force":1}`)},
				})
			}
		}
	}()

	c := NewClient("ws://service.test/sim", "key", "cartpole", schema.NewRegistry(),
		WithDialer(dial),
		WithPingInterval(0),
		WithRetryConfig(retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}),
	)
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	// The violated sequence faults the session; reconnect succeeds and the
	// runner is told to abort the in-flight episode.
	msg, err := c.Receive(context.Background(), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, message.KindStop, msg.Kind)
	assert.GreaterOrEqual(t, dials.Load(), int32(2))

	require.Eventually(t, func() bool { return c.State() == StateReady },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, "session-2", c.SessionID())
}

func TestDisconnect_ExhaustsBudgetAndSurfacesConnectionLost(t *testing.T) {
	var dials atomic.Int32
	first := newFakeTransport()
	dial := func(_ context.Context, endpoint, _ string, _ *tls.Config) (Transport, error) {
		if dials.Add(1) == 1 {
			return first, nil
		}
		return nil, &errors.ConnectError{Endpoint: endpoint, Err: fmt.Errorf("connection refused")}
	}

	svc := &fakeService{t: t, tr: first}
	go svc.acceptRegistration("session-1")

	c := NewClient("ws://service.test/sim", "key", "cartpole", schema.NewRegistry(),
		WithDialer(dial),
		WithPingInterval(0),
		WithRetryConfig(retry.Config{MaxAttempts: 3, InitialDelay: 2 * time.Millisecond, MaxDelay: 10 * time.Millisecond}),
	)
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	// Kill the transport mid-session.
	_ = first.Close()

	_, err := c.Receive(context.Background(), 5*time.Second)
	require.Error(t, err)

	var lostErr *errors.ConnectionLostError
	require.ErrorAs(t, err, &lostErr)
	assert.Equal(t, 3, lostErr.Attempts)
	assert.Equal(t, int32(4), dials.Load(), "one initial dial plus the full reconnect budget")
	assert.Equal(t, StateDisconnected, c.State())
}

func TestCleanRemoteClose_DisconnectsWithoutReconnect(t *testing.T) {
	var dials atomic.Int32
	tr := newFakeTransport()
	tr.recvErr = io.EOF
	dial := func(context.Context, string, string, *tls.Config) (Transport, error) {
		dials.Add(1)
		return tr, nil
	}

	svc := &fakeService{t: t, tr: tr}
	go svc.acceptRegistration("session-1")

	c := NewClient("ws://service.test/sim", "key", "cartpole", schema.NewRegistry(),
		WithDialer(dial), WithPingInterval(0))
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	_ = tr.Close()

	_, err := c.Receive(context.Background(), time.Second)
	assert.ErrorIs(t, err, errors.ErrClosed)
	assert.NoError(t, c.Err(), "a clean close is not a fault")
	assert.Equal(t, int32(1), dials.Load())

	require.Eventually(t, func() bool { return c.State() == StateDisconnected },
		time.Second, 5*time.Millisecond)
}

func TestClose_Idempotent(t *testing.T) {
	c, _ := startClient(t)
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestHandshake_ServiceErrorMapsToAuth(t *testing.T) {
	tr := newFakeTransport()
	dial := func(context.Context, string, string, *tls.Config) (Transport, error) {
		return tr, nil
	}

	svc := &fakeService{t: t, tr: tr}
	go func() {
		svc.recv()
		svc.send(message.KindError, message.ErrorPayload{Code: "unauthorized", Message: "bad key"})
	}()

	c := NewClient("ws://service.test/sim", "key", "cartpole", schema.NewRegistry(), WithDialer(dial))
	err := c.Start(context.Background())

	var authErr *errors.AuthenticationError
	require.ErrorAs(t, err, &authErr)
}

func TestHandshake_MissingStepSchemasIsFatal(t *testing.T) {
	for _, drop := range []string{"state", "prediction"} {
		t.Run(drop, func(t *testing.T) {
			tr := newFakeTransport()
			dial := func(context.Context, string, string, *tls.Config) (Transport, error) {
				return tr, nil
			}

			svc := &fakeService{t: t, tr: tr}
			go func() {
				svc.recv()
				ready := testReady("session-1")
				if drop == "state" {
					ready.StateSchema = nil
				} else {
					ready.PredictionSchema = nil
				}
				svc.send(message.KindReady, ready)
			}()

			c := NewClient("ws://service.test/sim", "key", "cartpole", schema.NewRegistry(), WithDialer(dial))
			err := c.Start(context.Background())

			var schemaErr *errors.SchemaError
			require.ErrorAs(t, err, &schemaErr)
			assert.Equal(t, drop, schemaErr.Schema)
			assert.Equal(t, StateDisconnected, c.State())
		})
	}
}

func TestHandshake_UnboundSchemaIsFatal(t *testing.T) {
	tr := newFakeTransport()
	dial := func(context.Context, string, string, *tls.Config) (Transport, error) {
		return tr, nil
	}

	svc := &fakeService{t: t, tr: tr}
	go func() {
		svc.recv()
		ready := testReady("session-1")
		ready.StateSchema.Fields[0].Kind = schema.Kind("quaternion")
		svc.send(message.KindReady, ready)
	}()

	c := NewClient("ws://service.test/sim", "key", "cartpole", schema.NewRegistry(), WithDialer(dial))
	err := c.Start(context.Background())

	var schemaErr *errors.SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.True(t, errors.IsFatal(err))
}
