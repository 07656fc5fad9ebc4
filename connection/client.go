// Package connection owns the transport session with the training service:
// dialing, the registration handshake, the session state machine, reconnect
// with bounded backoff, and the network goroutine through which every
// transport read and write flows. No other package touches the transport.
package connection

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/c360/simbridge/errors"
	"github.com/c360/simbridge/message"
	"github.com/c360/simbridge/metric"
	"github.com/c360/simbridge/pkg/retry"
	"github.com/c360/simbridge/schema"
)

// Client manages one logical session between a simulator and the training
// service. It is paired with exactly one episode runner: Submit has a
// single-producer contract and Receive a single-consumer one, which is what
// lets both queues run at capacity 1.
type Client struct {
	endpoint    string
	credential  string
	simName     string
	simulatorID string

	registry *schema.Registry
	logger   *slog.Logger
	metrics  *metric.Metrics

	dial         Dialer
	tlsCfg       *tls.Config
	retryCfg     retry.Config
	pingInterval time.Duration
	drainTimeout time.Duration

	state atomic.Int32

	// outbound and inbound realize the I/O bridge between the simulation
	// goroutine and the network goroutine. Capacity 1 per direction is
	// sufficient because the protocol is strictly request/reply per step;
	// a full queue is an ordering bug, not backpressure.
	outbound chan *message.WireMessage
	inbound  chan *message.WireMessage

	mu               sync.Mutex
	transport        Transport
	sessionID        string
	stateSchema      *schema.Schema
	predictionSchema *schema.Schema
	propertiesSchema *schema.Schema

	seqOut uint64 // owned by the Submit caller
	seqIn  uint64 // owned by the network goroutine

	cancel  context.CancelFunc
	done    chan struct{}
	started atomic.Bool
	closed  atomic.Bool

	fatalMu  sync.Mutex
	fatalErr error
}

type readResult struct {
	data []byte
	err  error
}

// isCleanClose reports whether a transport error represents an orderly
// remote shutdown rather than a fault.
func isCleanClose(err error) bool {
	var closeErr *websocket.CloseError
	if stderrors.As(err, &closeErr) {
		return closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway
	}
	return stderrors.Is(err, io.EOF)
}

// NewClient creates a connection manager for the given endpoint. The
// credential is presented during the transport handshake; the simulator name
// identifies this client to the service and the generated simulator ID stays
// stable for the process lifetime.
func NewClient(endpoint, credential, simulatorName string, registry *schema.Registry, opts ...Option) *Client {
	c := &Client{
		endpoint:     endpoint,
		credential:   credential,
		simName:      simulatorName,
		simulatorID:  uuid.New().String(),
		registry:     registry,
		logger:       slog.Default(),
		dial:         DialWebsocket,
		retryCfg:     retry.DefaultConfig(),
		pingInterval: 30 * time.Second,
		drainTimeout: 5 * time.Second,
		outbound:     make(chan *message.WireMessage, 1),
		inbound:      make(chan *message.WireMessage, 1),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current session state.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
	c.metrics.RecordSessionState(int(s))
	c.logger.Debug("session state changed", "component", "connection", "state", s.String())
}

// SimulatorID returns the client-generated simulator identifier.
func (c *Client) SimulatorID() string { return c.simulatorID }

// SessionID returns the service-assigned session identifier, empty before
// registration completes.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// StateSchema returns the schema bound for outbound state payloads.
func (c *Client) StateSchema() *schema.Schema {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateSchema
}

// PredictionSchema returns the schema bound for inbound action payloads.
func (c *Client) PredictionSchema() *schema.Schema {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.predictionSchema
}

// PropertiesSchema returns the schema for episode configuration pushes, nil
// if the service did not advertise one.
func (c *Client) PropertiesSchema() *schema.Schema {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.propertiesSchema
}

// Err returns the fatal error that ended the session, if any.
func (c *Client) Err() error {
	c.fatalMu.Lock()
	defer c.fatalMu.Unlock()
	return c.fatalErr
}

func (c *Client) setFatal(err error) {
	c.fatalMu.Lock()
	defer c.fatalMu.Unlock()
	if c.fatalErr == nil {
		c.fatalErr = err
	}
}

// Start opens the transport, performs the registration handshake and starts
// the network goroutine. It returns once the session is Ready. The initial
// connect is not retried: a failure here is surfaced directly as an
// AuthenticationError or ConnectError.
func (c *Client) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.ErrAlreadyStarted
	}

	if err := c.connect(ctx); err != nil {
		c.setState(StateDisconnected)
		c.setFatal(err)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.run(runCtx)

	c.logger.Info("session established",
		"component", "connection",
		"session_id", c.SessionID(),
		"simulator_id", c.simulatorID)
	return nil
}

// connect dials the transport and performs the Register/Ready handshake.
func (c *Client) connect(ctx context.Context) error {
	c.setState(StateConnecting)

	t, err := c.dial(ctx, c.endpoint, c.credential, c.tlsCfg)
	if err != nil {
		return err
	}

	c.setState(StateRegistering)
	if err := c.handshake(t); err != nil {
		_ = t.Close()
		return err
	}

	c.mu.Lock()
	c.transport = t
	c.mu.Unlock()

	c.setState(StateReady)
	return nil
}

// handshake sends Register and binds the schema set from the service's Ready
// acknowledgement. Sequence counters restart per session.
func (c *Client) handshake(t Transport) error {
	atomic.StoreUint64(&c.seqOut, 0)
	c.seqIn = 0

	reg, err := message.NewMessage(
		message.KindRegister,
		c.simulatorID,
		atomic.AddUint64(&c.seqOut, 1),
		"",
		message.RegisterPayload{SimulatorName: c.simName},
	)
	if err != nil {
		return errors.Wrap(err, "Client", "handshake", "build register message")
	}
	data, err := reg.Marshal()
	if err != nil {
		return errors.Wrap(err, "Client", "handshake", "marshal register message")
	}
	if err := t.Send(data); err != nil {
		return &errors.ConnectError{Endpoint: c.endpoint, Err: err}
	}
	c.metrics.RecordSent(string(message.KindRegister))

	replyData, err := t.Receive()
	if err != nil {
		return &errors.ConnectError{Endpoint: c.endpoint, Err: err}
	}
	reply, err := message.Unmarshal(replyData)
	if err != nil {
		return &errors.ConnectError{Endpoint: c.endpoint, Err: err}
	}
	c.metrics.RecordReceived(string(reply.Kind))

	switch reply.Kind {
	case message.KindReady:
	case message.KindError:
		var ep message.ErrorPayload
		if err := reply.DecodePayload(&ep); err != nil {
			return &errors.ConnectError{Endpoint: c.endpoint, Err: err}
		}
		if ep.Code == "unauthorized" || ep.Code == "forbidden" {
			return &errors.AuthenticationError{
				Endpoint: c.endpoint,
				Err:      fmt.Errorf("%s: %s", ep.Code, ep.Message),
			}
		}
		return &errors.ConnectError{
			Endpoint: c.endpoint,
			Err:      fmt.Errorf("service error %s: %s", ep.Code, ep.Message),
		}
	default:
		return &errors.ConnectError{
			Endpoint: c.endpoint,
			Err:      fmt.Errorf("expected ready acknowledgement, got %s", reply.Kind),
		}
	}

	if reply.Sequence != 1 {
		return &errors.ConnectError{
			Endpoint: c.endpoint,
			Err:      fmt.Errorf("handshake sequence %d, want 1", reply.Sequence),
		}
	}
	c.seqIn = 1

	var ready message.ReadyPayload
	if err := reply.DecodePayload(&ready); err != nil {
		return &errors.ConnectError{Endpoint: c.endpoint, Err: err}
	}
	if ready.SessionID == "" {
		return &errors.ConnectError{
			Endpoint: c.endpoint,
			Err:      fmt.Errorf("ready acknowledgement without session id"),
		}
	}

	// State and prediction schemas are what the whole step protocol runs
	// on; a Ready acknowledgement without them is unusable.
	if ready.StateSchema == nil {
		return &errors.SchemaError{Schema: "state", Reason: "missing from ready acknowledgement"}
	}
	if ready.PredictionSchema == nil {
		return &errors.SchemaError{Schema: "prediction", Reason: "missing from ready acknowledgement"}
	}

	stateSchema, err := c.registry.Register(*ready.StateSchema)
	if err != nil {
		return err
	}
	predictionSchema, err := c.registry.Register(*ready.PredictionSchema)
	if err != nil {
		return err
	}
	var propertiesSchema *schema.Schema
	if ready.PropertiesSchema != nil {
		propertiesSchema, err = c.registry.Register(*ready.PropertiesSchema)
		if err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.sessionID = ready.SessionID
	c.stateSchema = stateSchema
	c.predictionSchema = predictionSchema
	c.propertiesSchema = propertiesSchema
	c.mu.Unlock()

	c.metrics.RecordSchemasBound(c.registry.Len())
	return nil
}

// Submit enqueues an outbound message for the network goroutine. It never
// blocks: the protocol is strictly request/reply per step, so a full queue
// means the caller issued a second state before consuming the prior action,
// and that ordering bug fails fast with an InternalProtocolError.
func (c *Client) Submit(kind message.Kind, schemaID string, payload any) error {
	msg, err := c.prepareOutbound(kind, schemaID, payload)
	if err != nil {
		return err
	}

	select {
	case c.outbound <- msg:
		return nil
	default:
		return &errors.InternalProtocolError{
			Detail: "outbound queue full: state submitted before prior action was consumed",
		}
	}
}

// SubmitWait enqueues like Submit but waits for queue space. The episode
// boundary is the one legitimate two-in-flight moment: a terminal state has
// no reply to consume, so the next episode's first state may queue behind it
// while the network goroutine is mid-send or mid-probe. Waiting there is
// backpressure, not an ordering bug.
func (c *Client) SubmitWait(ctx context.Context, kind message.Kind, schemaID string, payload any) error {
	msg, err := c.prepareOutbound(kind, schemaID, payload)
	if err != nil {
		return err
	}

	select {
	case c.outbound <- msg:
		return nil
	case <-c.done:
		if err := c.Err(); err != nil {
			return err
		}
		return errors.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) prepareOutbound(kind message.Kind, schemaID string, payload any) (*message.WireMessage, error) {
	switch c.State() {
	case StateReady:
		if kind == message.KindState {
			// First episode state starts the Running phase.
			c.setState(StateRunning)
		}
	case StateRunning:
	default:
		return nil, errors.Wrap(errors.ErrNotConnected, "Client", "Submit", "check session state")
	}

	return message.NewMessage(kind, c.simulatorID, atomic.AddUint64(&c.seqOut, 1), schemaID, payload)
}

// Receive blocks for the next inbound message, bounded by the per-step
// deadline. Exceeding the deadline marks the session Faulted: a step reply
// that never arrives means the remote side has become unresponsive, and that
// is not retried in place.
func (c *Client) Receive(ctx context.Context, deadline time.Duration) (*message.WireMessage, error) {
	var timeout <-chan time.Time
	if deadline > 0 {
		timer := time.NewTimer(deadline)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case msg, ok := <-c.inbound:
		if !ok {
			if err := c.Err(); err != nil {
				return nil, err
			}
			return nil, errors.ErrClosed
		}
		return msg, nil
	case <-timeout:
		c.setState(StateFaulted)
		err := errors.Wrap(errors.ErrStepDeadline, "Client", "Receive", "wait for service reply")
		c.setFatal(err)
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// run is the network goroutine: it drains the outbound queue onto the
// transport, turns received frames into inbound messages, and probes
// liveness. It owns reconnection; everything else observes state changes.
func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	reads := c.startReadPump(ctx, t)

	var pingC <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		pingC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			c.drainOutbound(t)
			return

		case msg := <-c.outbound:
			if err := c.send(t, msg); err != nil {
				t, reads = c.recover(ctx, fmt.Errorf("send failed: %w", err))
				if t == nil {
					return
				}
			}

		case r := <-reads:
			if r.err != nil {
				t, reads = c.recover(ctx, fmt.Errorf("transport closed: %w", r.err))
				if t == nil {
					return
				}
				continue
			}
			if len(r.data) == 0 {
				continue // stream-level liveness probe
			}
			if err := c.handleFrame(r.data); err != nil {
				t, reads = c.recover(ctx, err)
				if t == nil {
					return
				}
			}

		case <-pingC:
			if err := t.Ping(); err != nil {
				t, reads = c.recover(ctx, fmt.Errorf("liveness probe failed: %w", err))
				if t == nil {
					return
				}
			}
		}
	}
}

func (c *Client) startReadPump(ctx context.Context, t Transport) chan readResult {
	reads := make(chan readResult, 1)
	go func() {
		for {
			data, err := t.Receive()
			select {
			case reads <- readResult{data: data, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return reads
}

func (c *Client) send(t Transport, msg *message.WireMessage) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	if err := t.Send(data); err != nil {
		return err
	}
	c.metrics.RecordSent(string(msg.Kind))
	return nil
}

// handleFrame validates and routes one inbound frame. A malformed frame or a
// sequence violation is a protocol fault.
func (c *Client) handleFrame(data []byte) error {
	msg, err := message.Unmarshal(data)
	if err != nil {
		return fmt.Errorf("malformed frame: %w", err)
	}

	if msg.Sequence != c.seqIn+1 {
		return fmt.Errorf("sequence violation: got %d, want %d", msg.Sequence, c.seqIn+1)
	}
	c.seqIn = msg.Sequence
	c.metrics.RecordReceived(string(msg.Kind))

	switch msg.Kind {
	case message.KindPrediction, message.KindStop, message.KindError:
		select {
		case c.inbound <- msg:
			return nil
		default:
			// The service replied again before the runner consumed the
			// prior message; the request/reply contract is broken.
			return fmt.Errorf("inbound queue full: unsolicited %s message", msg.Kind)
		}
	case message.KindReady:
		c.logger.Warn("ignoring ready message on established session", "component", "connection")
		return nil
	default:
		return fmt.Errorf("unexpected %s message from service", msg.Kind)
	}
}

// recover transitions to Faulted and runs the bounded reconnect loop. It
// returns the new transport and read channel, or nil when the session is
// over (explicit close, cancelled context, or exhausted attempt budget).
func (c *Client) recover(ctx context.Context, cause error) (Transport, chan readResult) {
	if c.State() == StateClosing || c.closed.Load() {
		return nil, nil
	}

	if isCleanClose(cause) {
		c.logger.Info("service closed session", "component", "connection")
		c.setState(StateClosing)
		close(c.inbound)
		c.setState(StateDisconnected)
		return nil, nil
	}

	c.setState(StateFaulted)
	c.logger.Warn("connection faulted", "component", "connection", "cause", cause)

	c.mu.Lock()
	if c.transport != nil {
		_ = c.transport.Close()
		c.transport = nil
	}
	c.mu.Unlock()

	err := retry.Do(ctx, c.retryCfg, func() error {
		c.metrics.RecordReconnect()
		connectErr := c.connect(ctx)
		if connectErr != nil {
			var authErr *errors.AuthenticationError
			if stderrors.As(connectErr, &authErr) {
				return retry.NonRetryable(connectErr)
			}
			c.logger.Warn("reconnect attempt failed", "component", "connection", "error", connectErr)
		}
		return connectErr
	})
	if err != nil {
		if ctx.Err() == nil {
			fatal := &errors.ConnectionLostError{Attempts: c.retryCfg.MaxAttempts, Err: err}
			c.setFatal(fatal)
			c.logger.Error("reconnect budget exhausted", "component", "connection", "error", fatal)
			c.setState(StateDisconnected)
		}
		close(c.inbound)
		return nil, nil
	}

	c.logger.Info("session re-established", "component", "connection", "session_id", c.SessionID())

	// The step in flight when the fault hit is unrecoverable; tell the
	// runner to abort the episode and reset against the new session.
	c.deliverReconnectStop(cause)

	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	return t, c.startReadPump(ctx, t)
}

func (c *Client) deliverReconnectStop(cause error) {
	stop, err := message.NewMessage(
		message.KindStop,
		c.simulatorID,
		0, // locally synthesized, outside the session sequence
		"",
		message.StopPayload{Reason: fmt.Sprintf("connection recovered: %v", cause)},
	)
	if err != nil {
		return
	}
	select {
	case c.inbound <- stop:
	default:
		// Runner already has an unconsumed message; it will observe the
		// new session through its next submit.
	}
}

// drainOutbound flushes the pending outbound message, if any, within the
// drain grace period.
func (c *Client) drainOutbound(t Transport) {
	if t == nil {
		return
	}
	deadline := time.After(c.drainTimeout)
	for {
		select {
		case msg := <-c.outbound:
			if err := c.send(t, msg); err != nil {
				return
			}
		case <-deadline:
			return
		default:
			return
		}
	}
}

// Close performs an orderly shutdown: pending outbound messages are flushed
// within the drain grace period, the transport close handshake is sent, and
// the network goroutine is joined.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if !c.started.Load() {
		c.setState(StateDisconnected)
		return nil
	}

	c.setState(StateClosing)

	// Give the network goroutine a chance to drain the in-flight message.
	drainDeadline := time.Now().Add(c.drainTimeout)
	for len(c.outbound) > 0 && time.Now().Before(drainDeadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if c.cancel != nil {
		c.cancel()
		select {
		case <-c.done:
		case <-time.After(c.drainTimeout):
			c.logger.Warn("network goroutine did not exit within grace period", "component", "connection")
		}
	}

	c.mu.Lock()
	if c.transport != nil {
		_ = c.transport.Close()
		c.transport = nil
	}
	c.mu.Unlock()

	c.setState(StateDisconnected)
	c.logger.Info("session closed", "component", "connection")
	return nil
}
