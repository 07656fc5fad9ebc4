// Package bridge drives the simulator callback loop against a training
// session. The Runner owns the simulation thread: it resets and steps the
// simulator, encodes observed states, and blocks on predicted actions. All
// network I/O happens on the session client's own goroutine; the two sides
// meet only at the client's bounded queues.
package bridge

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/simbridge/errors"
	"github.com/c360/simbridge/message"
	"github.com/c360/simbridge/metric"
	"github.com/c360/simbridge/schema"
)

// SessionClient is the slice of the connection client the runner depends on.
type SessionClient interface {
	Start(ctx context.Context) error
	Submit(kind message.Kind, schemaID string, payload any) error
	SubmitWait(ctx context.Context, kind message.Kind, schemaID string, payload any) error
	Receive(ctx context.Context, deadline time.Duration) (*message.WireMessage, error)
	StateSchema() *schema.Schema
	PredictionSchema() *schema.Schema
	PropertiesSchema() *schema.Schema
	Err() error
	Close() error
}

const defaultStepDeadline = 60 * time.Second

// Runner drives episodes until the caller cancels, the service ends the
// session, or the episode budget is spent.
type Runner struct {
	client    SessionClient
	simulator Simulator

	logger       *slog.Logger
	metrics      *metric.Metrics
	recorder     Recorder
	stepDeadline time.Duration
	maxEpisodes  int
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerLogger sets the logger. Defaults to slog.Default.
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRunnerMetrics attaches metrics. Nil metrics are a no-op.
func WithRunnerMetrics(m *metric.Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// WithRecorder attaches a step recorder.
func WithRecorder(rec Recorder) RunnerOption {
	return func(r *Runner) { r.recorder = rec }
}

// WithStepDeadline bounds the wait for each predicted action. Exceeding it
// faults the session.
func WithStepDeadline(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.stepDeadline = d
		}
	}
}

// WithMaxEpisodes stops the run after n completed or aborted episodes.
// Zero means unbounded.
func WithMaxEpisodes(n int) RunnerOption {
	return func(r *Runner) { r.maxEpisodes = n }
}

// NewRunner creates a runner for one simulator and one session.
func NewRunner(client SessionClient, sim Simulator, opts ...RunnerOption) *Runner {
	r := &Runner{
		client:       client,
		simulator:    sim,
		logger:       slog.Default(),
		stepDeadline: defaultStepDeadline,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run connects the session and drives episodes until the context is
// cancelled, the service closes the session, or a fatal error occurs.
// Episode-scoped errors (bad simulator data, a failed simulator callback)
// abort only the current episode; the next episode begins with a fresh reset.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.client.Start(ctx); err != nil {
		return errors.Wrap(err, "Runner", "Run", "start session")
	}
	defer func() {
		if err := r.client.Close(); err != nil {
			r.logger.Warn("session close failed", "error", err)
		}
	}()

	episode := 0
	for {
		if r.maxEpisodes > 0 && episode >= r.maxEpisodes {
			r.logger.Info("episode budget reached", "episodes", episode)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		episode++

		err := r.runEpisode(ctx, episode)
		switch {
		case err == nil:
			// Terminal state or a service stop; begin the next episode.
		case errors.IsEpisodeScoped(err):
			r.logger.Warn("episode aborted", "episode", episode, "error", err)
			r.metrics.RecordEpisodeAbort(abortCause(err))
		case stderrors.Is(err, errors.ErrClosed):
			if sessionErr := r.client.Err(); sessionErr != nil {
				return errors.Wrap(sessionErr, "Runner", "Run", "session")
			}
			r.logger.Info("session closed by service", "episodes", episode)
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			return errors.Wrap(err, "Runner", "Run", fmt.Sprintf("episode %d", episode))
		}
	}
}

// runEpisode performs one reset-to-stop cycle. A nil return means the episode
// ended cleanly, either terminally or by a service stop.
func (r *Runner) runEpisode(ctx context.Context, episode int) error {
	if r.client.StateSchema() == nil || r.client.PredictionSchema() == nil {
		return &errors.InternalProtocolError{Detail: "session has no bound step schemas"}
	}

	state, err := r.simulator.Reset()
	if err != nil {
		return &errors.SimulatorError{Op: "reset", Err: err}
	}
	r.logger.Debug("episode started", "episode", episode)

	var (
		reward     float64
		terminal   bool
		lastAction json.RawMessage
		step       int
		first      = true
	)
	for {
		encoded, err := message.Encode(state, r.client.StateSchema())
		if err != nil {
			return err
		}
		item := message.StateItem{
			Payload:     encoded,
			Reward:      reward,
			Terminal:    terminal,
			ActionTaken: lastAction,
		}
		payload := message.StatePayload{States: []message.StateItem{item}}
		if first {
			// The prior episode's terminal state may still sit in the
			// outbound queue; it has no reply, so waiting here is the
			// correct backpressure, not an ordering violation.
			err = r.client.SubmitWait(ctx, message.KindState, r.client.StateSchema().Fingerprint(), payload)
			first = false
		} else {
			err = r.client.Submit(message.KindState, r.client.StateSchema().Fingerprint(), payload)
		}
		if err != nil {
			return err
		}
		if terminal {
			r.logger.Info("episode completed", "episode", episode, "steps", step)
			r.metrics.RecordEpisodeCompleted()
			return nil
		}

		start := time.Now()
		reply, err := r.client.Receive(ctx, r.stepDeadline)
		if err != nil {
			return err
		}
		r.metrics.ObserveStepLatency(time.Since(start).Seconds())

		switch reply.Kind {
		case message.KindPrediction:
			action, err := r.decodePrediction(reply)
			if err != nil {
				return err
			}
			state, reward, terminal, err = r.simulator.Step(action)
			if err != nil {
				return &errors.SimulatorError{Op: "step", Err: err}
			}
			step++
			lastAction, _ = json.Marshal(action)
			r.record(StepRecord{
				Episode:   episode,
				Step:      step,
				State:     state,
				Action:    action,
				Reward:    reward,
				Terminal:  terminal,
				Timestamp: time.Now(),
			})

		case message.KindStop:
			var stop message.StopPayload
			if err := reply.DecodePayload(&stop); err != nil {
				r.logger.Warn("unreadable stop payload", "error", err)
			}
			r.logger.Info("episode stopped by service",
				"episode", episode, "steps", step, "reason", stop.Reason)
			return nil

		case message.KindError:
			var svcErr message.ErrorPayload
			if err := reply.DecodePayload(&svcErr); err != nil {
				return &errors.InternalProtocolError{Detail: "unreadable error payload"}
			}
			return &errors.InternalProtocolError{
				Detail: fmt.Sprintf("service error %s: %s", svcErr.Code, svcErr.Message),
			}

		default:
			return &errors.InternalProtocolError{
				Detail: fmt.Sprintf("unexpected %s message during episode", reply.Kind),
			}
		}
	}
}

// decodePrediction extracts the first predicted action and applies any
// per-episode properties the service attached to it.
func (r *Runner) decodePrediction(reply *message.WireMessage) (message.ActionRecord, error) {
	var payload message.PredictionPayload
	if err := reply.DecodePayload(&payload); err != nil {
		return nil, err
	}
	if len(payload.Actions) == 0 {
		return nil, &errors.InternalProtocolError{Detail: "prediction carried no actions"}
	}
	if len(payload.Properties) > 0 {
		if err := r.applyProperties(payload.Properties); err != nil {
			return nil, err
		}
	}
	return message.Decode(payload.Actions[0], r.client.PredictionSchema())
}

func (r *Runner) applyProperties(raw json.RawMessage) error {
	cfg, ok := r.simulator.(Configurable)
	if !ok {
		r.logger.Warn("service sent properties but simulator is not configurable")
		return nil
	}

	var props map[string]any
	if propSchema := r.client.PropertiesSchema(); propSchema != nil {
		decoded, err := message.Decode(raw, propSchema)
		if err != nil {
			return err
		}
		props = decoded
	} else if err := json.Unmarshal(raw, &props); err != nil {
		return errors.Wrap(err, "Runner", "applyProperties", "parse properties")
	}

	if err := cfg.Configure(props); err != nil {
		return &errors.SimulatorError{Op: "configure", Err: err}
	}
	return nil
}

func (r *Runner) record(rec StepRecord) {
	if r.recorder == nil {
		return
	}
	r.recorder.Record(rec)
}

func abortCause(err error) string {
	var convErr *errors.ConversionError
	if stderrors.As(err, &convErr) {
		return "conversion"
	}
	return "simulator"
}
