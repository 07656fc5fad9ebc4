package bridge

import "github.com/c360/simbridge/message"

// Simulator is the narrow capability set the bridge needs from a simulator.
// The bridge never looks inside the simulator's domain logic; it only resets
// episodes and advances steps.
type Simulator interface {
	// Reset starts a new episode and returns the initial observed state.
	Reset() (message.StateRecord, error)

	// Step advances the simulation by one action and returns the resulting
	// state, the reward earned by the action, and whether the episode has
	// reached a terminal state.
	Step(action message.ActionRecord) (state message.StateRecord, reward float64, terminal bool, err error)
}

// Configurable is implemented by simulators that accept per-episode
// properties from the training service. The bridge applies properties before
// the episode's first Reset call takes effect on the wire.
type Configurable interface {
	Configure(properties map[string]any) error
}
