package main

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/c360/simbridge/message"
)

// Cartpole physics constants (classic control benchmark).
const (
	gravity   = 9.81
	massCart  = 1.0
	massPole  = 0.1
	totalMass = massCart + massPole
	forceMax  = 10.0
	tau       = 0.02 // seconds per step

	xThreshold     = 2.4
	thetaThreshold = 12.0 * math.Pi / 180.0
	maxSteps       = 500
)

// Cartpole is a pole-balancing simulator driven by a continuous force
// action. It implements the bridge's Simulator and Configurable interfaces.
type Cartpole struct {
	x, xDot, theta, thetaDot float64
	poleLength               float64
	steps                    int
	rng                      *rand.Rand
}

// NewCartpole creates a cartpole with the standard half-meter pole.
func NewCartpole(rng *rand.Rand) *Cartpole {
	if rng == nil {
		rng = rand.New(rand.NewSource(int64(rand.Uint64())))
	}
	return &Cartpole{poleLength: 0.5, rng: rng}
}

// Reset randomizes the start state slightly off balance.
func (c *Cartpole) Reset() (message.StateRecord, error) {
	c.x = c.rng.Float64()*0.1 - 0.05
	c.xDot = c.rng.Float64()*0.1 - 0.05
	c.theta = c.rng.Float64()*0.1 - 0.05
	c.thetaDot = c.rng.Float64()*0.1 - 0.05
	c.steps = 0
	return c.state(), nil
}

// Step applies the commanded force for one tick.
func (c *Cartpole) Step(action message.ActionRecord) (message.StateRecord, float64, bool, error) {
	force, ok := action["force"].(float64)
	if !ok {
		return nil, 0, false, fmt.Errorf("action missing force")
	}
	force = math.Max(-forceMax, math.Min(forceMax, force))

	cosTheta := math.Cos(c.theta)
	sinTheta := math.Sin(c.theta)
	poleMassLength := massPole * c.poleLength

	temp := (force + poleMassLength*c.thetaDot*c.thetaDot*sinTheta) / totalMass
	thetaAcc := (gravity*sinTheta - cosTheta*temp) /
		(c.poleLength * (4.0/3.0 - massPole*cosTheta*cosTheta/totalMass))
	xAcc := temp - poleMassLength*thetaAcc*cosTheta/totalMass

	c.x += tau * c.xDot
	c.xDot += tau * xAcc
	c.theta += tau * c.thetaDot
	c.thetaDot += tau * thetaAcc
	c.steps++

	fell := c.x < -xThreshold || c.x > xThreshold ||
		c.theta < -thetaThreshold || c.theta > thetaThreshold
	terminal := fell || c.steps >= maxSteps

	reward := 1.0
	if fell {
		reward = 0.0
	}
	return c.state(), reward, terminal, nil
}

// Configure accepts per-episode properties from the training service.
func (c *Cartpole) Configure(properties map[string]any) error {
	if v, ok := properties["pole_length"]; ok {
		length, ok := v.(float64)
		if !ok || length <= 0 {
			return fmt.Errorf("pole_length must be a positive number, got %v", v)
		}
		c.poleLength = length
	}
	return nil
}

func (c *Cartpole) state() message.StateRecord {
	return message.StateRecord{
		"x":         c.x,
		"x_dot":     c.xDot,
		"theta":     c.theta,
		"theta_dot": c.thetaDot,
	}
}
