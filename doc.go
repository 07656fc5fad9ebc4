// Package simbridge connects a locally-running reinforcement-learning
// simulator to a remote training service over a persistent websocket session.
//
// # Architecture
//
// The bridge pairs exactly one simulator with one training session and owns
// everything about talking to the remote service:
//
//	┌─────────────────────────────────────┐
//	│         bridge.Runner               │  Episode loop: reset, step,
//	│   (simulation goroutine)            │  encode state, await action
//	└─────────────────────────────────────┘
//	           ↕ two bounded queues
//	┌─────────────────────────────────────┐
//	│      connection.Client              │  Session state machine,
//	│   (network goroutine)               │  handshake, reconnect, liveness
//	└─────────────────────────────────────┘
//	           ↕ websocket frames
//	┌─────────────────────────────────────┐
//	│       Training service              │
//	└─────────────────────────────────────┘
//
// Message payloads are described by schemas discovered at registration time.
// The schema package binds field descriptors received from the service to
// cached codecs, and the message package converts between simulator-native
// records and wire payloads through them.
//
// Simulator authors implement bridge.Simulator (Reset and Step) and hand it
// to a Runner; the library drives episodes until an explicit stop or an
// unrecoverable connection fault.
package simbridge
