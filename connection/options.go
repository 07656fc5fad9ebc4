package connection

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/c360/simbridge/metric"
	"github.com/c360/simbridge/pkg/retry"
)

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithLogger sets the logger used by the connection manager.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDialer replaces the transport dialer. Tests use this to substitute
// in-memory transports for the websocket.
func WithDialer(dial Dialer) Option {
	return func(c *Client) {
		if dial != nil {
			c.dial = dial
		}
	}
}

// WithRetryConfig sets the reconnect backoff policy. MaxAttempts bounds the
// reconnect budget after a faulted connection; exceeding it surfaces a
// ConnectionLostError.
func WithRetryConfig(cfg retry.Config) Option {
	return func(c *Client) {
		c.retryCfg = cfg
	}
}

// WithPingInterval sets the liveness probe interval for the network loop.
// Zero disables probing.
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) {
		c.pingInterval = d
	}
}

// WithDrainTimeout bounds the grace period for flushing pending outbound
// messages during Close.
func WithDrainTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.drainTimeout = d
		}
	}
}

// WithTLSConfig sets the TLS configuration for encrypted endpoints.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *Client) {
		c.tlsCfg = cfg
	}
}

// WithSimulatorID overrides the generated simulator identifier. The
// identifier must be stable for the process lifetime.
func WithSimulatorID(id string) Option {
	return func(c *Client) {
		if id != "" {
			c.simulatorID = id
		}
	}
}

// WithMetrics enables metrics collection.
func WithMetrics(m *metric.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}
