// Package health reports the bridge session's health over HTTP. Error
// messages are sanitized before leaving the process so endpoints never leak
// URLs, paths or credentials.
package health

import (
	"encoding/json"
	"net/http"
	"regexp"
	"time"

	"github.com/c360/simbridge/connection"
)

// Pre-compiled regexes for error message sanitization.
var (
	urlRegex        = regexp.MustCompile(`(https?|wss?|nats)://[^\s]+`)
	unixPathRegex   = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex       = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status is the externally visible health of one bridge session.
type Status struct {
	Simulator    string    `json:"simulator"`
	SessionState string    `json:"session_state"`
	Healthy      bool      `json:"healthy"`
	Status       string    `json:"status"` // "healthy", "degraded", "unhealthy"
	Message      string    `json:"message,omitempty"`
	Uptime       string    `json:"uptime"`
	Timestamp    time.Time `json:"timestamp"`
}

// IsHealthy reports whether the session is fully operational.
func (s Status) IsHealthy() bool { return s.Status == "healthy" }

// IsDegraded reports whether the session is in a transitional state.
func (s Status) IsDegraded() bool { return s.Status == "degraded" }

// SessionSource is the slice of the connection client the monitor reads.
type SessionSource interface {
	State() connection.State
	Err() error
}

// Monitor derives health status from a live session.
type Monitor struct {
	simulator string
	source    SessionSource
	started   time.Time
}

// NewMonitor creates a monitor for one session.
func NewMonitor(simulator string, source SessionSource) *Monitor {
	return &Monitor{
		simulator: simulator,
		source:    source,
		started:   time.Now(),
	}
}

// Status snapshots the current session health. Ready and Running sessions are
// healthy; transitional states are degraded; Faulted and Disconnected are
// unhealthy.
func (m *Monitor) Status() Status {
	state := m.source.State()

	var level string
	switch state {
	case connection.StateReady, connection.StateRunning:
		level = "healthy"
	case connection.StateConnecting, connection.StateRegistering, connection.StateClosing:
		level = "degraded"
	default:
		level = "unhealthy"
	}

	message := ""
	if err := m.source.Err(); err != nil {
		message = SanitizeErrorMessage(err.Error())
	}

	return Status{
		Simulator:    m.simulator,
		SessionState: state.String(),
		Healthy:      level == "healthy",
		Status:       level,
		Message:      message,
		Uptime:       time.Since(m.started).Round(time.Second).String(),
		Timestamp:    time.Now(),
	}
}

// Handler serves the status as JSON. Unhealthy sessions answer 503 so load
// balancers and orchestrators can act on the plain status code.
func (m *Monitor) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status := m.Status()
		w.Header().Set("Content-Type", "application/json")
		if !status.Healthy && !status.IsDegraded() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	})
}

// SanitizeErrorMessage strips URLs, file paths, addresses and credential
// fragments from an error message before it leaves the process.
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}
	sanitized := urlRegex.ReplaceAllString(msg, "[URL]")
	sanitized = unixPathRegex.ReplaceAllString(sanitized, "[PATH]")
	sanitized = ipAddrRegex.ReplaceAllString(sanitized, "[IP]")
	sanitized = portRegex.ReplaceAllString(sanitized, "[PORT]")
	sanitized = credentialRegex.ReplaceAllString(sanitized, "[REDACTED]")
	return sanitized
}
