package messaging

import (
	"fmt"
	"time"
)

// Connection is the part of a broker connection needed for health checks.
type Connection interface {
	IsConnected() bool
	RTT() (time.Duration, error)
}

// HealthStatus represents the health state of a messaging connection.
type HealthStatus struct {
	// Connected indicates if the client is connected.
	Connected bool `json:"connected"`

	// Latency is the round-trip time for a health ping.
	Latency time.Duration `json:"latency_ms"`

	// Error contains any error message if unhealthy.
	Error string `json:"error,omitempty"`
}

// Healthy reports whether the connection passed the check.
func (s HealthStatus) Healthy() bool {
	return s.Connected && s.Error == ""
}

// CheckHealth checks a connection by verifying it is connected and measuring
// a server round trip.
func CheckHealth(conn Connection) HealthStatus {
	status := HealthStatus{}

	if conn == nil {
		status.Error = "client is nil"
		return status
	}

	status.Connected = conn.IsConnected()
	if !status.Connected {
		status.Error = "not connected to message broker"
		return status
	}

	rtt, err := conn.RTT()
	if err != nil {
		status.Error = fmt.Sprintf("health check failed: %v", err)
		return status
	}
	status.Latency = rtt

	return status
}
