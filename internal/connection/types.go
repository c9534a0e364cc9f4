package connection

import (
	"errors"
	"time"

	"github.com/avelez/ragconsole/internal/backoff"
)

// Errors
var (
	ErrNotConnected  = errors.New("not connected")
	ErrAlreadyClosed = errors.New("already closed")
)

// Close codes the manager treats specially. Anything else is transient.
const (
	CloseNormal      = 1000
	CloseAuthFailure = 4001
)

// Status is the current state of the logical stream connection. Exactly one
// status is current at any time; only the Manager mutates it.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusReconnecting Status = "reconnecting"
	StatusPolling      Status = "polling"
)

// TimestampedMessage wraps raw frame data with a receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw frame bytes from the WebSocket
	ReceivedAt time.Time // Local timestamp when the frame was read
}

// ClientConfig configures a single WebSocket client.
type ClientConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	BufferSize       int
}

// ManagerConfig configures the connection manager.
type ManagerConfig struct {
	// BaseURL is the HTTP API base; the stream URL is derived from it by
	// protocol substitution.
	BaseURL string

	// Token is the bearer token passed as a query parameter.
	Token string

	// Path is the stream endpoint path (default /ws/updates).
	Path string

	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	BufferSize        int

	Backoff backoff.Policy
}

// DefaultManagerConfig returns sensible defaults for the given API base.
func DefaultManagerConfig(baseURL, token string) ManagerConfig {
	return ManagerConfig{
		BaseURL:           baseURL,
		Token:             token,
		Path:              "/ws/updates",
		HeartbeatInterval: 30 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      5 * time.Second,
		BufferSize:        1000,
		Backoff:           backoff.Default(),
	}
}

// Callbacks are owner-supplied hooks. All callbacks are invoked sequentially
// from a single notifier goroutine, in transition order.
type Callbacks struct {
	// OnStatusChange fires on every status transition.
	OnStatusChange func(Status)

	// OnAuthFailure fires when the stream closes with the authentication
	// failure code. No reconnection is scheduled; the owner must obtain a
	// fresh token and call Reconnect.
	OnAuthFailure func(err error)

	// OnFallback fires exactly once per automatic-retry path when the retry
	// budget is exhausted and status settles at polling. The owner should
	// start the polling fallback.
	OnFallback func()
}

// ManagerStats is a point-in-time snapshot of manager state.
type ManagerStats struct {
	Status        Status
	Attempts      int
	EverConnected bool
}
