// Package backoff provides the reconnection delay policy for the stream
// connection manager.
package backoff

import "time"

// Default attempt budgets. A stream that has never been reachable is more
// likely structurally unavailable (proxy, firewall, feature disabled) than
// experiencing a transient blip, so it gets a smaller budget before the
// client falls back to polling.
const (
	DefaultColdAttempts = 2
	DefaultWarmAttempts = 5
)

// DefaultDelays is the ascending delay table used when none is configured.
var DefaultDelays = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
}

// Policy maps reconnection attempts to delays and budgets.
type Policy struct {
	// Delays is the ascending delay table. The last entry is reused for
	// attempts beyond the table length.
	Delays []time.Duration

	// ColdAttempts is the retry budget before the stream has ever connected.
	ColdAttempts int

	// WarmAttempts is the retry budget once the stream has connected at
	// least once.
	WarmAttempts int
}

// Default returns the standard policy.
func Default() Policy {
	return Policy{
		Delays:       DefaultDelays,
		ColdAttempts: DefaultColdAttempts,
		WarmAttempts: DefaultWarmAttempts,
	}
}

// Delay returns the wait before the given attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	delays := p.Delays
	if len(delays) == 0 {
		delays = DefaultDelays
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(delays) {
		return delays[len(delays)-1]
	}
	return delays[attempt]
}

// MaxAttempts returns the retry budget for the current connection history.
func (p Policy) MaxAttempts(everConnected bool) int {
	if everConnected {
		if p.WarmAttempts > 0 {
			return p.WarmAttempts
		}
		return DefaultWarmAttempts
	}
	if p.ColdAttempts > 0 {
		return p.ColdAttempts
	}
	return DefaultColdAttempts
}
