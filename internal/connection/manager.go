package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/avelez/ragconsole/internal/event"
)

// Manager owns one logical stream connection at a time and drives the status
// state machine:
//
//	connecting → connected → {reconnecting → connecting}* → polling
//
// with manual Disconnect/Reconnect escape hatches. All mutable state (status,
// attempt counter, timer and client handles) is guarded by a single mutex;
// every connection attempt carries a generation number so events from a
// superseded connection or a cancelled retry timer cannot fire into the
// current one.
type Manager struct {
	cfg    ManagerConfig
	cb     Callbacks
	logger *slog.Logger

	// Output to the Message Dispatcher.
	frames chan TimestampedMessage

	// Callback delivery. A single notifier goroutine invokes owner callbacks
	// in transition order so they never run under the manager lock.
	notices      chan notice
	notifierDone chan struct{}

	mu            sync.Mutex
	status        Status
	client        Client
	connStop      chan struct{} // closed to stop this connection's pump + heartbeat
	retryTimer    *time.Timer
	manual        bool
	attempts      int
	everConnected bool
	gen           uint64
	closed        bool
}

type notice struct {
	status    Status
	hasStatus bool
	authErr   error
	fallback  bool
}

// NewManager creates a connection manager. Callbacks may be partially nil.
func NewManager(cfg ManagerConfig, cb Callbacks, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	def := DefaultManagerConfig(cfg.BaseURL, cfg.Token)
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = def.BufferSize
	}

	m := &Manager{
		cfg:          cfg,
		cb:           cb,
		logger:       logger,
		frames:       make(chan TimestampedMessage, cfg.BufferSize),
		notices:      make(chan notice, 64),
		notifierDone: make(chan struct{}),
		status:       StatusDisconnected,
	}

	go m.notifyLoop()

	return m
}

// Frames returns the channel of raw inbound frames for the dispatcher.
func (m *Manager) Frames() <-chan TimestampedMessage {
	return m.frames
}

// Status returns the current connection status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Stats returns a snapshot of manager state.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ManagerStats{
		Status:        m.status,
		Attempts:      m.attempts,
		EverConnected: m.everConnected,
	}
}

// SetToken replaces the bearer token used for subsequent connection attempts.
func (m *Manager) SetToken(token string) {
	m.mu.Lock()
	m.cfg.Token = token
	m.mu.Unlock()
}

// Connect opens the stream. Idempotent: a no-op while already connecting or
// connected. The attempt counter is not reset here; a successful open resets
// it.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.closed || m.status == StatusConnecting || m.status == StatusConnected {
		m.mu.Unlock()
		return
	}
	m.stopRetryLocked()
	m.manual = false
	m.gen++
	gen := m.gen
	m.setStatusLocked(StatusConnecting)
	m.mu.Unlock()

	go m.dial(gen)
}

// Disconnect closes the stream without scheduling reconnection. Safe to call
// from any state and idempotent; cancels any pending reconnect timer.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.manual = true
	m.gen++
	m.stopRetryLocked()
	m.teardownLocked()
	m.setStatusLocked(StatusDisconnected)
	m.mu.Unlock()
}

// Reconnect performs a full manual reset: disconnect, clear the manual flag,
// zero the attempt counter, connect again.
func (m *Manager) Reconnect() {
	m.Disconnect()

	m.mu.Lock()
	m.manual = false
	m.attempts = 0
	m.mu.Unlock()

	m.Connect()
}

// Close releases the manager. The stream is disconnected and the notifier
// goroutine stops; the manager cannot be reused afterwards.
func (m *Manager) Close() {
	m.Disconnect()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	close(m.notices)
	<-m.notifierDone
}

// dial performs one connection attempt for the given generation.
func (m *Manager) dial(gen uint64) {
	m.mu.Lock()
	baseURL, path, token := m.cfg.BaseURL, m.cfg.Path, m.cfg.Token
	m.mu.Unlock()

	streamURL, err := StreamURL(baseURL, path, token)
	if err != nil {
		// The transport cannot be constructed in this environment at all.
		// Retrying is pointless: fall straight back to polling.
		m.logger.Error("stream transport unavailable", "error", err)
		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		m.setStatusLocked(StatusPolling)
		m.notifyLocked(notice{fallback: true})
		m.mu.Unlock()
		return
	}

	cl := NewClient(ClientConfig{
		URL:              streamURL,
		HandshakeTimeout: m.cfg.HandshakeTimeout,
		WriteTimeout:     m.cfg.WriteTimeout,
		BufferSize:       m.cfg.BufferSize,
	}, m.logger)

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HandshakeTimeout)
	err = cl.Connect(ctx)
	cancel()
	if err != nil {
		m.handleClose(gen, err)
		return
	}

	m.mu.Lock()
	if gen != m.gen || m.manual {
		// Superseded while dialing.
		m.mu.Unlock()
		cl.Close()
		return
	}
	m.client = cl
	m.connStop = make(chan struct{})
	m.attempts = 0
	m.everConnected = true
	m.setStatusLocked(StatusConnected)
	stop := m.connStop
	m.mu.Unlock()

	go m.heartbeat(cl, stop)
	go m.pump(gen, cl, stop)
}

// pump forwards inbound frames to the dispatcher channel and funnels
// connection errors into close handling.
func (m *Manager) pump(gen uint64, cl Client, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case err := <-cl.Errors():
			m.handleClose(gen, err)
			return
		case msg, ok := <-cl.Messages():
			if !ok {
				return
			}
			select {
			case m.frames <- msg:
			default:
				m.logger.Warn("frame buffer full, dropping frame")
			}
		}
	}
}

// heartbeat sends the application-level ping frame while connected. Liveness
// is inferred from close events, not pong tracking; the probe exists to keep
// idle intermediaries from cutting the connection.
func (m *Manager) heartbeat(cl Client, stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := cl.Send(event.Ping); err != nil {
				m.logger.Debug("heartbeat send failed", "error", err)
			}
		}
	}
}

// handleClose classifies a connection failure and decides the next state.
func (m *Manager) handleClose(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen {
		// A stale connection's error; the current one is unaffected.
		m.mu.Unlock()
		return
	}
	m.teardownLocked()

	if m.manual {
		m.setStatusLocked(StatusDisconnected)
		m.mu.Unlock()
		return
	}

	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code == CloseAuthFailure {
		// A stale token never becomes valid by retrying.
		m.logger.Warn("stream closed: authentication failure", "code", ce.Code)
		m.setStatusLocked(StatusDisconnected)
		m.notifyLocked(notice{authErr: err})
		m.mu.Unlock()
		return
	}

	budget := m.cfg.Backoff.MaxAttempts(m.everConnected)
	if m.attempts >= budget {
		m.logger.Warn("retry budget exhausted, falling back to polling",
			"attempts", m.attempts,
			"ever_connected", m.everConnected,
			"error", err,
		)
		m.setStatusLocked(StatusPolling)
		m.notifyLocked(notice{fallback: true})
		m.mu.Unlock()
		return
	}

	delay := m.cfg.Backoff.Delay(m.attempts)
	m.attempts++
	m.setStatusLocked(StatusReconnecting)
	m.logger.Info("scheduling reconnect",
		"attempt", m.attempts,
		"budget", budget,
		"delay", delay,
		"error", err,
	)
	m.retryTimer = time.AfterFunc(delay, func() { m.retryFire(gen) })
	m.mu.Unlock()
}

// retryFire runs when the backoff delay elapses.
func (m *Manager) retryFire(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.manual || m.closed || m.status != StatusReconnecting {
		// Cancelled or superseded while waiting.
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	m.gen++
	next := m.gen
	m.setStatusLocked(StatusConnecting)
	m.mu.Unlock()

	go m.dial(next)
}

func (m *Manager) stopRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func (m *Manager) teardownLocked() {
	if m.connStop != nil {
		close(m.connStop)
		m.connStop = nil
	}
	if m.client != nil {
		m.client.Close()
		m.client = nil
	}
}

func (m *Manager) setStatusLocked(s Status) {
	if m.status == s {
		return
	}
	m.status = s
	m.notifyLocked(notice{status: s, hasStatus: true})
}

func (m *Manager) notifyLocked(n notice) {
	if m.closed {
		return
	}
	select {
	case m.notices <- n:
	default:
		m.logger.Warn("notification buffer full, dropping notice")
	}
}

// notifyLoop delivers owner callbacks sequentially, in transition order.
func (m *Manager) notifyLoop() {
	defer close(m.notifierDone)

	for n := range m.notices {
		switch {
		case n.hasStatus:
			if m.cb.OnStatusChange != nil {
				m.cb.OnStatusChange(n.status)
			}
		case n.authErr != nil:
			if m.cb.OnAuthFailure != nil {
				m.cb.OnAuthFailure(n.authErr)
			}
		case n.fallback:
			if m.cb.OnFallback != nil {
				m.cb.OnFallback()
			}
		}
	}
}
