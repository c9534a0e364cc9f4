// Package dispatch implements the Message Dispatcher component.
//
// The dispatcher parses raw inbound frames into typed events and routes them
// by tag. A malformed or unknown frame is counted and dropped; it never
// terminates the connection or touches registry state.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/avelez/ragconsole/internal/connection"
	"github.com/avelez/ragconsole/internal/event"
)

// RunSink receives routed events. The Active Job Registry implements it.
type RunSink interface {
	ApplyStatus(ev event.RunStatus, ts time.Time)
	ApplyProgress(ev event.RunProgress, ts time.Time)
	ApplyQueueStats(qs event.QueueStats, ts time.Time)
	ReplaceAll(st event.InitialState, ts time.Time)
}

// LogHandler receives run_log events. They are display-only and bypass the
// registry.
type LogHandler func(event.RunLog)

// Stats contains dispatcher counters.
type Stats struct {
	Received    int64
	Routed      int64
	ParseErrors int64
	Unknown     int64
	Pongs       int64
}

// Dispatcher routes frames from the connection manager to the sink.
type Dispatcher struct {
	logger *slog.Logger

	input <-chan connection.TimestampedMessage
	sink  RunSink
	onLog LogHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	stats Stats
}

// New creates a dispatcher reading from input. onLog may be nil.
func New(input <-chan connection.TimestampedMessage, sink RunSink, onLog LogHandler, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		logger: logger,
		input:  input,
		sink:   sink,
		onLog:  onLog,
	}
}

// Start begins routing messages.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.ctx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(1)
	go d.routeLoop()

	d.logger.Info("message dispatcher started")
	return nil
}

// Stop gracefully shuts down the dispatcher.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if d.cancel != nil {
		d.cancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("message dispatcher stopped")
		return nil
	case <-ctx.Done():
		d.logger.Warn("message dispatcher stop timed out")
		return ctx.Err()
	}
}

// Stats returns current counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *Dispatcher) routeLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case raw, ok := <-d.input:
			if !ok {
				d.logger.Info("input channel closed")
				return
			}
			d.Route(raw)
		}
	}
}

// Route classifies and delivers a single frame.
func (d *Dispatcher) Route(raw connection.TimestampedMessage) {
	d.count(func(s *Stats) { s.Received++ })

	var env event.Envelope
	if err := json.Unmarshal(raw.Data, &env); err != nil {
		d.logger.Warn("failed to parse frame envelope", "error", err)
		d.count(func(s *Stats) { s.ParseErrors++ })
		return
	}

	ts := env.Timestamp
	if ts.IsZero() {
		ts = raw.ReceivedAt
	}

	switch env.Type {
	case event.TypeInitialState:
		var st event.InitialState
		if err := json.Unmarshal(env.Data, &st); err != nil {
			d.logger.Warn("failed to parse initial_state", "error", err)
			d.count(func(s *Stats) { s.ParseErrors++ })
			return
		}
		d.sink.ReplaceAll(st, ts)

	case event.TypeRunStatus:
		var ev event.RunStatus
		if err := json.Unmarshal(env.Data, &ev); err != nil || ev.RunID == "" {
			d.logger.Warn("failed to parse run_status", "error", err)
			d.count(func(s *Stats) { s.ParseErrors++ })
			return
		}
		d.sink.ApplyStatus(ev, ts)

	case event.TypeRunProgress:
		var ev event.RunProgress
		if err := json.Unmarshal(env.Data, &ev); err != nil || ev.RunID == "" {
			d.logger.Warn("failed to parse run_progress", "error", err)
			d.count(func(s *Stats) { s.ParseErrors++ })
			return
		}
		d.sink.ApplyProgress(ev, ts)

	case event.TypeRunLog:
		var ev event.RunLog
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			d.logger.Warn("failed to parse run_log", "error", err)
			d.count(func(s *Stats) { s.ParseErrors++ })
			return
		}
		if d.onLog != nil {
			d.onLog(ev)
		}

	case event.TypeQueueStats:
		var qs event.QueueStats
		if err := json.Unmarshal(env.Data, &qs); err != nil {
			d.logger.Warn("failed to parse queue_stats", "error", err)
			d.count(func(s *Stats) { s.ParseErrors++ })
			return
		}
		d.sink.ApplyQueueStats(qs, ts)

	case event.TypePong:
		d.count(func(s *Stats) { s.Pongs++ })
		return

	default:
		d.logger.Debug("skipping unknown message type", "type", env.Type)
		d.count(func(s *Stats) { s.Unknown++ })
		return
	}

	d.count(func(s *Stats) { s.Routed++ })
}

func (d *Dispatcher) count(fn func(*Stats)) {
	d.mu.Lock()
	fn(&d.stats)
	d.mu.Unlock()
}
