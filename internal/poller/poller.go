package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/avelez/ragconsole/internal/event"
)

// API is the external collaborator contract: two read-only operations.
type API interface {
	ListActiveRuns(ctx context.Context) ([]event.RunStatus, error)
	GetQueueStats(ctx context.Context) (*event.QueueStats, error)
}

// Sink receives polled results. The Active Job Registry implements it, so
// downstream subscribers cannot distinguish push from poll.
type Sink interface {
	ReconcilePolled(runs []event.RunStatus, ts time.Time)
	ApplyQueueStats(qs event.QueueStats, ts time.Time)
}

// Config holds poller configuration.
type Config struct {
	Interval time.Duration // Poll interval (default: 10s)
	Timeout  time.Duration // Per-cycle timeout (default: 10s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval: 10 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// Poller periodically fetches active runs and queue stats via the REST API.
type Poller struct {
	cfg    Config
	api    API
	sink   Sink
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a new Poller.
func New(cfg Config, api API, sink Sink, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Poller{
		cfg:    cfg,
		api:    api,
		sink:   sink,
		logger: logger,
	}
}

// Start begins the polling loop. Idempotent while running.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.running = true
	p.cancel = cancel
	p.done = done

	// The loop only sees its own context and done channel, so a restart
	// after a timed-out Stop cannot race with a lingering old loop.
	go p.run(runCtx, done)

	p.logger.Info("polling fallback started", "interval", p.cfg.Interval)
	return nil
}

// Stop cancels the polling loop. Safe to call when not running.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()

	select {
	case <-done:
		p.logger.Info("polling fallback stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// run is the main polling loop.
func (p *Poller) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	// Poll immediately on start.
	p.pollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

// pollOnce fetches runs and stats concurrently and feeds the sink. A failed
// cycle only logs; the next tick tries again.
func (p *Poller) pollOnce(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, p.cfg.Timeout)
	defer cancel()

	var (
		runs []event.RunStatus
		qs   *event.QueueStats
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		runs, err = p.api.ListActiveRuns(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		qs, err = p.api.GetQueueStats(gctx)
		return err
	})

	if err := g.Wait(); err != nil {
		p.logger.Warn("poll cycle failed", "error", err)
		return
	}

	now := time.Now()
	p.sink.ReconcilePolled(runs, now)
	if qs != nil {
		p.sink.ApplyQueueStats(*qs, now)
	}

	p.logger.Debug("poll cycle complete", "runs", len(runs))
}
