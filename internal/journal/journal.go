// Package journal persists run status transitions observed by the registry.
//
// Rows accumulate in memory and flush in batches, either when the batch
// fills or on a ticker. Expected schema:
//
//	CREATE TABLE run_events (
//	    run_id        TEXT        NOT NULL,
//	    run_type      TEXT        NOT NULL,
//	    status        TEXT        NOT NULL,
//	    error_message TEXT        NOT NULL,
//	    progress      JSONB,
//	    removed       BOOLEAN     NOT NULL,
//	    updated_at    TIMESTAMPTZ NOT NULL,
//	    recorded_at   TIMESTAMPTZ NOT NULL
//	);
package journal

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avelez/ragconsole/internal/registry"
)

// Config holds journal configuration.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: time.Second,
	}
}

// Metrics contains journal counters.
type Metrics struct {
	Recorded int64
	Written  int64
	Batches  int64
	Errors   int64
}

// eventRow is one run_events row.
type eventRow struct {
	RunID        string
	RunType      string
	Status       string
	ErrorMessage string
	Progress     []byte // JSON, nil when the update carried none
	Removed      bool
	UpdatedAt    time.Time
	RecordedAt   time.Time
}

// Journal batches registry updates into the run_events table.
type Journal struct {
	cfg    Config
	db     *pgxpool.Pool
	logger *slog.Logger

	batchMu sync.Mutex
	batch   []eventRow
	metrics Metrics

	// flushCh wakes the flush goroutine when the batch fills. Buffered so a
	// full-batch Record never waits on the writer.
	flushCh chan struct{}

	flushTicker *time.Ticker
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New creates a journal writing to db.
func New(cfg Config, db *pgxpool.Pool, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	return &Journal{
		cfg:     cfg,
		db:      db,
		logger:  logger,
		batch:   make([]eventRow, 0, cfg.BatchSize),
		flushCh: make(chan struct{}, 1),
	}
}

// Start begins the flush loop.
func (j *Journal) Start(ctx context.Context) error {
	j.ctx, j.cancel = context.WithCancel(ctx)
	j.flushTicker = time.NewTicker(j.cfg.FlushInterval)

	j.wg.Add(1)
	go j.flushLoop()

	j.logger.Info("run journal started",
		"batch_size", j.cfg.BatchSize,
		"flush_interval", j.cfg.FlushInterval,
	)
	return nil
}

// Stop flushes what remains and shuts down.
func (j *Journal) Stop(ctx context.Context) error {
	j.logger.Info("stopping run journal")

	if j.cancel != nil {
		j.cancel()
	}
	if j.flushTicker != nil {
		j.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		j.logger.Info("run journal stopped")
	case <-ctx.Done():
		j.logger.Warn("run journal stop timed out")
	}

	j.flush()
	return nil
}

// Stats returns current metrics.
func (j *Journal) Stats() Metrics {
	j.batchMu.Lock()
	defer j.batchMu.Unlock()
	return j.metrics
}

// Record accepts a registry update. Suitable for registry.Subscribe: it only
// appends to the batch and signals the flush goroutine, never touching the
// database on the caller's goroutine.
func (j *Journal) Record(u registry.Update) {
	row := j.transform(u)

	j.batchMu.Lock()
	j.batch = append(j.batch, row)
	j.metrics.Recorded++
	full := len(j.batch) >= j.cfg.BatchSize
	j.batchMu.Unlock()

	if full {
		select {
		case j.flushCh <- struct{}{}:
		default:
			// A flush is already pending.
		}
	}
}

// transform converts a registry update to a row.
func (j *Journal) transform(u registry.Update) eventRow {
	var progress []byte
	if u.Entry.Progress != nil {
		if data, err := json.Marshal(u.Entry.Progress); err == nil {
			progress = data
		}
	}

	return eventRow{
		RunID:        u.Entry.RunID,
		RunType:      u.Entry.RunType,
		Status:       u.Entry.Status,
		ErrorMessage: u.Entry.ErrorMessage,
		Progress:     progress,
		Removed:      u.Removed,
		UpdatedAt:    u.Entry.UpdatedAt,
		RecordedAt:   time.Now(),
	}
}

// flushLoop flushes on the ticker and on full-batch signals.
func (j *Journal) flushLoop() {
	defer j.wg.Done()

	for {
		select {
		case <-j.ctx.Done():
			return
		case <-j.flushTicker.C:
			j.flush()
		case <-j.flushCh:
			j.flush()
		}
	}
}

// flush writes the accumulated batch with CopyFrom.
func (j *Journal) flush() {
	j.batchMu.Lock()
	if len(j.batch) == 0 {
		j.batchMu.Unlock()
		return
	}
	rows := j.batch
	j.batch = make([]eventRow, 0, j.cfg.BatchSize)
	j.batchMu.Unlock()

	if j.db == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	src := make([][]any, len(rows))
	for i, r := range rows {
		src[i] = []any{
			r.RunID, r.RunType, r.Status, r.ErrorMessage,
			r.Progress, r.Removed, r.UpdatedAt, r.RecordedAt,
		}
	}

	n, err := j.db.CopyFrom(ctx,
		pgx.Identifier{"run_events"},
		[]string{"run_id", "run_type", "status", "error_message", "progress", "removed", "updated_at", "recorded_at"},
		pgx.CopyFromRows(src),
	)

	j.batchMu.Lock()
	defer j.batchMu.Unlock()
	if err != nil {
		j.metrics.Errors++
		j.logger.Error("failed to write run events", "rows", len(rows), "error", err)
		return
	}
	j.metrics.Written += n
	j.metrics.Batches++
}
