// Package registry implements the Active Job Registry.
//
// The registry is the single consistent view of in-flight processing runs,
// merged from both the push stream and the polling fallback. Updates are
// serialized under one mutex; an update whose timestamp is older than the
// stored entry is rejected, so subscribers observe a monotonically-improving
// view regardless of which transport delivered it.
package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avelez/ragconsole/internal/event"
)

// Config holds registry configuration.
type Config struct {
	// Retention is the grace period a run stays in the registry after
	// reaching a terminal status, so consumers can render the final state.
	Retention time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Retention: 30 * time.Second,
	}
}

// Entry is one registry row, keyed by run id.
type Entry struct {
	RunID          string
	RunType        string
	DisplayName    string
	ResourceID     string
	ResourceType   string
	Status         string
	Progress       map[string]any
	ResultsSummary map[string]any
	ErrorMessage   string
	StartedAt      *time.Time
	UpdatedAt      time.Time // timestamp of the last applied event
	IsActive       bool

	// Optimistic marks a locally initiated run not yet confirmed by the
	// server. The first server-sourced update always replaces it.
	Optimistic bool
}

// Update is delivered to subscribers on every registry change.
type Update struct {
	Entry   Entry
	Removed bool
}

// Subscriber callbacks run on the updating goroutine with the registry
// locked. They must return quickly and must not call back into the Registry.
type subscriber struct {
	runID string // "" subscribes to all runs
	fn    func(Update)
}

// Registry holds the active-run set and the latest queue-stats snapshot.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu           sync.Mutex
	entries      map[string]*Entry
	removeTimers map[string]*time.Timer
	queueStats   *event.QueueStats
	queueStatsAt time.Time
	subs         map[uuid.UUID]subscriber
	statSubs     map[uuid.UUID]func(event.QueueStats)
	staleDropped int64
	closed       bool
}

// New creates an empty registry.
func New(cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig().Retention
	}

	return &Registry{
		cfg:          cfg,
		logger:       logger,
		entries:      make(map[string]*Entry),
		removeTimers: make(map[string]*time.Timer),
		subs:         make(map[uuid.UUID]subscriber),
		statSubs:     make(map[uuid.UUID]func(event.QueueStats)),
	}
}

// Close cancels pending removal timers. The registry must not be used after.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for id, t := range r.removeTimers {
		t.Stop()
		delete(r.removeTimers, id)
	}
}

// Subscribe registers a callback for updates to one run, or to all runs when
// runID is empty. Returns a handle for Unsubscribe.
func (r *Registry) Subscribe(runID string, fn func(Update)) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.New()
	r.subs[id] = subscriber{runID: runID, fn: fn}
	return id
}

// SubscribeStats registers a callback for queue-stats snapshots.
func (r *Registry) SubscribeStats(fn func(event.QueueStats)) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.New()
	r.statSubs[id] = fn
	return id
}

// Unsubscribe removes a subscription by handle.
func (r *Registry) Unsubscribe(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.subs, id)
	delete(r.statSubs, id)
}

// RegisterLocal inserts an optimistic entry for a run the UI just started,
// before the server has pushed anything about it.
func (r *Registry) RegisterLocal(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[e.RunID]; exists {
		return
	}

	e.Optimistic = true
	e.IsActive = true
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	r.entries[e.RunID] = &e
	r.notifyLocked(Update{Entry: e})
}

// ApplyStatus upserts the entry for a run_status event.
func (r *Registry) ApplyStatus(ev event.RunStatus, ts time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.applyStatusLocked(ev, ts)
}

// ApplyProgress upserts progress for a run_progress event. An unknown run id
// creates a minimal entry.
func (r *Registry) ApplyProgress(ev event.RunProgress, ts time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[ev.RunID]
	if !ok {
		e = &Entry{
			RunID:     ev.RunID,
			Progress:  ev.Progress,
			UpdatedAt: ts,
			IsActive:  true,
		}
		r.entries[ev.RunID] = e
		r.notifyLocked(Update{Entry: *e})
		return
	}

	if r.staleLocked(e, ts) {
		return
	}

	e.Progress = ev.Progress
	e.UpdatedAt = ts
	e.Optimistic = false
	r.notifyLocked(Update{Entry: *e})
}

// ApplyQueueStats replaces the queue-stats snapshot.
func (r *Registry) ApplyQueueStats(qs event.QueueStats, ts time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.queueStats = &qs
	r.queueStatsAt = ts
	for _, fn := range r.statSubs {
		fn(qs)
	}
}

// ReplaceAll installs the initial_state snapshot: the active-run set is
// replaced wholesale (the server is authoritative, reconciling anything that
// accumulated during a disconnect) and the queue-stats snapshot updated.
func (r *Registry) ReplaceAll(st event.InitialState, ts time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	incoming := make(map[string]struct{}, len(st.ActiveRuns))
	for _, ev := range st.ActiveRuns {
		incoming[ev.RunID] = struct{}{}
	}

	// Drop everything the snapshot does not mention, optimistic entries
	// included.
	for id, e := range r.entries {
		if _, ok := incoming[id]; ok {
			continue
		}
		r.cancelRemoveLocked(id)
		delete(r.entries, id)
		gone := *e
		gone.IsActive = false
		r.notifyLocked(Update{Entry: gone, Removed: true})
	}

	for _, ev := range st.ActiveRuns {
		r.applyStatusLocked(ev, ts)
	}

	if st.QueueStats != nil {
		r.queueStats = st.QueueStats
		r.queueStatsAt = ts
		for _, fn := range r.statSubs {
			fn(*st.QueueStats)
		}
	}
}

// ReconcilePolled merges a polled active-run list. Runs the server no longer
// reports are removed immediately; polling has already confirmed they are
// gone. Optimistic entries are kept until a poll or push confirms them.
func (r *Registry) ReconcilePolled(runs []event.RunStatus, ts time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{}, len(runs))
	for _, ev := range runs {
		seen[ev.RunID] = struct{}{}
		r.applyStatusLocked(ev, ts)
	}

	for id, e := range r.entries {
		if _, ok := seen[id]; ok {
			continue
		}
		if e.Optimistic {
			continue
		}
		if !e.IsActive {
			// Terminal entries ride out their retention window.
			continue
		}
		r.cancelRemoveLocked(id)
		delete(r.entries, id)
		gone := *e
		gone.IsActive = false
		r.notifyLocked(Update{Entry: gone, Removed: true})
	}
}

// Remove deletes an entry immediately.
func (r *Registry) Remove(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeLocked(runID)
}

// Get returns a copy of the entry for a run.
func (r *Registry) Get(runID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[runID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// GetAll returns copies of all entries.
func (r *Registry) GetAll() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	return out
}

// QueueStats returns the latest queue-stats snapshot, if any.
func (r *Registry) QueueStats() (event.QueueStats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.queueStats == nil {
		return event.QueueStats{}, false
	}
	return *r.queueStats, true
}

// Size returns the number of entries.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// StaleDropped returns how many updates were rejected as older than the
// stored entry.
func (r *Registry) StaleDropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.staleDropped
}

func (r *Registry) applyStatusLocked(ev event.RunStatus, ts time.Time) {
	e, ok := r.entries[ev.RunID]
	if !ok {
		e = &Entry{RunID: ev.RunID}
		r.entries[ev.RunID] = e
	} else if r.staleLocked(e, ts) {
		return
	}

	e.Status = ev.Status
	e.UpdatedAt = ts
	e.Optimistic = false
	if ev.RunType != "" {
		e.RunType = ev.RunType
	}
	if ev.DisplayName != "" {
		e.DisplayName = ev.DisplayName
	}
	if ev.ResourceID != "" {
		e.ResourceID = ev.ResourceID
	}
	if ev.ResourceType != "" {
		e.ResourceType = ev.ResourceType
	}
	if ev.Progress != nil {
		e.Progress = ev.Progress
	}
	if ev.ResultsSummary != nil {
		e.ResultsSummary = ev.ResultsSummary
	}
	if ev.ErrorMessage != "" {
		e.ErrorMessage = ev.ErrorMessage
	}
	if ev.StartedAt != nil {
		e.StartedAt = ev.StartedAt
	}

	if event.Terminal(ev.Status) {
		e.IsActive = false
		r.scheduleRemoveLocked(ev.RunID)
	} else {
		e.IsActive = true
		r.cancelRemoveLocked(ev.RunID)
	}

	r.notifyLocked(Update{Entry: *e})
}

// staleLocked reports whether an update carrying ts must be rejected. The
// first server-sourced update always replaces an optimistic entry.
func (r *Registry) staleLocked(e *Entry, ts time.Time) bool {
	if e.Optimistic {
		return false
	}
	if ts.Before(e.UpdatedAt) {
		r.staleDropped++
		r.logger.Debug("dropping stale update",
			"run_id", e.RunID,
			"have", e.UpdatedAt,
			"got", ts,
		)
		return true
	}
	return false
}

func (r *Registry) scheduleRemoveLocked(runID string) {
	r.cancelRemoveLocked(runID)
	if r.closed {
		return
	}
	r.removeTimers[runID] = time.AfterFunc(r.cfg.Retention, func() {
		r.expireRun(runID)
	})
}

func (r *Registry) cancelRemoveLocked(runID string) {
	if t, ok := r.removeTimers[runID]; ok {
		t.Stop()
		delete(r.removeTimers, runID)
	}
}

// expireRun fires when a terminal run's retention window elapses.
func (r *Registry) expireRun(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[runID]
	if !ok || e.IsActive {
		// Removed or restarted in the meantime.
		return
	}
	r.removeLocked(runID)
}

func (r *Registry) removeLocked(runID string) {
	e, ok := r.entries[runID]
	if !ok {
		return
	}
	r.cancelRemoveLocked(runID)
	delete(r.entries, runID)

	gone := *e
	gone.IsActive = false
	r.notifyLocked(Update{Entry: gone, Removed: true})
}

func (r *Registry) notifyLocked(u Update) {
	for _, s := range r.subs {
		if s.runID == "" || s.runID == u.Entry.RunID {
			s.fn(u)
		}
	}
}
