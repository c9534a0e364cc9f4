package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/avelez/ragconsole/internal/connection"
	"github.com/avelez/ragconsole/internal/event"
)

// fakeSink records routed events for assertions.
type fakeSink struct {
	statuses   []event.RunStatus
	progresses []event.RunProgress
	queueStats []event.QueueStats
	snapshots  []event.InitialState
	timestamps []time.Time
}

func (f *fakeSink) ApplyStatus(ev event.RunStatus, ts time.Time) {
	f.statuses = append(f.statuses, ev)
	f.timestamps = append(f.timestamps, ts)
}

func (f *fakeSink) ApplyProgress(ev event.RunProgress, ts time.Time) {
	f.progresses = append(f.progresses, ev)
	f.timestamps = append(f.timestamps, ts)
}

func (f *fakeSink) ApplyQueueStats(qs event.QueueStats, ts time.Time) {
	f.queueStats = append(f.queueStats, qs)
	f.timestamps = append(f.timestamps, ts)
}

func (f *fakeSink) ReplaceAll(st event.InitialState, ts time.Time) {
	f.snapshots = append(f.snapshots, st)
	f.timestamps = append(f.timestamps, ts)
}

func frame(data string) connection.TimestampedMessage {
	return connection.TimestampedMessage{
		Data:       []byte(data),
		ReceivedAt: time.Now(),
	}
}

func TestRoute_RunStatus(t *testing.T) {
	sink := &fakeSink{}
	d := New(nil, sink, nil, nil)

	d.Route(frame(`{
		"type": "run_status",
		"timestamp": "2025-06-01T12:00:00Z",
		"data": {"run_id": "run-1", "run_type": "rag_processing", "status": "running"}
	}`))

	if len(sink.statuses) != 1 {
		t.Fatalf("statuses = %d, want 1", len(sink.statuses))
	}
	got := sink.statuses[0]
	if got.RunID != "run-1" {
		t.Errorf("RunID = %q", got.RunID)
	}
	if got.Status != "running" {
		t.Errorf("Status = %q", got.Status)
	}

	want := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if !sink.timestamps[0].Equal(want) {
		t.Errorf("ts = %v, want envelope timestamp %v", sink.timestamps[0], want)
	}

	stats := d.Stats()
	if stats.Routed != 1 {
		t.Errorf("Routed = %d, want 1", stats.Routed)
	}
}

func TestRoute_RunStatus_MissingRunID(t *testing.T) {
	sink := &fakeSink{}
	d := New(nil, sink, nil, nil)

	d.Route(frame(`{"type": "run_status", "data": {"status": "running"}}`))

	if len(sink.statuses) != 0 {
		t.Errorf("statuses = %d, want 0", len(sink.statuses))
	}
	if got := d.Stats().ParseErrors; got != 1 {
		t.Errorf("ParseErrors = %d, want 1", got)
	}
}

func TestRoute_RunProgress(t *testing.T) {
	sink := &fakeSink{}
	d := New(nil, sink, nil, nil)

	d.Route(frame(`{
		"type": "run_progress",
		"data": {"run_id": "run-2", "progress": {"current": 50, "total": 100}}
	}`))

	if len(sink.progresses) != 1 {
		t.Fatalf("progresses = %d, want 1", len(sink.progresses))
	}
	if sink.progresses[0].RunID != "run-2" {
		t.Errorf("RunID = %q", sink.progresses[0].RunID)
	}
	if got := sink.progresses[0].Progress["current"]; got != float64(50) {
		t.Errorf("progress.current = %v", got)
	}

	// No envelope timestamp; receipt time is used.
	if sink.timestamps[0].IsZero() {
		t.Error("expected receipt timestamp fallback")
	}
}

func TestRoute_InitialState(t *testing.T) {
	sink := &fakeSink{}
	d := New(nil, sink, nil, nil)

	d.Route(frame(`{
		"type": "initial_state",
		"data": {
			"active_runs": [
				{"run_id": "a", "status": "running"},
				{"run_id": "b", "status": "pending"}
			],
			"queue_stats": {"throughput": 2.5}
		}
	}`))

	if len(sink.snapshots) != 1 {
		t.Fatalf("snapshots = %d, want 1", len(sink.snapshots))
	}
	st := sink.snapshots[0]
	if len(st.ActiveRuns) != 2 {
		t.Errorf("ActiveRuns = %d, want 2", len(st.ActiveRuns))
	}
	if st.QueueStats == nil || st.QueueStats.Throughput != 2.5 {
		t.Errorf("QueueStats = %+v", st.QueueStats)
	}
}

func TestRoute_QueueStats(t *testing.T) {
	sink := &fakeSink{}
	d := New(nil, sink, nil, nil)

	d.Route(frame(`{
		"type": "queue_stats",
		"data": {"pending": {"rag_processing": 3}, "recent_failed": 1}
	}`))

	if len(sink.queueStats) != 1 {
		t.Fatalf("queueStats = %d, want 1", len(sink.queueStats))
	}
	if got := sink.queueStats[0].Pending["rag_processing"]; got != 3 {
		t.Errorf("pending = %d, want 3", got)
	}
}

func TestRoute_RunLog(t *testing.T) {
	sink := &fakeSink{}
	var logs []event.RunLog
	d := New(nil, sink, func(l event.RunLog) { logs = append(logs, l) }, nil)

	d.Route(frame(`{
		"type": "run_log",
		"data": {"run_id": "run-3", "level": "info", "message": "chunking started"}
	}`))

	if len(logs) != 1 {
		t.Fatalf("logs = %d, want 1", len(logs))
	}
	if logs[0].Message != "chunking started" {
		t.Errorf("Message = %q", logs[0].Message)
	}
	if len(sink.statuses)+len(sink.progresses) != 0 {
		t.Error("run_log must not touch the sink")
	}
}

func TestRoute_RunLog_NilHandler(t *testing.T) {
	d := New(nil, &fakeSink{}, nil, nil)

	// Must not panic without a handler.
	d.Route(frame(`{"type": "run_log", "data": {"run_id": "x", "message": "m"}}`))

	if got := d.Stats().Routed; got != 1 {
		t.Errorf("Routed = %d, want 1", got)
	}
}

func TestRoute_Pong(t *testing.T) {
	sink := &fakeSink{}
	d := New(nil, sink, nil, nil)

	d.Route(frame(`{"type": "pong"}`))

	stats := d.Stats()
	if stats.Pongs != 1 {
		t.Errorf("Pongs = %d, want 1", stats.Pongs)
	}
	if stats.Routed != 0 {
		t.Errorf("Routed = %d, want 0", stats.Routed)
	}
}

func TestRoute_MalformedJSON(t *testing.T) {
	sink := &fakeSink{}
	d := New(nil, sink, nil, nil)

	d.Route(frame(`{not json`))

	stats := d.Stats()
	if stats.ParseErrors != 1 {
		t.Errorf("ParseErrors = %d, want 1", stats.ParseErrors)
	}
	if stats.Routed != 0 {
		t.Errorf("Routed = %d, want 0", stats.Routed)
	}
	if len(sink.statuses)+len(sink.progresses)+len(sink.snapshots) != 0 {
		t.Error("malformed frame must not reach the sink")
	}
}

func TestRoute_UnknownType(t *testing.T) {
	sink := &fakeSink{}
	d := New(nil, sink, nil, nil)

	d.Route(frame(`{"type": "shard_rebalance", "data": {}}`))

	stats := d.Stats()
	if stats.Unknown != 1 {
		t.Errorf("Unknown = %d, want 1", stats.Unknown)
	}
	if stats.Routed != 0 {
		t.Errorf("Routed = %d, want 0", stats.Routed)
	}
}

func TestDispatcher_StartStop(t *testing.T) {
	input := make(chan connection.TimestampedMessage, 10)
	sink := &fakeSink{}
	d := New(input, sink, nil, nil)

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	input <- frame(`{"type": "run_status", "data": {"run_id": "r", "status": "running"}}`)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if d.Stats().Routed == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := d.Stats().Routed; got != 1 {
		t.Fatalf("Routed = %d, want 1", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Stop(ctx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

func TestDispatcher_InputClosed(t *testing.T) {
	input := make(chan connection.TimestampedMessage)
	d := New(input, &fakeSink{}, nil, nil)

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	close(input)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Stop(ctx); err != nil {
		t.Errorf("Stop after input close = %v", err)
	}
}
