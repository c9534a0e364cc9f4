package journal

import (
	"context"
	"testing"
	"time"

	"github.com/avelez/ragconsole/internal/registry"
)

func TestTransform(t *testing.T) {
	j := New(DefaultConfig(), nil, nil)

	updated := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	row := j.transform(registry.Update{
		Entry: registry.Entry{
			RunID:        "run-1",
			RunType:      "rag_processing",
			Status:       "failed",
			ErrorMessage: "embedding service unavailable",
			Progress:     map[string]any{"current": 7},
			UpdatedAt:    updated,
		},
		Removed: true,
	})

	if row.RunID != "run-1" {
		t.Errorf("RunID = %q", row.RunID)
	}
	if row.Status != "failed" {
		t.Errorf("Status = %q", row.Status)
	}
	if row.ErrorMessage != "embedding service unavailable" {
		t.Errorf("ErrorMessage = %q", row.ErrorMessage)
	}
	if string(row.Progress) != `{"current":7}` {
		t.Errorf("Progress = %s", row.Progress)
	}
	if !row.Removed {
		t.Error("Removed = false")
	}
	if !row.UpdatedAt.Equal(updated) {
		t.Errorf("UpdatedAt = %v", row.UpdatedAt)
	}
	if row.RecordedAt.IsZero() {
		t.Error("RecordedAt not set")
	}
}

func TestTransform_NoProgress(t *testing.T) {
	j := New(DefaultConfig(), nil, nil)

	row := j.transform(registry.Update{
		Entry: registry.Entry{RunID: "run-1", Status: "pending"},
	})
	if row.Progress != nil {
		t.Errorf("Progress = %v, want nil", row.Progress)
	}
}

func TestRecord_Accumulates(t *testing.T) {
	j := New(Config{BatchSize: 10, FlushInterval: time.Hour}, nil, nil)

	for i := 0; i < 3; i++ {
		j.Record(registry.Update{
			Entry: registry.Entry{RunID: "run-1", Status: "running"},
		})
	}

	if got := j.Stats().Recorded; got != 3 {
		t.Errorf("Recorded = %d, want 3", got)
	}

	j.batchMu.Lock()
	got := len(j.batch)
	j.batchMu.Unlock()
	if got != 3 {
		t.Errorf("batch = %d rows, want 3", got)
	}
}

func TestRecord_FullBatchNeverFlushesInline(t *testing.T) {
	// Record runs on registry subscriber goroutines with the registry locked,
	// so a full batch must only signal the flush goroutine. With no flush
	// loop running, the rows have to stay in the buffer.
	j := New(Config{BatchSize: 2, FlushInterval: time.Hour}, nil, nil)

	j.Record(registry.Update{Entry: registry.Entry{RunID: "a"}})
	j.Record(registry.Update{Entry: registry.Entry{RunID: "b"}})
	j.Record(registry.Update{Entry: registry.Entry{RunID: "c"}})

	j.batchMu.Lock()
	got := len(j.batch)
	j.batchMu.Unlock()
	if got != 3 {
		t.Errorf("batch = %d rows with no flush goroutine, want 3", got)
	}
}

func TestRecord_FullBatchSignalsFlush(t *testing.T) {
	j := New(Config{BatchSize: 2, FlushInterval: time.Hour}, nil, nil)

	if err := j.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		j.Stop(ctx)
	}()

	j.Record(registry.Update{Entry: registry.Entry{RunID: "a"}})
	j.Record(registry.Update{Entry: registry.Entry{RunID: "b"}})

	// The ticker interval is an hour; only the full-batch signal can drain
	// the buffer this quickly.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		j.batchMu.Lock()
		n := len(j.batch)
		j.batchMu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("full batch not drained by the flush goroutine")
}

func TestJournal_StartStop(t *testing.T) {
	j := New(Config{BatchSize: 100, FlushInterval: 10 * time.Millisecond}, nil, nil)

	if err := j.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	j.Record(registry.Update{Entry: registry.Entry{RunID: "run-1", Status: "completed"}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := j.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// The final flush drained everything.
	j.batchMu.Lock()
	got := len(j.batch)
	j.batchMu.Unlock()
	if got != 0 {
		t.Errorf("batch = %d rows after Stop, want 0", got)
	}
}
