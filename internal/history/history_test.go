package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/NodePath81/lossmon/internal/report"
)

func openTemp(t *testing.T, retention time.Duration) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "history.db"), retention)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRecordAndRecent(t *testing.T) {
	store := openTemp(t, 0)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		snap := report.Snapshot{
			NodeID:   "node-a",
			Time:     base.Add(time.Duration(i) * time.Second),
			Received: uint64(10 * i),
			Lost:     uint64(i),
			Devices:  2,
		}
		if err := store.Record(ctx, snap); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}

	rows, err := store.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	if rows[0].Received != 40 || rows[0].Lost != 4 || rows[2].Received != 20 {
		t.Fatalf("unexpected order: %+v", rows)
	}
	if rows[0].TakenAt != base.Add(4*time.Second).UnixMilli() {
		t.Fatalf("taken_at = %d", rows[0].TakenAt)
	}
	if rows[0].NodeID != "node-a" || rows[0].Devices != 2 {
		t.Fatalf("unexpected row: %+v", rows[0])
	}
}

func TestLargeCountersSurvive(t *testing.T) {
	store := openTemp(t, 0)
	ctx := context.Background()
	snap := report.Snapshot{NodeID: "n", Time: time.Now(), Received: 1<<63 - 1, Lost: 1 << 40}
	if err := store.Record(ctx, snap); err != nil {
		t.Fatalf("Record: %v", err)
	}
	rows, err := store.Recent(ctx, 1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if rows[0].Received != snap.Received || rows[0].Lost != snap.Lost {
		t.Fatalf("round trip mismatch: %+v", rows[0])
	}
}

func TestRetentionPrunes(t *testing.T) {
	store := openTemp(t, time.Minute)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, offset := range []time.Duration{0, 30 * time.Second, 2 * time.Minute} {
		if err := store.Record(ctx, report.Snapshot{NodeID: "n", Time: base.Add(offset)}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	rows, err := store.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1 after pruning", len(rows))
	}
}

func TestClosedStore(t *testing.T) {
	store := openTemp(t, 0)
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := store.Record(context.Background(), report.Snapshot{Time: time.Now()}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Record after close: %v", err)
	}
	if _, err := store.Recent(context.Background(), 1); !errors.Is(err, ErrClosed) {
		t.Fatalf("Recent after close: %v", err)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("", 0); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
