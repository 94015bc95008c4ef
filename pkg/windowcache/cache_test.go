package windowcache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"velotrace/pkg/engine"
)

// recorder is a fetch stub that logs every requested window to a buffered
// channel and serves rows from a fixed map keyed by bucket index.
type recorder struct {
	calls chan int64
	rows  map[int64][]engine.EncodedRow
	fail  map[int64]bool
}

func newRecorder() *recorder {
	return &recorder{
		calls: make(chan int64, 256),
		rows:  make(map[int64][]engine.EncodedRow),
		fail:  make(map[int64]bool),
	}
}

func (r *recorder) fetch(ctx context.Context, startMs, endMs int64) ([]engine.EncodedRow, error) {
	b := BucketFor(startMs)
	r.calls <- b
	if r.fail[b] {
		return nil, fmt.Errorf("bucket %d unavailable", b)
	}
	return r.rows[b], nil
}

func (r *recorder) drainCalls() []int64 {
	out := []int64{}
	for {
		select {
		case b := <-r.calls:
			out = append(out, b)
		default:
			return out
		}
	}
}

func row(trip string, startMs int64) engine.EncodedRow {
	return engine.EncodedRow{TripID: trip, StartMs: startMs, EndMs: startMs + 60_000}
}

// waitVersion polls until the cache version reaches at least want.
func waitVersion(t *testing.T, c *Cache, want uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, v := c.Snapshot(); v >= want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	_, v := c.Snapshot()
	t.Fatalf("cache version %d never reached %d", v, want)
}

// TestPrefetchNeighbors: activating bucket K fetches K-1, K, K+1 and no
// repeat activation refetches populated buckets.
func TestPrefetchNeighbors(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	c := New(rec.fetch, t.Logf)
	defer c.Close()

	c.SetActive(context.Background(), 10)
	waitVersion(t, c, 3)

	got := map[int64]bool{}
	for _, b := range rec.drainCalls() {
		if got[b] {
			t.Fatalf("bucket %d fetched twice", b)
		}
		got[b] = true
	}
	for _, b := range []int64{9, 10, 11} {
		if !got[b] {
			t.Fatalf("bucket %d never fetched, calls=%v", b, got)
		}
	}

	// Re-activating the same bucket must not refetch anything.
	c.SetActive(context.Background(), 10)
	time.Sleep(20 * time.Millisecond)
	if extra := rec.drainCalls(); len(extra) != 0 {
		t.Fatalf("repeat activation refetched buckets %v", extra)
	}
}

// TestSnapshotDedupAndOrder: a trip straddling a bucket boundary shows up in
// both bucket results but only once in the snapshot, and rows come back
// ordered by start time.
func TestSnapshotDedupAndOrder(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	straddler := row("trip-x", 5*BucketMs-1)
	rec.rows[4] = []engine.EncodedRow{row("trip-a", 4*BucketMs + 10), straddler}
	rec.rows[5] = []engine.EncodedRow{straddler, row("trip-b", 5*BucketMs + 10)}
	rec.rows[6] = []engine.EncodedRow{row("trip-c", 6*BucketMs + 10)}

	c := New(rec.fetch, t.Logf)
	defer c.Close()

	c.SetActive(context.Background(), 5)
	waitVersion(t, c, 3)

	rows, _ := c.Snapshot()
	if len(rows) != 4 {
		t.Fatalf("got %d rows want 4 (straddler deduped): %+v", len(rows), rows)
	}
	for i := 1; i < len(rows); i++ {
		if rows[i].StartMs < rows[i-1].StartMs {
			t.Fatalf("rows out of order at %d: %+v", i, rows)
		}
	}
	seen := 0
	for _, r := range rows {
		if r.TripID == "trip-x" {
			seen++
		}
	}
	if seen != 1 {
		t.Fatalf("straddler appeared %d times", seen)
	}
}

// TestEvictionOnJump: moving the active bucket from K to K+5 drops every
// cached bucket outside [K+2, K+8], observable as refetches when we move
// back.
func TestEvictionOnJump(t *testing.T) {
	t.Parallel()

	const k = 100
	rec := newRecorder()
	c := New(rec.fetch, t.Logf)
	defer c.Close()

	c.SetActive(context.Background(), k)
	waitVersion(t, c, 3)
	rec.drainCalls()

	c.SetActive(context.Background(), k+5)
	waitVersion(t, c, 6)
	rec.drainCalls()

	// K-1..K+1 are now outside [K+2, K+8] and must have been evicted, so
	// returning to K fetches all three again.
	c.SetActive(context.Background(), k)
	waitVersion(t, c, 9)

	refetched := map[int64]bool{}
	for _, b := range rec.drainCalls() {
		refetched[b] = true
	}
	for _, b := range []int64{k - 1, k, k + 1} {
		if !refetched[b] {
			t.Fatalf("bucket %d not refetched after eviction, got %v", b, refetched)
		}
	}
}

// TestRetainedNeighborsSurviveSmallMove: a one-bucket move keeps the already
// cached overlap, only the new edge bucket is fetched.
func TestRetainedNeighborsSurviveSmallMove(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	c := New(rec.fetch, t.Logf)
	defer c.Close()

	c.SetActive(context.Background(), 20)
	waitVersion(t, c, 3)
	rec.drainCalls()

	c.SetActive(context.Background(), 21)
	waitVersion(t, c, 4)

	calls := rec.drainCalls()
	if len(calls) != 1 || calls[0] != 22 {
		t.Fatalf("expected only bucket 22 to be fetched, got %v", calls)
	}
}

// TestFailedFetchLeavesBucketRetryable: a failing bucket stays absent, does
// not bump the version, and a later activation tries it again.
func TestFailedFetchLeavesBucketRetryable(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	rec.fail[31] = true
	c := New(rec.fetch, t.Logf)
	defer c.Close()

	c.SetActive(context.Background(), 30)
	waitVersion(t, c, 2) // 29 and 30 succeed, 31 fails

	// Give the failing fetch time to land, then check it did not count.
	time.Sleep(20 * time.Millisecond)
	if _, v := c.Snapshot(); v != 2 {
		t.Fatalf("version=%d want 2, failed fetch must not count", v)
	}
	rec.drainCalls()

	rec.fail[31] = false
	c.SetActive(context.Background(), 30)
	waitVersion(t, c, 3)

	calls := rec.drainCalls()
	if len(calls) != 1 || calls[0] != 31 {
		t.Fatalf("expected retry of bucket 31 only, got %v", calls)
	}
}
