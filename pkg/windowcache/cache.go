// Package windowcache keeps a rolling neighborhood of trip windows resident
// while playback moves through time. Time is bucketed into fixed 30 minute
// windows; whenever the active bucket changes the cache makes sure the
// active bucket and its two neighbors are either present or being fetched,
// and drops buckets that have drifted too far away.
//
// A single goroutine owns every map in here. Fetches run concurrently and
// deliver their rows back over a channel, so two SetActive calls landing on
// the same bucket can never start a duplicate fetch or tear a bucket in
// half: a bucket is absent, in-flight, or fully populated.
package windowcache

import (
	"context"
	"sort"
	"time"

	"velotrace/pkg/engine"
)

// BucketMs is the fixed window width. Thirty minutes matches how far the
// player typically scrubs without a hard seek.
const BucketMs = int64(30 * time.Minute / time.Millisecond)

// evictDistance is how many buckets away from the active one a cached
// bucket may sit before it is dropped.
const evictDistance = 3

// BucketFor maps an absolute time to its bucket index.
func BucketFor(timeMs int64) int64 {
	if timeMs < 0 {
		return (timeMs - BucketMs + 1) / BucketMs
	}
	return timeMs / BucketMs
}

// FetchFunc loads every trip overlapping the half-open window.
type FetchFunc func(ctx context.Context, startMs, endMs int64) ([]engine.EncodedRow, error)

// Cache is the rolling bucket store for one session.
type Cache struct {
	fetch FetchFunc
	logf  func(string, ...any)

	activeCh   chan activeReq
	snapshotCh chan chan snapshot
	resultCh   chan fetchResult
	done       chan struct{}
	finished   chan struct{}
}

type activeReq struct {
	ctx    context.Context
	bucket int64
}

type snapshot struct {
	rows    []engine.EncodedRow
	version uint64
}

type fetchResult struct {
	bucket int64
	rows   []engine.EncodedRow
	err    error
}

// New starts the cache around the given fetch function. Logf is optional.
func New(fetch FetchFunc, logf func(string, ...any)) *Cache {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	c := &Cache{
		fetch:      fetch,
		logf:       logf,
		activeCh:   make(chan activeReq),
		snapshotCh: make(chan chan snapshot),
		resultCh:   make(chan fetchResult),
		done:       make(chan struct{}),
		finished:   make(chan struct{}),
	}
	go c.loop()
	return c
}

// Close stops the owner goroutine. In-flight fetches finish on their own
// and their results are discarded.
func (c *Cache) Close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	<-c.finished
}

// SetActive tells the cache which bucket playback currently sits in. The
// call returns as soon as the owner goroutine has queued whatever fetches
// the move requires; it never waits for data.
func (c *Cache) SetActive(ctx context.Context, bucket int64) {
	select {
	case <-c.done:
	case c.activeCh <- activeReq{ctx: ctx, bucket: bucket}:
	}
}

// Snapshot returns the consumer-facing row set and the version it belongs
// to. The set unions the active bucket and its two neighbors only, deduped
// by (TripID, StartMs) and ordered by start time; buckets further out stay
// cached but invisible, they exist purely to absorb small back-and-forth
// seeks without refetching.
func (c *Cache) Snapshot() ([]engine.EncodedRow, uint64) {
	reply := make(chan snapshot, 1)
	select {
	case <-c.done:
		return nil, 0
	case c.snapshotCh <- reply:
	}
	select {
	case <-c.done:
		return nil, 0
	case s := <-reply:
		return s.rows, s.version
	}
}

// Version reports the current cache version without building a snapshot.
func (c *Cache) Version() uint64 {
	_, v := c.Snapshot()
	return v
}

func (c *Cache) loop() {
	defer close(c.finished)

	buckets := make(map[int64][]engine.EncodedRow)
	inflight := make(map[int64]bool)
	var version uint64
	active := int64(0)
	haveActive := false

	for {
		select {
		case <-c.done:
			return

		case req := <-c.activeCh:
			active = req.bucket
			haveActive = true
			for _, b := range []int64{active - 1, active, active + 1} {
				if _, ok := buckets[b]; ok || inflight[b] {
					continue
				}
				inflight[b] = true
				go c.runFetch(req.ctx, b)
			}
			evict(buckets, active)

		case res := <-c.resultCh:
			delete(inflight, res.bucket)
			if res.err != nil {
				// The bucket stays absent; a later activation of this
				// neighborhood will try again.
				c.logf("windowcache: bucket %d fetch failed: %v", res.bucket, res.err)
				continue
			}
			if res.rows == nil {
				res.rows = []engine.EncodedRow{}
			}
			buckets[res.bucket] = res.rows
			version++
			if haveActive {
				evict(buckets, active)
			}

		case reply := <-c.snapshotCh:
			reply <- snapshot{rows: unionRows(buckets, active, haveActive), version: version}
		}
	}
}

func (c *Cache) runFetch(ctx context.Context, bucket int64) {
	start := bucket * BucketMs
	rows, err := c.fetch(ctx, start, start+BucketMs)
	select {
	case <-c.done:
	case c.resultCh <- fetchResult{bucket: bucket, rows: rows, err: err}:
	}
}

func evict(buckets map[int64][]engine.EncodedRow, active int64) {
	for b := range buckets {
		if dist(b, active) > evictDistance {
			delete(buckets, b)
		}
	}
}

func dist(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}

// unionRows merges active-1, active, active+1. A trip spanning a bucket
// boundary appears in both buckets' query results, so identity is the
// (TripID, StartMs) pair.
func unionRows(buckets map[int64][]engine.EncodedRow, active int64, haveActive bool) []engine.EncodedRow {
	if !haveActive {
		return []engine.EncodedRow{}
	}
	type identity struct {
		trip  string
		start int64
	}
	seen := make(map[identity]bool)
	out := make([]engine.EncodedRow, 0, 256)
	for _, b := range []int64{active - 1, active, active + 1} {
		for _, row := range buckets[b] {
			id := identity{trip: row.TripID, start: row.StartMs}
			if seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, row)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartMs < out[j].StartMs })
	return out
}
