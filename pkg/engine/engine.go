// Package engine runs windowed trip queries over a set of remote parquet
// files through an embedded DuckDB connection. One Engine belongs to one
// playback session: it owns the descriptor list, the connection, and a spill
// directory for files it had to pull down whole, and all of that dies
// together in Close.
//
// All state lives inside a single goroutine and is reached over channels,
// so concurrent window fetches from the cache layer never race on
// descriptor status.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb"
)

const (
	parquetMagic = "PAR1"

	// The smallest structurally valid parquet file: leading magic,
	// four byte footer length, trailing magic.
	minFooterBytes = 12

	defaultRowCap = 50_000
)

// Config carries the session-level knobs. Zero values get sane defaults so
// tests can construct engines with a one-liner.
type Config struct {
	RowCap   int
	Client   *http.Client
	Logf     func(string, ...any)
	SpillDir string
}

type scanFunc func(ctx context.Context, paths []string, startMs, endMs int64) ([]EncodedRow, error)

type probeFunc func(ctx context.Context, path, expr string) (int64, bool, error)

// Engine owns validated file metadata and the DuckDB connection for one
// session. Use New to construct and Close to tear down; Close removes every
// spill file the session materialized.
type Engine struct {
	db    *sql.DB
	cfg   Config
	descs []*FileDescriptor
	spill string

	// scan and probe are swappable in tests so the recovery and bounds
	// fallthrough loops can be exercised without provoking real parquet
	// corruption.
	scan  scanFunc
	probe probeFunc

	bounds    TimeBounds
	hasBounds bool

	boundsCh  chan boundsReq
	windowCh  chan windowReq
	countsCh  chan countsReq
	summaryCh chan chan Summary
	done      chan struct{}
	finished  chan struct{}
}

type boundsReq struct {
	ctx   context.Context
	reply chan boundsResp
}

type boundsResp struct {
	bounds TimeBounds
	err    error
}

type windowReq struct {
	ctx     context.Context
	startMs int64
	endMs   int64
	reply   chan windowResp
}

type windowResp struct {
	rows []EncodedRow
	err  error
}

type countsReq struct {
	ctx   context.Context
	reply chan countsResp
}

type countsResp struct {
	counts []DayCount
	err    error
}

// New opens an in-memory DuckDB, prepares it for parquet scanning, and
// builds descriptors for the given source paths. Sources should already have
// passed health validation. The httpfs extension is only loaded when at
// least one source is remote, so local-file sessions work offline.
func New(ctx context.Context, cfg Config, sources []string) (*Engine, error) {
	if cfg.RowCap <= 0 {
		cfg.RowCap = defaultRowCap
	}
	if cfg.Logf == nil {
		cfg.Logf = func(string, ...any) {}
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 60 * time.Second}
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, fmt.Sprintf("SET threads = %d", runtime.GOMAXPROCS(0))); err != nil {
		db.Close()
		return nil, fmt.Errorf("tune duckdb: %w", err)
	}
	if anyRemote(sources) {
		if _, err := db.ExecContext(ctx, "INSTALL httpfs; LOAD httpfs;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("load httpfs: %w", err)
		}
	}

	spill, err := os.MkdirTemp(cfg.SpillDir, "velotrace-spill-")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create spill dir: %w", err)
	}

	e := &Engine{
		db:        db,
		cfg:       cfg,
		descs:     newDescriptors(sources),
		spill:     spill,
		boundsCh:  make(chan boundsReq),
		windowCh:  make(chan windowReq),
		countsCh:  make(chan countsReq),
		summaryCh: make(chan chan Summary),
		done:      make(chan struct{}),
		finished:  make(chan struct{}),
	}
	e.scan = e.scanParquet
	e.probe = e.probeParquet
	go e.loop()
	return e, nil
}

// Close tears the session down: the connection closes and every spill file
// is removed. Safe to call more than once; it returns after cleanup is done.
func (e *Engine) Close() {
	select {
	case <-e.done:
	default:
		close(e.done)
	}
	<-e.finished
}

// Bounds returns the dataset's global time range, computing it on first use
// and serving the cached value afterwards. The result is immutable for the
// lifetime of the session.
func (e *Engine) Bounds(ctx context.Context) (TimeBounds, error) {
	req := boundsReq{ctx: ctx, reply: make(chan boundsResp, 1)}
	select {
	case <-ctx.Done():
		return TimeBounds{}, ctx.Err()
	case <-e.done:
		return TimeBounds{}, ErrClosed
	case e.boundsCh <- req:
	}
	select {
	case <-ctx.Done():
		return TimeBounds{}, ctx.Err()
	case <-e.done:
		return TimeBounds{}, ErrClosed
	case resp := <-req.reply:
		return resp.bounds, resp.err
	}
}

// FetchWindow returns trips overlapping the half-open range [startMs, endMs)
// ordered by start time ascending. Failing files are materialized or
// excluded along the way; an exhausted source set yields an empty slice, not
// an error, because one bad file must never halt playback.
func (e *Engine) FetchWindow(ctx context.Context, startMs, endMs int64) ([]EncodedRow, error) {
	req := windowReq{ctx: ctx, startMs: startMs, endMs: endMs, reply: make(chan windowResp, 1)}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.done:
		return nil, ErrClosed
	case e.windowCh <- req:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.done:
		return nil, ErrClosed
	case resp := <-req.reply:
		return resp.rows, resp.err
	}
}

// DailyCounts aggregates trips per day across all usable files.
func (e *Engine) DailyCounts(ctx context.Context) ([]DayCount, error) {
	req := countsReq{ctx: ctx, reply: make(chan countsResp, 1)}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.done:
		return nil, ErrClosed
	case e.countsCh <- req:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.done:
		return nil, ErrClosed
	case resp := <-req.reply:
		return resp.counts, resp.err
	}
}

// Summary reports descriptor states in aggregate.
func (e *Engine) Summary() Summary {
	reply := make(chan Summary, 1)
	select {
	case <-e.done:
		return Summary{}
	case e.summaryCh <- reply:
	}
	select {
	case <-e.done:
		return Summary{}
	case s := <-reply:
		return s
	}
}

func (e *Engine) loop() {
	defer close(e.finished)
	for {
		select {
		case <-e.done:
			e.db.Close()
			os.RemoveAll(e.spill)
			return
		case req := <-e.boundsCh:
			b, err := e.computeBounds(req.ctx)
			req.reply <- boundsResp{bounds: b, err: err}
		case req := <-e.windowCh:
			rows, err := e.fetchWindow(req.ctx, req.startMs, req.endMs)
			req.reply <- windowResp{rows: rows, err: err}
		case req := <-e.countsCh:
			counts, err := e.dailyCounts(req.ctx)
			req.reply <- countsResp{counts: counts, err: err}
		case reply := <-e.summaryCh:
			reply <- e.summary()
		}
	}
}

// ====================
// Bounds determination
// ====================

// computeBounds probes the chronologically earliest file for the minimum
// start and the latest for the maximum end, falling through to the next file
// whenever a probe errors. Day-indexed names usually correlate with content,
// and when they don't the fallthrough still lands on a correct answer
// eventually because every file gets its turn.
func (e *Engine) computeBounds(ctx context.Context) (TimeBounds, error) {
	if e.hasBounds {
		return e.bounds, nil
	}
	minMs, minOK, minErr := e.probeBound(ctx, e.usableDescriptors(false), "min(start_time)")
	maxMs, maxOK, maxErr := e.probeBound(ctx, e.usableDescriptors(true), "max(end_time)")
	if !minOK || !maxOK {
		err := minErr
		if err == nil {
			err = maxErr
		}
		return TimeBounds{}, &BoundsUnavailableError{Files: len(e.descs), Err: err}
	}
	e.bounds = TimeBounds{MinMs: minMs, MaxMs: maxMs}
	e.hasBounds = true
	return e.bounds, nil
}

func (e *Engine) probeBound(ctx context.Context, descs []*FileDescriptor, expr string) (int64, bool, error) {
	var lastErr error
	for _, d := range descs {
		v, valid, err := e.probe(ctx, d.CurrentPath(), expr)
		if err != nil {
			lastErr = err
			e.exclude(d, err)
			continue
		}
		if !valid {
			// Readable but empty. The file stays usable; it just
			// cannot anchor the bounds.
			continue
		}
		return v, true, nil
	}
	return 0, false, lastErr
}

func (e *Engine) probeParquet(ctx context.Context, path, expr string) (int64, bool, error) {
	q := fmt.Sprintf(
		"SELECT CAST(epoch_ms(%s) AS BIGINT) FROM read_parquet('%s')",
		expr, escapeSQL(path),
	)
	var v sql.NullInt64
	if err := e.db.QueryRowContext(ctx, q).Scan(&v); err != nil {
		return 0, false, err
	}
	return v.Int64, v.Valid, nil
}

func (e *Engine) usableDescriptors(reverse bool) []*FileDescriptor {
	out := make([]*FileDescriptor, 0, len(e.descs))
	for _, d := range e.descs {
		if d.usable() {
			out = append(out, d)
		}
	}
	if reverse {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

// ====================
// Windowed fetch + recovery
// ====================

func (e *Engine) fetchWindow(ctx context.Context, startMs, endMs int64) ([]EncodedRow, error) {
	files := e.windowFiles(startMs, endMs)
	for {
		if len(files) == 0 {
			return []EncodedRow{}, nil
		}
		paths := make([]string, len(files))
		for i, d := range files {
			paths[i] = d.CurrentPath()
		}
		rows, err := e.scan(ctx, paths, startMs, endMs)
		if err == nil {
			return rows, nil
		}
		if ctx.Err() != nil {
			return nil, &WindowFetchError{StartMs: startMs, EndMs: endMs, Err: err}
		}

		desc := resolveOffending(err.Error(), files)
		if desc == nil {
			return nil, &WindowFetchError{StartMs: startMs, EndMs: endMs, Err: err}
		}
		if desc.Status == StatusHealthy {
			if merr := e.materialize(ctx, desc); merr == nil {
				e.cfg.Logf("engine: materialized %s after query failure: %v", desc.Basename(), err)
				continue
			} else {
				e.cfg.Logf("engine: could not materialize %s: %v", desc.Basename(), merr)
			}
		}
		e.exclude(desc, err)
		files = removeDescriptor(files, desc)
	}
}

// windowFiles selects descriptors whose day falls in [day(start) - 1 day,
// day(end)]. The one day backward pad catches trips that span midnight.
// Files without a recognisable day are always included since their temporal
// extent is unknown.
func (e *Engine) windowFiles(startMs, endMs int64) []*FileDescriptor {
	lower := time.UnixMilli(startMs).UTC().Truncate(24 * time.Hour).Add(-24 * time.Hour)
	upper := time.UnixMilli(endMs).UTC().Truncate(24 * time.Hour)
	out := make([]*FileDescriptor, 0, len(e.descs))
	for _, d := range e.descs {
		if !d.usable() {
			continue
		}
		if d.DayKey.IsZero() || (!d.DayKey.Before(lower) && !d.DayKey.After(upper)) {
			out = append(out, d)
		}
	}
	return out
}

func (e *Engine) scanParquet(ctx context.Context, paths []string, startMs, endMs int64) ([]EncodedRow, error) {
	rows, err := e.queryRows(ctx, paths, startMs, endMs, true)
	if err != nil && isMissingOptionalColumn(err) {
		// None of the selected files carries the optional columns, so a
		// COALESCE over them cannot bind. Fall back to literal defaults.
		rows, err = e.queryRows(ctx, paths, startMs, endMs, false)
	}
	return rows, err
}

// windowQuery selects every trip overlapping a half-open window: the first
// placeholder binds the window end, the second the start, so a trip counts
// when start_time < end AND end_time >= start. Results come back ordered by
// start_time and capped at rowCap.
func windowQuery(paths []string, withOptionals bool, rowCap int) string {
	quoted := make([]string, len(paths))
	for i, p := range paths {
		quoted[i] = "'" + escapeSQL(p) + "'"
	}
	optionals := "COALESCE(route_source, 'unknown'), COALESCE(route_distance_m, 0), COALESCE(route_duration_s, 0)"
	if !withOptionals {
		optionals = "'unknown', CAST(0 AS DOUBLE), CAST(0 AS DOUBLE)"
	}
	return fmt.Sprintf(`SELECT trip_id,
       CAST(epoch_ms(start_time) AS BIGINT),
       CAST(epoch_ms(end_time) AS BIGINT),
       route_geometry,
       %s
FROM read_parquet([%s], union_by_name=true)
WHERE epoch_ms(start_time) < ? AND epoch_ms(end_time) >= ?
ORDER BY start_time
LIMIT %d`, optionals, strings.Join(quoted, ", "), rowCap)
}

func (e *Engine) queryRows(ctx context.Context, paths []string, startMs, endMs int64, withOptionals bool) ([]EncodedRow, error) {
	query := windowQuery(paths, withOptionals, e.cfg.RowCap)
	result, err := e.db.QueryContext(ctx, query, endMs, startMs)
	if err != nil {
		return nil, fmt.Errorf("windowed query: %w", err)
	}
	defer result.Close()

	out := make([]EncodedRow, 0, 256)
	for result.Next() {
		var (
			tripID, geom, source sql.NullString
			sms, ems             sql.NullInt64
			dist, dur            sql.NullFloat64
		)
		if err := result.Scan(&tripID, &sms, &ems, &geom, &source, &dist, &dur); err != nil {
			return nil, fmt.Errorf("scan trip row: %w", err)
		}
		out = append(out, EncodedRow{
			TripID:       tripID.String,
			StartMs:      sms.Int64,
			EndMs:        ems.Int64,
			PathEncoding: geom.String,
			RouteSource:  source.String,
			DistanceM:    dist.Float64,
			DurationS:    dur.Float64,
		})
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("iterate trip rows: %w", err)
	}
	return out, nil
}

// resolveOffending maps an engine error message back to a descriptor in
// three passes of decreasing strictness: the exact path we handed the query,
// the token-free stable key for engines that rewrite URLs, and finally the
// bare file name.
func resolveOffending(errText string, files []*FileDescriptor) *FileDescriptor {
	for _, d := range files {
		if strings.Contains(errText, d.CurrentPath()) {
			return d
		}
	}
	for _, d := range files {
		if strings.Contains(errText, d.StableKey) {
			return d
		}
	}
	for _, d := range files {
		if base := d.Basename(); base != "" && strings.Contains(errText, base) {
			return d
		}
	}
	return nil
}

// materialize pulls the whole file into memory, verifies the parquet magic
// on both ends, and parks the bytes in the session spill directory so the
// next query scans a local copy instead of the flaky remote.
func (e *Engine) materialize(ctx context.Context, desc *FileDescriptor) error {
	if !strings.HasPrefix(desc.URL, "http://") && !strings.HasPrefix(desc.URL, "https://") {
		return fmt.Errorf("%s is not remote", desc.Basename())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, desc.URL, nil)
	if err != nil {
		return fmt.Errorf("materialize request: %w", err)
	}
	resp, err := e.cfg.Client.Do(req)
	if err != nil {
		return fmt.Errorf("materialize fetch %s: %w", desc.Basename(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("materialize fetch %s: status %d", desc.Basename(), resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("materialize read %s: %w", desc.Basename(), err)
	}
	if len(body) < minFooterBytes ||
		string(body[:4]) != parquetMagic ||
		string(body[len(body)-4:]) != parquetMagic {
		return fmt.Errorf("materialize %s: bytes are not parquet", desc.Basename())
	}

	f, err := os.CreateTemp(e.spill, "*-"+desc.Basename())
	if err != nil {
		return fmt.Errorf("materialize spill %s: %w", desc.Basename(), err)
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		os.Remove(f.Name())
		return fmt.Errorf("materialize write %s: %w", desc.Basename(), err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return fmt.Errorf("materialize close %s: %w", desc.Basename(), err)
	}
	desc.LocalPath = f.Name()
	desc.Status = StatusMaterialized
	return nil
}

func (e *Engine) exclude(desc *FileDescriptor, cause error) {
	if desc.Status == StatusUnusable {
		return
	}
	desc.Status = StatusUnusable
	e.cfg.Logf("engine: excluding %s for this session: %v", desc.Basename(), cause)
}

// ====================
// Aggregates
// ====================

func (e *Engine) dailyCounts(ctx context.Context) ([]DayCount, error) {
	usable := e.usableDescriptors(false)
	if len(usable) == 0 {
		return []DayCount{}, nil
	}
	quoted := make([]string, len(usable))
	for i, d := range usable {
		quoted[i] = "'" + escapeSQL(d.CurrentPath()) + "'"
	}
	query := fmt.Sprintf(`SELECT strftime(start_time, '%%Y-%%m-%%d') AS day, COUNT(*) AS trips
FROM read_parquet([%s], union_by_name=true)
GROUP BY day
ORDER BY day`, strings.Join(quoted, ", "))

	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("daily counts: %w", err)
	}
	defer rows.Close()

	out := make([]DayCount, 0, len(usable))
	for rows.Next() {
		var c DayCount
		if err := rows.Scan(&c.Day, &c.Trips); err != nil {
			return nil, fmt.Errorf("scan day count: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate day counts: %w", err)
	}
	return out, nil
}

func (e *Engine) summary() Summary {
	s := Summary{Total: len(e.descs)}
	for _, d := range e.descs {
		switch d.Status {
		case StatusUnusable:
			s.Unusable++
		case StatusMaterialized:
			s.Materialized++
			s.Usable++
		default:
			s.Usable++
		}
	}
	return s
}

// ====================
// Helpers
// ====================

func anyRemote(sources []string) bool {
	for _, s := range sources {
		if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
			return true
		}
	}
	return false
}

func escapeSQL(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func isMissingOptionalColumn(err error) bool {
	msg := err.Error()
	if !strings.Contains(msg, "route_source") &&
		!strings.Contains(msg, "route_distance_m") &&
		!strings.Contains(msg, "route_duration_s") {
		return false
	}
	return strings.Contains(msg, "not found") || strings.Contains(msg, "Binder Error")
}

func removeDescriptor(files []*FileDescriptor, drop *FileDescriptor) []*FileDescriptor {
	out := files[:0]
	for _, d := range files {
		if d != drop {
			out = append(out, d)
		}
	}
	return out
}
