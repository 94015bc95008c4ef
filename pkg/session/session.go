// Package session owns one complete playback pipeline: manifest
// resolution, file validation, the query engine, the window cache, the
// decode worker, and the clock. Everything a session allocates dies in
// Teardown; re-initialising builds a brand new pipeline with a fresh cache
// token so nothing from the previous source can leak through.
//
// One goroutine owns all mutable playback state. HTTP handlers and the
// frame bridge reach it through channel round-trips, the same way the rest
// of this codebase treats shared state.
package session

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"velotrace/pkg/engine"
	"velotrace/pkg/framebus"
	"velotrace/pkg/geodecode"
	"velotrace/pkg/health"
	"velotrace/pkg/manifest"
	"velotrace/pkg/playback"
	"velotrace/pkg/windowcache"
)

// Querier is the slice of the query engine the session drives. The real
// implementation is engine.Engine; tests drop in a stub so the loop can be
// exercised without DuckDB.
type Querier interface {
	Bounds(ctx context.Context) (engine.TimeBounds, error)
	FetchWindow(ctx context.Context, startMs, endMs int64) ([]engine.EncodedRow, error)
	DailyCounts(ctx context.Context) ([]engine.DayCount, error)
	Summary() engine.Summary
	Close()
}

// Metrics is the narrow surface the session feeds. A nil Metrics is valid
// and means no instrumentation.
type Metrics interface {
	SetPhase(phase string)
	SetFiles(usable, skipped int)
	SetPlayback(timeMs int64, speed float64, playing bool)
	SetVersions(cache, decode uint64)
	SetTripCount(n int)
	DecodeBatch(rows, skipped int, took time.Duration)
	FramePublished()
}

// Progress is the initialisation progress surface shown while a session
// comes up.
type Progress struct {
	Phase        string `json:"phase"`
	TotalFiles   int    `json:"totalFiles"`
	CheckedFiles int    `json:"checkedFiles"`
	UsableFiles  int    `json:"usableFiles"`
	SkippedFiles int    `json:"skippedFiles"`
	LastSkipped  string `json:"lastSkipped,omitempty"`
	Err          string `json:"error,omitempty"`
}

// Status is the consumer-facing snapshot.
type Status struct {
	Phase         string            `json:"phase"`
	Bounds        engine.TimeBounds `json:"bounds"`
	CurrentTimeMs int64             `json:"currentTimeMs"`
	IsPlaying     bool              `json:"isPlaying"`
	Speed         float64           `json:"speed"`
	JumpError     string            `json:"jumpError,omitempty"`
	Progress      Progress          `json:"progress"`
	CacheVersion  uint64            `json:"cacheVersion"`
	DecodeVersion uint64            `json:"decodeVersion"`
	TripCount     int               `json:"tripCount"`
	DecodeSkips   int               `json:"decodeSkips"`
	Files         engine.Summary    `json:"files"`
}

// Config carries session-level knobs.
type Config struct {
	TickInterval time.Duration
	RowCap       int
	SpillDir     string
}

// Deps carries the injected collaborators. Everything has a sane nil
// behavior except Client, which falls back to http.DefaultClient.
type Deps struct {
	Client   *http.Client
	Logf     func(string, ...any)
	Parse    playback.ParseFunc
	Bus      *framebus.Bus
	Metrics  Metrics
	Now      func() time.Time
	Progress func(Progress)

	// OpenEngine is the engine constructor, swappable in tests.
	OpenEngine func(ctx context.Context, cfg engine.Config, sources []string) (Querier, error)
}

// Session is the handle the binary and the HTTP layer hold. Init and
// Teardown must be called from one goroutine (the binary's); the query and
// control methods are safe from any goroutine once Init returned.
type Session struct {
	cfg  Config
	deps Deps

	commands chan func(*state)
	done     chan struct{}
	finished chan struct{}
}

// state is everything the owner goroutine mutates. It never escapes the
// loop; commands are closures executed inside it.
type state struct {
	clock    *playback.Clock
	cache    *windowcache.Cache
	decoder  *geodecode.Decoder
	querier  Querier
	progress Progress

	decoded          []geodecode.DecodedRow
	decodeVersion    uint64
	decodeSkips      int
	nextRequestID    uint64
	seenCacheVersion uint64
	activeBucket     int64
	haveBucket       bool
}

// New prepares a session shell. Nothing runs until Init.
func New(cfg Config, deps Deps) *Session {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 100 * time.Millisecond
	}
	if deps.Client == nil {
		deps.Client = http.DefaultClient
	}
	if deps.Logf == nil {
		deps.Logf = func(string, ...any) {}
	}
	if deps.Progress == nil {
		deps.Progress = func(Progress) {}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.OpenEngine == nil {
		deps.OpenEngine = func(ctx context.Context, ecfg engine.Config, sources []string) (Querier, error) {
			return engine.New(ctx, ecfg, sources)
		}
	}
	return &Session{cfg: cfg, deps: deps}
}

// Init resolves the locator, validates the files, opens the engine, and
// starts the playback loop. Calling Init on a running session tears the
// old pipeline down first; there is no partial carryover.
func (s *Session) Init(ctx context.Context, locator string) error {
	s.Teardown()

	report := func(p Progress) {
		s.deps.Progress(p)
		if s.deps.Metrics != nil {
			s.deps.Metrics.SetPhase(p.Phase)
			s.deps.Metrics.SetFiles(p.UsableFiles, p.SkippedFiles)
		}
	}

	prog := Progress{Phase: "resolving"}
	report(prog)

	resolver := manifest.New(s.deps.Client, s.deps.Logf)
	resolved, err := resolver.Resolve(ctx, locator)
	if err != nil {
		prog.Phase = "failed"
		prog.Err = err.Error()
		report(prog)
		return err
	}
	prog.TotalFiles = len(resolved.URLs)
	prog.Phase = "validating"
	report(prog)

	validator := &health.Validator{
		Client: s.deps.Client,
		Logf:   s.deps.Logf,
		Progress: func(r health.Report) {
			prog.CheckedFiles = r.Checked
			prog.UsableFiles = r.Usable
			prog.SkippedFiles = r.Skipped
			prog.LastSkipped = r.LastSkipped
			report(prog)
		},
	}
	usable, skipped := validator.Check(ctx, resolved.URLs)
	if len(usable) == 0 {
		err := fmt.Errorf("session: no usable files among %d candidates (last skipped: %s); check that the manifest is reachable and the files are genuine parquet", len(resolved.URLs), prog.LastSkipped)
		prog.Phase = "failed"
		prog.Err = err.Error()
		report(prog)
		return err
	}
	s.deps.Logf("session: %d of %d files usable, %d skipped", len(usable), len(resolved.URLs), len(skipped))

	prog.Phase = "opening"
	report(prog)

	querier, err := s.deps.OpenEngine(ctx, engine.Config{
		RowCap:   s.cfg.RowCap,
		Client:   s.deps.Client,
		Logf:     s.deps.Logf,
		SpillDir: s.cfg.SpillDir,
	}, usable)
	if err != nil {
		prog.Phase = "failed"
		prog.Err = err.Error()
		report(prog)
		return err
	}

	bounds, err := querier.Bounds(ctx)
	if err != nil {
		querier.Close()
		prog.Phase = "failed"
		prog.Err = err.Error()
		report(prog)
		return err
	}
	s.deps.Logf("session: playable range %s .. %s",
		time.UnixMilli(bounds.MinMs).UTC().Format(time.RFC3339),
		time.UnixMilli(bounds.MaxMs).UTC().Format(time.RFC3339))

	prog.Phase = "ready"
	report(prog)

	st := &state{
		clock:    playback.New(bounds, s.deps.Parse, s.deps.Now),
		querier:  querier,
		decoder:  geodecode.NewDecoder(),
		progress: prog,
		decoded:  []geodecode.DecodedRow{},
	}
	st.cache = windowcache.New(querier.FetchWindow, s.deps.Logf)

	s.commands = make(chan func(*state))
	s.done = make(chan struct{})
	s.finished = make(chan struct{})
	go s.loop(st)
	return nil
}

// Teardown stops the loop and releases everything the session owns. Safe
// to call on a session that never initialised or already tore down.
func (s *Session) Teardown() {
	if s.done == nil {
		return
	}
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	<-s.finished
	s.done = nil
}

// loop is the interactive thread: it owns the clock, the decoded rows, and
// the version bookkeeping.
func (s *Session) loop(st *state) {
	defer close(s.finished)
	defer func() {
		st.decoder.Close()
		st.cache.Close()
		st.querier.Close()
	}()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Prime the cache for the starting position.
	s.drive(ctx, st)

	for {
		select {
		case <-s.done:
			return

		case <-ticker.C:
			st.clock.Advance()
			s.drive(ctx, st)
			s.publishFrame(st)

		case resp := <-st.decoder.Results():
			if resp.ID != st.lastIssuedID() {
				// Stale decode, a newer request is already out.
				continue
			}
			st.decoded = resp.Rows
			st.decodeSkips = resp.Skipped
			st.decodeVersion++
			if s.deps.Metrics != nil {
				s.deps.Metrics.DecodeBatch(len(resp.Rows), resp.Skipped, resp.Took)
				s.deps.Metrics.SetTripCount(len(st.decoded))
				s.deps.Metrics.SetVersions(st.seenCacheVersion, st.decodeVersion)
			}

		case cmd := <-s.commands:
			cmd(st)
		}
	}
}

func (st *state) lastIssuedID() uint64 { return st.nextRequestID }

// drive aligns the cache with the clock and kicks a decode when the cached
// row set changed.
func (s *Session) drive(ctx context.Context, st *state) {
	bucket := windowcache.BucketFor(st.clock.CurrentMs())
	if !st.haveBucket || bucket != st.activeBucket {
		st.activeBucket = bucket
		st.haveBucket = true
		st.cache.SetActive(ctx, bucket)
	}

	rows, version := st.cache.Snapshot()
	if version != st.seenCacheVersion {
		st.seenCacheVersion = version
		st.nextRequestID++
		st.decoder.Submit(geodecode.Request{ID: st.nextRequestID, Rows: rows})
	}
}

func (s *Session) publishFrame(st *state) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.SetPlayback(st.clock.CurrentMs(), st.clock.Speed(), st.clock.Playing())
	}
	if s.deps.Bus == nil {
		return
	}
	s.deps.Bus.Publish(framebus.Frame{
		TimeMs:        st.clock.CurrentMs(),
		Speed:         st.clock.Speed(),
		Playing:       st.clock.Playing(),
		CacheVersion:  st.seenCacheVersion,
		DecodeVersion: st.decodeVersion,
		TripCount:     len(st.decoded),
		AtUnixMs:      s.deps.Now().UnixMilli(),
	})
	if s.deps.Metrics != nil {
		s.deps.Metrics.FramePublished()
	}
}

// run executes fn inside the owner goroutine and waits for it.
func (s *Session) run(fn func(*state)) bool {
	if s.done == nil {
		return false
	}
	done := make(chan struct{})
	wrapped := func(st *state) {
		fn(st)
		close(done)
	}
	select {
	case <-s.done:
		return false
	case s.commands <- wrapped:
	}
	select {
	case <-s.done:
		return false
	case <-done:
		return true
	}
}

// Status returns the current consumer snapshot. A session that is not
// initialised reports the idle phase.
func (s *Session) Status() Status {
	var out Status
	if !s.run(func(st *state) {
		out = Status{
			Phase:         st.progress.Phase,
			Bounds:        st.clock.Bounds(),
			CurrentTimeMs: st.clock.CurrentMs(),
			IsPlaying:     st.clock.Playing(),
			Speed:         st.clock.Speed(),
			JumpError:     st.clock.JumpError(),
			Progress:      st.progress,
			CacheVersion:  st.seenCacheVersion,
			DecodeVersion: st.decodeVersion,
			TripCount:     len(st.decoded),
			DecodeSkips:   st.decodeSkips,
			Files:         st.querier.Summary(),
		}
	}) {
		return Status{Phase: "idle"}
	}
	return out
}

// DecodedTrips returns a copy of the current decoded row set together with
// the decode version it belongs to.
func (s *Session) DecodedTrips() ([]geodecode.DecodedRow, uint64) {
	var rows []geodecode.DecodedRow
	var version uint64
	s.run(func(st *state) {
		rows = make([]geodecode.DecodedRow, len(st.decoded))
		copy(rows, st.decoded)
		version = st.decodeVersion
	})
	return rows, version
}

// DailyCounts aggregates trips per day through the session's engine. The
// querier handle is grabbed inside the loop but the query itself runs
// outside it, so a slow aggregate never stalls playback ticks.
func (s *Session) DailyCounts(ctx context.Context) ([]engine.DayCount, error) {
	var q Querier
	if !s.run(func(st *state) { q = st.querier }) {
		return nil, fmt.Errorf("session: not initialised")
	}
	return q.DailyCounts(ctx)
}

// SetPlaybackTime seeks to an absolute instant, clamped to bounds.
func (s *Session) SetPlaybackTime(ms int64) {
	s.run(func(st *state) {
		st.clock.Seek(ms)
		s.drive(context.Background(), st)
	})
}

// TogglePlay flips play/pause and reports the new state.
func (s *Session) TogglePlay() bool {
	var playing bool
	s.run(func(st *state) { playing = st.clock.Toggle() })
	return playing
}

// SetSpeed changes the playback multiplier.
func (s *Session) SetSpeed(mult float64) {
	s.run(func(st *state) { st.clock.SetSpeed(mult) })
}

// JumpToNaturalLanguage hands a phrase to the injected parser. It reports
// whether the jump landed; on failure Status carries the parse error.
func (s *Session) JumpToNaturalLanguage(phrase string) bool {
	var ok bool
	s.run(func(st *state) {
		ok = st.clock.Jump(phrase)
		if ok {
			s.drive(context.Background(), st)
		}
	})
	return ok
}
