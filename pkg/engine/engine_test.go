package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
)

// testEngine builds an engine around the scan seam without opening a
// database, so the recovery loop can be driven by synthetic errors.
func testEngine(t *testing.T, sources []string) *Engine {
	t.Helper()
	return &Engine{
		cfg: Config{
			RowCap: defaultRowCap,
			Client: &http.Client{Timeout: 5 * time.Second},
			Logf:   t.Logf,
		},
		descs: newDescriptors(sources),
		spill: t.TempDir(),
	}
}

func parquetBytes(pad int) []byte {
	b := make([]byte, minFooterBytes+pad)
	copy(b, parquetMagic)
	copy(b[len(b)-4:], parquetMagic)
	return b
}

func TestDescriptorOrdering(t *testing.T) {
	t.Parallel()

	descs := newDescriptors([]string{
		"https://cdn.example.com/trips/extra.parquet?session=aa",
		"https://cdn.example.com/trips/2024-02-01.parquet?session=aa",
		"https://cdn.example.com/trips/2024-01-15.parquet?session=aa",
	})

	want := []string{"2024-01-15.parquet", "2024-02-01.parquet", "extra.parquet"}
	for i, d := range descs {
		if d.Basename() != want[i] {
			t.Fatalf("descs[%d]=%s want %s", i, d.Basename(), want[i])
		}
	}
	if strings.Contains(descs[0].StableKey, "session=") {
		t.Fatalf("StableKey kept the token: %s", descs[0].StableKey)
	}
	if descs[0].DayKey != time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC) {
		t.Fatalf("DayKey=%v", descs[0].DayKey)
	}
	if !descs[2].DayKey.IsZero() {
		t.Fatalf("undated file got DayKey %v", descs[2].DayKey)
	}
}

// TestWindowFiles: files one day behind the window are included because a
// trip can start before midnight and end after; unusable files never are;
// undated files always are.
func TestWindowFiles(t *testing.T) {
	t.Parallel()

	e := testEngine(t, []string{
		"https://x/2024-01-14.parquet",
		"https://x/2024-01-15.parquet",
		"https://x/2024-01-16.parquet",
		"https://x/2024-01-17.parquet",
		"https://x/undated.parquet",
	})
	e.descs[3].Status = StatusUnusable

	start := time.Date(2024, 1, 15, 6, 0, 0, 0, time.UTC).UnixMilli()
	end := time.Date(2024, 1, 16, 6, 0, 0, 0, time.UTC).UnixMilli()

	got := e.windowFiles(start, end)
	names := make([]string, len(got))
	for i, d := range got {
		names[i] = d.Basename()
	}
	want := "2024-01-14.parquet 2024-01-15.parquet 2024-01-16.parquet undated.parquet"
	if strings.Join(names, " ") != want {
		t.Fatalf("windowFiles=%v want %s", names, want)
	}
}

// TestFetchWindowMaterializes: the first scan fails naming one file, the
// engine pulls that file down whole, and the retry scans the local copy.
func TestFetchWindowMaterializes(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(parquetBytes(32))
	}))
	defer srv.Close()

	flaky := srv.URL + "/2024-01-15.parquet"
	e := testEngine(t, []string{flaky, srv.URL + "/2024-01-16.parquet"})

	attempt := 0
	e.scan = func(ctx context.Context, paths []string, startMs, endMs int64) ([]EncodedRow, error) {
		attempt++
		if attempt == 1 {
			return nil, fmt.Errorf("Invalid Input Error: failed to read %s", flaky)
		}
		for _, p := range paths {
			if strings.HasPrefix(p, "http") && strings.Contains(p, "2024-01-15") {
				return nil, fmt.Errorf("retry still hit the remote: %s", p)
			}
		}
		return []EncodedRow{{TripID: "t1", StartMs: startMs, EndMs: endMs}}, nil
	}

	rows, err := e.fetchWindow(context.Background(), 0, 1000)
	if err != nil {
		t.Fatalf("fetchWindow: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows=%d want 1", len(rows))
	}
	if attempt != 2 {
		t.Fatalf("scan ran %d times, want 2", attempt)
	}

	d := e.descs[0]
	if d.Status != StatusMaterialized {
		t.Fatalf("Status=%v want materialized", d.Status)
	}
	if d.CurrentPath() == d.URL || !strings.HasSuffix(d.CurrentPath(), "2024-01-15.parquet") {
		t.Fatalf("CurrentPath=%s should point at the spill copy", d.CurrentPath())
	}
}

// TestFetchWindowExcludes: when the whole-file download also fails, the
// file drops out of the session and the window is retried without it.
func TestFetchWindowExcludes(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(http.NotFound))
	defer srv.Close()

	bad := srv.URL + "/2024-01-15.parquet"
	good := srv.URL + "/2024-01-16.parquet"
	e := testEngine(t, []string{bad, good})

	e.scan = func(ctx context.Context, paths []string, startMs, endMs int64) ([]EncodedRow, error) {
		for _, p := range paths {
			if strings.Contains(p, "2024-01-15") {
				return nil, fmt.Errorf("IO Error: cannot open %s", p)
			}
		}
		return []EncodedRow{{TripID: "survivor"}}, nil
	}

	rows, err := e.fetchWindow(context.Background(), 0, 1000)
	if err != nil {
		t.Fatalf("fetchWindow: %v", err)
	}
	if len(rows) != 1 || rows[0].TripID != "survivor" {
		t.Fatalf("rows=%+v", rows)
	}
	if e.descs[0].Status != StatusUnusable {
		t.Fatalf("bad file Status=%v want unusable", e.descs[0].Status)
	}

	s := e.summary()
	if s.Total != 2 || s.Usable != 1 || s.Unusable != 1 {
		t.Fatalf("summary=%+v", s)
	}
}

// TestFetchWindowAllFilesBad: an exhausted source set yields an empty
// window, never an error, so playback can keep running on cached buckets.
func TestFetchWindowAllFilesBad(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(http.NotFound))
	defer srv.Close()

	e := testEngine(t, []string{
		srv.URL + "/2024-01-15.parquet",
		srv.URL + "/2024-01-16.parquet",
	})
	e.scan = func(ctx context.Context, paths []string, startMs, endMs int64) ([]EncodedRow, error) {
		return nil, fmt.Errorf("IO Error: cannot open %s", paths[0])
	}

	rows, err := e.fetchWindow(context.Background(), 0, 1000)
	if err != nil {
		t.Fatalf("fetchWindow: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("rows=%d want 0", len(rows))
	}
	for _, d := range e.descs {
		if d.Status != StatusUnusable {
			t.Fatalf("%s Status=%v want unusable", d.Basename(), d.Status)
		}
	}
}

// TestFetchWindowUnattributable: an error naming no file cannot trigger
// recovery and surfaces as a WindowFetchError.
func TestFetchWindowUnattributable(t *testing.T) {
	t.Parallel()

	e := testEngine(t, []string{"https://x/2024-01-15.parquet"})
	e.scan = func(ctx context.Context, paths []string, startMs, endMs int64) ([]EncodedRow, error) {
		return nil, errors.New("out of memory")
	}

	_, err := e.fetchWindow(context.Background(), 0, 1000)
	var wfe *WindowFetchError
	if !errors.As(err, &wfe) {
		t.Fatalf("err=%v want WindowFetchError", err)
	}
	if wfe.StartMs != 0 || wfe.EndMs != 1000 {
		t.Fatalf("window [%d,%d) in error, want [0,1000)", wfe.StartMs, wfe.EndMs)
	}
}

// TestResolveOffending covers the three matching passes.
func TestResolveOffending(t *testing.T) {
	t.Parallel()

	files := newDescriptors([]string{
		"https://cdn.example.com/trips/2024-01-15.parquet?session=ab12",
		"https://cdn.example.com/trips/2024-01-16.parquet?session=ab12",
	})

	tests := []struct {
		name    string
		errText string
		want    string
	}{
		{"exact path", "cannot open 'https://cdn.example.com/trips/2024-01-16.parquet?session=ab12'", "2024-01-16.parquet"},
		{"token stripped", "cannot open https://cdn.example.com/trips/2024-01-15.parquet", "2024-01-15.parquet"},
		{"basename only", "corrupt footer in 2024-01-16.parquet", "2024-01-16.parquet"},
		{"no match", "out of memory", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := resolveOffending(tc.errText, files)
			switch {
			case tc.want == "" && got != nil:
				t.Fatalf("resolved %s, want none", got.Basename())
			case tc.want != "" && (got == nil || got.Basename() != tc.want):
				t.Fatalf("resolved %v, want %s", got, tc.want)
			}
		})
	}
}

// TestMaterializeRejectsNonParquet: a download that is not parquet on both
// ends never lands in the spill directory.
func TestMaterializeRejectsNonParquet(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>placeholder page</html>"))
	}))
	defer srv.Close()

	e := testEngine(t, []string{srv.URL + "/2024-01-15.parquet"})
	err := e.materialize(context.Background(), e.descs[0])
	if err == nil {
		t.Fatalf("materialize should reject non-parquet bytes")
	}
	if e.descs[0].Status != StatusHealthy {
		t.Fatalf("failed materialize changed Status to %v", e.descs[0].Status)
	}
}

func TestMaterializeRejectsLocalPaths(t *testing.T) {
	t.Parallel()

	e := testEngine(t, []string{"/data/2024-01-15.parquet"})
	if err := e.materialize(context.Background(), e.descs[0]); err == nil {
		t.Fatalf("materialize should refuse a non-remote source")
	}
}

func TestIsMissingOptionalColumn(t *testing.T) {
	t.Parallel()

	tests := []struct {
		msg  string
		want bool
	}{
		{`Binder Error: Referenced column "route_source" not found`, true},
		{`Binder Error: Referenced column "route_distance_m" not found`, true},
		{`Binder Error: Referenced column "trip_id" not found`, false},
		{"IO Error: cannot open file", false},
	}
	for _, tc := range tests {
		if got := isMissingOptionalColumn(errors.New(tc.msg)); got != tc.want {
			t.Fatalf("isMissingOptionalColumn(%q)=%v want %v", tc.msg, got, tc.want)
		}
	}
}

func TestParseDayKey(t *testing.T) {
	t.Parallel()

	if day, ok := parseDayKey("https://x/trips/2024-03-09.parquet"); !ok || day != time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC) {
		t.Fatalf("parseDayKey=%v,%v", day, ok)
	}
	for _, key := range []string{"https://x/trips/latest.parquet", "https://x/trips/2024-03-09.csv", "https://x/2024-13-40.parquet"} {
		if _, ok := parseDayKey(key); ok {
			t.Fatalf("parseDayKey(%q) should fail", key)
		}
	}
}

// TestComputeBoundsFallsThrough: a broken earliest file must not pin the
// dataset bounds. The minimum probe walks forward past an erroring file and
// an empty one; the maximum probe walks backward and lands immediately.
func TestComputeBoundsFallsThrough(t *testing.T) {
	t.Parallel()

	e := testEngine(t, []string{
		"https://cdn.example.com/trips/2024-01-15.parquet?session=aa",
		"https://cdn.example.com/trips/2024-01-16.parquet?session=aa",
		"https://cdn.example.com/trips/2024-01-17.parquet?session=aa",
	})
	probes := 0
	e.probe = func(_ context.Context, path, expr string) (int64, bool, error) {
		probes++
		switch {
		case expr == "max(end_time)":
			if !strings.Contains(path, "2024-01-17") {
				t.Fatalf("max probe should start at the latest file, got %s", path)
			}
			return 5000, true, nil
		case strings.Contains(path, "2024-01-15"):
			return 0, false, errors.New("IO Error: footer truncated")
		case strings.Contains(path, "2024-01-16"):
			return 0, false, nil // readable but empty
		default:
			return 1000, true, nil
		}
	}

	b, err := e.computeBounds(context.Background())
	if err != nil {
		t.Fatalf("computeBounds: %v", err)
	}
	if b.MinMs != 1000 || b.MaxMs != 5000 {
		t.Fatalf("bounds=%+v want {1000 5000}", b)
	}
	if e.descs[0].Status != StatusUnusable {
		t.Fatalf("erroring file status=%v want unusable", e.descs[0].Status)
	}
	if !e.descs[1].usable() {
		t.Fatal("empty file must stay usable")
	}

	// Second call is served from the cached bounds, no new probes.
	before := probes
	if _, err := e.computeBounds(context.Background()); err != nil {
		t.Fatalf("cached computeBounds: %v", err)
	}
	if probes != before {
		t.Fatalf("cached bounds still probed: %d -> %d", before, probes)
	}
}

func TestComputeBoundsAllFilesBad(t *testing.T) {
	t.Parallel()

	e := testEngine(t, []string{
		"https://cdn.example.com/trips/2024-01-15.parquet?session=aa",
		"https://cdn.example.com/trips/2024-01-16.parquet?session=aa",
	})
	e.probe = func(context.Context, string, string) (int64, bool, error) {
		return 0, false, errors.New("IO Error: cannot open file")
	}

	_, err := e.computeBounds(context.Background())
	var bu *BoundsUnavailableError
	if !errors.As(err, &bu) {
		t.Fatalf("err=%v want BoundsUnavailableError", err)
	}
}

// TestWindowQueryPredicate pins the overlap predicate: half-open on the
// window, so a trip starting 1ms before the end or ending exactly at the
// start still matches, and rows always come back in start order.
func TestWindowQueryPredicate(t *testing.T) {
	t.Parallel()

	q := windowQuery([]string{"https://x/a.parquet", "/tmp/o'brien.parquet"}, true, 50_000)
	for _, want := range []string{
		"epoch_ms(start_time) < ? AND epoch_ms(end_time) >= ?",
		"ORDER BY start_time",
		"LIMIT 50000",
		"union_by_name=true",
		"'https://x/a.parquet', '/tmp/o''brien.parquet'",
		"COALESCE(route_source, 'unknown')",
	} {
		if !strings.Contains(q, want) {
			t.Fatalf("query missing %q:\n%s", want, q)
		}
	}
	if q2 := windowQuery(nil, false, 10); !strings.Contains(q2, "'unknown', CAST(0 AS DOUBLE)") {
		t.Fatalf("fallback query kept optional columns:\n%s", q2)
	}
}

// tripFixture mirrors the producer's daily file schema for writing test
// parquet through the same library the pipeline uses.
type tripFixture struct {
	TripID        string  `parquet:"trip_id"`
	StartTime     int64   `parquet:"start_time,timestamp(millisecond)"`
	EndTime       int64   `parquet:"end_time,timestamp(millisecond)"`
	RouteGeometry string  `parquet:"route_geometry"`
	RouteSource   string  `parquet:"route_source"`
	RouteDistM    float64 `parquet:"route_distance_m"`
	RouteDurS     float64 `parquet:"route_duration_s"`
}

func writeTripFixture(t *testing.T, path string, rows []tripFixture) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create fixture: %v", err)
	}
	w := parquet.NewGenericWriter[tripFixture](f)
	if _, err := w.Write(rows); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close fixture: %v", err)
	}
}

// TestFetchWindowBoundaries runs a real engine over a real file and pins
// the half-open window: a trip ending exactly at the window start or
// straddling it comes back, one starting exactly at the window end does
// not, and rows arrive in start order regardless of file order.
func TestFetchWindowBoundaries(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	day := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	ws := day.Add(12 * time.Hour).UnixMilli()
	we := day.Add(12*time.Hour + 30*time.Minute).UnixMilli()

	// Deliberately unsorted so the ordering below is the engine's doing.
	writeTripFixture(t, filepath.Join(dir, "2024-01-15.parquet"), []tripFixture{
		{TripID: "inside", StartTime: ws + 1000, EndTime: ws + 2000, RouteSource: "osrm"},
		{TripID: "straddles-start", StartTime: ws - 1, EndTime: ws + 1, RouteSource: "osrm"},
		{TripID: "ends-at-start", StartTime: ws - 60_000, EndTime: ws, RouteSource: "osrm"},
		{TripID: "ends-before", StartTime: ws - 120_000, EndTime: ws - 1, RouteSource: "osrm"},
		{TripID: "starts-at-end", StartTime: we, EndTime: we + 60_000, RouteSource: "osrm"},
	})

	e, err := New(context.Background(), Config{Logf: t.Logf, SpillDir: dir},
		[]string{filepath.Join(dir, "2024-01-15.parquet")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close()

	rows, err := e.FetchWindow(context.Background(), ws, we)
	if err != nil {
		t.Fatalf("FetchWindow: %v", err)
	}

	want := []string{"ends-at-start", "straddles-start", "inside"}
	if len(rows) != len(want) {
		t.Fatalf("got %d rows %v, want %v", len(rows), rowIDs(rows), want)
	}
	for i, id := range want {
		if rows[i].TripID != id {
			t.Fatalf("rows=%v want %v", rowIDs(rows), want)
		}
	}
	for i := 1; i < len(rows); i++ {
		if rows[i].StartMs < rows[i-1].StartMs {
			t.Fatalf("rows out of start order: %v", rowIDs(rows))
		}
	}

	b, err := e.Bounds(context.Background())
	if err != nil {
		t.Fatalf("Bounds: %v", err)
	}
	if b.MinMs != ws-120_000 || b.MaxMs != we+60_000 {
		t.Fatalf("bounds=%+v want {%d %d}", b, ws-120_000, we+60_000)
	}
}

func rowIDs(rows []EncodedRow) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.TripID
	}
	return out
}
