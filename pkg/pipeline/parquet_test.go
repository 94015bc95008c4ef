package pipeline

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
)

func routedAt(id string, start time.Time) RoutedTrip {
	return RoutedTrip{
		Trip: Trip{
			TripID: id, Start: start, End: start.Add(20 * time.Minute),
			StartStation: "A", EndStation: "B",
		},
		Route: RouteResult{Geometry: "geom", Source: SourceOSRM, DistanceM: 100, DurationS: 60},
	}
}

func TestWriteDailySplitsByDay(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	day1 := time.Date(2024, 1, 1, 23, 50, 0, 0, time.UTC)
	day2 := time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC)

	paths, err := WriteDaily(dir, []RoutedTrip{
		routedAt("late", day1),
		routedAt("next", day2),
		routedAt("early", day1.Add(-8*time.Hour)),
	})
	if err != nil {
		t.Fatalf("WriteDaily: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("paths=%v want two day files", paths)
	}
	if filepath.Base(paths[0]) != "2024-01-01.parquet" || filepath.Base(paths[1]) != "2024-01-02.parquet" {
		t.Fatalf("paths=%v", paths)
	}

	rows := readDayFile(t, paths[0])
	if len(rows) != 2 {
		t.Fatalf("day 1 has %d rows, want 2", len(rows))
	}
	// Rows sort by start time inside the file.
	if rows[0].TripID != "early" || rows[1].TripID != "late" {
		t.Fatalf("rows=%v, not in start order", []string{rows[0].TripID, rows[1].TripID})
	}
	if rows[0].StartTime != day1.Add(-8*time.Hour).UnixMilli() {
		t.Fatalf("StartTime=%d", rows[0].StartTime)
	}
	if rows[0].RouteGeometry != "geom" || rows[0].RouteSource != SourceOSRM {
		t.Fatalf("row=%+v", rows[0])
	}
}

func readDayFile(t *testing.T, path string) []tripRecord {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		t.Fatalf("stat %s: %v", path, err)
	}
	pf, err := parquet.OpenFile(f, st.Size())
	if err != nil {
		t.Fatalf("parquet open %s: %v", path, err)
	}
	reader := parquet.NewGenericReader[tripRecord](pf)
	defer reader.Close()
	out := []tripRecord{}
	buf := make([]tripRecord, 16)
	for {
		n, err := reader.Read(buf)
		out = append(out, buf[:n]...)
		if err != nil {
			break
		}
	}
	return out
}

func TestWriteManifest(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{"2024-01-02.parquet", "2024-01-01.parquet", "route_cache.json", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}

	minStart := time.Date(2024, 1, 1, 0, 5, 0, 0, time.UTC)
	maxEnd := time.Date(2024, 1, 2, 23, 0, 0, 0, time.UTC)
	path, err := WriteManifest(dir, 42, minStart, maxEnd)
	if err != nil {
		t.Fatalf("WriteManifest: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	if m.TripCount != 42 {
		t.Fatalf("TripCount=%d", m.TripCount)
	}
	want := []string{"2024-01-01.parquet", "2024-01-02.parquet"}
	if len(m.ParquetFiles) != 2 || m.ParquetFiles[0] != want[0] || m.ParquetFiles[1] != want[1] {
		t.Fatalf("ParquetFiles=%v want %v", m.ParquetFiles, want)
	}
	if m.DateRangeUTC.MinStartTime != "2024-01-01T00:05:00Z" {
		t.Fatalf("MinStartTime=%q", m.DateRangeUTC.MinStartTime)
	}
}

func TestRouteCacheRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cache", "routes.json")

	empty, err := LoadRouteCache(path)
	if err != nil || len(empty) != 0 {
		t.Fatalf("LoadRouteCache on missing file: %v, %v", empty, err)
	}

	cache := map[string]RouteResult{
		"-0.150000|51.500000|-0.120000|51.520000": {Geometry: "g", Source: SourceOSRM, DistanceM: 10},
	}
	if err := SaveRouteCache(path, cache); err != nil {
		t.Fatalf("SaveRouteCache: %v", err)
	}
	loaded, err := LoadRouteCache(path)
	if err != nil {
		t.Fatalf("LoadRouteCache: %v", err)
	}
	if got := loaded["-0.150000|51.500000|-0.120000|51.520000"]; got.Geometry != "g" || got.DistanceM != 10 {
		t.Fatalf("loaded=%+v", got)
	}
}

func TestBackfillState(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	state, err := LoadBackfillState(path)
	if err != nil {
		t.Fatalf("LoadBackfillState: %v", err)
	}
	if state.Done("2024-01") {
		t.Fatalf("fresh state claims a done month")
	}

	state.MarkDone("2024-02")
	state.MarkDone("2024-01")
	state.MarkDone("2024-01")
	if err := SaveBackfillState(path, state); err != nil {
		t.Fatalf("SaveBackfillState: %v", err)
	}

	loaded, err := LoadBackfillState(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(loaded.DoneMonths) != 2 || loaded.DoneMonths[0] != "2024-01" {
		t.Fatalf("DoneMonths=%v", loaded.DoneMonths)
	}
	if !loaded.Done("2024-02") {
		t.Fatalf("Done lost a month")
	}
}
