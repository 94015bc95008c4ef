package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress/zstd"
)

// tripRecord is the dataset's on-disk row. Column names and types are the
// contract with the playback engine's windowed queries; route_geometry is
// dictionary-encoded because many trips share the same station pair.
type tripRecord struct {
	TripID         string  `parquet:"trip_id"`
	StartTime      int64   `parquet:"start_time,timestamp(millisecond)"`
	EndTime        int64   `parquet:"end_time,timestamp(millisecond)"`
	RouteGeometry  string  `parquet:"route_geometry,dict"`
	RouteSource    string  `parquet:"route_source,dict"`
	RouteDistanceM float64 `parquet:"route_distance_m"`
	RouteDurationS float64 `parquet:"route_duration_s"`
}

const rowGroupSize = 50_000

// WriteDaily splits trips by UTC start day and writes one parquet file
// per day, rows sorted by start time. It returns the written file paths.
func WriteDaily(dir string, trips []RoutedTrip) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("parquet dir: %w", err)
	}

	byDay := map[string][]RoutedTrip{}
	for _, t := range trips {
		day := t.Start.UTC().Format("2006-01-02")
		byDay[day] = append(byDay[day], t)
	}
	days := make([]string, 0, len(byDay))
	for day := range byDay {
		days = append(days, day)
	}
	sort.Strings(days)

	paths := make([]string, 0, len(days))
	for _, day := range days {
		dayTrips := byDay[day]
		sort.SliceStable(dayTrips, func(i, j int) bool {
			return dayTrips[i].Start.Before(dayTrips[j].Start)
		})
		target := filepath.Join(dir, day+".parquet")
		if err := writeDayFile(target, dayTrips); err != nil {
			return nil, err
		}
		paths = append(paths, target)
	}
	return paths, nil
}

func writeDayFile(target string, trips []RoutedTrip) error {
	f, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}

	w := parquet.NewGenericWriter[tripRecord](f,
		parquet.Compression(&zstd.Codec{}),
		parquet.MaxRowsPerRowGroup(rowGroupSize),
	)
	records := make([]tripRecord, len(trips))
	for i, t := range trips {
		records[i] = tripRecord{
			TripID:         t.TripID,
			StartTime:      t.Start.UnixMilli(),
			EndTime:        t.End.UnixMilli(),
			RouteGeometry:  t.Route.Geometry,
			RouteSource:    t.Route.Source,
			RouteDistanceM: t.Route.DistanceM,
			RouteDurationS: t.Route.DurationS,
		}
	}
	if _, err := w.Write(records); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", target, err)
	}
	if err := w.Close(); err != nil {
		f.Close()
		return fmt.Errorf("close writer %s: %w", target, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", target, err)
	}
	return nil
}

// Manifest is the dataset index the playback server resolves a wildcard
// locator against.
type Manifest struct {
	TripCount    int           `json:"trip_count"`
	DateRangeUTC ManifestRange `json:"date_range_utc"`
	ParquetFiles []string      `json:"parquet_files"`
	CreatedAtUTC string        `json:"created_at_utc"`
}

type ManifestRange struct {
	MinStartTime string `json:"min_start_time"`
	MaxEndTime   string `json:"max_end_time"`
}

var dayFilePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}\.parquet$`)

// WriteManifest indexes every day file currently in dir, not just this
// run's, so incremental backfills keep the manifest complete.
func WriteManifest(dir string, tripCount int, minStart, maxEnd time.Time) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("manifest: read dir: %w", err)
	}
	files := []string{}
	for _, e := range entries {
		if !e.IsDir() && dayFilePattern.MatchString(e.Name()) {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	m := Manifest{
		TripCount: tripCount,
		DateRangeUTC: ManifestRange{
			MinStartTime: minStart.UTC().Format(time.RFC3339),
			MaxEndTime:   maxEnd.UTC().Format(time.RFC3339),
		},
		ParquetFiles: files,
		CreatedAtUTC: time.Now().UTC().Format(time.RFC3339),
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("manifest: encode: %w", err)
	}
	target := filepath.Join(dir, "manifest.json")
	if err := os.WriteFile(target, b, 0o644); err != nil {
		return "", fmt.Errorf("manifest: write: %w", err)
	}
	return target, nil
}

// ====================
// Route cache persistence
// ====================

// LoadRouteCache reads the cross-run route cache. A missing file is an
// empty cache, not an error.
func LoadRouteCache(path string) (map[string]RouteResult, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]RouteResult{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("route cache: read: %w", err)
	}
	cache := map[string]RouteResult{}
	if err := json.Unmarshal(b, &cache); err != nil {
		return nil, fmt.Errorf("route cache: decode: %w", err)
	}
	return cache, nil
}

// SaveRouteCache writes the cache atomically via a temp file rename.
func SaveRouteCache(path string, cache map[string]RouteResult) error {
	if len(cache) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("route cache: dir: %w", err)
	}
	b, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return fmt.Errorf("route cache: encode: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("route cache: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("route cache: rename: %w", err)
	}
	return nil
}
