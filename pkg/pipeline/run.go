package pipeline

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Runner wires the pipeline stages for one month of source data.
type Runner struct {
	Client      *http.Client
	Logf        func(string, ...any)
	SourceURL   string
	OSRMURL     string
	DownloadDir string
	OutputDir   string
	CachePath   string
	Workers     int
	QPS         float64
}

// RunReport summarizes one month's production.
type RunReport struct {
	Month        string
	SourceFiles  int
	TripCount    int
	ParquetFiles []string
	ManifestPath string
}

// ProcessMonth runs discover, normalize, hydrate, and write for one
// month and refreshes the dataset manifest.
func (r *Runner) ProcessMonth(ctx context.Context, month string) (RunReport, error) {
	logf := r.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	monthStart, err := time.ParseInLocation("2006-01", month, time.UTC)
	if err != nil {
		return RunReport{}, fmt.Errorf("pipeline: bad month %q: %w", month, err)
	}
	monthEnd := monthStart.AddDate(0, 1, 0)

	disc := &Discoverer{Client: r.Client, Logf: logf}
	urls, err := disc.Discover(ctx, r.SourceURL, month)
	if err != nil {
		return RunReport{}, err
	}

	csvPaths, err := r.fetchSources(ctx, urls)
	if err != nil {
		return RunReport{}, err
	}

	all := []Trip{}
	for _, p := range csvPaths {
		f, err := os.Open(p)
		if err != nil {
			return RunReport{}, fmt.Errorf("pipeline: open %s: %w", p, err)
		}
		trips, stats, err := Normalize(f, filepath.Base(p))
		f.Close()
		if err != nil {
			return RunReport{}, err
		}
		logf("pipeline: %s: %d rows, kept %d (bad time %d, bad station %d, negative duration %d)",
			filepath.Base(p), stats.Rows, stats.Kept, stats.BadTime, stats.BadStation, stats.NegDuration)
		// Ranged exports straddle month edges; keep only rows starting
		// inside the requested month.
		for _, t := range trips {
			if !t.Start.Before(monthStart) && t.Start.Before(monthEnd) {
				all = append(all, t)
			}
		}
	}
	if len(all) == 0 {
		return RunReport{}, fmt.Errorf("pipeline: no trips for %s after normalization", month)
	}

	all = Dedup(all)
	all = StandardizeCoordinates(all)
	logf("pipeline: %d trips after dedup and coordinate standardization", len(all))

	cache, err := LoadRouteCache(r.CachePath)
	if err != nil {
		return RunReport{}, err
	}
	hydrator := &Hydrator{
		Client:  r.Client,
		BaseURL: r.OSRMURL,
		Workers: r.Workers,
		QPS:     r.QPS,
		Logf:    logf,
	}
	routed, cache, err := hydrator.Hydrate(ctx, all, cache)
	if err != nil {
		return RunReport{}, err
	}
	if err := SaveRouteCache(r.CachePath, cache); err != nil {
		return RunReport{}, err
	}

	paths, err := WriteDaily(r.OutputDir, routed)
	if err != nil {
		return RunReport{}, err
	}

	minStart, maxEnd := routed[0].Start, routed[0].End
	for _, t := range routed {
		if t.Start.Before(minStart) {
			minStart = t.Start
		}
		if t.End.After(maxEnd) {
			maxEnd = t.End
		}
	}
	manifestPath, err := WriteManifest(r.OutputDir, len(routed), minStart, maxEnd)
	if err != nil {
		return RunReport{}, err
	}

	return RunReport{
		Month:        month,
		SourceFiles:  len(urls),
		TripCount:    len(routed),
		ParquetFiles: paths,
		ManifestPath: manifestPath,
	}, nil
}

// fetchSources downloads each artifact (reusing completed downloads) and
// returns the CSV paths, expanding ZIP archives in place.
func (r *Runner) fetchSources(ctx context.Context, urls []string) ([]string, error) {
	logf := r.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	if err := os.MkdirAll(r.DownloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("pipeline: download dir: %w", err)
	}

	csvPaths := []string{}
	for _, raw := range urls {
		name := path.Base(mustPath(raw))
		target := filepath.Join(r.DownloadDir, name)
		if st, err := os.Stat(target); err != nil || st.Size() == 0 {
			logf("pipeline: downloading %s", name)
			if err := download(ctx, client, raw, target); err != nil {
				return nil, err
			}
		} else {
			logf("pipeline: reusing %s", name)
		}

		if strings.EqualFold(filepath.Ext(target), ".zip") {
			extracted, err := extractCSVs(target, r.DownloadDir)
			if err != nil {
				return nil, err
			}
			csvPaths = append(csvPaths, extracted...)
			continue
		}
		csvPaths = append(csvPaths, target)
	}
	if len(csvPaths) == 0 {
		return nil, fmt.Errorf("pipeline: no CSV files among downloads")
	}
	return csvPaths, nil
}

func download(ctx context.Context, client *http.Client, rawURL, target string) error {
	if _, err := url.Parse(rawURL); err != nil {
		return fmt.Errorf("pipeline: bad source url %q: %w", rawURL, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("pipeline: request %s: %w", rawURL, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("pipeline: fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pipeline: fetch %s: status %d", rawURL, resp.StatusCode)
	}

	tmp := target + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("pipeline: create %s: %w", tmp, err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("pipeline: download %s: %w", rawURL, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("pipeline: close %s: %w", tmp, err)
	}
	return os.Rename(tmp, target)
}

func extractCSVs(archivePath, dir string) ([]string, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("pipeline: open archive %s: %w", archivePath, err)
	}
	defer zr.Close()

	out := []string{}
	for _, member := range zr.File {
		if !strings.EqualFold(filepath.Ext(member.Name), ".csv") {
			continue
		}
		target := filepath.Join(dir, filepath.Base(member.Name))
		rc, err := member.Open()
		if err != nil {
			return nil, fmt.Errorf("pipeline: open member %s: %w", member.Name, err)
		}
		f, err := os.Create(target)
		if err != nil {
			rc.Close()
			return nil, fmt.Errorf("pipeline: create %s: %w", target, err)
		}
		if _, err := io.Copy(f, rc); err != nil {
			f.Close()
			rc.Close()
			return nil, fmt.Errorf("pipeline: extract %s: %w", member.Name, err)
		}
		f.Close()
		rc.Close()
		out = append(out, target)
	}
	return out, nil
}
