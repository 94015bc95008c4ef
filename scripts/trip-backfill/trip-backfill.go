// trip-backfill drives the producer pipeline over a month range, with a
// resume state file so an interrupted run restarts where it stopped. Set
// "paused": true in the state file to stop the driver between months.
//
// Usage:
//
//	go run ./scripts/trip-backfill -months 2024-01..2024-03 -out ./output/parquet
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"velotrace/pkg/pipeline"
)

var (
	months    = flag.String("months", "", "Inclusive month range, e.g. 2024-01..2024-03")
	sourceURL = flag.String("source-url", "https://s3-eu-west-1.amazonaws.com/cycling.data.tfl.gov.uk/?list-type=2&prefix=usage-stats/", "Source listing URL (S3 listing or HTML index)")
	osrmURL   = flag.String("osrm-url", "https://router.project-osrm.org", "OSRM base URL exposing /route/v1/bicycle")
	outDir    = flag.String("out", "./output/parquet", "Daily parquet output directory")
	workDir   = flag.String("work", "./work", "Download and cache directory")
	stateFile = flag.String("state", "./work/backfill-state.json", "Resume state file")
	workers   = flag.Int("workers", 8, "Concurrent OSRM workers")
	qps       = flag.Float64("qps", 10, "Max OSRM requests per second")
)

func main() {
	flag.Parse()
	monthList, err := expandMonths(*months)
	if err != nil {
		log.Fatalf("bad -months: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	state, err := pipeline.LoadBackfillState(*stateFile)
	if err != nil {
		log.Fatalf("load state: %v", err)
	}

	runner := &pipeline.Runner{
		Client:      &http.Client{Timeout: 5 * time.Minute},
		Logf:        log.Printf,
		SourceURL:   *sourceURL,
		OSRMURL:     *osrmURL,
		DownloadDir: *workDir,
		OutputDir:   *outDir,
		CachePath:   *workDir + "/route_cache.json",
		Workers:     *workers,
		QPS:         *qps,
	}

	for _, month := range monthList {
		if state.Done(month) {
			log.Printf("skip %s: already done", month)
			continue
		}
		// Re-read the state so an operator's pause edit takes effect
		// between months.
		fresh, err := pipeline.LoadBackfillState(*stateFile)
		if err == nil && fresh.Paused {
			log.Printf("paused by state file, stopping before %s", month)
			return
		}

		log.Printf("processing %s", month)
		report, err := runner.ProcessMonth(ctx, month)
		if err != nil {
			log.Fatalf("month %s: %v", month, err)
		}
		log.Printf("month %s done: %d trips into %d files, manifest %s",
			month, report.TripCount, len(report.ParquetFiles), report.ManifestPath)

		state.MarkDone(month)
		if err := pipeline.SaveBackfillState(*stateFile, state); err != nil {
			log.Fatalf("save state: %v", err)
		}
	}
	log.Printf("backfill complete: %d months", len(monthList))
}

// expandMonths turns "2024-01..2024-03" into each month in the range. A
// single month without ".." is a range of one.
func expandMonths(spec string) ([]string, error) {
	if spec == "" {
		return nil, fmt.Errorf("required")
	}
	first, last, found := strings.Cut(spec, "..")
	if !found {
		last = first
	}
	start, err := time.ParseInLocation("2006-01", first, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("bad month %q: %w", first, err)
	}
	end, err := time.ParseInLocation("2006-01", last, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("bad month %q: %w", last, err)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("range ends before it starts")
	}

	out := []string{}
	for m := start; !m.After(end); m = m.AddDate(0, 1, 0) {
		out = append(out, m.Format("2006-01"))
	}
	return out, nil
}
