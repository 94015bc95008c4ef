// trip-file-diag inspects a single trip parquet file, local or remote,
// without downloading it whole. It prints the schema, row and row-group
// counts, and the start/end time range, the same checks an operator needs
// when the health validator skips a file and the reason is not obvious.
//
// Usage:
//
//	go run ./scripts/trip-file-diag -url https://cdn.example.com/trips/2024-01-15.parquet
//	go run ./scripts/trip-file-diag -file ./output/parquet/2024-01-15.parquet
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"time"

	"github.com/parquet-go/parquet-go"
	"howett.net/ranger"
)

var (
	fileURL  = flag.String("url", "", "HTTP(S) URL of the parquet file (range requests, no full download)")
	filePath = flag.String("file", "", "Local parquet file path")
	maxRows  = flag.Int("rows", 5, "Number of sample rows to print")
)

// diagRow mirrors the dataset columns loosely; unknown columns are
// ignored so the tool still works on files from older pipeline runs.
type diagRow struct {
	TripID      string `parquet:"trip_id"`
	StartTime   int64  `parquet:"start_time,timestamp(millisecond)"`
	EndTime     int64  `parquet:"end_time,timestamp(millisecond)"`
	RouteSource string `parquet:"route_source"`
}

func main() {
	flag.Parse()
	if (*fileURL == "") == (*filePath == "") {
		log.Fatal("exactly one of -url or -file is required")
	}

	pf, closer, err := openTarget()
	if err != nil {
		log.Fatalf("open: %v", err)
	}
	if closer != nil {
		defer closer.Close()
	}

	fmt.Println("schema:")
	for _, field := range pf.Schema().Fields() {
		fmt.Printf("  %-20s %s\n", field.Name(), field.Type())
	}

	var totalRows int64
	for _, rg := range pf.RowGroups() {
		totalRows += rg.NumRows()
	}
	fmt.Printf("rows: %d\nrow groups: %d\n", totalRows, len(pf.RowGroups()))

	printTimeRangeAndSamples(pf)
}

func openTarget() (*parquet.File, interface{ Close() error }, error) {
	if *filePath != "" {
		f, err := os.Open(*filePath)
		if err != nil {
			return nil, nil, err
		}
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, nil, err
		}
		pf, err := openParquet(f, st.Size())
		if err != nil {
			f.Close()
			return nil, nil, err
		}
		return pf, f, nil
	}

	u, err := url.Parse(*fileURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse url: %w", err)
	}
	reader, err := ranger.NewReader(&ranger.HTTPRanger{URL: u})
	if err != nil {
		return nil, nil, fmt.Errorf("range reader: %w", err)
	}
	length, err := reader.Length()
	if err != nil {
		return nil, nil, fmt.Errorf("content length: %w", err)
	}
	pf, err := openParquet(reader, length)
	if err != nil {
		return nil, nil, err
	}
	return pf, nil, nil
}

// openParquet skips bloom filters and page indexes so a remote open costs
// only footer plus metadata ranges.
func openParquet(r io.ReaderAt, size int64) (*parquet.File, error) {
	return parquet.OpenFile(r, size,
		parquet.SkipBloomFilters(true),
		parquet.SkipPageIndex(true),
	)
}

func printTimeRangeAndSamples(pf *parquet.File) {
	reader := parquet.NewGenericReader[diagRow](pf)
	defer reader.Close()

	var (
		minStart, maxEnd int64
		seen             int
		samples          []diagRow
	)
	buf := make([]diagRow, 512)
	for {
		n, err := reader.Read(buf)
		for _, row := range buf[:n] {
			if seen == 0 || row.StartTime < minStart {
				minStart = row.StartTime
			}
			if seen == 0 || row.EndTime > maxEnd {
				maxEnd = row.EndTime
			}
			if len(samples) < *maxRows {
				samples = append(samples, row)
			}
			seen++
		}
		if err != nil {
			break
		}
	}
	if seen == 0 {
		fmt.Println("time range: file is empty")
		return
	}

	fmt.Printf("time range: %s .. %s\n",
		time.UnixMilli(minStart).UTC().Format(time.RFC3339),
		time.UnixMilli(maxEnd).UTC().Format(time.RFC3339))
	fmt.Println("sample rows:")
	for _, row := range samples {
		fmt.Printf("  %-14s %s -> %s (%s)\n",
			row.TripID,
			time.UnixMilli(row.StartTime).UTC().Format("15:04:05"),
			time.UnixMilli(row.EndTime).UTC().Format("15:04:05"),
			row.RouteSource)
	}
}
