// Package geodecode turns compact precision-6 polyline encodings into
// coordinate paths with per-point timestamps. The decode work is CPU-bound,
// so the Decoder runs it on its own goroutine and the caller matches
// replies to requests by id, always keeping the latest and dropping the
// rest.
package geodecode

import (
	"fmt"

	"github.com/twpayne/go-polyline"

	"velotrace/pkg/engine"
)

// PrimaryRouteSource is the routing provider whose geometries we trust as
// real street paths. Everything else, and any path of two points or fewer,
// is flagged as a likely fallback so the renderer can de-emphasise it.
const PrimaryRouteSource = "osrm"

// codec6 reads and writes precision-6 polylines, the format OSRM emits with
// geometries=polyline6. The stock polyline.Codec defaults to precision 5.
var codec6 = polyline.Codec{Dim: 2, Scale: 1e6}

// DecodedRow is an EncodedRow with its geometry unpacked. Path and
// TimestampsMs are parallel: TimestampsMs[i] is when the trip passes
// Path[i].
type DecodedRow struct {
	engine.EncodedRow
	Path           [][2]float64
	TimestampsMs   []int64
	PointCount     int
	LikelyFallback bool
}

// DecodePath unpacks a precision-6 polyline into [lat, lon] pairs.
func DecodePath(encoding string) ([][2]float64, error) {
	if encoding == "" {
		return nil, fmt.Errorf("geodecode: empty path encoding")
	}
	coords, rest, err := codec6.DecodeCoords([]byte(encoding))
	if err != nil {
		return nil, fmt.Errorf("geodecode: bad polyline: %w", err)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("geodecode: %d trailing bytes after polyline", len(rest))
	}
	out := make([][2]float64, len(coords))
	for i, c := range coords {
		out[i] = [2]float64{c[0], c[1]}
	}
	return out, nil
}

// EncodePath is the inverse of DecodePath, used by the producer pipeline.
func EncodePath(path [][2]float64) string {
	coords := make([][]float64, len(path))
	for i, p := range path {
		coords[i] = []float64{p[0], p[1]}
	}
	return string(codec6.EncodeCoords(nil, coords))
}

// DecodeRow unpacks one row. Timestamps are spread uniformly between the
// trip's start and end; a single-point path gets exactly the start instant,
// avoiding a zero division.
func DecodeRow(row engine.EncodedRow) (DecodedRow, error) {
	path, err := DecodePath(row.PathEncoding)
	if err != nil {
		return DecodedRow{}, err
	}
	if row.RouteSource == "" {
		row.RouteSource = "unknown"
	}

	n := len(path)
	ts := make([]int64, n)
	if n == 1 {
		ts[0] = row.StartMs
	} else {
		span := float64(row.EndMs - row.StartMs)
		for i := 0; i < n; i++ {
			ts[i] = row.StartMs + int64(span*float64(i)/float64(n-1)+0.5)
		}
		// Pin the last point to the exact end so accumulated rounding
		// never makes a trip outlive itself.
		ts[n-1] = row.EndMs
	}

	return DecodedRow{
		EncodedRow:     row,
		Path:           path,
		TimestampsMs:   ts,
		PointCount:     n,
		LikelyFallback: row.RouteSource != PrimaryRouteSource || n <= 2,
	}, nil
}

// DecodeBatch decodes a slice of rows, skipping rows whose encoding fails
// to parse. The skipped count comes back so callers can surface it in
// aggregate; one malformed row must never discard the batch.
func DecodeBatch(rows []engine.EncodedRow) (decoded []DecodedRow, skipped int) {
	decoded = make([]DecodedRow, 0, len(rows))
	for _, row := range rows {
		d, err := DecodeRow(row)
		if err != nil {
			skipped++
			continue
		}
		decoded = append(decoded, d)
	}
	return decoded, skipped
}
