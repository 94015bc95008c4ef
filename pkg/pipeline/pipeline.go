// Package pipeline builds the daily trip parquet dataset the playback
// server consumes. It discovers monthly cycle-hire CSV exports, normalizes
// their drifting column conventions, asks OSRM for a rideable route per
// station pair, and writes one parquet file per UTC day plus a manifest.
//
// The pipeline is an offline producer: it shares the dataset contract with
// the playback packages (file naming, column set, polyline6 geometry) but
// none of their runtime.
package pipeline

import (
	"time"
)

// Trip is one normalized hire record before route hydration.
type Trip struct {
	TripID       string
	Start        time.Time
	End          time.Time
	StartStation string
	EndStation   string
	StartLat     float64
	StartLon     float64
	EndLat       float64
	EndLon       float64
}

// RouteResult is the geometry OSRM (or a fallback) produced for one
// station pair.
type RouteResult struct {
	Geometry  string  `json:"geometry"`
	Source    string  `json:"source"`
	DistanceM float64 `json:"distanceM"`
	DurationS float64 `json:"durationS"`
}

// RoutedTrip is a trip joined with its route, ready for the parquet
// writer.
type RoutedTrip struct {
	Trip
	Route RouteResult
}

// Route source classes. The decoder downstream treats anything but osrm
// as a likely fallback.
const (
	SourceOSRM       = "osrm"
	SourceStationary = "stationary"
	SourceFallback   = "fallback_straight_line"
)

// London bounding box. Rows with any endpoint outside are dropped, they
// are almost always station-coordinate typos in the source exports.
const (
	latMin = 51.20
	latMax = 51.75
	lonMin = -0.60
	lonMax = 0.35
)
