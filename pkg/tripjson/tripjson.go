// Package tripjson shapes decoded trips into the JSON payloads served by
// the API. Keeping the schema in one place means the live endpoint and any
// future archive writer cannot drift apart.
package tripjson

import (
	"time"

	"velotrace/pkg/geodecode"
)

// TripPayload mirrors the JSON schema for one decoded trip. Path and
// TimestampsMs are parallel arrays, the same contract the decoder keeps.
type TripPayload struct {
	TripID         string       `json:"tripId"`
	StartUnixMs    int64        `json:"startUnixMs"`
	StartUTC       string       `json:"startUTC"`
	EndUnixMs      int64        `json:"endUnixMs"`
	EndUTC         string       `json:"endUTC"`
	Path           [][2]float64 `json:"path"`
	TimestampsMs   []int64      `json:"timestampsMs"`
	PointCount     int          `json:"pointCount"`
	RouteSource    string       `json:"routeSource"`
	DistanceM      float64      `json:"distanceM,omitempty"`
	DurationS      float64      `json:"durationS,omitempty"`
	LikelyFallback bool         `json:"likelyFallback"`
}

// Document wraps a full trip set with the decode version it belongs to so
// clients can skip re-rendering identical responses.
type Document struct {
	DecodeVersion uint64        `json:"decodeVersion"`
	Count         int           `json:"count"`
	Trips         []TripPayload `json:"trips"`
}

// MakeTripPayload converts one decoded row.
func MakeTripPayload(row geodecode.DecodedRow) TripPayload {
	return TripPayload{
		TripID:         row.TripID,
		StartUnixMs:    row.StartMs,
		StartUTC:       time.UnixMilli(row.StartMs).UTC().Format(time.RFC3339),
		EndUnixMs:      row.EndMs,
		EndUTC:         time.UnixMilli(row.EndMs).UTC().Format(time.RFC3339),
		Path:           row.Path,
		TimestampsMs:   row.TimestampsMs,
		PointCount:     row.PointCount,
		RouteSource:    row.RouteSource,
		DistanceM:      row.DistanceM,
		DurationS:      row.DurationS,
		LikelyFallback: row.LikelyFallback,
	}
}

// MakeDocument converts a decoded window wholesale.
func MakeDocument(rows []geodecode.DecodedRow, decodeVersion uint64) Document {
	trips := make([]TripPayload, len(rows))
	for i, row := range rows {
		trips[i] = MakeTripPayload(row)
	}
	return Document{DecodeVersion: decodeVersion, Count: len(trips), Trips: trips}
}
