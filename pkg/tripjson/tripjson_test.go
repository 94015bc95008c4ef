package tripjson

import (
	"encoding/json"
	"testing"

	"velotrace/pkg/engine"
	"velotrace/pkg/geodecode"
)

func TestMakeDocument(t *testing.T) {
	t.Parallel()

	enc := geodecode.EncodePath([][2]float64{{51.5, -0.1}, {51.6, -0.2}, {51.7, -0.3}})
	row, err := geodecode.DecodeRow(engine.EncodedRow{
		TripID:       "trip-1",
		StartMs:      1_700_000_000_000,
		EndMs:        1_700_000_600_000,
		PathEncoding: enc,
		RouteSource:  "osrm",
		DistanceM:    2500,
		DurationS:    600,
	})
	if err != nil {
		t.Fatalf("DecodeRow: %v", err)
	}

	doc := MakeDocument([]geodecode.DecodedRow{row}, 7)
	if doc.Count != 1 || doc.DecodeVersion != 7 {
		t.Fatalf("doc header %+v", doc)
	}

	blob, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Document
	if err := json.Unmarshal(blob, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	p := back.Trips[0]
	if p.TripID != "trip-1" || p.PointCount != 3 || p.RouteSource != "osrm" {
		t.Fatalf("payload %+v", p)
	}
	if len(p.Path) != len(p.TimestampsMs) {
		t.Fatalf("path and timestamps not parallel: %d vs %d", len(p.Path), len(p.TimestampsMs))
	}
	if p.StartUTC != "2023-11-14T22:13:20Z" {
		t.Fatalf("StartUTC=%q", p.StartUTC)
	}
	if p.LikelyFallback {
		t.Fatalf("3-point osrm trip flagged as fallback")
	}
}
