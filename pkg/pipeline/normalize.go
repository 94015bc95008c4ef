package pipeline

import (
	"encoding/csv"
	"fmt"
	"hash/fnv"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jszwec/csvutil"
)

// The hire exports renamed their columns several times over the years.
// Each canonical field lists every header spelling seen in the wild;
// matching is done on a lowercased alphanumeric-only form.
var columnAliases = map[string][]string{
	"trip_id":       {"rental id", "rentalid", "journey id", "journeyid", "trip id", "tripid"},
	"start_time":    {"start date", "startdate", "start datetime", "startdatetime", "started at", "startedat"},
	"end_time":      {"end date", "enddate", "end datetime", "enddatetime", "ended at", "endedat"},
	"start_station": {"start station name", "startstationname", "start station", "startstation"},
	"end_station":   {"end station name", "endstationname", "end station", "endstation"},
	"start_lat":     {"start station latitude", "startstationlatitude", "start latitude", "startlat"},
	"start_lon":     {"start station longitude", "startstationlongitude", "start longitude", "startlon"},
	"end_lat":       {"end station latitude", "endstationlatitude", "end latitude", "endlat"},
	"end_lon":       {"end station longitude", "endstationlongitude", "end longitude", "endlon"},
}

var requiredColumns = []string{"start_time", "end_time", "start_station", "end_station"}

// csvTrip is the raw decode target. Everything is a string because the
// exports mix numeric formats and write literal "NULL" for absent values.
type csvTrip struct {
	TripID       string `csv:"trip_id"`
	StartTime    string `csv:"start_time"`
	EndTime      string `csv:"end_time"`
	StartStation string `csv:"start_station"`
	EndStation   string `csv:"end_station"`
	StartLat     string `csv:"start_lat"`
	StartLon     string `csv:"start_lon"`
	EndLat       string `csv:"end_lat"`
	EndLon       string `csv:"end_lon"`
}

// NormalizeStats counts what normalization kept and dropped, per source.
type NormalizeStats struct {
	Rows        int
	Kept        int
	BadTime     int
	BadStation  int
	NegDuration int
}

// Normalize decodes one CSV export into trips with UTC times, cleaned
// station names, and synthesized ids where the export lacks them. Rows
// with unparsable times or empty stations are skipped and counted.
func Normalize(r io.Reader, sourceName string) ([]Trip, NormalizeStats, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	rawHeader, err := cr.Read()
	if err != nil {
		return nil, NormalizeStats{}, fmt.Errorf("normalize %s: read header: %w", sourceName, err)
	}
	header, err := canonicalHeader(rawHeader)
	if err != nil {
		return nil, NormalizeStats{}, fmt.Errorf("normalize %s: %w", sourceName, err)
	}

	dec, err := csvutil.NewDecoder(cr, header...)
	if err != nil {
		return nil, NormalizeStats{}, fmt.Errorf("normalize %s: decoder: %w", sourceName, err)
	}

	rows := []csvTrip{}
	for {
		var row csvTrip
		if err := dec.Decode(&row); err == io.EOF {
			break
		} else if err != nil {
			return nil, NormalizeStats{}, fmt.Errorf("normalize %s: decode: %w", sourceName, err)
		}
		rows = append(rows, row)
	}

	layout := chooseTimeLayout(rows)
	stats := NormalizeStats{Rows: len(rows)}
	out := make([]Trip, 0, len(rows))
	for _, row := range rows {
		start, okS := parseExportTime(row.StartTime, layout)
		end, okE := parseExportTime(row.EndTime, layout)
		if !okS || !okE {
			stats.BadTime++
			continue
		}
		if end.Before(start) {
			stats.NegDuration++
			continue
		}
		startStation := cleanStationName(row.StartStation)
		endStation := cleanStationName(row.EndStation)
		if startStation == "" || endStation == "" {
			stats.BadStation++
			continue
		}

		trip := Trip{
			TripID:       strings.TrimSpace(row.TripID),
			Start:        start,
			End:          end,
			StartStation: startStation,
			EndStation:   endStation,
			StartLat:     parseCoord(row.StartLat),
			StartLon:     parseCoord(row.StartLon),
			EndLat:       parseCoord(row.EndLat),
			EndLon:       parseCoord(row.EndLon),
		}
		if trip.TripID == "" || strings.EqualFold(trip.TripID, "null") {
			trip.TripID = syntheticTripID(trip)
		}
		out = append(out, trip)
		stats.Kept++
	}
	return out, stats, nil
}

// canonicalHeader maps each export header to its canonical field name, or
// to a placeholder the decoder ignores. Missing required columns fail the
// whole file.
func canonicalHeader(raw []string) ([]string, error) {
	out := make([]string, len(raw))
	seen := map[string]bool{}
	for i, col := range raw {
		name := resolveAlias(col)
		if name == "" || seen[name] {
			out[i] = fmt.Sprintf("unused_%d", i)
			continue
		}
		seen[name] = true
		out[i] = name
	}
	for _, req := range requiredColumns {
		if !seen[req] {
			return nil, fmt.Errorf("no column matches required field %s (header: %s)", req, strings.Join(raw, ", "))
		}
	}
	return out, nil
}

func resolveAlias(col string) string {
	key := foldHeader(col)
	for canonical, aliases := range columnAliases {
		for _, alias := range aliases {
			if key == foldHeader(alias) {
				return canonical
			}
		}
	}
	// Second pass: substring match catches decorated headers like
	// "Start Date (UTC)".
	for canonical, aliases := range columnAliases {
		for _, alias := range aliases {
			if strings.Contains(key, foldHeader(alias)) {
				return canonical
			}
		}
	}
	return ""
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]`)

func foldHeader(s string) string {
	return nonAlnum.ReplaceAllString(strings.ToLower(s), "")
}

// ====================
// Time parsing
// ====================

// Older exports write day-first "25/04/2022 06:54", newer ones ISO
// timestamps. The slash layouts are ambiguous row by row, so the layout is
// chosen per file: the candidate that yields the most rows with a
// non-negative duration wins.
var slashLayouts = []string{"02/01/2006 15:04", "01/02/2006 15:04"}

var isoLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	time.RFC3339,
}

func chooseTimeLayout(rows []csvTrip) string {
	best, bestScore := slashLayouts[0], -1
	for _, layout := range slashLayouts {
		score := 0
		for _, row := range rows {
			start, okS := parseWith(row.StartTime, layout)
			end, okE := parseWith(row.EndTime, layout)
			if okS && okE && !end.Before(start) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = layout, score
		}
	}
	return best
}

func parseExportTime(value, slashLayout string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" || strings.EqualFold(value, "null") {
		return time.Time{}, false
	}
	for _, layout := range isoLayouts {
		if t, ok := parseWith(value, layout); ok {
			return t, true
		}
	}
	return parseWith(value, slashLayout)
}

func parseWith(value, layout string) (time.Time, bool) {
	t, err := time.ParseInLocation(layout, strings.TrimSpace(value), time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ====================
// Field cleanup
// ====================

// cleanStationName collapses whitespace and smart quotes so the same
// station compares equal across export vintages.
func cleanStationName(name string) string {
	clean := strings.TrimSpace(name)
	if clean == "" || strings.EqualFold(clean, "null") {
		return ""
	}
	clean = strings.ReplaceAll(clean, "’", "'")
	clean = strings.ReplaceAll(clean, "&amp;", "&")
	return strings.Join(strings.Fields(clean), " ")
}

func parseCoord(value string) float64 {
	value = strings.TrimSpace(value)
	if value == "" || strings.EqualFold(value, "null") {
		return 0
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	return f
}

func syntheticTripID(t Trip) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d|%d|%s|%s", t.Start.UnixMilli(), t.End.UnixMilli(), t.StartStation, t.EndStation)
	return fmt.Sprintf("auto_%016x", h.Sum64())
}

// ====================
// Coordinate standardization
// ====================

// StandardizeCoordinates pins every station to the median of its observed
// coordinates, fills rows that had none, and drops trips with an endpoint
// outside the London bounding box. Median beats mean here because a single
// swapped lat/lon pair would otherwise drag the whole station off the map.
func StandardizeCoordinates(trips []Trip) []Trip {
	type sample struct{ lats, lons []float64 }
	stations := map[string]*sample{}
	observe := func(name string, lat, lon float64) {
		if lat == 0 && lon == 0 {
			return
		}
		s, ok := stations[name]
		if !ok {
			s = &sample{}
			stations[name] = s
		}
		s.lats = append(s.lats, lat)
		s.lons = append(s.lons, lon)
	}
	for _, t := range trips {
		observe(t.StartStation, t.StartLat, t.StartLon)
		observe(t.EndStation, t.EndLat, t.EndLon)
	}

	ref := map[string][2]float64{}
	for name, s := range stations {
		ref[name] = [2]float64{round6(median(s.lats)), round6(median(s.lons))}
	}

	out := make([]Trip, 0, len(trips))
	for _, t := range trips {
		if p, ok := ref[t.StartStation]; ok {
			t.StartLat, t.StartLon = p[0], p[1]
		}
		if p, ok := ref[t.EndStation]; ok {
			t.EndLat, t.EndLon = p[0], p[1]
		}
		if !inLondon(t.StartLat, t.StartLon) || !inLondon(t.EndLat, t.EndLon) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Dedup removes repeated rows across overlapping exports. Identity is the
// full (id, times, stations) tuple since ids alone repeat between years.
func Dedup(trips []Trip) []Trip {
	seen := map[string]bool{}
	out := make([]Trip, 0, len(trips))
	for _, t := range trips {
		key := fmt.Sprintf("%s|%d|%d|%s|%s", t.TripID, t.Start.UnixMilli(), t.End.UnixMilli(), t.StartStation, t.EndStation)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

func inLondon(lat, lon float64) bool {
	return lat >= latMin && lat <= latMax && lon >= lonMin && lon <= lonMax
}

func median(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

func round6(v float64) float64 {
	return float64(int64(v*1e6+sign(v)*0.5)) / 1e6
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
