// Package tripkml renders a decoded trip window as a KML document, one
// LineString placemark per trip, so an operator can drop the current
// window into any GIS viewer while debugging coverage.
package tripkml

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"

	"velotrace/pkg/geodecode"
)

type kml struct {
	XMLName  xml.Name `xml:"kml"`
	XMLNS    string   `xml:"xmlns,attr"`
	Document document `xml:"Document"`
}

type document struct {
	Name       string      `xml:"name"`
	Styles     []style     `xml:"Style"`
	Placemarks []placemark `xml:"Placemark"`
}

type style struct {
	ID        string    `xml:"id,attr"`
	LineStyle lineStyle `xml:"LineStyle"`
}

type lineStyle struct {
	Color string `xml:"color"`
	Width int    `xml:"width"`
}

type placemark struct {
	Name        string     `xml:"name"`
	Description string     `xml:"description"`
	StyleURL    string     `xml:"styleUrl"`
	TimeSpan    timeSpan   `xml:"TimeSpan"`
	LineString  lineString `xml:"LineString"`
}

type timeSpan struct {
	Begin string `xml:"begin"`
	End   string `xml:"end"`
}

type lineString struct {
	Tessellate  int    `xml:"tessellate"`
	Coordinates string `xml:"coordinates"`
}

// KML colors are aabbggrr. Routed trips draw solid, fallbacks faded.
const (
	styleRouted   = "routed"
	styleFallback = "fallback"
)

// WriteWindow emits the KML document for the given rows.
func WriteWindow(w io.Writer, name string, rows []geodecode.DecodedRow) error {
	doc := kml{
		XMLNS: "http://www.opengis.net/kml/2.2",
		Document: document{
			Name: name,
			Styles: []style{
				{ID: styleRouted, LineStyle: lineStyle{Color: "ff00aaff", Width: 3}},
				{ID: styleFallback, LineStyle: lineStyle{Color: "667788aa", Width: 2}},
			},
			Placemarks: make([]placemark, 0, len(rows)),
		},
	}

	for _, row := range rows {
		styleID := styleRouted
		if row.LikelyFallback {
			styleID = styleFallback
		}
		doc.Document.Placemarks = append(doc.Document.Placemarks, placemark{
			Name:        row.TripID,
			Description: fmt.Sprintf("source=%s distance=%.0fm duration=%.0fs points=%d", row.RouteSource, row.DistanceM, row.DurationS, row.PointCount),
			StyleURL:    "#" + styleID,
			TimeSpan: timeSpan{
				Begin: time.UnixMilli(row.StartMs).UTC().Format(time.RFC3339),
				End:   time.UnixMilli(row.EndMs).UTC().Format(time.RFC3339),
			},
			LineString: lineString{
				Tessellate:  1,
				Coordinates: coordinates(row.Path),
			},
		})
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return fmt.Errorf("kml header: %w", err)
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("kml encode: %w", err)
	}
	return enc.Flush()
}

// coordinates renders the KML lon,lat,alt triple list. Our paths store
// [lat, lon]; KML wants the axes swapped.
func coordinates(path [][2]float64) string {
	var b strings.Builder
	for i, p := range path {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%.6f,%.6f,0", p[1], p[0])
	}
	return b.String()
}
