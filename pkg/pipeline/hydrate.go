package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/twpayne/go-polyline"
	"golang.org/x/sync/errgroup"
)

// polyline6 is the wire precision shared with the decoder on the playback
// side.
var polyline6 = polyline.Codec{Dim: 2, Scale: 1e6}

// Hydrator attaches a route to every trip. Routes are fetched from OSRM
// once per unique station pair and shared across all trips on that pair.
type Hydrator struct {
	Client  *http.Client
	BaseURL string
	Workers int
	QPS     float64
	Logf    func(string, ...any)

	// fetch is swappable in tests.
	fetch func(ctx context.Context, pair stationPair) (RouteResult, error)
}

type stationPair struct {
	startLat, startLon float64
	endLat, endLon     float64
}

func (p stationPair) key() string {
	return fmt.Sprintf("%.6f|%.6f|%.6f|%.6f", p.startLon, p.startLat, p.endLon, p.endLat)
}

func (p stationPair) stationary() bool {
	return p.startLat == p.endLat && p.startLon == p.endLon
}

// Hydrate resolves a route for every unique pair in trips, reusing cache
// entries from previous runs, and returns the routed trips plus the
// updated cache. OSRM failures degrade to a straight line rather than
// failing the run; only context cancellation aborts.
func (h *Hydrator) Hydrate(ctx context.Context, trips []Trip, cache map[string]RouteResult) ([]RoutedTrip, map[string]RouteResult, error) {
	if cache == nil {
		cache = map[string]RouteResult{}
	}
	if h.fetch == nil {
		h.fetch = h.fetchOSRM
	}
	workers := h.Workers
	if workers <= 0 {
		workers = 8
	}
	logf := h.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}

	// Stationary pairs never go to OSRM: a trip that starts and ends at
	// the same dock has no route worth asking for.
	missing := []stationPair{}
	seen := map[string]bool{}
	for _, t := range trips {
		pair := pairOf(t)
		key := pair.key()
		if seen[key] {
			continue
		}
		seen[key] = true
		if _, ok := cache[key]; ok {
			continue
		}
		if pair.stationary() {
			cache[key] = RouteResult{
				Geometry: encodePoint(pair.startLat, pair.startLon),
				Source:   SourceStationary,
			}
			continue
		}
		missing = append(missing, pair)
	}

	if len(missing) > 0 {
		logf("hydrate: fetching %d routes with %d workers", len(missing), workers)
		results := make([]RouteResult, len(missing))

		throttle := startThrottle(ctx, h.QPS)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for i, pair := range missing {
			g.Go(func() error {
				if throttle != nil {
					select {
					case <-gctx.Done():
						return gctx.Err()
					case <-throttle:
					}
				}
				route, err := h.fetch(gctx, pair)
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					logf("hydrate: straight-line fallback for %s: %v", pair.key(), err)
					route = straightLine(pair)
				}
				results[i] = route
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, cache, fmt.Errorf("hydrate: %w", err)
		}
		for i, pair := range missing {
			cache[pair.key()] = results[i]
		}
	}

	out := make([]RoutedTrip, len(trips))
	for i, t := range trips {
		out[i] = RoutedTrip{Trip: t, Route: cache[pairOf(t).key()]}
	}
	return out, cache, nil
}

func pairOf(t Trip) stationPair {
	return stationPair{
		startLat: round6(t.StartLat), startLon: round6(t.StartLon),
		endLat: round6(t.EndLat), endLon: round6(t.EndLon),
	}
}

// startThrottle emits one token per 1/qps interval. A qps of zero means
// unthrottled.
func startThrottle(ctx context.Context, qps float64) <-chan time.Time {
	if qps <= 0 {
		return nil
	}
	ticker := time.NewTicker(time.Duration(float64(time.Second) / qps))
	go func() {
		<-ctx.Done()
		ticker.Stop()
	}()
	return ticker.C
}

// osrmResponse is the subset of the route response we consume.
type osrmResponse struct {
	Code   string `json:"code"`
	Routes []struct {
		Geometry string  `json:"geometry"`
		Distance float64 `json:"distance"`
		Duration float64 `json:"duration"`
	} `json:"routes"`
}

func (h *Hydrator) fetchOSRM(ctx context.Context, pair stationPair) (RouteResult, error) {
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}

	endpoint := fmt.Sprintf("%s/route/v1/bicycle/%.6f,%.6f;%.6f,%.6f",
		trimSlash(h.BaseURL), pair.startLon, pair.startLat, pair.endLon, pair.endLat)
	q := url.Values{}
	q.Set("overview", "full")
	q.Set("geometries", "polyline6")
	q.Set("steps", "false")
	q.Set("alternatives", "false")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return RouteResult{}, fmt.Errorf("osrm request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return RouteResult{}, fmt.Errorf("osrm fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return RouteResult{}, fmt.Errorf("osrm fetch: status %d", resp.StatusCode)
	}

	var payload osrmResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return RouteResult{}, fmt.Errorf("osrm decode: %w", err)
	}
	if payload.Code != "Ok" || len(payload.Routes) == 0 {
		return RouteResult{}, fmt.Errorf("osrm returned no route: %s", payload.Code)
	}

	best := payload.Routes[0]
	return RouteResult{
		Geometry:  best.Geometry,
		Source:    SourceOSRM,
		DistanceM: best.Distance,
		DurationS: best.Duration,
	}, nil
}

func straightLine(pair stationPair) RouteResult {
	coords := [][]float64{{pair.startLat, pair.startLon}, {pair.endLat, pair.endLon}}
	return RouteResult{
		Geometry: string(polyline6.EncodeCoords(nil, coords)),
		Source:   SourceFallback,
	}
}

func encodePoint(lat, lon float64) string {
	return string(polyline6.EncodeCoords(nil, [][]float64{{lat, lon}}))
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
