package engine

import (
	"net/url"
	"path"
	"sort"
	"strings"
	"time"
)

// ====================
// File descriptor model
// ====================

// Status tracks what the session has learned about a single remote file.
// Transitions only move forward: a healthy file may become materialized,
// any usable file may become unusable, and unusable is terminal until the
// session is rebuilt from scratch.
type Status int

const (
	StatusUntested Status = iota
	StatusHealthy
	StatusMaterialized
	StatusUnusable
)

func (s Status) String() string {
	switch s {
	case StatusUntested:
		return "untested"
	case StatusHealthy:
		return "healthy"
	case StatusMaterialized:
		return "materialized"
	case StatusUnusable:
		return "unusable"
	default:
		return "unknown"
	}
}

// FileDescriptor is the engine's record of one parquet source.
// URL keeps the fetchable form including the session token; StableKey is
// the token-free identity used to recognise the same file when a query
// engine echoes a rewritten path back in an error message.
type FileDescriptor struct {
	URL       string
	StableKey string
	DayKey    time.Time
	Status    Status
	LocalPath string
}

// CurrentPath returns the path queries should scan right now, which is the
// local spill copy once the file has been materialized.
func (d *FileDescriptor) CurrentPath() string {
	if d.Status == StatusMaterialized && d.LocalPath != "" {
		return d.LocalPath
	}
	return d.URL
}

// Basename returns the file name without directories or query parameters.
func (d *FileDescriptor) Basename() string {
	return baseName(d.StableKey)
}

func (d *FileDescriptor) usable() bool {
	return d.Status != StatusUnusable
}

// TimeBounds is the dataset's global playable range in epoch milliseconds.
type TimeBounds struct {
	MinMs int64
	MaxMs int64
}

// EncodedRow is one trip instance as returned by a windowed query, with the
// path still in its compact polyline form.
type EncodedRow struct {
	TripID       string
	StartMs      int64
	EndMs        int64
	PathEncoding string
	RouteSource  string
	DistanceM    float64
	DurationS    float64
}

// DayCount is one row of the daily trip histogram.
type DayCount struct {
	Day   string
	Trips int64
}

// Summary reports descriptor states in aggregate for status and metrics.
type Summary struct {
	Total        int
	Usable       int
	Materialized int
	Unusable     int
}

// ====================
// Descriptor construction
// ====================

// newDescriptors builds the ordered descriptor list for a session. Sources
// are assumed to have passed health validation, so they start healthy. Files
// sort by day, earliest first; files whose name carries no recognisable day
// sort last so bounds probing touches dated files first.
func newDescriptors(sources []string) []*FileDescriptor {
	descs := make([]*FileDescriptor, 0, len(sources))
	for _, src := range sources {
		key := stableKey(src)
		day, _ := parseDayKey(key)
		descs = append(descs, &FileDescriptor{
			URL:       src,
			StableKey: key,
			DayKey:    day,
			Status:    StatusHealthy,
		})
	}
	sort.SliceStable(descs, func(i, j int) bool {
		a, b := descs[i], descs[j]
		switch {
		case a.DayKey.IsZero() && b.DayKey.IsZero():
			return a.StableKey < b.StableKey
		case a.DayKey.IsZero():
			return false
		case b.DayKey.IsZero():
			return true
		case !a.DayKey.Equal(b.DayKey):
			return a.DayKey.Before(b.DayKey)
		default:
			return a.StableKey < b.StableKey
		}
	})
	return descs
}

// stableKey strips transient query parameters and fragments so the same file
// compares equal across sessions regardless of the cache-bust token.
func stableKey(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// parseDayKey recognises the producer's YYYY-MM-DD.parquet naming and turns
// it into a UTC midnight. Anything else reports no day.
func parseDayKey(key string) (time.Time, bool) {
	base := baseName(key)
	name := strings.TrimSuffix(base, ".parquet")
	if name == base {
		return time.Time{}, false
	}
	day, err := time.ParseInLocation("2006-01-02", name, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

func baseName(key string) string {
	if u, err := url.Parse(key); err == nil && u.Path != "" {
		return path.Base(u.Path)
	}
	return path.Base(key)
}
