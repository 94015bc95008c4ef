// Package metrics exposes playback instrumentation on a private prometheus
// registry, so the default registry's Go runtime noise never leaks into
// our scrape unless an operator asks for it.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles every playback metric. It satisfies session.Metrics.
type Collector struct {
	reg *prometheus.Registry

	phase *prometheus.GaugeVec

	filesUsable  prometheus.Gauge
	filesSkipped prometheus.Gauge

	playbackTime  prometheus.Gauge
	playbackSpeed prometheus.Gauge
	playing       prometheus.Gauge

	cacheVersion  prometheus.Gauge
	decodeVersion prometheus.Gauge
	tripCount     prometheus.Gauge

	decodeBatches prometheus.Counter
	decodeRows    prometheus.Counter
	decodeSkips   prometheus.Counter
	decodeSeconds prometheus.Histogram

	framesPublished prometheus.Counter
	logf            func(string, ...any)
}

// NewCollector builds and registers the metric set. Logf is used only for
// the metrics server's own errors.
func NewCollector(logf func(string, ...any)) *Collector {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg:  reg,
		logf: logf,
		phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "velotrace_session_phase",
			Help: "1 for the current session phase, 0 for the others.",
		}, []string{"phase"}),
		filesUsable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "velotrace_files_usable",
			Help: "Parquet files that passed health validation.",
		}),
		filesSkipped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "velotrace_files_skipped",
			Help: "Parquet files skipped by health validation.",
		}),
		playbackTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "velotrace_playback_time_ms",
			Help: "Current playback instant in epoch milliseconds.",
		}),
		playbackSpeed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "velotrace_playback_speed",
			Help: "Current speed multiplier.",
		}),
		playing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "velotrace_playing",
			Help: "1 while playback advances, 0 while paused.",
		}),
		cacheVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "velotrace_cache_version",
			Help: "Monotonic window-cache version.",
		}),
		decodeVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "velotrace_decode_version",
			Help: "Monotonic accepted-decode version.",
		}),
		tripCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "velotrace_decoded_trips",
			Help: "Trips in the current decoded window.",
		}),
		decodeBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "velotrace_decode_batches_total",
			Help: "Accepted decode batches.",
		}),
		decodeRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "velotrace_decode_rows_total",
			Help: "Rows decoded in accepted batches.",
		}),
		decodeSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "velotrace_decode_parse_errors_total",
			Help: "Rows skipped because their polyline failed to parse.",
		}),
		decodeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "velotrace_decode_batch_seconds",
			Help:    "Wall time of one decode batch.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		framesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "velotrace_frames_published_total",
			Help: "Playback frames published to the bus.",
		}),
	}

	reg.MustRegister(
		c.phase,
		c.filesUsable, c.filesSkipped,
		c.playbackTime, c.playbackSpeed, c.playing,
		c.cacheVersion, c.decodeVersion, c.tripCount,
		c.decodeBatches, c.decodeRows, c.decodeSkips, c.decodeSeconds,
		c.framesPublished,
	)
	return c
}

// knownPhases keeps the phase gauge one-hot without unbounded labels.
var knownPhases = []string{"idle", "resolving", "validating", "opening", "ready", "failed"}

func (c *Collector) SetPhase(phase string) {
	for _, p := range knownPhases {
		v := 0.0
		if p == phase {
			v = 1
		}
		c.phase.WithLabelValues(p).Set(v)
	}
}

func (c *Collector) SetFiles(usable, skipped int) {
	c.filesUsable.Set(float64(usable))
	c.filesSkipped.Set(float64(skipped))
}

func (c *Collector) SetPlayback(timeMs int64, speed float64, playing bool) {
	c.playbackTime.Set(float64(timeMs))
	c.playbackSpeed.Set(speed)
	if playing {
		c.playing.Set(1)
	} else {
		c.playing.Set(0)
	}
}

func (c *Collector) SetVersions(cache, decode uint64) {
	c.cacheVersion.Set(float64(cache))
	c.decodeVersion.Set(float64(decode))
}

func (c *Collector) SetTripCount(n int) {
	c.tripCount.Set(float64(n))
}

func (c *Collector) DecodeBatch(rows, skipped int, took time.Duration) {
	c.decodeBatches.Inc()
	c.decodeRows.Add(float64(rows))
	c.decodeSkips.Add(float64(skipped))
	c.decodeSeconds.Observe(took.Seconds())
}

func (c *Collector) FramePublished() {
	c.framesPublished.Inc()
}

// Handler serves the registry for embedding into an existing mux.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// Serve starts a standalone /metrics listener. Returns the server so the
// caller can shut it down.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logf("metrics server error: %v", err)
		}
	}()
	c.logf("metrics listening on %s", addr)
	return srv
}
