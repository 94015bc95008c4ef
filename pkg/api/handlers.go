// Package api is the HTTP surface of the playback server: status, trips,
// playback controls, an SSE frame stream, and a couple of export helpers.
// Routes stay small and declarative; the session does the real work.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"velotrace/pkg/framebus"
	"velotrace/pkg/qrshare"
	"velotrace/pkg/session"
	"velotrace/pkg/tripjson"
	"velotrace/pkg/tripkml"
)

// Handler wires the session, the frame bus, and the export helpers so the
// routes can stay focused on translating HTTP into session calls.
type Handler struct {
	Session *session.Session
	Bus     *framebus.Bus
	BaseURL string
	Stats   *ResponseCache
	Limiter *RateLimiter
	Logf    func(string, ...any)
}

// NewHandler constructs a Handler with sane defaults. Logf is optional.
func NewHandler(s *session.Session, bus *framebus.Bus, baseURL string, logf func(string, ...any)) *Handler {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Handler{
		Session: s,
		Bus:     bus,
		BaseURL: baseURL,
		Stats:   NewResponseCache(time.Minute),
		Limiter: NewRateLimiter(5 * time.Second),
		Logf:    logf,
	}
}

// Register attaches the API routes to the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api", h.handleOverview)
	mux.HandleFunc("/api/status", h.handleStatus)
	mux.HandleFunc("/api/trips", h.handleTrips)
	mux.HandleFunc("/api/playback/seek", h.handleSeek)
	mux.HandleFunc("/api/playback/toggle", h.handleToggle)
	mux.HandleFunc("/api/playback/speed", h.handleSpeed)
	mux.HandleFunc("/api/playback/jump", h.handleJump)
	mux.HandleFunc("/api/stream", h.handleStream)
	mux.HandleFunc("/api/stats", h.handleStats)
	mux.HandleFunc("/api/kml", h.handleKML)
	mux.HandleFunc("/api/share/qr.png", h.handleShareQR)
}

// handleOverview publishes machine-readable docs so a developer poking the
// server knows which endpoints exist without reading source.
func (h *Handler) handleOverview(w http.ResponseWriter, r *http.Request) {
	overview := struct {
		Service   string         `json:"service"`
		Endpoints map[string]any `json:"endpoints"`
	}{
		Service: "velotrace playback",
		Endpoints: map[string]any{
			"status": map[string]any{
				"method": "GET", "path": "/api/status",
				"description": "Session phase, bounds, current time, versions, file summary.",
			},
			"trips": map[string]any{
				"method": "GET", "path": "/api/trips",
				"description": "Decoded trips for the current playback window with per-point timestamps.",
			},
			"seek": map[string]any{
				"method": "POST", "path": "/api/playback/seek", "query": []string{"t"},
				"description": "Absolute seek to epoch milliseconds, clamped to bounds.",
			},
			"toggle": map[string]any{
				"method": "POST", "path": "/api/playback/toggle",
				"description": "Flip play/pause; responds with the new state.",
			},
			"speed": map[string]any{
				"method": "POST", "path": "/api/playback/speed", "query": []string{"x"},
				"description": "Set the playback speed multiplier.",
			},
			"jump": map[string]any{
				"method": "POST", "path": "/api/playback/jump",
				"body":        map[string]string{"phrase": "string"},
				"description": "Natural-language jump; parse failures surface in status.jumpError.",
			},
			"stream": map[string]any{
				"method": "GET", "path": "/api/stream",
				"description": "Server-sent events, one playback frame per tick.",
			},
			"stats": map[string]any{
				"method": "GET", "path": "/api/stats",
				"description": "Trips per day across all usable files.",
			},
			"kml": map[string]any{
				"method": "GET", "path": "/api/kml",
				"description": "KML LineStrings of the currently decoded window.",
			},
			"shareQR": map[string]any{
				"method": "GET", "path": "/api/share/qr.png", "query": []string{"t", "speed", "size"},
				"description": "QR PNG deep-linking to a playback position.",
			},
		},
	}
	h.respondJSON(w, overview)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, h.Session.Status())
}

func (h *Handler) handleTrips(w http.ResponseWriter, r *http.Request) {
	rows, version := h.Session.DecodedTrips()
	h.respondJSON(w, tripjson.MakeDocument(rows, version))
}

func (h *Handler) handleSeek(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	t, err := strconv.ParseInt(r.URL.Query().Get("t"), 10, 64)
	if err != nil {
		http.Error(w, "t must be epoch milliseconds", http.StatusBadRequest)
		return
	}
	h.Session.SetPlaybackTime(t)
	h.respondJSON(w, h.Session.Status())
}

func (h *Handler) handleToggle(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	playing := h.Session.TogglePlay()
	h.respondJSON(w, struct {
		Playing bool `json:"playing"`
	}{Playing: playing})
}

func (h *Handler) handleSpeed(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	x, err := strconv.ParseFloat(r.URL.Query().Get("x"), 64)
	if err != nil || x <= 0 {
		http.Error(w, "x must be a positive multiplier", http.StatusBadRequest)
		return
	}
	h.Session.SetSpeed(x)
	h.respondJSON(w, h.Session.Status())
}

func (h *Handler) handleJump(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var body struct {
		Phrase string `json:"phrase"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Phrase == "" {
		http.Error(w, `body must be {"phrase": "..."}`, http.StatusBadRequest)
		return
	}
	ok := h.Session.JumpToNaturalLanguage(body.Phrase)
	st := h.Session.Status()
	h.respondJSON(w, struct {
		Jumped        bool   `json:"jumped"`
		CurrentTimeMs int64  `json:"currentTimeMs"`
		JumpError     string `json:"jumpError,omitempty"`
	}{Jumped: ok, CurrentTimeMs: st.CurrentTimeMs, JumpError: st.JumpError})
}

// handleStream pushes playback frames as server-sent events until the
// client goes away.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	if h.Bus == nil {
		http.Error(w, "streaming disabled", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	ctx := r.Context()
	frames := h.Bus.Subscribe(ctx, 16)
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				fmt.Fprint(w, "event: done\ndata: end\n\n")
				flusher.Flush()
				return
			}
			b, _ := json.Marshal(f)
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		}
	}
}

// handleStats serves trips-per-day, cached for a minute because the
// aggregate scans every usable file.
func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	data, err := h.Stats.Get(r.Context(), "daily", func(ctx context.Context) ([]byte, error) {
		counts, err := h.Session.DailyCounts(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			Days any `json:"days"`
		}{Days: counts})
	})
	if err != nil {
		h.Logf("stats error: %v", err)
		http.Error(w, "stats unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// handleKML exports the decoded window. Heavy: rate limited per IP.
func (h *Handler) handleKML(w http.ResponseWriter, r *http.Request) {
	permit, err := h.Limiter.Acquire(r.Context(), clientIP(r), RequestHeavy)
	if err != nil {
		http.Error(w, "request cancelled", http.StatusRequestTimeout)
		return
	}
	defer permit.Release()

	rows, version := h.Session.DecodedTrips()
	var buf bytes.Buffer
	name := fmt.Sprintf("velotrace window v%d", version)
	if err := tripkml.WriteWindow(&buf, name, rows); err != nil {
		h.Logf("kml error: %v", err)
		http.Error(w, "kml generation failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.google-earth.kml+xml")
	w.Header().Set("Content-Disposition", `attachment; filename="velotrace-window.kml"`)
	w.Write(buf.Bytes())
}

func (h *Handler) handleShareQR(w http.ResponseWriter, r *http.Request) {
	permit, err := h.Limiter.Acquire(r.Context(), clientIP(r), RequestGeneral)
	if err != nil {
		http.Error(w, "request cancelled", http.StatusRequestTimeout)
		return
	}
	defer permit.Release()

	q := r.URL.Query()
	t, err := strconv.ParseInt(q.Get("t"), 10, 64)
	if err != nil {
		t = h.Session.Status().CurrentTimeMs
	}
	speed, err := strconv.ParseFloat(q.Get("speed"), 64)
	if err != nil {
		speed = 1
	}
	size, _ := strconv.Atoi(q.Get("size"))

	link, err := qrshare.Link(h.BaseURL, t, speed)
	if err != nil {
		http.Error(w, "bad base url", http.StatusInternalServerError)
		return
	}
	png, err := qrshare.PNG(link, size)
	if err != nil {
		http.Error(w, "qr encoding failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}

// =====================
// Utility helpers
// =====================

func (h *Handler) respondJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
