// Package playback advances the player's current time. A Clock is plain
// data owned by the session goroutine; it carries no locking of its own,
// the owner serialises every call.
package playback

import (
	"time"

	"velotrace/pkg/engine"
)

// ParseFunc resolves a natural-language phrase against a reference instant.
// It returns false when the phrase means nothing; the implementation is
// injected by the binary, the clock only delegates.
type ParseFunc func(phrase string, ref time.Time) (time.Time, bool)

// Clock tracks current playback time between the dataset bounds.
type Clock struct {
	now   func() time.Time
	parse ParseFunc

	bounds    engine.TimeBounds
	currentMs float64
	speed     float64
	playing   bool
	lastTick  time.Time
	jumpErr   string
}

// New positions the clock at the lower bound, paused, at 1x speed. The now
// function is injectable for tests; nil means time.Now.
func New(bounds engine.TimeBounds, parse ParseFunc, now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{
		now:       now,
		parse:     parse,
		bounds:    bounds,
		currentMs: float64(bounds.MinMs),
		speed:     1,
	}
}

// Advance moves current time forward by the elapsed wall clock scaled by
// the speed multiplier. It reports true while playback keeps running; when
// the upper bound is reached the clock stops exactly there and reports
// false so the caller can surface the pause.
func (c *Clock) Advance() bool {
	if !c.playing {
		return false
	}
	now := c.now()
	if c.lastTick.IsZero() {
		c.lastTick = now
		return true
	}
	elapsed := now.Sub(c.lastTick)
	c.lastTick = now

	c.currentMs += elapsed.Seconds() * 1000 * c.speed
	if c.currentMs >= float64(c.bounds.MaxMs) {
		c.currentMs = float64(c.bounds.MaxMs)
		c.playing = false
		return false
	}
	return true
}

// Seek jumps to an absolute time, clamped to the bounds. Any prior jump
// error is cleared because the user plainly found another way to move.
func (c *Clock) Seek(ms int64) {
	if ms < c.bounds.MinMs {
		ms = c.bounds.MinMs
	}
	if ms > c.bounds.MaxMs {
		ms = c.bounds.MaxMs
	}
	c.currentMs = float64(ms)
	c.jumpErr = ""
	c.lastTick = time.Time{}
}

// Toggle flips play/pause and reports the new playing state.
func (c *Clock) Toggle() bool {
	c.playing = !c.playing
	c.lastTick = time.Time{}
	if c.playing && c.currentMs >= float64(c.bounds.MaxMs) {
		// Restarting from the end rewinds to the start, matching what a
		// player button is expected to do.
		c.currentMs = float64(c.bounds.MinMs)
	}
	return c.playing
}

// SetSpeed changes the multiplier. Non-positive values are ignored; a
// paused clock keeps the new speed for when it resumes.
func (c *Clock) SetSpeed(mult float64) {
	if mult <= 0 {
		return
	}
	c.speed = mult
}

// Jump hands the phrase to the injected parser, using current playback
// time as the reference instant. A phrase the parser cannot place sets a
// user-visible error and leaves time untouched.
func (c *Clock) Jump(phrase string) bool {
	if c.parse == nil {
		c.jumpErr = "date parsing is not available"
		return false
	}
	when, ok := c.parse(phrase, time.UnixMilli(c.CurrentMs()).UTC())
	if !ok {
		c.jumpErr = "could not understand " + quotePhrase(phrase)
		return false
	}
	c.Seek(when.UnixMilli())
	return true
}

// CurrentMs returns the current playback instant in epoch milliseconds.
func (c *Clock) CurrentMs() int64 { return int64(c.currentMs) }

// Playing reports whether the clock is advancing.
func (c *Clock) Playing() bool { return c.playing }

// Speed returns the current multiplier.
func (c *Clock) Speed() float64 { return c.speed }

// JumpError returns the last jump failure, empty when none is pending.
func (c *Clock) JumpError() string { return c.jumpErr }

// Bounds returns the range the clock is clamped to.
func (c *Clock) Bounds() engine.TimeBounds { return c.bounds }

func quotePhrase(s string) string {
	if len(s) > 80 {
		s = s[:80] + "…"
	}
	return "\"" + s + "\""
}
