package engine

import (
	"errors"
	"fmt"
)

// ErrClosed is returned when an operation reaches an engine whose session
// has already been torn down.
var ErrClosed = errors.New("engine: closed")

// BoundsUnavailableError is fatal: no file yielded a usable minimum or
// maximum timestamp, so there is nothing to play. Hints carry operator
// guidance because this usually means the dataset itself is broken rather
// than the player.
type BoundsUnavailableError struct {
	Files int
	Err   error
}

func (e *BoundsUnavailableError) Error() string {
	msg := fmt.Sprintf("engine: no usable time bounds across %d files; check that the manifest is reachable and the files are genuine parquet, not placeholders", e.Files)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BoundsUnavailableError) Unwrap() error { return e.Err }

// WindowFetchError reports a windowed query that failed in a way the engine
// could not attribute to a single file. The window stays empty, playback
// continues on whatever the cache already holds.
type WindowFetchError struct {
	StartMs int64
	EndMs   int64
	Err     error
}

func (e *WindowFetchError) Error() string {
	return fmt.Sprintf("engine: window [%d, %d) fetch failed: %v", e.StartMs, e.EndMs, e.Err)
}

func (e *WindowFetchError) Unwrap() error { return e.Err }
