package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// BackfillState records which months a long-running backfill already
// produced, so the driver resumes instead of redoing work after an
// interruption. Paused lets an operator stop the driver between months by
// editing the file.
type BackfillState struct {
	DoneMonths []string `json:"doneMonths"`
	Paused     bool     `json:"paused"`
}

// Done reports whether month is already recorded.
func (s *BackfillState) Done(month string) bool {
	for _, m := range s.DoneMonths {
		if m == month {
			return true
		}
	}
	return false
}

// MarkDone records month, keeping the list sorted and free of duplicates.
func (s *BackfillState) MarkDone(month string) {
	if s.Done(month) {
		return
	}
	s.DoneMonths = append(s.DoneMonths, month)
	sort.Strings(s.DoneMonths)
}

// LoadBackfillState reads the state file; a missing file is a fresh state.
func LoadBackfillState(path string) (*BackfillState, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &BackfillState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("backfill state: read: %w", err)
	}
	state := &BackfillState{}
	if err := json.Unmarshal(b, state); err != nil {
		return nil, fmt.Errorf("backfill state: decode: %w", err)
	}
	return state, nil
}

// SaveBackfillState writes the state atomically.
func SaveBackfillState(path string, state *BackfillState) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("backfill state: dir: %w", err)
	}
	b, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("backfill state: encode: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("backfill state: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("backfill state: rename: %w", err)
	}
	return nil
}
