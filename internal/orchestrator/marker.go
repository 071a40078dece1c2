package orchestrator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"listing-batch/internal/model"
	"listing-batch/internal/runstore"
)

const (
	// MarkerStep may only run once per MarkerInterval.
	MarkerStep     model.StepID = "62"
	MarkerInterval              = 48 * time.Hour
	MarkerFile                  = "last_run_step62.json"
)

// MarkerSlack absorbs the scheduler's poll phase and a DST shift, so the
// daily fire two days later at the same wall time is always due.
const MarkerSlack = time.Hour

type markerRecord struct {
	LastRun string `json:"last_run"`
}

// Marker is the one datum shared by every account: when step 62 last
// succeeded.
type Marker struct {
	Path string

	mu sync.Mutex
}

func NewMarker(stateDir string) *Marker {
	return &Marker{Path: filepath.Join(stateDir, MarkerFile)}
}

// LastRun returns the recorded time; ok is false when none is recorded.
func (m *Marker) LastRun() (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rec markerRecord
	if err := runstore.ReadJSON(m.Path, &rec); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339, rec.LastRun)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse %s: %w", m.Path, err)
	}
	return t, true, nil
}

// Due reports whether step 62 may run at at. Times are compared at minute
// granularity, within MarkerSlack of MarkerInterval.
func (m *Marker) Due(at time.Time) (bool, error) {
	last, ok, err := m.LastRun()
	if err != nil || !ok {
		return err == nil, err
	}
	elapsed := at.Truncate(time.Minute).Sub(last.Truncate(time.Minute))
	return elapsed >= MarkerInterval-MarkerSlack, nil
}

// Record stores at as the last successful run, replacing the file whole.
func (m *Marker) Record(at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return runstore.WriteJSON(m.Path, markerRecord{LastRun: at.Format(time.RFC3339)})
}
