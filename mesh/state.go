package mesh

import (
	"sort"
	"sync"
	"time"
)

// maxTrackedFits bounds how many fit responses the tracker keeps.
const maxTrackedFits = 256

// StateTracker holds the service's current shape model, the latest
// registration progress and recent fit responses for the HTTP endpoints.
type StateTracker struct {
	mu           sync.RWMutex
	model        *ShapeModel
	modelUpdated time.Time
	progress     *ProgressEvent
	fits         map[string]*FitResponse
	cachePath    string // model file; empty disables persistence
}

// NewStateTracker creates a tracker without persistence.
func NewStateTracker() *StateTracker {
	return &StateTracker{
		fits: make(map[string]*FitResponse),
	}
}

// NewStateTrackerWithCache creates a tracker that persists the model to
// cachePath. An existing model at that path is loaded on creation.
func NewStateTrackerWithCache(cachePath string) *StateTracker {
	st := NewStateTracker()
	st.cachePath = cachePath
	if cachePath != "" {
		if sm, err := LoadModel(cachePath); err == nil {
			st.model = sm
			st.modelUpdated = time.Now()
		} else {
			getLogger().Debugw("no cached shape model", "path", cachePath, "error", err)
		}
	}
	return st
}

// Model returns the current model, or nil before one is built or loaded.
// The returned model must be treated as read-only.
func (st *StateTracker) Model() *ShapeModel {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.model
}

// HasModel reports whether a model is available.
func (st *StateTracker) HasModel() bool {
	return st.Model() != nil
}

// ModelUpdated returns when the current model was set.
func (st *StateTracker) ModelUpdated() time.Time {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.modelUpdated
}

// UpdateModel replaces the current model and writes it to the cache path.
// The in-memory model is replaced even when persisting fails.
func (st *StateTracker) UpdateModel(sm *ShapeModel) error {
	if sm == nil {
		return ErrEmptyInput
	}
	st.mu.Lock()
	st.model = sm
	st.modelUpdated = time.Now()
	cachePath := st.cachePath
	st.mu.Unlock()

	if cachePath == "" {
		return nil
	}
	if err := SaveModel(cachePath, sm); err != nil {
		getLogger().Warnw("failed to persist shape model", "path", cachePath, "error", err)
		return err
	}
	return nil
}

// UpdateProgress records the latest registration progress event.
func (st *StateTracker) UpdateProgress(ev ProgressEvent) {
	st.mu.Lock()
	defer st.mu.Unlock()
	evCopy := ev
	st.progress = &evCopy
}

// Progress returns the latest progress event, if any.
func (st *StateTracker) Progress() (ProgressEvent, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.progress == nil {
		return ProgressEvent{}, false
	}
	return *st.progress, true
}

// RecordFit stores a fit response by ID. When the tracker is full the oldest
// response is evicted.
func (st *StateTracker) RecordFit(resp FitResponse) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.fits[resp.ID]; !ok && len(st.fits) >= maxTrackedFits {
		var oldestID string
		var oldest int64
		for id, f := range st.fits {
			if oldestID == "" || f.Timestamp < oldest {
				oldestID, oldest = id, f.Timestamp
			}
		}
		delete(st.fits, oldestID)
	}
	r := resp
	st.fits[resp.ID] = &r
}

// Fit returns a copy of the stored response for id.
func (st *StateTracker) Fit(id string) (FitResponse, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	f, ok := st.fits[id]
	if !ok {
		return FitResponse{}, false
	}
	return *f, true
}

// FitIDs returns the IDs of all stored fit responses, sorted.
func (st *StateTracker) FitIDs() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	ids := make([]string, 0, len(st.fits))
	for id := range st.fits {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
