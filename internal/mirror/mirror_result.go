package mirror

import (
	"sort"
	"sync"
	"time"
)

// Status is the overall outcome of a run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusAborted Status = "aborted"
)

// Skip reasons recorded for entries that were deliberately not applied.
const (
	SkipRefused = "refused"
	SkipIgnored = "ignored"
	// SkipInvalid entries are keyed "#<position in batch>".
	SkipInvalid = "invalid"
)

// Result collects per-entry outcomes of one Apply. Safe for concurrent use.
type Result struct {
	mu        sync.Mutex
	applied   []string
	unchanged int
	skipped   map[string]string
	failed    map[string]error
}

func NewResult() *Result {
	return &Result{
		skipped: make(map[string]string),
		failed:  make(map[string]error),
	}
}

func (r *Result) markApplied(remoteID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, remoteID)
}

func (r *Result) markUnchanged() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unchanged++
}

func (r *Result) markSkipped(remoteID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skipped[remoteID] = reason
}

func (r *Result) markFailed(remoteID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[remoteID] = err
}

// Applied returns the remote ids whose changes were applied, in completion order.
func (r *Result) Applied() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.applied...)
}

func (r *Result) Unchanged() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unchanged
}

// Skipped maps remote id to the skip reason.
func (r *Result) Skipped() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.skipped))
	for k, v := range r.skipped {
		out[k] = v
	}
	return out
}

// Failed maps remote id to the error that stopped it.
func (r *Result) Failed() map[string]error {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]error, len(r.failed))
	for k, v := range r.failed {
		out[k] = v
	}
	return out
}

func (r *Result) HasFailures() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.failed) > 0
}

// RunResult summarizes an Engine run.
type RunResult struct {
	RunID     string
	Status    Status
	Reset     bool
	Entries   int
	Applied   []string
	Unchanged int
	Skipped   map[string]string
	Failed    map[string]error
	// Cursor is the checkpoint saved by this run, empty when none was saved.
	Cursor   string
	Duration time.Duration
}

// FailedIDs returns the failed remote ids sorted.
func (r *RunResult) FailedIDs() []string {
	return sortedKeys(r.Failed)
}

// SkippedIDs returns the skipped remote ids sorted.
func (r *RunResult) SkippedIDs() []string {
	return sortedKeys(r.Skipped)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
