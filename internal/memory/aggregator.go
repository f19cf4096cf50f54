// Package memory holds the context aggregator: a bounded, per-kind history
// of recent task outputs that later tasks and chain steps inherit.
package memory

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultLimit is the number of entries retained per agent kind.
const DefaultLimit = 10

// ContextEntry is one retained task output. Entries are never modified after
// Record returns.
type ContextEntry struct {
	Kind       string          `json:"kind"`
	TaskID     string          `json:"task_id"`
	Text       string          `json:"text,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

type history map[string][]ContextEntry

// Aggregator keeps the most recent entries per kind in insertion order.
// Readers load an immutable view; writers build a new view and swap it in.
type Aggregator struct {
	limit int

	mu   sync.Mutex // serialises writers
	view atomic.Pointer[history]
}

// NewAggregator returns an aggregator retaining limit entries per kind.
// A non-positive limit selects DefaultLimit.
func NewAggregator(limit int) *Aggregator {
	if limit <= 0 {
		limit = DefaultLimit
	}
	a := &Aggregator{limit: limit}
	a.view.Store(&history{})
	return a
}

// Limit returns the per-kind bound.
func (a *Aggregator) Limit() int {
	return a.limit
}

// Record appends entry to its kind's history, evicting the oldest entry once
// the kind holds more than Limit entries.
func (a *Aggregator) Record(entry ContextEntry) {
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now().UTC()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	cur := *a.view.Load()
	next := make(history, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}

	old := cur[entry.Kind]
	start := 0
	if len(old) >= a.limit {
		start = len(old) - a.limit + 1
	}
	list := make([]ContextEntry, 0, len(old)-start+1)
	list = append(list, old[start:]...)
	list = append(list, entry)
	next[entry.Kind] = list

	a.view.Store(&next)
}

// Snapshot returns copies of the histories for the requested kinds, oldest
// first. An empty kinds list selects every kind with at least one entry.
// Requested kinds with no history map to an empty slice.
func (a *Aggregator) Snapshot(kinds []string) map[string][]ContextEntry {
	cur := *a.view.Load()
	if len(kinds) == 0 {
		out := make(map[string][]ContextEntry, len(cur))
		for k, v := range cur {
			out[k] = append([]ContextEntry(nil), v...)
		}
		return out
	}
	out := make(map[string][]ContextEntry, len(kinds))
	for _, k := range kinds {
		out[k] = append([]ContextEntry{}, cur[k]...)
	}
	return out
}

// Latest returns the newest entry for kind.
func (a *Aggregator) Latest(kind string) (ContextEntry, bool) {
	list := (*a.view.Load())[kind]
	if len(list) == 0 {
		return ContextEntry{}, false
	}
	return list[len(list)-1], true
}

// Clear drops every entry.
func (a *Aggregator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.view.Store(&history{})
}

// Size returns the number of entries across all kinds.
func (a *Aggregator) Size() int {
	n := 0
	for _, v := range *a.view.Load() {
		n += len(v)
	}
	return n
}

// Kinds returns the kinds that currently have history, sorted.
func (a *Aggregator) Kinds() []string {
	cur := *a.view.Load()
	out := make([]string, 0, len(cur))
	for k, v := range cur {
		if len(v) > 0 {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
