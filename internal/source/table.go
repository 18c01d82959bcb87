// Package source owns per-source-identifier state: the table itself
// and the periodic idle/memory-cap reaper.
//
// Follows mheard.go's approach, which keeps one mutex-guarded record
// per station instead of several parallel maps, generalized here from
// "heard stations" to "sources with in-flight telemetry and image state."
package source

import (
	"sync"
	"time"

	"github.com/fieldwatch/sensorgw/internal/protocol"
)

// Stats tracks simple per-source counters.
type Stats struct {
	ChunksReceived int
	BytesReceived  int
	FirstChunkTime time.Time
}

// State is the single record collapsing every per-source field: sequence
// watermark, activity timestamps, voltage cache, dedup markers, and stats.
// It does not hold the image scratch handle itself — that stays inside the
// image.Assembler, keyed by the same SID, under an inverted ownership (the
// dispatcher holds this table and passes SIDs to the assembler's
// Append/Finalize/Abort entry points).
type State struct {
	SourceID protocol.SID

	LastSequence uint32
	LastDataTime time.Time
	LastAnyTime  time.Time

	VoltageCache     *float64
	HasImageExpected bool

	EOFProcessedTime time.Time
	SleepSentTime    time.Time

	Stats Stats
}

// Table is the single-owner mapping from SID to State. All
// mutation happens on the dispatcher's task; the reaper shares the same
// lock so a sweep never races a live dispatch.
type Table struct {
	Mu     sync.Mutex
	states map[protocol.SID]*State
	order  []protocol.SID
}

// NewTable builds an empty source table.
func NewTable() *Table {
	return &Table{states: make(map[protocol.SID]*State)}
}

// GetOrCreate returns the existing State for sid, or lazily creates one on
// first successful frame parse.
func (t *Table) GetOrCreate(sid protocol.SID) *State {
	t.Mu.Lock()
	defer t.Mu.Unlock()

	if st, ok := t.states[sid]; ok {
		return st
	}
	st := &State{SourceID: sid}
	t.states[sid] = st
	t.order = append(t.order, sid)
	return st
}

// Get returns the existing State for sid, if any.
func (t *Table) Get(sid protocol.SID) (*State, bool) {
	t.Mu.Lock()
	defer t.Mu.Unlock()
	st, ok := t.states[sid]
	return st, ok
}

// Delete removes sid's state, e.g. after a reaper timeout or LRU eviction.
func (t *Table) Delete(sid protocol.SID) {
	t.Mu.Lock()
	defer t.Mu.Unlock()
	delete(t.states, sid)
	for i, s := range t.order {
		if s == sid {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// Len reports the number of tracked sources.
func (t *Table) Len() int {
	t.Mu.Lock()
	defer t.Mu.Unlock()
	return len(t.states)
}

// OldestByActivity returns the SID whose LastAnyTime is earliest among all
// tracked sources, for LRU eviction.
func (t *Table) OldestByActivity() (protocol.SID, bool) {
	t.Mu.Lock()
	defer t.Mu.Unlock()

	var oldest protocol.SID
	var oldestAt time.Time
	found := false
	for sid, st := range t.states {
		if !found || st.LastAnyTime.Before(oldestAt) {
			oldest, oldestAt, found = sid, st.LastAnyTime, true
		}
	}
	return oldest, found
}

// MostRecentlyActive returns the SID whose LastAnyTime is latest among all
// tracked sources, used to resolve an out-of-band EOF marker onto a concrete
// source when the wire format itself carries no source identifier for it.
func (t *Table) MostRecentlyActive() (protocol.SID, bool) {
	t.Mu.Lock()
	defer t.Mu.Unlock()

	var newest protocol.SID
	var newestAt time.Time
	found := false
	for sid, st := range t.states {
		if !found || st.LastAnyTime.After(newestAt) {
			newest, newestAt, found = sid, st.LastAnyTime, true
		}
	}
	return newest, found
}

// All returns every tracked SID, for bulk teardown on transport loss.
func (t *Table) All() []protocol.SID {
	t.Mu.Lock()
	defer t.Mu.Unlock()
	out := make([]protocol.SID, 0, len(t.states))
	for sid := range t.states {
		out = append(out, sid)
	}
	return out
}

// Clear removes every tracked source.
func (t *Table) Clear() {
	t.Mu.Lock()
	defer t.Mu.Unlock()
	t.states = make(map[protocol.SID]*State)
	t.order = nil
}

// IdleSince returns every SID whose LastAnyTime is older than cutoff.
func (t *Table) IdleSince(cutoff time.Time) []protocol.SID {
	t.Mu.Lock()
	defer t.Mu.Unlock()

	var idle []protocol.SID
	for sid, st := range t.states {
		if st.LastAnyTime.Before(cutoff) {
			idle = append(idle, sid)
		}
	}
	return idle
}
