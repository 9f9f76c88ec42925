// Package presence tracks the ephemeral cursor and selection of every
// participant in a session. Presence is never merged with document state:
// each participant keeps only its newest cursor and selection.
package presence

import "sync"

// Cursor is a caret position. Timestamp is in unix milliseconds and orders
// updates from the same participant.
type Cursor struct {
	Line      int   `json:"line"`
	Column    int   `json:"column"`
	Timestamp int64 `json:"timestamp"`
}

// Selection is a selected range in rune offsets.
type Selection struct {
	Start     int   `json:"start"`
	End       int   `json:"end"`
	Timestamp int64 `json:"timestamp"`
}

// State is the presence known for one participant.
type State struct {
	Cursor    *Cursor    `json:"cursor,omitempty"`
	Selection *Selection `json:"selection,omitempty"`
}

// Tracker holds per-participant presence with last-write-wins semantics by
// timestamp. An update with an older timestamp than the one already applied
// is discarded; an equal timestamp replaces it.
type Tracker struct {
	mu     sync.Mutex
	states map[string]*State
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{states: make(map[string]*State)}
}

// ApplyCursor records c for participant and reports whether it was applied.
func (t *Tracker) ApplyCursor(participant string, c Cursor) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state(participant)
	if st.Cursor != nil && c.Timestamp < st.Cursor.Timestamp {
		return false
	}
	st.Cursor = &c
	return true
}

// ApplySelection records s for participant and reports whether it was applied.
func (t *Tracker) ApplySelection(participant string, s Selection) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state(participant)
	if st.Selection != nil && s.Timestamp < st.Selection.Timestamp {
		return false
	}
	st.Selection = &s
	return true
}

func (t *Tracker) state(participant string) *State {
	st, ok := t.states[participant]
	if !ok {
		st = &State{}
		t.states[participant] = st
	}
	return st
}

// Get returns a copy of the participant's presence.
func (t *Tracker) Get(participant string) State {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[participant]
	if !ok {
		return State{}
	}
	out := State{}
	if st.Cursor != nil {
		c := *st.Cursor
		out.Cursor = &c
	}
	if st.Selection != nil {
		s := *st.Selection
		out.Selection = &s
	}
	return out
}

// Remove drops everything known about participant and reports whether there
// was anything to drop.
func (t *Tracker) Remove(participant string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.states[participant]
	delete(t.states, participant)
	return ok
}

// Len returns the number of participants with presence.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}
