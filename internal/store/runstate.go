package store

import (
	"errors"
	"fmt"
)

// Scope names one of the two independent run-state slots.
type Scope string

const (
	// ScopeFlow holds a single flat prompt sequence.
	ScopeFlow Scope = "flow"
	// ScopeQueue holds a list of queue entries, each its own sequence.
	ScopeQueue Scope = "queue"
)

// Scopes lists every scope in restore order: queue state takes precedence over flow state.
var Scopes = []Scope{ScopeQueue, ScopeFlow}

// ParseScope converts user input into a Scope.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeFlow, ScopeQueue:
		return Scope(s), nil
	}
	return "", fmt.Errorf("unknown scope %q (want flow or queue)", s)
}

// Sequence is an ordered list of prompts sharing an optional seed image.
// SeedImage is a base64 data URL.
type Sequence struct {
	SeedImage string   `json:"seedImage,omitempty" yaml:"image,omitempty"`
	Items     []string `json:"items" yaml:"prompts"`
}

// HasSeed reports whether the sequence carries a seed image.
func (s Sequence) HasSeed() bool { return s.SeedImage != "" }

// RunState is the persisted progress of one run. A flow run has exactly one sequence.
type RunState struct {
	RunID          string     `json:"runId"`
	Scope          Scope      `json:"scope"`
	Sequences      []Sequence `json:"sequences"`
	EntryIndex     int        `json:"currentEntryIndex"`
	ItemIndex      int        `json:"currentItemIndex"`
	TotalProcessed int        `json:"totalProcessed"`
	Running        bool       `json:"isRunning"`
	UserStopped    bool       `json:"userStopped"`
	SeedPending    bool       `json:"seedPending"`
}

// ErrInvalidState marks a snapshot that cannot be resumed.
var ErrInvalidState = errors.New("invalid run state")

// Clone returns a deep copy.
func (r *RunState) Clone() *RunState {
	if r == nil {
		return nil
	}
	c := *r
	c.Sequences = make([]Sequence, len(r.Sequences))
	for i, seq := range r.Sequences {
		c.Sequences[i] = Sequence{SeedImage: seq.SeedImage, Items: append([]string(nil), seq.Items...)}
	}
	return &c
}

// Current returns the sequence being processed, or nil once all entries are done.
func (r *RunState) Current() *Sequence {
	if r.EntryIndex < 0 || r.EntryIndex >= len(r.Sequences) {
		return nil
	}
	return &r.Sequences[r.EntryIndex]
}

// CurrentItem returns the prompt at the current position.
func (r *RunState) CurrentItem() (string, bool) {
	seq := r.Current()
	if seq == nil || r.ItemIndex < 0 || r.ItemIndex >= len(seq.Items) {
		return "", false
	}
	return seq.Items[r.ItemIndex], true
}

// TotalItems counts the prompts across every sequence.
func (r *RunState) TotalItems() int {
	n := 0
	for _, seq := range r.Sequences {
		n += len(seq.Items)
	}
	return n
}

// Done reports whether no work remains.
func (r *RunState) Done() bool {
	_, ok := r.CurrentItem()
	return !ok && r.EntryIndex >= len(r.Sequences)-1
}

// Advance records a completed item and moves to the next position. It returns true
// when the move crossed into a new queue entry. The counters never decrease.
func (r *RunState) Advance() (enteredNewEntry bool) {
	r.ItemIndex++
	r.TotalProcessed++
	if r.ItemIndex == 1 {
		r.SeedPending = false
	}
	seq := r.Current()
	if seq == nil || r.ItemIndex < len(seq.Items) || r.EntryIndex >= len(r.Sequences)-1 {
		return false
	}
	r.EntryIndex++
	r.ItemIndex = 0
	r.SeedPending = r.Sequences[r.EntryIndex].HasSeed()
	return true
}

// Validate checks structural integrity without modifying the state.
func (r *RunState) Validate() error {
	if r.Scope != ScopeFlow && r.Scope != ScopeQueue {
		return fmt.Errorf("%w: unknown scope %q", ErrInvalidState, r.Scope)
	}
	if len(r.Sequences) == 0 {
		return fmt.Errorf("%w: no sequences", ErrInvalidState)
	}
	if r.Scope == ScopeFlow && len(r.Sequences) != 1 {
		return fmt.Errorf("%w: flow state must hold exactly one sequence, got %d", ErrInvalidState, len(r.Sequences))
	}
	if r.EntryIndex < 0 || r.EntryIndex >= len(r.Sequences) {
		return fmt.Errorf("%w: entry index %d out of range [0,%d)", ErrInvalidState, r.EntryIndex, len(r.Sequences))
	}
	items := len(r.Sequences[r.EntryIndex].Items)
	if items == 0 {
		return fmt.Errorf("%w: entry %d has no items", ErrInvalidState, r.EntryIndex)
	}
	if r.ItemIndex < 0 || r.ItemIndex >= items {
		return fmt.Errorf("%w: item index %d out of range [0,%d)", ErrInvalidState, r.ItemIndex, items)
	}
	if r.TotalProcessed < 0 {
		return fmt.Errorf("%w: negative processed counter", ErrInvalidState)
	}
	return nil
}

// Normalize repairs a freshly loaded snapshot where that is safe and reports
// whether the result can be resumed.
//
// Flow snapshots are never repaired. Queue snapshots get a negative item index
// reset to zero, and an item index at or past the end of its entry moves on to
// the next non-empty entry.
func (r *RunState) Normalize() error {
	if r.Scope == ScopeQueue && r.EntryIndex >= 0 && r.EntryIndex < len(r.Sequences) {
		if r.ItemIndex < 0 {
			r.ItemIndex = 0
		}
		for r.EntryIndex < len(r.Sequences) && r.ItemIndex >= len(r.Sequences[r.EntryIndex].Items) {
			r.EntryIndex++
			r.ItemIndex = 0
			if r.EntryIndex < len(r.Sequences) {
				r.SeedPending = r.Sequences[r.EntryIndex].HasSeed()
			}
		}
		if r.EntryIndex >= len(r.Sequences) {
			return fmt.Errorf("%w: every queue entry is already complete", ErrInvalidState)
		}
	}
	return r.Validate()
}
