// Package reconcile folds submission events into cached result lists.
//
// Merges are field-level patches: the last applied value wins per field. The
// stream client delivers events from two transports without a common order,
// so a stale status can overwrite a newer one until the next full refetch.
// Dedup by event id keeps the redundant work bounded.
package reconcile

import (
	"slices"

	"github.com/programme-lv/submfeed/submevent"
)

type Outcome int

const (
	Unchanged Outcome = iota
	Patched
	Inserted
	Removed
)

func (o Outcome) String() string {
	switch o {
	case Patched:
		return "patched"
	case Inserted:
		return "inserted"
	case Removed:
		return "removed"
	default:
		return "unchanged"
	}
}

type MergeOpts struct {
	// AllowInsert must be false for every page except the first one, otherwise
	// the pagination window shifts under the user.
	AllowInsert bool
	// MaxItems caps the list after an insert; zero means no cap.
	MaxItems int
	Filter   Filter
	Problem  *ProblemRef
}

// MergeEvent folds ev into rows. When nothing changes the input slice itself
// is returned together with false, so callers can skip re-rendering.
func MergeEvent(rows []Row, ev submevent.Event, opts MergeOpts) ([]Row, bool) {
	out, outcome := Merge(rows, ev, opts)
	return out, outcome != Unchanged
}

// Merge is MergeEvent reporting what kind of change happened.
func Merge(rows []Row, ev submevent.Event, opts MergeOpts) ([]Row, Outcome) {
	if ev.SubjectID == "" {
		return rows, Unchanged
	}
	idx := slices.IndexFunc(rows, func(r Row) bool { return r.ID == ev.SubjectID })

	if ev.IsDeletion() {
		if idx < 0 {
			return rows, Unchanged
		}
		out := make([]Row, 0, len(rows)-1)
		out = append(out, rows[:idx]...)
		out = append(out, rows[idx+1:]...)
		return out, Removed
	}

	if idx >= 0 {
		patched, changed := PatchRow(rows[idx], ev)
		if !changed {
			return rows, Unchanged
		}
		out := slices.Clone(rows)
		out[idx] = patched
		return out, Patched
	}

	if !opts.AllowInsert || !opts.Filter.Matches(ev) {
		return rows, Unchanged
	}

	out := make([]Row, 0, len(rows)+1)
	out = append(out, RowFromEvent(ev, opts.Problem))
	out = append(out, rows...)
	if opts.MaxItems > 0 && len(out) > opts.MaxItems {
		out = out[:opts.MaxItems]
	}
	return out, Inserted
}
