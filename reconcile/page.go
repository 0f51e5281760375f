package reconcile

import "github.com/programme-lv/submfeed/submevent"

const DefaultPageSize = 20

// Page is one cached page of a paginated submission listing.
type Page struct {
	Items      []Row       `json:"items"`
	Total      int         `json:"total"`
	Page       int         `json:"page"`
	Limit      int         `json:"limit"`
	TotalPages int         `json:"totalPages"`
	Filter     Filter      `json:"appliedFilters"`
	Problem    *ProblemRef `json:"-"`
}

func (p Page) limit() int {
	if p.Limit > 0 {
		return p.Limit
	}
	return DefaultPageSize
}

// ApplyToPage merges ev into p. Only page one accepts inserts.
func ApplyToPage(p Page, ev submevent.Event) (Page, bool) {
	first := p.Page <= 1
	opts := MergeOpts{
		AllowInsert: first,
		Filter:      p.Filter,
		Problem:     p.Problem,
	}
	if first {
		opts.MaxItems = p.limit()
	}

	items, outcome := Merge(p.Items, ev, opts)
	if outcome == Unchanged {
		return p, false
	}
	p.Items = items
	return RecountTotals(p, outcome), true
}

// RecountTotals adjusts Total and TotalPages after an insert or removal and
// leaves them untouched for any other outcome.
func RecountTotals(p Page, outcome Outcome) Page {
	switch outcome {
	case Inserted:
		p.Total++
	case Removed:
		if p.Total > 0 {
			p.Total--
		}
	default:
		return p
	}
	limit := p.limit()
	p.TotalPages = max(1, (p.Total+limit-1)/limit)
	return p
}
