package reconcile

import (
	"slices"
	"strings"
	"time"

	"github.com/programme-lv/submfeed/submevent"
)

const dateLayout = "2006-01-02"

// Filter is the predicate a cached list was fetched with. Zero values mean
// "no constraint".
type Filter struct {
	Statuses  []string `json:"statuses,omitempty"`
	User      string   `json:"user,omitempty"`    // substring of user name or exact user id, case-insensitive
	OwnerID   string   `json:"ownerId,omitempty"` // "mine" scope
	ProblemID string   `json:"problemId,omitempty"`
	DateFrom  string   `json:"dateFrom,omitempty"` // YYYY-MM-DD or RFC 3339
	DateTo    string   `json:"dateTo,omitempty"`   // inclusive until the end of that day
}

// Matches decides whether ev may be inserted into a list fetched with f.
func (f Filter) Matches(ev submevent.Event) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, deref(ev.Status)) {
		return false
	}
	if f.User != "" {
		needle := strings.ToLower(strings.TrimSpace(f.User))
		name := strings.ToLower(deref(ev.UserName))
		id := strings.ToLower(deref(ev.UserID))
		if !strings.Contains(name, needle) && id != needle {
			return false
		}
	}
	if f.OwnerID != "" && deref(ev.UserID) != f.OwnerID {
		return false
	}
	if f.ProblemID != "" && deref(ev.ProblemID) != f.ProblemID {
		return false
	}

	created := time.Unix(0, 0)
	if ev.CreatedAt != nil {
		created = *ev.CreatedAt
	} else if ev.QueuedAt != nil {
		created = *ev.QueuedAt
	}
	if from, ok := parseDate(f.DateFrom); ok && created.Before(from) {
		return false
	}
	if to, ok := parseDate(f.DateTo); ok {
		end := to.Add(24*time.Hour - time.Millisecond)
		if created.After(end) {
			return false
		}
	}
	return true
}

func (f Filter) IsZero() bool {
	return len(f.Statuses) == 0 && f.User == "" && f.OwnerID == "" &&
		f.ProblemID == "" && f.DateFrom == "" && f.DateTo == ""
}

func parseDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, true
	}
	return submevent.ParseTime(s)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
