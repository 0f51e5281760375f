package reconcile

import (
	"time"

	"github.com/programme-lv/submfeed/submevent"
)

// Row is one cached submission as shown in lists and detail views.
type Row struct {
	ID           string     `json:"id"`
	ProblemID    string     `json:"problemId,omitempty"`
	ProblemTitle string     `json:"problemTitle,omitempty"`
	LanguageID   *int       `json:"languageId,omitempty"`
	Language     string     `json:"language,omitempty"`
	Verdict      string     `json:"verdict,omitempty"`
	Status       string     `json:"status"`
	Score        float64    `json:"score"`
	RuntimeMs    *int64     `json:"runtimeMs,omitempty"`
	MemoryKB     *int64     `json:"memoryKB,omitempty"`
	UserID       string     `json:"userId,omitempty"`
	UserName     string     `json:"userName,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	QueuedAt     time.Time  `json:"queuedAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
}

// ProblemRef supplies problem metadata for rows synthesized on caches that
// are scoped to a single problem.
type ProblemRef struct {
	ID    string
	Title string
}

// RowFromEvent synthesizes a new row from an event that has no cached
// counterpart yet.
func RowFromEvent(ev submevent.Event, problem *ProblemRef) Row {
	createdAt := ev.EmittedAt
	switch {
	case ev.CreatedAt != nil:
		createdAt = *ev.CreatedAt
	case ev.QueuedAt != nil:
		createdAt = *ev.QueuedAt
	}
	queuedAt := createdAt
	if ev.QueuedAt != nil {
		queuedAt = *ev.QueuedAt
	}

	row := Row{
		ID:         ev.SubjectID,
		Status:     submevent.StatusQueued,
		CreatedAt:  createdAt,
		QueuedAt:   queuedAt,
		LanguageID: ev.LanguageID,
		RuntimeMs:  ev.RuntimeMs,
		MemoryKB:   ev.MemoryKB,
		StartedAt:  ev.StartedAt,
		FinishedAt: ev.FinishedAt,
	}
	if problem != nil {
		row.ProblemID = problem.ID
		row.ProblemTitle = problem.Title
	}
	setStr(&row.ProblemID, ev.ProblemID)
	setStr(&row.ProblemTitle, ev.ProblemTitle)
	setStr(&row.Language, ev.Language)
	setStr(&row.Verdict, ev.Verdict)
	setStr(&row.Status, ev.Status)
	setStr(&row.UserID, ev.UserID)
	setStr(&row.UserName, ev.UserName)
	if ev.Score != nil {
		row.Score = *ev.Score
	}
	return row
}

// PatchRow overlays the fields present on ev onto row. Fields absent on the
// event are left as they are. The second result is false when the patch did
// not alter anything, so applying the same event twice is a no-op.
func PatchRow(row Row, ev submevent.Event) (Row, bool) {
	next := row
	setStr(&next.Verdict, ev.Verdict)
	setStr(&next.Status, ev.Status)
	setStr(&next.ProblemID, ev.ProblemID)
	setStr(&next.ProblemTitle, ev.ProblemTitle)
	setStr(&next.Language, ev.Language)
	setStr(&next.UserID, ev.UserID)
	setStr(&next.UserName, ev.UserName)
	if ev.Score != nil {
		next.Score = *ev.Score
	}
	if ev.LanguageID != nil {
		next.LanguageID = ev.LanguageID
	}
	if ev.RuntimeMs != nil {
		next.RuntimeMs = ev.RuntimeMs
	}
	if ev.MemoryKB != nil {
		next.MemoryKB = ev.MemoryKB
	}
	if ev.CreatedAt != nil {
		next.CreatedAt = *ev.CreatedAt
	}
	if ev.QueuedAt != nil {
		next.QueuedAt = *ev.QueuedAt
	}
	if ev.StartedAt != nil {
		next.StartedAt = ev.StartedAt
	}
	if ev.FinishedAt != nil {
		next.FinishedAt = ev.FinishedAt
	}
	return next, !rowsEqual(row, next)
}

func setStr(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func rowsEqual(a, b Row) bool {
	return a.ID == b.ID &&
		a.ProblemID == b.ProblemID &&
		a.ProblemTitle == b.ProblemTitle &&
		eqPtr(a.LanguageID, b.LanguageID) &&
		a.Language == b.Language &&
		a.Verdict == b.Verdict &&
		a.Status == b.Status &&
		a.Score == b.Score &&
		eqPtr(a.RuntimeMs, b.RuntimeMs) &&
		eqPtr(a.MemoryKB, b.MemoryKB) &&
		a.UserID == b.UserID &&
		a.UserName == b.UserName &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		a.QueuedAt.Equal(b.QueuedAt) &&
		eqTime(a.StartedAt, b.StartedAt) &&
		eqTime(a.FinishedAt, b.FinishedAt)
}

func eqPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func eqTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
