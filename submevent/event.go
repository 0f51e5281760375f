package submevent

import (
	"bytes"
	"encoding/json"
	"time"
)

const (
	TypeNew     = "submission:new"
	TypeUpdate  = "submission:update"
	TypeDeleted = "submission:deleted"
)

// Event describes a single state transition of a submission.
// Everything except EventID, SubjectID and EmittedAt is optional; a nil field
// means "not carried by this event" and must not overwrite cached state.
type Event struct {
	EventID   string    `json:"eventId,omitempty"`
	Type      string    `json:"type,omitempty"`
	SubjectID string    `json:"subjectId"`
	EmittedAt time.Time `json:"emittedAt"`

	Status       *string  `json:"status,omitempty"`
	Verdict      *string  `json:"verdict,omitempty"`
	Score        *float64 `json:"score,omitempty"`
	RuntimeMs    *int64   `json:"runtimeMs,omitempty"`
	MemoryKB     *int64   `json:"memoryKB,omitempty"`
	UserID       *string  `json:"userId,omitempty"`
	UserName     *string  `json:"userName,omitempty"`
	ProblemID    *string  `json:"problemId,omitempty"`
	ProblemTitle *string  `json:"problemTitle,omitempty"`
	LanguageID   *int     `json:"languageId,omitempty"`
	Language     *string  `json:"language,omitempty"`

	QueuedAt   *time.Time `json:"queuedAt,omitempty"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	CreatedAt  *time.Time `json:"createdAt,omitempty"`
}

// IsDeletion reports whether the event signals removal of the submission.
func (e Event) IsDeletion() bool {
	return e.Type == TypeDeleted
}

// DedupKey identifies the logical event for duplicate suppression.
// Events without an id fall back to subject and emission time.
func (e Event) DedupKey() string {
	if e.EventID != "" {
		return e.EventID
	}
	if e.SubjectID == "" {
		return ""
	}
	emitted := ""
	if !e.EmittedAt.IsZero() {
		emitted = FormatTime(e.EmittedAt)
	}
	return e.SubjectID + ":" + emitted
}

// Decode parses a JSON object into an Event. Anything that is not a JSON
// object (null, arrays, scalars, garbage) yields ok == false. Within an
// object each known field is decoded on its own: a field of the wrong type is
// dropped while the rest of the event is kept. Numeric ids are read as their
// decimal text.
func Decode(raw []byte) (Event, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return Event{}, false
	}
	var ev Event
	for name, value := range fields {
		set, known := fieldSetters[name]
		if !known || bytes.Equal(bytes.TrimSpace(value), []byte("null")) {
			continue
		}
		set(&ev, value)
	}
	return ev, true
}

type fieldSetter func(ev *Event, raw json.RawMessage)

var fieldSetters = map[string]fieldSetter{
	"eventId":   func(ev *Event, raw json.RawMessage) { ev.EventID, _ = text(raw) },
	"type":      func(ev *Event, raw json.RawMessage) { ev.Type, _ = text(raw) },
	"subjectId": func(ev *Event, raw json.RawMessage) { ev.SubjectID, _ = text(raw) },
	"emittedAt": func(ev *Event, raw json.RawMessage) {
		if t := optTime(raw); t != nil {
			ev.EmittedAt = *t
		}
	},

	"status":       func(ev *Event, raw json.RawMessage) { ev.Status = optText(raw) },
	"verdict":      func(ev *Event, raw json.RawMessage) { ev.Verdict = optText(raw) },
	"userId":       func(ev *Event, raw json.RawMessage) { ev.UserID = optText(raw) },
	"userName":     func(ev *Event, raw json.RawMessage) { ev.UserName = optText(raw) },
	"problemId":    func(ev *Event, raw json.RawMessage) { ev.ProblemID = optText(raw) },
	"problemTitle": func(ev *Event, raw json.RawMessage) { ev.ProblemTitle = optText(raw) },
	"language":     func(ev *Event, raw json.RawMessage) { ev.Language = optText(raw) },

	"score":      func(ev *Event, raw json.RawMessage) { ev.Score = optValue[float64](raw) },
	"runtimeMs":  func(ev *Event, raw json.RawMessage) { ev.RuntimeMs = optValue[int64](raw) },
	"memoryKB":   func(ev *Event, raw json.RawMessage) { ev.MemoryKB = optValue[int64](raw) },
	"languageId": func(ev *Event, raw json.RawMessage) { ev.LanguageID = optValue[int](raw) },

	"queuedAt":   func(ev *Event, raw json.RawMessage) { ev.QueuedAt = optTime(raw) },
	"startedAt":  func(ev *Event, raw json.RawMessage) { ev.StartedAt = optTime(raw) },
	"finishedAt": func(ev *Event, raw json.RawMessage) { ev.FinishedAt = optTime(raw) },
	"createdAt":  func(ev *Event, raw json.RawMessage) { ev.CreatedAt = optTime(raw) },
}

// text reads a JSON string, or a JSON number as its literal text.
func text(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	return "", false
}

func optText(raw json.RawMessage) *string {
	if s, ok := text(raw); ok {
		return &s
	}
	return nil
}

func optValue[T any](raw json.RawMessage) *T {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return &v
}

func optTime(raw json.RawMessage) *time.Time {
	s, ok := text(raw)
	if !ok {
		return nil
	}
	t, ok := ParseTime(s)
	if !ok {
		return nil
	}
	return &t
}

// FormatTime renders a timestamp the way it travels on the wire.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime accepts RFC 3339 timestamps with or without fractional seconds.
func ParseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func Ptr[T any](v T) *T {
	return &v
}
