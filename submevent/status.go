package submevent

const (
	StatusQueued      = "queued"
	StatusRunning     = "running"
	StatusAccepted    = "accepted"
	StatusWrongAnswer = "wrong_answer"
	StatusTLE         = "tle"
	StatusRTE         = "rte"
	StatusCE          = "ce"
	StatusFailed      = "failed"
)

var statusLabels = map[string]string{
	StatusQueued:      "Queued",
	StatusRunning:     "Grading…",
	StatusAccepted:    "Accepted",
	StatusWrongAnswer: "Wrong Answer",
	StatusTLE:         "Time Limit",
	StatusRTE:         "Runtime Error",
	StatusCE:          "Compile Error",
	StatusFailed:      "Failed",
}

// IsFinal reports whether no further transitions are expected after status.
func IsFinal(status string) bool {
	switch status {
	case StatusQueued, StatusRunning, "":
		return false
	}
	return true
}

func StatusLabel(status string) string {
	if label, ok := statusLabels[status]; ok {
		return label
	}
	return status
}

// HasFinalVerdict reports whether ev settles its submission: a verdict other
// than PENDING, or failing that a final status.
func (ev Event) HasFinalVerdict() bool {
	if ev.Verdict != nil && *ev.Verdict != "" && *ev.Verdict != "PENDING" {
		return true
	}
	return ev.Status != nil && IsFinal(*ev.Status)
}
