package gradingsqs

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/programme-lv/submfeed/submevent"
)

// Tester progress message types carried in the msg_type header.
const (
	MsgTypeStartedEvaluation  = "started_evaluation"
	MsgTypeStartedCompilation = "started_compilation"
	MsgTypeStartedTesting     = "started_testing"
	MsgTypeFinishedEvaluation = "finished_evaluation"
)

type testerHeader struct {
	MsgType  string `json:"msg_type"`
	EvalUuid string `json:"eval_uuid"`
	SubmUuid string `json:"subm_uuid"`
}

type startedEvaluation struct {
	StartedTime string `json:"start_time"`
}

type finishedEvaluation struct {
	CompileError  bool   `json:"compile_error"`
	InternalError bool   `json:"internal_error"`
	ErrorMessage  string `json:"error_message"`
}

// EncodeBody compresses an event the way the judge enqueues large payloads:
// zstd, then base64.
func EncodeBody(ev submevent.Event) (string, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}
	zstdEncoder, err := zstd.NewWriter(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	defer zstdEncoder.Close()

	compressed := zstdEncoder.EncodeAll(raw, make([]byte, 0, len(raw)))
	return base64.StdEncoding.EncodeToString(compressed), nil
}

// decodeBody unwraps a message body into raw JSON. Plain JSON objects pass
// through; anything else must be base64 encoded zstd.
func (c *Consumer) decodeBody(body string) ([]byte, error) {
	trimmed := bytes.TrimSpace([]byte(body))
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return trimmed, nil
	}
	compressed, err := base64.StdEncoding.DecodeString(string(trimmed))
	if err != nil {
		return nil, fmt.Errorf("body is neither json nor base64: %w", err)
	}
	raw, err := c.zstd.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress body: %w", err)
	}
	return raw, nil
}

// evalIndex remembers which submission an evaluation belongs to, so progress
// messages that only name the evaluation can still be attributed.
type evalIndex struct {
	evalToSubm sync.Map
}

// subject returns the submission id for a tester message. A message that
// names its submission teaches the index; one that does not is looked up.
func (x *evalIndex) subject(h testerHeader) (string, bool) {
	if h.SubmUuid != "" {
		x.evalToSubm.Store(h.EvalUuid, h.SubmUuid)
		return h.SubmUuid, true
	}
	if subm, ok := x.evalToSubm.Load(h.EvalUuid); ok {
		return subm.(string), true
	}
	return "", false
}

// toEvent turns a message payload into a submission event. ok is false for
// payloads that carry no status change worth broadcasting, and for progress
// messages whose submission is unknown.
func toEvent(raw []byte, index *evalIndex) (submevent.Event, bool, error) {
	var header testerHeader
	if err := json.Unmarshal(raw, &header); err != nil {
		return submevent.Event{}, false, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if header.MsgType == "" {
		ev, ok := submevent.Decode(raw)
		if !ok || ev.SubjectID == "" {
			return submevent.Event{}, false, fmt.Errorf("message is not a submission event")
		}
		return ev, true, nil
	}
	if header.EvalUuid == "" {
		return submevent.Event{}, false, fmt.Errorf("%s message without eval_uuid", header.MsgType)
	}

	subjectID, known := index.subject(header)
	if !known {
		return submevent.Event{}, false, nil
	}

	ev := submevent.Event{Type: submevent.TypeUpdate, SubjectID: subjectID}
	switch header.MsgType {
	case MsgTypeStartedEvaluation:
		var started startedEvaluation
		if err := json.Unmarshal(raw, &started); err != nil {
			return submevent.Event{}, false, fmt.Errorf("failed to unmarshal %s message: %w", header.MsgType, err)
		}
		ev.Status = submevent.Ptr(submevent.StatusRunning)
		if t, err := time.Parse(time.RFC3339, started.StartedTime); err == nil {
			ev.StartedAt = &t
		}
	case MsgTypeStartedCompilation, MsgTypeStartedTesting:
		ev.Status = submevent.Ptr(submevent.StatusRunning)
	case MsgTypeFinishedEvaluation:
		var finished finishedEvaluation
		if err := json.Unmarshal(raw, &finished); err != nil {
			return submevent.Event{}, false, fmt.Errorf("failed to unmarshal %s message: %w", header.MsgType, err)
		}
		switch {
		case finished.CompileError:
			ev.Status = submevent.Ptr(submevent.StatusCE)
		case finished.InternalError:
			ev.Status = submevent.Ptr(submevent.StatusFailed)
		default:
			// verdicts arrive as full submission events
			return submevent.Event{}, false, nil
		}
		ev.Verdict = ev.Status
	default:
		return submevent.Event{}, false, nil
	}
	return ev, true, nil
}
