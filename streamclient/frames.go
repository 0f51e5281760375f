package streamclient

import (
	"bufio"
	"io"
	"strings"
)

const (
	eventHeartbeat = "heartbeat"
	eventMessage   = "message"
)

// frame is one server-sent event, i.e. the lines up to a blank line.
type frame struct {
	Event string
	Data  string
}

// frameReader splits a text/event-stream body into frames incrementally.
type frameReader struct {
	r *bufio.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: bufio.NewReader(r)}
}

// Next returns the next frame that carries at least one field. Comment-only
// frames (": keep-alive") are skipped. A trailing partial frame at EOF is
// discarded.
func (fr *frameReader) Next() (frame, error) {
	var (
		f        frame
		data     []string
		hasField bool
	)
	for {
		line, err := fr.r.ReadString('\n')
		if err != nil {
			return frame{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if !hasField {
				continue
			}
			if f.Event == "" {
				f.Event = eventMessage
			}
			f.Data = strings.Join(data, "\n")
			return f, nil
		}

		switch {
		case strings.HasPrefix(line, ":"):
			// comment
		case strings.HasPrefix(line, "event:"):
			f.Event = strings.TrimSpace(line[len("event:"):])
			hasField = true
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(line[len("data:"):]))
			hasField = true
		default:
			// id:, retry: and unknown fields are not used
			hasField = true
		}
	}
}

// activityReader calls touch whenever bytes arrive; used to detect a stalled
// connection that is still open.
type activityReader struct {
	r     io.Reader
	touch func()
}

func (a activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.touch()
	}
	return n, err
}
