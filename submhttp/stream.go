package submhttp

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/programme-lv/submfeed/httpjson"
	"github.com/programme-lv/submfeed/logger"
	"github.com/programme-lv/submfeed/srvcerror"
	"github.com/programme-lv/submfeed/submevent"
)

// streamEvents holds the connection open and writes every published event as
// an SSE frame named after the event type.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpjson.HandleError(log, w, srvcerror.ErrStreamingUnsupported())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	updates := make(chan submevent.Event, s.buffer)
	unsubscribe := s.store.Subscribe(func(ev submevent.Event) {
		select {
		case updates <- ev:
			return
		default:
		}
		// full: drop the oldest queued event to make room
		select {
		case <-updates:
		default:
		}
		select {
		case updates <- ev:
		default:
			log.Warn("dropped event for slow stream listener", "event_id", ev.EventID)
		}
	})
	defer unsubscribe()

	var writeMutex sync.Mutex
	safeWrite := func(data string) error {
		writeMutex.Lock()
		defer writeMutex.Unlock()
		if _, err := io.WriteString(w, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	keepAliveTicker := time.NewTicker(s.heartbeat)
	defer keepAliveTicker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAliveTicker.C:
			if err := safeWrite("event: heartbeat\ndata: {}\n\n"); err != nil {
				return
			}
		case ev := <-updates:
			marshalled, err := json.Marshal(ev)
			if err != nil {
				log.Warn("failed to marshal event", "error", err, "event_id", ev.EventID)
				continue
			}
			if err := safeWrite(frame(ev.Type, marshalled)); err != nil {
				log.Debug("stream write failed", "error", err)
				return
			}
		}
	}
}

func frame(eventType string, data []byte) string {
	if eventType == "" {
		eventType = submevent.TypeUpdate
	}
	return "event: " + eventType + "\ndata: " + string(data) + "\n\n"
}
