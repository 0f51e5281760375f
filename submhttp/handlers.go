package submhttp

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/programme-lv/submfeed/httpjson"
	"github.com/programme-lv/submfeed/logger"
	"github.com/programme-lv/submfeed/srvcerror"
	"github.com/programme-lv/submfeed/submevent"
)

type updatesResponse struct {
	Items []submevent.Event `json:"items"`
}

// listUpdates is the polling fallback. The response shape is {"items": [...]}
// without the usual envelope.
func (s *Server) listUpdates(w http.ResponseWriter, r *http.Request) {
	items := s.store.QueryEventsSince(r.URL.Query().Get("since"))
	if items == nil {
		items = []submevent.Event{}
	}
	httpjson.WriteRawJson(w, updatesResponse{Items: items})
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (s *Server) refreshTokens(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req refreshRequest
	if err := httpjson.DecodeBody(w, r, maxRefreshBodyBytes, &req); err != nil {
		httpjson.HandleError(log, w, err)
		return
	}
	if req.RefreshToken == "" {
		httpjson.HandleError(log, w, srvcerror.ErrInvalidRequest("trūkst atjaunošanas marķiera"))
		return
	}

	pair, err := s.issuer.Refresh(req.RefreshToken)
	if err != nil {
		httpjson.HandleError(log, w, srvcerror.ErrRefreshRejected().SetDebug(err))
		return
	}
	httpjson.WriteSuccessJson(w, pair)
}

type ingestResponse struct {
	EventID   string `json:"eventId"`
	EmittedAt string `json:"emittedAt"`
}

// ingestEvent accepts one event object from the judge and publishes it.
func (s *Server) ingestEvent(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	raw, err := httpjson.ReadBody(w, r, maxEventBodyBytes)
	if err != nil {
		httpjson.HandleError(log, w, err)
		return
	}

	ev, ok := submevent.Decode(raw)
	if !ok || ev.SubjectID == "" {
		httpjson.HandleError(log, w, srvcerror.ErrInvalidEvent())
		return
	}

	s.store.Publish(&ev)
	log = logger.FromContext(logger.WithSubject(r.Context(), ev.SubjectID))
	log.Info("published judge event", "event_id", ev.EventID, "type", ev.Type)

	httpjson.WriteSuccessJson(w, ingestResponse{
		EventID:   ev.EventID,
		EmittedAt: submevent.FormatTime(ev.EmittedAt),
	})
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subjectId")
	log := logger.FromContext(logger.WithSubject(r.Context(), subjectID))
	if s.archive == nil {
		httpjson.HandleError(log, w, srvcerror.ErrArchiveDisabled())
		return
	}

	events, err := s.archive.History(r.Context(), subjectID)
	if err != nil {
		httpjson.HandleError(log, w, srvcerror.ErrInternalSE().SetDebug(err))
		return
	}
	if events == nil {
		events = []submevent.Event{}
	}
	httpjson.WriteSuccessJson(w, events)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	httpjson.WriteSuccessJson(w, s.store.Stats())
}
