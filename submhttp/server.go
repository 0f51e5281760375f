package submhttp

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httplog/v2"
	"github.com/programme-lv/submfeed/auth"
	"github.com/programme-lv/submfeed/eventstore"
	"github.com/programme-lv/submfeed/logger"
	"github.com/programme-lv/submfeed/submevent"
)

const (
	DefaultHeartbeat      = 15 * time.Second
	DefaultListenerBuffer = 1000
	maxEventBodyBytes     = 1 << 20
	maxRefreshBodyBytes   = 8 << 10
)

// History serves the archived events of one submission.
type History interface {
	History(ctx context.Context, subjectID string) ([]submevent.Event, error)
}

type Options struct {
	Heartbeat      time.Duration
	ListenerBuffer int
	CorsOrigins    []string
	// Archive is optional; without it the history route answers 404.
	Archive History
	Logger  *slog.Logger
	// AccessLog enables httplog request logging.
	AccessLog bool
	Env       string
	Version   string
}

type Server struct {
	store     *eventstore.Store
	issuer    *auth.Issuer
	archive   History
	heartbeat time.Duration
	buffer    int
	log       *slog.Logger
	router    *chi.Mux
}

func NewServer(store *eventstore.Store, issuer *auth.Issuer, opts Options) *Server {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.ListenerBuffer <= 0 {
		opts.ListenerBuffer = DefaultListenerBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if len(opts.CorsOrigins) == 0 {
		opts.CorsOrigins = []string{"http://localhost:3000", "https://programme.lv", "https://www.programme.lv"}
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(logger.Middleware(opts.Logger))

	if opts.AccessLog {
		accessLog := httplog.NewLogger("submfeed", httplog.Options{
			LogLevel:         slog.LevelDebug,
			Concise:          true,
			RequestHeaders:   true,
			MessageFieldName: "message",
			Tags: map[string]string{
				"version": opts.Version,
				"env":     opts.Env,
			},
			QuietDownRoutes: []string{"/healthz"},
			QuietDownPeriod: time.Minute,
		})
		router.Use(httplog.RequestLogger(accessLog))
	}

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CorsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           3000,
	}))

	server := &Server{
		store:     store,
		issuer:    issuer,
		archive:   opts.Archive,
		heartbeat: opts.Heartbeat,
		buffer:    opts.ListenerBuffer,
		log:       opts.Logger,
		router:    router,
	}
	server.routes()
	return server
}

func (s *Server) routes() {
	r := s.router
	r.Get("/healthz", s.healthz)
	r.Post("/auth/refresh", s.refreshTokens)

	r.Group(func(r chi.Router) {
		r.Use(s.issuer.RequireScope(auth.ScopeStream))
		r.Get("/submissions/stream", s.streamEvents)
		r.Get("/submissions/updates", s.listUpdates)
		r.Get("/submissions/{subjectId}/events", s.listHistory)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.issuer.RequireScope(auth.ScopeJudge))
		r.Post("/judge/events", s.ingestEvent)
	})
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start(address string) error {
	return http.ListenAndServe(address, s.router)
}
