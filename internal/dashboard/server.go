// Package dashboard serves the control plane's HTTP API: viewer event streams,
// agent callbacks, operator task control and catalog CRUD.
package dashboard

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/markus-barta/rpafleet/internal/control"
	"github.com/markus-barta/rpafleet/internal/hub"
	"github.com/markus-barta/rpafleet/internal/relay"
	"github.com/markus-barta/rpafleet/internal/store"
	"github.com/rs/zerolog"
)

// RelayStatus reports the health of the outbound relay.
type RelayStatus interface {
	Status() relay.Status
}

// Options configures the HTTP server.
type Options struct {
	ListenAddr       string
	AllowedOrigins   []string // optional, for WebSocket origin validation
	WebhookTokenHash string   // bcrypt hash; empty disables callback auth
	ShutdownGrace    time.Duration
	Version          string
}

// Deps are the services the handlers call into.
type Deps struct {
	Store      *store.Store
	Hub        *hub.Hub
	Dispatcher *control.Dispatcher
	Reconciler *control.Reconciler
	Catalog    *control.Catalog
	Journal    *control.Journal
	Relay      RelayStatus
}

// Server is the HTTP API server.
type Server struct {
	opts       Options
	log        zerolog.Logger
	store      *store.Store
	hub        *hub.Hub
	dispatcher *control.Dispatcher
	reconciler *control.Reconciler
	catalog    *control.Catalog
	journal    *control.Journal
	relay      RelayStatus
	auth       *WebhookAuth
	router     *chi.Mux
	upgrader   websocket.Upgrader

	// closing is cancelled at shutdown to end open viewer streams.
	closing      context.Context
	closeStreams context.CancelFunc
}

// New creates the server and its router.
func New(opts Options, deps Deps, log zerolog.Logger) *Server {
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 5 * time.Second
	}
	s := &Server{
		opts:       opts,
		log:        log.With().Str("component", "dashboard").Logger(),
		store:      deps.Store,
		hub:        deps.Hub,
		dispatcher: deps.Dispatcher,
		reconciler: deps.Reconciler,
		catalog:    deps.Catalog,
		journal:    deps.Journal,
		relay:      deps.Relay,
		auth:       NewWebhookAuth(opts.WebhookTokenHash),
	}
	s.closing, s.closeStreams = context.WithCancel(context.Background())
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.securityHeaders)
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		// Viewer streams
		r.Get("/sse/events", s.handleSSE)
		r.Get("/sse/status", s.handleSSEStatus)
		r.Get("/ws/events", s.handleWebSocket)

		// Agent callbacks
		r.Group(func(r chi.Router) {
			r.Use(s.requireWebhookToken)
			r.Post("/webhook/confirm", s.handleConfirm)
			r.Post("/webhook/execution-complete", s.handleExecutionComplete)
			r.Post("/webhook/heartbeat", s.handleHeartbeat)
			r.Post("/config/get", s.handleConfigGet)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)

			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Put("/", s.handleUpdateTask)
				r.Patch("/", s.handleUpdateTask)
				r.Delete("/", s.handleDeleteTask)
				r.Post("/start", s.handleStartTask)
				r.Post("/stop", s.handleStopTask)
				r.Post("/force-stop", s.handleForceStopTask)
			})
		})

		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", s.handleListAccounts)
			r.Post("/", s.handleCreateAccount)
			r.Get("/{accountID}", s.handleGetAccount)
			r.Put("/{accountID}", s.handleUpdateAccount)
			r.Patch("/{accountID}", s.handleUpdateAccount)
			r.Delete("/{accountID}", s.handleDeleteAccount)
		})

		r.Route("/logs", func(r chi.Router) {
			r.Get("/", s.handleListLogs)
			r.Get("/{logID}", s.handleGetLog)
			r.Post("/{logID}/artifacts", s.handleAttachArtifacts)
		})

		r.Get("/dashboard/stats", s.handleStats)
		r.Get("/control/journal", s.handleJournal)
	})

	s.router = r
}

// securityHeaders adds security headers to responses.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger writes one line per request once it completes.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		ev := s.log.Debug()
		if status >= http.StatusInternalServerError {
			ev = s.log.Warn()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

// checkOrigin accepts any origin when no allow-list is configured, and
// requests without an Origin header (non-browser clients).
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	s.log.Warn().Str("origin", origin).Msg("websocket origin rejected")
	return false
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// Streams are long-lived; no WriteTimeout.
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.opts.ListenAddr).Msg("starting server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info().Dur("grace", s.opts.ShutdownGrace).Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownGrace)
	defer cancel()
	s.closeStreams()
	_ = srv.Shutdown(shutdownCtx)
	return nil
}

// streamContext derives a stream's context from the request, ending it at
// shutdown as well.
func (s *Server) streamContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(r.Context())
	stop := context.AfterFunc(s.closing, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}
