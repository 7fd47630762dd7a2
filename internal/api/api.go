// Package api serves the Dermis HTTP surface: device sessions, accounts,
// image capture, the onboarding steps, the routine screen, and a websocket
// that pushes navigation changes and alerts.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/BTreeMap/Dermis/internal/auth"
	"github.com/BTreeMap/Dermis/internal/capture"
	"github.com/BTreeMap/Dermis/internal/navigation"
	"github.com/BTreeMap/Dermis/internal/onboarding"
	"github.com/BTreeMap/Dermis/internal/routine"
	"github.com/BTreeMap/Dermis/internal/session"
)

// Default server settings.
const (
	DefaultAddr            = ":8080"
	DefaultMaxUploadBytes  = 10 << 20
	DefaultShutdownTimeout = 10 * time.Second
	DefaultUploadRetention = 24 * time.Hour
	DefaultPruneSchedule   = "@hourly"
)

// Opts holds configuration for the HTTP server.
type Opts struct {
	Addr            string
	UploadDir       string
	MaxUploadBytes  int64
	ShutdownTimeout time.Duration
	// UploadRetention is how long captured images are kept on disk.
	UploadRetention time.Duration
	PruneSchedule   string
	// AllowedOrigins restricts websocket upgrades. Empty allows any origin,
	// which mobile clients need since they send none.
	AllowedOrigins []string
}

// Option configures the server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithUploadDir sets where captured images are written.
func WithUploadDir(dir string) Option {
	return func(o *Opts) { o.UploadDir = dir }
}

// WithMaxUploadBytes caps the size of one multipart upload.
func WithMaxUploadBytes(n int64) Option {
	return func(o *Opts) { o.MaxUploadBytes = n }
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ShutdownTimeout = d }
}

// WithUploadRetention sets how long captured images are kept and the cron
// expression of the job that removes older ones.
func WithUploadRetention(retention time.Duration, schedule string) Option {
	return func(o *Opts) {
		o.UploadRetention = retention
		o.PruneSchedule = schedule
	}
}

// WithAllowedOrigins restricts websocket origins.
func WithAllowedOrigins(origins ...string) Option {
	return func(o *Opts) { o.AllowedOrigins = origins }
}

func resolveOpts(opts []Option) Opts {
	cfg := Opts{
		Addr:            DefaultAddr,
		MaxUploadBytes:  DefaultMaxUploadBytes,
		ShutdownTimeout: DefaultShutdownTimeout,
		UploadRetention: DefaultUploadRetention,
		PruneSchedule:   DefaultPruneSchedule,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.UploadRetention <= 0 {
		cfg.UploadRetention = DefaultUploadRetention
	}
	if cfg.PruneSchedule == "" {
		cfg.PruneSchedule = DefaultPruneSchedule
	}
	return cfg
}

// Services are the components the handlers call into.
type Services struct {
	Sessions   *session.Manager
	Navigation *navigation.Controller
	Gateway    *capture.Gateway
	Consent    *capture.ReportedConsent
	Onboarding *onboarding.Service
	Auth       *auth.Service
	Routine    *routine.Service
	// Hub receives capture alerts; NewServer creates one when nil.
	Hub *Hub
}

// Server is the Dermis HTTP server.
type Server struct {
	svc        Services
	opts       Opts
	hub        *Hub
	router     *mux.Router
	upgrader   websocket.Upgrader
	httpServer *http.Server
}

// NewServer builds the router over svc.
func NewServer(svc Services, opts ...Option) *Server {
	cfg := resolveOpts(opts)
	if svc.Hub == nil {
		svc.Hub = NewHub()
	}
	if svc.Navigation == nil && svc.Sessions != nil {
		svc.Navigation = navigation.NewController(svc.Sessions)
	}
	s := &Server{
		svc:  svc,
		opts: cfg,
		hub:  svc.Hub,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.recoverPanics, s.logRequests, s.withLocale)

	r.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)

	r.HandleFunc("/session", s.createSessionHandler).Methods(http.MethodPost)
	r.Handle("/session", s.device(s.getSessionHandler)).Methods(http.MethodGet)
	r.Handle("/ws", s.device(s.wsHandler)).Methods(http.MethodGet)

	r.Handle("/auth/register", s.device(s.registerHandler)).Methods(http.MethodPost)
	r.Handle("/auth/login", s.device(s.loginHandler)).Methods(http.MethodPost)
	r.Handle("/auth/logout", s.device(s.logoutHandler)).Methods(http.MethodPost)
	r.Handle("/auth/forget", s.device(s.forgetHandler)).Methods(http.MethodPost)
	r.Handle("/profile", s.device(s.profileHandler)).Methods(http.MethodGet)

	r.Handle("/capture/permission", s.device(s.permissionHandler)).Methods(http.MethodPost)
	r.Handle("/capture/retry", s.device(s.retryPermissionHandler)).Methods(http.MethodPost)

	r.Handle("/onboarding", s.device(s.onboardingStatusHandler)).Methods(http.MethodGet)
	r.Handle("/onboarding/front", s.device(s.frontHandler)).Methods(http.MethodPost)
	r.Handle("/onboarding/side", s.device(s.sideHandler)).Methods(http.MethodPost)
	r.Handle("/onboarding/analyze", s.device(s.analyzeHandler)).Methods(http.MethodPost)
	r.Handle("/onboarding/sensitivity", s.device(s.sensitivityHandler)).Methods(http.MethodPost)
	r.Handle("/onboarding/routine", s.device(s.routineStepHandler)).Methods(http.MethodPost)
	r.Handle("/onboarding/restart", s.device(s.restartHandler)).Methods(http.MethodPost)

	r.Handle("/routine", s.device(s.routineHandler)).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(s.notFoundHandler)
	r.MethodNotAllowedHandler = http.HandlerFunc(s.methodNotAllowedHandler)
	return r
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// ListenAndServe serves until Shutdown. A graceful stop returns nil.
func (s *Server) ListenAndServe() error {
	slog.Info("Server.ListenAndServe: listening", "addr", s.opts.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown closes websocket clients and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ShutdownTimeout)
	defer cancel()
	closed := s.hub.Close()
	slog.Info("Server.Shutdown: shutting down", "websocket_clients", closed)
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.opts.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	slog.Warn("Server.checkOrigin: origin rejected", "origin", origin)
	return false
}
