// Package dashboard serves the local HTTP API and event stream that the
// browser dashboard talks to.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/thebtf/shiftwatch/internal/dashboard/sse"
	"github.com/thebtf/shiftwatch/internal/monitor"
	"github.com/thebtf/shiftwatch/internal/notify"
	"github.com/thebtf/shiftwatch/pkg/models"
)

const (
	// DefaultHTTPTimeout bounds every request except the event stream.
	DefaultHTTPTimeout = 60 * time.Second

	maxBodyBytes = 1 << 20
)

// Core is the part of the monitor the API drives.
type Core interface {
	State() monitor.StateView
	Records(q monitor.RecordQuery) []monitor.RecordView
	Refresh(ctx context.Context) error
	SaveEdit(ctx context.Context, u models.RecordUpdate) error
	Acknowledge(ctx context.Context, id int64) (bool, error)
	AcknowledgeAll(ctx context.Context) (int, error)
	Pause(reason string) error
	Resume(reason string) error
	SetInterval(ctx context.Context, minutes int) error
	SetMuted(ctx context.Context, muted bool) error
	SetPermission(ctx context.Context, p notify.Permission) error
	UnlockAudio() error
	Login(ctx context.Context, user models.UserProfile) error
	Logout(ctx context.Context) error
}

// Options configure a Server.
type Options struct {
	Clock     quartz.Clock
	Version   string
	Token     string
	Port      int
	RateLimit float64
	RateBurst int
}

// Server is the dashboard HTTP service.
type Server struct {
	startTime   time.Time
	core        Core
	broadcaster *sse.Broadcaster
	router      *chi.Mux
	server      *http.Server
	logger      zerolog.Logger
	version     string
	opts        Options
	wg          sync.WaitGroup
}

// NewServer creates the router. broadcaster is shared with the notifier so
// toasts reach connected dashboards.
func NewServer(core Core, broadcaster *sse.Broadcaster, opts Options, logger zerolog.Logger) *Server {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 20
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 40
	}
	s := &Server{
		core:        core,
		broadcaster: broadcaster,
		router:      chi.NewRouter(),
		version:     opts.Version,
		opts:        opts,
		startTime:   opts.Clock.Now(),
		logger:      logger.With().Str("component", "dashboard").Logger(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RealIP)
	s.router.Use(RequestID)
	s.router.Use(RequestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(SecurityHeaders(LocalOrigins(s.opts.Port)))
	s.router.Use(MaxBodySize(maxBodyBytes))
	s.router.Use(NewTokenAuth(s.opts.Token).Middleware)
}

func (s *Server) setupRoutes() {
	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/version", s.handleVersion)

	// The event stream is long-lived and stays outside the request timeout.
	s.router.Get("/api/events", s.broadcaster.HandleSSE)

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(DefaultHTTPTimeout))
		r.Use(PerClientRateLimitMiddleware(NewPerClientRateLimiter(s.opts.RateLimit, s.opts.RateBurst, s.opts.Clock)))
		r.Use(RequireJSONContentType)

		r.Get("/api/state", s.handleState)
		r.Get("/api/records", s.handleRecords)
		r.Post("/api/refresh", s.handleRefresh)
		r.Post("/api/records/ack-all", s.handleAckAll)
		r.Post("/api/records/{id}/ack", s.handleAck)
		r.Put("/api/records/{id}", s.handleSaveEdit)

		r.Post("/api/pause", s.handlePause)
		r.Post("/api/resume", s.handleResume)

		r.Put("/api/settings/interval", s.handleSetInterval)
		r.Put("/api/settings/mute", s.handleSetMute)
		r.Post("/api/notifications/permission", s.handleSetPermission)
		r.Post("/api/audio/unlock", s.handleUnlockAudio)

		r.Post("/api/login", s.handleLogin)
		r.Post("/api/logout", s.handleLogout)
	})
}

// Start listens on addr (127.0.0.1 on the configured port when empty) and
// serves in the background.
func (s *Server) Start(addr string) error {
	if addr == "" {
		addr = fmt.Sprintf("127.0.0.1:%d", s.opts.Port)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("dashboard listen %s: %w", addr, err)
	}
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Dashboard API started")
	return nil
}

// Shutdown stops the HTTP server, waiting for in-flight requests until ctx
// is done. Open event streams are closed.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.broadcaster.CloseAll()
	err := s.server.Shutdown(ctx)
	s.wg.Wait()
	return err
}
