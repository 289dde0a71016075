// Package api exposes the booking service over HTTP.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/booking-armada/internal/api/mid"
	"github.com/ahrav/booking-armada/internal/domain/booking"
	"github.com/ahrav/booking-armada/pkg/common/logger"
)

// OwnerHeader carries the opaque owner identity established by the
// identity provider in front of the API.
const OwnerHeader = "X-Owner"

// SessionService is the part of the booking service the API depends on.
type SessionService interface {
	StartRun(ctx context.Context, cfg booking.Configuration) (*booking.Session, error)
	RestartRun(ctx context.Context, owner string, configurationID uuid.UUID) (*booking.Session, error)
	GetSession(ctx context.Context, owner string, sessionID uuid.UUID) (*booking.Session, error)
	ListTransitions(ctx context.Context, owner string, sessionID uuid.UUID) ([]booking.TransitionEvent, error)
	CancelRun(ctx context.Context, owner string, sessionID uuid.UUID, reason string) error
}

// StatusReader serves the live status feed.
type StatusReader interface {
	Latest(ctx context.Context, owner string, sessionID uuid.UUID) (booking.StatusUpdate, error)
	Subscribe(ctx context.Context, owner string) (<-chan booking.StatusUpdate, error)
}

type Server struct {
	router    *chi.Mux
	service   SessionService
	status    StatusReader
	validator *requestValidator

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics APIMetrics
}

// NewServer builds the router. status may be nil, in which case the live
// status routes are not mounted.
func NewServer(
	service SessionService,
	status StatusReader,
	log *logger.Logger,
	tp trace.TracerProvider,
	metrics APIMetrics,
) *Server {
	log = log.With("component", "api")
	tracer := tp.Tracer("booking/api")

	// The validator only fails on broken built-in translations.
	rv, err := newRequestValidator()
	if err != nil {
		panic(err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(mid.Otel(tp, "/healthz"))
	r.Use(mid.Metrics(metrics))
	r.Use(mid.Logger(log))
	r.Use(middleware.Recoverer)

	s := &Server{
		router:    r,
		service:   service,
		status:    status,
		validator: rv,
		logger:    log,
		tracer:    tracer,
		metrics:   metrics,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(requireOwner)

		r.Post("/sessions", s.handleStartRun)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Delete("/sessions/{id}", s.handleCancelRun)
		r.Get("/sessions/{id}/transitions", s.handleListTransitions)

		if s.status != nil {
			r.Get("/sessions/{id}/status", s.handleLatestStatus)
			r.Get("/status/stream", s.handleStatusStream)
		}
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Start serves on addr until ctx is cancelled, then shuts down gracefully
// within shutdownTimeout.
func (s *Server) Start(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "starting server", "addr", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error(shutdownCtx, "failed to shutdown server", "error", err)
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type ownerKey struct{}

func requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := r.Header.Get(OwnerHeader)
		if owner == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{
				Code:    codeUnauthenticated,
				Message: "missing " + OwnerHeader + " header",
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner)))
	})
}

func ownerFrom(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}
