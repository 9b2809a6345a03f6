// Package webhook exposes the HTTP endpoint vendors push notifications to.
// The handler validates and enqueues; the triggered sync never runs inline,
// so the vendor always gets a fast response.
package webhook

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/openmirror/mirrord/internal/engine"
)

// Header names carrying the channel identity, modeled on the common
// vendor convention of channel-scoped headers.
const (
	HeaderChannelID     = "X-Channel-Id"
	HeaderChannelSecret = "X-Channel-Secret"
)

// shutdownGrace bounds how long Shutdown waits for in-flight requests.
const shutdownGrace = 5 * time.Second

// Notifier is the slice of the subscription manager the server needs.
type Notifier interface {
	OnNotification(ctx context.Context, resourceID, channelID, secret string) error
}

// Server is the webhook receipt endpoint.
type Server struct {
	notifier Notifier
	logger   *slog.Logger
	httpSrv  *http.Server
}

// New creates a Server listening on addr when Start is called.
func New(addr string, notifier Notifier, logger *slog.Logger) *Server {
	s := &Server{
		notifier: notifier,
		logger:   logger,
	}

	router := mux.NewRouter()
	router.HandleFunc("/hooks/{resource}", s.handleNotification).Methods(http.MethodPost)
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Start serves until the listener fails or Shutdown is called.
// http.ErrServerClosed is swallowed: it is the normal shutdown signal.
func (s *Server) Start() error {
	s.logger.Info("webhook endpoint listening", slog.String("addr", s.httpSrv.Addr))

	if err := s.httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Shutdown drains in-flight requests with a bounded grace period.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()

	return s.httpSrv.Shutdown(ctx)
}

// handleNotification validates the channel identity and enqueues an
// incremental sync. Responds 202 before any sync work happens. Forged or
// stale channels get 404 with no side effects.
func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request) {
	resourceID := mux.Vars(r)["resource"]
	channelID := r.Header.Get(HeaderChannelID)
	secret := r.Header.Get(HeaderChannelSecret)

	if channelID == "" || secret == "" {
		s.logger.Warn("notification missing channel headers",
			slog.String("resource_id", resourceID),
		)
		http.Error(w, "missing channel headers", http.StatusBadRequest)

		return
	}

	err := s.notifier.OnNotification(r.Context(), resourceID, channelID, secret)

	switch {
	case errors.Is(err, engine.ErrUnknownChannel):
		http.Error(w, "unknown channel", http.StatusNotFound)

	case err != nil:
		s.logger.Error("notification handling failed",
			slog.String("resource_id", resourceID),
			slog.String("error", err.Error()),
		)
		http.Error(w, "internal error", http.StatusInternalServerError)

	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

// handleHealth is a liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}
