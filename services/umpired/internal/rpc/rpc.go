// Package rpc exposes the daemon's HTTP surface: the DUT-facing endpoints
// under /umpire and /res, and the operator CLI's admin API under /admin/v1.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"umpired/pkg/bus"
	"umpired/pkg/s3"
	"umpired/services/umpired/internal/config"
	"umpired/services/umpired/internal/confdoc"
	"umpired/services/umpired/internal/deploy"
	"umpired/services/umpired/internal/inventory"
	"umpired/services/umpired/internal/registry"
	"umpired/services/umpired/internal/resstore"
	"umpired/services/umpired/internal/supervisor"
)

// Server wires the daemon subsystems behind the HTTP surface.
type Server struct {
	cfg      config.Config
	store    *resstore.Store
	manager  *deploy.Manager
	sup      *supervisor.Supervisor
	recorder *inventory.Recorder
	archive  *s3.Client
	signer   *registry.Signer
	bus      *bus.Bus
	logger   *log.Logger
	version  string
}

// New validates the required dependencies. recorder, archive, signer and b
// may be nil; the matching features degrade gracefully.
func New(cfg config.Config, store *resstore.Store, manager *deploy.Manager, sup *supervisor.Supervisor,
	recorder *inventory.Recorder, archive *s3.Client, signer *registry.Signer, b *bus.Bus,
	logger *log.Logger, version string) (*Server, error) {

	if store == nil {
		return nil, errors.New("resource store is required")
	}
	if manager == nil {
		return nil, errors.New("deploy manager is required")
	}
	if sup == nil {
		return nil, errors.New("supervisor is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	if version == "" {
		version = "dev"
	}
	return &Server{
		cfg:      cfg,
		store:    store,
		manager:  manager,
		sup:      sup,
		recorder: recorder,
		archive:  archive,
		signer:   signer,
		bus:      b,
		logger:   logger,
		version:  version,
	}, nil
}

// Routes constructs the chi router containing all endpoints.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/umpire", func(r chi.Router) {
		r.Post("/ping", s.handlePing)
		r.Post("/get_time", s.handleGetTime)
		r.Post("/get_update", s.handleGetUpdate)
		r.Post("/upload_report", s.handleUploadReport)
		r.Post("/upload_event", s.handleUploadEvent)
		r.Get("/parameters", s.handleParameters)
	})
	r.Get("/res/{name}", s.handleResource)

	r.Route("/admin/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/config", s.handleGetConfig)
		r.Get("/resources/{id}", s.handleGetResource)
		r.Post("/deploy", s.handleDeploy)
		r.Post("/bundles/import", s.handleImportBundle)
		r.Post("/resources/update", s.handleUpdateResources)
		r.Post("/payloads/export", s.handleExportPayload)
		r.Post("/services/start", s.handleServicesStart)
		r.Post("/services/stop", s.handleServicesStop)
		r.Get("/reports/recent", s.handleRecentReports)
	})

	return r
}

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]any{"error": err.Error()})
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	var verr *confdoc.ValidationError
	switch {
	case errors.Is(err, resstore.ErrNotFound),
		errors.Is(err, deploy.ErrNoActiveConfig):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrDuplicateBundle):
		return http.StatusConflict
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// activeDocument loads the deployed config or reports 404 to the client.
func (s *Server) activeDocument(w http.ResponseWriter) (*confdoc.Document, bool) {
	doc, err := s.manager.ActiveDocument()
	if err != nil {
		respondError(w, statusFor(err), err)
		return nil, false
	}
	return doc, true
}

func (s *Server) publish(ctx context.Context, subject string, payload any) {
	if err := s.bus.Publish(ctx, subject, payload); err != nil {
		s.logger.Printf("ERROR publish %s: %v", subject, err)
	}
}
