package rpc

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"umpired/services/umpired/internal/confdoc"
	"umpired/services/umpired/internal/registry"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	activeID, err := s.manager.ActiveConfigID()
	if err != nil {
		activeID = ""
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"version":          s.version,
		"active_config_id": activeID,
		"running_services": s.sup.Running(),
	})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	blob, err := s.manager.GetActiveConfig()
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(blob)
}

func (s *Server) handleGetResource(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	path, err := s.store.GetResourcePath(id, true)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	http.ServeFile(w, r, path)
}

// handleDeploy activates a candidate config, given either as a stored
// resource id or as raw config bytes which are stored first.
func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ResourceID string `json:"resource_id,omitempty"`
		Config     string `json:"config,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	candidate := req.ResourceID
	if candidate == "" {
		if req.Config == "" {
			respondError(w, http.StatusBadRequest, errors.New("resource_id or config is required"))
			return
		}
		blob, err := base64.StdEncoding.DecodeString(req.Config)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Errorf("decode config: %w", err))
			return
		}
		id, err := s.store.AddConfig(blob, "umpire")
		if err != nil {
			respondError(w, statusFor(err), err)
			return
		}
		candidate = id
	}

	result, err := s.manager.Deploy(r.Context(), candidate)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	if err := s.recorder.RecordDeployment(r.Context(), result.ConfigID, result.Diff); err != nil {
		s.logger.Printf("ERROR record deployment: %v", err)
	}
	metricDeploys.Inc()
	respondJSON(w, http.StatusOK, result)
}

// handleImportBundle imports a bundle directory, or a signed .tar.zst
// archive, and stores the resulting candidate config without deploying it.
func (s *Server) handleImportBundle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
		ID   string `json:"id,omitempty"`
		Note string `json:"note,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Path == "" {
		respondError(w, http.StatusBadRequest, errors.New("path is required"))
		return
	}
	doc, ok := s.activeDocument(w)
	if !ok {
		return
	}

	info, err := os.Stat(req.Path)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	var bundleID string
	if info.IsDir() {
		doc, bundleID, err = registry.ImportBundle(s.store, doc, req.Path, req.ID, req.Note)
	} else {
		if s.signer == nil {
			respondError(w, http.StatusBadRequest,
				errors.New("archive import requires a configured signing key"))
			return
		}
		doc, bundleID, err = registry.ImportArchive(r.Context(), s.store, doc, req.Path, req.ID, req.Note, s.signer)
	}
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}

	candidate, err := s.storeCandidate(doc)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	s.logger.Printf("INFO imported bundle %s as candidate %s", bundleID, candidate)
	respondJSON(w, http.StatusOK, map[string]string{
		"bundle_id":    bundleID,
		"candidate_id": candidate,
	})
}

func (s *Server) handleUpdateResources(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Resources []struct {
			Type string `json:"type"`
			Path string `json:"path"`
		} `json:"resources"`
		SourceID string `json:"source_id,omitempty"`
		DestID   string `json:"dest_id,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	doc, ok := s.activeDocument(w)
	if !ok {
		return
	}

	pairs := make([]registry.ResourcePair, 0, len(req.Resources))
	for _, p := range req.Resources {
		pairs = append(pairs, registry.ResourcePair{Type: p.Type, Path: p.Path})
	}
	next, err := registry.UpdateResources(s.store, doc, pairs, req.SourceID, req.DestID)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}

	candidate, err := s.storeCandidate(next)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"candidate_id": candidate})
}

func (s *Server) handleExportPayload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BundleID    string `json:"bundle_id"`
		PayloadType string `json:"payload_type"`
		DestPath    string `json:"dest_path"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.DestPath == "" {
		respondError(w, http.StatusBadRequest, errors.New("dest_path is required"))
		return
	}
	doc, ok := s.activeDocument(w)
	if !ok {
		return
	}
	if err := registry.ExportPayload(s.store, doc, req.BundleID, req.PayloadType, req.DestPath); err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"dest": req.DestPath})
}

func (s *Server) handleServicesStart(w http.ResponseWriter, r *http.Request) {
	names, ok := s.decodeServiceNames(w, r)
	if !ok {
		return
	}
	doc, ok := s.activeDocument(w)
	if !ok {
		return
	}
	s.respondServiceErrors(w, s.sup.Start(doc, names))
}

func (s *Server) handleServicesStop(w http.ResponseWriter, r *http.Request) {
	names, ok := s.decodeServiceNames(w, r)
	if !ok {
		return
	}
	s.respondServiceErrors(w, s.sup.Stop(names))
}

func (s *Server) handleRecentReports(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("inventory database not configured"))
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %w", err))
			return
		}
		limit = parsed
	}
	rows, err := s.recorder.RecentReports(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"reports": rows})
}

// storeCandidate serializes a mutated document into the store and returns
// its resource id, ready for an explicit deploy.
func (s *Server) storeCandidate(doc *confdoc.Document) (string, error) {
	blob, err := doc.Marshal()
	if err != nil {
		return "", err
	}
	return s.store.AddConfig(blob, "umpire")
}

func (s *Server) decodeServiceNames(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	var req struct {
		Services []string `json:"services"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return nil, false
	}
	if len(req.Services) == 0 {
		respondError(w, http.StatusBadRequest, errors.New("services list is required"))
		return nil, false
	}
	return req.Services, true
}

func (s *Server) respondServiceErrors(w http.ResponseWriter, errs []error) {
	if len(errs) == 0 {
		respondJSON(w, http.StatusOK, map[string]any{"errors": []string{}})
		return
	}
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		msgs = append(msgs, err.Error())
	}
	respondJSON(w, http.StatusConflict, map[string]any{
		"errors": msgs,
		"detail": strings.Join(msgs, "; "),
	})
}
