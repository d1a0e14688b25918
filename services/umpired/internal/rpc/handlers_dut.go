package rpc

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"umpired/pkg/bus"
	"umpired/services/umpired/internal/inventory"
	"umpired/services/umpired/internal/selector"
)

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) handleGetTime(w http.ResponseWriter, r *http.Request) {
	now := float64(time.Now().UnixNano()) / float64(time.Second)
	respondJSON(w, http.StatusOK, map[string]float64{"time": now})
}

func (s *Server) handleGetUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DUT        map[string]string `json:"x_umpire_dut"`
		Components map[string]string `json:"components"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	desc := selector.Descriptor(req.DUT)
	if len(desc) == 0 {
		if header := r.Header.Get("X-Umpire-DUT"); header != "" {
			parsed, err := selector.ParseHeader(header)
			if err != nil {
				respondError(w, http.StatusBadRequest, err)
				return
			}
			desc = parsed
		}
	}
	if len(desc) == 0 {
		respondError(w, http.StatusBadRequest, errors.New("missing DUT descriptor"))
		return
	}

	doc, ok := s.activeDocument(w)
	if !ok {
		return
	}
	rs, err := selector.SelectRuleset(doc, desc)
	if err != nil {
		respondError(w, http.StatusNotFound, err)
		return
	}
	matrix, err := selector.ComputeUpdateMatrix(doc, rs, desc, req.Components, s.cfg.BaseURL())
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.recorder.RecordDUT(r.Context(), desc, req.Components); err != nil {
		s.logger.Printf("ERROR record DUT: %v", err)
	}

	metricGetUpdates.Inc()
	for _, info := range matrix {
		if info.NeedsUpdate {
			metricUpdatesNeeded.Inc()
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"bundle_id": rs.BundleID,
		"updates":   matrix,
	})
}

func (s *Server) handleUploadReport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Serial string `json:"serial"`
		Report string `json:"report"`
		Name   string `json:"name,omitempty"`
		Stage  string `json:"stage,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Serial == "" {
		respondError(w, http.StatusBadRequest, errors.New("serial is required"))
		return
	}
	blob, err := base64.StdEncoding.DecodeString(req.Report)
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("decode report: %w", err))
		return
	}
	name := req.Name
	if name == "" {
		name = "report"
	}

	day := time.Now().Format("20060102")
	dir := filepath.Join(s.cfg.DataDir(), "report", day)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	filename := fmt.Sprintf("%s-%s-%d.rpt",
		sanitizeName(req.Serial), sanitizeName(name), time.Now().UnixNano())
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	sum := sha256.Sum256(blob)
	sha := hex.EncodeToString(sum[:])

	rec := inventory.ReportRecord{
		ID:     uuid.New(),
		Serial: req.Serial,
		Stage:  req.Stage,
		Name:   name,
		Path:   path,
		SHA256: sha,
		Size:   int64(len(blob)),
	}
	if err := s.recorder.RecordReport(r.Context(), rec); err != nil {
		s.logger.Printf("ERROR record report: %v", err)
	}
	if s.archive != nil && s.cfg.ReportBucket != "" {
		key := "reports/" + day + "/" + filename
		if err := s.archive.PutObject(r.Context(), s.cfg.ReportBucket, key,
			strings.NewReader(string(blob)), int64(len(blob)), sha); err != nil {
			s.logger.Printf("ERROR archive report %s: %v", filename, err)
		}
	}
	s.publish(r.Context(), bus.SubjectReportUploaded, map[string]any{
		"serial": req.Serial,
		"stage":  req.Stage,
		"path":   path,
		"sha256": sha,
	})

	metricReportsUploaded.Inc()
	respondJSON(w, http.StatusOK, map[string]string{"path": path, "sha256": sha})
}

func (s *Server) handleUploadEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string `json:"name"`
		Chunk string `json:"chunk"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Name == "" || filepath.Base(req.Name) != req.Name {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid event log name %q", req.Name))
		return
	}

	dir := filepath.Join(s.cfg.DataDir(), "eventlog")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	f, err := os.OpenFile(filepath.Join(dir, req.Name), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	n, err := f.WriteString(req.Chunk)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	if err := s.recorder.RecordEvent(r.Context(), req.Name, map[string]any{"bytes": n}); err != nil {
		s.logger.Printf("ERROR record event: %v", err)
	}
	s.publish(r.Context(), bus.SubjectEventUploaded, map[string]any{
		"name":  req.Name,
		"bytes": n,
	})

	metricEventsUploaded.Inc()
	respondJSON(w, http.StatusOK, map[string]int{"written": n})
}

// handleParameters lists the shared parameters directory, or serves one file
// from it when ?path= is given.
func (s *Server) handleParameters(w http.ResponseWriter, r *http.Request) {
	root := s.cfg.ParametersDir()

	if p := r.URL.Query().Get("path"); p != "" {
		full := filepath.Join(root, filepath.Clean("/"+p))
		if !strings.HasPrefix(full, root+string(os.PathSeparator)) {
			respondError(w, http.StatusBadRequest, errors.New("invalid parameter path"))
			return
		}
		http.ServeFile(w, r, full)
		return
	}

	pattern := r.URL.Query().Get("glob")
	if pattern == "" {
		pattern = "*"
	}
	matches, err := filepath.Glob(filepath.Join(root, pattern))
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid glob: %w", err))
		return
	}

	type entry struct {
		Path string `json:"path"`
		Size int64  `json:"size"`
	}
	out := make([]entry, 0, len(matches))
	for _, m := range matches {
		rel, err := filepath.Rel(root, m)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		out = append(out, entry{Path: rel, Size: info.Size()})
	}
	respondJSON(w, http.StatusOK, map[string]any{"files": out})
}

func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	path, err := s.store.GetResourcePath(name, true)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	http.ServeFile(w, r, path)
}

func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, s)
}
