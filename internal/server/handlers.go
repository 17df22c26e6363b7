package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/greenday-app/leafdx/internal/advice"
	"github.com/greenday-app/leafdx/internal/aggregate"
	"github.com/greenday-app/leafdx/internal/version"
)

// healthHandler handles GET /health.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: version.Version,
		Time:    time.Now().Format(time.RFC3339),
	})
}

// vocabularyHandler handles GET /v1/vocabulary, returning every
// canonical key with its localized label.
func (s *Server) vocabularyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	keys := s.vocabulary.Keys()
	entries := make([]VocabularyEntry, 0, len(keys))
	for _, key := range keys {
		label := key
		if s.localizer != nil {
			label = s.localizer.Localize(r.Context(), key)
		}
		entries = append(entries, VocabularyEntry{Key: key, Label: label})
	}

	s.writeJSON(w, http.StatusOK, VocabularyResponse{Entries: entries, Count: len(entries)})
}

// remedyHandler handles GET /v1/remedy/{key}. Unknown keys 404 rather
// than falling back to the generic guide, so clients can tell a typo
// from a real key with generic advice.
func (s *Server) remedyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	key := strings.TrimPrefix(r.URL.Path, "/v1/remedy/")
	if key == "" || strings.Contains(key, "/") {
		s.writeError(w, http.StatusBadRequest, "missing disease key")
		return
	}
	if !s.vocabulary.Contains(key) {
		s.writeError(w, http.StatusNotFound, "unknown disease key")
		return
	}

	severity := aggregate.SeverityMedium
	if v := r.URL.Query().Get("severity"); v != "" {
		severity = aggregate.Severity(strings.ToUpper(v))
	}

	guide, exact := advice.For(key)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"guide": guide,
		"lines": guide.Lines(severity),
		"exact": exact,
	})
}

// historyHandler handles GET /v1/diagnoses?owner=...&limit=N.
func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.records == nil {
		s.writeError(w, http.StatusServiceUnavailable, "history storage is disabled")
		return
	}

	owner := r.URL.Query().Get("owner")
	if owner == "" {
		owner = r.Header.Get(ownerHeader)
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	recs, err := s.records.ListByOwner(r.Context(), owner, limit)
	if err != nil {
		slog.Error("History listing failed", "owner", owner, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list diagnoses")
		return
	}

	results := make([]DiagnosisResult, 0, len(recs))
	for _, rec := range recs {
		results = append(results, *s.resultFromRecord(r.Context(), rec, false, false))
	}

	s.writeJSON(w, http.StatusOK, HistoryResponse{Records: results, Count: len(results)})
}

// recordHandler handles GET /v1/diagnoses/{id}.
func (s *Server) recordHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.records == nil {
		s.writeError(w, http.StatusServiceUnavailable, "history storage is disabled")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/v1/diagnoses/")
	if id == "" || strings.Contains(id, "/") {
		s.writeError(w, http.StatusBadRequest, "missing diagnosis id")
		return
	}

	rec, err := s.records.Get(r.Context(), id)
	if err != nil {
		slog.Error("Record lookup failed", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load diagnosis")
		return
	}
	if rec == nil {
		s.writeError(w, http.StatusNotFound, "diagnosis not found")
		return
	}

	s.writeJSON(w, http.StatusOK, DiagnoseResponse{
		Success: true,
		Result:  s.resultFromRecord(r.Context(), rec, false, true),
	})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, DiagnoseResponse{Success: false, Error: message})
}
