// Package httpapi is the control surface: simple request/response handlers
// that call into the store and engine. No synchronization logic lives here.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/roamhq/roamsync/internal/engine"
	"github.com/roamhq/roamsync/internal/store"
)

type ServerConfig struct {
	APIToken     string
	MaxBodyBytes int64
	SweepTimeout time.Duration
}

type Server struct {
	store  *store.Store
	engine *engine.Engine
	cfg    ServerConfig
}

func NewServer(st *store.Store, eng *engine.Engine, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = time.Minute
	}
	return &Server{store: st, engine: eng, cfg: cfg}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
		return
	}

	switch {
	case r.URL.Path == "/v1/records" && r.Method == http.MethodPost:
		s.handleCreateRecord(w, r)
	case r.URL.Path == "/v1/records" && r.Method == http.MethodGet:
		s.handleListRecords(w, r)
	case r.URL.Path == "/v1/roster" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.store.Roster())
	case r.URL.Path == "/v1/sweep" && r.Method == http.MethodPost:
		s.handleSweep(w, r)
	default:
		s.routeRecord(w, r)
	}
}

func (s *Server) routeRecord(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" || parts[1] != "records" {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}
	recordID := parts[2]
	switch {
	case len(parts) == 3 && r.Method == http.MethodGet:
		s.handleGetRecord(w, recordID)
	case len(parts) == 3 && r.Method == http.MethodDelete:
		s.handleDeleteRecord(w, recordID)
	case len(parts) == 4 && parts[3] == "update" && r.Method == http.MethodPost:
		s.handleRequestUpdate(w, r, recordID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.APIToken == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	return strings.HasPrefix(header, "Bearer ") && strings.TrimPrefix(header, "Bearer ") == s.cfg.APIToken
}

func (s *Server) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return
	}
	if err := store.ValidateCreatePayload(body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_record", err.Error())
		return
	}
	var rec store.Record
	if err := json.Unmarshal(body, &rec); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	created, err := s.store.CreateRecord(rec)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	filter := store.Filter{}
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		filter.Status = store.Status(status)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": s.store.ListRecords(filter)})
}

func (s *Server) handleGetRecord(w http.ResponseWriter, recordID string) {
	rec, err := s.store.GetRecord(recordID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, recordID string) {
	rec, err := s.store.DeleteRecord(recordID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleRequestUpdate optionally patches content fields, then flags the
// record; the engine consumes the flag and edits the channel message.
func (s *Server) handleRequestUpdate(w http.ResponseWriter, r *http.Request, recordID string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return
	}
	patch := store.RecordPatch{UpdateRequested: store.BoolPtr(true)}
	if len(body) > 0 {
		var fields struct {
			Title          *string `json:"title"`
			Description    *string `json:"description"`
			AdditionalInfo *string `json:"additionalInfo"`
			RoamDetails    *string `json:"roamDetails"`
		}
		if err := json.Unmarshal(body, &fields); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
			return
		}
		patch.Title = fields.Title
		patch.Description = fields.Description
		patch.AdditionalInfo = fields.AdditionalInfo
		patch.RoamDetails = fields.RoamDetails
	}
	rec, err := s.store.UpdateRecord(recordID, patch)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "engine not running")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.SweepTimeout)
	defer cancel()
	corrected := s.engine.Sweep(ctx)
	writeJSON(w, http.StatusOK, map[string]int{"corrected": corrected})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, store.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, store.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
