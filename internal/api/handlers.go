package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-archiver/internal/admission"
	"github.com/JakeFAU/listing-archiver/internal/archiver"
)

// archive handles POST /v1/archive. Dispatched and queued requests answer
// 202, a request whose URL was already queued answers 200, invalid requests
// 400, and state store failures 503.
func (s *Server) archive(w http.ResponseWriter, r *http.Request) {
	var req archiver.CaptureRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	out, err := s.deps.Admission.Archive(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, admission.ErrInvalidRequest):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			writeError(w, http.StatusRequestTimeout, "request timed out")
		default:
			s.logger.Error("archive request failed",
				zap.String("client_id", req.ClientID),
				zap.String("listing_uuid", req.ListingUUID),
				zap.Error(err),
			)
			writeError(w, http.StatusServiceUnavailable, "state store unavailable")
		}
		return
	}
	status := http.StatusAccepted
	if out.Kind == admission.OutcomeDuplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, out)
}

// reset handles POST /v1/admin/reset.
func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Admission.Reset(r.Context())
	if err != nil {
		s.logger.Error("administrative reset failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "reset failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// recent handles GET /v1/recent, newest first.
func (s *Server) recent(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()
	items, err := s.deps.Recent.List(ctx)
	if err != nil {
		s.logger.Error("list recent listings failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "failed to list recent listings")
		return
	}
	if items == nil {
		items = []archiver.RecentListing{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"listings": items})
}

// getArchive handles GET /v1/archives/{pid}.
func (s *Server) getArchive(w http.ResponseWriter, r *http.Request) {
	pid := strings.TrimSpace(chi.URLParam(r, "pid"))
	if pid == "" {
		writeError(w, http.StatusBadRequest, "pid is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()
	rec, ok, err := s.deps.Archives.Get(ctx, pid)
	if err != nil {
		s.logger.Error("get archive failed", zap.String("listing_pid", pid), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "failed to load archive")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "archive not found")
		return
	}
	if r.URL.Query().Get("html") != "true" {
		rec.HTML = ""
	}
	writeJSON(w, http.StatusOK, map[string]any{"archive": rec})
}

// tenant handles GET /v1/tenants/{client_id}.
func (s *Server) tenant(w http.ResponseWriter, r *http.Request) {
	clientID := strings.TrimSpace(chi.URLParam(r, "client_id"))
	if clientID == "" {
		writeError(w, http.StatusBadRequest, "client_id is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	active, err := s.deps.Tenants.Active(ctx, clientID)
	if err != nil {
		s.logger.Error("read tenant workers failed", zap.String("client_id", clientID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "failed to load tenant")
		return
	}
	pending, err := s.deps.Tenants.Pending(ctx, clientID)
	if err != nil {
		s.logger.Error("read tenant queue failed", zap.String("client_id", clientID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "failed to load tenant")
		return
	}

	dto := tenantDTO{
		ClientID: clientID,
		Active:   active,
		Limit:    s.deps.Tenants.Limit(clientID),
		Pending:  make([]pendingDTO, 0, len(pending)),
		Sessions: []sessionDTO{},
	}
	for _, e := range pending {
		dto.Pending = append(dto.Pending, pendingDTO{ListingUUID: e.ListingUUID, ListingURL: e.ListingURL})
	}
	for _, sess := range s.deps.Tenants.Sessions(clientID) {
		sd := sessionDTO{State: sess.State().String(), Pending: sess.Pending()}
		if err := sess.LastError(); err != nil {
			sd.LastError = err.Error()
		}
		dto.Sessions = append(dto.Sessions, sd)
	}
	writeJSON(w, http.StatusOK, dto)
}

type tenantDTO struct {
	ClientID string       `json:"clientId"`
	Active   int          `json:"active"`
	Limit    int          `json:"limit"`
	Pending  []pendingDTO `json:"pending"`
	Sessions []sessionDTO `json:"sessions"`
}

type pendingDTO struct {
	ListingUUID string `json:"listingUUID"`
	ListingURL  string `json:"listingURL"`
}

type sessionDTO struct {
	State     string `json:"state"`
	Pending   int    `json:"pending"`
	LastError string `json:"lastError,omitempty"`
}
