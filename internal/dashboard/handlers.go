package dashboard

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/shiftwatch/internal/datasource"
	"github.com/thebtf/shiftwatch/internal/monitor"
	"github.com/thebtf/shiftwatch/internal/notify"
	"github.com/thebtf/shiftwatch/internal/privacy"
	"github.com/thebtf/shiftwatch/internal/scheduler"
	"github.com/thebtf/shiftwatch/pkg/models"
)

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// statusFor maps core errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, monitor.ErrNotLoggedIn):
		return http.StatusUnauthorized
	case errors.Is(err, monitor.ErrUnknownReason),
		errors.Is(err, scheduler.ErrInvalidInterval),
		errors.Is(err, models.ErrInvalidUpdate):
		return http.StatusBadRequest
	case errors.Is(err, datasource.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, datasource.ErrProtocol):
		return http.StatusBadGateway
	case errors.Is(err, datasource.ErrTransientNetwork):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := privacy.Redact(err.Error())
	if status >= http.StatusInternalServerError {
		s.logger.Warn().Str("error", msg).Str("path", r.URL.Path).Msg("Request failed")
	}
	writeError(w, status, msg)
}

// decode reads a JSON body into v, answering 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid record id")
		return 0, false
	}
	return id, true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"version":       s.version,
		"uptimeSeconds": int64(s.opts.Clock.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.core.State())
}

// handleRecords lists records, filtered by the area, tag, unread and
// relevant query parameters.
func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := monitor.RecordQuery{
		Area: q.Get("area"),
		Tag:  models.StatusTag(q.Get("tag")),
	}
	query.UnreadOnly, _ = strconv.ParseBool(q.Get("unread"))
	query.RelevantOnly, _ = strconv.ParseBool(q.Get("relevant"))

	records := s.core.Records(query)
	if records == nil {
		records = []monitor.RecordView{}
	}
	writeJSON(w, map[string]any{
		"records": records,
		"count":   len(records),
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.core.Refresh(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, s.core.State())
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	removed, err := s.core.Acknowledge(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"id": id, "acknowledged": removed})
}

func (s *Server) handleAckAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.core.AcknowledgeAll(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"acknowledged": n})
}

func (s *Server) handleSaveEdit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Section models.Section    `json:"section"`
		Fields  map[string]string `json:"fields"`
	}
	if !decode(w, r, &req) {
		return
	}
	u := models.RecordUpdate{ID: id, Section: req.Section, Fields: req.Fields}
	if err := s.core.SaveEdit(r.Context(), u); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"success": true})
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.core.Pause(req.Reason); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, s.core.State().Poll)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.core.Resume(req.Reason); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, s.core.State().Poll)
}

func (s *Server) handleSetInterval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Minutes int `json:"minutes"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.core.SetInterval(r.Context(), req.Minutes); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, s.core.State().Poll)
}

func (s *Server) handleSetMute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Muted bool `json:"muted"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.core.SetMuted(r.Context(), req.Muted); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"muted": req.Muted})
}

func (s *Server) handleSetPermission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Permission string `json:"permission"`
	}
	if !decode(w, r, &req) {
		return
	}
	p := notify.ParsePermission(req.Permission)
	if err := s.core.SetPermission(r.Context(), p); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"permission": p})
}

func (s *Server) handleUnlockAudio(w http.ResponseWriter, r *http.Request) {
	if err := s.core.UnlockAudio(); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"unlocked": true})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var user models.UserProfile
	if !decode(w, r, &user) {
		return
	}
	if user.ID == "" {
		writeError(w, http.StatusBadRequest, "user id is required")
		return
	}
	if err := s.core.Login(r.Context(), user); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, s.core.State())
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.core.Logout(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"success": true})
}
