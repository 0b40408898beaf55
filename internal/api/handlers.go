package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/mailq/internal/domain"
)

type errorResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

type enqueueResponse struct {
	MsgID string `json:"msgId"`
	TxID  string `json:"txId"`
}

type statusResponse struct {
	MsgID     string     `json:"msgId"`
	Status    string     `json:"status"`
	Tag       string     `json:"tag,omitempty"`
	TxID      string     `json:"txId,omitempty"`
	DelayTS   *time.Time `json:"delayTS,omitempty"`
	LastError string     `json:"lastError,omitempty"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Status: status, Message: message})
}

// statusLocation derives the status-query URL for a cancel request by
// substituting cancel with status in the request path.
func statusLocation(r *http.Request) string {
	return strings.Replace(r.URL.RequestURI(), "cancel", "status", 1)
}

func (s *Server) enqueueMessage(w http.ResponseWriter, r *http.Request) {
	var msg domain.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "malformed message body")
		return
	}

	j, err := s.svc.Enqueue(r.Context(), ownerFrom(r), &msg)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, enqueueResponse{MsgID: j.ID, TxID: j.TxID})
}

// cancelMessages requests cancellation of every pending message matching
// the query filters. Always 202: cancellation is requested, not done, by
// the time we answer; Content-Location points at the status query.
func (s *Server) cancelMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.Filter{
		JobID:  q.Get("msgId"),
		Status: domain.Status(q.Get("status")),
		Tag:    q.Get("tag"),
		TxID:   q.Get("txId"),
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status filter")
		return
	}

	if err := s.svc.FindAndCancel(r.Context(), ownerFrom(r), f); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Location", statusLocation(r))
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) cancelMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "msgId")
	if err := s.svc.CancelOne(r.Context(), ownerFrom(r), id); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Location", statusLocation(r))
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) messageStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "msgId")
	j, err := s.svc.Status(r.Context(), ownerFrom(r), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	resp := statusResponse{
		MsgID:     j.ID,
		Status:    string(j.Status),
		Tag:       j.Tag,
		TxID:      j.TxID,
		LastError: j.LastError,
		UpdatedAt: j.UpdatedAt,
	}
	if !j.DelayUntil.IsZero() {
		resp.DelayTS = &j.DelayUntil
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if !s.queue.CheckConnection(r.Context()) {
		writeError(w, http.StatusServiceUnavailable, "queue connection not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"connected": true})
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	if !s.queue.CheckReachable(r.Context()) {
		writeError(w, http.StatusServiceUnavailable, "queue not reachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"reachable": true})
}

// pause and resume hand the request off to the connection manager and
// answer immediately; the completion signal is observed by the manager's
// own logging boundary.
func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	s.queue.Pause(context.WithoutCancel(r.Context()))
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	s.queue.Resume(context.WithoutCancel(r.Context()))
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "message not found")
	case errors.Is(err, domain.ErrInvalidState):
		writeError(w, http.StatusConflict, "message is not cancellable")
	case errors.Is(err, domain.ErrConnectionUnavailable):
		writeError(w, http.StatusServiceUnavailable, "queue connection unavailable")
	default:
		s.log.Error("internal error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
	}
}
