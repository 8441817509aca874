package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	apperrors "github.com/grangeworks/farmbook/internal/errors"
	"github.com/grangeworks/farmbook/internal/logging"
	"github.com/grangeworks/farmbook/internal/models"
	"github.com/grangeworks/farmbook/internal/store"
	"github.com/grangeworks/farmbook/internal/sync/queue"
	"github.com/grangeworks/farmbook/internal/sync/scheduler"
)

type server struct {
	store   *store.Store
	records *queue.Manager
	sched   *scheduler.Scheduler
	hub     *hub
}

func newRouter(st *store.Store, records *queue.Manager, sched *scheduler.Scheduler, h *hub) http.Handler {
	s := &server{store: st, records: records, sched: sched, hub: h}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/api/v1/health", s.handleHealth)
	r.Get("/api/v1/ws", s.hub.handleWS)

	r.Route("/api/v1/records/{table}", func(r chi.Router) {
		r.Get("/", s.handleListRecords)
		r.Post("/", s.handleCreateRecord)
		r.Get("/{id}", s.handleGetRecord)
		r.Put("/{id}", s.handleUpdateRecord)
		r.Delete("/{id}", s.handleDeleteRecord)
	})

	r.Post("/api/v1/sync", s.handleTriggerSync)
	r.Post("/api/v1/sync/now", s.handleSyncNow)
	r.Get("/api/v1/sync/status", s.handleSyncStatus)
	r.Post("/api/v1/sync/retry-failed", s.handleRetryFailed)
	r.Get("/api/v1/queue/stats", s.handleQueueStats)
	r.Get("/api/v1/conflicts", s.handleListConflicts)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("failed to encode response", err, nil)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case apperrors.ErrInvalid, apperrors.ErrValidation, apperrors.ErrUnknownTable:
		status = http.StatusBadRequest
	case apperrors.ErrNotFound, apperrors.ErrRecordNotFound:
		status = http.StatusNotFound
	case apperrors.ErrDuplicate, apperrors.ErrSyncInProgress:
		status = http.StatusConflict
	case apperrors.ErrSyncOffline, apperrors.ErrSyncCircuitOpen:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"error": err.Error(),
		"code":  string(code),
	})
}

func tableParam(r *http.Request) (string, error) {
	table := chi.URLParam(r, "table")
	if !models.KnownTable(table) {
		return "", apperrors.New(apperrors.ErrUnknownTable, "unknown table: "+table)
	}
	return table, nil
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "farmbookd",
	})
}

func (s *server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	table, err := tableParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	includeDeleted := r.URL.Query().Get("include_deleted") == "true"
	recs, err := s.store.ListRecords(table, includeDeleted)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": recs,
		"count":   len(recs),
	})
}

func (s *server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	table, err := tableParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rec, err := s.store.GetRecord(table, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if rec == nil || rec.Deleted {
		writeError(w, apperrors.New(apperrors.ErrRecordNotFound, "record not found"))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *server) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	table, err := tableParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var fields map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
		return
	}
	rec, err := s.records.CreateRecord(table, fields)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *server) handleUpdateRecord(w http.ResponseWriter, r *http.Request) {
	table, err := tableParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var fields map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
		return
	}
	rec, err := s.records.UpdateRecord(table, chi.URLParam(r, "id"), fields)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	table, err := tableParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.records.DeleteRecord(table, chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTriggerSync starts a background pass and returns immediately.
func (s *server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	if !s.sched.TriggerSync(r.Context()) {
		writeError(w, apperrors.New(apperrors.ErrSyncInProgress, "sync already in progress"))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// handleSyncNow runs a pass synchronously and returns its result.
func (s *server) handleSyncNow(w http.ResponseWriter, r *http.Request) {
	result, err := s.sched.SyncNow(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.GetStatus())
}

func (s *server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	n, err := s.records.RetryFailed()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

func (s *server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.records.Stats()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	conflicts, err := s.store.ListConflicts(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conflicts": conflicts,
		"count":     len(conflicts),
	})
}
