// Package api is the HTTP surface of cnapi.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/devghori1264/aerophoenix/cnapi/internal/models"
	"github.com/devghori1264/aerophoenix/cnapi/internal/server"
	"github.com/devghori1264/aerophoenix/cnapi/internal/storage"
	"github.com/devghori1264/aerophoenix/cnapi/internal/ur"
	"github.com/devghori1264/aerophoenix/cnapi/internal/workflow"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// maxBodyBytes bounds request bodies; scripts are the largest payload.
const maxBodyBytes = 4 << 20

type Handler struct {
	srv *server.Server
	log *zap.Logger
}

func NewHTTPHandler(srv *server.Server, log *zap.Logger) http.Handler {
	h := &Handler{srv: srv, log: log.Named("http")}

	r := mux.NewRouter()
	r.Use(h.instrument)
	r.HandleFunc("/ping", h.handlePing).Methods(http.MethodGet)

	r.HandleFunc("/servers", h.handleListServers).Methods(http.MethodGet)
	r.HandleFunc("/servers/{uuid}", h.handleGetServer).Methods(http.MethodGet)
	r.HandleFunc("/servers/{uuid}", h.handleModifyServer).Methods(http.MethodPost)
	r.HandleFunc("/servers/{uuid}", h.handleDeleteServer).Methods(http.MethodDelete)
	r.HandleFunc("/servers/{uuid}/setup", h.handleSetup).Methods(http.MethodPut)
	r.HandleFunc("/servers/{uuid}/reboot", h.handleReboot).Methods(http.MethodPost)
	r.HandleFunc("/servers/{uuid}/execute", h.handleExecute).Methods(http.MethodPost)

	r.HandleFunc("/boot/{uuid}", h.handleGetBootParams).Methods(http.MethodGet)
	r.HandleFunc("/boot/{uuid}", h.handleSetBootParams).Methods(http.MethodPut)
	r.HandleFunc("/boot/{uuid}", h.handleUpdateBootParams).Methods(http.MethodPost)

	r.HandleFunc("/jobs", h.handleListJobs).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{uuid}", h.handleGetJob).Methods(http.MethodGet)

	return r
}

func (h *Handler) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

func (h *Handler) handleListServers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f storage.ServerFilter
	if v := q.Get("uuids"); v != "" {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				f.UUIDs = append(f.UUIDs, id)
			}
		}
	}
	if v := q.Get("setup"); v != "" {
		setup, err := strconv.ParseBool(v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "setup must be true or false")
			return
		}
		f.Setup = &setup
	}
	switch q.Get("sort") {
	case "", "asc", "ASC":
	case "desc", "DESC":
		f.Order = storage.Descending
	default:
		h.writeError(w, http.StatusBadRequest, "sort must be asc or desc")
		return
	}

	servers, err := h.srv.List(r.Context(), f)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if servers == nil {
		servers = []*models.Server{}
	}
	writeJSON(w, http.StatusOK, servers)
}

func (h *Handler) handleGetServer(w http.ResponseWriter, r *http.Request) {
	s, err := h.srv.Get(r.Context(), mux.Vars(r)["uuid"])
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeServer(w, s)
}

func (h *Handler) handleModifyServer(w http.ResponseWriter, r *http.Request) {
	var changes models.Changes
	if !h.decode(w, r, &changes) {
		return
	}
	if len(changes) == 0 {
		h.writeError(w, http.StatusBadRequest, "no changes given")
		return
	}
	etag := strings.Trim(r.Header.Get("If-Match"), `"`)
	s, err := h.srv.ModifyServer(r.Context(), mux.Vars(r)["uuid"], changes, etag)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeServer(w, s)
}

func (h *Handler) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	if err := h.srv.DeleteServer(r.Context(), mux.Vars(r)["uuid"]); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSetup(w http.ResponseWriter, r *http.Request) {
	var req server.SetupRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	job, err := h.srv.Setup(r.Context(), mux.Vars(r)["uuid"], req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_uuid": job.UUID})
}

func (h *Handler) handleReboot(w http.ResponseWriter, r *http.Request) {
	var req server.RebootRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	job, err := h.srv.Reboot(r.Context(), mux.Vars(r)["uuid"], req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_uuid": job.UUID})
}

func (h *Handler) handleExecute(w http.ResponseWriter, r *http.Request) {
	var script ur.Script
	if !h.decode(w, r, &script) {
		return
	}
	res, err := h.srv.Execute(r.Context(), mux.Vars(r)["uuid"], script)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleGetBootParams(w http.ResponseWriter, r *http.Request) {
	bp, err := h.srv.GetBootParams(r.Context(), mux.Vars(r)["uuid"])
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bp)
}

func (h *Handler) handleSetBootParams(w http.ResponseWriter, r *http.Request) {
	var u models.BootParamsUpdate
	if !h.decode(w, r, &u) {
		return
	}
	if _, err := h.srv.SetBootParams(r.Context(), mux.Vars(r)["uuid"], u); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleUpdateBootParams(w http.ResponseWriter, r *http.Request) {
	var u models.BootParamsUpdate
	if !h.decode(w, r, &u) {
		return
	}
	if _, err := h.srv.UpdateBootParams(r.Context(), mux.Vars(r)["uuid"], u); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.srv.Jobs(r.Context(), r.URL.Query().Get("server_uuid"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *Handler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.srv.Job(r.Context(), mux.Vars(r)["uuid"])
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	return h.decode(w, r, v)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrConflict), errors.Is(err, server.ErrAlreadySetup):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, server.ErrInvalidRequest), errors.Is(err, workflow.ErrValidation):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, server.ErrNoJobRunner):
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.log.Error("request failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeServer(w http.ResponseWriter, s *models.Server) {
	if s.Etag != "" {
		w.Header().Set("ETag", s.Etag)
	}
	writeJSON(w, http.StatusOK, s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
	h.log.Debug("request rejected", zap.Int("status", status), zap.String("error", msg))
}
