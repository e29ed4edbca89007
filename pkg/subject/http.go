package subject

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/neurotwin/platform/pkg/common/logger"
	"github.com/neurotwin/platform/pkg/common/models"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/subjects", h.handleRegisterSubject).Methods(http.MethodPost)
	r.HandleFunc("/subjects", h.handleListSubjects).Methods(http.MethodGet)
	r.HandleFunc("/subjects/{id}", h.handleGetSubject).Methods(http.MethodGet)
	r.HandleFunc("/subjects/{id}/factors", h.handleUpdateFactors).Methods(http.MethodPatch)
	r.HandleFunc("/subjects/{id}", h.handleTombstoneSubject).Methods(http.MethodDelete)
}

func (h *Handler) handleRegisterSubject(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterSubjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	subject, err := h.service.Register(r.Context(), req)
	if err != nil {
		logger.Log.WithError(err).Error("failed to register subject")
		http.Error(w, "failed to register subject", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"subject": subject})
}

func (h *Handler) handleListSubjects(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 50)
	subjects, err := h.service.List(r.Context(), limit)
	if err != nil {
		logger.Log.WithError(err).Error("failed to list subjects")
		http.Error(w, "failed to list subjects", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": subjects})
}

func (h *Handler) handleGetSubject(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid subject id", http.StatusBadRequest)
		return
	}
	subject, err := h.service.Get(r.Context(), id)
	if errors.Is(err, ErrSubjectNotFound) {
		http.Error(w, "subject not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.Log.WithError(err).Error("failed to get subject")
		http.Error(w, "failed to get subject", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"subject": subject})
}

func (h *Handler) handleUpdateFactors(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid subject id", http.StatusBadRequest)
		return
	}
	var req models.UpdateFactorsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	subject, err := h.service.UpdateFactors(r.Context(), id, req)
	if errors.Is(err, ErrSubjectNotFound) {
		http.Error(w, "subject not found", http.StatusNotFound)
		return
	}
	if errors.Is(err, ErrSubjectTombstoned) {
		http.Error(w, "subject tombstoned", http.StatusConflict)
		return
	}
	if err != nil {
		logger.Log.WithError(err).Error("failed to update subject factors")
		http.Error(w, "failed to update subject factors", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"subject": subject})
}

func (h *Handler) handleTombstoneSubject(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid subject id", http.StatusBadRequest)
		return
	}
	if err := h.service.Tombstone(r.Context(), id); err != nil {
		if errors.Is(err, ErrSubjectNotFound) {
			http.Error(w, "subject not found", http.StatusNotFound)
			return
		}
		logger.Log.WithError(err).Error("failed to tombstone subject")
		http.Error(w, "failed to tombstone subject", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func parseLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return fallback
	}
	return limit
}
