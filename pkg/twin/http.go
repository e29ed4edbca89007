package twin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/neurotwin/platform/pkg/common/logger"
	"github.com/neurotwin/platform/pkg/common/models"
	"github.com/neurotwin/platform/pkg/fusion"
	"github.com/neurotwin/platform/pkg/temporal"
)

type Handler struct {
	coordinator  *Coordinator
	store        StateStore
	observations *temporal.Service
	detector     *temporal.Detector
	window       time.Duration
}

func NewHandler(coordinator *Coordinator, store StateStore, observations *temporal.Service, detector *temporal.Detector, window time.Duration) *Handler {
	return &Handler{
		coordinator:  coordinator,
		store:        store,
		observations: observations,
		detector:     detector,
		window:       window,
	}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/subjects/{id}/observations", h.handleAppendObservations).Methods(http.MethodPost)
	r.HandleFunc("/subjects/{id}/observations/features", h.handleListFeatures).Methods(http.MethodGet)
	r.HandleFunc("/subjects/{id}/patterns", h.handlePreviewPatterns).Methods(http.MethodGet)
	r.HandleFunc("/subjects/{id}/twin/update", h.handleUpdateCycle).Methods(http.MethodPost)
	r.HandleFunc("/subjects/{id}/twin", h.handleGetLatest).Methods(http.MethodGet)
	r.HandleFunc("/subjects/{id}/twin/history", h.handleGetHistory).Methods(http.MethodGet)
	r.HandleFunc("/subjects/{id}/twin/versions/{version}", h.handleGetByVersion).Methods(http.MethodGet)
}

func (h *Handler) handleAppendObservations(w http.ResponseWriter, r *http.Request) {
	subjectID, ok := parseSubjectID(w, r)
	if !ok {
		return
	}
	var req models.AppendObservationsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	sequence, err := h.observations.Append(r.Context(), subjectID, req)
	if errors.Is(err, temporal.ErrMisalignedRows) || errors.Is(err, temporal.ErrNonIncreasing) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		logger.Log.WithError(err).Error("failed to append observations")
		http.Error(w, "failed to append observations", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"sequence": sequence})
}

func (h *Handler) handleListFeatures(w http.ResponseWriter, r *http.Request) {
	subjectID, ok := parseSubjectID(w, r)
	if !ok {
		return
	}
	features, err := h.observations.ListFeatures(r.Context(), subjectID)
	if err != nil {
		logger.Log.WithError(err).Error("failed to list features")
		http.Error(w, "failed to list features", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"features": features})
}

func (h *Handler) handlePreviewPatterns(w http.ResponseWriter, r *http.Request) {
	subjectID, ok := parseSubjectID(w, r)
	if !ok {
		return
	}
	now := time.Now().UTC()
	sequences, err := h.observations.GetWindow(r.Context(), subjectID, now.Add(-h.window), now)
	if err != nil {
		logger.Log.WithError(err).Error("failed to fetch observation window")
		http.Error(w, "failed to fetch observation window", http.StatusInternalServerError)
		return
	}
	patterns := h.detector.Detect(sequences, h.window)
	writeJSON(w, http.StatusOK, map[string]interface{}{"patterns": patterns})
}

func (h *Handler) handleUpdateCycle(w http.ResponseWriter, r *http.Request) {
	subjectID, ok := parseSubjectID(w, r)
	if !ok {
		return
	}
	response, err := h.coordinator.RunUpdateCycle(r.Context(), subjectID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, response)
	case errors.Is(err, fusion.ErrFusionUnavailable):
		http.Error(w, "all prediction sources unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, ErrConcurrentUpdateExhausted):
		http.Error(w, "concurrent update retries exhausted", http.StatusConflict)
	case errors.Is(err, ErrCoordinatorTimeout):
		http.Error(w, "update cycle deadline exceeded", http.StatusGatewayTimeout)
	default:
		logger.Log.WithError(err).Error("update cycle failed")
		http.Error(w, "update cycle failed", http.StatusInternalServerError)
	}
}

func (h *Handler) handleGetLatest(w http.ResponseWriter, r *http.Request) {
	subjectID, ok := parseSubjectID(w, r)
	if !ok {
		return
	}
	state, err := h.store.GetLatest(r.Context(), subjectID)
	if errors.Is(err, ErrStateNotFound) {
		http.Error(w, "no twin state for subject", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.Log.WithError(err).Error("failed to get latest state")
		http.Error(w, "failed to get latest state", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"state": state})
}

func (h *Handler) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	subjectID, ok := parseSubjectID(w, r)
	if !ok {
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	states, err := h.store.GetHistory(r.Context(), subjectID, limit)
	if err != nil {
		logger.Log.WithError(err).Error("failed to get state history")
		http.Error(w, "failed to get state history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": states})
}

func (h *Handler) handleGetByVersion(w http.ResponseWriter, r *http.Request) {
	subjectID, ok := parseSubjectID(w, r)
	if !ok {
		return
	}
	version, err := strconv.Atoi(mux.Vars(r)["version"])
	if err != nil || version < 1 {
		http.Error(w, "invalid version", http.StatusBadRequest)
		return
	}
	state, err := h.store.GetByVersion(r.Context(), subjectID, version)
	if errors.Is(err, ErrStateNotFound) {
		http.Error(w, "version not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.Log.WithError(err).Error("failed to get state by version")
		http.Error(w, "failed to get state by version", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"state": state})
}

func parseSubjectID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid subject id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
