package prediction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/neurotwin/platform/pkg/common/logger"
	"github.com/neurotwin/platform/pkg/common/models"
	"github.com/neurotwin/platform/pkg/observability/metrics"
	"golang.org/x/sync/semaphore"
)

type UnavailableReason string

const (
	ReasonTimeout           UnavailableReason = "timeout"
	ReasonMalformedResponse UnavailableReason = "malformed_response"
	ReasonConnectionFailed  UnavailableReason = "connection_failed"
	ReasonBackendRejected   UnavailableReason = "backend_rejected"
)

// UnavailableError is the explicit marker a gateway yields when it cannot
// produce a result inside its deadline. It never escapes as a panic or a
// silently-empty result; the fusion layer decides what to do with it.
type UnavailableError struct {
	Source       models.PredictionSource
	Reason       UnavailableReason
	ProvenanceID string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("prediction source %s unavailable: %s", e.Source, e.Reason)
}

// Invoker is the uniform contract shared by all three prediction backends.
type Invoker interface {
	Source() models.PredictionSource
	Invoke(ctx context.Context, subjectID uuid.UUID, subjectContext map[string]interface{}) (models.PredictionResult, error)
}

// remotePayload is the wire shape the backends answer with. Anything outside
// this closed shape is treated as malformed at the boundary; nothing
// backend-specific leaks past normalization.
type remotePayload struct {
	Claims []struct {
		TargetKind   string  `json:"target_kind"`
		TargetName   string  `json:"target_name"`
		Value        float64 `json:"value"`
		Significance string  `json:"significance,omitempty"`
		Summary      string  `json:"summary,omitempty"`
		Confidence   float64 `json:"confidence"`
	} `json:"claims"`
	ConfidenceOverall float64 `json:"confidence_overall"`
	ModelVersion      string  `json:"model_version"`
}

// Gateway adapts one remote prediction backend to the normalized
// PredictionResult shape. One implementation serves all three sources; only
// the base URL, deadline, and concurrency ceiling differ.
type Gateway struct {
	source          models.PredictionSource
	baseURL         string
	deadline        time.Duration
	confidenceFloor float64
	client          *http.Client
	inflight        *semaphore.Weighted
}

type GatewayConfig struct {
	Source          models.PredictionSource
	BaseURL         string
	Deadline        time.Duration
	ConfidenceFloor float64
	MaxInflight     int
}

func NewGateway(cfg GatewayConfig) *Gateway {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 4
	}
	return &Gateway{
		source:          cfg.Source,
		baseURL:         cfg.BaseURL,
		deadline:        cfg.Deadline,
		confidenceFloor: cfg.ConfidenceFloor,
		client:          newHTTPClient(),
		inflight:        semaphore.NewWeighted(int64(cfg.MaxInflight)),
	}
}

func (g *Gateway) Source() models.PredictionSource {
	return g.source
}

// Invoke calls the backend's predict endpoint within this source's deadline.
// Failures come back as *UnavailableError; the gateway performs no retries,
// so latency budgets never compound silently.
func (g *Gateway) Invoke(ctx context.Context, subjectID uuid.UUID, subjectContext map[string]interface{}) (models.PredictionResult, error) {
	provenanceID := uuid.New().String()

	ctx, cancel := context.WithTimeout(ctx, g.deadline)
	defer cancel()

	if err := g.inflight.Acquire(ctx, 1); err != nil {
		return models.PredictionResult{}, g.unavailable(ReasonTimeout, provenanceID)
	}
	defer g.inflight.Release(1)

	start := time.Now()

	body, err := json.Marshal(map[string]interface{}{
		"subject_context": subjectContext,
		"request_type":    string(g.source),
	})
	if err != nil {
		return models.PredictionResult{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return models.PredictionResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Provenance-ID", provenanceID)

	resp, err := g.client.Do(req)
	if err != nil {
		if isDeadlineError(err) {
			metrics.ObserveGatewayTimeout(g.source)
			return models.PredictionResult{}, g.unavailable(ReasonTimeout, provenanceID)
		}
		return models.PredictionResult{}, g.unavailable(ReasonConnectionFailed, provenanceID)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return models.PredictionResult{}, g.unavailable(ReasonBackendRejected, provenanceID)
	}

	var payload remotePayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		logger.Log.WithError(err).WithFields(map[string]interface{}{
			"source":        g.source,
			"provenance_id": provenanceID,
		}).Warn("Malformed prediction payload")
		return models.PredictionResult{}, g.unavailable(ReasonMalformedResponse, provenanceID)
	}

	result, err := g.normalize(payload, provenanceID, time.Since(start))
	if err != nil {
		logger.Log.WithError(err).WithFields(map[string]interface{}{
			"source":        g.source,
			"provenance_id": provenanceID,
		}).Warn("Rejected prediction payload")
		return models.PredictionResult{}, g.unavailable(ReasonMalformedResponse, provenanceID)
	}

	logger.Log.WithFields(map[string]interface{}{
		"source":        g.source,
		"subject_id":    subjectID,
		"claims":        len(result.Claims),
		"latency_ms":    result.LatencyMS,
		"provenance_id": provenanceID,
	}).Debug("Prediction received")

	return result, nil
}

func (g *Gateway) normalize(payload remotePayload, provenanceID string, latency time.Duration) (models.PredictionResult, error) {
	claims := make([]models.Claim, 0, len(payload.Claims))
	for _, raw := range payload.Claims {
		kind, err := parseTargetKind(raw.TargetKind)
		if err != nil {
			return models.PredictionResult{}, err
		}
		if raw.TargetName == "" {
			return models.PredictionResult{}, fmt.Errorf("claim missing target name")
		}
		if raw.Confidence < 0 || raw.Confidence > 1 {
			return models.PredictionResult{}, fmt.Errorf("claim confidence %.3f outside [0,1]", raw.Confidence)
		}
		significance, err := parseSignificance(raw.Significance)
		if err != nil {
			return models.PredictionResult{}, err
		}
		// Claims below the floor carry too little evidence to fuse.
		if raw.Confidence < g.confidenceFloor {
			continue
		}
		claims = append(claims, models.Claim{
			Target:       models.ClaimTarget{Kind: kind, Name: raw.TargetName},
			Value:        clampUnit(raw.Value),
			Significance: significance,
			Summary:      raw.Summary,
			Confidence:   raw.Confidence,
		})
	}

	return models.PredictionResult{
		Source:       g.source,
		Claims:       claims,
		ReceivedAt:   time.Now().UTC(),
		LatencyMS:    latency.Milliseconds(),
		ProvenanceID: provenanceID,
		ModelVersion: payload.ModelVersion,
	}, nil
}

func (g *Gateway) unavailable(reason UnavailableReason, provenanceID string) *UnavailableError {
	return &UnavailableError{Source: g.source, Reason: reason, ProvenanceID: provenanceID}
}

func parseTargetKind(raw string) (models.TargetKind, error) {
	switch models.TargetKind(raw) {
	case models.TargetBrainRegion, models.TargetNeurotransmitter, models.TargetClinicalFactor:
		return models.TargetKind(raw), nil
	default:
		return "", fmt.Errorf("unknown claim target kind %q", raw)
	}
}

// parseSignificance admits only the closed significance vocabulary. An absent
// value is valid; anything else marks the payload malformed.
func parseSignificance(raw string) (models.ClinicalSignificance, error) {
	switch models.ClinicalSignificance(raw) {
	case "", models.SignificanceNone, models.SignificanceLow, models.SignificanceModerate,
		models.SignificanceHigh, models.SignificanceCritical:
		return models.ClinicalSignificance(raw), nil
	default:
		return "", fmt.Errorf("unknown clinical significance %q", raw)
	}
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
