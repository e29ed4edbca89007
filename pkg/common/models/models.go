package models

import (
	"time"

	"github.com/google/uuid"
)

// Subject identity
type IdentityClass string

const (
	IdentityResearch  IdentityClass = "research"
	IdentityClinical  IdentityClass = "clinical"
	IdentityAnonymous IdentityClass = "anonymous"
)

// Subject is the de-identified identity anchor for one individual's digital twin.
// PHI never lives here; anything identifying sits behind opaque tokens in
// ExternalReferences, resolved by an external system.
type Subject struct {
	ID                 uuid.UUID              `json:"id"`
	IdentityClass      IdentityClass          `json:"identity_class"`
	DemographicFactors map[string]interface{} `json:"demographic_factors,omitempty"`
	ClinicalFactors    map[string]interface{} `json:"clinical_factors,omitempty"`
	ExternalReferences map[string]string      `json:"external_references,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
	TombstonedAt       *time.Time             `json:"tombstoned_at,omitempty"`
}

// Temporal observations
type TemporalSequence struct {
	ID           uuid.UUID   `json:"id"`
	SubjectID    uuid.UUID   `json:"subject_id"`
	FeatureNames []string    `json:"feature_names"`
	Timestamps   []time.Time `json:"timestamps"`
	Values       [][]float64 `json:"values"`
	CreatedAt    time.Time   `json:"created_at"`
}

type PatternType string

const (
	PatternPeriodic PatternType = "periodic"
	PatternTrend    PatternType = "trend"
	PatternAnomaly  PatternType = "anomaly"
)

type ClinicalSignificance string

const (
	SignificanceNone     ClinicalSignificance = "none"
	SignificanceLow      ClinicalSignificance = "low"
	SignificanceModerate ClinicalSignificance = "moderate"
	SignificanceHigh     ClinicalSignificance = "high"
	SignificanceCritical ClinicalSignificance = "critical"
)

// SeverityRank orders significance levels for conservative tie-breaking.
// Unknown values rank below "none".
func SeverityRank(s ClinicalSignificance) int {
	switch s {
	case SignificanceNone:
		return 0
	case SignificanceLow:
		return 1
	case SignificanceModerate:
		return 2
	case SignificanceHigh:
		return 3
	case SignificanceCritical:
		return 4
	default:
		return -1
	}
}

type TemporalPattern struct {
	Type         PatternType          `json:"type"`
	Feature      string               `json:"feature"`
	Confidence   float64              `json:"confidence"`
	Strength     float64              `json:"strength"`
	Significance ClinicalSignificance `json:"clinical_significance"`
	Description  string               `json:"description"`
}

// Prediction sources and claims
type PredictionSource string

const (
	SourceLanguage   PredictionSource = "language"
	SourceBehavioral PredictionSource = "behavioral"
	SourceOutcome    PredictionSource = "outcome"
)

type TargetKind string

const (
	TargetBrainRegion      TargetKind = "brain_region"
	TargetNeurotransmitter TargetKind = "neurotransmitter"
	TargetClinicalFactor   TargetKind = "clinical_factor"
)

type ClaimTarget struct {
	Kind TargetKind `json:"kind"`
	Name string     `json:"name"`
}

func (t ClaimTarget) Key() string {
	return string(t.Kind) + ":" + t.Name
}

// Claim is a single assertion from one prediction source about one target.
// Numeric targets carry Value (0..1); categorical assessments carry Significance.
type Claim struct {
	Target       ClaimTarget          `json:"target"`
	Value        float64              `json:"value"`
	Significance ClinicalSignificance `json:"significance,omitempty"`
	Summary      string               `json:"summary,omitempty"`
	Confidence   float64              `json:"confidence"`
}

// PredictionResult is the normalized output of one gateway call.
type PredictionResult struct {
	Source       PredictionSource `json:"source"`
	Claims       []Claim          `json:"claims"`
	ReceivedAt   time.Time        `json:"received_at"`
	LatencyMS    int64            `json:"latency_ms"`
	ProvenanceID string           `json:"provenance_id"`
	ModelVersion string           `json:"model_version,omitempty"`
}

// Digital twin state
type RegionState struct {
	ActivationLevel float64              `json:"activation_level"`
	Confidence      float64              `json:"confidence"`
	Significance    ClinicalSignificance `json:"clinical_significance"`
}

type TransmitterState struct {
	Level        float64              `json:"level"`
	Confidence   float64              `json:"confidence"`
	Significance ClinicalSignificance `json:"clinical_significance"`
}

type ClinicalInsight struct {
	Factor       string               `json:"factor"`
	Summary      string               `json:"summary,omitempty"`
	Significance ClinicalSignificance `json:"clinical_significance"`
	Confidence   float64              `json:"confidence"`
	Source       PredictionSource     `json:"source"`
}

// DigitalTwinState is one immutable version of a subject's twin.
// Committed states are never mutated; an update always produces the next version.
type DigitalTwinState struct {
	SubjectID               uuid.UUID                   `json:"subject_id"`
	StateID                 uuid.UUID                   `json:"state_id"`
	Version                 int                         `json:"version"`
	Timestamp               time.Time                   `json:"timestamp"`
	BrainRegions            map[string]RegionState      `json:"brain_regions"`
	Neurotransmitters       map[string]TransmitterState `json:"neurotransmitters"`
	ClinicalInsights        []ClinicalInsight           `json:"clinical_insights"`
	TemporalPatterns        []TemporalPattern           `json:"temporal_patterns"`
	UpdateSource            []PredictionSource          `json:"update_source"`
	ContributingPredictions []string                    `json:"contributing_predictions"`
}

// SignificanceChange records one clinical-significance transition between two
// committed versions, for downstream alerting.
type SignificanceChange struct {
	Target   string               `json:"target"`
	Previous ClinicalSignificance `json:"previous"`
	Current  ClinicalSignificance `json:"current"`
}

// Event bus models
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

const (
	EventTwinUpdated    = "digital_twin.updated"
	EventFusionDegraded = "fusion.degraded"
)

// API request/response models
type RegisterSubjectRequest struct {
	IdentityClass      IdentityClass          `json:"identity_class"`
	DemographicFactors map[string]interface{} `json:"demographic_factors,omitempty"`
	ClinicalFactors    map[string]interface{} `json:"clinical_factors,omitempty"`
	ExternalReferences map[string]string      `json:"external_references,omitempty"`
}

type UpdateFactorsRequest struct {
	DemographicFactors map[string]interface{} `json:"demographic_factors,omitempty"`
	ClinicalFactors    map[string]interface{} `json:"clinical_factors,omitempty"`
}

type AppendObservationsRequest struct {
	FeatureNames []string    `json:"feature_names"`
	Timestamps   []time.Time `json:"timestamps"`
	Values       [][]float64 `json:"values"`
}

type UpdateCycleResponse struct {
	State          DigitalTwinState     `json:"state"`
	MissingSources []PredictionSource   `json:"missing_sources,omitempty"`
	Changes        []SignificanceChange `json:"significance_changes,omitempty"`
}
