package fusion

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/neurotwin/platform/pkg/common/logger"
	"github.com/neurotwin/platform/pkg/common/models"
	"github.com/neurotwin/platform/pkg/prediction"
)

// ErrFusionUnavailable means no prediction source produced a usable result.
// A state with zero contributing evidence is never built.
var ErrFusionUnavailable = errors.New("all prediction sources unavailable")

// canonicalSources fixes the iteration order for update-source and provenance
// lists so fused states are deterministic for a given set of results.
var canonicalSources = []models.PredictionSource{
	models.SourceLanguage,
	models.SourceBehavioral,
	models.SourceOutcome,
}

// Engine fans out to the prediction gateways, fuses whatever subset answers,
// and produces the next candidate DigitalTwinState.
type Engine struct {
	gateways []prediction.Invoker
	policy   Policy
}

func NewEngine(gateways []prediction.Invoker, policy Policy) *Engine {
	return &Engine{gateways: gateways, policy: policy}
}

// Result carries the candidate state plus the degradation detail the
// coordinator needs for event emission.
type Result struct {
	Candidate      models.DigitalTwinState
	MissingSources []models.PredictionSource
}

// Fuse runs one fusion pass. Gateways are invoked in parallel, each under its
// own deadline; partial results are valid input. Only the all-failed case is
// an error.
func (e *Engine) Fuse(ctx context.Context, subjectID uuid.UUID, previous *models.DigitalTwinState, patterns []models.TemporalPattern, subjectContext map[string]interface{}) (Result, error) {
	return e.FuseDeferred(ctx, subjectID, previous, func() []models.TemporalPattern { return patterns }, subjectContext)
}

// FuseDeferred is Fuse with lazily supplied temporal patterns. The patterns
// function is called after the fan-out completes, letting the caller run
// pattern detection concurrently with the gateway calls.
func (e *Engine) FuseDeferred(ctx context.Context, subjectID uuid.UUID, previous *models.DigitalTwinState, patterns func() []models.TemporalPattern, subjectContext map[string]interface{}) (Result, error) {
	results, missing := e.fanOut(ctx, subjectID, subjectContext)
	if len(results) == 0 {
		return Result{}, ErrFusionUnavailable
	}

	candidate := e.merge(subjectID, previous, results, patterns())

	return Result{Candidate: candidate, MissingSources: missing}, nil
}

// fanOut invokes every gateway concurrently and collects whichever results
// arrive. One slow source never blocks another; each gateway bounds itself.
func (e *Engine) fanOut(ctx context.Context, subjectID uuid.UUID, subjectContext map[string]interface{}) ([]models.PredictionResult, []models.PredictionSource) {
	type outcome struct {
		source models.PredictionSource
		result models.PredictionResult
		err    error
	}

	outcomes := make(chan outcome, len(e.gateways))
	var wg sync.WaitGroup
	for _, gw := range e.gateways {
		wg.Add(1)
		go func(gw prediction.Invoker) {
			defer wg.Done()
			result, err := gw.Invoke(ctx, subjectID, subjectContext)
			outcomes <- outcome{source: gw.Source(), result: result, err: err}
		}(gw)
	}
	wg.Wait()
	close(outcomes)

	bySource := map[models.PredictionSource]models.PredictionResult{}
	var missing []models.PredictionSource
	for o := range outcomes {
		if o.err != nil {
			var unavail *prediction.UnavailableError
			if errors.As(o.err, &unavail) {
				logger.Log.WithFields(map[string]interface{}{
					"subject_id":    subjectID,
					"source":        unavail.Source,
					"reason":        unavail.Reason,
					"provenance_id": unavail.ProvenanceID,
				}).Warn("Prediction source unavailable")
			} else {
				logger.Log.WithError(o.err).WithField("source", o.source).Error("Gateway invocation failed")
			}
			missing = append(missing, o.source)
			continue
		}
		bySource[o.source] = o.result
	}

	var results []models.PredictionResult
	for _, source := range canonicalSources {
		if r, ok := bySource[source]; ok {
			results = append(results, r)
		}
	}
	sort.Slice(missing, func(i, j int) bool {
		return sourceRank(missing[i]) < sourceRank(missing[j])
	})
	return results, missing
}

type sourcedClaim struct {
	source models.PredictionSource
	claim  models.Claim
}

func (e *Engine) merge(subjectID uuid.UUID, previous *models.DigitalTwinState, results []models.PredictionResult, patterns []models.TemporalPattern) models.DigitalTwinState {
	grouped := map[string][]sourcedClaim{}
	var keys []string
	for _, result := range results {
		for _, claim := range result.Claims {
			key := claim.Target.Key()
			if _, seen := grouped[key]; !seen {
				keys = append(keys, key)
			}
			grouped[key] = append(grouped[key], sourcedClaim{source: result.Source, claim: claim})
		}
	}
	sort.Strings(keys)

	state := models.DigitalTwinState{
		SubjectID:         subjectID,
		StateID:           uuid.New(),
		Version:           1,
		Timestamp:         time.Now().UTC(),
		BrainRegions:      map[string]models.RegionState{},
		Neurotransmitters: map[string]models.TransmitterState{},
		TemporalPatterns:  patterns,
	}
	if previous != nil {
		state.Version = previous.Version + 1
	}

	for _, key := range keys {
		claims := grouped[key]
		target := claims[0].claim.Target
		switch target.Kind {
		case models.TargetBrainRegion:
			value, confidence := mergeNumeric(claims)
			state.BrainRegions[target.Name] = models.RegionState{
				ActivationLevel: value,
				Confidence:      confidence,
				Significance:    e.mergeCategorical(claims),
			}
		case models.TargetNeurotransmitter:
			value, confidence := mergeNumeric(claims)
			state.Neurotransmitters[target.Name] = models.TransmitterState{
				Level:        value,
				Confidence:   confidence,
				Significance: e.mergeCategorical(claims),
			}
		case models.TargetClinicalFactor:
			winner := e.pickCategoricalWinner(claims)
			state.ClinicalInsights = append(state.ClinicalInsights, models.ClinicalInsight{
				Factor:       target.Name,
				Summary:      winner.claim.Summary,
				Significance: significanceOrNone(winner.claim.Significance),
				Confidence:   winner.claim.Confidence,
				Source:       winner.source,
			})
		}
	}

	for _, result := range results {
		state.UpdateSource = append(state.UpdateSource, result.Source)
		state.ContributingPredictions = append(state.ContributingPredictions, result.ProvenanceID)
	}

	return state
}

// mergeNumeric resolves conflicting numeric claims by confidence-weighted
// averaging. Merged confidence is the best source's confidence scaled down by
// a disagreement penalty, so the engine is explicitly less sure when sources
// conflict instead of silently picking a winner.
func mergeNumeric(claims []sourcedClaim) (float64, float64) {
	var weightedSum, confidenceSum, maxConfidence float64
	values := make([]float64, 0, len(claims))
	for _, sc := range claims {
		weightedSum += sc.claim.Confidence * sc.claim.Value
		confidenceSum += sc.claim.Confidence
		if sc.claim.Confidence > maxConfidence {
			maxConfidence = sc.claim.Confidence
		}
		values = append(values, sc.claim.Value)
	}
	if confidenceSum == 0 {
		return 0, 0
	}

	merged := weightedSum / confidenceSum
	confidence := maxConfidence * (1 - normalizedVariance(values))
	return merged, confidence
}

// normalizedVariance maps the population variance of unit-interval values onto
// [0,1]. The 0.25 divisor is the maximum possible variance of values in [0,1].
func normalizedVariance(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))

	normalized := variance / 0.25
	if normalized > 1 {
		return 1
	}
	return normalized
}

// mergeCategorical resolves the significance attached to a numeric target.
// Claims that carry no significance do not vote.
func (e *Engine) mergeCategorical(claims []sourcedClaim) models.ClinicalSignificance {
	var voters []sourcedClaim
	for _, sc := range claims {
		if sc.claim.Significance != "" {
			voters = append(voters, sc)
		}
	}
	if len(voters) == 0 {
		return models.SignificanceNone
	}
	return significanceOrNone(e.pickCategoricalWinner(voters).claim.Significance)
}

// pickCategoricalWinner applies highest-confidence-wins. Exact confidence ties
// resolve per policy: toward higher severity by default, the clinically
// conservative direction for alerting signals.
func (e *Engine) pickCategoricalWinner(claims []sourcedClaim) sourcedClaim {
	winner := claims[0]
	for _, sc := range claims[1:] {
		switch {
		case sc.claim.Confidence > winner.claim.Confidence:
			winner = sc
		case sc.claim.Confidence == winner.claim.Confidence:
			if e.policy.breaksTie(sc, winner) {
				winner = sc
			}
		}
	}
	return winner
}

func significanceOrNone(s models.ClinicalSignificance) models.ClinicalSignificance {
	if s == "" {
		return models.SignificanceNone
	}
	return s
}

func sourceRank(source models.PredictionSource) int {
	for i, s := range canonicalSources {
		if s == source {
			return i
		}
	}
	return len(canonicalSources)
}
