package temporal

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/neurotwin/platform/pkg/common/models"
)

const (
	minSeriesPoints      = 8
	periodicityThreshold = 0.5
	anomalySpreadFactor  = 3.0
	rollingHalfWindow    = 3
)

// Detector derives TemporalPatterns from observation series. Detection is
// deterministic: the same sequences and window always produce the same
// patterns, in the same order.
type Detector struct {
	table SignificanceTable
}

func NewDetector(table SignificanceTable) *Detector {
	return &Detector{table: table}
}

// Detect scans every feature present in the window and emits periodicity,
// trend, and anomaly patterns per feature, features in sorted order.
func (d *Detector) Detect(sequences []models.TemporalSequence, window time.Duration) []models.TemporalPattern {
	var patterns []models.TemporalPattern
	for _, feature := range Features(sequences) {
		timestamps, values := FeatureSeries(sequences, feature)
		timestamps, values = trailingWindow(timestamps, values, window)
		if len(values) < minSeriesPoints {
			continue
		}
		if p, ok := d.detectPeriodicity(feature, values); ok {
			patterns = append(patterns, p)
		}
		if p, ok := d.detectTrend(feature, timestamps, values); ok {
			patterns = append(patterns, p)
		}
		patterns = append(patterns, d.detectAnomalies(feature, timestamps, values)...)
	}
	return patterns
}

// detectPeriodicity runs an autocorrelation scan over candidate lags and keeps
// the strongest peak above the significance threshold.
func (d *Detector) detectPeriodicity(feature string, values []float64) (models.TemporalPattern, bool) {
	n := len(values)
	mean, variance := meanVariance(values)
	if variance == 0 {
		return models.TemporalPattern{}, false
	}

	maxLag := n / 2
	bestLag, bestCorr := 0, 0.0
	for lag := 2; lag <= maxLag; lag++ {
		var corr float64
		for i := 0; i < n-lag; i++ {
			corr += (values[i] - mean) * (values[i+lag] - mean)
		}
		corr /= float64(n-lag) * variance
		if corr > bestCorr {
			bestCorr = corr
			bestLag = lag
		}
	}

	if bestCorr < periodicityThreshold {
		return models.TemporalPattern{}, false
	}

	// Peak prominence over the threshold drives confidence.
	confidence := clamp01((bestCorr - periodicityThreshold) / (1 - periodicityThreshold))
	strength := clamp01(bestCorr)

	return models.TemporalPattern{
		Type:         models.PatternPeriodic,
		Feature:      feature,
		Confidence:   confidence,
		Strength:     strength,
		Significance: d.table.Classify(confidence, strength),
		Description:  fmt.Sprintf("periodic cycle every %d observations in %s (autocorrelation %.2f)", bestLag, feature, bestCorr),
	}, true
}

// detectTrend fits a least-squares line and reports a trend when the fitted
// change across the window clears a noise floor scaled by residual spread.
func (d *Detector) detectTrend(feature string, timestamps []time.Time, values []float64) (models.TemporalPattern, bool) {
	n := len(values)
	xs := make([]float64, n)
	for i, ts := range timestamps {
		xs[i] = ts.Sub(timestamps[0]).Hours()
	}
	span := xs[n-1]
	if span == 0 {
		return models.TemporalPattern{}, false
	}

	slope, intercept := leastSquares(xs, values)

	var residualSS, totalSS float64
	mean, _ := meanVariance(values)
	for i := range values {
		fitted := intercept + slope*xs[i]
		residualSS += (values[i] - fitted) * (values[i] - fitted)
		totalSS += (values[i] - mean) * (values[i] - mean)
	}
	if totalSS == 0 {
		return models.TemporalPattern{}, false
	}

	residualSpread := math.Sqrt(residualSS / float64(n))
	totalChange := math.Abs(slope * span)
	if totalChange <= 2*residualSpread {
		return models.TemporalPattern{}, false
	}

	rSquared := clamp01(1 - residualSS/totalSS)
	strength := clamp01(totalChange / (totalChange + residualSpread))
	direction := "rising"
	if slope < 0 {
		direction = "falling"
	}

	return models.TemporalPattern{
		Type:         models.PatternTrend,
		Feature:      feature,
		Confidence:   rSquared,
		Strength:     strength,
		Significance: d.table.Classify(rSquared, strength),
		Description:  fmt.Sprintf("%s trend in %s (slope %.4f/hour, R2 %.2f)", direction, feature, slope, rSquared),
	}, true
}

// detectAnomalies flags points whose deviation from a rolling median exceeds a
// multiple of the rolling MAD. Median and MAD resist the outliers being hunted.
func (d *Detector) detectAnomalies(feature string, timestamps []time.Time, values []float64) []models.TemporalPattern {
	var patterns []models.TemporalPattern
	n := len(values)
	for i := 0; i < n; i++ {
		lo := i - rollingHalfWindow
		if lo < 0 {
			lo = 0
		}
		hi := i + rollingHalfWindow + 1
		if hi > n {
			hi = n
		}
		neighborhood := make([]float64, 0, hi-lo)
		for j := lo; j < hi; j++ {
			if j != i {
				neighborhood = append(neighborhood, values[j])
			}
		}
		if len(neighborhood) < 3 {
			continue
		}

		center := median(neighborhood)
		spread := mad(neighborhood, center)
		if spread == 0 {
			continue
		}

		deviation := math.Abs(values[i] - center)
		if deviation <= anomalySpreadFactor*spread {
			continue
		}

		strength := clamp01(deviation / (2 * anomalySpreadFactor * spread))
		confidence := clamp01((deviation/spread - anomalySpreadFactor) / anomalySpreadFactor)

		patterns = append(patterns, models.TemporalPattern{
			Type:         models.PatternAnomaly,
			Feature:      feature,
			Confidence:   confidence,
			Strength:     strength,
			Significance: d.table.Classify(confidence, strength),
			Description:  fmt.Sprintf("anomalous %s reading %.3f at %s (%.1fx rolling spread)", feature, values[i], timestamps[i].UTC().Format(time.RFC3339), deviation/spread),
		})
	}
	return patterns
}

// trailingWindow clips a series to the window ending at its newest point.
func trailingWindow(timestamps []time.Time, values []float64, window time.Duration) ([]time.Time, []float64) {
	if window <= 0 || len(timestamps) == 0 {
		return timestamps, values
	}
	cutoff := timestamps[len(timestamps)-1].Add(-window)
	start := 0
	for start < len(timestamps) && timestamps[start].Before(cutoff) {
		start++
	}
	return timestamps[start:], values[start:]
}

func meanVariance(values []float64) (float64, float64) {
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))
	return mean, variance
}

func leastSquares(xs, ys []float64) (slope, intercept float64) {
	n := float64(len(xs))
	var sumX, sumY, sumXY, sumXX float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
		sumXY += xs[i] * ys[i]
		sumXX += xs[i] * xs[i]
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, sumY / n
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n
	return slope, intercept
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func mad(values []float64, center float64) float64 {
	deviations := make([]float64, len(values))
	for i, v := range values {
		deviations[i] = math.Abs(v - center)
	}
	return median(deviations)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
