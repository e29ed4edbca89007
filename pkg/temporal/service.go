package temporal

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/neurotwin/platform/pkg/common/models"
)

type Service struct {
	repo *Repository
}

func NewService(repo *Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) Append(ctx context.Context, subjectID uuid.UUID, req models.AppendObservationsRequest) (models.TemporalSequence, error) {
	return s.repo.Append(ctx, subjectID, req)
}

func (s *Service) GetWindow(ctx context.Context, subjectID uuid.UUID, since, until time.Time) ([]models.TemporalSequence, error) {
	return s.repo.GetWindow(ctx, subjectID, since, until)
}

func (s *Service) ListFeatures(ctx context.Context, subjectID uuid.UUID) ([]string, error) {
	return s.repo.ListFeatures(ctx, subjectID)
}

// FeatureSeries flattens one feature across observation chunks into a single
// time-ordered series. Chunks that do not carry the feature are skipped.
func FeatureSeries(sequences []models.TemporalSequence, feature string) ([]time.Time, []float64) {
	type point struct {
		at    time.Time
		value float64
	}
	var points []point
	for _, seq := range sequences {
		col := -1
		for i, name := range seq.FeatureNames {
			if name == feature {
				col = i
				break
			}
		}
		if col < 0 {
			continue
		}
		for i, ts := range seq.Timestamps {
			if col < len(seq.Values[i]) {
				points = append(points, point{at: ts, value: seq.Values[i][col]})
			}
		}
	}
	sort.Slice(points, func(i, j int) bool { return points[i].at.Before(points[j].at) })

	timestamps := make([]time.Time, len(points))
	values := make([]float64, len(points))
	for i, p := range points {
		timestamps[i] = p.at
		values[i] = p.value
	}
	return timestamps, values
}

// Features returns the union of feature names across chunks, sorted for
// deterministic iteration.
func Features(sequences []models.TemporalSequence) []string {
	seen := map[string]struct{}{}
	for _, seq := range sequences {
		for _, name := range seq.FeatureNames {
			seen[name] = struct{}{}
		}
	}
	features := make([]string, 0, len(seen))
	for name := range seen {
		features = append(features, name)
	}
	sort.Strings(features)
	return features
}
