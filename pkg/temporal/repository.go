package temporal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/neurotwin/platform/pkg/common/logger"
	"github.com/neurotwin/platform/pkg/common/models"
	"github.com/redis/go-redis/v9"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrSequenceNotFound = errors.New("sequence not found")
	ErrMisalignedRows   = errors.New("observation rows misaligned with feature names or timestamps")
	ErrNonIncreasing    = errors.New("timestamps must be strictly increasing")
)

// Repository owns TemporalSequence persistence. Sequences are append-only:
// every write creates a new immutable chunk, never edits an existing one.
type Repository struct {
	db       *gorm.DB
	cache    *redis.Client
	cacheTTL time.Duration
}

func NewRepository(db *gorm.DB, cache *redis.Client, cacheTTL time.Duration) *Repository {
	return &Repository{db: db, cache: cache, cacheTTL: cacheTTL}
}

type SequenceModel struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey"`
	SubjectID    uuid.UUID      `gorm:"type:uuid;index:idx_sequences_subject"`
	FeatureNames datatypes.JSON `gorm:"type:jsonb"`
	Timestamps   datatypes.JSON `gorm:"type:jsonb"`
	Values       datatypes.JSON `gorm:"type:jsonb"`
	FirstAt      time.Time      `gorm:"index"`
	LastAt       time.Time      `gorm:"index"`
	CreatedAt    time.Time
}

func (SequenceModel) TableName() string {
	return "temporal_sequences"
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&SequenceModel{})
}

// Append stores a new observation chunk for the subject. The chunk is validated
// for row alignment and strictly increasing timestamps before it is written.
func (r *Repository) Append(ctx context.Context, subjectID uuid.UUID, req models.AppendObservationsRequest) (models.TemporalSequence, error) {
	if err := validateObservations(req); err != nil {
		return models.TemporalSequence{}, err
	}

	featuresJSON, _ := json.Marshal(req.FeatureNames)
	timestampsJSON, _ := json.Marshal(req.Timestamps)
	valuesJSON, _ := json.Marshal(req.Values)

	row := SequenceModel{
		ID:           uuid.New(),
		SubjectID:    subjectID,
		FeatureNames: featuresJSON,
		Timestamps:   timestampsJSON,
		Values:       valuesJSON,
		FirstAt:      req.Timestamps[0].UTC(),
		LastAt:       req.Timestamps[len(req.Timestamps)-1].UTC(),
		CreatedAt:    time.Now().UTC(),
	}

	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return models.TemporalSequence{}, err
	}

	r.invalidateWindowCache(ctx, subjectID)

	return models.TemporalSequence{
		ID:           row.ID,
		SubjectID:    subjectID,
		FeatureNames: req.FeatureNames,
		Timestamps:   req.Timestamps,
		Values:       req.Values,
		CreatedAt:    row.CreatedAt,
	}, nil
}

// GetWindow returns the subject's observation chunks overlapping [since, until],
// clipped to the window and ordered by time. Callers slice out a single feature
// across chunks with FeatureSeries.
func (r *Repository) GetWindow(ctx context.Context, subjectID uuid.UUID, since, until time.Time) ([]models.TemporalSequence, error) {
	if cached, ok := r.readWindowCache(ctx, subjectID, since, until); ok {
		return cached, nil
	}

	var rows []SequenceModel
	err := r.db.WithContext(ctx).
		Where("subject_id = ? AND last_at >= ? AND first_at <= ?", subjectID, since.UTC(), until.UTC()).
		Order("first_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	sequences := make([]models.TemporalSequence, 0, len(rows))
	for _, row := range rows {
		seq, err := mapSequenceModel(row)
		if err != nil {
			return nil, err
		}
		seq = clipSequence(seq, since, until)
		if len(seq.Timestamps) > 0 {
			sequences = append(sequences, seq)
		}
	}

	r.writeWindowCache(ctx, subjectID, since, until, sequences)

	return sequences, nil
}

// ListFeatures returns the distinct feature names observed for a subject.
func (r *Repository) ListFeatures(ctx context.Context, subjectID uuid.UUID) ([]string, error) {
	var rows []SequenceModel
	err := r.db.WithContext(ctx).
		Select("feature_names").
		Where("subject_id = ?", subjectID).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	seen := map[string]struct{}{}
	for _, row := range rows {
		var names []string
		if err := json.Unmarshal(row.FeatureNames, &names); err != nil {
			continue
		}
		for _, name := range names {
			seen[name] = struct{}{}
		}
	}
	features := make([]string, 0, len(seen))
	for name := range seen {
		features = append(features, name)
	}
	sort.Strings(features)
	return features, nil
}

func validateObservations(req models.AppendObservationsRequest) error {
	if len(req.FeatureNames) == 0 || len(req.Timestamps) == 0 {
		return ErrMisalignedRows
	}
	if len(req.Values) != len(req.Timestamps) {
		return ErrMisalignedRows
	}
	for _, row := range req.Values {
		if len(row) != len(req.FeatureNames) {
			return ErrMisalignedRows
		}
	}
	for i := 1; i < len(req.Timestamps); i++ {
		if !req.Timestamps[i].After(req.Timestamps[i-1]) {
			return ErrNonIncreasing
		}
	}
	return nil
}

func clipSequence(seq models.TemporalSequence, since, until time.Time) models.TemporalSequence {
	timestamps := make([]time.Time, 0, len(seq.Timestamps))
	values := make([][]float64, 0, len(seq.Values))
	for i, ts := range seq.Timestamps {
		if ts.Before(since) || ts.After(until) {
			continue
		}
		timestamps = append(timestamps, ts)
		values = append(values, seq.Values[i])
	}
	seq.Timestamps = timestamps
	seq.Values = values
	return seq
}

func mapSequenceModel(row SequenceModel) (models.TemporalSequence, error) {
	seq := models.TemporalSequence{
		ID:        row.ID,
		SubjectID: row.SubjectID,
		CreatedAt: row.CreatedAt,
	}
	if err := json.Unmarshal(row.FeatureNames, &seq.FeatureNames); err != nil {
		return models.TemporalSequence{}, fmt.Errorf("decode feature names: %w", err)
	}
	if err := json.Unmarshal(row.Timestamps, &seq.Timestamps); err != nil {
		return models.TemporalSequence{}, fmt.Errorf("decode timestamps: %w", err)
	}
	if err := json.Unmarshal(row.Values, &seq.Values); err != nil {
		return models.TemporalSequence{}, fmt.Errorf("decode values: %w", err)
	}
	return seq, nil
}

// window cache

func windowCacheKey(subjectID uuid.UUID, since, until time.Time) string {
	return fmt.Sprintf("temporal:window:%s:%d:%d", subjectID, since.Unix(), until.Unix())
}

func (r *Repository) readWindowCache(ctx context.Context, subjectID uuid.UUID, since, until time.Time) ([]models.TemporalSequence, bool) {
	if r.cache == nil {
		return nil, false
	}
	data, err := r.cache.Get(ctx, windowCacheKey(subjectID, since, until)).Bytes()
	if err != nil {
		return nil, false
	}
	var sequences []models.TemporalSequence
	if err := json.Unmarshal(data, &sequences); err != nil {
		return nil, false
	}
	return sequences, true
}

func (r *Repository) writeWindowCache(ctx context.Context, subjectID uuid.UUID, since, until time.Time, sequences []models.TemporalSequence) {
	if r.cache == nil {
		return
	}
	data, err := json.Marshal(sequences)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, windowCacheKey(subjectID, since, until), data, r.cacheTTL).Err(); err != nil {
		logger.Log.WithError(err).Debug("failed to cache observation window")
	}
	r.cache.SAdd(ctx, windowCacheIndexKey(subjectID), windowCacheKey(subjectID, since, until))
}

func windowCacheIndexKey(subjectID uuid.UUID) string {
	return fmt.Sprintf("temporal:window-index:%s", subjectID)
}

func (r *Repository) invalidateWindowCache(ctx context.Context, subjectID uuid.UUID) {
	if r.cache == nil {
		return
	}
	keys, err := r.cache.SMembers(ctx, windowCacheIndexKey(subjectID)).Result()
	if err != nil || len(keys) == 0 {
		return
	}
	keys = append(keys, windowCacheIndexKey(subjectID))
	if err := r.cache.Del(ctx, keys...).Err(); err != nil {
		logger.Log.WithError(err).Debug("failed to invalidate observation window cache")
	}
}
