package twin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/neurotwin/platform/pkg/common/logger"
	"github.com/neurotwin/platform/pkg/common/models"
	"github.com/redis/go-redis/v9"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository is the Postgres-backed StateStore. Version rows are immutable and
// append-only; the unique (subject_id, version) index is the conditional-write
// primitive backing the CAS check. Redis holds a latest-state cache for the
// read path only -- commits always revalidate against Postgres inside a locked
// transaction, never against the cache.
type Repository struct {
	db       *gorm.DB
	cache    *redis.Client
	cacheTTL time.Duration
}

func NewRepository(db *gorm.DB, cache *redis.Client, cacheTTL time.Duration) *Repository {
	return &Repository{db: db, cache: cache, cacheTTL: cacheTTL}
}

var _ StateStore = (*Repository)(nil)

type StateModel struct {
	StateID   uuid.UUID `gorm:"type:uuid;primaryKey"`
	SubjectID uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_twin_subject_version"`
	Version   int       `gorm:"uniqueIndex:idx_twin_subject_version"`
	Timestamp time.Time
	Payload   datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt time.Time
}

func (StateModel) TableName() string {
	return "twin_states"
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&StateModel{})
}

// Commit appends the candidate as the next version iff the stored latest
// version equals expectedPrevVersion. The check runs under a row lock; the
// unique index backstops it against anything that slips past.
func (r *Repository) Commit(ctx context.Context, candidate models.DigitalTwinState, expectedPrevVersion int) error {
	if candidate.Version != expectedPrevVersion+1 {
		return ErrVersionGap
	}

	payload, err := json.Marshal(candidate)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latest StateModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("subject_id = ?", candidate.SubjectID).
			Order("version DESC").
			First(&latest).Error

		actualLatest := 0
		switch {
		case err == nil:
			actualLatest = latest.Version
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return err
		}

		if actualLatest != expectedPrevVersion {
			return &VersionConflictError{
				SubjectID:    candidate.SubjectID,
				Expected:     expectedPrevVersion,
				ActualLatest: actualLatest,
			}
		}

		row := StateModel{
			StateID:   candidate.StateID,
			SubjectID: candidate.SubjectID,
			Version:   candidate.Version,
			Timestamp: candidate.Timestamp,
			Payload:   payload,
			CreatedAt: time.Now().UTC(),
		}
		if err := tx.Create(&row).Error; err != nil {
			if isDuplicateVersion(err) {
				return &VersionConflictError{
					SubjectID:    candidate.SubjectID,
					Expected:     expectedPrevVersion,
					ActualLatest: candidate.Version,
				}
			}
			return err
		}
		return nil
	})
	if err != nil {
		var conflict *VersionConflictError
		if errors.As(err, &conflict) {
			// The conflict proves the cached latest is stale.
			r.invalidateLatestCache(ctx, candidate.SubjectID)
		}
		return err
	}

	r.refreshLatestCache(ctx, candidate.SubjectID, payload)
	return nil
}

func (r *Repository) GetLatest(ctx context.Context, subjectID uuid.UUID) (models.DigitalTwinState, error) {
	if state, ok := r.readLatestCache(ctx, subjectID); ok {
		return state, nil
	}

	var row StateModel
	err := r.db.WithContext(ctx).
		Where("subject_id = ?", subjectID).
		Order("version DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.DigitalTwinState{}, ErrStateNotFound
	}
	if err != nil {
		return models.DigitalTwinState{}, err
	}

	state, err := decodeState(row)
	if err != nil {
		return models.DigitalTwinState{}, err
	}
	r.refreshLatestCache(ctx, subjectID, row.Payload)
	return state, nil
}

func (r *Repository) GetHistory(ctx context.Context, subjectID uuid.UUID, limit int) ([]models.DigitalTwinState, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []StateModel
	err := r.db.WithContext(ctx).
		Where("subject_id = ?", subjectID).
		Order("version DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	states := make([]models.DigitalTwinState, 0, len(rows))
	for _, row := range rows {
		state, err := decodeState(row)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, nil
}

func (r *Repository) GetByVersion(ctx context.Context, subjectID uuid.UUID, version int) (models.DigitalTwinState, error) {
	var row StateModel
	err := r.db.WithContext(ctx).
		Where("subject_id = ? AND version = ?", subjectID, version).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.DigitalTwinState{}, ErrStateNotFound
	}
	if err != nil {
		return models.DigitalTwinState{}, err
	}
	return decodeState(row)
}

// isDuplicateVersion matches the unique (subject_id, version) index rejecting a
// concurrent insert, whether or not the driver translated the violation.
func isDuplicateVersion(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func decodeState(row StateModel) (models.DigitalTwinState, error) {
	var state models.DigitalTwinState
	if err := json.Unmarshal(row.Payload, &state); err != nil {
		return models.DigitalTwinState{}, fmt.Errorf("decode state %s v%d: %w", row.SubjectID, row.Version, err)
	}
	return state, nil
}

// latest-state cache

func latestCacheKey(subjectID uuid.UUID) string {
	return fmt.Sprintf("twin:latest:%s", subjectID)
}

func (r *Repository) readLatestCache(ctx context.Context, subjectID uuid.UUID) (models.DigitalTwinState, bool) {
	if r.cache == nil {
		return models.DigitalTwinState{}, false
	}
	data, err := r.cache.Get(ctx, latestCacheKey(subjectID)).Bytes()
	if err != nil {
		return models.DigitalTwinState{}, false
	}
	var state models.DigitalTwinState
	if err := json.Unmarshal(data, &state); err != nil {
		return models.DigitalTwinState{}, false
	}
	return state, true
}

func (r *Repository) invalidateLatestCache(ctx context.Context, subjectID uuid.UUID) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Del(ctx, latestCacheKey(subjectID)).Err(); err != nil {
		logger.Log.WithError(err).Debug("failed to drop stale latest-state cache")
	}
}

func (r *Repository) refreshLatestCache(ctx context.Context, subjectID uuid.UUID, payload []byte) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Set(ctx, latestCacheKey(subjectID), payload, r.cacheTTL).Err(); err != nil {
		logger.Log.WithError(err).Debug("failed to refresh latest-state cache")
	}
}
