package subject

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/neurotwin/platform/pkg/common/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrSubjectNotFound   = errors.New("subject not found")
	ErrSubjectTombstoned = errors.New("subject tombstoned")
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

type SubjectModel struct {
	ID                 uuid.UUID         `gorm:"type:uuid;primaryKey"`
	IdentityClass      string            `gorm:"index"`
	DemographicFactors datatypes.JSONMap `gorm:"type:jsonb"`
	ClinicalFactors    datatypes.JSONMap `gorm:"type:jsonb"`
	ExternalReferences datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
	TombstonedAt       *time.Time `gorm:"index"`
}

func (SubjectModel) TableName() string {
	return "subjects"
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&SubjectModel{})
}

type CreateSubjectInput struct {
	IdentityClass      models.IdentityClass
	DemographicFactors map[string]interface{}
	ClinicalFactors    map[string]interface{}
	ExternalReferences map[string]string
}

func (r *Repository) Create(ctx context.Context, input CreateSubjectInput) (models.Subject, error) {
	now := time.Now().UTC()
	row := SubjectModel{
		ID:                 uuid.New(),
		IdentityClass:      string(input.IdentityClass),
		DemographicFactors: datatypes.JSONMap(input.DemographicFactors),
		ClinicalFactors:    datatypes.JSONMap(input.ClinicalFactors),
		ExternalReferences: referencesToJSON(input.ExternalReferences),
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return models.Subject{}, err
	}

	return mapSubjectModel(row), nil
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (models.Subject, error) {
	var row SubjectModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Subject{}, ErrSubjectNotFound
	}
	if err != nil {
		return models.Subject{}, err
	}
	return mapSubjectModel(row), nil
}

func (r *Repository) List(ctx context.Context, limit int) ([]models.Subject, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []SubjectModel
	err := r.db.WithContext(ctx).
		Where("tombstoned_at IS NULL").
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	subjects := make([]models.Subject, 0, len(rows))
	for _, row := range rows {
		subjects = append(subjects, mapSubjectModel(row))
	}
	return subjects, nil
}

// UpdateFactors merges the provided factor maps into the stored maps.
// Keys present in the request overwrite; absent keys are untouched.
func (r *Repository) UpdateFactors(ctx context.Context, id uuid.UUID, demographic, clinical map[string]interface{}) (models.Subject, error) {
	var row SubjectModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Subject{}, ErrSubjectNotFound
	}
	if err != nil {
		return models.Subject{}, err
	}
	if row.TombstonedAt != nil {
		return models.Subject{}, ErrSubjectTombstoned
	}

	row.DemographicFactors = mergeFactors(row.DemographicFactors, demographic)
	row.ClinicalFactors = mergeFactors(row.ClinicalFactors, clinical)
	row.UpdatedAt = time.Now().UTC()

	err = r.db.WithContext(ctx).Model(&SubjectModel{}).Where("id = ?", id).Updates(map[string]interface{}{
		"demographic_factors": row.DemographicFactors,
		"clinical_factors":    row.ClinicalFactors,
		"updated_at":          row.UpdatedAt,
	}).Error
	if err != nil {
		return models.Subject{}, err
	}
	return mapSubjectModel(row), nil
}

// Tombstone soft-deletes a subject. Rows are never removed.
func (r *Repository) Tombstone(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Model(&SubjectModel{}).
		Where("id = ? AND tombstoned_at IS NULL", id).
		Update("tombstoned_at", time.Now().UTC())
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrSubjectNotFound
	}
	return nil
}

func mergeFactors(existing datatypes.JSONMap, updates map[string]interface{}) datatypes.JSONMap {
	if existing == nil {
		existing = datatypes.JSONMap{}
	}
	for key, value := range updates {
		existing[key] = value
	}
	return existing
}

func referencesToJSON(refs map[string]string) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for key, value := range refs {
		out[key] = value
	}
	return out
}

func mapSubjectModel(row SubjectModel) models.Subject {
	refs := make(map[string]string, len(row.ExternalReferences))
	for key, value := range row.ExternalReferences {
		if s, ok := value.(string); ok {
			refs[key] = s
		}
	}
	return models.Subject{
		ID:                 row.ID,
		IdentityClass:      models.IdentityClass(row.IdentityClass),
		DemographicFactors: map[string]interface{}(row.DemographicFactors),
		ClinicalFactors:    map[string]interface{}(row.ClinicalFactors),
		ExternalReferences: refs,
		CreatedAt:          row.CreatedAt,
		TombstonedAt:       row.TombstonedAt,
	}
}
