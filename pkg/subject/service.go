package subject

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/neurotwin/platform/pkg/common/logger"
	"github.com/neurotwin/platform/pkg/common/models"
)

type Service struct {
	repo *Repository
}

func NewService(repo *Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) Register(ctx context.Context, req models.RegisterSubjectRequest) (models.Subject, error) {
	switch req.IdentityClass {
	case models.IdentityResearch, models.IdentityClinical, models.IdentityAnonymous:
	case "":
		req.IdentityClass = models.IdentityAnonymous
	default:
		return models.Subject{}, fmt.Errorf("unknown identity class %q", req.IdentityClass)
	}

	subject, err := s.repo.Create(ctx, CreateSubjectInput{
		IdentityClass:      req.IdentityClass,
		DemographicFactors: req.DemographicFactors,
		ClinicalFactors:    req.ClinicalFactors,
		ExternalReferences: req.ExternalReferences,
	})
	if err != nil {
		return models.Subject{}, err
	}

	logger.Log.WithFields(map[string]interface{}{
		"subject_id":     subject.ID,
		"identity_class": subject.IdentityClass,
	}).Info("Subject registered")

	return subject, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (models.Subject, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, limit int) ([]models.Subject, error) {
	return s.repo.List(ctx, limit)
}

func (s *Service) UpdateFactors(ctx context.Context, id uuid.UUID, req models.UpdateFactorsRequest) (models.Subject, error) {
	return s.repo.UpdateFactors(ctx, id, req.DemographicFactors, req.ClinicalFactors)
}

func (s *Service) Tombstone(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.Tombstone(ctx, id); err != nil {
		return err
	}
	logger.Log.WithField("subject_id", id).Info("Subject tombstoned")
	return nil
}
