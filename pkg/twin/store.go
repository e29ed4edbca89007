package twin

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/neurotwin/platform/pkg/common/models"
)

var (
	ErrStateNotFound = errors.New("digital twin state not found")
	ErrVersionGap    = errors.New("candidate version must be expected previous version + 1")
)

// VersionConflictError is returned when a commit presents a stale expected
// version. It carries the actual latest so the caller can refetch and retry.
type VersionConflictError struct {
	SubjectID    uuid.UUID
	Expected     int
	ActualLatest int
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict for subject %s: expected latest %d, actual %d", e.SubjectID, e.Expected, e.ActualLatest)
}

// StateStore is the versioned, optimistic-concurrency persistence contract for
// DigitalTwinState snapshots. Commit accepts a candidate only when the stored
// latest version for the subject equals expectedPrevVersion; two concurrent
// commits against the same expected version can never both succeed.
type StateStore interface {
	Commit(ctx context.Context, candidate models.DigitalTwinState, expectedPrevVersion int) error
	GetLatest(ctx context.Context, subjectID uuid.UUID) (models.DigitalTwinState, error)
	GetHistory(ctx context.Context, subjectID uuid.UUID, limit int) ([]models.DigitalTwinState, error)
	GetByVersion(ctx context.Context, subjectID uuid.UUID, version int) (models.DigitalTwinState, error)
}
