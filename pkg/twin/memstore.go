package twin

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/neurotwin/platform/pkg/common/models"
)

// MemoryStore is an in-process StateStore with the same CAS semantics as the
// Postgres repository. It backs tests and single-node deployments without a
// database.
type MemoryStore struct {
	mu     sync.Mutex
	chains map[uuid.UUID][][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chains: map[uuid.UUID][][]byte{}}
}

var _ StateStore = (*MemoryStore)(nil)

func (s *MemoryStore) Commit(ctx context.Context, candidate models.DigitalTwinState, expectedPrevVersion int) error {
	if candidate.Version != expectedPrevVersion+1 {
		return ErrVersionGap
	}

	// States are stored as serialized snapshots so later mutation of the
	// caller's value can never reach back into committed history.
	payload, err := json.Marshal(candidate)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.chains[candidate.SubjectID]
	actualLatest := len(chain)
	if actualLatest != expectedPrevVersion {
		return &VersionConflictError{
			SubjectID:    candidate.SubjectID,
			Expected:     expectedPrevVersion,
			ActualLatest: actualLatest,
		}
	}

	s.chains[candidate.SubjectID] = append(chain, payload)
	return nil
}

func (s *MemoryStore) GetLatest(ctx context.Context, subjectID uuid.UUID) (models.DigitalTwinState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.chains[subjectID]
	if len(chain) == 0 {
		return models.DigitalTwinState{}, ErrStateNotFound
	}
	return decodePayload(chain[len(chain)-1])
}

func (s *MemoryStore) GetHistory(ctx context.Context, subjectID uuid.UUID, limit int) ([]models.DigitalTwinState, error) {
	if limit <= 0 {
		limit = 20
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.chains[subjectID]
	states := make([]models.DigitalTwinState, 0, limit)
	for i := len(chain) - 1; i >= 0 && len(states) < limit; i-- {
		state, err := decodePayload(chain[i])
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, nil
}

func (s *MemoryStore) GetByVersion(ctx context.Context, subjectID uuid.UUID, version int) (models.DigitalTwinState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.chains[subjectID]
	if version < 1 || version > len(chain) {
		return models.DigitalTwinState{}, ErrStateNotFound
	}
	return decodePayload(chain[version-1])
}

func decodePayload(payload []byte) (models.DigitalTwinState, error) {
	var state models.DigitalTwinState
	if err := json.Unmarshal(payload, &state); err != nil {
		return models.DigitalTwinState{}, err
	}
	return state, nil
}
