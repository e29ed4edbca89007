package twin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/neurotwin/platform/pkg/common/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newState(subjectID uuid.UUID, version int) models.DigitalTwinState {
	return models.DigitalTwinState{
		SubjectID: subjectID,
		StateID:   uuid.New(),
		Version:   version,
		Timestamp: time.Now().UTC(),
		BrainRegions: map[string]models.RegionState{
			"prefrontal_cortex": {ActivationLevel: 0.5, Confidence: 0.8, Significance: models.SignificanceLow},
		},
		Neurotransmitters: map[string]models.TransmitterState{},
		UpdateSource:      []models.PredictionSource{models.SourceLanguage},
	}
}

func TestMemoryStoreCommitAndRead(t *testing.T) {
	store := NewMemoryStore()
	subjectID := uuid.New()
	ctx := context.Background()

	_, err := store.GetLatest(ctx, subjectID)
	assert.ErrorIs(t, err, ErrStateNotFound)

	first := newState(subjectID, 1)
	require.NoError(t, store.Commit(ctx, first, 0))

	latest, err := store.GetLatest(ctx, subjectID)
	require.NoError(t, err)
	assert.Equal(t, 1, latest.Version)
	assert.Equal(t, first.StateID, latest.StateID)
}

func TestMemoryStoreRejectsVersionGap(t *testing.T) {
	store := NewMemoryStore()
	subjectID := uuid.New()

	err := store.Commit(context.Background(), newState(subjectID, 3), 0)
	assert.ErrorIs(t, err, ErrVersionGap)
}

func TestMemoryStoreConflictOnStaleExpectation(t *testing.T) {
	store := NewMemoryStore()
	subjectID := uuid.New()
	ctx := context.Background()

	require.NoError(t, store.Commit(ctx, newState(subjectID, 1), 0))

	// A second writer that also read version 0 must not overwrite.
	err := store.Commit(ctx, newState(subjectID, 1), 0)
	var conflict *VersionConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 0, conflict.Expected)
	assert.Equal(t, 1, conflict.ActualLatest)

	latest, err := store.GetLatest(ctx, subjectID)
	require.NoError(t, err)
	assert.Equal(t, 1, latest.Version)
}

func TestMemoryStoreConcurrentWritersNeverSkipVersions(t *testing.T) {
	store := NewMemoryStore()
	subjectID := uuid.New()
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				prevVersion := 0
				if latest, err := store.GetLatest(ctx, subjectID); err == nil {
					prevVersion = latest.Version
				}
				err := store.Commit(ctx, newState(subjectID, prevVersion+1), prevVersion)
				if err == nil {
					return
				}
				var conflict *VersionConflictError
				if !errors.As(err, &conflict) {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	history, err := store.GetHistory(ctx, subjectID, writers)
	require.NoError(t, err)
	require.Len(t, history, writers)
	for i, state := range history {
		assert.Equal(t, writers-i, state.Version)
	}
}

func TestMemoryStoreHistoryIsImmutable(t *testing.T) {
	store := NewMemoryStore()
	subjectID := uuid.New()
	ctx := context.Background()

	committed := newState(subjectID, 1)
	require.NoError(t, store.Commit(ctx, committed, 0))

	// Mutating the caller's copy after commit must not reach stored history.
	committed.BrainRegions["prefrontal_cortex"] = models.RegionState{ActivationLevel: 0.99}

	stored, err := store.GetByVersion(ctx, subjectID, 1)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, stored.BrainRegions["prefrontal_cortex"].ActivationLevel, 1e-9)
}

func TestMemoryStoreGetByVersionBounds(t *testing.T) {
	store := NewMemoryStore()
	subjectID := uuid.New()
	ctx := context.Background()

	require.NoError(t, store.Commit(ctx, newState(subjectID, 1), 0))

	_, err := store.GetByVersion(ctx, subjectID, 0)
	assert.ErrorIs(t, err, ErrStateNotFound)
	_, err = store.GetByVersion(ctx, subjectID, 2)
	assert.ErrorIs(t, err, ErrStateNotFound)
}

func TestMemoryStoreHistoryLimit(t *testing.T) {
	store := NewMemoryStore()
	subjectID := uuid.New()
	ctx := context.Background()

	for v := 1; v <= 5; v++ {
		require.NoError(t, store.Commit(ctx, newState(subjectID, v), v-1))
	}

	history, err := store.GetHistory(ctx, subjectID, 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 5, history[0].Version)
	assert.Equal(t, 4, history[1].Version)
}
