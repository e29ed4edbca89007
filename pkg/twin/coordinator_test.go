package twin

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/neurotwin/platform/pkg/common/logger"
	"github.com/neurotwin/platform/pkg/common/models"
	"github.com/neurotwin/platform/pkg/fusion"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger.Init()
	os.Exit(m.Run())
}

type fakeSubjects struct {
	subject models.Subject
	err     error
}

func (f fakeSubjects) Get(ctx context.Context, id uuid.UUID) (models.Subject, error) {
	return f.subject, f.err
}

type fakeObservations struct{}

func (fakeObservations) GetWindow(ctx context.Context, subjectID uuid.UUID, since, until time.Time) ([]models.TemporalSequence, error) {
	return nil, nil
}

type fakeDetector struct {
	patterns []models.TemporalPattern
}

func (f fakeDetector) Detect(sequences []models.TemporalSequence, window time.Duration) []models.TemporalPattern {
	return f.patterns
}

// fakeFuser builds a candidate the way the engine does: next version from the
// previous state, patterns pulled via the deferred function.
type fakeFuser struct {
	provenance   []string
	missing      []models.PredictionSource
	significance models.ClinicalSignificance
	err          error
}

func (f fakeFuser) FuseDeferred(ctx context.Context, subjectID uuid.UUID, previous *models.DigitalTwinState, patterns func() []models.TemporalPattern, subjectContext map[string]interface{}) (fusion.Result, error) {
	if f.err != nil {
		return fusion.Result{}, f.err
	}
	version := 1
	if previous != nil {
		version = previous.Version + 1
	}
	significance := f.significance
	if significance == "" {
		significance = models.SignificanceLow
	}
	candidate := models.DigitalTwinState{
		SubjectID: subjectID,
		StateID:   uuid.New(),
		Version:   version,
		Timestamp: time.Now().UTC(),
		BrainRegions: map[string]models.RegionState{
			"prefrontal_cortex": {ActivationLevel: 0.6, Confidence: 0.8, Significance: significance},
		},
		Neurotransmitters:       map[string]models.TransmitterState{},
		TemporalPatterns:        patterns(),
		UpdateSource:            []models.PredictionSource{models.SourceLanguage},
		ContributingPredictions: f.provenance,
	}
	return fusion.Result{Candidate: candidate, MissingSources: f.missing}, nil
}

type recordedEvent struct {
	eventType string
	data      map[string]interface{}
}

type fakePublisher struct {
	events []recordedEvent
}

func (f *fakePublisher) PublishEvent(ctx context.Context, eventType string, source string, data map[string]interface{}) error {
	f.events = append(f.events, recordedEvent{eventType: eventType, data: data})
	return nil
}

// racingStore commits a rival state ahead of the caller's next commits,
// forcing version conflicts.
type racingStore struct {
	*MemoryStore
	conflicts int
}

func (s *racingStore) Commit(ctx context.Context, candidate models.DigitalTwinState, expectedPrevVersion int) error {
	if s.conflicts > 0 {
		s.conflicts--
		rival := newState(candidate.SubjectID, expectedPrevVersion+1)
		if err := s.MemoryStore.Commit(ctx, rival, expectedPrevVersion); err != nil {
			return err
		}
	}
	return s.MemoryStore.Commit(ctx, candidate, expectedPrevVersion)
}

func testSubject() models.Subject {
	return models.Subject{
		ID:            uuid.New(),
		IdentityClass: models.IdentityResearch,
	}
}

func newTestCoordinator(fuser Fuser, store StateStore, publisher EventPublisher, patterns []models.TemporalPattern) *Coordinator {
	return NewCoordinator(
		fakeSubjects{subject: testSubject()},
		fakeObservations{},
		fakeDetector{patterns: patterns},
		fuser,
		store,
		publisher,
		CoordinatorConfig{PatternWindow: 30 * 24 * time.Hour},
	)
}

func TestFirstCycleCommitsVersionOne(t *testing.T) {
	store := NewMemoryStore()
	publisher := &fakePublisher{}
	patterns := []models.TemporalPattern{{Type: models.PatternTrend, Feature: "sleep_quality", Confidence: 0.7}}
	coordinator := newTestCoordinator(fakeFuser{provenance: []string{"p1"}}, store, publisher, patterns)

	subjectID := uuid.New()
	resp, err := coordinator.RunUpdateCycle(context.Background(), subjectID)
	require.NoError(t, err)

	assert.Equal(t, 1, resp.State.Version)
	assert.Equal(t, patterns, resp.State.TemporalPatterns)
	require.Len(t, resp.Changes, 1)
	assert.Equal(t, "brain_region:prefrontal_cortex", resp.Changes[0].Target)
	assert.Equal(t, models.SignificanceNone, resp.Changes[0].Previous)
	assert.Equal(t, models.SignificanceLow, resp.Changes[0].Current)

	latest, err := store.GetLatest(context.Background(), subjectID)
	require.NoError(t, err)
	assert.Equal(t, resp.State.StateID, latest.StateID)

	require.Len(t, publisher.events, 1)
	assert.Equal(t, models.EventTwinUpdated, publisher.events[0].eventType)
	assert.Equal(t, 1, publisher.events[0].data["version"])
}

func TestCycleChainsFromLatestVersion(t *testing.T) {
	store := NewMemoryStore()
	subjectID := uuid.New()
	for v := 1; v <= 3; v++ {
		require.NoError(t, store.Commit(context.Background(), newState(subjectID, v), v-1))
	}

	provenance := []string{"lang-prov", "behav-prov", "outcome-prov"}
	coordinator := newTestCoordinator(fakeFuser{provenance: provenance}, store, &fakePublisher{}, nil)

	resp, err := coordinator.RunUpdateCycle(context.Background(), subjectID)
	require.NoError(t, err)
	assert.Equal(t, 4, resp.State.Version)
	assert.Equal(t, provenance, resp.State.ContributingPredictions)

	history, err := store.GetHistory(context.Background(), subjectID, 10)
	require.NoError(t, err)
	assert.Len(t, history, 4)
}

func TestAllSourcesDownLeavesNoState(t *testing.T) {
	store := NewMemoryStore()
	publisher := &fakePublisher{}
	coordinator := newTestCoordinator(fakeFuser{err: fusion.ErrFusionUnavailable}, store, publisher, nil)

	subjectID := uuid.New()
	_, err := coordinator.RunUpdateCycle(context.Background(), subjectID)
	assert.ErrorIs(t, err, fusion.ErrFusionUnavailable)

	_, err = store.GetLatest(context.Background(), subjectID)
	assert.ErrorIs(t, err, ErrStateNotFound)
	assert.Empty(t, publisher.events)
}

func TestConflictTriggersRefetchAndRetry(t *testing.T) {
	store := &racingStore{MemoryStore: NewMemoryStore(), conflicts: 1}
	coordinator := newTestCoordinator(fakeFuser{}, store, &fakePublisher{}, nil)

	resp, err := coordinator.RunUpdateCycle(context.Background(), uuid.New())
	require.NoError(t, err)

	// The rival took version 1; the retried cycle re-read it and built on top.
	assert.Equal(t, 2, resp.State.Version)
}

func TestRetriesExhaustedSurfacesTypedError(t *testing.T) {
	store := &racingStore{MemoryStore: NewMemoryStore(), conflicts: 10}
	publisher := &fakePublisher{}
	coordinator := newTestCoordinator(fakeFuser{}, store, publisher, nil)

	_, err := coordinator.RunUpdateCycle(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrConcurrentUpdateExhausted)
	assert.Empty(t, publisher.events)
}

func TestDegradedFusionEmitsEvent(t *testing.T) {
	publisher := &fakePublisher{}
	missing := []models.PredictionSource{models.SourceBehavioral, models.SourceOutcome}
	coordinator := newTestCoordinator(fakeFuser{missing: missing}, NewMemoryStore(), publisher, nil)

	resp, err := coordinator.RunUpdateCycle(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, missing, resp.MissingSources)

	require.Len(t, publisher.events, 2)
	assert.Equal(t, models.EventTwinUpdated, publisher.events[0].eventType)
	assert.Equal(t, models.EventFusionDegraded, publisher.events[1].eventType)
	assert.Equal(t, []string{"behavioral", "outcome"}, publisher.events[1].data["missing_sources"])
}

type failingPublisher struct {
	attempts int
}

func (f *failingPublisher) PublishEvent(ctx context.Context, eventType string, source string, data map[string]interface{}) error {
	f.attempts++
	return errors.New("broker unreachable")
}

func TestPublishFailureNeverFailsACommittedCycle(t *testing.T) {
	store := NewMemoryStore()
	publisher := &failingPublisher{}
	coordinator := newTestCoordinator(fakeFuser{}, store, publisher, nil)

	subjectID := uuid.New()
	resp, err := coordinator.RunUpdateCycle(context.Background(), subjectID)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.State.Version)

	// The committed state stays committed; publishing was retried to exhaustion.
	latest, err := store.GetLatest(context.Background(), subjectID)
	require.NoError(t, err)
	assert.Equal(t, resp.State.StateID, latest.StateID)
	assert.Equal(t, 3, publisher.attempts)
}

func TestUnchangedSignificanceProducesNoDelta(t *testing.T) {
	store := NewMemoryStore()
	coordinator := newTestCoordinator(fakeFuser{}, store, &fakePublisher{}, nil)

	subjectID := uuid.New()
	_, err := coordinator.RunUpdateCycle(context.Background(), subjectID)
	require.NoError(t, err)

	resp, err := coordinator.RunUpdateCycle(context.Background(), subjectID)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.State.Version)
	assert.Empty(t, resp.Changes)
}

func TestSubjectLookupFailurePropagates(t *testing.T) {
	coordinator := NewCoordinator(
		fakeSubjects{err: context.DeadlineExceeded},
		fakeObservations{},
		fakeDetector{},
		fakeFuser{},
		NewMemoryStore(),
		&fakePublisher{},
		CoordinatorConfig{},
	)

	_, err := coordinator.RunUpdateCycle(context.Background(), uuid.New())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
