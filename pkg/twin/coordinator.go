package twin

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/neurotwin/platform/pkg/common/logger"
	"github.com/neurotwin/platform/pkg/common/models"
	"github.com/neurotwin/platform/pkg/fusion"
	"github.com/neurotwin/platform/pkg/observability/metrics"
)

var (
	ErrConcurrentUpdateExhausted = errors.New("concurrent update retries exhausted")
	ErrCoordinatorTimeout        = errors.New("update cycle deadline exceeded")
)

// CycleState names the phases of one update cycle, for logging and tests.
type CycleState string

const (
	StateIdle       CycleState = "idle"
	StateFetching   CycleState = "fetching"
	StateFusing     CycleState = "fusing"
	StateCommitting CycleState = "committing"
	StateCommitted  CycleState = "committed"
	StateRetrying   CycleState = "retrying"
	StateFailed     CycleState = "failed"
)

// Collaborator contracts. The concrete implementations live in pkg/subject,
// pkg/temporal, pkg/fusion, and pkg/common/kafka.
type SubjectGetter interface {
	Get(ctx context.Context, id uuid.UUID) (models.Subject, error)
}

type ObservationReader interface {
	GetWindow(ctx context.Context, subjectID uuid.UUID, since, until time.Time) ([]models.TemporalSequence, error)
}

type PatternDetector interface {
	Detect(sequences []models.TemporalSequence, window time.Duration) []models.TemporalPattern
}

type Fuser interface {
	FuseDeferred(ctx context.Context, subjectID uuid.UUID, previous *models.DigitalTwinState, patterns func() []models.TemporalPattern, subjectContext map[string]interface{}) (fusion.Result, error)
}

type EventPublisher interface {
	PublishEvent(ctx context.Context, eventType string, source string, data map[string]interface{}) error
}

// Coordinator drives one update cycle end to end: fetch context and history,
// fuse, commit with bounded optimistic retries, then emit domain events.
type Coordinator struct {
	subjects     SubjectGetter
	observations ObservationReader
	detector     PatternDetector
	engine       Fuser
	store        StateStore
	publisher    EventPublisher

	patternWindow time.Duration
	maxRetries    int
	cycleTimeout  time.Duration
}

type CoordinatorConfig struct {
	PatternWindow time.Duration
	MaxRetries    int
	CycleTimeout  time.Duration
}

func NewCoordinator(subjects SubjectGetter, observations ObservationReader, detector PatternDetector, engine Fuser, store StateStore, publisher EventPublisher, cfg CoordinatorConfig) *Coordinator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = 90 * time.Second
	}
	if cfg.PatternWindow <= 0 {
		cfg.PatternWindow = 30 * 24 * time.Hour
	}
	return &Coordinator{
		subjects:      subjects,
		observations:  observations,
		detector:      detector,
		engine:        engine,
		store:         store,
		publisher:     publisher,
		patternWindow: cfg.PatternWindow,
		maxRetries:    cfg.MaxRetries,
		cycleTimeout:  cfg.CycleTimeout,
	}
}

// RunUpdateCycle executes one cycle for the subject. It returns either a
// committed state or one typed failure: fusion.ErrFusionUnavailable,
// ErrConcurrentUpdateExhausted, ErrCoordinatorTimeout, or a subject error.
// Each retry re-reads fresh state rather than reapplying a stale candidate.
func (c *Coordinator) RunUpdateCycle(ctx context.Context, subjectID uuid.UUID) (models.UpdateCycleResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cycleTimeout)
	defer cancel()

	metrics.ObserveCycleStarted()
	c.logTransition(subjectID, StateIdle, StateFetching, 0)

	subject, err := c.subjects.Get(ctx, subjectID)
	if err != nil {
		metrics.ObserveCycleFailed()
		return models.UpdateCycleResponse{}, err
	}
	subjectContext := buildSubjectContext(subject)

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			metrics.ObserveCycleFailed()
			return models.UpdateCycleResponse{}, ErrCoordinatorTimeout
		}

		previous, prevVersion, err := c.fetchLatest(ctx, subjectID)
		if err != nil {
			metrics.ObserveCycleFailed()
			return models.UpdateCycleResponse{}, err
		}

		now := time.Now().UTC()
		sequences, err := c.observations.GetWindow(ctx, subjectID, now.Add(-c.patternWindow), now)
		if err != nil {
			metrics.ObserveCycleFailed()
			return models.UpdateCycleResponse{}, err
		}

		c.logTransition(subjectID, StateFetching, StateFusing, attempt)

		// Pattern detection overlaps the gateway fan-out; the engine
		// collects the patterns only when it is ready to merge.
		patternsCh := make(chan []models.TemporalPattern, 1)
		go func() {
			patterns := c.detector.Detect(sequences, c.patternWindow)
			metrics.ObservePatternsDetected(len(patterns))
			patternsCh <- patterns
		}()

		result, err := c.engine.FuseDeferred(ctx, subjectID, previous, func() []models.TemporalPattern { return <-patternsCh }, subjectContext)
		if err != nil {
			metrics.ObserveCycleFailed()
			if ctx.Err() != nil {
				// The sources looked unavailable because the cycle's own
				// deadline elapsed and cancelled them.
				c.logTransition(subjectID, StateFusing, StateFailed, attempt)
				return models.UpdateCycleResponse{}, ErrCoordinatorTimeout
			}
			c.logTransition(subjectID, StateFusing, StateFailed, attempt)
			return models.UpdateCycleResponse{}, err
		}
		if len(result.MissingSources) > 0 {
			metrics.ObserveDegradedFusion()
		}

		c.logTransition(subjectID, StateFusing, StateCommitting, attempt)

		err = c.store.Commit(ctx, result.Candidate, prevVersion)
		var conflict *VersionConflictError
		if errors.As(err, &conflict) {
			metrics.ObserveVersionConflict()
			c.logTransition(subjectID, StateCommitting, StateRetrying, attempt)
			logger.Log.WithFields(map[string]interface{}{
				"subject_id":    subjectID,
				"expected":      conflict.Expected,
				"actual_latest": conflict.ActualLatest,
				"attempt":       attempt,
			}).Warn("Version conflict, refetching latest state")
			continue
		}
		if err != nil {
			metrics.ObserveCycleFailed()
			if ctx.Err() != nil {
				return models.UpdateCycleResponse{}, ErrCoordinatorTimeout
			}
			c.logTransition(subjectID, StateCommitting, StateFailed, attempt)
			return models.UpdateCycleResponse{}, err
		}

		metrics.ObserveCycleCommitted()
		c.logTransition(subjectID, StateCommitting, StateCommitted, attempt)

		changes := diffSignificance(previous, result.Candidate)
		c.emitEvents(subjectID, result, changes)

		return models.UpdateCycleResponse{
			State:          result.Candidate,
			MissingSources: result.MissingSources,
			Changes:        changes,
		}, nil
	}

	metrics.ObserveCycleFailed()
	c.logTransition(subjectID, StateRetrying, StateFailed, c.maxRetries)
	return models.UpdateCycleResponse{}, ErrConcurrentUpdateExhausted
}

func (c *Coordinator) fetchLatest(ctx context.Context, subjectID uuid.UUID) (*models.DigitalTwinState, int, error) {
	latest, err := c.store.GetLatest(ctx, subjectID)
	if errors.Is(err, ErrStateNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return &latest, latest.Version, nil
}

// emitEvents publishes post-commit domain events. Publishing happens after the
// commit and is retried a few times; a persistent publish failure is logged
// and surfaced via metrics but never rolls back a committed state.
func (c *Coordinator) emitEvents(subjectID uuid.UUID, result fusion.Result, changes []models.SignificanceChange) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	changePayload := make([]map[string]interface{}, 0, len(changes))
	for _, change := range changes {
		changePayload = append(changePayload, map[string]interface{}{
			"target":   change.Target,
			"previous": string(change.Previous),
			"current":  string(change.Current),
		})
	}

	c.publishWithRetry(ctx, models.EventTwinUpdated, map[string]interface{}{
		"subject_id":         subjectID.String(),
		"version":            result.Candidate.Version,
		"significance_delta": changePayload,
	})

	if len(result.MissingSources) > 0 {
		missing := make([]string, 0, len(result.MissingSources))
		for _, source := range result.MissingSources {
			missing = append(missing, string(source))
		}
		c.publishWithRetry(ctx, models.EventFusionDegraded, map[string]interface{}{
			"subject_id":      subjectID.String(),
			"missing_sources": missing,
			"version":         result.Candidate.Version,
		})
	}
}

func (c *Coordinator) publishWithRetry(ctx context.Context, eventType string, data map[string]interface{}) {
	delay := 100 * time.Millisecond
	var err error
retries:
	for attempt := 0; attempt < 3; attempt++ {
		if err = c.publisher.PublishEvent(ctx, eventType, "twin-coordinator", data); err == nil {
			return
		}
		select {
		case <-time.After(delay):
			delay *= 2
		case <-ctx.Done():
			break retries
		}
	}
	metrics.ObserveEventDropped()
	logger.Log.WithError(err).WithField("event_type", eventType).Error("Giving up on event publish")
}

// diffSignificance computes the clinical-significance transitions between two
// consecutive states, the payload downstream alerting keys on.
func diffSignificance(previous *models.DigitalTwinState, current models.DigitalTwinState) []models.SignificanceChange {
	var changes []models.SignificanceChange

	prevRegions := map[string]models.ClinicalSignificance{}
	prevTransmitters := map[string]models.ClinicalSignificance{}
	prevInsights := map[string]models.ClinicalSignificance{}
	if previous != nil {
		for name, region := range previous.BrainRegions {
			prevRegions[name] = region.Significance
		}
		for name, nt := range previous.Neurotransmitters {
			prevTransmitters[name] = nt.Significance
		}
		for _, insight := range previous.ClinicalInsights {
			prevInsights[insight.Factor] = insight.Significance
		}
	}

	for name, region := range current.BrainRegions {
		if before := orNone(prevRegions[name]); before != region.Significance {
			changes = append(changes, models.SignificanceChange{
				Target:   "brain_region:" + name,
				Previous: before,
				Current:  region.Significance,
			})
		}
	}
	for name, nt := range current.Neurotransmitters {
		if before := orNone(prevTransmitters[name]); before != nt.Significance {
			changes = append(changes, models.SignificanceChange{
				Target:   "neurotransmitter:" + name,
				Previous: before,
				Current:  nt.Significance,
			})
		}
	}
	for _, insight := range current.ClinicalInsights {
		if before := orNone(prevInsights[insight.Factor]); before != insight.Significance {
			changes = append(changes, models.SignificanceChange{
				Target:   "clinical_factor:" + insight.Factor,
				Previous: before,
				Current:  insight.Significance,
			})
		}
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].Target < changes[j].Target })
	return changes
}

func orNone(s models.ClinicalSignificance) models.ClinicalSignificance {
	if s == "" {
		return models.SignificanceNone
	}
	return s
}

func buildSubjectContext(subject models.Subject) map[string]interface{} {
	return map[string]interface{}{
		"subject_id":          subject.ID.String(),
		"identity_class":      string(subject.IdentityClass),
		"demographic_factors": subject.DemographicFactors,
		"clinical_factors":    subject.ClinicalFactors,
	}
}

func (c *Coordinator) logTransition(subjectID uuid.UUID, from, to CycleState, attempt int) {
	logger.Log.WithFields(map[string]interface{}{
		"subject_id": subjectID,
		"from":       string(from),
		"to":         string(to),
		"attempt":    attempt,
	}).Debug("Cycle transition")
}
