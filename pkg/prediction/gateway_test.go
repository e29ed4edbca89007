package prediction

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/neurotwin/platform/pkg/common/logger"
	"github.com/neurotwin/platform/pkg/common/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger.Init()
	os.Exit(m.Run())
}

func newTestGateway(t *testing.T, handler http.HandlerFunc) *Gateway {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewGateway(GatewayConfig{
		Source:          models.SourceLanguage,
		BaseURL:         server.URL,
		Deadline:        2 * time.Second,
		ConfidenceFloor: 0.1,
		MaxInflight:     4,
	})
}

func unavailableReason(t *testing.T, err error) UnavailableReason {
	t.Helper()
	var unavail *UnavailableError
	require.ErrorAs(t, err, &unavail)
	require.NotEmpty(t, unavail.ProvenanceID)
	require.Equal(t, models.SourceLanguage, unavail.Source)
	return unavail.Reason
}

func TestGatewayNormalizesClaims(t *testing.T) {
	headers := make(chan string, 1)
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Get("X-Provenance-ID")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"claims": [
				{"target_kind": "brain_region", "target_name": "prefrontal_cortex", "value": 1.4, "confidence": 0.9, "significance": "moderate"},
				{"target_kind": "neurotransmitter", "target_name": "dopamine", "value": -0.2, "confidence": 0.7},
				{"target_kind": "clinical_factor", "target_name": "relapse_risk", "confidence": 0.05, "significance": "high"}
			],
			"confidence_overall": 0.8,
			"model_version": "lang-2.3.1"
		}`))
	})

	result, err := gw.Invoke(context.Background(), uuid.New(), nil)
	require.NoError(t, err)

	assert.Equal(t, models.SourceLanguage, result.Source)
	assert.Equal(t, "lang-2.3.1", result.ModelVersion)
	assert.Equal(t, <-headers, result.ProvenanceID)

	// The 0.05-confidence claim falls below the floor and is dropped.
	require.Len(t, result.Claims, 2)
	assert.Equal(t, "prefrontal_cortex", result.Claims[0].Target.Name)
	assert.Equal(t, 1.0, result.Claims[0].Value)
	assert.Equal(t, models.SignificanceModerate, result.Claims[0].Significance)
	assert.Equal(t, "dopamine", result.Claims[1].Target.Name)
	assert.Equal(t, 0.0, result.Claims[1].Value)
}

func TestGatewayRejectsMalformedBody(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"claims": [`))
	})

	_, err := gw.Invoke(context.Background(), uuid.New(), nil)
	assert.Equal(t, ReasonMalformedResponse, unavailableReason(t, err))
}

func TestGatewayRejectsUnknownTargetKind(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"claims": [{"target_kind": "gene", "target_name": "comt", "confidence": 0.5}]}`))
	})

	_, err := gw.Invoke(context.Background(), uuid.New(), nil)
	assert.Equal(t, ReasonMalformedResponse, unavailableReason(t, err))
}

func TestGatewayRejectsUnknownSignificance(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"claims": [{"target_kind": "clinical_factor", "target_name": "relapse_risk", "confidence": 0.8, "significance": "catastrophic"}]}`))
	})

	_, err := gw.Invoke(context.Background(), uuid.New(), nil)
	assert.Equal(t, ReasonMalformedResponse, unavailableReason(t, err))
}

func TestGatewayRejectsConfidenceOutOfRange(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"claims": [{"target_kind": "brain_region", "target_name": "amygdala", "confidence": 1.2}]}`))
	})

	_, err := gw.Invoke(context.Background(), uuid.New(), nil)
	assert.Equal(t, ReasonMalformedResponse, unavailableReason(t, err))
}

func TestGatewayMapsBackendRejection(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	})

	_, err := gw.Invoke(context.Background(), uuid.New(), nil)
	assert.Equal(t, ReasonBackendRejected, unavailableReason(t, err))
}

func TestGatewayMapsDeadlineToTimeout(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server notices the client disconnect and
		// cancels the request context; otherwise Close hangs on this conn.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	})
	gw.deadline = 50 * time.Millisecond

	start := time.Now()
	_, err := gw.Invoke(context.Background(), uuid.New(), nil)
	assert.Equal(t, ReasonTimeout, unavailableReason(t, err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestGatewayMapsConnectionFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close()

	gw := NewGateway(GatewayConfig{
		Source:          models.SourceLanguage,
		BaseURL:         server.URL,
		Deadline:        time.Second,
		ConfidenceFloor: 0.1,
	})

	_, err := gw.Invoke(context.Background(), uuid.New(), nil)
	assert.Equal(t, ReasonConnectionFailed, unavailableReason(t, err))
}

func TestGatewayEmptyClaimSetIsStillAResult(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"claims": [], "model_version": "lang-2.3.1"}`))
	})

	result, err := gw.Invoke(context.Background(), uuid.New(), nil)
	require.NoError(t, err)
	assert.Empty(t, result.Claims)
}

func TestIsDeadlineError(t *testing.T) {
	assert.True(t, isDeadlineError(context.DeadlineExceeded))
	assert.False(t, isDeadlineError(errors.New("connection refused")))
}
