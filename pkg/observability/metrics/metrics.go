package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/neurotwin/platform/pkg/common/models"
)

var (
	fusionCyclesTotal     atomic.Int64
	fusionCommittedTotal  atomic.Int64
	fusionDegradedTotal   atomic.Int64
	fusionFailedTotal     atomic.Int64
	versionConflictsTotal atomic.Int64
	gatewayTimeoutLang    atomic.Int64
	gatewayTimeoutBehav   atomic.Int64
	gatewayTimeoutOutcome atomic.Int64
	patternsDetectedTotal atomic.Int64
	eventsDroppedTotal    atomic.Int64
)

func Init() {}

func ObserveCycleStarted()   { fusionCyclesTotal.Add(1) }
func ObserveCycleCommitted() { fusionCommittedTotal.Add(1) }
func ObserveCycleFailed()    { fusionFailedTotal.Add(1) }
func ObserveDegradedFusion() { fusionDegradedTotal.Add(1) }
func ObserveVersionConflict() { versionConflictsTotal.Add(1) }

func ObservePatternsDetected(count int) { patternsDetectedTotal.Add(int64(count)) }

func ObserveEventDropped() { eventsDroppedTotal.Add(1) }

func ObserveGatewayTimeout(source models.PredictionSource) {
	switch source {
	case models.SourceLanguage:
		gatewayTimeoutLang.Add(1)
	case models.SourceBehavioral:
		gatewayTimeoutBehav.Add(1)
	case models.SourceOutcome:
		gatewayTimeoutOutcome.Add(1)
	}
}

func WritePrometheus(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	fmt.Fprintf(w, "# HELP neurotwin_fusion_cycles_total Number of update cycles started.\n")
	fmt.Fprintf(w, "# TYPE neurotwin_fusion_cycles_total counter\n")
	fmt.Fprintf(w, "neurotwin_fusion_cycles_total %d\n", fusionCyclesTotal.Load())

	fmt.Fprintf(w, "# HELP neurotwin_fusion_committed_total Number of update cycles that committed a new state.\n")
	fmt.Fprintf(w, "# TYPE neurotwin_fusion_committed_total counter\n")
	fmt.Fprintf(w, "neurotwin_fusion_committed_total %d\n", fusionCommittedTotal.Load())

	fmt.Fprintf(w, "# HELP neurotwin_fusion_degraded_total Number of cycles fused from a partial source set.\n")
	fmt.Fprintf(w, "# TYPE neurotwin_fusion_degraded_total counter\n")
	fmt.Fprintf(w, "neurotwin_fusion_degraded_total %d\n", fusionDegradedTotal.Load())

	fmt.Fprintf(w, "# HELP neurotwin_fusion_failed_total Number of update cycles that failed.\n")
	fmt.Fprintf(w, "# TYPE neurotwin_fusion_failed_total counter\n")
	fmt.Fprintf(w, "neurotwin_fusion_failed_total %d\n", fusionFailedTotal.Load())

	fmt.Fprintf(w, "# HELP neurotwin_version_conflicts_total Number of optimistic-concurrency conflicts observed at commit.\n")
	fmt.Fprintf(w, "# TYPE neurotwin_version_conflicts_total counter\n")
	fmt.Fprintf(w, "neurotwin_version_conflicts_total %d\n", versionConflictsTotal.Load())

	fmt.Fprintf(w, "# HELP neurotwin_gateway_timeouts_total Gateway deadline misses by source.\n")
	fmt.Fprintf(w, "# TYPE neurotwin_gateway_timeouts_total counter\n")
	fmt.Fprintf(w, "neurotwin_gateway_timeouts_total{source=\"language\"} %d\n", gatewayTimeoutLang.Load())
	fmt.Fprintf(w, "neurotwin_gateway_timeouts_total{source=\"behavioral\"} %d\n", gatewayTimeoutBehav.Load())
	fmt.Fprintf(w, "neurotwin_gateway_timeouts_total{source=\"outcome\"} %d\n", gatewayTimeoutOutcome.Load())

	fmt.Fprintf(w, "# HELP neurotwin_patterns_detected_total Temporal patterns emitted by the detector.\n")
	fmt.Fprintf(w, "# TYPE neurotwin_patterns_detected_total counter\n")
	fmt.Fprintf(w, "neurotwin_patterns_detected_total %d\n", patternsDetectedTotal.Load())

	fmt.Fprintf(w, "# HELP neurotwin_events_dropped_total Domain events dropped after publish retries were exhausted.\n")
	fmt.Fprintf(w, "# TYPE neurotwin_events_dropped_total counter\n")
	fmt.Fprintf(w, "neurotwin_events_dropped_total %d\n", eventsDroppedTotal.Load())
}
