package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDroppedEventsAreExposed(t *testing.T) {
	before := eventsDroppedTotal.Load()
	ObserveEventDropped()
	ObserveEventDropped()
	if got := eventsDroppedTotal.Load(); got != before+2 {
		t.Fatalf("expected counter %d, got %d", before+2, got)
	}

	recorder := httptest.NewRecorder()
	WritePrometheus(recorder)

	body := recorder.Body.String()
	if !strings.Contains(body, "neurotwin_events_dropped_total") {
		t.Fatalf("exposition missing dropped-events counter:\n%s", body)
	}
	if !strings.Contains(body, "# TYPE neurotwin_events_dropped_total counter") {
		t.Fatal("dropped-events counter missing TYPE line")
	}
}
