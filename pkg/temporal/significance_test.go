package temporal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/neurotwin/platform/pkg/common/models"
)

func TestLoadSignificanceTableFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bands.yaml")
	content := []byte(`bands:
  - level: critical
    above: 0.9
  - level: none
    above: -1
  - level: moderate
    above: 0.4
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	table, err := LoadSignificanceTable(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(table.Bands) != 3 {
		t.Fatalf("expected 3 bands, got %d", len(table.Bands))
	}
	// Bands come back sorted by floor regardless of file order.
	if table.Bands[0].Level != models.SignificanceNone || table.Bands[2].Level != models.SignificanceCritical {
		t.Fatalf("bands not sorted: %+v", table.Bands)
	}

	if got := table.Classify(1.0, 0.5); got != models.SignificanceModerate {
		t.Fatalf("expected moderate, got %s", got)
	}
	if got := table.Classify(1.0, 0.95); got != models.SignificanceCritical {
		t.Fatalf("expected critical, got %s", got)
	}
}

func TestLoadSignificanceTableMissingFileFallsBack(t *testing.T) {
	table, err := LoadSignificanceTable("/nonexistent/bands.yaml")
	if err == nil {
		t.Fatal("expected an error for a missing file")
	}
	if len(table.Bands) == 0 {
		t.Fatal("expected the default table alongside the error")
	}
}

func TestLoadSignificanceTableRejectsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	if err := os.WriteFile(path, []byte("bands: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSignificanceTable(path); err == nil {
		t.Fatal("expected an error for an empty band table")
	}
}

func TestLoadSignificanceTableEmptyPathUsesDefault(t *testing.T) {
	table, err := LoadSignificanceTable("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := table.Classify(0.9, 0.9); got != models.SignificanceCritical {
		t.Fatalf("expected critical, got %s", got)
	}
}
