package temporal

import (
	"errors"
	"os"
	"path/filepath"
	"sort"

	"github.com/neurotwin/platform/pkg/common/models"
	"gopkg.in/yaml.v3"
)

// SignificanceBand maps a score floor to a clinical significance level.
// A pattern's score (confidence x strength) must strictly exceed Above to
// enter the band; a score exactly on a boundary stays in the band below.
type SignificanceBand struct {
	Level models.ClinicalSignificance `yaml:"level" json:"level"`
	Above float64                     `yaml:"above" json:"above"`
}

type SignificanceTable struct {
	Bands []SignificanceBand `yaml:"bands" json:"bands"`
}

func LoadSignificanceTable(path string) (SignificanceTable, error) {
	if path == "" {
		return DefaultSignificanceTable(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return DefaultSignificanceTable(), err
	}

	var table SignificanceTable
	if err := yaml.Unmarshal(content, &table); err != nil {
		return SignificanceTable{}, err
	}
	if len(table.Bands) == 0 {
		return SignificanceTable{}, errors.New("no significance bands configured")
	}
	sort.Slice(table.Bands, func(i, j int) bool {
		return table.Bands[i].Above < table.Bands[j].Above
	})
	return table, nil
}

func DefaultSignificanceTable() SignificanceTable {
	return SignificanceTable{Bands: []SignificanceBand{
		{Level: models.SignificanceNone, Above: -1},
		{Level: models.SignificanceLow, Above: 0.15},
		{Level: models.SignificanceModerate, Above: 0.35},
		{Level: models.SignificanceHigh, Above: 0.55},
		{Level: models.SignificanceCritical, Above: 0.8},
	}}
}

// Classify thresholds confidence x strength against the table. The strict
// comparison biases boundary scores toward the lower band; over-claiming
// clinical significance is the costlier error.
func (t SignificanceTable) Classify(confidence, strength float64) models.ClinicalSignificance {
	score := confidence * strength
	level := models.SignificanceNone
	for _, band := range t.Bands {
		if score > band.Above {
			level = band.Level
		}
	}
	return level
}
