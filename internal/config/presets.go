package config

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/stratexbot/stratex/internal/grid"
)

// PresetLevel is one DCA rung in a preset file. Values are strings so the
// YAML stays exact; they parse to decimals on instantiation.
type PresetLevel struct {
	Gap    string `yaml:"gap"`
	Weight string `yaml:"weight"`
	TP     string `yaml:"tp"`
}

// Preset is a named grid template users can instantiate for a pair.
type Preset struct {
	Name               string        `yaml:"name"`
	Description        string        `yaml:"description"`
	TPMode             string        `yaml:"tp_mode"`
	TPAggregatePercent string        `yaml:"tp_aggregate_percent"`
	MaxPyramids        int           `yaml:"max_pyramids"`
	Capital            string        `yaml:"capital"`
	Levels             []PresetLevel `yaml:"levels"`
}

type presetFile struct {
	Presets []Preset `yaml:"presets"`
}

// defaultPresets ships three ladders; DCA_PRESETS_PATH replaces them wholesale.
const defaultPresets = `presets:
  - name: conservative
    description: shallow two-leg ladder, aggregate exit
    tp_mode: aggregate
    tp_aggregate_percent: "1.0"
    max_pyramids: 2
    capital: "500"
    levels:
      - {gap: "0", weight: "50", tp: "1.0"}
      - {gap: "-1.5", weight: "50", tp: "1.0"}
  - name: standard
    description: four-leg ladder weighted toward the deepest rung
    tp_mode: per_leg
    tp_aggregate_percent: "1.5"
    max_pyramids: 3
    capital: "1000"
    levels:
      - {gap: "0", weight: "20", tp: "1.0"}
      - {gap: "-0.5", weight: "20", tp: "0.5"}
      - {gap: "-1", weight: "20", tp: "0.5"}
      - {gap: "-2", weight: "40", tp: "0.5"}
  - name: aggressive
    description: six deep legs, hybrid exits, full pyramid stack
    tp_mode: hybrid
    tp_aggregate_percent: "2.0"
    max_pyramids: 5
    capital: "2000"
    levels:
      - {gap: "0", weight: "10", tp: "1.5"}
      - {gap: "-1", weight: "10", tp: "1.0"}
      - {gap: "-2", weight: "15", tp: "1.0"}
      - {gap: "-3.5", weight: "15", tp: "0.8"}
      - {gap: "-5", weight: "20", tp: "0.8"}
      - {gap: "-7.5", weight: "30", tp: "0.5"}
`

// LoadPresets parses the preset catalog, from path when set, otherwise the
// embedded defaults.
func LoadPresets(path string) (map[string]Preset, error) {
	raw := []byte(defaultPresets)
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read DCA presets %s: %w", path, err)
		}
		raw = b
	}

	var file presetFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse DCA presets: %w", err)
	}
	if len(file.Presets) == 0 {
		return nil, fmt.Errorf("DCA preset catalog is empty")
	}

	out := make(map[string]Preset, len(file.Presets))
	for _, p := range file.Presets {
		if p.Name == "" {
			return nil, fmt.Errorf("DCA preset without a name")
		}
		if _, err := p.GridLevels(); err != nil {
			return nil, fmt.Errorf("preset %q: %w", p.Name, err)
		}
		out[p.Name] = p
	}
	return out, nil
}

// GridLevels converts the preset's string levels into calculator levels.
func (p Preset) GridLevels() ([]grid.Level, error) {
	levels := make([]grid.Level, 0, len(p.Levels))
	for i, lv := range p.Levels {
		gap, err := decimal.NewFromString(lv.Gap)
		if err != nil {
			return nil, fmt.Errorf("level %d gap %q: %w", i, lv.Gap, err)
		}
		weight, err := decimal.NewFromString(lv.Weight)
		if err != nil {
			return nil, fmt.Errorf("level %d weight %q: %w", i, lv.Weight, err)
		}
		tp, err := decimal.NewFromString(lv.TP)
		if err != nil {
			return nil, fmt.Errorf("level %d tp %q: %w", i, lv.TP, err)
		}
		levels = append(levels, grid.Level{GapPercent: gap, WeightPercent: weight, TPPercent: tp})
	}
	return levels, nil
}

// CapitalDecimal parses the preset's capital.
func (p Preset) CapitalDecimal() decimal.Decimal {
	d, err := decimal.NewFromString(p.Capital)
	if err != nil {
		return decimal.Zero
	}
	return d
}
