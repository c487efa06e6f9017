package inbox

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Preset names a reusable option bundle a share action can reference by id.
type Preset struct {
	ID      string         `yaml:"id"`
	Name    string         `yaml:"name"`
	Options map[string]any `yaml:"options"`
}

type presetFile struct {
	Presets []Preset `yaml:"presets"`
}

// LoadPresets reads preset definitions from a yaml file. A missing file is
// not an error; shares then dispatch with backend defaults.
func LoadPresets(path string) ([]Preset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read presets: %w", err)
	}

	var f presetFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse presets: %w", err)
	}

	for i, p := range f.Presets {
		if p.ID == "" {
			return nil, fmt.Errorf("preset %d has no id", i)
		}
	}
	return f.Presets, nil
}
