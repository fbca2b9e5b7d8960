package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml"
	"gopkg.in/yaml.v3"
)

// fileConfig is the on-disk project configuration. TOML and YAML files share
// the same keys.
type fileConfig struct {
	Shape    string          `toml:"shape" yaml:"shape"`
	Emit     string          `toml:"emit" yaml:"emit"`
	Output   string          `toml:"output" yaml:"output"`
	Target   string          `toml:"target" yaml:"target"`
	Color    *bool           `toml:"color" yaml:"color"`
	Warnings map[string]bool `toml:"warnings" yaml:"warnings"`
	Features map[string]bool `toml:"features" yaml:"features"`
}

// LoadFile reads a .toml, .yaml or .yml project file and applies it to c.
// Command-line flags are expected to be applied afterwards.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("could not read config file '%s': %w", path, err)
	}

	var fc fileConfig
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		err = toml.Unmarshal(data, &fc)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &fc)
	default:
		return fmt.Errorf("unsupported config file format '%s' (want .toml, .yaml or .yml)", ext)
	}
	if err != nil {
		return fmt.Errorf("could not parse config file '%s': %w", path, err)
	}
	return c.apply(&fc)
}

func (c *Config) apply(fc *fileConfig) error {
	if fc.Shape != "" {
		if err := c.SetShape(fc.Shape); err != nil {
			return err
		}
	}
	if fc.Emit != "" {
		if err := c.SetEmit(fc.Emit); err != nil {
			return err
		}
	}
	if fc.Output != "" {
		c.Output = fc.Output
	}
	if fc.Target != "" {
		c.QbeTarget = fc.Target
	}
	if fc.Color != nil {
		c.Color = *fc.Color
	}

	for _, name := range sortedKeys(fc.Warnings) {
		w, ok := c.WarningMap[name]
		if !ok {
			return fmt.Errorf("unknown warning '%s' in config file", name)
		}
		c.SetWarning(w, fc.Warnings[name])
	}
	for _, name := range sortedKeys(fc.Features) {
		f, ok := c.FeatureMap[name]
		if !ok {
			return fmt.Errorf("unknown feature '%s' in config file", name)
		}
		c.SetFeature(f, fc.Features[name])
	}
	return nil
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
