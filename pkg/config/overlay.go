package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// overlayFile is the top-level YAML structure of ENGINE_CONFIG.
// Keys absent from the file keep their env/default values.
type overlayFile struct {
	Limits  *Limits  `yaml:"limits"`
	Engines *Engines `yaml:"engines"`
}

func (c *Config) applyOverlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read engine config: %w", err)
	}
	return c.mergeOverlay(data)
}

func (c *Config) mergeOverlay(data []byte) error {
	file := overlayFile{Limits: &c.Limits, Engines: &c.Engines}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse engine config: %w", err)
	}
	return nil
}
