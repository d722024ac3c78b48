package feeders

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// YamlFeeder is a feeder that reads a YAML file into a target struct.
type YamlFeeder struct {
	Path string
}

// NewYamlFeeder creates a new YamlFeeder that reads from the specified YAML file.
func NewYamlFeeder(filePath string) *YamlFeeder {
	return &YamlFeeder{Path: filePath}
}

// Feed reads the YAML file and unmarshals it into target.
func (y *YamlFeeder) Feed(target interface{}) error {
	content, err := os.ReadFile(y.Path)
	if err != nil {
		return fmt.Errorf("yaml feed: reading %s: %w", y.Path, err)
	}
	if err := yaml.Unmarshal(content, target); err != nil {
		return fmt.Errorf("yaml feed: unmarshaling %s: %w", y.Path, err)
	}
	return nil
}
