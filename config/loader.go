package config

import (
	"errors"
	"fmt"

	"github.com/fieldkernel/core/feeders"
)

// ErrConfigCannotBeNil is returned by Load when target is nil.
var ErrConfigCannotBeNil = errors.New("config: target cannot be nil")

// Loader applies a sequence of feeders over CoreConfig's defaults, later
// feeders overriding earlier ones — matching the precedence order an
// operator expects: defaults, then a config file, then environment
// variables.
type Loader struct {
	feeders []Feeder
}

// NewLoader constructs a Loader with no feeders configured.
func NewLoader() *Loader {
	return &Loader{}
}

// AddFeeder appends a feeder to the load chain. Order matters: later
// feeders override fields set by earlier ones.
func (l *Loader) AddFeeder(f Feeder) {
	l.feeders = append(l.feeders, f)
}

// Load starts from Default() and applies every registered feeder in order,
// returning the resulting CoreConfig.
func (l *Loader) Load() (*CoreConfig, error) {
	cfg := Default()
	for i, f := range l.feeders {
		if err := f.Feed(cfg); err != nil {
			return nil, fmt.Errorf("config: feeder %d: %w", i, err)
		}
	}
	return cfg, nil
}

// NewDefaultLoader wires the standard precedence chain: an optional YAML
// file (if path is non-empty) followed by environment variables, matching
// the layering the rest of the pack's feeders are built for.
func NewDefaultLoader(yamlPath string) *Loader {
	l := NewLoader()
	if yamlPath != "" {
		l.AddFeeder(feeders.NewYamlFeeder(yamlPath))
	}
	env := feeders.NewEnvFeeder()
	l.AddFeeder(&env)
	return l
}
