package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
)

// Load reads a TOML file over Default() and validates the result.
// Unknown keys are reported as errors so typos do not silently fall back
// to defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("toml.DecodeFile(%s): %w", path, err)
	}

	var result *multierror.Error
	for _, key := range md.Undecoded() {
		result = multierror.Append(result, fmt.Errorf("unknown key %q", key.String()))
	}
	for _, err := range cfg.Validate() {
		result = multierror.Append(result, err)
	}

	if err := result.ErrorOrNil(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}
