package policy

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Load reads a policy document from a YAML file. An empty path returns the
// default policy; a missing file is an error so a misconfigured path never
// silently weakens admission.
func Load(path string) (*Policy, error) {
	if path == "" {
		return Default(), nil
	}

	raw, err := os.ReadFile(path) // #nosec G304 - operator-configured path
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}

	pol := Default()
	if err := yaml.Unmarshal(raw, pol); err != nil {
		return nil, fmt.Errorf("parsing policy file %s: %w", path, err)
	}
	if pol.VersionTag == "" || pol.VersionTag == "default" {
		pol.VersionTag = path
	}

	log.Info().
		Str("path", path).
		Str("version", pol.VersionTag).
		Msg("policy_loaded")
	return pol, nil
}
