package rotation

import (
	"fmt"
	"os"

	"github.com/hengadev/credvault"
	"gopkg.in/yaml.v3"
)

// TargetsFile is the YAML document listing the secrets `rotate --all`
// rotates:
//
//	targets:
//	  - secret: jwt
//	    field: secret_key
//	  - secret: flask
//	    field: secret_key
type TargetsFile struct {
	Targets []Request `yaml:"targets"`
}

// LoadTargets reads a targets file. Values are always generated; a file
// never carries secret material.
func LoadTargets(path string) ([]Request, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading targets file: %w", credvault.ErrConfiguration, err)
	}
	return ParseTargets(raw)
}

func ParseTargets(raw []byte) ([]Request, error) {
	var f TargetsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: parsing targets file: %w", credvault.ErrConfiguration, err)
	}
	if len(f.Targets) == 0 {
		return nil, credvault.NewConfigurationError("targets", "no rotation targets listed")
	}

	seen := make(map[string]bool, len(f.Targets))
	for i, t := range f.Targets {
		if t.Path == "" {
			return nil, credvault.NewConfigurationError("targets", fmt.Sprintf("entry %d has no secret name", i))
		}
		if seen[t.key()] {
			return nil, credvault.NewConfigurationError("targets", fmt.Sprintf("%s is listed twice", t.key()))
		}
		seen[t.key()] = true
	}
	return f.Targets, nil
}
