package tribunal

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// seedFile is the on-disk layout of an admin profile import.
type seedFile struct {
	Profiles []seedProfile `yaml:"profiles"`
}

type seedProfile struct {
	Profile  `yaml:",inline"`
	Timeouts map[Operation]string `yaml:"timeouts"`
}

// LoadProfilesYAML reads and validates a profile seed file. Timeouts are Go
// duration strings ("90s", "2m").
func LoadProfilesYAML(path string) ([]Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile file: %w", err)
	}
	return ParseProfilesYAML(data)
}

// ParseProfilesYAML parses seed content already in memory.
func ParseProfilesYAML(data []byte) ([]Profile, error) {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse profile file: %w", err)
	}

	out := make([]Profile, 0, len(f.Profiles))
	for i, sp := range f.Profiles {
		p := sp.Profile
		if p.System == "" {
			p.System = "pje"
		}
		if len(sp.Timeouts) > 0 {
			p.CustomTimeouts = make(Timeouts, len(sp.Timeouts))
			for op, raw := range sp.Timeouts {
				d, err := time.ParseDuration(raw)
				if err != nil {
					return nil, fmt.Errorf("profile %d (%s): invalid %s timeout %q: %w", i, p.TribunalCode, op, raw, err)
				}
				p.CustomTimeouts[op] = d
			}
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("profile %d: %w", i, err)
		}
		if err := CheckAccessMix(&p, out); err != nil {
			return nil, fmt.Errorf("profile %d: %w", i, err)
		}
		out = append(out, p)
	}
	return out, nil
}
