package radsecmetrics

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadLabelOverrides reads an optional file naming extra constant labels
// (e.g. site, datacenter) to attach to every metric this package exposes.
// A missing file is not an error: it returns nil, nil, since the overrides
// are opt-in.
func LoadLabelOverrides(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("radsecmetrics: read label overrides %s: %w", path, err)
	}

	var labels map[string]string
	if err := yaml.Unmarshal(data, &labels); err != nil {
		return nil, fmt.Errorf("radsecmetrics: parse label overrides %s: %w", path, err)
	}

	return labels, nil
}
