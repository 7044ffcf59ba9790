package config

import (
	"bytes"
	"fmt"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	elementalError "github.com/rancher-sandbox/hostagent/pkg/error"
	"github.com/rancher-sandbox/hostagent/pkg/types"
)

// LoadHostConfiguration reads and strictly decodes a host configuration
// document from path: unknown fields are rejected rather than silently
// ignored, since a typo in a kebab-case key here would otherwise realize
// the wrong storage layout on real disks. The document is versionless
// YAML, matching the schema types.HostConfiguration already declares
// through its yaml struct tags.
func LoadHostConfiguration(fs afero.Fs, path string) (types.HostConfiguration, error) {
	var cfg types.HostConfiguration

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return cfg, elementalError.Wrap(err, elementalError.KindEnvironment, elementalError.ReadingHostConfiguration,
			fmt.Sprintf("failed to read host configuration %q", path))
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return cfg, elementalError.Wrap(err, elementalError.KindInvalidConfiguration, elementalError.ReadingHostConfiguration,
			fmt.Sprintf("failed to parse host configuration %q", path))
	}
	return cfg, nil
}
