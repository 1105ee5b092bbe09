package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const fileHeader = `# keyfleet configuration
# Every key can be overridden with a KEYFLEET_* environment variable,
# e.g. KEYFLEET_CONTROLPLANE_CLIENT_SECRET.

`

// LoadYAMLConfig reads and parses a YAML configuration file on top of the
// defaults. Environment variables referenced as ${VAR_NAME} in the file are
// expanded before parsing.
func LoadYAMLConfig(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables: ${VAR_NAME}
	content := os.ExpandEnv(string(data))

	cfg := DefaultSettings()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// MarshalYAML renders settings as a config file body.
func MarshalYAML(s *Settings) ([]byte, error) {
	data, err := yaml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// WriteConfig writes settings to a YAML file readable only by the owner,
// since it carries the encryption key and OAuth secret.
func WriteConfig(path string, s *Settings) error {
	data, err := MarshalYAML(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append([]byte(fileHeader), data...), 0600)
}
