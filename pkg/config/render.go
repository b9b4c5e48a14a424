package config

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

const renderHeader = `# sttq configuration
# Priority: command-line flag > STTQ_* environment variable > this file > default.
# Durations accept Go duration strings: 30s, 2m, 1h30m.

`

// Render encodes cfg as the YAML written by "sttq init".
func Render(cfg Config) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(renderHeader)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return buf.Bytes(), nil
}
