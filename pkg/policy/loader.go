package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML policy file, fills defaults and validates it.
func Load(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("policy: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML strictly: unknown keys are errors. An empty document
// yields Default().
func Parse(data []byte) (Policy, error) {
	var policy Policy

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&policy); err != nil && !errors.Is(err, io.EOF) {
		return Policy{}, fmt.Errorf("policy: decode: %w", err)
	}

	policy.ApplyDefaults()
	if err := policy.Validate(); err != nil {
		return Policy{}, err
	}
	return policy, nil
}

// Marshal renders policy as YAML.
func Marshal(policy Policy) ([]byte, error) {
	data, err := yaml.Marshal(policy)
	if err != nil {
		return nil, fmt.Errorf("policy: encode: %w", err)
	}
	return data, nil
}
