package config

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/hxopt/optimization-core/pkg/utils"
)

// ParseConfigYAML parses a Config from YAML bytes and validates it.
// Unset fields fall back to defaults.
func ParseConfigYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config yaml: %w", err)
	}

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// ParseConfigYAMLString parses a Config from a YAML string and validates it.
func ParseConfigYAMLString(yamlText string) (*Config, error) {
	return ParseConfigYAML([]byte(yamlText))
}

// ParseScenarioYAML parses a Scenario from YAML bytes and validates it.
// This is used for APIs where the scenario is provided as payload
// (not via filesystem). A scenario that omits its ID is assigned a
// generated one before validation.
func ParseScenarioYAML(data []byte) (*Scenario, error) {
	var scenario Scenario
	if err := yaml.Unmarshal(data, &scenario); err != nil {
		return nil, fmt.Errorf("failed to parse scenario yaml: %w", err)
	}
	if scenario.ID == "" {
		scenario.ID = utils.GenerateScenarioID()
	}

	if err := ValidateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// ParseScenarioYAMLString parses a Scenario from a YAML string and validates it.
func ParseScenarioYAMLString(yamlText string) (*Scenario, error) {
	return ParseScenarioYAML([]byte(yamlText))
}

// MarshalScenarioYAML serializes a Scenario back to YAML
func MarshalScenarioYAML(scenario *Scenario) (string, error) {
	data, err := yaml.Marshal(scenario)
	if err != nil {
		return "", fmt.Errorf("failed to marshal scenario: %w", err)
	}
	return string(data), nil
}
