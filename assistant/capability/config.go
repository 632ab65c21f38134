// Copyright 2026 Mira
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// fileRule is the YAML shape for one registry rule.
type fileRule struct {
	Pattern      string   `yaml:"pattern"`
	Capabilities []string `yaml:"capabilities"`
}

type fileConfig struct {
	Rules []fileRule `yaml:"rules"`
}

var knownCapabilities = map[string]Capability{
	string(Streaming):   Streaming,
	string(ToolCalling): ToolCalling,
	string(Multimodal):  Multimodal,
	string(JSONMode):    JSONMode,
	string(LongContext): LongContext,
	string(WebSearch):   WebSearch,
}

// Parse builds a Capability from its name.
func Parse(name string) (Capability, error) {
	c, ok := knownCapabilities[name]
	if !ok {
		return "", fmt.Errorf("unknown capability %q", name)
	}
	return c, nil
}

// Load builds a Registry from YAML rule config. Rule order in the file is
// preserved: first match wins at lookup time.
func Load(data []byte) (*Registry, error) {
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing capability rules: %w", err)
	}
	if len(cfg.Rules) == 0 {
		return nil, fmt.Errorf("capability rule file has no rules")
	}

	rules := make([]Rule, 0, len(cfg.Rules))
	for i, fr := range cfg.Rules {
		if fr.Pattern == "" {
			return nil, fmt.Errorf("rule %d has no pattern", i)
		}
		caps := make([]Capability, 0, len(fr.Capabilities))
		for _, name := range fr.Capabilities {
			c, err := Parse(name)
			if err != nil {
				return nil, fmt.Errorf("rule %d (%s): %w", i, fr.Pattern, err)
			}
			caps = append(caps, c)
		}
		rules = append(rules, Rule{Pattern: fr.Pattern, Capabilities: NewSet(caps...)})
	}
	return New(rules), nil
}
