// Copyright 2026 Mira
// SPDX-License-Identifier: Apache-2.0

// Package capability provides pattern-based lookup of the features a named
// AI model supports. The registry is an immutable value built once at
// startup and shared by reference, so concurrent reads need no locking.
package capability

import (
	"sort"
	"strings"
)

// Capability is a named feature a model may or may not support.
type Capability string

const (
	Streaming   Capability = "streaming"
	ToolCalling Capability = "tool_calling"
	Multimodal  Capability = "multimodal"
	JSONMode    Capability = "json_mode"
	LongContext Capability = "long_context"
	WebSearch   Capability = "web_search"
)

// Set is an immutable collection of capabilities.
type Set map[Capability]struct{}

// NewSet builds a Set from capabilities.
func NewSet(caps ...Capability) Set {
	s := make(Set, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

// Has reports whether the set contains c.
func (s Set) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// List returns the capabilities sorted by name.
func (s Set) List() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Rule maps a model-name pattern to a capability set. Patterns match as a
// case-insensitive prefix after vendor-prefix stripping; "*" matches
// everything.
type Rule struct {
	Pattern      string
	Capabilities Set
}

// Registry resolves model names to capability sets. Rules are evaluated in
// order, first match wins; unmatched names fall back to a minimal default of
// {streaming}. The rule list is additive-only: new support tiers append
// rules without touching existing ones, and there is no removal API.
type Registry struct {
	rules    []Rule
	fallback Set
}

// New builds a Registry from an ordered rule list.
func New(rules []Rule) *Registry {
	normalized := make([]Rule, len(rules))
	for i, r := range rules {
		normalized[i] = Rule{
			Pattern:      strings.ToLower(strings.TrimSpace(r.Pattern)),
			Capabilities: r.Capabilities,
		}
	}
	return &Registry{
		rules:    normalized,
		fallback: NewSet(Streaming),
	}
}

// Default returns the registry with the built-in model support tiers.
func Default() *Registry {
	return New([]Rule{
		{Pattern: "gpt-4o", Capabilities: NewSet(Streaming, ToolCalling, Multimodal, JSONMode, LongContext)},
		{Pattern: "gpt-4-turbo", Capabilities: NewSet(Streaming, ToolCalling, Multimodal, JSONMode, LongContext)},
		{Pattern: "gpt-4", Capabilities: NewSet(Streaming, ToolCalling, JSONMode)},
		{Pattern: "gpt-3.5", Capabilities: NewSet(Streaming, ToolCalling, JSONMode)},
		{Pattern: "claude-3-5", Capabilities: NewSet(Streaming, ToolCalling, Multimodal, LongContext)},
		{Pattern: "claude-3", Capabilities: NewSet(Streaming, ToolCalling, Multimodal, LongContext)},
		{Pattern: "claude", Capabilities: NewSet(Streaming, ToolCalling, LongContext)},
		{Pattern: "gemini-1.5", Capabilities: NewSet(Streaming, ToolCalling, Multimodal, JSONMode, LongContext, WebSearch)},
		{Pattern: "gemini", Capabilities: NewSet(Streaming, ToolCalling, Multimodal)},
		{Pattern: "anthropic.claude", Capabilities: NewSet(Streaming, ToolCalling, LongContext)},
		{Pattern: "amazon.titan", Capabilities: NewSet(Streaming)},
		{Pattern: "meta.llama", Capabilities: NewSet(Streaming)},
		{Pattern: "mistral.", Capabilities: NewSet(Streaming, ToolCalling)},
	})
}

// normalize lowercases the model name and strips a known vendor prefix such
// as "openai/" or "anthropic/". Bedrock ids like "anthropic.claude-..." are
// left intact so family rules can match them.
func normalize(model string) string {
	name := strings.ToLower(strings.TrimSpace(model))
	if idx := strings.Index(name, "/"); idx > 0 {
		name = name[idx+1:]
	}
	return name
}

// CapabilitiesOf returns the capability set for a model name. Unmatched
// names get the minimal default {streaming}.
func (r *Registry) CapabilitiesOf(model string) Set {
	name := normalize(model)
	for _, rule := range r.rules {
		if rule.Pattern == "*" || strings.HasPrefix(name, rule.Pattern) {
			return rule.Capabilities
		}
	}
	return r.fallback
}

// Supports reports whether the model supports the capability.
func (r *Registry) Supports(model string, c Capability) bool {
	return r.CapabilitiesOf(model).Has(c)
}

// Missing returns the requested capabilities the model does not support,
// sorted by name. Empty means the request is within the model's tier.
func (r *Registry) Missing(model string, required []Capability) []Capability {
	caps := r.CapabilitiesOf(model)
	var missing []Capability
	for _, c := range required {
		if !caps.Has(c) {
			missing = append(missing, c)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	return missing
}
