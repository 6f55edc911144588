package resolver

import "strings"

// ReasoningOptions bundles the reasoning defaults a preset applies when its
// model is invoked.
type ReasoningOptions struct {
	Effort       string // low, medium, high or default
	Summary      string // off, detailed or default
	BudgetTokens int
}

// Preset is a named view over a base model: an ordered list of candidate base
// ids, the first of which the upstream can supply wins.
type Preset struct {
	ID           string
	BaseModelIDs []string
	Reasoning    *ReasoningOptions
	DisplayName  string
	Description  string
}

// presets is the static registry. Lookup is exact case-insensitive on ID.
var presets = []Preset{
	{
		ID:           "gpt-5-codex-high",
		BaseModelIDs: []string{"gpt-5-codex", "gpt-5.1-codex", "gpt-5"},
		Reasoning:    &ReasoningOptions{Effort: "high", Summary: "detailed"},
		DisplayName:  "GPT-5 Codex (High)",
		Description:  "Codex tuned for depth: high reasoning effort with detailed summaries.",
	},
	{
		ID:           "gpt-5-codex-medium",
		BaseModelIDs: []string{"gpt-5-codex", "gpt-5.1-codex", "gpt-5"},
		Reasoning:    &ReasoningOptions{Effort: "medium"},
		DisplayName:  "GPT-5 Codex (Medium)",
		Description:  "Codex with balanced reasoning effort.",
	},
	{
		ID:           "gpt-5-codex-low",
		BaseModelIDs: []string{"gpt-5-codex", "gpt-5.1-codex", "gpt-5-mini"},
		Reasoning:    &ReasoningOptions{Effort: "low", Summary: "off"},
		DisplayName:  "GPT-5 Codex (Low)",
		Description:  "Codex tuned for latency: low reasoning effort.",
	},
	{
		ID:           "gpt-5-high",
		BaseModelIDs: []string{"gpt-5", "gpt-5-mini"},
		Reasoning:    &ReasoningOptions{Effort: "high", Summary: "detailed"},
		DisplayName:  "GPT-5 (High)",
		Description:  "General-purpose GPT-5 with high reasoning effort.",
	},
	{
		ID:           "claude-sonnet-thinking",
		BaseModelIDs: []string{"claude-sonnet-4.5", "claude-sonnet-4"},
		Reasoning:    &ReasoningOptions{BudgetTokens: 16000, Summary: "detailed"},
		DisplayName:  "Claude Sonnet (Thinking)",
		Description:  "Claude Sonnet with an extended thinking budget.",
	},
}

// LookupPreset returns the preset registered under the given id.
func LookupPreset(id string) (Preset, bool) {
	for _, p := range presets {
		if strings.EqualFold(p.ID, id) {
			return p, true
		}
	}
	return Preset{}, false
}

// Presets returns the full static registry.
func Presets() []Preset {
	out := make([]Preset, len(presets))
	copy(out, presets)
	return out
}

// Options renders the reasoning defaults as an opaque options bag for the
// upstream send call.
func (p Preset) Options() map[string]any {
	if p.Reasoning == nil {
		return nil
	}
	opts := make(map[string]any)
	if p.Reasoning.Effort != "" && p.Reasoning.Effort != "default" {
		opts["reasoning_effort"] = p.Reasoning.Effort
	}
	if p.Reasoning.Summary != "" && p.Reasoning.Summary != "default" {
		opts["reasoning_summary"] = p.Reasoning.Summary
	}
	if p.Reasoning.BudgetTokens > 0 {
		opts["thinking_budget_tokens"] = p.Reasoning.BudgetTokens
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}
