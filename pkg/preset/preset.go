// Package preset implements PresetResolver: resolving (agentId, context) to
// (engineId, model) via a priority chain of CLI override, named preset, and
// per-agent config overrides, plus tier-based model lookup within a preset.
package preset

// Tier is an agent-complexity class used to pick a model within a preset.
type Tier int

const (
	TierComplex  Tier = 1
	TierStandard Tier = 2
	TierSimple   Tier = 3
)

const defaultTier = TierStandard

// Preset maps an agent/tier population onto a default engine and per-tier
// models.
type Preset struct {
	Name           string
	DefaultEngine  string
	ModelByTier    map[Tier]string
	AgentOverrides map[string]string // agentId -> engineId
}

// ConfigFile is the subset of engine-config.json PresetResolver consults.
type ConfigFile struct {
	Preset    string
	Presets   map[string]Preset
	Overrides map[string]string // agentId -> engineId
}

// SelectionContext carries the caller's (CLI/workflow) resolution inputs.
type SelectionContext struct {
	GlobalEngine   string
	Preset         string
	AgentOverrides map[string]string
}

// AgentTiers maps agentId to its complexity tier; agents absent from the
// map use defaultTier.
type AgentTiers map[string]Tier

// TierOf returns the tier for agentID, defaulting to TierStandard.
func (t AgentTiers) TierOf(agentID string) Tier {
	if tier, ok := t[agentID]; ok {
		return tier
	}
	return defaultTier
}

// BuiltinPresets enumerates one preset per provider, named after the
// provider, whose modelByTier uses that provider's own naming scheme.
var BuiltinPresets = map[string]Preset{
	"anthropic": {
		Name:          "anthropic",
		DefaultEngine: "anthropic-claude",
		ModelByTier: map[Tier]string{
			TierComplex:  "claude-opus-4",
			TierStandard: "claude-sonnet-4",
			TierSimple:   "claude-haiku-3.5",
		},
	},
	"openai": {
		Name:          "openai",
		DefaultEngine: "openai-gpt",
		ModelByTier: map[Tier]string{
			TierComplex:  "gpt-5",
			TierStandard: "gpt-5-mini",
			TierSimple:   "gpt-5-nano",
		},
	},
	"google": {
		Name:          "google",
		DefaultEngine: "google-gemini",
		ModelByTier: map[Tier]string{
			TierComplex:  "gemini-2.5-pro",
			TierStandard: "gemini-2.5-flash",
			TierSimple:   "gemini-2.5-flash-lite",
		},
	},
	"ollama": {
		Name:          "ollama",
		DefaultEngine: "ollama-local",
		ModelByTier: map[Tier]string{
			TierComplex:  "qwen2.5-coder:32b",
			TierStandard: "qwen2.5-coder:14b",
			TierSimple:   "qwen2.5-coder:7b",
		},
	},
}

// Resolver resolves an engine/model pair for an agent.
type Resolver struct {
	tiers AgentTiers
}

// NewResolver returns a Resolver using the given agent→tier map.
func NewResolver(tiers AgentTiers) *Resolver {
	if tiers == nil {
		tiers = AgentTiers{}
	}
	return &Resolver{tiers: tiers}
}

func lookupPreset(name string, cfg *ConfigFile) (Preset, bool) {
	if p, ok := BuiltinPresets[name]; ok {
		return p, true
	}
	if cfg != nil && cfg.Presets != nil {
		if p, ok := cfg.Presets[name]; ok {
			return p, true
		}
	}
	return Preset{}, false
}

// ResolveEngine runs a six-step priority chain (CLI override, selection-context
// preset, selection-context per-agent override, config-file preset,
// config-file per-agent override, unresolved) and returns the resolved engine
// id, or "" if unresolved (the caller falls back to step-level or default
// selection).
func (r *Resolver) ResolveEngine(agentID string, ctx *SelectionContext, cfg *ConfigFile) string {
	// 1. CLI override.
	if ctx != nil && ctx.GlobalEngine != "" {
		return ctx.GlobalEngine
	}

	// 2. selectionContext.preset.
	if ctx != nil && ctx.Preset != "" {
		if p, ok := lookupPreset(ctx.Preset, cfg); ok {
			if p.DefaultEngine != "" {
				return p.DefaultEngine
			}
			if eng, ok := p.AgentOverrides[agentID]; ok {
				return eng
			}
		}
	}

	// 3. selectionContext.agentOverrides[agentId].
	if ctx != nil {
		if eng, ok := ctx.AgentOverrides[agentID]; ok {
			return eng
		}
	}

	// 4. configFile.preset.
	if cfg != nil && cfg.Preset != "" {
		if p, ok := lookupPreset(cfg.Preset, cfg); ok {
			if p.DefaultEngine != "" {
				return p.DefaultEngine
			}
			if eng, ok := p.AgentOverrides[agentID]; ok {
				return eng
			}
		}
	}

	// 5. configFile.overrides[agentId].
	if cfg != nil {
		if eng, ok := cfg.Overrides[agentID]; ok {
			return eng
		}
	}

	// 6. Unresolved.
	return ""
}

// ResolveModel returns the model string for agentID under the given
// preset, or "" if the agent's tier is unmapped in that preset.
func (r *Resolver) ResolveModel(agentID string, p Preset) string {
	tier := r.tiers.TierOf(agentID)
	return p.ModelByTier[tier]
}
