// Package config loads engine-config.json, the one workspace-scoped
// configuration file the core consults: preset selection, per-agent engine
// overrides, per-agent model/fallback-chain settings, and the global
// fallback toggle. No package-level singleton is consumed by core
// components — callers load a File once per workspace root and hand it
// down explicitly.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"codemachine/pkg/agenterrors"
	"codemachine/pkg/preset"
)

const fileName = "engine-config.json"

// AgentConfig is one agent's static overrides: its preferred model and the
// ordered list of engines to try if its primary engine is unavailable.
type AgentConfig struct {
	Model         string   `json:"model,omitempty"`
	FallbackChain []string `json:"fallbackChain,omitempty"`
}

// File is the parsed shape of engine-config.json.
type File struct {
	Preset          string                 `json:"preset,omitempty"`
	Presets         map[string]preset.Preset `json:"presets,omitempty"`
	Overrides       map[string]string      `json:"overrides,omitempty"`
	FallbackEnabled *bool                  `json:"fallbackEnabled,omitempty"`
	Agents          map[string]AgentConfig `json:"agents,omitempty"`
}

// FallbackAllowed reports whether fallback is enabled, defaulting to true
// when the field is absent from the config file.
func (f *File) FallbackAllowed() bool {
	if f == nil || f.FallbackEnabled == nil {
		return true
	}
	return *f.FallbackEnabled
}

// ToPresetConfig projects File down to the subset preset.Resolver consumes.
func (f *File) ToPresetConfig() *preset.ConfigFile {
	if f == nil {
		return nil
	}
	return &preset.ConfigFile{Preset: f.Preset, Presets: f.Presets, Overrides: f.Overrides}
}

// AgentConfigFor returns the agent's static config, or the zero value if
// engine-config.json has no entry for agentID.
func (f *File) AgentConfigFor(agentID string) AgentConfig {
	if f == nil || f.Agents == nil {
		return AgentConfig{}
	}
	return f.Agents[agentID]
}

// Load reads engine-config.json from workspaceRoot. A missing file is not
// an error — it returns an empty File so callers fall back to builtin
// presets and no fallback chains.
func Load(workspaceRoot string) (*File, error) {
	path := filepath.Join(workspaceRoot, fileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &File{}, nil
	}
	if err != nil {
		return nil, agenterrors.Wrap(agenterrors.KindIO, err, "read "+fileName)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, agenterrors.Wrap(agenterrors.KindConfigValidation, err, "parse "+fileName)
	}
	return &f, nil
}
