// Package launch turns a provider selection plus runtime options into a
// concrete command line and environment for the pty supervisor.
package launch

import (
	"os"
	"sort"
	"strings"
)

// Provider identifies one of the supported assistant CLIs.
type Provider string

const (
	ProviderClaude Provider = "claude"
	ProviderCodex  Provider = "codex"
	ProviderGemini Provider = "gemini"
)

// Providers returns the known providers in a stable order.
func Providers() []Provider {
	return []Provider{ProviderClaude, ProviderCodex, ProviderGemini}
}

// ParseProvider reports whether s names a known provider.
func ParseProvider(s string) (Provider, bool) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Providers() {
		if p == known {
			return p, true
		}
	}
	return p, false
}

// Inherit is the normalized value for "let the CLI decide".
const Inherit = "inherit"

// inheritSentinels all collapse to Inherit.
var inheritSentinels = map[string]bool{
	"":        true,
	"auto":    true,
	"inherit": true,
	"default": true,
}

// models lists the model selections each provider recognizes. Anything else
// is discarded.
var models = map[Provider]map[string]bool{
	ProviderClaude: {"opus": true, "sonnet": true, "haiku": true},
	ProviderCodex:  {"gpt-5": true, "gpt-5-codex": true, "o3": true, "o4-mini": true},
	ProviderGemini: {"gemini-2.5-pro": true, "gemini-2.5-flash": true},
}

// ReasoningEffort is the typed effort value accepted by codex.
type ReasoningEffort string

const (
	EffortLow    ReasoningEffort = "low"
	EffortMedium ReasoningEffort = "medium"
	EffortHigh   ReasoningEffort = "high"
)

var efforts = map[string]ReasoningEffort{
	"minimal": EffortLow,
	"low":     EffortLow,
	"medium":  EffortMedium,
	"high":    EffortHigh,
	"max":     EffortHigh,
}

// Request describes what the caller wants to launch.
type Request struct {
	Provider Provider

	// Command is used verbatim for unknown providers and overrides the
	// binary name for known ones when set.
	Command string

	Model  string
	Effort string

	// Env overrides are layered on the inherited environment. A nil value
	// means "not set" and is dropped.
	Env map[string]*string

	ResumeHandle    string
	SkipPermissions bool
}

// Spec is a resolved launch.
type Spec struct {
	Command string
	Args    []string
	Env     []string

	// Model and Effort are the normalized selections, Inherit when not
	// pinned.
	Model  string
	Effort string
}

// NormalizeModel returns the recognized model for p, or Inherit.
func NormalizeModel(p Provider, model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	if inheritSentinels[m] {
		return Inherit
	}
	if models[p][m] {
		return m
	}
	return Inherit
}

// NormalizeEffort returns the typed effort for effort, or Inherit.
func NormalizeEffort(effort string) string {
	e := strings.ToLower(strings.TrimSpace(effort))
	if inheritSentinels[e] {
		return Inherit
	}
	if v, ok := efforts[e]; ok {
		return string(v)
	}
	return Inherit
}

// Resolve builds the launch spec for req against the current process
// environment.
func Resolve(req Request) Spec {
	return ResolveWithEnv(req, os.Environ())
}

// ResolveWithEnv is Resolve with an explicit base environment.
func ResolveWithEnv(req Request, base []string) Spec {
	spec := Spec{
		Command: req.Command,
		Model:   Inherit,
		Effort:  Inherit,
		Env:     MergeEnv(base, req.Env),
	}

	provider, known := ParseProvider(string(req.Provider))
	if !known {
		return spec
	}
	if spec.Command == "" {
		spec.Command = string(provider)
	}
	spec.Model = NormalizeModel(provider, req.Model)

	switch provider {
	case ProviderClaude:
		if req.ResumeHandle != "" {
			spec.Args = append(spec.Args, "--resume", req.ResumeHandle)
		}
		if req.SkipPermissions {
			spec.Args = append(spec.Args, "--dangerously-skip-permissions")
		}
		if spec.Model != Inherit {
			spec.Args = append(spec.Args, "--model", spec.Model)
		}
	case ProviderCodex:
		if spec.Model != Inherit {
			spec.Args = append(spec.Args, "--model", spec.Model)
		}
		spec.Effort = NormalizeEffort(req.Effort)
		if spec.Effort != Inherit {
			spec.Args = append(spec.Args, "-c", "model_reasoning_effort="+spec.Effort)
		}
	case ProviderGemini:
		// gemini refuses to start on flags it does not know; keep it minimal.
		if spec.Model != Inherit {
			spec.Args = append(spec.Args, "--model", spec.Model)
		}
	}
	return spec
}

// MergeEnv layers overrides on base. Keys not present in overrides keep
// their base value; nil overrides are ignored. Added keys are appended in
// sorted order so the result is deterministic.
func MergeEnv(base []string, overrides map[string]*string) []string {
	out := make([]string, 0, len(base)+len(overrides))
	seen := make(map[string]bool, len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if v, ok := overrides[key]; ok && v != nil {
			out = append(out, key+"="+*v)
			seen[key] = true
			continue
		}
		out = append(out, kv)
	}

	added := make([]string, 0, len(overrides))
	for key, v := range overrides {
		if v == nil || seen[key] {
			continue
		}
		added = append(added, key)
	}
	sort.Strings(added)
	for _, key := range added {
		out = append(out, key+"="+*overrides[key])
	}
	return out
}

// StringEnv converts a plain map into override form. Convenience for callers
// whose overrides come from JSON where absent keys are simply missing.
func StringEnv(m map[string]string) map[string]*string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]*string, len(m))
	for k, v := range m {
		v := v
		out[k] = &v
	}
	return out
}
