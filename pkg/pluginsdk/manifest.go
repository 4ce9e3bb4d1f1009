package pluginsdk

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

const (
	ManifestFilename       = "toolrun.plugin.json"
	LegacyManifestFilename = "nexus.plugin.json"
)

// Manifest describes a plugin and its configuration schema. It is the
// on-disk descriptor an external plugin ships so the runtime can
// discover its declared surface (tools, channels, commands, hooks)
// without loading any of the plugin's code.
type Manifest struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind,omitempty"`
	Name         string          `json:"name,omitempty"`
	Description  string          `json:"description,omitempty"`
	Version      string          `json:"version,omitempty"`
	Tools        []string        `json:"tools,omitempty"`
	Channels     []string        `json:"channels,omitempty"`
	Providers    []string        `json:"providers,omitempty"`
	Commands     []string        `json:"commands,omitempty"`
	Services     []string        `json:"services,omitempty"`
	Hooks        []string        `json:"hooks,omitempty"`
	ConfigSchema json.RawMessage `json:"configSchema"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
	UIHints      *UIHints        `json:"uiHints,omitempty"`
	Capabilities *Capabilities   `json:"capabilities,omitempty"`
}

// Capabilities declares the capability scopes a plugin asks for.
// Required scopes must be granted for the plugin to load; Optional
// scopes degrade gracefully when absent.
type Capabilities struct {
	Required []string `json:"required,omitempty"`
	Optional []string `json:"optional,omitempty"`
}

// UIHints gives an installer UI enough to render a setup flow without
// understanding the plugin's config schema semantics.
type UIHints struct {
	ConfigFields map[string]*FieldHint `json:"configFields,omitempty"`
	SetupSteps   []*SetupStep          `json:"setupSteps,omitempty"`
	Requirements []*Requirement        `json:"requirements,omitempty"`
	Links        map[string]string     `json:"links,omitempty"`
}

// FieldHint describes how a single config field should be rendered.
type FieldHint struct {
	Label       string           `json:"label,omitempty"`
	Description string           `json:"description,omitempty"`
	Placeholder string           `json:"placeholder,omitempty"`
	HelpURL     string           `json:"helpUrl,omitempty"`
	InputType   string           `json:"inputType,omitempty"`
	Options     []FieldOption    `json:"options,omitempty"`
	Required    bool             `json:"required,omitempty"`
	Sensitive   bool             `json:"sensitive,omitempty"`
	EnvVar      string           `json:"envVar,omitempty"`
	Default     any              `json:"default,omitempty"`
	Validation  *FieldValidation `json:"validation,omitempty"`
}

// FieldOption is one choice in a FieldHint's enumerated input.
type FieldOption struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// FieldValidation mirrors the constraints a JSON Schema property would
// carry, surfaced separately so a UI can validate without a schema
// compiler.
type FieldValidation struct {
	Pattern   string   `json:"pattern,omitempty"`
	MinLength int      `json:"minLength,omitempty"`
	MaxLength int      `json:"maxLength,omitempty"`
	Min       *float64 `json:"min,omitempty"`
	Max       *float64 `json:"max,omitempty"`
}

// SetupStep is one step in an installer's guided setup flow.
type SetupStep struct {
	Title        string   `json:"title,omitempty"`
	Description  string   `json:"description,omitempty"`
	Commands     []string `json:"commands,omitempty"`
	ConfigFields []string `json:"configFields,omitempty"`
	URL          string   `json:"url,omitempty"`
}

// Requirement is an external prerequisite (an API key, a bot
// registration) the operator must satisfy before the plugin works.
type Requirement struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
	Optional    bool   `json:"optional,omitempty"`
}

func DecodeManifest(data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &manifest, nil
}

func DecodeManifestFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return DecodeManifest(data)
}

func (m *Manifest) Validate() error {
	if m == nil {
		return fmt.Errorf("manifest is nil")
	}
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("manifest id is required")
	}
	if len(m.ConfigSchema) == 0 {
		return fmt.Errorf("manifest configSchema is required")
	}
	return nil
}

// DeclaredCapabilities flattens Required and Optional into a single,
// de-duplicated list of capability patterns, dropping blank entries.
func (m *Manifest) DeclaredCapabilities() []string {
	if m == nil || m.Capabilities == nil {
		return nil
	}
	var out []string
	seen := make(map[string]bool)
	add := func(list []string) {
		for _, c := range list {
			c = strings.TrimSpace(c)
			if c == "" || seen[c] {
				continue
			}
			seen[c] = true
			out = append(out, c)
		}
	}
	add(m.Capabilities.Required)
	add(m.Capabilities.Optional)
	return out
}

// HasCapability reports whether requested is covered by one of the
// manifest's declared capability patterns.
func (m *Manifest) HasCapability(requested string) bool {
	for _, allowed := range m.DeclaredCapabilities() {
		if CapabilityMatches(allowed, requested) {
			return true
		}
	}
	return false
}

// CapabilityMatches reports whether allowed grants requested. allowed
// may be an exact scope ("tool:echo"), a prefix wildcard
// ("tool:*"), or the global wildcard ("*").
func CapabilityMatches(allowed, requested string) bool {
	allowed = strings.TrimSpace(allowed)
	requested = strings.TrimSpace(requested)
	if allowed == "" || requested == "" {
		return false
	}
	if allowed == "*" {
		return true
	}
	if strings.HasSuffix(allowed, ":*") {
		prefix := strings.TrimSuffix(allowed, "*")
		return strings.HasPrefix(requested, prefix)
	}
	return allowed == requested
}

// GetFieldHint looks up a single config field's UI hint by its
// (possibly dotted) path.
func (m *Manifest) GetFieldHint(path string) *FieldHint {
	if m == nil || m.UIHints == nil || m.UIHints.ConfigFields == nil {
		return nil
	}
	return m.UIHints.ConfigFields[path]
}

// GetSetupSteps returns the installer's guided setup flow, if any.
func (m *Manifest) GetSetupSteps() []*SetupStep {
	if m == nil || m.UIHints == nil {
		return nil
	}
	return m.UIHints.SetupSteps
}

// GetRequirements returns the plugin's external prerequisites, if any.
func (m *Manifest) GetRequirements() []*Requirement {
	if m == nil || m.UIHints == nil {
		return nil
	}
	return m.UIHints.Requirements
}

// GetRequiredFields returns the config field names marked required in
// UIHints, for an installer to prompt for before first run.
func (m *Manifest) GetRequiredFields() []string {
	if m == nil || m.UIHints == nil || m.UIHints.ConfigFields == nil {
		return nil
	}
	var out []string
	for name, hint := range m.UIHints.ConfigFields {
		if hint != nil && hint.Required {
			out = append(out, name)
		}
	}
	return out
}

// GetSensitiveFields returns the config field names marked sensitive in
// UIHints, for an installer to mask or store in a secret manager.
func (m *Manifest) GetSensitiveFields() []string {
	if m == nil || m.UIHints == nil || m.UIHints.ConfigFields == nil {
		return nil
	}
	var out []string
	for name, hint := range m.UIHints.ConfigFields {
		if hint != nil && hint.Sensitive {
			out = append(out, name)
		}
	}
	return out
}
