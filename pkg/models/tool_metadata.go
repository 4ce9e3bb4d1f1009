package models

import "encoding/json"

// ComputerMode controls how aggressively the Security Gate restricts a
// tool's filesystem/browser/code-exec capabilities.
type ComputerMode string

const (
	ComputerModeOff        ComputerMode = "off"
	ComputerModeRestricted ComputerMode = "restricted"
	ComputerModeDev        ComputerMode = "dev"
)

// CapabilityExample is a worked input/output pair surfaced in the prompt
// catalog and in documentation.
type CapabilityExample struct {
	Description string          `json:"description,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
}

// CapabilityDescriptor is a single named operation a tool exposes.
type CapabilityDescriptor struct {
	Name         string              `json:"name"`
	Description  string              `json:"description,omitempty"`
	InputSchema  json.RawMessage     `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage     `json:"output_schema,omitempty"`
	Examples     []CapabilityExample `json:"examples,omitempty"`
}

// ToolMetadata is registered once per plugin and persists for the
// process lifetime (or, for durable deployments, per tenant).
type ToolMetadata struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	ToolType    string `json:"tool_type,omitempty"`

	Capabilities []CapabilityDescriptor `json:"capabilities"`

	RiskLevel            RiskLevel          `json:"risk_level,omitempty"`
	RequiresConfirmation bool               `json:"requires_confirmation"`
	ConfirmationPolicy   ConfirmationPolicy `json:"confirmation_policy,omitempty"`
	SideEffects          []string           `json:"side_effects,omitempty"`
	RequiredPermissions  []string           `json:"required_permissions,omitempty"`

	RateLimitPerMinute   int      `json:"rate_limit_per_minute,omitempty"`
	IdempotentCapabilities []string `json:"idempotent_capabilities,omitempty"`

	ComputerMode ComputerMode `json:"computer_mode,omitempty"`
}

// Capability looks up a capability descriptor by name.
func (t *ToolMetadata) Capability(name string) (*CapabilityDescriptor, bool) {
	for i := range t.Capabilities {
		if t.Capabilities[i].Name == name {
			return &t.Capabilities[i], true
		}
	}
	return nil, false
}

// IsIdempotentCapability reports whether the named capability is
// declared naturally idempotent (safe to retry without a cache hit).
func (t *ToolMetadata) IsIdempotentCapability(name string) bool {
	for _, c := range t.IdempotentCapabilities {
		if c == name {
			return true
		}
	}
	return false
}
