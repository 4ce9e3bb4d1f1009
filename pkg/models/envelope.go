package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
)

// EnvelopeContext carries tenant, user, and locale information for a request.
type EnvelopeContext struct {
	CompanyID   string         `json:"company_id"`
	SiteID      string         `json:"site_id,omitempty"`
	UserID      string         `json:"user_id"`
	Role        string         `json:"role,omitempty"`
	Permissions []string       `json:"permissions,omitempty"`
	Locale      string         `json:"locale,omitempty"`
	Timezone    string         `json:"timezone,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Priority orders envelopes relative to one another; the core does not
// interpret the value beyond carrying it through to executors that care.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Envelope is the immutable request descriptor that flows through the
// pipeline: context assembly, security gate, dispatch, and result.
// Once constructed, an Envelope is never mutated; downstream components
// derive new values (Result, events) rather than writing back into it.
type Envelope struct {
	RequestID      string          `json:"request_id"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	TraceID        string          `json:"trace_id"`
	ParentSpanID   string          `json:"parent_span_id,omitempty"`

	ToolName       string          `json:"tool_name"`
	CapabilityName string          `json:"capability_name"`
	Parameters     map[string]any  `json:"parameters"`

	Context EnvelopeContext `json:"context"`

	DryRun         bool      `json:"dry_run"`
	TimeoutSeconds int       `json:"timeout_seconds,omitempty"`
	Priority       Priority  `json:"priority,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// NewEnvelopeParams is the transport-facing input used to construct an
// Envelope. Wire adapters (HTTP, WebSocket, RPC) populate this and call
// NewEnvelope; validation happens there so no partially-built Envelope
// ever reaches the rest of the pipeline.
type NewEnvelopeParams struct {
	IdempotencyKey string
	CorrelationID  string
	TraceID        string
	ParentSpanID   string
	ToolName       string
	CapabilityName string
	Parameters     map[string]any
	Context        EnvelopeContext
	DryRun         bool
	TimeoutSeconds int
	Priority       Priority
	ExpiresAt      *time.Time
}

// DefaultTimeoutSeconds is applied when a request does not specify one.
const DefaultTimeoutSeconds = 30

// NewEnvelope constructs a fresh Envelope, assigning a new request_id and
// trace_id when the caller did not supply one. It returns a validation
// error (never a partially populated Envelope) if required wire fields
// are missing.
func NewEnvelope(p NewEnvelopeParams) (*Envelope, error) {
	if p.ToolName == "" {
		return nil, &ValidationError{Field: "tool_name", Reason: "required"}
	}
	if p.CapabilityName == "" {
		return nil, &ValidationError{Field: "capability_name", Reason: "required"}
	}
	if p.Context.CompanyID == "" {
		return nil, &ValidationError{Field: "context.company_id", Reason: "required"}
	}
	if p.Context.UserID == "" {
		return nil, &ValidationError{Field: "context.user_id", Reason: "required"}
	}

	timeout := p.TimeoutSeconds
	if timeout <= 0 {
		timeout = DefaultTimeoutSeconds
	}

	traceID := p.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}

	priority := p.Priority
	if priority == "" {
		priority = PriorityNormal
	}

	params := p.Parameters
	if params == nil {
		params = map[string]any{}
	}

	return &Envelope{
		RequestID:      uuid.NewString(),
		IdempotencyKey: p.IdempotencyKey,
		CorrelationID:  p.CorrelationID,
		TraceID:        traceID,
		ParentSpanID:   p.ParentSpanID,
		ToolName:       p.ToolName,
		CapabilityName: p.CapabilityName,
		Parameters:     params,
		Context:        p.Context,
		DryRun:         p.DryRun,
		TimeoutSeconds: timeout,
		Priority:       priority,
		CreatedAt:      time.Now().UTC(),
		ExpiresAt:      p.ExpiresAt,
	}, nil
}

// ValidationError reports a missing or malformed required field on
// Envelope construction.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid envelope field " + e.Field + ": " + e.Reason
}

// EffectiveIdempotencyKey returns the caller-provided idempotency key, or
// a deterministic hash of tool, capability, user, and sorted parameters
// when none was supplied. Two Envelopes with identical tool_name,
// capability_name, user_id, and semantically equal parameters always
// produce the same key.
func (e *Envelope) EffectiveIdempotencyKey() string {
	if e.IdempotencyKey != "" {
		return e.IdempotencyKey
	}
	return HashIdempotencyComponents(e.ToolName, e.CapabilityName, e.Context.UserID, e.Parameters)
}

// HashIdempotencyComponents canonicalizes its inputs (recursively sorted
// keys, stable JSON serialization) and returns a stable SHA-256 hex
// digest. Exported so the idempotency store and tests can recompute keys
// without a full Envelope.
func HashIdempotencyComponents(toolName, capabilityName, userID string, params map[string]any) string {
	canonical := canonicalize(map[string]any{
		"tool_name":       toolName,
		"capability_name": capabilityName,
		"user_id":         userID,
		"parameters":      params,
	})
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// canonicalize produces a stable byte representation of v by recursively
// sorting map keys before JSON-encoding. json.Marshal already sorts
// map keys; nested map[string]any values and []any slices are walked
// explicitly as well, and any other type is passed through unchanged.
func canonicalize(v any) []byte {
	normalized := normalizeForHash(v)
	b, err := json.Marshal(normalized)
	if err != nil {
		// Marshaling a map[string]any/[]any tree built entirely from
		// JSON-safe primitives cannot fail; this is unreachable in
		// practice and kept only so canonicalize stays a pure function.
		return []byte("null")
	}
	return b
}

func normalizeForHash(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(t))
		for _, k := range keys {
			out[k] = normalizeForHash(t[k])
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalizeForHash(item)
		}
		return out
	default:
		return t
	}
}
