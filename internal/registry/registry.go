// Package registry implements the Plugin Registry: tool discovery,
// metadata storage, per-user access grants, and per-(tool,user) rate
// limiting ahead of dispatch.
package registry

import (
	"sync"

	"github.com/fluxgate/toolrun/internal/ratelimit"
	"github.com/fluxgate/toolrun/internal/toolerr"
	"github.com/fluxgate/toolrun/pkg/models"
	"github.com/fluxgate/toolrun/pkg/toolsdk"
)

// systemUser is the pseudo-user whose grants are available to everyone.
// A user's effective tool set is always user ∪ system, with no
// inheritance beyond that single union.
const systemUser = "system"

// registeredTool pairs metadata with its executor.
type registeredTool struct {
	metadata models.ToolMetadata
	executor toolsdk.Executor
}

// Registry maintains tool_name -> (metadata, executor), a flat
// (tool_name, capability_name) capability index, per-user grant sets,
// and rate limiters for tools declaring rate_limit_per_minute.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool

	// grants maps user_id (or systemUser) -> set of tool names.
	grants map[string]map[string]bool

	limiters map[string]*ratelimit.SlidingWindowLimiter

	// onInvalidate is called whenever a write (register/grant/revoke)
	// changes the effective tool set, so the prompt composer's per-user
	// catalog cache can be invalidated atomically with the write.
	onInvalidate func(userID string)
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		tools:    make(map[string]*registeredTool),
		grants:   map[string]map[string]bool{systemUser: {}},
		limiters: make(map[string]*ratelimit.SlidingWindowLimiter),
	}
}

// OnInvalidate registers a callback invoked with "" (meaning "all users")
// on register, or a specific user_id on grant/revoke.
func (r *Registry) OnInvalidate(fn func(userID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onInvalidate = fn
}

// Register inserts a tool's metadata and executor, making its
// capabilities available to the system pseudo-user (i.e. to everyone)
// unless the caller subsequently scopes it with per-user grants only.
// It rejects duplicate tool names.
func (r *Registry) Register(metadata models.ToolMetadata, executor toolsdk.Executor) error {
	if metadata.Name == "" {
		return toolerr.New(toolerr.InvalidInput, "tool metadata name is required")
	}
	if executor == nil {
		return toolerr.New(toolerr.InvalidInput, "tool executor is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[metadata.Name]; exists {
		return toolerr.Newf(toolerr.InvalidInput, "tool %q already registered", metadata.Name)
	}

	r.tools[metadata.Name] = &registeredTool{metadata: metadata, executor: executor}
	r.grants[systemUser][metadata.Name] = true

	if metadata.RateLimitPerMinute > 0 {
		r.limiters[metadata.Name] = ratelimit.NewSlidingWindowLimiter(ratelimit.SlidingWindowConfig{
			Limit: metadata.RateLimitPerMinute,
		})
	}

	r.notifyLocked("")
	return nil
}

// Resolve looks up a capability descriptor and its tool's executor.
func (r *Registry) Resolve(toolName, capabilityName string) (*models.CapabilityDescriptor, toolsdk.Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[toolName]
	if !ok {
		return nil, nil, toolerr.Newf(toolerr.UnknownTool, "tool %q not registered", toolName)
	}
	cap, ok := tool.metadata.Capability(capabilityName)
	if !ok {
		return nil, nil, toolerr.Newf(toolerr.UnknownCapability, "tool %q has no capability %q", toolName, capabilityName)
	}
	return cap, tool.executor, nil
}

// Metadata returns a copy of a registered tool's metadata.
func (r *Registry) Metadata(toolName string) (models.ToolMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[toolName]
	if !ok {
		return models.ToolMetadata{}, false
	}
	return tool.metadata, true
}

// ListForUser returns the ToolMetadata for every tool in the user's
// effective set (their own grants unioned with the system set).
func (r *Registry) ListForUser(userID string) []models.ToolMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	effective := r.effectiveSetLocked(userID)
	out := make([]models.ToolMetadata, 0, len(effective))
	for name := range effective {
		if tool, ok := r.tools[name]; ok {
			out = append(out, tool.metadata)
		}
	}
	return out
}

// Grant adds toolName to userID's grant set and invalidates that user's
// cached prompt catalog.
func (r *Registry) Grant(userID, toolName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tools[toolName]; !ok {
		return toolerr.Newf(toolerr.UnknownTool, "tool %q not registered", toolName)
	}
	if r.grants[userID] == nil {
		r.grants[userID] = map[string]bool{}
	}
	r.grants[userID][toolName] = true
	r.notifyLocked(userID)
	return nil
}

// Revoke removes toolName from userID's direct grant set. It does not
// affect tools the user receives via the system set.
func (r *Registry) Revoke(userID, toolName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.grants[userID] != nil {
		delete(r.grants[userID], toolName)
	}
	r.notifyLocked(userID)
	return nil
}

// HasAccess reports whether userID's effective set includes toolName.
func (r *Registry) HasAccess(userID, toolName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.effectiveSetLocked(userID)[toolName]
}

// effectiveSetLocked computes user ∪ system. Callers must hold r.mu.
func (r *Registry) effectiveSetLocked(userID string) map[string]bool {
	effective := map[string]bool{}
	for name := range r.grants[systemUser] {
		effective[name] = true
	}
	for name := range r.grants[userID] {
		effective[name] = true
	}
	return effective
}

func (r *Registry) notifyLocked(userID string) {
	if r.onInvalidate != nil {
		r.onInvalidate(userID)
	}
}

// RateLimitResult reports the outcome of a rate-limit check.
type RateLimitResult struct {
	Limited      bool
	RetryAfterMs int64
}

// CheckRateLimit evaluates the per-(tool,user) sliding-window counter
// for toolName, if one is configured. Tools without a declared
// rate_limit_per_minute are never limited.
func (r *Registry) CheckRateLimit(toolName, userID string) RateLimitResult {
	r.mu.RLock()
	limiter, ok := r.limiters[toolName]
	r.mu.RUnlock()
	if !ok {
		return RateLimitResult{}
	}

	key := ratelimit.CompositeKey(toolName, userID)
	if limiter.Allow(key) {
		return RateLimitResult{}
	}
	return RateLimitResult{
		Limited:      true,
		RetryAfterMs: limiter.RetryAfter(key).Milliseconds(),
	}
}

// ToolNames returns every registered tool's name, for diagnostics.
func (r *Registry) ToolNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	return out
}
