package dispatcher

import (
	"context"

	"github.com/fluxgate/toolrun/pkg/toolsdk"
)

// InProcessFunc is the signature a plugin author implements for a tool
// that runs in the same process as the dispatcher.
type InProcessFunc func(ctx context.Context, capability string, input map[string]any, execCtx toolsdk.ExecContext) (any, error)

// InProcessExecutor adapts a plain Go function to toolsdk.Executor. This
// is the common case: a tool with no external transport, registered and
// invoked as a value.
type InProcessExecutor struct {
	fn           InProcessFunc
	capabilities []string
	healthy      func(ctx context.Context) toolsdk.Health
}

// NewInProcessExecutor builds an adapter around fn.
func NewInProcessExecutor(fn InProcessFunc, capabilities []string) *InProcessExecutor {
	return &InProcessExecutor{fn: fn, capabilities: capabilities}
}

// WithHealthCheck overrides the default always-healthy check.
func (e *InProcessExecutor) WithHealthCheck(fn func(ctx context.Context) toolsdk.Health) *InProcessExecutor {
	e.healthy = fn
	return e
}

func (e *InProcessExecutor) Execute(ctx context.Context, capability string, input map[string]any, execCtx toolsdk.ExecContext) (any, error) {
	return e.fn(ctx, capability, input, execCtx)
}

func (e *InProcessExecutor) HealthCheck(ctx context.Context) (toolsdk.Health, error) {
	if e.healthy != nil {
		return e.healthy(ctx), nil
	}
	return toolsdk.Health{Healthy: true, Component: "in-process"}, nil
}

func (e *InProcessExecutor) ValidateInput(ctx context.Context, capability string, input map[string]any) []string {
	return nil
}

func (e *InProcessExecutor) GetCapabilities(ctx context.Context) ([]string, error) {
	return e.capabilities, nil
}
