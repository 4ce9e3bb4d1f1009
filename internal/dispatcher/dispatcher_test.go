package dispatcher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fluxgate/toolrun/internal/toolerr"
	"github.com/fluxgate/toolrun/pkg/models"
	"github.com/fluxgate/toolrun/pkg/toolsdk"
)

func testEnvelope(params map[string]any) *models.Envelope {
	env, err := models.NewEnvelope(models.NewEnvelopeParams{
		ToolName:       "scada",
		CapabilityName: "read_tag",
		Parameters:     params,
		Context: models.EnvelopeContext{
			CompanyID: "acme",
			UserID:    "u1",
		},
		TimeoutSeconds: 2,
	})
	if err != nil {
		panic(err)
	}
	return env
}

func capabilityWithSchema(schema string) *models.CapabilityDescriptor {
	return &models.CapabilityDescriptor{
		Name:        "read_tag",
		InputSchema: json.RawMessage(schema),
	}
}

func TestDispatch_RejectsInputFailingSchema(t *testing.T) {
	d := New()
	cap := capabilityWithSchema(`{
		"type": "object",
		"required": ["tag"],
		"properties": {"tag": {"type": "string"}}
	}`)
	env := testEnvelope(map[string]any{"tag": 42})

	_, err := d.Dispatch(context.Background(), env, cap, &InProcessExecutor{})
	if err == nil {
		t.Fatal("expected validation error")
	}
	code, ok := toolerr.CodeOf(err)
	if !ok || code != toolerr.InvalidInput {
		t.Fatalf("expected InvalidInput, got %v", err)
	}
}

func TestDispatch_DryRunDoesNotInvokeExecutor(t *testing.T) {
	d := New()
	cap := &models.CapabilityDescriptor{Name: "read_tag"}
	env := testEnvelope(map[string]any{"tag": "FIC-101"})
	env.DryRun = true

	invoked := false
	exec := NewInProcessExecutor(func(ctx context.Context, capability string, input map[string]any, execCtx toolsdk.ExecContext) (any, error) {
		invoked = true
		return toolsdk.ExecResult{Success: true}, nil
	}, []string{"read_tag"})

	result, err := d.Dispatch(context.Background(), env, cap, exec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if invoked {
		t.Fatal("dry run must not invoke the executor")
	}
	if !result.Success {
		t.Fatalf("expected synthesized dry run result to be success, got %+v", result)
	}
}

func TestDispatch_NormalizesExecResult(t *testing.T) {
	d := New()
	cap := &models.CapabilityDescriptor{Name: "read_tag"}
	env := testEnvelope(map[string]any{"tag": "FIC-101"})

	exec := NewInProcessExecutor(func(ctx context.Context, capability string, input map[string]any, execCtx toolsdk.ExecContext) (any, error) {
		return toolsdk.ExecResult{Success: true, Data: map[string]any{"value": 12.4}}, nil
	}, []string{"read_tag"})

	result, err := d.Dispatch(context.Background(), env, cap, exec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success || result.RequestID != env.RequestID {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.ExecutionTimeMs < 0 {
		t.Fatalf("expected non-negative execution time, got %d", result.ExecutionTimeMs)
	}
}

func TestDispatch_TimeoutProducesTimeoutError(t *testing.T) {
	d := New()
	cap := &models.CapabilityDescriptor{Name: "read_tag"}
	env := testEnvelope(map[string]any{"tag": "FIC-101"})
	env.TimeoutSeconds = 1

	exec := NewInProcessExecutor(func(ctx context.Context, capability string, input map[string]any, execCtx toolsdk.ExecContext) (any, error) {
		select {
		case <-time.After(5 * time.Second):
			return toolsdk.ExecResult{Success: true}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, []string{"read_tag"})

	_, err := d.Dispatch(context.Background(), env, cap, exec)
	code, ok := toolerr.CodeOf(err)
	if !ok || code != toolerr.Timeout {
		t.Fatalf("expected Timeout, got %v", err)
	}
}

func TestDispatch_UnrecognizedExecutorReturnIsInvalidExecutorResponse(t *testing.T) {
	d := New()
	cap := &models.CapabilityDescriptor{Name: "read_tag"}
	env := testEnvelope(nil)

	exec := NewInProcessExecutor(func(ctx context.Context, capability string, input map[string]any, execCtx toolsdk.ExecContext) (any, error) {
		return "not a recognized shape", nil
	}, []string{"read_tag"})

	_, err := d.Dispatch(context.Background(), env, cap, exec)
	code, ok := toolerr.CodeOf(err)
	if !ok || code != toolerr.InvalidExecutorResponse {
		t.Fatalf("expected InvalidExecutorResponse, got %v", err)
	}
}
