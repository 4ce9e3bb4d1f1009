// Package dispatcher implements the Capability Dispatcher: it validates
// input against a capability's declared schema, handles dry-run,
// invokes the resolved executor with a bounded timeout, normalizes the
// executor's native return value into a models.Result, and records
// execution time.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/fluxgate/toolrun/internal/toolerr"
	"github.com/fluxgate/toolrun/pkg/models"
	"github.com/fluxgate/toolrun/pkg/toolsdk"
)

// Dispatcher validates, dispatches to, and normalizes results from
// capability executors.
type Dispatcher struct {
	schemaMu    sync.Mutex
	schemaCache map[string]*jsonschema.Schema
}

// New returns a ready Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{schemaCache: make(map[string]*jsonschema.Schema)}
}

// Dispatch runs the full dispatch pipeline for one capability call.
func (d *Dispatcher) Dispatch(ctx context.Context, env *models.Envelope, cap *models.CapabilityDescriptor, executor toolsdk.Executor) (*models.Result, error) {
	start := time.Now()

	if violations := d.validateInput(cap, env.Parameters); len(violations) > 0 {
		err := toolerr.New(toolerr.InvalidInput, "input validation failed")
		for i, v := range violations {
			err = err.WithField(fmt.Sprintf("violation[%d]", i), v)
		}
		return nil, err
	}

	if env.DryRun {
		return d.synthesizeDryRun(env, cap, start), nil
	}

	timeout := time.Duration(env.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(models.DefaultTimeoutSeconds) * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	native, err := executor.Execute(execCtx, cap.Name, env.Parameters, toolsdk.ExecContext{
		UserID:  env.Context.UserID,
		TraceID: env.TraceID,
		Timeout: env.TimeoutSeconds,
	})

	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return nil, toolerr.New(toolerr.Timeout, "executor exceeded timeout_seconds")
		}
		if execCtx.Err() == context.Canceled {
			return nil, toolerr.New(toolerr.Cancelled, "execution was cancelled")
		}
		return nil, toolerr.Newf(toolerr.ExecutorError, "%v", err)
	}

	result, normErr := d.normalize(native)
	if normErr != nil {
		return nil, normErr
	}

	result.RequestID = env.RequestID
	result.TraceID = env.TraceID
	result.ExecutionTimeMs = elapsed
	result.CompletedAt = time.Now()
	result.IdempotencyStatus = models.IdempotencyNew
	return result, nil
}

// validateInput checks parameters against the capability's declared
// input_schema, if any; a capability without a schema is accepted as-is.
func (d *Dispatcher) validateInput(cap *models.CapabilityDescriptor, params map[string]any) []string {
	if len(cap.InputSchema) == 0 {
		return nil
	}

	schema, err := d.compiledSchema(cap.Name, cap.InputSchema)
	if err != nil {
		return []string{fmt.Sprintf("schema for capability %q is invalid: %v", cap.Name, err)}
	}

	if err := schema.Validate(toJSONValue(params)); err != nil {
		if verr, ok := err.(*jsonschema.ValidationError); ok {
			return flattenValidationError(verr)
		}
		return []string{err.Error()}
	}
	return nil
}

func (d *Dispatcher) compiledSchema(capabilityName string, raw json.RawMessage) (*jsonschema.Schema, error) {
	d.schemaMu.Lock()
	defer d.schemaMu.Unlock()

	if schema, ok := d.schemaCache[capabilityName]; ok {
		return schema, nil
	}

	compiler := jsonschema.NewCompiler()
	url := "mem://" + capabilityName + ".json"
	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, err
	}
	d.schemaCache[capabilityName] = schema
	return schema, nil
}

// flattenValidationError walks the jsonschema library's nested
// ValidationError tree into a flat list of human-readable strings, one
// per violation, matching the "fails with InvalidInput listing each
// violation" requirement.
func flattenValidationError(verr *jsonschema.ValidationError) []string {
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, e.Error())
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(verr)
	return out
}

// toJSONValue round-trips v through JSON so the schema validator sees
// the same shape it would see over the wire (numbers as float64, etc).
func toJSONValue(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

// synthesizeDryRun returns a Result describing what would happen,
// without invoking the executor. Its SideEffects holds a single
// "would invoke <tool>.<capability>" entry; the tool's declared
// side_effects are not consulted.
func (d *Dispatcher) synthesizeDryRun(env *models.Envelope, cap *models.CapabilityDescriptor, start time.Time) *models.Result {
	return &models.Result{
		RequestID:         env.RequestID,
		Success:           true,
		Data:              map[string]any{"dry_run": true, "capability": cap.Name},
		SideEffects:       []string{fmt.Sprintf("would invoke %s.%s", env.ToolName, cap.Name)},
		IdempotencyStatus: models.IdempotencyNew,
		TraceID:           env.TraceID,
		ExecutionTimeMs:   time.Since(start).Milliseconds(),
		CompletedAt:       time.Now(),
	}
}

// normalize interprets an executor's native return shape into a Result.
// A toolsdk.ExecResult or a models.Result pointer are accepted directly;
// a type implementing toolsdk.NativeResulter is adapted; anything else
// is an InvalidExecutorResponse.
func (d *Dispatcher) normalize(native any) (*models.Result, error) {
	switch v := native.(type) {
	case *models.Result:
		if v == nil {
			return nil, toolerr.New(toolerr.InvalidExecutorResponse, "executor returned a nil result")
		}
		return v.Clone(), nil
	case models.Result:
		return v.Clone(), nil
	case toolsdk.ExecResult:
		return execResultToModel(v), nil
	case *toolsdk.ExecResult:
		if v == nil {
			return nil, toolerr.New(toolerr.InvalidExecutorResponse, "executor returned a nil result")
		}
		return execResultToModel(*v), nil
	case toolsdk.NativeResulter:
		return &models.Result{
			Success: v.IsSuccess(),
			Data:    v.ResultData(),
			Error:   v.ResultError(),
		}, nil
	default:
		return nil, toolerr.New(toolerr.InvalidExecutorResponse, "executor returned an unrecognized result shape")
	}
}

func execResultToModel(v toolsdk.ExecResult) *models.Result {
	return &models.Result{
		Success: v.Success,
		Data:    v.Data,
		Error:   v.Error,
	}
}
