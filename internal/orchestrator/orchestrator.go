// Package orchestrator implements the state machine that drives one
// request end to end: Received -> Resolving -> Cached? -> Gating ->
// Claiming -> Executing -> Complete, wiring together the Registry, the
// Idempotency Store, the Security Gate, the Dispatcher, and the Event
// Bus. Run performs the steps in a fixed order in one goroutine (some as
// helper methods, the rest inline), rather than free-form goroutines, so
// the event-ordering invariant stays mechanically enforceable.
package orchestrator

import (
	"context"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/fluxgate/toolrun/internal/dispatcher"
	"github.com/fluxgate/toolrun/internal/eventbus"
	"github.com/fluxgate/toolrun/internal/gate"
	"github.com/fluxgate/toolrun/internal/idempotency"
	"github.com/fluxgate/toolrun/internal/registry"
	"github.com/fluxgate/toolrun/internal/toolerr"
	"github.com/fluxgate/toolrun/internal/toolmetrics"
	"github.com/fluxgate/toolrun/pkg/models"
	"github.com/fluxgate/toolrun/pkg/toolsdk"
)

// Config tunes the orchestrator's timeouts and idempotency lifetime.
type Config struct {
	// IdempotencyTTL is how long a completed record is cached for replay.
	IdempotencyTTL time.Duration
	// WaitTimeout bounds how long a caller waits on someone else's
	// in-flight execution of the same key before re-attempting fresh.
	WaitTimeout time.Duration
	// ConfirmTimeout bounds how long Gating's Await state waits for a
	// confirm_received signal before failing with ConfirmationTimeout.
	ConfirmTimeout time.Duration
}

// DefaultConfig mirrors the spec's default_ttl_seconds=3600 and
// reasonable wait/confirm windows for an interactive planner loop.
func DefaultConfig() Config {
	return Config{
		IdempotencyTTL: time.Hour,
		WaitTimeout:    30 * time.Second,
		ConfirmTimeout: 5 * time.Minute,
	}
}

// confirmationDecision is delivered by Confirm to a pending Await.
type confirmationDecision struct {
	Approved bool
	Message  string
}

// Orchestrator is the pipeline entry point; Run is safe for concurrent
// use by many goroutines handling distinct requests.
type Orchestrator struct {
	registry   *registry.Registry
	gate       *gate.Gate
	store      idempotency.Store
	dispatcher *dispatcher.Dispatcher
	bus        *eventbus.Bus
	cfg        Config

	mu            sync.Mutex
	confirmations map[string]chan confirmationDecision

	metrics *toolmetrics.Metrics
}

// SetMetrics attaches a Metrics instance that Run reports dispatch,
// idempotency, and gate outcomes through. Optional; a nil Orchestrator
// metrics field (the zero value) silently skips instrumentation.
func (o *Orchestrator) SetMetrics(m *toolmetrics.Metrics) {
	o.metrics = m
}

// New wires the five collaborating components into an Orchestrator.
func New(reg *registry.Registry, g *gate.Gate, store idempotency.Store, disp *dispatcher.Dispatcher, bus *eventbus.Bus, cfg Config) *Orchestrator {
	return &Orchestrator{
		registry:      reg,
		gate:          g,
		store:         store,
		dispatcher:    disp,
		bus:           bus,
		cfg:           cfg,
		confirmations: make(map[string]chan confirmationDecision),
	}
}

// Run drives one Envelope through the full pipeline and returns its
// Result, or an error describing why it did not complete. Per spec
// failure semantics: InvalidInput/PolicyDenied/RateLimited/Unauthorized
// fail immediately and are never retried or cached; Timeout/Cancelled/
// ExecutorError fail but may be retried by the caller; a cache hit
// returns the stored Result without touching the executor.
func (o *Orchestrator) Run(ctx context.Context, env *models.Envelope) (*models.Result, error) {
	tool, cap, executor, err := o.resolve(env)
	if err != nil {
		return nil, err
	}

	if !o.registry.HasAccess(env.Context.UserID, env.ToolName) {
		err := toolerr.Newf(toolerr.Unauthorized, "user %q has no grant for tool %q", env.Context.UserID, env.ToolName)
		o.emitFailed(env, err)
		return nil, err
	}

	if rl := o.registry.CheckRateLimit(env.ToolName, env.Context.UserID); rl.Limited {
		err := toolerr.New(toolerr.RateLimited, "rate limit exceeded for this tool").WithField("retry_after_ms", strconv.FormatInt(rl.RetryAfterMs, 10))
		o.emitFailed(env, err)
		return nil, err
	}

	status, cached, err := o.store.Check(ctx, env)
	if err != nil {
		wrapped := toolerr.Newf(toolerr.ExecutorError, "idempotency check failed: %v", err)
		o.emitFailed(env, wrapped)
		return nil, wrapped
	}

	o.metrics.RecordIdempotencyCheck(string(status))

	switch status {
	case idempotency.CheckDuplicate:
		o.emitCompleted(env, cached)
		return cached, nil
	case idempotency.CheckInProgress:
		if result, retErr := o.waitForInFlight(ctx, env); result != nil || retErr != nil {
			return result, retErr
		}
		// fall through: the prior holder timed out or failed without a
		// trace; re-attempt as if this were a fresh request.
	}

	decision := o.evaluatePolicy(env, tool, cap)
	o.metrics.RecordGateDecision(string(decision.Result))
	switch decision.Result {
	case gate.DecisionDenied:
		err := toolerr.Newf(toolerr.PolicyDenied, "%s", decision.Reason)
		o.emitFailed(env, err)
		return nil, err
	case gate.DecisionRequiresConfirmation:
		if err := o.awaitConfirmation(ctx, env, decision); err != nil {
			return nil, err
		}
	}

	o.emit(eventbus.Event{EventType: eventbus.EventStarted, RequestID: env.RequestID, TraceID: env.TraceID, ToolName: env.ToolName, CapabilityName: env.CapabilityName, UserID: env.Context.UserID, CompanyID: env.Context.CompanyID, Timestamp: time.Now().UTC(), Parameters: env.Parameters})

	if err := o.store.Begin(ctx, env, o.cfg.IdempotencyTTL); err != nil {
		if err == idempotency.ErrAlreadyInProgress {
			if result, retErr := o.waitForInFlight(ctx, env); result != nil || retErr != nil {
				return result, retErr
			}
			return nil, toolerr.New(toolerr.Timeout, "idempotency wait timed out waiting for concurrent request")
		}
		wrapped := toolerr.Newf(toolerr.ExecutorError, "idempotency begin failed: %v", err)
		o.emitFailed(env, wrapped)
		return nil, wrapped
	}

	key := env.EffectiveIdempotencyKey()
	dispatchStart := time.Now()
	result, err := func() (res *models.Result, err error) {
		defer func() {
			if p := recover(); p != nil {
				res, err = nil, toolerr.Newf(toolerr.ExecutorError, "executor panicked: %v", p)
			}
		}()
		return o.dispatcher.Dispatch(ctx, env, cap, executor)
	}()
	dispatchSeconds := time.Since(dispatchStart).Seconds()
	if err != nil {
		_ = o.store.Fail(ctx, key)
		o.metrics.RecordDispatch(env.ToolName, env.CapabilityName, "error", dispatchSeconds)
		if code, ok := toolerr.CodeOf(err); ok && code == toolerr.Cancelled {
			o.emit(eventbus.Event{EventType: eventbus.EventCancelled, RequestID: env.RequestID, TraceID: env.TraceID, ToolName: env.ToolName, CapabilityName: env.CapabilityName, UserID: env.Context.UserID, CompanyID: env.Context.CompanyID, Timestamp: time.Now().UTC(), Reason: "cancelled"})
		} else {
			o.emitFailed(env, err)
		}
		return nil, err
	}
	o.metrics.RecordDispatch(env.ToolName, env.CapabilityName, "success", dispatchSeconds)

	if err := o.store.Complete(ctx, key, result); err != nil {
		wrapped := toolerr.Newf(toolerr.ExecutorError, "idempotency complete failed: %v", err)
		o.emitFailed(env, wrapped)
		return nil, wrapped
	}

	o.emitCompleted(env, result)
	return result, nil
}

// Confirm delivers a confirmation decision for a pending Await. It
// returns false if no Await is currently pending for request_id -
// either because it never required confirmation, or because the
// confirmation window already timed out. A late confirmation is not an
// error: the spec's idempotent-retry story means the caller can simply
// resubmit the same idempotency_key and it will execute fresh.
func (o *Orchestrator) Confirm(requestID string, approved bool, message string) bool {
	o.mu.Lock()
	ch, ok := o.confirmations[requestID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- confirmationDecision{Approved: approved, Message: message}:
		return true
	default:
		return false
	}
}

// resolve looks up the tool's metadata, the requested capability, and
// its executor. UnknownTool/UnknownCapability propagate as-is from the
// registry.
func (o *Orchestrator) resolve(env *models.Envelope) (models.ToolMetadata, *models.CapabilityDescriptor, toolsdk.Executor, error) {
	tool, ok := o.registry.Metadata(env.ToolName)
	if !ok {
		err := toolerr.Newf(toolerr.UnknownTool, "tool %q not registered", env.ToolName)
		o.emitFailed(env, err)
		return models.ToolMetadata{}, nil, nil, err
	}
	cap, executor, err := o.registry.Resolve(env.ToolName, env.CapabilityName)
	if err != nil {
		o.emitFailed(env, err)
		return models.ToolMetadata{}, nil, nil, err
	}
	return tool, cap, executor, nil
}

// waitForInFlight suspends on the store's completion signal for the
// envelope's effective key. A non-nil result or error is a terminal
// outcome the caller should return immediately; (nil, nil) means the
// wait window elapsed and the caller should treat this as a fresh
// attempt.
func (o *Orchestrator) waitForInFlight(ctx context.Context, env *models.Envelope) (*models.Result, error) {
	key := env.EffectiveIdempotencyKey()
	result, err := o.store.Wait(ctx, key, o.cfg.WaitTimeout)
	if err != nil {
		wrapped := toolerr.Newf(toolerr.Cancelled, "wait for in-flight request cancelled: %v", err)
		o.emitFailed(env, wrapped)
		return nil, wrapped
	}
	if result != nil {
		result.IdempotencyStatus = models.IdempotencyDuplicate
		o.emitCompleted(env, result)
		return result, nil
	}
	return nil, nil
}

// evaluatePolicy classifies the operation via the Security Gate when
// the tool declares a computer_mode-relevant tool_type (file, url,
// browser, code_exec); otherwise it falls back to the tool's own
// declared risk_level/requires_confirmation, since not every tool in
// the registry is a filesystem/browser/code-exec tool.
func (o *Orchestrator) evaluatePolicy(env *models.Envelope, tool models.ToolMetadata, cap *models.CapabilityDescriptor) gate.CheckResult {
	switch tool.ToolType {
	case "file":
		op := gate.Operation(stringParam(env.Parameters, "operation", "read"))
		path := stringParam(env.Parameters, "path", "")
		size := int64Param(env.Parameters, "size")
		return o.gate.CheckFile(tool.ComputerMode, op, path, size)
	case "url", "browser":
		rawURL := stringParam(env.Parameters, "url", "")
		return o.gate.CheckURL(tool.ComputerMode, rawURL, hostOf(rawURL))
	case "code_exec":
		code := stringParam(env.Parameters, "code", "")
		sandbox := boolParam(env.Parameters, "sandbox")
		return o.gate.CheckCodeExec(tool.ComputerMode, code, sandbox)
	default:
		if tool.RequiresConfirmation {
			return gate.CheckResult{
				Allowed:             true,
				Result:              gate.DecisionRequiresConfirmation,
				ConfirmationMessage: confirmationMessage(tool, cap),
				RiskLevel:           tool.RiskLevel,
			}
		}
		return gate.CheckResult{Allowed: true, Result: gate.DecisionAllowed, RiskLevel: tool.RiskLevel}
	}
}

func confirmationMessage(tool models.ToolMetadata, cap *models.CapabilityDescriptor) string {
	name := tool.Name
	if cap != nil {
		name = tool.Name + "." + cap.Name
	}
	return "confirm execution of " + name
}

// awaitConfirmation emits confirmation_required, blocks on Confirm (or
// ConfirmTimeout), and emits confirmation_received on a decision. A
// denial or timeout returns a terminal error; approval returns nil so
// the caller proceeds to Claiming.
func (o *Orchestrator) awaitConfirmation(ctx context.Context, env *models.Envelope, decision gate.CheckResult) error {
	o.emit(eventbus.Event{
		EventType:           eventbus.EventConfirmationRequired,
		RequestID:           env.RequestID,
		TraceID:             env.TraceID,
		ToolName:            env.ToolName,
		CapabilityName:      env.CapabilityName,
		UserID:              env.Context.UserID,
		CompanyID:           env.Context.CompanyID,
		Timestamp:           time.Now().UTC(),
		RiskLevel:           decision.RiskLevel,
		ConfirmationMessage: decision.ConfirmationMessage,
	})

	ch := make(chan confirmationDecision, 1)
	o.mu.Lock()
	o.confirmations[env.RequestID] = ch
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.confirmations, env.RequestID)
		o.mu.Unlock()
	}()

	timer := time.NewTimer(o.cfg.ConfirmTimeout)
	defer timer.Stop()

	select {
	case d := <-ch:
		o.emit(eventbus.Event{
			EventType:       eventbus.EventConfirmationReceived,
			RequestID:       env.RequestID,
			TraceID:         env.TraceID,
			ToolName:        env.ToolName,
			CapabilityName:  env.CapabilityName,
			UserID:          env.Context.UserID,
			CompanyID:       env.Context.CompanyID,
			Timestamp:       time.Now().UTC(),
			Approved:        d.Approved,
			ApprovalMessage: d.Message,
		})
		if !d.Approved {
			err := toolerr.New(toolerr.UserDenied, "confirmation was denied")
			o.emitFailed(env, err)
			return err
		}
		return nil
	case <-timer.C:
		err := toolerr.New(toolerr.ConfirmationTimeout, "confirmation was not received in time")
		o.emitFailed(env, err)
		return err
	case <-ctx.Done():
		err := toolerr.Newf(toolerr.Cancelled, "request cancelled while awaiting confirmation: %v", ctx.Err())
		o.emitFailed(env, err)
		return err
	}
}

func (o *Orchestrator) emit(evt eventbus.Event) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(evt)
}

func (o *Orchestrator) emitFailed(env *models.Envelope, err error) {
	message := err.Error()
	var reason string
	if code, ok := toolerr.CodeOf(err); ok {
		reason = string(code)
	}
	o.emit(eventbus.Event{
		EventType:      eventbus.EventFailed,
		RequestID:      env.RequestID,
		TraceID:        env.TraceID,
		ToolName:       env.ToolName,
		CapabilityName: env.CapabilityName,
		UserID:         env.Context.UserID,
		CompanyID:      env.Context.CompanyID,
		Timestamp:      time.Now().UTC(),
		Message:        message,
		Reason:         reason,
	})
}

func (o *Orchestrator) emitCompleted(env *models.Envelope, result *models.Result) {
	o.emit(eventbus.Event{
		EventType:      eventbus.EventCompleted,
		RequestID:      env.RequestID,
		TraceID:        env.TraceID,
		ToolName:       env.ToolName,
		CapabilityName: env.CapabilityName,
		UserID:         env.Context.UserID,
		CompanyID:      env.Context.CompanyID,
		Timestamp:      time.Now().UTC(),
		Result:         result,
	})
}

func stringParam(params map[string]any, key, fallback string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return fallback
}

func boolParam(params map[string]any, key string) bool {
	v, _ := params[key].(bool)
	return v
}

func int64Param(params map[string]any, key string) int64 {
	switch v := params[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func hostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return parsed.Hostname()
}
