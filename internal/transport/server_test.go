package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fluxgate/toolrun/internal/dispatcher"
	"github.com/fluxgate/toolrun/internal/eventbus"
	"github.com/fluxgate/toolrun/internal/gate"
	"github.com/fluxgate/toolrun/internal/idempotency"
	"github.com/fluxgate/toolrun/internal/orchestrator"
	"github.com/fluxgate/toolrun/internal/promptcompose"
	"github.com/fluxgate/toolrun/internal/registry"
	"github.com/fluxgate/toolrun/pkg/models"
	"github.com/fluxgate/toolrun/pkg/toolsdk"
)

type echoExecutor struct{}

func (echoExecutor) Execute(ctx context.Context, capability string, input map[string]any, execCtx toolsdk.ExecContext) (any, error) {
	return toolsdk.ExecResult{Success: true, Data: input}, nil
}
func (echoExecutor) HealthCheck(ctx context.Context) (toolsdk.Health, error) {
	return toolsdk.Health{Healthy: true}, nil
}
func (echoExecutor) ValidateInput(ctx context.Context, capability string, input map[string]any) []string {
	return nil
}
func (echoExecutor) GetCapabilities(ctx context.Context) ([]string, error) { return []string{"read_tag"}, nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	reg := registry.New()
	if err := reg.Register(models.ToolMetadata{
		Name:         "scada",
		Version:      "1.0.0",
		Capabilities: []models.CapabilityDescriptor{{Name: "read_tag"}},
	}, echoExecutor{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Grant("u1", "scada"); err != nil {
		t.Fatalf("grant: %v", err)
	}

	gateCfg := gate.Config{}
	if err := gateCfg.Compile(); err != nil {
		t.Fatalf("compile gate: %v", err)
	}

	orch := orchestrator.New(reg, gate.New(gateCfg), idempotency.NewMemoryStore(), dispatcher.New(), eventbus.New(), orchestrator.DefaultConfig())

	composer := promptcompose.New(reg, time.Minute)

	return New(Config{Orchestrator: orch, Registry: reg, Bus: eventbus.New(), Composer: composer})
}

func TestHandleListTools(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/tools", nil)
	rec := httptest.NewRecorder()

	srv.handleListTools(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body struct {
		Tools []models.ToolMetadata `json:"tools"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Tools) != 1 || body.Tools[0].Name != "scada" {
		t.Fatalf("expected a single scada tool, got %+v", body.Tools)
	}
}

func TestHandleExecuteSuccess(t *testing.T) {
	srv := newTestServer(t)

	payload := executeRequest{
		ToolName:       "scada",
		CapabilityName: "read_tag",
		Parameters:     map[string]any{"tag": "FIC-101"},
		Context:        models.EnvelopeContext{CompanyID: "acme", UserID: "u1"},
	}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/v1/execute", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	srv.handleExecute(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body=%s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var result models.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
}

func TestHandleExecuteUnknownToolReturnsNotFound(t *testing.T) {
	srv := newTestServer(t)

	payload := executeRequest{
		ToolName:       "missing",
		CapabilityName: "anything",
		Context:        models.EnvelopeContext{CompanyID: "acme", UserID: "u1"},
	}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/v1/execute", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	srv.handleExecute(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d, body=%s", rec.Code, http.StatusNotFound, rec.Body.String())
	}
}

func TestHandleConfirmWithoutPendingRequestReturnsNotFound(t *testing.T) {
	srv := newTestServer(t)

	body, _ := json.Marshal(confirmRequest{Approved: true})
	req := httptest.NewRequest(http.MethodPost, "/v1/confirm/does-not-exist", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	srv.handleConfirm(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHandleComposeIncludesGrantedToolCatalog(t *testing.T) {
	srv := newTestServer(t)

	payload := composeRequest{
		UserID: "u1",
		Policy: promptcompose.Policy{Rules: []string{"never delete production data"}},
		Task:   promptcompose.Task{UserMessage: "what is the value of FIC-101?"},
	}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/v1/prompt", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	srv.handleCompose(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body=%s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var out struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(out.Prompt, "scada") {
		t.Fatalf("expected composed prompt to include the granted tool catalog, got %q", out.Prompt)
	}
	if !strings.Contains(out.Prompt, "never delete production data") {
		t.Fatalf("expected composed prompt to include policy rules, got %q", out.Prompt)
	}
}

func TestHandleComposeWithoutComposerReturnsServiceUnavailable(t *testing.T) {
	srv := New(Config{})
	req := httptest.NewRequest(http.MethodPost, "/v1/prompt", bytes.NewReader([]byte("{}")))
	rec := httptest.NewRecorder()

	srv.handleCompose(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestHandleExecuteRejectsInvalidJSON(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/execute", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()

	srv.handleExecute(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}
