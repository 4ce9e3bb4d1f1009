package promptcompose

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/fluxgate/toolrun/internal/registry"
	"github.com/fluxgate/toolrun/pkg/models"
	"github.com/fluxgate/toolrun/pkg/toolsdk"
)

type noopExecutor struct{}

func (noopExecutor) Execute(ctx context.Context, capability string, input map[string]any, execCtx toolsdk.ExecContext) (any, error) {
	return toolsdk.ExecResult{Success: true}, nil
}
func (noopExecutor) HealthCheck(ctx context.Context) (toolsdk.Health, error) { return toolsdk.Health{Healthy: true}, nil }
func (noopExecutor) ValidateInput(ctx context.Context, capability string, input map[string]any) []string {
	return nil
}
func (noopExecutor) GetCapabilities(ctx context.Context) ([]string, error) { return []string{"read_tag"}, nil }

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r := registry.New()
	err := r.Register(models.ToolMetadata{
		Name:    "scada",
		Version: "1.0.0",
		Capabilities: []models.CapabilityDescriptor{
			{Name: "read_tag", Description: "reads a tag's current value"},
		},
	}, noopExecutor{})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return r
}

func TestCompose_OmitsEmptySections(t *testing.T) {
	c := New(newTestRegistry(t), time.Minute)
	prompt := c.Compose(Request{
		UserID:    "u1",
		Task:      Task{UserMessage: "what is the reactor temperature?"},
		MaxTokens: 100,
	})
	if strings.Contains(prompt, "# Policy") {
		t.Fatal("empty policy section should be omitted")
	}
	if !strings.Contains(prompt, "# Available tools") {
		t.Fatal("expected tool catalog section")
	}
	if !strings.Contains(prompt, "reactor temperature") {
		t.Fatal("expected task section with user message")
	}
}

func TestCompose_SectionOrdering(t *testing.T) {
	c := New(newTestRegistry(t), time.Minute)
	prompt := c.Compose(Request{
		UserID: "u1",
		Policy: Policy{Rules: []string{"never delete production data"}},
		Domain: Domain{Name: "scada"},
		Task:   Task{UserMessage: "hello"},
		MaxTokens: 100,
	})
	policyIdx := strings.Index(prompt, "# Policy")
	domainIdx := strings.Index(prompt, "# Domain")
	catalogIdx := strings.Index(prompt, "# Available tools")
	taskIdx := strings.Index(prompt, "# Task")
	if !(policyIdx < domainIdx && domainIdx < catalogIdx && catalogIdx < taskIdx) {
		t.Fatalf("expected policy < domain < catalog < task ordering, got %d %d %d %d", policyIdx, domainIdx, catalogIdx, taskIdx)
	}
}

func TestCatalog_InvalidatedOnRegister(t *testing.T) {
	r := newTestRegistry(t)
	c := New(r, time.Hour)

	first := c.catalogFor("u2")
	if !strings.Contains(first, "scada") {
		t.Fatal("expected initial catalog to include the registered scada tool")
	}

	if err := r.Register(models.ToolMetadata{Name: "workorder"}, noopExecutor{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	second := c.catalogFor("u2")
	if !strings.Contains(second, "workorder") {
		t.Fatal("expected cache rebuilt to include the newly registered tool")
	}
}

func TestHistoryBudget_ExcludesOversizedFirstMessage(t *testing.T) {
	history := []Message{
		{Role: "user", Content: strings.Repeat("x", 500), At: time.Now()},
	}
	out := renderHistory(history, 10) // budget = 40 chars, message alone exceeds it
	if out != "" {
		t.Fatalf("expected empty context when the only message exceeds budget, got %q", out)
	}
}

func TestHistoryBudget_NewestFirstThenChronological(t *testing.T) {
	history := []Message{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "second"},
		{Role: "user", Content: "third"},
	}
	out := renderHistory(history, 1000)
	firstIdx := strings.Index(out, "first")
	secondIdx := strings.Index(out, "second")
	thirdIdx := strings.Index(out, "third")
	if !(firstIdx < secondIdx && secondIdx < thirdIdx) {
		t.Fatalf("expected chronological order in rendered output, got %q", out)
	}
}

func TestHistoryBudget_TruncatesLongMessage(t *testing.T) {
	history := []Message{
		{Role: "user", Content: strings.Repeat("y", maxMessageChars+500)},
	}
	out := renderHistory(history, 100000)
	if !strings.Contains(out, truncationMarker) {
		t.Fatal("expected oversized message to be truncated with marker")
	}
}
