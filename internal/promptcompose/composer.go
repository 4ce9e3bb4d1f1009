// Package promptcompose assembles the three-part system prompt (policy,
// domain, task) plus the dynamic tool catalog handed to the planner
// before it picks a capability to invoke. The section ordering and the
// "skip empty sections" discipline mirror this codebase's
// buildSystemPrompt.
package promptcompose

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fluxgate/toolrun/internal/registry"
)

// Policy is the company-wide rules / role constraints / permissions /
// data-handling section, authored independently of any one request.
type Policy struct {
	Rules               []string
	ForbiddenActions    []string
	DataHandlingNotes   []string
}

// Domain is a selected domain template (SCADA, maintenance, workorder,
// MES, data-science, ...) with its own terminology and rules.
type Domain struct {
	Name          string
	Terminology   []string
	DomainRules   []string
}

// Message is one turn of conversation history.
type Message struct {
	Role    string
	Content string
	At      time.Time
}

// Task is the current-request section: the user's message, recent
// conversation turns, and any classified intent/entities.
type Task struct {
	UserMessage string
	History     []Message
	Intent      string
	Entities    map[string]string
}

// Request bundles everything the composer needs for one prompt.
type Request struct {
	UserID    string
	Policy    Policy
	Domain    Domain
	Task      Task
	MaxTokens int
}

const maxMessageChars = 2000
const truncationMarker = "... [truncated]"
const charsPerToken = 4

// Composer assembles prompts and caches the per-user tool catalog
// section until the registry reports a register/grant/revoke.
type Composer struct {
	registry *registry.Registry

	cacheMu sync.Mutex
	cache   map[string]cachedCatalog
	ttl     time.Duration
}

type cachedCatalog struct {
	text      string
	expiresAt time.Time
}

// New builds a Composer backed by reg, with catalog entries cached for
// ttl and invalidated immediately on any grant/revoke/register via
// reg.OnInvalidate.
func New(reg *registry.Registry, ttl time.Duration) *Composer {
	c := &Composer{
		registry: reg,
		cache:    make(map[string]cachedCatalog),
		ttl:      ttl,
	}
	reg.OnInvalidate(c.invalidate)
	return c
}

func (c *Composer) invalidate(userID string) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	if userID == "" {
		c.cache = make(map[string]cachedCatalog)
		return
	}
	delete(c.cache, userID)
}

// Compose assembles the full prompt: policy, domain, tool catalog, task.
func (c *Composer) Compose(req Request) string {
	var sections []string

	if s := renderPolicy(req.Policy); s != "" {
		sections = append(sections, s)
	}
	if s := renderDomain(req.Domain); s != "" {
		sections = append(sections, s)
	}
	if s := c.catalogFor(req.UserID); s != "" {
		sections = append(sections, s)
	}
	if s := renderTask(req.Task, req.MaxTokens); s != "" {
		sections = append(sections, s)
	}

	return strings.TrimSpace(strings.Join(sections, "\n\n"))
}

func renderPolicy(p Policy) string {
	var lines []string
	if len(p.Rules) > 0 {
		lines = append(lines, "Rules:\n"+bulletJoin(p.Rules))
	}
	if len(p.ForbiddenActions) > 0 {
		lines = append(lines, "Forbidden actions:\n"+bulletJoin(p.ForbiddenActions))
	}
	if len(p.DataHandlingNotes) > 0 {
		lines = append(lines, "Data handling:\n"+bulletJoin(p.DataHandlingNotes))
	}
	if len(lines) == 0 {
		return ""
	}
	return "# Policy\n" + strings.Join(lines, "\n")
}

func renderDomain(d Domain) string {
	if d.Name == "" && len(d.Terminology) == 0 && len(d.DomainRules) == 0 {
		return ""
	}
	var lines []string
	if d.Name != "" {
		lines = append(lines, fmt.Sprintf("Domain: %s", d.Name))
	}
	if len(d.Terminology) > 0 {
		lines = append(lines, "Terminology:\n"+bulletJoin(d.Terminology))
	}
	if len(d.DomainRules) > 0 {
		lines = append(lines, "Domain rules:\n"+bulletJoin(d.DomainRules))
	}
	return "# Domain\n" + strings.Join(lines, "\n")
}

// catalogFor returns the cached tool catalog section for userID,
// rebuilding it if absent or expired.
func (c *Composer) catalogFor(userID string) string {
	c.cacheMu.Lock()
	if entry, ok := c.cache[userID]; ok && time.Now().Before(entry.expiresAt) {
		c.cacheMu.Unlock()
		return entry.text
	}
	c.cacheMu.Unlock()

	text := c.buildCatalog(userID)

	c.cacheMu.Lock()
	c.cache[userID] = cachedCatalog{text: text, expiresAt: time.Now().Add(c.ttl)}
	c.cacheMu.Unlock()

	return text
}

func (c *Composer) buildCatalog(userID string) string {
	tools := c.registry.ListForUser(userID)
	if len(tools) == 0 {
		return ""
	}

	var lines []string
	lines = append(lines, "# Available tools")
	for _, tool := range tools {
		lines = append(lines, fmt.Sprintf("## %s (v%s)", tool.Name, tool.Version))
		if tool.Description != "" {
			lines = append(lines, tool.Description)
		}
		for _, capDesc := range tool.Capabilities {
			entry := fmt.Sprintf("- %s", capDesc.Name)
			if capDesc.Description != "" {
				entry += ": " + capDesc.Description
			}
			lines = append(lines, entry)
		}
		if tool.RequiresConfirmation {
			lines = append(lines, fmt.Sprintf("Note: %s requires confirmation (%s) before side effects take place.", tool.Name, tool.ConfirmationPolicy))
		}
	}
	lines = append(lines, "Ordering principle: the final step's output becomes the user's response.")

	return strings.Join(lines, "\n")
}

func renderTask(t Task, maxTokens int) string {
	var lines []string
	lines = append(lines, "# Task")

	if context := renderHistory(t.History, maxTokens); context != "" {
		lines = append(lines, "Conversation context:\n"+context)
	}

	if t.Intent != "" {
		lines = append(lines, fmt.Sprintf("Classified intent: %s", t.Intent))
	}
	if len(t.Entities) > 0 {
		var ent []string
		for k, v := range t.Entities {
			ent = append(ent, fmt.Sprintf("%s=%s", k, v))
		}
		lines = append(lines, "Entities: "+strings.Join(ent, ", "))
	}

	lines = append(lines, "User message:\n"+t.UserMessage)

	return strings.Join(lines, "\n\n")
}

// renderHistory applies the character-budget truncation rule: budget =
// max_tokens * 4 chars, messages are walked newest-first accumulating
// into the budget, then the accepted set is reversed back to
// chronological order. A message that alone exceeds the remaining
// budget is excluded, even if that means accepting zero messages.
// Any individual message longer than 2000 chars is itself truncated
// with an ellipsis marker before the budget check.
func renderHistory(history []Message, maxTokens int) string {
	if len(history) == 0 {
		return ""
	}

	budget := maxTokens * charsPerToken
	if budget <= 0 {
		return ""
	}

	var accepted []Message
	used := 0
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		content := msg.Content
		if len(content) > maxMessageChars {
			content = content[:maxMessageChars-len(truncationMarker)] + truncationMarker
		}
		cost := len(content) + len(msg.Role) + 2
		if used+cost > budget {
			break
		}
		used += cost
		accepted = append(accepted, Message{Role: msg.Role, Content: content, At: msg.At})
	}

	if len(accepted) == 0 {
		return ""
	}

	// accepted was built newest-first; reverse to chronological order.
	for i, j := 0, len(accepted)-1; i < j; i, j = i+1, j-1 {
		accepted[i], accepted[j] = accepted[j], accepted[i]
	}

	lines := make([]string, 0, len(accepted))
	for _, m := range accepted {
		lines = append(lines, fmt.Sprintf("%s: %s", m.Role, m.Content))
	}
	return strings.Join(lines, "\n")
}

func bulletJoin(items []string) string {
	lines := make([]string, len(items))
	for i, item := range items {
		lines[i] = "- " + item
	}
	return strings.Join(lines, "\n")
}
