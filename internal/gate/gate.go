// Package gate implements the Security Gate: it evaluates a
// filesystem, URL, or code-execution request against the configured
// computer_mode and allow/deny rules, and decides allow, deny, or
// require-confirmation. The mode-resolution shape mirrors this
// codebase's sandbox-mode resolver; the deny-beats-allow tie-break and
// glob/regex matching mirror its tool policy package.
package gate

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/fluxgate/toolrun/internal/net/ssrf"
	"github.com/fluxgate/toolrun/pkg/models"
)

// Decision is the outcome of a gate check.
type Decision string

const (
	DecisionAllowed             Decision = "allowed"
	DecisionDenied              Decision = "denied"
	DecisionRequiresConfirmation Decision = "requires_confirmation"
)

// CheckResult is returned by every Gate check method.
type CheckResult struct {
	Allowed             bool
	Result              Decision
	Reason              string
	ConfirmationMessage string
	RiskLevel           models.RiskLevel
}

// Operation enumerates the file operations the gate reasons about.
type Operation string

const (
	OpRead    Operation = "read"
	OpWrite   Operation = "write"
	OpDelete  Operation = "delete"
	OpMove    Operation = "move"
	OpExecute Operation = "execute"
)

// Config holds the whitelist/blacklist rules applied in restricted mode.
type Config struct {
	AllowedPaths      []string
	DeniedPaths       []string
	AllowedExtensions []string
	DeniedExtensions  []string

	AllowedURLPatterns []string
	DeniedURLPatterns  []string

	MaxFileSize int64

	// ConfirmationOperations lists file operations that always require
	// confirmation in restricted mode, independent of path/extension
	// checks (e.g. "write", "delete", "move", "execute").
	ConfirmationOperations []string

	compiledAllowURL []*regexp.Regexp
	compiledDenyURL  []*regexp.Regexp
}

// Compile precompiles the URL regex lists. Callers must call Compile
// once after populating Config and before using it with a Gate; an
// uncompiled Config treats every URL pattern list as empty.
func (c *Config) Compile() error {
	c.compiledAllowURL = nil
	c.compiledDenyURL = nil
	for _, pattern := range c.AllowedURLPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return err
		}
		c.compiledAllowURL = append(c.compiledAllowURL, re)
	}
	for _, pattern := range c.DeniedURLPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return err
		}
		c.compiledDenyURL = append(c.compiledDenyURL, re)
	}
	return nil
}

// Gate evaluates file, URL, and code-exec requests against a Config and
// a computer_mode.
type Gate struct {
	config Config
}

// New returns a Gate over an already-Compile()d Config.
func New(config Config) *Gate {
	return &Gate{config: config}
}

// CheckFile evaluates a file operation under the given mode.
func (g *Gate) CheckFile(mode models.ComputerMode, op Operation, path string, size int64) CheckResult {
	switch mode {
	case models.ComputerModeOff, "":
		return CheckResult{Allowed: false, Result: DecisionDenied, Reason: "computer_mode is off", RiskLevel: models.RiskLow}
	case models.ComputerModeDev:
		return CheckResult{Allowed: true, Result: DecisionAllowed, RiskLevel: models.RiskHigh}
	}

	expanded := expandHome(path)

	// Deny precedes allow; either a denied path or denied extension
	// denies the operation outright.
	if matchesAnyGlob(g.config.DeniedPaths, expanded) {
		return CheckResult{Allowed: false, Result: DecisionDenied, Reason: "path matches a denied pattern", RiskLevel: models.RiskHigh}
	}
	ext := strings.ToLower(filepath.Ext(expanded))
	if containsFold(g.config.DeniedExtensions, ext) {
		return CheckResult{Allowed: false, Result: DecisionDenied, Reason: "extension is denied", RiskLevel: models.RiskHigh}
	}

	if len(g.config.AllowedPaths) > 0 && !matchesAnyGlob(g.config.AllowedPaths, expanded) {
		return CheckResult{Allowed: false, Result: DecisionDenied, Reason: "path is not in the allowed list", RiskLevel: models.RiskMedium}
	}
	if len(g.config.AllowedExtensions) > 0 && !containsFold(g.config.AllowedExtensions, ext) {
		return CheckResult{Allowed: false, Result: DecisionDenied, Reason: "extension is not in the allowed list", RiskLevel: models.RiskMedium}
	}

	if op == OpWrite && g.config.MaxFileSize > 0 && size > g.config.MaxFileSize {
		return CheckResult{Allowed: false, Result: DecisionDenied, Reason: "file exceeds max_file_size", RiskLevel: models.RiskMedium}
	}

	if requiresConfirmation(g.config.ConfirmationOperations, op) {
		return CheckResult{
			Allowed:             true,
			Result:              DecisionRequiresConfirmation,
			ConfirmationMessage: string(op) + " " + path + " requires confirmation",
			RiskLevel:           models.RiskMedium,
		}
	}

	return CheckResult{Allowed: true, Result: DecisionAllowed, RiskLevel: models.RiskLow}
}

// CheckURL evaluates a browser/URL operation under the given mode. In
// restricted mode, the SSRF guard's private/internal hostname checks
// apply regardless of configured patterns, ahead of the configured
// allow/deny regex lists.
func (g *Gate) CheckURL(mode models.ComputerMode, rawURL string, host string) CheckResult {
	switch mode {
	case models.ComputerModeOff, "":
		return CheckResult{Allowed: false, Result: DecisionDenied, Reason: "computer_mode is off", RiskLevel: models.RiskLow}
	case models.ComputerModeDev:
		return CheckResult{Allowed: true, Result: DecisionAllowed, RiskLevel: models.RiskHigh}
	}

	if strings.HasPrefix(rawURL, "file://") || strings.HasPrefix(rawURL, "javascript:") {
		return CheckResult{Allowed: false, Result: DecisionDenied, Reason: "scheme is always denied", RiskLevel: models.RiskCritical}
	}
	if host != "" {
		if ssrf.IsBlockedHostname(host) || ssrf.IsPrivateIPAddress(host) {
			return CheckResult{Allowed: false, Result: DecisionDenied, Reason: "host resolves to a private/internal address", RiskLevel: models.RiskCritical}
		}
	}

	for _, re := range g.config.compiledDenyURL {
		if re.MatchString(rawURL) {
			return CheckResult{Allowed: false, Result: DecisionDenied, Reason: "url matches a denied pattern", RiskLevel: models.RiskHigh}
		}
	}
	if len(g.config.compiledAllowURL) > 0 {
		allowed := false
		for _, re := range g.config.compiledAllowURL {
			if re.MatchString(rawURL) {
				allowed = true
				break
			}
		}
		if !allowed {
			return CheckResult{Allowed: false, Result: DecisionDenied, Reason: "url is not in the allowed list", RiskLevel: models.RiskMedium}
		}
	}

	return CheckResult{Allowed: true, Result: DecisionAllowed, RiskLevel: models.RiskLow}
}

// dangerousCodeSubstrings are scanned for verbatim (case-sensitive,
// matching how these idioms actually appear in source).
var dangerousCodeSubstrings = []string{
	"os.system",
	"subprocess.",
	"shell=True",
	"eval(",
	"exec(",
	"rm -rf",
	"chmod 777",
	"/bin/sh",
	"/bin/bash",
}

// CheckCodeExec evaluates a code-execution request. Code exec always
// requires sandbox=true in restricted mode; dangerous substrings
// escalate the result to high risk but multiple matches do not escalate
// further, and an absence of matches still requires confirmation at
// medium risk.
func (g *Gate) CheckCodeExec(mode models.ComputerMode, code string, sandbox bool) CheckResult {
	switch mode {
	case models.ComputerModeOff, "":
		return CheckResult{Allowed: false, Result: DecisionDenied, Reason: "computer_mode is off", RiskLevel: models.RiskLow}
	case models.ComputerModeDev:
		return CheckResult{Allowed: true, Result: DecisionAllowed, RiskLevel: models.RiskCritical}
	}

	if !sandbox {
		return CheckResult{Allowed: false, Result: DecisionDenied, Reason: "code execution requires sandbox=true", RiskLevel: models.RiskHigh}
	}

	var matched []string
	for _, substr := range dangerousCodeSubstrings {
		if strings.Contains(code, substr) {
			matched = append(matched, substr)
		}
	}

	if len(matched) > 0 {
		return CheckResult{
			Allowed:             true,
			Result:              DecisionRequiresConfirmation,
			Reason:              "dangerous pattern(s) detected: " + strings.Join(matched, ", "),
			ConfirmationMessage: "this code contains potentially dangerous operations; confirm to proceed",
			RiskLevel:           models.RiskHigh,
		}
	}

	return CheckResult{
		Allowed:             true,
		Result:              DecisionRequiresConfirmation,
		ConfirmationMessage: "confirm execution of sandboxed code",
		RiskLevel:           models.RiskMedium,
	}
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func matchesAnyGlob(patterns []string, path string) bool {
	for _, pattern := range patterns {
		if ok, _ := filepath.Match(expandHome(pattern), path); ok {
			return true
		}
		// filepath.Match does not support "**"; fall back to a prefix
		// check so directory-tree globs like "/data/**" behave sensibly.
		if strings.HasSuffix(pattern, "/**") {
			prefix := strings.TrimSuffix(expandHome(pattern), "/**")
			if strings.HasPrefix(path, prefix) {
				return true
			}
		}
	}
	return false
}

func containsFold(list []string, value string) bool {
	for _, item := range list {
		if strings.EqualFold(item, value) {
			return true
		}
	}
	return false
}

func requiresConfirmation(ops []string, op Operation) bool {
	for _, o := range ops {
		if strings.EqualFold(o, string(op)) {
			return true
		}
	}
	return false
}

// ParseFileSize is a small helper for config loaders that accept
// human-friendly max_file_size strings (e.g. "10485760" or "10MB").
func ParseFileSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	multiplier := int64(1)
	lower := strings.ToLower(s)
	switch {
	case strings.HasSuffix(lower, "kb"):
		multiplier = 1024
		s = s[:len(s)-2]
	case strings.HasSuffix(lower, "mb"):
		multiplier = 1024 * 1024
		s = s[:len(s)-2]
	case strings.HasSuffix(lower, "gb"):
		multiplier = 1024 * 1024 * 1024
		s = s[:len(s)-2]
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}
	return n * multiplier, nil
}
