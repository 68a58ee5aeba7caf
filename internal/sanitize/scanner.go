// Package sanitize finds and masks credentials in free text. The sandbox
// validator uses it to reject scripts that embed secrets, and the auditor
// uses it to keep secrets out of the audit log.
package sanitize

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Mask replaces every redacted value.
const Mask = "[REDACTED]"

// Rule is an additional redaction pattern supplied through configuration.
// When the pattern has a capture group named "value" only that group is
// replaced, otherwise the whole match is.
type Rule struct {
	Name        string `yaml:"name" json:"name"`
	Pattern     string `yaml:"pattern" json:"pattern"`
	Replacement string `yaml:"replacement,omitempty" json:"replacement,omitempty"`
}

// Finding is one secret located in scanned content.
type Finding struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Line     int    `json:"line"`
}

// ScanResult is the outcome of scanning content for secrets.
type ScanResult struct {
	Detected bool      `json:"detected"`
	Flags    []string  `json:"flags,omitempty"`
	Severity string    `json:"severity"` // none, medium, high, critical
	Findings []Finding `json:"findings,omitempty"`
	Details  string    `json:"details,omitempty"`
}

// Scanner detects hard-coded credentials. Only literal values count: an
// assignment whose right-hand side is a variable, a command substitution
// or a function call is not a secret.
type Scanner struct {
	mu       sync.RWMutex
	patterns []*compiledPattern
	logger   *slog.Logger
}

type compiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Severity    string
	Replacement string
	valueGroups []int // capture groups named value*, empty means the whole match
}

// NewScanner creates a scanner with the default secret patterns plus any
// extra rules. Rules that fail to compile are logged and skipped.
func NewScanner(rules []Rule, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scanner{
		logger: logger.With("component", "sanitize.Scanner"),
	}
	s.loadDefaultPatterns()
	for _, r := range rules {
		if err := s.AddRule(r); err != nil {
			s.logger.Warn("skipping redaction rule", "name", r.Name, "error", err)
		}
	}
	return s
}

// AddRule compiles and appends a redaction rule.
func (s *Scanner) AddRule(r Rule) error {
	re, err := regexp.Compile(r.Pattern)
	if err != nil {
		return fmt.Errorf("compiling rule %q: %w", r.Name, err)
	}
	name := r.Name
	if name == "" {
		name = "custom"
	}
	s.mu.Lock()
	s.patterns = append(s.patterns, newPattern(name, re, "high", r.Replacement))
	s.mu.Unlock()
	return nil
}

// Scan reports every secret found in content.
func (s *Scanner) Scan(content string) ScanResult {
	if content == "" {
		return ScanResult{Severity: "none"}
	}

	s.mu.RLock()
	patterns := s.patterns
	s.mu.RUnlock()

	var findings []Finding
	flagged := make(map[string]bool)
	highestSeverity := "none"

	for _, p := range patterns {
		for _, loc := range p.Regex.FindAllStringSubmatchIndex(content, -1) {
			if p.placeholder(content, loc) {
				continue
			}
			findings = append(findings, Finding{
				Pattern:  p.Name,
				Severity: p.Severity,
				Line:     strings.Count(content[:loc[0]], "\n") + 1,
			})
			flagged[p.Name] = true
			if severityRank(p.Severity) > severityRank(highestSeverity) {
				highestSeverity = p.Severity
			}
		}
	}

	if len(findings) == 0 {
		return ScanResult{Severity: "none"}
	}

	sort.SliceStable(findings, func(i, j int) bool { return findings[i].Line < findings[j].Line })
	flags := make([]string, 0, len(flagged))
	for name := range flagged {
		flags = append(flags, name)
	}
	sort.Strings(flags)

	return ScanResult{
		Detected: true,
		Flags:    flags,
		Severity: highestSeverity,
		Findings: findings,
		Details:  strings.Join(flags, ", "),
	}
}

// Redact masks every secret in content.
func (s *Scanner) Redact(content string) string {
	if content == "" {
		return content
	}

	s.mu.RLock()
	patterns := s.patterns
	s.mu.RUnlock()

	for _, p := range patterns {
		content = p.redact(content)
	}
	return content
}

// RedactValue masks strings inside an arbitrary JSON-like value. Map
// entries whose key looks sensitive are masked outright.
func (s *Scanner) RedactValue(v any) any {
	switch val := v.(type) {
	case string:
		return s.Redact(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if SensitiveKey(k) && item != nil {
				out[k] = Mask
				continue
			}
			out[k] = s.RedactValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = s.RedactValue(item)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, item := range val {
			out[i] = s.Redact(item)
		}
		return out
	default:
		return v
	}
}

var sensitiveKeyParts = []string{"password", "passwd", "secret", "token", "api_key", "apikey", "private_key", "credential"}

// SensitiveKey reports whether a field name suggests its value is a secret.
func SensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(k, part) {
			return true
		}
	}
	return false
}

func (p *compiledPattern) redact(content string) string {
	replacement := p.Replacement
	if replacement == "" {
		replacement = Mask
	}
	if len(p.valueGroups) == 0 {
		return p.Regex.ReplaceAllLiteralString(content, replacement)
	}

	matches := p.Regex.FindAllStringSubmatchIndex(content, -1)
	if len(matches) == 0 {
		return content
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		if p.placeholder(content, m) {
			continue
		}
		for _, g := range p.valueGroups {
			start, end := m[2*g], m[2*g+1]
			if start < 0 {
				continue
			}
			b.WriteString(content[last:start])
			b.WriteString(replacement)
			last = end
		}
	}
	b.WriteString(content[last:])
	return b.String()
}

var placeholders = map[string]bool{
	"none": true, "null": true, "nil": true, "true": true, "false": true,
}

// placeholder reports whether the captured value is a language keyword
// rather than a credential.
func (p *compiledPattern) placeholder(content string, m []int) bool {
	for _, g := range p.valueGroups {
		start, end := m[2*g], m[2*g+1]
		if start < 0 {
			continue
		}
		return placeholders[strings.ToLower(content[start:end])]
	}
	return false
}

func newPattern(name string, re *regexp.Regexp, severity, replacement string) *compiledPattern {
	var groups []int
	for i, n := range re.SubexpNames() {
		if strings.HasPrefix(n, "value") {
			groups = append(groups, i)
		}
	}
	return &compiledPattern{
		Name:        name,
		Regex:       re,
		Severity:    severity,
		Replacement: replacement,
		valueGroups: groups,
	}
}

func (s *Scanner) loadDefaultPatterns() {
	rawPatterns := []struct {
		name     string
		pattern  string
		severity string
	}{
		// name = "literal" / name: 'literal' / NAME="literal". Double-quoted
		// values that start with an expansion are not literals.
		{"credential_assignment", `(?i)\b\w*(?:password|passwd|secret|token|api_?key|access_?key|private_?key)\w*["']?\s*(?::|=)\s*(?:"(?P<value>[^"$` + "`" + `\n][^"\n]*)"|'(?P<value2>[^'\n]+)')`, "high"},

		// Shell assignment of a bare literal. Values starting with $, a
		// backtick or a quote are references or handled above.
		{"shell_credential_assignment", `(?im)^\s*(?:export\s+)?\w*(?:password|passwd|secret|token|api_?key)\w*=(?P<value>[^\s$` + "`" + `"'(;][^\s;(]*)(?:[\s;]|$)`, "high"},

		{"private_key", `(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?(?:-----END [A-Z ]*PRIVATE KEY-----|\z)`, "critical"},
		{"aws_access_key", `\bAKIA[0-9A-Z]{16}\b`, "critical"},
		{"github_token", `\bgh[pousr]_[A-Za-z0-9]{36,}\b`, "critical"},
		{"api_secret_key", `\bsk-[A-Za-z0-9_-]{20,}`, "critical"},
		{"slack_token", `\bxox[abprs]-[A-Za-z0-9-]{10,}`, "critical"},
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rp := range rawPatterns {
		re, err := regexp.Compile(rp.pattern)
		if err != nil {
			s.logger.Warn("failed to compile secret pattern", "name", rp.name, "error", err)
			continue
		}
		s.patterns = append(s.patterns, newPattern(rp.name, re, rp.severity, ""))
	}
}

func severityRank(s string) int {
	switch s {
	case "critical":
		return 4
	case "high":
		return 3
	case "medium":
		return 2
	case "low":
		return 1
	default:
		return 0
	}
}
