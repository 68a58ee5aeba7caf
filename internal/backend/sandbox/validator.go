// Package sandbox runs agent-generated scripts in throwaway, resource-bound
// containers after a layered static validation.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/bash"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/opswarden/opswarden/internal/sanitize"
)

// Kind is a supported script language.
type Kind string

const (
	KindPython Kind = "python"
	KindBash   Kind = "bash"
)

// ParseKind accepts python/py and bash/sh.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "python", "py", "python3":
		return KindPython, nil
	case "bash", "sh", "shell":
		return KindBash, nil
	}
	return "", fmt.Errorf("unsupported script kind %q (want python or bash)", s)
}

// Validation layers, in the order they run.
const (
	LayerSize      = "size"
	LayerSyntax    = "syntax"
	LayerSecrets   = "secrets"
	LayerDangerous = "dangerous"
)

// Issue is one problem found by the syntax or dangerous-construct layers.
type Issue struct {
	Rule    string `json:"rule"`
	Line    int    `json:"line"`
	Snippet string `json:"snippet,omitempty"`
}

// Result is the outcome of validating one script. When Valid is false,
// Layer names the first layer that rejected it.
type Result struct {
	Valid    bool               `json:"valid"`
	Layer    string             `json:"layer,omitempty"`
	Reason   string             `json:"reason,omitempty"`
	Issues   []Issue            `json:"issues,omitempty"`
	Findings []sanitize.Finding `json:"secret_findings,omitempty"`
}

// Error formats a rejection for logs and error messages.
func (r *Result) Error() string {
	if r.Valid {
		return ""
	}
	return fmt.Sprintf("script rejected at %s layer: %s", r.Layer, r.Reason)
}

// Validator checks scripts before they are allowed near a sandbox. Layers
// run in order and stop at the first failure: size, syntax, secrets,
// dangerous constructs.
type Validator struct {
	maxChars int
	secrets  *sanitize.Scanner
	logger   *slog.Logger
}

// NewValidator creates a validator. A nil scanner gets the default secret
// patterns.
func NewValidator(maxChars int, secrets *sanitize.Scanner, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	if secrets == nil {
		secrets = sanitize.NewScanner(nil, logger)
	}
	if maxChars <= 0 {
		maxChars = 10000
	}
	return &Validator{
		maxChars: maxChars,
		secrets:  secrets,
		logger:   logger.With("component", "sandbox.Validator"),
	}
}

// MaxChars returns the size limit in characters.
func (v *Validator) MaxChars() int { return v.maxChars }

// Validate runs every layer against script.
func (v *Validator) Validate(ctx context.Context, kind Kind, script string) (*Result, error) {
	// Size runs before anything parses the script.
	if n := utf8.RuneCountInString(script); n > v.maxChars {
		return reject(LayerSize, fmt.Sprintf("script is %d characters, limit is %d", n, v.maxChars)), nil
	}
	if strings.TrimSpace(script) == "" {
		return reject(LayerSize, "script is empty"), nil
	}

	src := []byte(script)
	parser := sitter.NewParser()
	switch kind {
	case KindPython:
		parser.SetLanguage(python.GetLanguage())
	case KindBash:
		parser.SetLanguage(bash.GetLanguage())
	default:
		return nil, fmt.Errorf("unsupported script kind %q", kind)
	}

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter failed to parse %s script: %w", kind, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		issues := syntaxIssues(root, src)
		reason := "script does not parse"
		if len(issues) > 0 {
			reason = fmt.Sprintf("syntax error on line %d", issues[0].Line)
		}
		res := reject(LayerSyntax, reason)
		res.Issues = issues
		return res, nil
	}

	if scan := v.secrets.Scan(script); scan.Detected {
		res := reject(LayerSecrets, fmt.Sprintf("hard-coded credential (%s) on line %d", scan.Details, scan.Findings[0].Line))
		res.Findings = scan.Findings
		return res, nil
	}

	var issues []Issue
	switch kind {
	case KindPython:
		issues = scanPython(root, src)
	case KindBash:
		issues = scanBash(root, src)
	}
	if len(issues) > 0 {
		rules := make([]string, 0, len(issues))
		for _, is := range issues {
			rules = append(rules, is.Rule)
		}
		res := reject(LayerDangerous, fmt.Sprintf("dangerous construct: %s (line %d)", strings.Join(dedupe(rules), ", "), issues[0].Line))
		res.Issues = issues
		return res, nil
	}

	return &Result{Valid: true}, nil
}

func reject(layer, reason string) *Result {
	return &Result{Valid: false, Layer: layer, Reason: reason}
}

// syntaxIssues collects ERROR and MISSING nodes.
func syntaxIssues(root *sitter.Node, src []byte) []Issue {
	var issues []Issue
	walk(root, func(n *sitter.Node) bool {
		if n.IsMissing() {
			issues = append(issues, Issue{Rule: "missing " + n.Type(), Line: line(n)})
			return false
		}
		if n.Type() == "ERROR" {
			issues = append(issues, Issue{Rule: "unexpected input", Line: line(n), Snippet: snippet(n, src)})
			return false
		}
		return n.HasError()
	})
	return issues
}

// walk visits n and its descendants depth-first. visit returns false to
// skip a node's children.
func walk(n *sitter.Node, visit func(*sitter.Node) bool) {
	if n == nil || n.IsNull() {
		return
	}
	if !visit(n) {
		return
	}
	cursor := sitter.NewTreeCursor(n)
	defer cursor.Close()
	if cursor.GoToFirstChild() {
		for {
			walk(cursor.CurrentNode(), visit)
			if !cursor.GoToNextSibling() {
				break
			}
		}
	}
}

func line(n *sitter.Node) int {
	return int(n.StartPoint().Row) + 1
}

func snippet(n *sitter.Node, src []byte) string {
	s := strings.TrimSpace(n.Content(src))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 80 {
		s = s[:80] + "..."
	}
	return s
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
