package sandbox

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// Builtins that evaluate or load arbitrary code.
var pythonDynamicBuiltins = map[string]bool{
	"eval":       true,
	"exec":       true,
	"compile":    true,
	"__import__": true,
}

// Module functions that hand a string to a shell or replace the process.
var pythonShellCalls = map[string]bool{
	"os.system":          true,
	"os.popen":           true,
	"pty.spawn":          true,
	"commands.getoutput": true,
}

// Functions in subprocess that can be handed shell=True.
var pythonSubprocessFuncs = map[string]bool{
	"run":             true,
	"call":            true,
	"check_call":      true,
	"check_output":    true,
	"Popen":           true,
	"getoutput":       true,
	"getstatusoutput": true,
}

func scanPython(root *sitter.Node, src []byte) []Issue {
	imports := pythonImports(root, src)

	var issues []Issue
	walk(root, func(n *sitter.Node) bool {
		if n.Type() != "call" {
			return true
		}
		fn := n.ChildByFieldName("function")
		if fn == nil {
			return true
		}
		name := imports.resolve(dottedName(fn, src))

		switch {
		case pythonDynamicBuiltins[name]:
			issues = append(issues, Issue{Rule: "dynamic code evaluation via " + name + "()", Line: line(n), Snippet: snippet(n, src)})
		case pythonShellCalls[name]:
			issues = append(issues, Issue{Rule: "shell execution via " + name + "()", Line: line(n), Snippet: snippet(n, src)})
		case strings.HasPrefix(name, "os.exec") || strings.HasPrefix(name, "os.spawn"):
			issues = append(issues, Issue{Rule: "process replacement via " + name + "()", Line: line(n), Snippet: snippet(n, src)})
		case name == "subprocess.getoutput" || name == "subprocess.getstatusoutput":
			issues = append(issues, Issue{Rule: "shell execution via " + name + "()", Line: line(n), Snippet: snippet(n, src)})
		case strings.HasPrefix(name, "subprocess.") && shellTrue(n.ChildByFieldName("arguments"), src):
			issues = append(issues, Issue{Rule: "shell execution via " + name + "(shell=True)", Line: line(n), Snippet: snippet(n, src)})
		}
		return true
	})
	return issues
}

// importTable maps names bound by import statements to the fully
// qualified names they stand for, so aliased calls resolve to the same
// dotted names as direct ones.
type importTable struct {
	bound    map[string]string // local name -> qualified name
	wildcard []string          // modules imported with *
}

func pythonImports(root *sitter.Node, src []byte) *importTable {
	t := &importTable{bound: make(map[string]string)}
	walk(root, func(n *sitter.Node) bool {
		switch n.Type() {
		case "import_statement":
			for i := 0; i < int(n.NamedChildCount()); i++ {
				c := n.NamedChild(i)
				if c.Type() != "aliased_import" {
					continue // import a.b binds a to itself
				}
				name, alias := c.ChildByFieldName("name"), c.ChildByFieldName("alias")
				if name != nil && alias != nil {
					t.bound[alias.Content(src)] = name.Content(src)
				}
			}
			return false

		case "import_from_statement":
			mod := n.ChildByFieldName("module_name")
			if mod == nil || mod.Type() != "dotted_name" {
				return false // relative imports cannot reach the stdlib
			}
			module := mod.Content(src)
			for i := 0; i < int(n.NamedChildCount()); i++ {
				c := n.NamedChild(i)
				if c.StartByte() == mod.StartByte() {
					continue
				}
				switch c.Type() {
				case "dotted_name":
					t.bound[c.Content(src)] = module + "." + c.Content(src)
				case "aliased_import":
					name, alias := c.ChildByFieldName("name"), c.ChildByFieldName("alias")
					if name != nil && alias != nil {
						t.bound[alias.Content(src)] = module + "." + name.Content(src)
					}
				case "wildcard_import":
					t.wildcard = append(t.wildcard, module)
				}
			}
			return false
		}
		return true
	})
	return t
}

// resolve rewrites the first segment of a dotted call name through the
// import table. Names imported from builtins resolve to the bare builtin.
func (t *importTable) resolve(name string) string {
	if name == "" {
		return ""
	}
	head, rest, dotted := strings.Cut(name, ".")
	if q, ok := t.bound[head]; ok {
		name = q
		if dotted {
			name += "." + rest
		}
	} else if !dotted {
		for _, m := range t.wildcard {
			if knownPythonCall(m + "." + name) {
				name = m + "." + name
				break
			}
		}
	}
	return strings.TrimPrefix(name, "builtins.")
}

func knownPythonCall(name string) bool {
	if pythonShellCalls[name] || strings.HasPrefix(name, "os.exec") || strings.HasPrefix(name, "os.spawn") {
		return true
	}
	fn, ok := strings.CutPrefix(name, "subprocess.")
	return ok && pythonSubprocessFuncs[fn]
}

// dottedName renders identifier and attribute chains like os.path.join.
// Anything else renders as "".
func dottedName(n *sitter.Node, src []byte) string {
	switch n.Type() {
	case "identifier":
		return n.Content(src)
	case "attribute":
		obj := n.ChildByFieldName("object")
		attr := n.ChildByFieldName("attribute")
		if obj == nil || attr == nil {
			return ""
		}
		prefix := dottedName(obj, src)
		if prefix == "" {
			return ""
		}
		return prefix + "." + attr.Content(src)
	}
	return ""
}

// shellTrue reports whether an argument_list contains shell=True.
func shellTrue(args *sitter.Node, src []byte) bool {
	if args == nil {
		return false
	}
	for i := 0; i < int(args.NamedChildCount()); i++ {
		arg := args.NamedChild(i)
		if arg.Type() != "keyword_argument" {
			continue
		}
		name := arg.ChildByFieldName("name")
		value := arg.ChildByFieldName("value")
		if name == nil || value == nil || name.Content(src) != "shell" {
			continue
		}
		// Anything but a literal False is treated as enabling the shell.
		switch value.Type() {
		case "false", "none":
			continue
		}
		return true
	}
	return false
}
