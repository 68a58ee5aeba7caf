package sandbox

import (
	"path"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

var (
	fetchers = map[string]bool{"curl": true, "wget": true}

	interpreters = map[string]bool{
		"sh": true, "bash": true, "zsh": true, "dash": true, "ksh": true,
		"python": true, "python3": true, "perl": true, "ruby": true, "node": true,
		"source": true, ".": true,
	}

	// Wrappers whose first non-option argument is the real command.
	wrappers = map[string]bool{"sudo": true, "env": true, "exec": true, "nohup": true, "command": true}
)

func scanBash(root *sitter.Node, src []byte) []Issue {
	var issues []Issue
	add := func(rule string, n *sitter.Node) {
		issues = append(issues, Issue{Rule: rule, Line: line(n), Snippet: snippet(n, src)})
	}

	walk(root, func(n *sitter.Node) bool {
		switch n.Type() {
		case "pipeline":
			if fetchPipedToInterpreter(n, src) {
				add("remote content piped into an interpreter", n)
			}

		case "command":
			name, args := commandParts(n, src)
			switch {
			case name == "eval":
				add("dynamic evaluation via eval", n)
			case interpreters[name] && runsFetchedContent(args, src):
				add("interpreter runs fetched content", n)
			case name == "rm" && deletesRoot(args, src):
				add("recursive delete of /", n)
			}
		}
		return true
	})
	return issues
}

// commandParts returns the effective command name, looking through
// wrappers like sudo, and the argument nodes that follow it.
func commandParts(cmd *sitter.Node, src []byte) (string, []*sitter.Node) {
	nameNode := cmd.ChildByFieldName("name")
	if nameNode == nil {
		return "", nil
	}
	name := path.Base(strings.Trim(nameNode.Content(src), `"'`))

	var args []*sitter.Node
	for i := 0; i < int(cmd.NamedChildCount()); i++ {
		child := cmd.NamedChild(i)
		if child.Type() == "command_name" || child.Type() == "variable_assignment" || child.Type() == "file_redirect" {
			continue
		}
		args = append(args, child)
	}

	for wrappers[name] && len(args) > 0 {
		next := -1
		for i, a := range args {
			text := a.Content(src)
			if strings.HasPrefix(text, "-") || strings.Contains(text, "=") {
				continue
			}
			next = i
			break
		}
		if next < 0 {
			break
		}
		name = path.Base(strings.Trim(args[next].Content(src), `"'`))
		args = args[next+1:]
	}
	return name, args
}

// fetchPipedToInterpreter matches `curl ... | sh` and friends: a fetch
// anywhere before an interpreter stage of the same pipeline.
func fetchPipedToInterpreter(pipeline *sitter.Node, src []byte) bool {
	fetched := false
	for i := 0; i < int(pipeline.NamedChildCount()); i++ {
		stage := pipeline.NamedChild(i)
		if fetched && stageIsInterpreter(stage, src) {
			return true
		}
		if containsFetch(stage, src) {
			fetched = true
		}
	}
	return false
}

func stageIsInterpreter(stage *sitter.Node, src []byte) bool {
	found := false
	walk(stage, func(n *sitter.Node) bool {
		if found {
			return false
		}
		if n.Type() == "command" {
			name, _ := commandParts(n, src)
			found = interpreters[name]
			return false
		}
		return true
	})
	return found
}

func containsFetch(n *sitter.Node, src []byte) bool {
	found := false
	walk(n, func(c *sitter.Node) bool {
		if found {
			return false
		}
		if c.Type() == "command" {
			if name, _ := commandParts(c, src); fetchers[name] {
				found = true
				return false
			}
		}
		return true
	})
	return found
}

// runsFetchedContent matches `bash -c "$(curl ...)"` and `source <(wget ...)`.
func runsFetchedContent(args []*sitter.Node, src []byte) bool {
	for _, a := range args {
		found := false
		walk(a, func(n *sitter.Node) bool {
			if found {
				return false
			}
			switch n.Type() {
			case "command_substitution", "process_substitution":
				found = containsFetch(n, src)
				return false
			}
			return true
		})
		if found {
			return true
		}
	}
	return false
}

func deletesRoot(args []*sitter.Node, src []byte) bool {
	recursive, root := false, false
	for _, a := range args {
		text := strings.Trim(a.Content(src), `"'`)
		switch {
		case text == "--recursive":
			recursive = true
		case strings.HasPrefix(text, "-") && !strings.HasPrefix(text, "--") && strings.ContainsAny(text, "rR"):
			recursive = true
		case text == "/" || text == "/*":
			root = true
		}
	}
	return recursive && root
}
