package worker

import (
	"fmt"
	"sort"
	"strings"
)

// builtinScope reports whether a scope has an in-process executor instead
// of a model round-trip.
func builtinScope(scope string) bool {
	switch scope {
	case "bootstrap", "topology":
		return true
	}
	return false
}

// commitPrefix maps a task scope to its conventional-commit prefix.
func commitPrefix(scope, taskID string) string {
	switch scope {
	case "docs":
		return "docs"
	case "ci":
		return "fix(ci)"
	case "tools":
		return "feat(tools)"
	case "services":
		if strings.HasPrefix(taskID, "geo-") {
			return "feat(geo)"
		}
		return "feat(research)"
	case "infra":
		return "chore(infra)"
	default:
		return "chore"
	}
}

// classifyPath maps a changed file to a scope by its location.
func classifyPath(path string) string {
	switch {
	case strings.HasPrefix(path, "docs/"), strings.HasSuffix(path, ".md"):
		return "docs"
	case strings.HasPrefix(path, ".github/workflows/"), strings.HasPrefix(path, "ci/"):
		return "ci"
	case strings.HasPrefix(path, "tests/"), strings.Contains(path, "_test."), strings.Contains(path, "/test_"):
		return "tests"
	case strings.HasPrefix(path, "services/"):
		return "services"
	case strings.HasPrefix(path, "tools/"):
		return "tools"
	case strings.HasPrefix(path, "infra/"), strings.HasSuffix(path, ".tf"):
		return "infra"
	default:
		return "core"
	}
}

// singleScope derives the one scope covering all changed files. Changes
// spanning scopes are a hard failure so a PR never mixes concerns. The
// task's declared scope wins when no files are classifiable.
func singleScope(changed []string, declared string) (string, error) {
	seen := map[string]bool{}
	for _, f := range changed {
		seen[classifyPath(f)] = true
	}
	if len(seen) == 0 {
		return declared, nil
	}
	if len(seen) == 1 {
		for s := range seen {
			return s, nil
		}
	}
	scopes := make([]string, 0, len(seen))
	for s := range seen {
		scopes = append(scopes, s)
	}
	sort.Strings(scopes)
	return "", fmt.Errorf("changes span scopes %s", strings.Join(scopes, ", "))
}
