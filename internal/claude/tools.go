package claude

import "fmt"

// ToolCategory is a coarse classification of agent tools, used by renderers
// to pick a status indicator.
type ToolCategory string

const (
	CategoryRead    ToolCategory = "read"
	CategoryEdit    ToolCategory = "edit"
	CategoryCommand ToolCategory = "command"
	CategoryWeb     ToolCategory = "web"
	CategoryThink   ToolCategory = "think"
	CategoryOther   ToolCategory = "other"
)

var toolCategories = map[string]ToolCategory{
	"Read":         CategoryRead,
	"Glob":         CategoryRead,
	"Grep":         CategoryRead,
	"LS":           CategoryRead,
	"Write":        CategoryEdit,
	"Edit":         CategoryEdit,
	"NotebookEdit": CategoryEdit,
	"Bash":         CategoryCommand,
	"WebFetch":     CategoryWeb,
	"WebSearch":    CategoryWeb,
	"Task":         CategoryOther,
}

// CategorizeTool maps a tool name to its category. Total: unrecognized
// names fall back to CategoryOther.
func CategorizeTool(name string) ToolCategory {
	if cat, ok := toolCategories[name]; ok {
		return cat
	}
	return CategoryOther
}

// DisplayName returns a short human-readable description of what the tool
// invocation is doing, for status lines.
func (t *ToolInvocation) DisplayName() string {
	str := func(key string) string {
		v, _ := t.Input[key].(string)
		return v
	}

	switch t.Name {
	case "Read":
		return "Reading: " + orUnknown(str("file_path"))
	case "Write":
		return "Writing: " + orUnknown(str("file_path"))
	case "Edit":
		return "Editing: " + orUnknown(str("file_path"))
	case "Glob", "Grep":
		pattern := str("pattern")
		if pattern == "" {
			pattern = str("glob")
		}
		return "Searching: " + pattern
	case "Bash":
		cmd := str("command")
		if len(cmd) > 60 {
			cmd = cmd[:57] + "..."
		}
		return "Running: " + cmd
	case "WebSearch":
		return "Searching web: " + str("query")
	case "WebFetch":
		return "Fetching: " + str("url")
	case "Task":
		return "Spawning agent: " + str("description")
	default:
		return fmt.Sprintf("Using: %s", t.Name)
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
