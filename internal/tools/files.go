package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

const maxReadBytes = 200000

// FileReadTool reads workspace files with line numbering so edit tools
// can address ranges precisely.
type FileReadTool struct {
	resolver Resolver
}

// NewFileReadTool creates a read tool scoped to the workspace. The plan
// file stays readable in every mode, so no plan-mode restriction applies.
func NewFileReadTool(workspacePath string) *FileReadTool {
	return &FileReadTool{resolver: Resolver{Root: workspacePath}}
}

func (t *FileReadTool) Name() string { return "file_read" }

func (t *FileReadTool) Description() string {
	return "Read a file from the workspace. Returns numbered lines; use offset/limit for large files."
}

func (t *FileReadTool) Schema() json.RawMessage {
	return mustSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file (relative to workspace).",
			},
			"offset": map[string]interface{}{
				"type":        "integer",
				"description": "1-based line to start reading from (default: 1).",
				"minimum":     1,
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum number of lines to return.",
				"minimum":     1,
			},
		},
		"required": []string{"path"},
	})
}

func (t *FileReadTool) Execute(_ context.Context, params json.RawMessage) (*Result, error) {
	var input struct {
		Path   string `json:"path"`
		Offset int    `json:"offset"`
		Limit  int    `json:"limit"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}

	resolved, err := t.resolver.Resolve(input.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return toolError(fmt.Sprintf("read file: %v", err)), nil
	}
	if len(data) > maxReadBytes {
		data = data[:maxReadBytes]
	}

	lines := splitKeepingTrailing(string(data))
	start := input.Offset
	if start < 1 {
		start = 1
	}
	if start > len(lines) {
		return toolError(fmt.Sprintf("offset %d past end of file (%d lines)", start, len(lines))), nil
	}
	end := len(lines)
	if input.Limit > 0 && start-1+input.Limit < end {
		end = start - 1 + input.Limit
	}

	var b strings.Builder
	for i := start - 1; i < end; i++ {
		fmt.Fprintf(&b, "%6d\t%s\n", i+1, lines[i])
	}
	return toolJSON(map[string]interface{}{
		"path":        input.Path,
		"content":     b.String(),
		"total_lines": len(lines),
		"truncated":   end < len(lines),
	}), nil
}

// FileEditInsertTool inserts lines at a position in a file, creating the
// file when inserting at line 1 of a missing path.
type FileEditInsertTool struct {
	resolver Resolver
}

// NewFileEditInsertTool creates an insert tool; in plan mode only the
// plan file is writable.
func NewFileEditInsertTool(workspacePath string, planModeOnly bool) *FileEditInsertTool {
	return &FileEditInsertTool{resolver: Resolver{Root: workspacePath, PlanModeOnly: planModeOnly}}
}

func (t *FileEditInsertTool) Name() string { return "file_edit_insert" }

func (t *FileEditInsertTool) Description() string {
	return "Insert content before the given 1-based line of a file. line 1 of a nonexistent file creates it; line past EOF appends."
}

func (t *FileEditInsertTool) Schema() json.RawMessage {
	return mustSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file (relative to workspace).",
			},
			"line": map[string]interface{}{
				"type":        "integer",
				"description": "1-based line number to insert before.",
				"minimum":     1,
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Content to insert (may span multiple lines).",
			},
		},
		"required": []string{"path", "line", "content"},
	})
}

func (t *FileEditInsertTool) Execute(_ context.Context, params json.RawMessage) (*Result, error) {
	var input struct {
		Path    string `json:"path"`
		Line    int    `json:"line"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	if input.Line < 1 {
		return toolError("line must be >= 1"), nil
	}

	resolved, err := t.resolver.ResolveForWrite(input.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}

	var lines []string
	data, err := os.ReadFile(resolved)
	switch {
	case err == nil:
		lines = splitKeepingTrailing(string(data))
	case os.IsNotExist(err) && input.Line == 1:
		if err := os.MkdirAll(dirOf(resolved), 0o755); err != nil {
			return toolError(fmt.Sprintf("create parent dir: %v", err)), nil
		}
	default:
		return toolError(fmt.Sprintf("read file: %v", err)), nil
	}

	at := input.Line - 1
	if at > len(lines) {
		at = len(lines)
	}
	inserted := splitKeepingTrailing(input.Content)
	updated := make([]string, 0, len(lines)+len(inserted))
	updated = append(updated, lines[:at]...)
	updated = append(updated, inserted...)
	updated = append(updated, lines[at:]...)

	if err := os.WriteFile(resolved, []byte(joinLines(updated)), 0o644); err != nil {
		return toolError(fmt.Sprintf("write file: %v", err)), nil
	}
	return toolJSON(map[string]interface{}{
		"path":           input.Path,
		"inserted_lines": len(inserted),
		"at_line":        at + 1,
		"total_lines":    len(updated),
	}), nil
}

// FileEditReplaceLinesTool replaces an inclusive 1-based line range.
type FileEditReplaceLinesTool struct {
	resolver Resolver
}

// NewFileEditReplaceLinesTool creates a replace tool; in plan mode only
// the plan file is writable.
func NewFileEditReplaceLinesTool(workspacePath string, planModeOnly bool) *FileEditReplaceLinesTool {
	return &FileEditReplaceLinesTool{resolver: Resolver{Root: workspacePath, PlanModeOnly: planModeOnly}}
}

func (t *FileEditReplaceLinesTool) Name() string { return "file_edit_replace_lines" }

func (t *FileEditReplaceLinesTool) Description() string {
	return "Replace an inclusive 1-based line range of a file with new content. Empty content deletes the range."
}

func (t *FileEditReplaceLinesTool) Schema() json.RawMessage {
	return mustSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file (relative to workspace).",
			},
			"start_line": map[string]interface{}{
				"type":        "integer",
				"description": "First line of the range (1-based, inclusive).",
				"minimum":     1,
			},
			"end_line": map[string]interface{}{
				"type":        "integer",
				"description": "Last line of the range (1-based, inclusive).",
				"minimum":     1,
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Replacement content; empty string deletes the range.",
			},
		},
		"required": []string{"path", "start_line", "end_line", "content"},
	})
}

func (t *FileEditReplaceLinesTool) Execute(_ context.Context, params json.RawMessage) (*Result, error) {
	var input struct {
		Path      string `json:"path"`
		StartLine int    `json:"start_line"`
		EndLine   int    `json:"end_line"`
		Content   string `json:"content"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	if input.StartLine < 1 || input.EndLine < input.StartLine {
		return toolError("invalid line range"), nil
	}

	resolved, err := t.resolver.ResolveForWrite(input.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return toolError(fmt.Sprintf("read file: %v", err)), nil
	}
	lines := splitKeepingTrailing(string(data))
	if input.StartLine > len(lines) {
		return toolError(fmt.Sprintf("start_line %d past end of file (%d lines)", input.StartLine, len(lines))), nil
	}
	end := input.EndLine
	if end > len(lines) {
		end = len(lines)
	}

	var replacement []string
	if input.Content != "" {
		replacement = splitKeepingTrailing(input.Content)
	}
	updated := make([]string, 0, len(lines))
	updated = append(updated, lines[:input.StartLine-1]...)
	updated = append(updated, replacement...)
	updated = append(updated, lines[end:]...)

	if err := os.WriteFile(resolved, []byte(joinLines(updated)), 0o644); err != nil {
		return toolError(fmt.Sprintf("write file: %v", err)), nil
	}
	return toolJSON(map[string]interface{}{
		"path":           input.Path,
		"replaced_lines": end - input.StartLine + 1,
		"new_lines":      len(replacement),
		"total_lines":    len(updated),
	}), nil
}

// splitKeepingTrailing splits into lines without inventing a trailing
// empty line for newline-terminated files.
func splitKeepingTrailing(s string) []string {
	if s == "" {
		return nil
	}
	s = strings.TrimSuffix(s, "\n")
	return strings.Split(s, "\n")
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

func dirOf(path string) string {
	if i := strings.LastIndexByte(path, '/'); i > 0 {
		return path[:i]
	}
	return "."
}
