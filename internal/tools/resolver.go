package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PlanFileRelPath is the workspace-relative path of the plan file. In plan
// mode it is the only file the edit tools may write; it is always
// readable in either mode.
const PlanFileRelPath = ".mux/plan.md"

// Resolver resolves and validates workspace-relative paths. When
// PlanModeOnly is set, writes outside the plan file are rejected.
type Resolver struct {
	Root         string
	PlanModeOnly bool
}

// Resolve returns an absolute, cleaned path within the workspace root.
func (r Resolver) Resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	root := strings.TrimSpace(r.Root)
	if root == "" {
		root = "."
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	var target string
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	} else {
		target = filepath.Join(rootAbs, clean)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	rel, err := filepath.Rel(rootAbs, targetAbs)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes workspace")
	}
	return targetAbs, nil
}

// ResolveForWrite resolves a path for mutation, enforcing the plan-mode
// restriction.
func (r Resolver) ResolveForWrite(path string) (string, error) {
	resolved, err := r.Resolve(path)
	if err != nil {
		return "", err
	}
	if r.PlanModeOnly {
		planAbs, err := r.Resolve(PlanFileRelPath)
		if err != nil {
			return "", err
		}
		if resolved != planAbs {
			return "", fmt.Errorf("plan mode: only %s may be edited", PlanFileRelPath)
		}
	}
	return resolved, nil
}
