// Package source materializes deployment sources (git checkouts and uploads) on local disk.
package source

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Workspace owns deployment-specific working directories under a common root.
type Workspace struct {
	root string
}

// NewWorkspace ensures the workspace root exists and is accessible.
func NewWorkspace(root string) (*Workspace, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Workspace{root: root}, nil
}

// Prepare creates a clean directory for the deployment.
func (w *Workspace) Prepare(deploymentID string) (string, error) {
	if deploymentID == "" {
		return "", fmt.Errorf("workspace identifier cannot be empty")
	}
	dir := filepath.Join(w.root, deploymentID)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("cleanup workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Cleanup removes a directory previously returned by Prepare.
func (w *Workspace) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	return os.RemoveAll(path)
}

// Within resolves sub relative to dir and rejects paths escaping it.
func Within(dir, sub string) (string, error) {
	if sub == "" || sub == "." {
		return dir, nil
	}
	joined := filepath.Join(dir, sub)
	rel, err := filepath.Rel(dir, joined)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %q escapes the workspace", sub)
	}
	return joined, nil
}
