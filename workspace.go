package ensemble

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Workspace writes task artifacts under a single root directory and tracks
// what was written so cross-task collisions can be reported. Writes are
// last-writer-wins; a collision is only flagged when the content differs.
type Workspace struct {
	root string

	mu      sync.Mutex
	written map[string][32]byte
}

// NewWorkspace creates (if needed) the root directory and returns a
// workspace over it.
func NewWorkspace(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	return &Workspace{root: abs, written: make(map[string][32]byte)}, nil
}

// Root returns the absolute workspace root.
func (w *Workspace) Root() string { return w.root }

// Write stores one artifact. It returns the workspace-relative path, a
// collision flag set when the path was already written with different
// content, and an error for path-policy violations or filesystem failures.
func (w *Workspace) Write(a Artifact) (string, bool, error) {
	rel, ok := normalizePath(a.Path)
	if !ok {
		return "", false, &ErrValidation{Message: fmt.Sprintf("unsafe artifact path %q", a.Path)}
	}
	full := filepath.Join(w.root, filepath.FromSlash(rel))
	if full != w.root && !strings.HasPrefix(full, w.root+string(filepath.Separator)) {
		return "", false, &ErrValidation{Message: fmt.Sprintf("artifact path %q escapes workspace", a.Path)}
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", false, fmt.Errorf("mkdir for %s: %w", rel, err)
	}
	if err := os.WriteFile(full, []byte(a.Content), 0o644); err != nil {
		return "", false, fmt.Errorf("write %s: %w", rel, err)
	}

	sum := sha256.Sum256([]byte(a.Content))
	w.mu.Lock()
	prev, existed := w.written[rel]
	w.written[rel] = sum
	w.mu.Unlock()
	return rel, existed && prev != sum, nil
}

// Files returns the sorted workspace-relative paths written so far.
func (w *Workspace) Files() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.written))
	for p := range w.written {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
