package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Sandbox operations that may appear in an allowlist.
const (
	OpRead    = "read"
	OpWrite   = "write"
	OpList    = "list"
	OpDelete  = "delete"
	OpExecute = "execute"
)

// Sandbox confines a tool executor to a root directory, a timeout, and an
// allowlist of operations.
type Sandbox struct {
	// Root is the directory all paths resolve within.
	Root string

	// Timeout bounds each execution.
	Timeout time.Duration

	// Allow lists the permitted operations. Empty means read and list
	// only.
	Allow []string
}

// NewSandbox creates a sandbox rooted at dir, creating it if needed.
func NewSandbox(dir string, timeout time.Duration, allow ...string) (*Sandbox, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving sandbox root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating sandbox root: %w", err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if len(allow) == 0 {
		allow = []string{OpRead, OpList}
	}
	return &Sandbox{Root: abs, Timeout: timeout, Allow: allow}, nil
}

// Allowed reports whether the sandbox permits op.
func (s *Sandbox) Allowed(op string) bool {
	for _, a := range s.Allow {
		if a == op {
			return true
		}
	}
	return false
}

// Resolve normalizes path relative to the sandbox root and rejects anything
// that escapes it after cleaning and symlink evaluation.
func (s *Sandbox) Resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(s.Root, candidate)
	}
	candidate = filepath.Clean(candidate)

	if !s.contains(candidate) {
		return "", fmt.Errorf("path %q resolves outside the sandbox root", path)
	}

	// A symlink inside the root may still point outside it. Walk up to
	// the nearest existing ancestor and resolve that.
	probe := candidate
	for {
		resolved, err := filepath.EvalSymlinks(probe)
		if err == nil {
			if !s.contains(resolved) {
				return "", fmt.Errorf("path %q resolves outside the sandbox root", path)
			}
			break
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("resolving %q: %w", path, err)
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}
		probe = parent
	}
	return candidate, nil
}

func (s *Sandbox) contains(abs string) bool {
	rel, err := filepath.Rel(s.Root, abs)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "..")
}
