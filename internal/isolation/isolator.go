package isolation

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rendis/hookflow/pkg/schema"
)

// ResourceLimits constrains commands spawned by the bash action and exec
// pipeline steps.
type ResourceLimits struct {
	Timeout       time.Duration `json:"timeout,omitempty"`
	ReadOnlyPaths []string      `json:"read_only_paths,omitempty"`
	WritablePaths []string      `json:"writable_paths,omitempty"`
	DenyPaths     []string      `json:"deny_paths,omitempty"`
}

// PathAccessMode indicates the type of filesystem access being requested.
type PathAccessMode int

const (
	PathAccessRead PathAccessMode = iota
	PathAccessWrite
)

// ValidatePath checks whether path may be used as a working directory or file.
// Empty allow lists mean unrestricted access. DenyPaths always wins, and an
// unparsable deny rule denies.
func (r ResourceLimits) ValidatePath(path string, mode PathAccessMode) error {
	clean, err := resolveCleanPath(path)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodePathDenied, "invalid path %q: %v", path, err)
	}

	for _, deny := range r.DenyPaths {
		base, err := resolveCleanPath(deny)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodePathDenied,
				"path %q denied: invalid deny rule %q: %v", path, deny, err)
		}
		if isUnderPath(clean, base) {
			return schema.NewErrorf(schema.ErrCodePathDenied, "path %q is denied", path)
		}
	}

	if len(r.ReadOnlyPaths) == 0 && len(r.WritablePaths) == 0 {
		return nil
	}

	if underAny(clean, r.WritablePaths) {
		return nil
	}
	if mode == PathAccessWrite {
		return schema.NewErrorf(schema.ErrCodePathDenied, "write access to %q denied: not under any writable path", path)
	}
	if underAny(clean, r.ReadOnlyPaths) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodePathDenied, "read access to %q denied: not under any allowed path", path)
}

// underAny reports whether clean lies under one of the bases. Bases that fail
// to resolve grant nothing.
func underAny(clean string, bases []string) bool {
	for _, b := range bases {
		base, err := resolveCleanPath(b)
		if err != nil {
			continue
		}
		if isUnderPath(clean, base) {
			return true
		}
	}
	return false
}

// resolveCleanPath makes path absolute and resolves symlinks on its longest
// existing prefix, so not-yet-created files resolve consistently.
func resolveCleanPath(path string) (string, error) {
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("path contains null byte")
	}

	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return resolveAncestor(abs), nil
}

func resolveAncestor(path string) string {
	dir := path
	for range 256 {
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		if resolved, err := filepath.EvalSymlinks(parent); err == nil {
			rel, err := filepath.Rel(parent, path)
			if err != nil {
				return path
			}
			return filepath.Join(resolved, rel)
		}
		dir = parent
	}
	return path
}

// isUnderPath reports whether path equals base or lies beneath it.
// /tmp does not contain /tmpevil.
func isUnderPath(path, base string) bool {
	if path == base {
		return true
	}
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// IsolatorCaps describes what an isolator can enforce.
type IsolatorCaps struct {
	CanTimeout     bool `json:"can_timeout"`
	CanLimitMemory bool `json:"can_limit_memory"`
	CanIsolateFS   bool `json:"can_isolate_fs"`
}

// Isolator wraps a command with process isolation.
// The returned cleanup function must always be called after the process exits.
type Isolator interface {
	Wrap(ctx context.Context, cmd *exec.Cmd, limits ResourceLimits) (*exec.Cmd, func(), error)
	Capabilities() IsolatorCaps
}

// NewIsolator returns the isolator used for hook commands. Hook processes run
// unprivileged, so only the timeout-enforcing fallback is available.
func NewIsolator(logger *slog.Logger) Isolator {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("isolation: using fallback isolator (timeout only)")
	return NewFallbackIsolator()
}
