// Package isolation contains the processes started by command and script
// steps: deadlines, process-group termination and, where the kernel allows
// it, network and resource isolation.
package isolation

import (
	"cmp"
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rendis/riskflow/pkg/schema"
)

// DefaultWaitDelay bounds how long a killed process may keep its pipes open.
const DefaultWaitDelay = 5 * time.Second

// Limits are the containment settings applied to one step process.
type Limits struct {
	Timeout        time.Duration `json:"timeout,omitempty"`
	WaitDelay      time.Duration `json:"wait_delay,omitempty"`
	AllowNetwork   bool          `json:"allow_network"`
	MaxMemoryBytes int64         `json:"max_memory_bytes,omitempty"`
	MaxCPUPercent  int           `json:"max_cpu_percent,omitempty"`
	AllowedPaths   []string      `json:"allowed_paths,omitempty"`
	DenyPaths      []string      `json:"deny_paths,omitempty"`
}

// ForLevel derives the limits for a script security level from base.
// Trusted scripts keep network access; sandboxed and isolated scripts lose it.
func ForLevel(level schema.SecurityLevel, base Limits) Limits {
	out := base
	switch level {
	case schema.SecuritySandboxed, schema.SecurityIsolated:
		out.AllowNetwork = false
	default:
		out.AllowNetwork = true
		out.MaxMemoryBytes = 0
		out.MaxCPUPercent = 0
	}
	return out
}

// ValidateDir checks that a working directory is permitted. A deny entry
// always wins and an unreadable deny entry blocks everything. An empty
// allow list permits any other directory.
func (l Limits) ValidateDir(path string) error {
	dir, err := canonical(path)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodePolicyBlocked, "invalid working directory %q: %v", path, err)
	}

	for _, rule := range l.DenyPaths {
		root, err := canonical(rule)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodePolicyBlocked,
				"working directory %q denied: invalid deny rule %q: %v", path, rule, err)
		}
		if within(dir, root) {
			return schema.NewErrorf(schema.ErrCodePolicyBlocked, "working directory %q is denied", path)
		}
	}

	if len(l.AllowedPaths) == 0 {
		return nil
	}
	for _, rule := range l.AllowedPaths {
		if root, err := canonical(rule); err == nil && within(dir, root) {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodePolicyBlocked,
		"working directory %q is not under any allowed path", path)
}

// canonical returns the absolute form of path with symlinks resolved. For a
// path that does not exist yet, the deepest existing ancestor is resolved
// and the rest appended.
func canonical(path string) (string, error) {
	if strings.IndexByte(path, 0) >= 0 {
		return "", errors.New("path contains null byte")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	var missing []string
	for dir := abs; ; {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(append([]string{resolved}, missing...)...), nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs, nil
		}
		missing = append([]string{filepath.Base(dir)}, missing...)
		dir = parent
	}
}

// within reports whether path is root or below it, by path elements rather
// than string prefix.
func within(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// Caps describes what an isolator can enforce.
type Caps struct {
	CanLimitMemory  bool `json:"can_limit_memory"`
	CanLimitCPU     bool `json:"can_limit_cpu"`
	CanLimitNetwork bool `json:"can_limit_network"`
	CanIsolatePID   bool `json:"can_isolate_pid"`
}

// Isolator wraps a command with platform-specific containment. The returned
// command must be used instead of the original and cleanup must always be
// called once the process has exited.
type Isolator interface {
	Wrap(ctx context.Context, cmd *exec.Cmd, limits Limits) (*exec.Cmd, func(), error)
	Capabilities() Caps
}

// withDeadline bounds ctx by timeout when one is set. The returned cancel
// is never nil.
func withDeadline(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// clone rebuilds cmd on ctx in a process group of its own, so cancelling
// ctx kills every descendant and not only the direct child.
func clone(ctx context.Context, cmd *exec.Cmd, waitDelay time.Duration) *exec.Cmd {
	c := exec.CommandContext(ctx, cmd.Path)
	c.Args, c.Dir, c.Env = cmd.Args, cmd.Dir, cmd.Env
	c.Stdin, c.Stdout, c.Stderr = cmd.Stdin, cmd.Stdout, cmd.Stderr
	if cmd.SysProcAttr != nil {
		attr := *cmd.SysProcAttr
		c.SysProcAttr = &attr
	}
	setProcessGroup(c)
	c.Cancel = func() error { return killProcessGroup(c) }
	c.WaitDelay = cmp.Or(max(waitDelay, 0), DefaultWaitDelay)
	return c
}
