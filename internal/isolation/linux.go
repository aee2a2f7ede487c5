//go:build linux

package isolation

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const (
	cgroupRoot     = "/sys/fs/cgroup"
	cgroupPrefix   = "riskflow"
	cgroupPeriod   = 100000 // cpu.max period in microseconds
	cleanupDelay   = 50 * time.Millisecond
	cleanupRetries = 10
)

var _ Isolator = (*CgroupIsolator)(nil)

// CgroupIsolator places each step process in its own cgroup v2 leaf and,
// when the limits deny network access, in a fresh network namespace.
type CgroupIsolator struct {
	base   string
	caps   Caps
	logger *slog.Logger
}

// NewCgroupIsolator prepares the riskflow cgroup subtree. It fails when
// cgroups v2 is not mounted or not writable by this process.
func NewCgroupIsolator(logger *slog.Logger) (*CgroupIsolator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	data, err := os.ReadFile(filepath.Join(cgroupRoot, "cgroup.controllers"))
	if err != nil {
		return nil, fmt.Errorf("cgroups v2 not available: %w", err)
	}
	controllers := parseControllers(string(data))

	base := filepath.Join(cgroupRoot, cgroupPrefix)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create cgroup base %s: %w", base, err)
	}
	if err := enableControllers(base, controllers); err != nil {
		return nil, fmt.Errorf("enable cgroup controllers: %w", err)
	}
	return &CgroupIsolator{base: base, caps: buildCaps(controllers), logger: logger}, nil
}

// Capabilities returns the detected capabilities.
func (c *CgroupIsolator) Capabilities() Caps {
	return c.caps
}

// Wrap creates a cgroup leaf for cmd, writes the memory and CPU limits and
// starts the process directly inside it.
func (c *CgroupIsolator) Wrap(ctx context.Context, cmd *exec.Cmd, limits Limits) (*exec.Cmd, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	leaf := filepath.Join(c.base, uuid.NewString())
	if err := os.Mkdir(leaf, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create cgroup %s: %w", leaf, err)
	}

	fd := -1
	ok := false
	defer func() {
		if !ok {
			if fd >= 0 {
				syscall.Close(fd)
			}
			removeCgroup(leaf)
		}
	}()

	if err := c.writeLimits(leaf, limits); err != nil {
		return nil, nil, err
	}

	var err error
	fd, err = syscall.Open(leaf, syscall.O_DIRECTORY|syscall.O_RDONLY, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("open cgroup fd: %w", err)
	}

	runCtx, cancel := withDeadline(ctx, limits.Timeout)
	wrapped := clone(runCtx, cmd, limits.WaitDelay)
	wrapped.SysProcAttr.UseCgroupFD = true
	wrapped.SysProcAttr.CgroupFD = fd
	if !limits.AllowNetwork && c.caps.CanLimitNetwork {
		wrapped.SysProcAttr.Cloneflags |= syscall.CLONE_NEWNET
	}
	// the whole cgroup is killed on cancel, which also reaches processes
	// that left the step's process group
	wrapped.Cancel = func() error {
		_ = os.WriteFile(filepath.Join(leaf, "cgroup.kill"), []byte("1"), 0o644)
		return killProcessGroup(wrapped)
	}

	ok = true
	return wrapped, c.cleanup(fd, leaf, cancel), nil
}

func (c *CgroupIsolator) cleanup(fd int, leaf string, cancel context.CancelFunc) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			syscall.Close(fd)
			cancel()
			if !removeCgroup(leaf) {
				c.logger.Warn("isolation: failed to remove cgroup", "path", leaf)
			}
		})
	}
}

func (c *CgroupIsolator) writeLimits(leaf string, limits Limits) error {
	if limits.MaxMemoryBytes > 0 && c.caps.CanLimitMemory {
		if err := writeControl(leaf, "memory.max", strconv.FormatInt(limits.MaxMemoryBytes, 10)); err != nil {
			return fmt.Errorf("set memory.max: %w", err)
		}
		// no swap, so the ceiling is hard
		_ = writeControl(leaf, "memory.swap.max", "0")
	}
	if limits.MaxCPUPercent > 0 && c.caps.CanLimitCPU {
		if err := writeControl(leaf, "cpu.max", formatCPUMax(limits.MaxCPUPercent)); err != nil {
			return fmt.Errorf("set cpu.max: %w", err)
		}
	}
	return nil
}

func writeControl(leaf, file, value string) error {
	return os.WriteFile(filepath.Join(leaf, file), []byte(value), 0o644)
}

// formatCPUMax converts a CPU percentage to the cpu.max "QUOTA PERIOD" form.
func formatCPUMax(percent int) string {
	if percent <= 0 || percent > 100 {
		return fmt.Sprintf("max %d", cgroupPeriod)
	}
	return fmt.Sprintf("%d %d", cgroupPeriod*percent/100, cgroupPeriod)
}

// removeCgroup kills whatever is left in the leaf and removes it.
func removeCgroup(leaf string) bool {
	if err := writeControl(leaf, "cgroup.kill", "1"); err != nil {
		killCgroupProcesses(leaf)
	}
	for range cleanupRetries {
		if err := os.Remove(leaf); err == nil || os.IsNotExist(err) {
			return true
		}
		time.Sleep(cleanupDelay)
	}
	return false
}

func killCgroupProcesses(leaf string) {
	f, err := os.Open(filepath.Join(leaf, "cgroup.procs"))
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		pid, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
		if err != nil || pid <= 0 {
			continue
		}
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}

func parseControllers(data string) map[string]bool {
	m := make(map[string]bool)
	for _, c := range strings.Fields(data) {
		m[c] = true
	}
	return m
}

func buildCaps(controllers map[string]bool) Caps {
	return Caps{
		CanLimitMemory:  controllers["memory"],
		CanLimitCPU:     controllers["cpu"],
		CanLimitNetwork: true, // CLONE_NEWNET, not a controller
		CanIsolatePID:   controllers["pids"],
	}
}

// enableControllers delegates the memory, cpu and pids controllers to leaves.
func enableControllers(base string, controllers map[string]bool) error {
	var enable []string
	for _, c := range []string{"memory", "cpu", "pids"} {
		if controllers[c] {
			enable = append(enable, "+"+c)
		}
	}
	if len(enable) == 0 {
		return nil
	}
	return os.WriteFile(filepath.Join(base, "cgroup.subtree_control"), []byte(strings.Join(enable, " ")), 0o644)
}
