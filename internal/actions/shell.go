// Package actions holds the host-side executors the dispatcher delegates to:
// shell commands and scripts run through the isolation layer, and HTTP
// integrations guarded by per-service circuit breakers.
package actions

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/rendis/riskflow/internal/dispatch"
	"github.com/rendis/riskflow/internal/isolation"
	"github.com/rendis/riskflow/internal/logging"
	"github.com/rendis/riskflow/pkg/schema"
)

const defaultMaxOutputSize = 10 * 1024 * 1024 // 10MB

// ShellConfig configures the process executor.
type ShellConfig struct {
	Isolator isolation.Isolator
	// Limits are the base limits; a script's security level narrows them.
	// Deadlines are enforced by the caller's context, not by Limits.Timeout.
	Limits        isolation.Limits
	MaxOutputSize int64
	Logger        *slog.Logger
}

// Shell runs commands with /bin/sh and scripts with their interpreter. It
// implements dispatch.ProcessExecutor.
type Shell struct {
	cfg    ShellConfig
	logger *slog.Logger
}

var _ dispatch.ProcessExecutor = (*Shell)(nil)

// NewShell creates a process executor.
func NewShell(cfg ShellConfig) *Shell {
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = defaultMaxOutputSize
	}
	if cfg.Isolator == nil {
		cfg.Isolator = isolation.NewFallbackIsolator()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Shell{cfg: cfg, logger: logger}
}

// RunCommand runs a command line through /bin/sh. Commands run with the
// caller's privileges and network access; they are gated before they get here.
func (s *Shell) RunCommand(ctx context.Context, req dispatch.CommandRequest) (*dispatch.ProcessResult, error) {
	if req.Command == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty command").WithStep(req.StepID)
	}
	limits := s.cfg.Limits
	limits.AllowNetwork = true

	cmd := exec.Command("/bin/sh", "-c", req.Command)
	return s.run(ctx, req.Command, cmd, limits)
}

// RunScript runs script content through its interpreter, contained according
// to its security level.
func (s *Shell) RunScript(ctx context.Context, req dispatch.ScriptRequest) (*dispatch.ProcessResult, error) {
	script := req.Script
	limits := isolation.ForLevel(script.SecurityLevel, s.cfg.Limits)

	if script.WorkingDirectory != "" {
		if err := limits.ValidateDir(script.WorkingDirectory); err != nil {
			return nil, err
		}
	}

	prepared, err := prepareScript(script)
	if err != nil {
		return nil, err
	}
	defer prepared.cleanup()

	env := mergeEnv(os.Environ(), script.Environment)

	// compiled languages build first; a failed build is the script's result
	if prepared.build != nil {
		build := exec.Command(prepared.build[0], prepared.build[1:]...)
		build.Dir = prepared.dir
		build.Env = env
		res, err := s.run(ctx, prepared.label+" build", build, limits)
		if err != nil || res.ExitCode != 0 {
			return res, err
		}
	}

	cmd := exec.Command(prepared.argv[0], prepared.argv[1:]...)
	cmd.Dir = script.WorkingDirectory
	cmd.Env = env
	return s.run(ctx, prepared.label, cmd, limits)
}

func (s *Shell) run(ctx context.Context, label string, cmd *exec.Cmd, limits isolation.Limits) (*dispatch.ProcessResult, error) {
	limits.Timeout = 0

	wrapped, cleanup, err := s.cfg.Isolator.Wrap(ctx, cmd, limits)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecutionFailed, "isolation wrap failed: %v", err).WithCause(err)
	}
	defer cleanup()

	var stdoutBuf, stderrBuf bytes.Buffer
	wrapped.Stdout = &limitedWriter{w: &stdoutBuf, limit: s.cfg.MaxOutputSize}
	wrapped.Stderr = &limitedWriter{w: &stderrBuf, limit: s.cfg.MaxOutputSize}

	start := time.Now()
	runErr := wrapped.Run()
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		// killed with its process group; the caller decides timeout vs cancel
		logging.LogWith(ctx, s.logger).Debug("process stopped by context", "command", label, "elapsed", elapsed)
		return nil, ctx.Err()
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			// e.g. interpreter not found
			return nil, schema.NewErrorf(schema.ErrCodeExecutionFailed, "%s: %v", label, runErr).WithCause(runErr)
		}
		exitCode = exitErr.ExitCode()
	}

	return &dispatch.ProcessResult{
		Command:  label,
		ExitCode: exitCode,
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: elapsed,
	}, nil
}

// mergeEnv appends overrides to base in key order so later entries win.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := append([]string(nil), base...)
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}
	return out
}

// --- limitedWriter ---

// limitedWriter wraps a writer and silently discards bytes beyond the limit.
// Write always reports the full len(p) consumed to prevent the subprocess from
// blocking on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}
