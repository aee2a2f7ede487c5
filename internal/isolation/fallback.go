package isolation

import (
	"context"
	"os/exec"
)

var _ Isolator = (*FallbackIsolator)(nil)

// FallbackIsolator only applies the deadline and kills the process group on
// cancel. Trusted scripts always run under it.
type FallbackIsolator struct{}

// NewFallbackIsolator creates a FallbackIsolator.
func NewFallbackIsolator() *FallbackIsolator {
	return &FallbackIsolator{}
}

// Wrap rebuilds cmd in its own process group with the step timeout.
func (f *FallbackIsolator) Wrap(ctx context.Context, cmd *exec.Cmd, limits Limits) (*exec.Cmd, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	runCtx, cancel := withDeadline(ctx, limits.Timeout)
	return clone(runCtx, cmd, limits.WaitDelay), cancel, nil
}

// Capabilities reports that no resource or network limit is enforced.
func (f *FallbackIsolator) Capabilities() Caps {
	return Caps{}
}
