//go:build linux

package isolation

import "log/slog"

// NewIsolator returns a CgroupIsolator when cgroups v2 is writable and the
// fallback otherwise.
func NewIsolator(logger *slog.Logger) Isolator {
	if logger == nil {
		logger = slog.Default()
	}
	iso, err := NewCgroupIsolator(logger)
	if err != nil {
		logger.Warn("isolation: cgroups v2 unavailable, using fallback", "error", err)
		return NewFallbackIsolator()
	}
	return iso
}
