//go:build !linux

package isolation

import "log/slog"

// NewIsolator returns the platform isolator. Outside Linux only deadlines
// and process-group termination are enforced.
func NewIsolator(logger *slog.Logger) Isolator {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("isolation: no kernel isolation available, using fallback")
	return NewFallbackIsolator()
}
