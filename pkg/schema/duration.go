package schema

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// ParseDuration accepts Go duration strings ("1m30s") and bare numbers of
// seconds ("90", "0.5"). Negative durations are rejected.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return 0, errors.New("negative duration")
		}
		return d, nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil || secs < 0 {
		return 0, errors.New("invalid duration")
	}
	return time.Duration(secs * float64(time.Second)), nil
}
