package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/riskflow/pkg/schema"
)

// parseVars turns name=value pairs into run variables. Values that parse as
// JSON keep their type; anything else is a string.
func parseVars(pairs []string) (map[string]schema.VariableValue, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]schema.VariableValue, len(pairs))
	for _, p := range pairs {
		name, raw, ok := strings.Cut(p, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid variable %q, want name=value", p)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		out[name] = schema.ValueOf(v)
	}
	return out, nil
}
