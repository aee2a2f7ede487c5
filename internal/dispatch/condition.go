package dispatch

import (
	"strings"

	"github.com/rendis/riskflow/pkg/schema"
)

// EvaluateCondition compares a resolved variable against the condition's
// value. Equality compares canonical text, so 3 equals "3". The string
// operators need a string variable and the ordering operators need two
// numbers; anything else is a TYPE_ERROR.
func EvaluateCondition(op schema.ComparisonOperator, left, right schema.VariableValue) (bool, error) {
	switch op {
	case schema.OpEquals:
		return sameValue(left, right), nil
	case schema.OpNotEquals:
		return !sameValue(left, right), nil

	case schema.OpContains, schema.OpStartsWith, schema.OpEndsWith:
		s, ok := left.Str()
		if !ok {
			return false, schema.NewErrorf(schema.ErrCodeType,
				"operator %s needs a string variable, got %s", op, left.Kind())
		}
		sub := right.Text()
		switch op {
		case schema.OpContains:
			return strings.Contains(s, sub), nil
		case schema.OpStartsWith:
			return strings.HasPrefix(s, sub), nil
		default:
			return strings.HasSuffix(s, sub), nil
		}

	case schema.OpGreaterThan, schema.OpLessThan:
		l, lok := left.Number()
		r, rok := right.Number()
		if !lok || !rok {
			return false, schema.NewErrorf(schema.ErrCodeType,
				"operator %s needs numbers, got %s and %s", op, left.Kind(), right.Kind())
		}
		if op == schema.OpGreaterThan {
			return l > r, nil
		}
		return l < r, nil

	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation, "unknown operator %q", op)
	}
}

func sameValue(a, b schema.VariableValue) bool {
	return a.Equal(b) || a.Text() == b.Text()
}
