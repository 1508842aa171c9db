package policy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// Evaluate walks the condition tree against payload, a canonicalized JSON
// document, per spec.md §4.4: deterministic, side-effect-free. Unknown
// fields evaluate to null; comparisons against null are false except
// "neq null".
func Evaluate(c Condition, payload []byte) (bool, error) {
	switch {
	case c.And != nil:
		for _, sub := range c.And {
			ok, err := Evaluate(sub, payload)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil

	case c.Or != nil:
		for _, sub := range c.Or {
			ok, err := Evaluate(sub, payload)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case c.Not != nil:
		ok, err := Evaluate(*c.Not, payload)
		if err != nil {
			return false, err
		}
		return !ok, nil

	case c.IsLeaf():
		return evaluateLeaf(c, payload)

	default:
		// An empty condition (zero value) always matches — a policy with no
		// Condition set applies unconditionally within its kind/actor/resource match.
		return true, nil
	}
}

func evaluateLeaf(c Condition, payload []byte) (bool, error) {
	result := gjson.GetBytes(payload, c.Field)
	isNull := !result.Exists() || result.Type == gjson.Null

	switch c.Op {
	case "eq":
		if isNull {
			return false, nil
		}
		return compareEqual(result, c.Value), nil
	case "neq":
		if isNull {
			return true, nil
		}
		return !compareEqual(result, c.Value), nil
	case "lt", "le", "gt", "ge":
		if isNull {
			return false, nil
		}
		return compareOrdered(c.Op, result.Float(), toFloat(c.Value))
	case "in":
		if isNull {
			return false, nil
		}
		return containsValue(c.Value, result), nil
	case "contains":
		if isNull {
			return false, nil
		}
		return strings.Contains(result.String(), fmt.Sprintf("%v", c.Value)), nil
	case "matches":
		if isNull {
			return false, nil
		}
		pattern, _ := c.Value.(string)
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("policy: invalid regex %q: %w", pattern, err)
		}
		return re.MatchString(result.String()), nil
	default:
		return false, fmt.Errorf("policy: unknown condition operator %q", c.Op)
	}
}

func compareEqual(r gjson.Result, want interface{}) bool {
	switch w := want.(type) {
	case string:
		return r.String() == w && r.Type == gjson.String
	case bool:
		return r.Type == gjson.True || r.Type == gjson.False
	case float64:
		return r.Type == gjson.Number && r.Float() == w
	case int:
		return r.Type == gjson.Number && r.Float() == float64(w)
	default:
		return fmt.Sprintf("%v", want) == r.String()
	}
}

func compareOrdered(op string, got, want float64) (bool, error) {
	switch op {
	case "lt":
		return got < want, nil
	case "le":
		return got <= want, nil
	case "gt":
		return got > want, nil
	case "ge":
		return got >= want, nil
	default:
		return false, fmt.Errorf("policy: unknown ordering operator %q", op)
	}
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}

func containsValue(set interface{}, r gjson.Result) bool {
	items, ok := set.([]interface{})
	if !ok {
		return false
	}
	for _, item := range items {
		if compareEqual(r, item) {
			return true
		}
	}
	return false
}

