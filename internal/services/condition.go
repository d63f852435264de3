package services

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"leadflow/internal/models"
	"leadflow/pkg/utils"
)

// Supported condition operators.
const (
	OpEquals         = "equals"
	OpNotEquals      = "not_equals"
	OpContains       = "contains"
	OpNotContains    = "not_contains"
	OpGreaterThan    = "greater_than"
	OpLessThan       = "less_than"
	OpGreaterOrEqual = "greater_or_equal"
	OpLessOrEqual    = "less_or_equal"
	OpIn             = "in"
	OpStartsWith     = "starts_with"
	OpIsEmpty        = "is_empty"
	OpIsNotEmpty     = "is_not_empty"
)

var knownOperators = map[string]bool{
	OpEquals: true, OpNotEquals: true, OpContains: true, OpNotContains: true,
	OpGreaterThan: true, OpLessThan: true, OpGreaterOrEqual: true, OpLessOrEqual: true,
	OpIn: true, OpStartsWith: true, OpIsEmpty: true, OpIsNotEmpty: true,
}

// IsKnownOperator reports whether op is evaluated by MatchConditions.
func IsKnownOperator(op string) bool { return knownOperators[op] }

// MatchConditions is the AND of all conditions against the event data.
// An empty list always matches.
func MatchConditions(conds []models.Condition, data map[string]interface{}) bool {
	for _, c := range conds {
		if !evaluateCondition(c, data) {
			return false
		}
	}
	return true
}

func evaluateCondition(c models.Condition, data map[string]interface{}) bool {
	val, ok := utils.LookupPath(data, c.Field)
	switch c.Operator {
	case OpIsEmpty:
		return !ok || isEmptyValue(val)
	case OpIsNotEmpty:
		return ok && !isEmptyValue(val)
	}
	if !ok {
		return false
	}

	switch c.Operator {
	case OpEquals:
		return valuesEqual(val, c.Value)
	case OpNotEquals:
		return !valuesEqual(val, c.Value)
	case OpContains:
		return containsValue(val, c.Value)
	case OpNotContains:
		return !containsValue(val, c.Value)
	case OpStartsWith:
		return strings.HasPrefix(toString(val), toString(c.Value))
	case OpIn:
		return inList(val, c.Value)
	case OpGreaterThan, OpLessThan, OpGreaterOrEqual, OpLessOrEqual:
		a, okA := toFloat(val)
		b, okB := toFloat(c.Value)
		if !okA || !okB {
			return false
		}
		switch c.Operator {
		case OpGreaterThan:
			return a > b
		case OpLessThan:
			return a < b
		case OpGreaterOrEqual:
			return a >= b
		default:
			return a <= b
		}
	default:
		return false
	}
}

func isEmptyValue(v interface{}) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() == 0
	}
	return false
}

// valuesEqual compares numerically when both sides are numbers,
// otherwise compares %v renderings.
func valuesEqual(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return toString(a) == toString(b)
}

func containsValue(haystack, needle interface{}) bool {
	if s, ok := haystack.(string); ok {
		return strings.Contains(s, toString(needle))
	}
	rv := reflect.ValueOf(haystack)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		for i := 0; i < rv.Len(); i++ {
			if valuesEqual(rv.Index(i).Interface(), needle) {
				return true
			}
		}
		return false
	}
	return strings.Contains(toString(haystack), toString(needle))
}

// inList reports whether val is one of the condition's listed values.
// A comma separated string is accepted as the list.
func inList(val, list interface{}) bool {
	if s, ok := list.(string); ok {
		for _, part := range strings.Split(s, ",") {
			if valuesEqual(val, strings.TrimSpace(part)) {
				return true
			}
		}
		return false
	}
	rv := reflect.ValueOf(list)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return valuesEqual(val, list)
	}
	for i := 0; i < rv.Len(); i++ {
		if valuesEqual(val, rv.Index(i).Interface()) {
			return true
		}
	}
	return false
}

func toString(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// parseFinite rejects "nan" and "inf" spellings so they compare as text.
func parseFinite(s string) (float64, bool) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case string:
		return parseFinite(strings.TrimSpace(n))
	case fmt.Stringer:
		return parseFinite(n.String())
	default:
		return 0, false
	}
}
