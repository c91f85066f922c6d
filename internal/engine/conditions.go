package engine

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/flowkit/engine-go/internal/models"
)

// EvaluateEdge decides whether an outgoing edge fires, given the producing
// step's status, the execution context, and the just-produced output.
// Unknown condition spellings pass, so an edge never silently strands a
// graph authored against a newer evaluator.
func EvaluateEdge(edge models.EdgeDescriptor, status models.StepStatus, ec *ExecutionContext, output map[string]any) bool {
	if !passesBasicGate(edge.Condition, status) {
		return false
	}

	conditionType := models.NormalizeConditionType(edge.ConditionType)
	if conditionType == "" || conditionType == models.ConditionAlways {
		return true
	}

	value, _ := resolveConditionField(edge.ConditionField, ec, output)

	switch conditionType {
	case models.ConditionIfNotEmpty:
		return !isEmpty(value)
	case models.ConditionIfEmpty:
		return isEmpty(value)
	case models.ConditionEquals:
		return looseEquals(value, edge.ConditionValue)
	case models.ConditionNotEquals:
		return !looseEquals(value, edge.ConditionValue)
	case models.ConditionContains:
		return contains(value, edge.ConditionValue)
	case models.ConditionGreaterThan:
		return compareNumeric(value, edge.ConditionValue, func(a, b float64) bool { return a > b })
	case models.ConditionLessThan:
		return compareNumeric(value, edge.ConditionValue, func(a, b float64) bool { return a < b })
	default:
		return true
	}
}

// passesBasicGate applies the legacy condition string. Unknown values pass.
func passesBasicGate(condition string, status models.StepStatus) bool {
	switch condition {
	case "", "always":
		return true
	case "success":
		return status == models.StepStatusCompleted
	case "failure":
		return status == models.StepStatusFailed
	default:
		return true
	}
}

// resolveConditionField looks for the field in the producing step's output
// first, then across all step outputs, then the global variables.
func resolveConditionField(field string, ec *ExecutionContext, output map[string]any) (any, bool) {
	if field == "" {
		return nil, false
	}
	if v, ok := output[field]; ok {
		return v, true
	}
	if ec != nil {
		if v, ok := ec.LookupField(field); ok {
			return v, true
		}
	}
	return nil, false
}

func isEmpty(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case bool:
		return !v
	case float64:
		return v == 0
	case int:
		return v == 0
	case int64:
		return v == 0
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() == 0
	case reflect.Ptr, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// looseEquals is case-insensitive for string pairs, structural otherwise.
func looseEquals(a, b any) bool {
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.EqualFold(as, bs)
	}
	if an, ok := toFloat(a); ok {
		if bn, ok := toFloat(b); ok {
			return an == bn
		}
	}
	return reflect.DeepEqual(a, b)
}

func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		return strings.Contains(strings.ToLower(h), strings.ToLower(stringifyCondition(needle)))
	case []any:
		for _, item := range h {
			if looseEquals(item, needle) {
				return true
			}
		}
		return false
	case []string:
		for _, item := range h {
			if looseEquals(item, needle) {
				return true
			}
		}
		return false
	}
	return false
}

func compareNumeric(a, b any, cmp func(a, b float64) bool) bool {
	an, aok := toFloat(a)
	bn, bok := toFloat(b)
	if !aok || !bok {
		return false
	}
	return cmp(an, bn)
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func stringifyCondition(value any) string {
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", value)
}
