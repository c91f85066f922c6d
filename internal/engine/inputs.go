package engine

import (
	"fmt"
	"strings"
)

const (
	stepTokenPrefix     = "step."
	variableTokenPrefix = "variables."
)

// AssembleInputs produces the input mapping fed into a step's actions.
// Tokens resolve as:
//
//	step.<stepId>.<field>  — that step's output field
//	variables.<name>       — a global variable
//	<field>                — first occurrence across all step outputs, then
//	                         global variables
//
// An empty input_data list with a previous step falls back to the entire
// output of that predecessor. Unresolvable tokens are skipped.
func AssembleInputs(ec *ExecutionContext, inputData []string, previousStepID string) map[string]any {
	inputs := make(map[string]any)

	if len(inputData) == 0 {
		if previousStepID != "" {
			for k, v := range ec.StepOutput(previousStepID) {
				inputs[k] = v
			}
		}
		return inputs
	}

	for _, token := range inputData {
		name, value, ok := resolveToken(ec, token)
		if !ok {
			continue
		}
		inputs[name] = value
	}
	return inputs
}

func resolveToken(ec *ExecutionContext, token string) (string, any, bool) {
	switch {
	case strings.HasPrefix(token, stepTokenPrefix):
		rest := token[len(stepTokenPrefix):]
		stepID, field, ok := strings.Cut(rest, ".")
		if !ok {
			return "", nil, false
		}
		v, ok := ec.LookupStepField(stepID, field)
		return field, v, ok
	case strings.HasPrefix(token, variableTokenPrefix):
		name := token[len(variableTokenPrefix):]
		v, ok := ec.Variable(name)
		return name, v, ok
	default:
		v, ok := ec.LookupField(token)
		return token, v, ok
	}
}

// EnrichConfig returns the action config with template placeholders
// substituted and the input mapping merged in, so handlers can read input
// fields directly. The original config is not mutated.
func EnrichConfig(config map[string]any, inputs map[string]any) map[string]any {
	out := make(map[string]any, len(config)+len(inputs))
	for k, v := range config {
		out[k] = substituteValue(v, inputs)
	}
	for k, v := range inputs {
		if _, exists := out[k]; !exists {
			out[k] = v
		}
	}
	return out
}

func substituteValue(value any, inputs map[string]any) any {
	switch v := value.(type) {
	case string:
		return Substitute(v, inputs)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, inner := range v {
			out[k] = substituteValue(inner, inputs)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			out[i] = substituteValue(inner, inputs)
		}
		return out
	default:
		return value
	}
}

// Substitute replaces ${name} and {name} placeholders with the stringified
// input value. Placeholders without a matching input stay literal, which
// makes substitution idempotent on fully-substituted strings.
func Substitute(s string, inputs map[string]any) string {
	if !strings.ContainsAny(s, "{") {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		start, dollar := placeholderAt(s, i)
		if start < 0 {
			b.WriteString(s[i:])
			break
		}
		b.WriteString(s[i:start])

		nameStart := start + 1
		if dollar {
			nameStart++
		}
		end := strings.IndexByte(s[nameStart:], '}')
		if end < 0 {
			b.WriteString(s[start:])
			break
		}
		name := s[nameStart : nameStart+end]
		closing := nameStart + end + 1

		if value, ok := inputs[name]; ok && validPlaceholderName(name) {
			b.WriteString(stringify(value))
		} else {
			b.WriteString(s[start:closing])
		}
		i = closing
	}
	return b.String()
}

// placeholderAt finds the next "{" or "${" at or after i.
func placeholderAt(s string, i int) (int, bool) {
	idx := strings.IndexByte(s[i:], '{')
	if idx < 0 {
		return -1, false
	}
	idx += i
	if idx > 0 && s[idx-1] == '$' {
		return idx - 1, true
	}
	return idx, false
}

func validPlaceholderName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
		default:
			return false
		}
	}
	return true
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	case float64:
		// JSON numbers decode as float64; print integers without a fraction.
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
