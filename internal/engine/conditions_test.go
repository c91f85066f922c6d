package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flowkit/engine-go/internal/models"
)

func TestEvaluateEdgeConditionTypes(t *testing.T) {
	output := map[string]any{
		"event_id": "E1",
		"empty":    "",
		"blank":    "   ",
		"count":    float64(5),
		"tags":     []any{"alpha", "beta"},
		"title":    "Quarterly Review",
	}

	tests := []struct {
		name string
		edge models.EdgeDescriptor
		want bool
	}{
		{"no condition passes", models.EdgeDescriptor{TargetID: "x"}, true},
		{"always passes", models.EdgeDescriptor{TargetID: "x", ConditionType: models.ConditionAlways}, true},
		{"if_not_empty with value", models.EdgeDescriptor{TargetID: "x", ConditionType: models.ConditionIfNotEmpty, ConditionField: "event_id"}, true},
		{"if_not_empty with empty string", models.EdgeDescriptor{TargetID: "x", ConditionType: models.ConditionIfNotEmpty, ConditionField: "empty"}, false},
		{"if_not_empty trims whitespace", models.EdgeDescriptor{TargetID: "x", ConditionType: models.ConditionIfNotEmpty, ConditionField: "blank"}, false},
		{"if_not_empty missing field", models.EdgeDescriptor{TargetID: "x", ConditionType: models.ConditionIfNotEmpty, ConditionField: "nope"}, false},
		{"if_empty with empty string", models.EdgeDescriptor{TargetID: "x", ConditionType: models.ConditionIfEmpty, ConditionField: "empty"}, true},
		{"if_empty with value", models.EdgeDescriptor{TargetID: "x", ConditionType: models.ConditionIfEmpty, ConditionField: "event_id"}, false},
		{"equals case-insensitive", models.EdgeDescriptor{TargetID: "x", ConditionType: models.ConditionEquals, ConditionField: "event_id", ConditionValue: "e1"}, true},
		{"equals mismatch", models.EdgeDescriptor{TargetID: "x", ConditionType: models.ConditionEquals, ConditionField: "event_id", ConditionValue: "e2"}, false},
		{"if_equals synonym", models.EdgeDescriptor{TargetID: "x", ConditionType: "if_equals", ConditionField: "event_id", ConditionValue: "E1"}, true},
		{"not_equals", models.EdgeDescriptor{TargetID: "x", ConditionType: models.ConditionNotEquals, ConditionField: "event_id", ConditionValue: "e2"}, true},
		{"contains substring case-insensitive", models.EdgeDescriptor{TargetID: "x", ConditionType: models.ConditionContains, ConditionField: "title", ConditionValue: "quarterly"}, true},
		{"contains sequence membership", models.EdgeDescriptor{TargetID: "x", ConditionType: models.ConditionContains, ConditionField: "tags", ConditionValue: "beta"}, true},
		{"contains miss", models.EdgeDescriptor{TargetID: "x", ConditionType: models.ConditionContains, ConditionField: "tags", ConditionValue: "gamma"}, false},
		{"contains on number", models.EdgeDescriptor{TargetID: "x", ConditionType: models.ConditionContains, ConditionField: "count", ConditionValue: "5"}, false},
		{"greater_than true", models.EdgeDescriptor{TargetID: "x", ConditionType: models.ConditionGreaterThan, ConditionField: "count", ConditionValue: float64(3)}, true},
		{"greater_than coerces strings", models.EdgeDescriptor{TargetID: "x", ConditionType: models.ConditionGreaterThan, ConditionField: "count", ConditionValue: "3"}, true},
		{"greater_than uncoercible", models.EdgeDescriptor{TargetID: "x", ConditionType: models.ConditionGreaterThan, ConditionField: "title", ConditionValue: "3"}, false},
		{"less_than", models.EdgeDescriptor{TargetID: "x", ConditionType: models.ConditionLessThan, ConditionField: "count", ConditionValue: float64(10)}, true},
		{"unknown condition type passes", models.EdgeDescriptor{TargetID: "x", ConditionType: "made_up", ConditionField: "event_id"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EvaluateEdge(tt.edge, models.StepStatusCompleted, nil, output)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateEdgeBasicGate(t *testing.T) {
	edge := models.EdgeDescriptor{TargetID: "x", Condition: "success"}
	assert.True(t, EvaluateEdge(edge, models.StepStatusCompleted, nil, nil))
	assert.False(t, EvaluateEdge(edge, models.StepStatusFailed, nil, nil))

	edge.Condition = "failure"
	assert.True(t, EvaluateEdge(edge, models.StepStatusFailed, nil, nil))
	assert.False(t, EvaluateEdge(edge, models.StepStatusCompleted, nil, nil))

	// Unknown legacy spellings are lenient.
	edge.Condition = "whatever"
	assert.True(t, EvaluateEdge(edge, models.StepStatusCompleted, nil, nil))
}

func TestEvaluateEdgeResolvesFromContext(t *testing.T) {
	ec := newExecutionContext(nil)
	ec.SetStepOutput("earlier", map[string]any{"company": "Acme"})
	ec.SetVariable("region", "emea")

	edge := models.EdgeDescriptor{
		TargetID:       "x",
		ConditionType:  models.ConditionEquals,
		ConditionField: "company",
		ConditionValue: "acme",
	}
	assert.True(t, EvaluateEdge(edge, models.StepStatusCompleted, ec, map[string]any{}))

	edge.ConditionField = "region"
	edge.ConditionValue = "emea"
	assert.True(t, EvaluateEdge(edge, models.StepStatusCompleted, ec, map[string]any{}))

	// Current output shadows older step data.
	edge.ConditionField = "company"
	edge.ConditionValue = "newco"
	assert.True(t, EvaluateEdge(edge, models.StepStatusCompleted, ec, map[string]any{"company": "NewCo"}))
}
