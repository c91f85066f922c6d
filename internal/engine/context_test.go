package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextStoreBindAndDrop(t *testing.T) {
	store := NewContextStore()

	ec := store.Bind("exec-1", map[string]any{"tenant": "acme"})
	v, ok := ec.Variable("tenant")
	assert.True(t, ok)
	assert.Equal(t, "acme", v)

	// Second bind returns the same context.
	again := store.Bind("exec-1", nil)
	assert.Same(t, ec, again)

	store.Drop("exec-1")
	fresh := store.Bind("exec-1", nil)
	assert.NotSame(t, ec, fresh)
	_, ok = fresh.Variable("tenant")
	assert.False(t, ok)
}

func TestExecutionContextStepOutputMerges(t *testing.T) {
	ec := newExecutionContext(nil)
	ec.SetStepOutput("A", map[string]any{"x": 1.0})
	ec.SetStepOutput("A", map[string]any{"y": 2.0})

	out := ec.StepOutput("A")
	assert.Equal(t, map[string]any{"x": 1.0, "y": 2.0}, out)

	// Returned map is a copy.
	out["z"] = 3.0
	assert.Nil(t, ec.StepOutput("A")["z"])
}

func TestExecutionContextLookupOrder(t *testing.T) {
	ec := newExecutionContext(nil)
	ec.SetStepOutput("A", map[string]any{"shared": "from-step"})
	ec.SetVariable("shared", "from-vars")
	ec.SetVariable("only_var", "v")

	v, ok := ec.LookupField("shared")
	assert.True(t, ok)
	assert.Equal(t, "from-step", v)

	v, ok = ec.LookupField("only_var")
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	_, ok = ec.LookupField("missing")
	assert.False(t, ok)
}

func TestMergeActionOutputFlattensDataEnvelope(t *testing.T) {
	out := make(map[string]any)
	mergeActionOutput(out, map[string]any{"data": map[string]any{"inner": "x"}})
	assert.Equal(t, map[string]any{"inner": "x"}, out)

	out = make(map[string]any)
	mergeActionOutput(out, map[string]any{"plain": "y", "data": "not a mapping"})
	assert.Equal(t, map[string]any{"plain": "y", "data": "not a mapping"}, out)

	mergeActionOutput(out, nil)
	assert.Len(t, out, 2)
}
