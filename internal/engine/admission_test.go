package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowkit/engine-go/internal/broker"
	"github.com/flowkit/engine-go/internal/models"
)

func validNodes() []models.Node {
	return []models.Node{
		{ID: "A", Type: "trigger", NextSteps: []models.EdgeDescriptor{{TargetID: "B"}}},
		{ID: "B", Type: "work"},
	}
}

func TestAdmissionCreatesExecutionAndEnqueuesEntry(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{}
	admission := NewAdmissionConsumer(store, pub, nil, zap.NewNop())

	msg := &models.WorkflowQueueMessage{
		WorkflowID: "wf-1",
		Workflow:   validNodes(),
		Context:    map[string]any{"tenant": "acme"},
	}
	require.NoError(t, admission.Accept(context.Background(), msg))

	assert.Equal(t, models.WorkflowStatusProcessing, store.workflowStatus["wf-1"])

	queued, ok := pub.pop()
	require.True(t, ok)
	assert.Equal(t, broker.ExecutionQueue, queued.Queue)

	work, err := decodeStepMessage(queued.Body)
	require.NoError(t, err)
	assert.Equal(t, "wf-1", work.WorkflowID)
	assert.Equal(t, "A", work.Step.ID)
	assert.Equal(t, 1, work.AttemptNumber)
	assert.False(t, work.IsRetry)
	require.NotEmpty(t, work.WorkflowExecutionID)

	exec, err := store.GetWorkflowExecution(context.Background(), work.WorkflowExecutionID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusProcessing, exec.Status)
	assert.Equal(t, "acme", exec.Context["tenant"])

	entry := store.stepByNode(work.WorkflowExecutionID, "A")
	require.NotNil(t, entry)
	assert.Equal(t, models.StepStatusQueued, entry.Status)
}

func TestAdmissionRejectsInvalidGraph(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{}
	admission := NewAdmissionConsumer(store, pub, nil, zap.NewNop())

	msg := &models.WorkflowQueueMessage{
		WorkflowID: "wf-1",
		Workflow: []models.Node{
			{ID: "A", Type: "x"},
			{ID: "A", Type: "x"},
		},
	}
	require.NoError(t, admission.Accept(context.Background(), msg))

	assert.Equal(t, models.WorkflowStatusFailed, store.workflowStatus["wf-1"])
	assert.Equal(t, 0, pub.pending())
}

func TestAdmissionLoadsGraphFromStore(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{}
	store.workflows["wf-1"] = &models.Workflow{
		ID:        "wf-1",
		Name:      "stored",
		Status:    models.WorkflowStatusActive,
		Nodes:     validNodes(),
		CreatedAt: time.Now(),
	}
	admission := NewAdmissionConsumer(store, pub, nil, zap.NewNop())

	require.NoError(t, admission.Accept(context.Background(), &models.WorkflowQueueMessage{WorkflowID: "wf-1"}))

	queued, ok := pub.pop()
	require.True(t, ok)
	work, err := decodeStepMessage(queued.Body)
	require.NoError(t, err)
	assert.Equal(t, "A", work.Step.ID)
	assert.Len(t, work.Workflow, 2)
}

func TestAdmissionReusesProvidedExecutionID(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{}
	require.NoError(t, store.CreateWorkflowExecution(context.Background(), &models.WorkflowExecution{
		ID:         "exec-precreated",
		WorkflowID: "wf-1",
		Status:     models.WorkflowStatusProcessing,
		StartedAt:  time.Now(),
	}))
	admission := NewAdmissionConsumer(store, pub, nil, zap.NewNop())

	require.NoError(t, admission.Accept(context.Background(), &models.WorkflowQueueMessage{
		WorkflowID:          "wf-1",
		Workflow:            validNodes(),
		WorkflowExecutionID: "exec-precreated",
	}))

	queued, ok := pub.pop()
	require.True(t, ok)
	work, err := decodeStepMessage(queued.Body)
	require.NoError(t, err)
	assert.Equal(t, "exec-precreated", work.WorkflowExecutionID)
}
