package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/flowkit/engine-go/internal/models"
	"github.com/flowkit/engine-go/internal/repo"
)

// fakeStore is an in-memory Store for scheduler tests.
type fakeStore struct {
	mu             sync.Mutex
	workflows      map[string]*models.Workflow
	executions     map[string]*models.WorkflowExecution
	steps          map[string]*models.StepExecution
	actionResults  []*models.ActionResult
	workflowStatus map[string]models.WorkflowStatus
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		workflows:      make(map[string]*models.Workflow),
		executions:     make(map[string]*models.WorkflowExecution),
		steps:          make(map[string]*models.StepExecution),
		workflowStatus: make(map[string]models.WorkflowStatus),
	}
}

func (s *fakeStore) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return wf, nil
}

func (s *fakeStore) UpdateWorkflowStatus(ctx context.Context, id string, status models.WorkflowStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflowStatus[id] = status
	if wf, ok := s.workflows[id]; ok {
		wf.Status = status
	}
	return nil
}

func (s *fakeStore) CreateWorkflowExecution(ctx context.Context, exec *models.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *exec
	s.executions[exec.ID] = &cp
	return nil
}

func (s *fakeStore) GetWorkflowExecution(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *exec
	return &cp, nil
}

func (s *fakeStore) UpdateWorkflowExecutionStatus(ctx context.Context, id string, status models.WorkflowStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[id]
	if !ok {
		return repo.ErrNotFound
	}
	exec.Status = status
	if status.Terminal() {
		now := time.Now()
		exec.CompletedAt = &now
	}
	return nil
}

func (s *fakeStore) CreateStepExecution(ctx context.Context, step *models.StepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *step
	s.steps[step.ID] = &cp
	return nil
}

func (s *fakeStore) GetStepExecution(ctx context.Context, id string) (*models.StepExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *step
	return &cp, nil
}

func (s *fakeStore) GetStepExecutionByStep(ctx context.Context, executionID, stepID string) (*models.StepExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, step := range s.steps {
		if step.WorkflowExecutionID == executionID && step.StepID == stepID {
			cp := *step
			return &cp, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (s *fakeStore) ListStepExecutions(ctx context.Context, executionID string) ([]*models.StepExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.StepExecution
	for _, step := range s.steps {
		if step.WorkflowExecutionID == executionID {
			cp := *step
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateStepExecutionStatus(ctx context.Context, id string, status models.StepStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[id]
	if !ok {
		return repo.ErrNotFound
	}
	step.Status = status
	if status.Terminal() {
		now := time.Now()
		step.CompletedAt = &now
	}
	return nil
}

func (s *fakeStore) CreateActionResult(ctx context.Context, result *models.ActionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *result
	s.actionResults = append(s.actionResults, &cp)
	return nil
}

func (s *fakeStore) stepByNode(executionID, stepID string) *models.StepExecution {
	step, err := s.GetStepExecutionByStep(context.Background(), executionID, stepID)
	if err != nil {
		return nil
	}
	return step
}

func (s *fakeStore) resultsForStep(stepExecutionID string) []*models.ActionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ActionResult
	for _, result := range s.actionResults {
		if result.StepExecutionID == stepExecutionID {
			out = append(out, result)
		}
	}
	return out
}

// queuedMessage is one fakePublisher publish.
type queuedMessage struct {
	Queue string
	Delay time.Duration
	Body  []byte
}

// fakePublisher records published messages for manual pumping.
type fakePublisher struct {
	mu       sync.Mutex
	messages []queuedMessage
}

func (p *fakePublisher) Publish(ctx context.Context, queue string, message any) error {
	return p.PublishDelayed(ctx, queue, message, 0)
}

func (p *fakePublisher) PublishDelayed(ctx context.Context, queue string, message any, delay time.Duration) error {
	body, err := json.Marshal(message)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, queuedMessage{Queue: queue, Delay: delay, Body: body})
	return nil
}

// pop removes and returns the oldest queued message.
func (p *fakePublisher) pop() (queuedMessage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.messages) == 0 {
		return queuedMessage{}, false
	}
	msg := p.messages[0]
	p.messages = p.messages[1:]
	return msg, true
}

func (p *fakePublisher) pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

func decodeStepMessage(body []byte) (*models.StepQueueMessage, error) {
	var msg models.StepQueueMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
