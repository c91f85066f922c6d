package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/flowkit/engine-go/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Repository provides data access operations
type Repository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// New creates a new repository instance
func New(databaseURL string, logger *zap.Logger) (*Repository, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Repository{
		db:     db,
		logger: logger,
	}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// Ping checks database connectivity
func (r *Repository) Ping() error {
	return r.db.Ping()
}

// GetStats returns database connection statistics
func (r *Repository) GetStats() sql.DBStats {
	return r.db.Stats()
}

// Migrate creates the engine tables when they do not exist.
func (r *Repository) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS workflows (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		version     INT NOT NULL DEFAULT 1,
		status      TEXT NOT NULL,
		nodes       JSONB NOT NULL,
		metadata    JSONB,
		created_at  TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS workflow_executions (
		id           TEXT PRIMARY KEY,
		workflow_id  TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
		status       TEXT NOT NULL,
		context      JSONB,
		started_at   TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	);
	CREATE TABLE IF NOT EXISTS step_executions (
		id                    TEXT PRIMARY KEY,
		workflow_execution_id TEXT NOT NULL REFERENCES workflow_executions(id) ON DELETE CASCADE,
		workflow_id           TEXT NOT NULL,
		previous_step_id      TEXT,
		step_id               TEXT NOT NULL,
		step_type             TEXT NOT NULL,
		name                  TEXT,
		status                TEXT NOT NULL,
		step_definition       JSONB,
		created_at            TIMESTAMPTZ NOT NULL,
		completed_at          TIMESTAMPTZ,
		UNIQUE (workflow_execution_id, step_id)
	);
	CREATE TABLE IF NOT EXISTS action_results (
		id                TEXT PRIMARY KEY,
		step_execution_id TEXT NOT NULL REFERENCES step_executions(id) ON DELETE CASCADE,
		workflow_id       TEXT NOT NULL,
		previous_step_id  TEXT,
		step_id           TEXT NOT NULL,
		action_type       TEXT NOT NULL,
		status            TEXT NOT NULL,
		result            JSONB,
		created_at        TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS integrations (
		type           TEXT PRIMARY KEY,
		name           TEXT NOT NULL,
		config         JSONB,
		status         TEXT NOT NULL DEFAULT 'UNKNOWN',
		last_tested_at TIMESTAMPTZ,
		last_error     TEXT,
		enabled        BOOLEAN NOT NULL DEFAULT TRUE
	);
	CREATE INDEX IF NOT EXISTS idx_step_executions_execution ON step_executions (workflow_execution_id);
	CREATE INDEX IF NOT EXISTS idx_action_results_step ON action_results (step_execution_id);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

type workflowRow struct {
	ID        string          `db:"id"`
	Name      string          `db:"name"`
	Version   int             `db:"version"`
	Status    string          `db:"status"`
	Nodes     json.RawMessage `db:"nodes"`
	Metadata  json.RawMessage `db:"metadata"`
	CreatedAt time.Time       `db:"created_at"`
	UpdatedAt time.Time       `db:"updated_at"`
}

// CreateWorkflow persists a workflow definition.
func (r *Repository) CreateWorkflow(ctx context.Context, wf *models.Workflow) error {
	nodes, err := json.Marshal(wf.Nodes)
	if err != nil {
		return fmt.Errorf("failed to marshal nodes: %w", err)
	}
	metadata, err := json.Marshal(wf.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO workflows (id, name, version, status, nodes, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		wf.ID, wf.Name, wf.Version, wf.Status, nodes, metadata, wf.CreatedAt, wf.UpdatedAt,
	)
	return err
}

// GetWorkflow retrieves a workflow by ID.
func (r *Repository) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	var row workflowRow
	err := r.db.GetContext(ctx, &row, `SELECT * FROM workflows WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	wf := &models.Workflow{
		ID:        row.ID,
		Name:      row.Name,
		Version:   row.Version,
		Status:    models.WorkflowStatus(row.Status),
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
	if len(row.Nodes) > 0 {
		if err := json.Unmarshal(row.Nodes, &wf.Nodes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal nodes: %w", err)
		}
	}
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &wf.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return wf, nil
}

// UpdateWorkflowStatus transitions a workflow's status.
func (r *Repository) UpdateWorkflowStatus(ctx context.Context, id string, status models.WorkflowStatus) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE workflows SET status = $2, updated_at = $3 WHERE id = $1`,
		id, status, time.Now().UTC(),
	)
	return err
}

// DeleteWorkflow removes a workflow; executions, steps and action results
// cascade through foreign keys.
func (r *Repository) DeleteWorkflow(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = $1`, id)
	return err
}

type executionRow struct {
	ID          string          `db:"id"`
	WorkflowID  string          `db:"workflow_id"`
	Status      string          `db:"status"`
	Context     json.RawMessage `db:"context"`
	StartedAt   time.Time       `db:"started_at"`
	CompletedAt *time.Time      `db:"completed_at"`
}

// CreateWorkflowExecution creates a new workflow execution record
func (r *Repository) CreateWorkflowExecution(ctx context.Context, exec *models.WorkflowExecution) error {
	execCtx, err := json.Marshal(exec.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal context: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO workflow_executions (id, workflow_id, status, context, started_at)
		VALUES ($1, $2, $3, $4, $5)`,
		exec.ID, exec.WorkflowID, exec.Status, execCtx, exec.StartedAt,
	)
	return err
}

// GetWorkflowExecution retrieves a workflow execution by ID
func (r *Repository) GetWorkflowExecution(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	var row executionRow
	err := r.db.GetContext(ctx, &row, `SELECT * FROM workflow_executions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	exec := &models.WorkflowExecution{
		ID:          row.ID,
		WorkflowID:  row.WorkflowID,
		Status:      models.WorkflowStatus(row.Status),
		StartedAt:   row.StartedAt,
		CompletedAt: row.CompletedAt,
	}
	if len(row.Context) > 0 {
		if err := json.Unmarshal(row.Context, &exec.Context); err != nil {
			return nil, fmt.Errorf("failed to unmarshal context: %w", err)
		}
	}
	return exec, nil
}

// UpdateWorkflowExecutionStatus transitions an execution's status, stamping
// completed_at for terminal statuses.
func (r *Repository) UpdateWorkflowExecutionStatus(ctx context.Context, id string, status models.WorkflowStatus) error {
	var completedAt *time.Time
	if status.Terminal() {
		now := time.Now().UTC()
		completedAt = &now
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE workflow_executions SET status = $2, completed_at = COALESCE($3, completed_at) WHERE id = $1`,
		id, status, completedAt,
	)
	return err
}

type stepRow struct {
	ID                  string          `db:"id"`
	WorkflowExecutionID string          `db:"workflow_execution_id"`
	WorkflowID          string          `db:"workflow_id"`
	PreviousStepID      *string         `db:"previous_step_id"`
	StepID              string          `db:"step_id"`
	StepType            string          `db:"step_type"`
	Name                *string         `db:"name"`
	Status              string          `db:"status"`
	StepDefinition      json.RawMessage `db:"step_definition"`
	CreatedAt           time.Time       `db:"created_at"`
	CompletedAt         *time.Time      `db:"completed_at"`
}

func (row *stepRow) toModel() (*models.StepExecution, error) {
	step := &models.StepExecution{
		ID:                  row.ID,
		WorkflowExecutionID: row.WorkflowExecutionID,
		WorkflowID:          row.WorkflowID,
		StepID:              row.StepID,
		StepType:            row.StepType,
		Status:              models.StepStatus(row.Status),
		CreatedAt:           row.CreatedAt,
		CompletedAt:         row.CompletedAt,
	}
	if row.PreviousStepID != nil {
		step.PreviousStepID = *row.PreviousStepID
	}
	if row.Name != nil {
		step.Name = *row.Name
	}
	if len(row.StepDefinition) > 0 {
		if err := json.Unmarshal(row.StepDefinition, &step.StepDefinition); err != nil {
			return nil, fmt.Errorf("failed to unmarshal step definition: %w", err)
		}
	}
	return step, nil
}

// CreateStepExecution creates a new step execution record
func (r *Repository) CreateStepExecution(ctx context.Context, step *models.StepExecution) error {
	def, err := json.Marshal(step.StepDefinition)
	if err != nil {
		return fmt.Errorf("failed to marshal step definition: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO step_executions
			(id, workflow_execution_id, workflow_id, previous_step_id, step_id, step_type, name, status, step_definition, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10)`,
		step.ID, step.WorkflowExecutionID, step.WorkflowID, step.PreviousStepID,
		step.StepID, step.StepType, step.Name, step.Status, def, step.CreatedAt,
	)
	return err
}

// GetStepExecution retrieves a step execution by ID
func (r *Repository) GetStepExecution(ctx context.Context, id string) (*models.StepExecution, error) {
	var row stepRow
	err := r.db.GetContext(ctx, &row, `SELECT * FROM step_executions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

// GetStepExecutionByStep retrieves the step execution for one node of an
// execution, if any.
func (r *Repository) GetStepExecutionByStep(ctx context.Context, executionID, stepID string) (*models.StepExecution, error) {
	var row stepRow
	err := r.db.GetContext(ctx, &row,
		`SELECT * FROM step_executions WHERE workflow_execution_id = $1 AND step_id = $2`,
		executionID, stepID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

// ListStepExecutions retrieves all step executions for a workflow execution.
func (r *Repository) ListStepExecutions(ctx context.Context, executionID string) ([]*models.StepExecution, error) {
	var rows []stepRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM step_executions WHERE workflow_execution_id = $1 ORDER BY created_at`,
		executionID,
	)
	if err != nil {
		return nil, err
	}
	steps := make([]*models.StepExecution, 0, len(rows))
	for i := range rows {
		step, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// UpdateStepExecutionStatus transitions a step's status, stamping
// completed_at for terminal statuses.
func (r *Repository) UpdateStepExecutionStatus(ctx context.Context, id string, status models.StepStatus) error {
	var completedAt *time.Time
	if status.Terminal() {
		now := time.Now().UTC()
		completedAt = &now
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE step_executions SET status = $2, completed_at = COALESCE($3, completed_at) WHERE id = $1`,
		id, status, completedAt,
	)
	return err
}

// CreateActionResult persists the outcome of one action invocation.
func (r *Repository) CreateActionResult(ctx context.Context, result *models.ActionResult) error {
	data, err := json.Marshal(result.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO action_results
			(id, step_execution_id, workflow_id, previous_step_id, step_id, action_type, status, result, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9)`,
		result.ID, result.StepExecutionID, result.WorkflowID, result.PreviousStepID,
		result.StepID, result.ActionType, result.Status, data, result.CreatedAt,
	)
	return err
}

type integrationRow struct {
	Type         string          `db:"type"`
	Name         string          `db:"name"`
	Config       json.RawMessage `db:"config"`
	Status       string          `db:"status"`
	LastTestedAt *time.Time      `db:"last_tested_at"`
	LastError    *string         `db:"last_error"`
	Enabled      bool            `db:"enabled"`
}

// GetIntegration retrieves an integration configuration by type.
func (r *Repository) GetIntegration(ctx context.Context, integrationType string) (*models.Integration, error) {
	var row integrationRow
	err := r.db.GetContext(ctx, &row, `SELECT * FROM integrations WHERE type = $1`, integrationType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	integration := &models.Integration{
		Type:         row.Type,
		Name:         row.Name,
		Status:       row.Status,
		LastTestedAt: row.LastTestedAt,
		Enabled:      row.Enabled,
	}
	if row.LastError != nil {
		integration.LastError = *row.LastError
	}
	if len(row.Config) > 0 {
		if err := json.Unmarshal(row.Config, &integration.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal integration config: %w", err)
		}
	}
	return integration, nil
}
