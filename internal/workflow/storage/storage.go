package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/gtsbahamas/taxflow/internal/workflow"
	"github.com/gtsbahamas/taxflow/internal/workflow/domain"
)

const instanceColumns = `instance_id, workflow_id, entity_id, current_state, current_step_id,
	status, started_at, completed_at, variables, history, compensation_state, version`

// Storage is the PostgreSQL implementation of the workflow instance store.
// Writes are guarded by a version compare-and-swap so concurrent drivers of
// the same instance fail loudly instead of silently overwriting each other.
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates an instance storage backed by the given database handle.
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{db: db, logger: logger}
}

var _ workflow.Store = (*Storage)(nil)

// CreateInstance persists a freshly started instance at version 1.
func (s *Storage) CreateInstance(ctx context.Context, inst *domain.Instance) error {
	variables, history, compensation, err := marshalState(inst)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO workflow_instances (
			instance_id, workflow_id, entity_id, current_state, current_step_id,
			status, started_at, variables, history, compensation_state, version, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11, NOW()
		)
	`

	_, err = s.db.ExecContext(ctx, query,
		inst.InstanceID,
		inst.WorkflowID,
		inst.EntityID,
		inst.CurrentState,
		inst.CurrentStepID,
		inst.Status,
		inst.StartedAt,
		variables,
		history,
		compensation,
		inst.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to insert workflow instance: %w", err)
	}
	return nil
}

// GetInstance fetches an instance by id.
func (s *Storage) GetInstance(ctx context.Context, id string) (*domain.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE instance_id = $1`

	var (
		inst         domain.Instance
		completedAt  sql.NullTime
		variables    []byte
		history      []byte
		compensation []byte
	)

	err := s.db.QueryRowxContext(ctx, query, id).Scan(
		&inst.InstanceID,
		&inst.WorkflowID,
		&inst.EntityID,
		&inst.CurrentState,
		&inst.CurrentStepID,
		&inst.Status,
		&inst.StartedAt,
		&completedAt,
		&variables,
		&history,
		&compensation,
		&inst.Version,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", domain.ErrInstanceNotFound, id)
		}
		return nil, fmt.Errorf("failed to get workflow instance: %w", err)
	}

	if completedAt.Valid {
		t := completedAt.Time
		inst.CompletedAt = &t
	}
	if len(variables) > 0 {
		if err := json.Unmarshal(variables, &inst.Variables); err != nil {
			return nil, fmt.Errorf("failed to decode instance variables: %w", err)
		}
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &inst.History); err != nil {
			return nil, fmt.Errorf("failed to decode instance history: %w", err)
		}
	}
	if len(compensation) > 0 && string(compensation) != "null" {
		inst.Compensation = &domain.CompensationState{}
		if err := json.Unmarshal(compensation, inst.Compensation); err != nil {
			return nil, fmt.Errorf("failed to decode compensation state: %w", err)
		}
	}

	return &inst, nil
}

// UpdateInstance persists a mutated instance. The WHERE version guard is
// the optimistic lock: zero rows means someone else saved first and the
// caller gets a ConflictError with the expected and actual versions. On
// success the in-memory version is bumped to match the row.
func (s *Storage) UpdateInstance(ctx context.Context, inst *domain.Instance) error {
	variables, history, compensation, err := marshalState(inst)
	if err != nil {
		return err
	}

	query := `
		UPDATE workflow_instances
		SET current_state = $1,
		    current_step_id = $2,
		    status = $3,
		    completed_at = $4,
		    variables = $5,
		    history = $6,
		    compensation_state = $7,
		    version = version + 1,
		    updated_at = NOW()
		WHERE instance_id = $8
		  AND version = $9
	`

	var completedAt sql.NullTime
	if inst.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *inst.CompletedAt, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, query,
		inst.CurrentState,
		inst.CurrentStepID,
		inst.Status,
		completedAt,
		variables,
		history,
		compensation,
		inst.InstanceID,
		inst.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update workflow instance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return s.conflict(ctx, inst)
	}

	inst.Version++
	return nil
}

// conflict distinguishes a vanished row from a lost version race.
func (s *Storage) conflict(ctx context.Context, inst *domain.Instance) error {
	var actual int
	err := s.db.QueryRowxContext(ctx,
		`SELECT version FROM workflow_instances WHERE instance_id = $1`,
		inst.InstanceID,
	).Scan(&actual)
	if err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %s", domain.ErrInstanceNotFound, inst.InstanceID)
		}
		return fmt.Errorf("failed to read instance version: %w", err)
	}

	s.logger.Warn("Optimistic lock conflict on workflow instance",
		slog.String("instance_id", inst.InstanceID),
		slog.Int("expected_version", inst.Version),
		slog.Int("actual_version", actual),
	)
	return &domain.ConflictError{
		InstanceID: inst.InstanceID,
		Expected:   inst.Version,
		Actual:     actual,
	}
}

func marshalState(inst *domain.Instance) (variables, history, compensation []byte, err error) {
	variables, err = json.Marshal(inst.Variables)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal instance variables: %w", err)
	}
	history, err = json.Marshal(inst.History)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal instance history: %w", err)
	}
	if inst.Compensation != nil {
		compensation, err = json.Marshal(inst.Compensation)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal compensation state: %w", err)
		}
	}
	return variables, history, compensation, nil
}
