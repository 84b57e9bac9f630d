package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/approvals/model"
)

// Schema creates the tables used by PgStepStore and PgHistoryStore.
const Schema = `
CREATE TABLE IF NOT EXISTS entity_workflow_steps (
	id            TEXT PRIMARY KEY,
	workflow_code TEXT NOT NULL,
	entity_type   TEXT NOT NULL,
	is_active     BOOLEAN NOT NULL DEFAULT TRUE,
	definition    JSONB NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS entity_workflow_steps_active
	ON entity_workflow_steps (workflow_code, lower(entity_type)) WHERE is_active;

CREATE TABLE IF NOT EXISTS workflow_history (
	id          TEXT PRIMARY KEY,
	history_id  TEXT NOT NULL,
	tenant_id   TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	step_code   TEXT NOT NULL DEFAULT '',
	event       TEXT NOT NULL,
	actor_id    TEXT NOT NULL DEFAULT '',
	data        JSONB,
	comment     TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS workflow_history_entity
	ON workflow_history (tenant_id, lower(entity_type), entity_id, created_at);
`

// Migrate applies Schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply workflow schema: %w", err)
	}
	return nil
}

// PgStepStore is a PostgreSQL-backed StepStore using pgx/v5.
type PgStepStore struct {
	pool *pgxpool.Pool
}

// NewPgStepStore creates a new PostgreSQL step store.
func NewPgStepStore(pool *pgxpool.Pool) *PgStepStore {
	return &PgStepStore{pool: pool}
}

// ActiveStep returns the active binding for the pair.
func (s *PgStepStore) ActiveStep(ctx context.Context, workflowCode, entityType string) (*model.EntityWorkflowStep, error) {
	var st model.EntityWorkflowStep
	var defJSON []byte

	err := s.pool.QueryRow(ctx, `
		SELECT id, workflow_code, entity_type, is_active, definition, created_at, updated_at
		FROM entity_workflow_steps
		WHERE workflow_code = $1 AND lower(entity_type) = lower($2) AND is_active`,
		workflowCode, entityType,
	).Scan(&st.ID, &st.WorkflowCode, &st.EntityType, &st.IsActive, &defJSON, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("no active workflow %q for entity type %q", workflowCode, entityType),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("query workflow binding: %w", err)
	}
	if err := json.Unmarshal(defJSON, &st.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal workflow definition: %w", err)
	}
	return &st, nil
}

// Save upserts a binding inside a transaction, deactivating any other
// active binding for the pair first.
func (s *PgStepStore) Save(ctx context.Context, step model.EntityWorkflowStep) error {
	defJSON, err := json.Marshal(step.Definition)
	if err != nil {
		return fmt.Errorf("marshal workflow definition: %w", err)
	}
	if step.ID == "" {
		step.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if step.CreatedAt.IsZero() {
		step.CreatedAt = now
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin binding transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if step.IsActive {
		if _, err := tx.Exec(ctx, `
			UPDATE entity_workflow_steps SET is_active = FALSE, updated_at = $1
			WHERE workflow_code = $2 AND lower(entity_type) = lower($3) AND is_active AND id <> $4`,
			now, step.WorkflowCode, step.EntityType, step.ID,
		); err != nil {
			return fmt.Errorf("deactivate previous binding: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO entity_workflow_steps (id, workflow_code, entity_type, is_active, definition, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			workflow_code = EXCLUDED.workflow_code,
			entity_type = EXCLUDED.entity_type,
			is_active = EXCLUDED.is_active,
			definition = EXCLUDED.definition,
			updated_at = EXCLUDED.updated_at`,
		step.ID, step.WorkflowCode, step.EntityType, step.IsActive, defJSON, step.CreatedAt, now,
	); err != nil {
		return fmt.Errorf("upsert workflow binding: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit binding transaction: %w", err)
	}
	return nil
}

// Deactivate marks a binding inactive.
func (s *PgStepStore) Deactivate(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE entity_workflow_steps SET is_active = FALSE, updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("deactivate workflow binding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("workflow binding %q not found", id))
	}
	return nil
}

// List returns every binding.
func (s *PgStepStore) List(ctx context.Context) ([]model.EntityWorkflowStep, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_code, entity_type, is_active, definition, created_at, updated_at
		FROM entity_workflow_steps
		ORDER BY workflow_code, entity_type, id`)
	if err != nil {
		return nil, fmt.Errorf("query workflow bindings: %w", err)
	}
	defer rows.Close()

	var steps []model.EntityWorkflowStep
	for rows.Next() {
		var st model.EntityWorkflowStep
		var defJSON []byte
		if err := rows.Scan(&st.ID, &st.WorkflowCode, &st.EntityType, &st.IsActive, &defJSON, &st.CreatedAt, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan workflow binding: %w", err)
		}
		if err := json.Unmarshal(defJSON, &st.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal workflow definition: %w", err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// HealthCheck pings the database.
func (s *PgStepStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// PgHistoryStore is a PostgreSQL-backed HistoryStore.
type PgHistoryStore struct {
	pool *pgxpool.Pool
}

// NewPgHistoryStore creates a new PostgreSQL history store.
func NewPgHistoryStore(pool *pgxpool.Pool) *PgHistoryStore {
	return &PgHistoryStore{pool: pool}
}

// Append inserts a history event.
func (s *PgHistoryStore) Append(ctx context.Context, event model.WorkflowEvent) error {
	dataJSON, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_history (
			id, history_id, tenant_id, entity_type, entity_id,
			step_code, event, actor_id, data, comment, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		event.ID, event.HistoryID, event.TenantID, event.EntityType, event.EntityID,
		event.StepCode, event.Event, event.ActorID, dataJSON, event.Comment, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert workflow history: %w", err)
	}
	return nil
}

// ForEntity returns the entity's history ordered by timestamp.
func (s *PgHistoryStore) ForEntity(ctx context.Context, tenantID, entityType, entityID string, filters HistoryFilters) ([]model.WorkflowEvent, error) {
	query := `SELECT id, history_id, tenant_id, entity_type, entity_id,
	                 step_code, event, actor_id, data, comment, created_at
	          FROM workflow_history
	          WHERE tenant_id = $1 AND lower(entity_type) = lower($2) AND entity_id = $3`
	args := []any{tenantID, entityType, entityID}
	argIdx := 4

	if filters.HistoryID != "" {
		query += fmt.Sprintf(" AND history_id = $%d", argIdx)
		args = append(args, filters.HistoryID)
		argIdx++
	}

	query += " ORDER BY created_at ASC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow history: %w", err)
	}
	defer rows.Close()

	var events []model.WorkflowEvent
	for rows.Next() {
		var evt model.WorkflowEvent
		var dataJSON []byte
		if err := rows.Scan(
			&evt.ID, &evt.HistoryID, &evt.TenantID, &evt.EntityType, &evt.EntityID,
			&evt.StepCode, &evt.Event, &evt.ActorID, &dataJSON, &evt.Comment, &evt.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan workflow history: %w", err)
		}
		if dataJSON != nil {
			_ = json.Unmarshal(dataJSON, &evt.Data)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}
