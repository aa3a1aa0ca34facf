package ordersdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"domainflow/internal/saga"
)

// SagaStore persists saga executions and their step records in Postgres.
type SagaStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSagaStore constructs a SagaStore backed by Postgres.
func NewSagaStore(db *sql.DB) *SagaStore {
	return &SagaStore{db: db, now: time.Now}
}

// NewSagaStoreWithSchema initializes the schema then returns the store.
func NewSagaStoreWithSchema(ctx context.Context, db *sql.DB) (*SagaStore, error) {
	store := NewSagaStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates saga tables if they do not exist.
func (s *SagaStore) InitSchema(ctx context.Context) error {
	return execStatements(ctx, s.db, []string{
		`CREATE TABLE IF NOT EXISTS saga_executions (
			saga_id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS saga_executions_order_idx ON saga_executions (order_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS saga_steps (
			saga_id TEXT NOT NULL REFERENCES saga_executions(saga_id) ON DELETE CASCADE,
			step_name TEXT NOT NULL,
			position INTEGER NOT NULL,
			status TEXT NOT NULL,
			result_payload JSONB,
			detail TEXT,
			completed_at TIMESTAMPTZ,
			PRIMARY KEY (saga_id, step_name)
		)`,
	})
}

func (s *SagaStore) Create(ctx context.Context, exec saga.Execution) error {
	createdAt := exec.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	updatedAt := exec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO saga_executions (saga_id, order_id, status, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		exec.SagaID, exec.OrderID, string(exec.Status), nullString(exec.Error), createdAt.UTC(), updatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert saga %s: %w", exec.SagaID, err)
	}
	for _, step := range exec.Steps {
		if err := s.PutStep(ctx, exec.SagaID, step); err != nil {
			return err
		}
	}
	return nil
}

// PutStep upserts one step record. The execution must already exist.
func (s *SagaStore) PutStep(ctx context.Context, sagaID string, step saga.StepRecord) error {
	var result any
	if len(step.Result) > 0 {
		result = []byte(step.Result)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO saga_steps (saga_id, step_name, position, status, result_payload, detail, completed_at)
		SELECT $1::TEXT, $2::TEXT, $3::INTEGER, $4::TEXT, $5::JSONB, $6::TEXT, $7::TIMESTAMPTZ
		WHERE EXISTS (SELECT 1 FROM saga_executions WHERE saga_id = $1)
		ON CONFLICT (saga_id, step_name) DO UPDATE SET
			status = EXCLUDED.status,
			result_payload = EXCLUDED.result_payload,
			detail = EXCLUDED.detail,
			completed_at = EXCLUDED.completed_at`,
		sagaID, step.Name, stepPosition(step.Name), string(step.Status), result, nullString(step.Detail), nullTime(step.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("put step %s for saga %s: %w", step.Name, sagaID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", saga.ErrSagaNotFound, sagaID)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE saga_executions SET updated_at = $2 WHERE saga_id = $1`, sagaID, s.now().UTC()); err != nil {
		return fmt.Errorf("touch saga %s: %w", sagaID, err)
	}
	return nil
}

func (s *SagaStore) UpdateStatus(ctx context.Context, sagaID string, status saga.Status, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE saga_executions
		SET status = $2, error = $3, updated_at = $4
		WHERE saga_id = $1`,
		sagaID, string(status), nullString(errMsg), s.now().UTC(),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", saga.ErrSagaNotFound, sagaID)
	}
	return nil
}

// ListByOrder returns every execution for the order, oldest first, with steps in saga order.
func (s *SagaStore) ListByOrder(ctx context.Context, orderID string) ([]saga.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT saga_id, order_id, status, error, created_at, updated_at
		FROM saga_executions
		WHERE order_id = $1
		ORDER BY created_at, saga_id`,
		orderID,
	)
	if err != nil {
		return nil, err
	}
	var out []saga.Execution
	for rows.Next() {
		var (
			exec   saga.Execution
			status string
			errMsg sql.NullString
		)
		if err := rows.Scan(&exec.SagaID, &exec.OrderID, &status, &errMsg, &exec.CreatedAt, &exec.UpdatedAt); err != nil {
			_ = rows.Close()
			return nil, err
		}
		exec.Status = saga.Status(status)
		exec.Error = errMsg.String
		exec.CreatedAt = exec.CreatedAt.UTC()
		exec.UpdatedAt = exec.UpdatedAt.UTC()
		out = append(out, exec)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for i := range out {
		steps, err := s.listSteps(ctx, out[i].SagaID)
		if err != nil {
			return nil, err
		}
		out[i].Steps = steps
	}
	return out, nil
}

func (s *SagaStore) listSteps(ctx context.Context, sagaID string) ([]saga.StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step_name, status, result_payload, detail, completed_at
		FROM saga_steps
		WHERE saga_id = $1
		ORDER BY position`,
		sagaID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []saga.StepRecord
	for rows.Next() {
		var (
			rec         saga.StepRecord
			status      string
			result      []byte
			detail      sql.NullString
			completedAt sql.NullTime
		)
		if err := rows.Scan(&rec.Name, &status, &result, &detail, &completedAt); err != nil {
			return nil, err
		}
		rec.Status = saga.StepStatus(status)
		if len(result) > 0 {
			rec.Result = append([]byte(nil), result...)
		}
		rec.Detail = detail.String
		rec.CompletedAt = timePtr(completedAt)
		steps = append(steps, rec)
	}
	return steps, rows.Err()
}

func stepPosition(name string) int {
	for i, step := range saga.StepOrder {
		if step == name {
			return i
		}
	}
	return len(saga.StepOrder)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
