package flowstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowcore/flowcore/internal/flow"
)

// PostgresStore implements Store on top of a flow_status table keyed by
// flow id, using jsonb_set for every write so two writers touching
// different modules of the same flow never race on a read-modify-write
// of the whole document.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an existing pool. The caller owns the pool and is
// responsible for closing it.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Init creates the flow_status and flow_resume_message tables. Safe to
// call multiple times.
func (s *PostgresStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS flow_status (
			flow_id UUID PRIMARY KEY,
			status JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS flow_resume_message (
			resume_id SERIAL PRIMARY KEY,
			flow_id UUID NOT NULL,
			step INTEGER NOT NULL,
			job UUID NOT NULL,
			value JSONB,
			approver TEXT,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS flow_resume_message_flow_step_idx ON flow_resume_message(flow_id, step)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("flowstore: init: %w", err)
		}
	}
	return nil
}

// InsertStatus seeds a new flow's status row. Called once when a flow job
// is first queued.
func (s *PostgresStore) InsertStatus(ctx context.Context, flowID uuid.UUID, status flow.Status) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("flowstore: marshal status: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO flow_status (flow_id, status) VALUES ($1, $2::jsonb)
		 ON CONFLICT (flow_id) DO UPDATE SET status = EXCLUDED.status`,
		flowID, data)
	if err != nil {
		return fmt.Errorf("flowstore: insert status: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReadStatus(ctx context.Context, flowID uuid.UUID) (flow.Status, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT status FROM flow_status WHERE flow_id = $1`, flowID).Scan(&data)
	if err != nil {
		return flow.Status{}, fmt.Errorf("flowstore: read status: %w", err)
	}
	var st flow.Status
	if err := json.Unmarshal(data, &st); err != nil {
		return flow.Status{}, fmt.Errorf("flowstore: unmarshal status: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) SetModuleStatus(ctx context.Context, flowID uuid.UUID, step int, newStatus flow.StatusModule, advanceTo *int) error {
	moduleData, err := flow.MarshalStatusModule(newStatus)
	if err != nil {
		return fmt.Errorf("flowstore: marshal module status: %w", err)
	}

	modulePath := fmt.Sprintf("{modules,%d}", step)
	if advanceTo == nil {
		_, err = s.pool.Exec(ctx,
			`UPDATE flow_status SET status = jsonb_set(status, $2, $3::jsonb, true) WHERE flow_id = $1`,
			flowID, modulePath, moduleData)
		if err != nil {
			return fmt.Errorf("flowstore: set module status: %w", err)
		}
		return nil
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE flow_status SET status = jsonb_set(
			jsonb_set(status, $2, $3::jsonb, true),
			'{step}', $4::jsonb, true
		 ) WHERE flow_id = $1`,
		flowID, modulePath, moduleData, *advanceTo)
	if err != nil {
		return fmt.Errorf("flowstore: set module status and step: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetFailureModuleStatus(ctx context.Context, flowID uuid.UUID, newStatus flow.StatusModule) error {
	data, err := flow.MarshalStatusModule(newStatus)
	if err != nil {
		return fmt.Errorf("flowstore: marshal failure module status: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE flow_status SET status = jsonb_set(status, '{failure_module}', $2::jsonb, true) WHERE flow_id = $1`,
		flowID, data)
	if err != nil {
		return fmt.Errorf("flowstore: set failure module status: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetRetry(ctx context.Context, flowID uuid.UUID, retry flow.RetryStatus) error {
	data, err := json.Marshal(retry)
	if err != nil {
		return fmt.Errorf("flowstore: marshal retry: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE flow_status SET status = jsonb_set(status, '{retry}', $2::jsonb, true) WHERE flow_id = $1`,
		flowID, data)
	if err != nil {
		return fmt.Errorf("flowstore: set retry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClearRetry(ctx context.Context, flowID uuid.UUID) error {
	return s.SetRetry(ctx, flowID, flow.RetryStatus{FailedJobs: []uuid.UUID{}})
}

func (s *PostgresStore) AppendApprover(ctx context.Context, flowID uuid.UUID, step int, approval flow.Approval) error {
	data, err := json.Marshal([]flow.Approval{approval})
	if err != nil {
		return fmt.Errorf("flowstore: marshal approval: %w", err)
	}
	path := fmt.Sprintf("{modules,%d,approvers}", step)
	_, err = s.pool.Exec(ctx,
		`UPDATE flow_status SET status = jsonb_set(
			status, $2, COALESCE(status #> $2, '[]'::jsonb) || $3::jsonb, true
		 ) WHERE flow_id = $1`,
		flowID, path, data)
	if err != nil {
		return fmt.Errorf("flowstore: append approver: %w", err)
	}
	return nil
}

// WithFlowRowLock locks the flow's status row for the duration of fn via
// `SELECT ... FOR UPDATE`. Other writers on this row block at the
// statement level until the transaction commits or rolls back, whether or
// not they go through this same transaction, so this is the serialization
// point spec §4.6 needs without requiring every Store method to be
// tx-scoped.
func (s *PostgresStore) WithFlowRowLock(ctx context.Context, flowID uuid.UUID, fn func(ctx context.Context) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("flowstore: begin lock tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var discard []byte
	err = tx.QueryRow(ctx, `SELECT status FROM flow_status WHERE flow_id = $1 FOR UPDATE`, flowID).Scan(&discard)
	if err != nil {
		return fmt.Errorf("flowstore: lock flow row: %w", err)
	}

	if err := fn(ctx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("flowstore: commit lock tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetSuspendState(ctx context.Context, flowID uuid.UUID, state *SuspendState) error {
	if state == nil {
		_, err := s.pool.Exec(ctx,
			`UPDATE flow_status SET status = status - 'suspend' - 'suspend_until' WHERE flow_id = $1`,
			flowID)
		if err != nil {
			return fmt.Errorf("flowstore: clear suspend state: %w", err)
		}
		return nil
	}

	remainingData, err := json.Marshal(state.Remaining)
	if err != nil {
		return fmt.Errorf("flowstore: marshal suspend remaining: %w", err)
	}
	untilData, err := json.Marshal(state.Until.Unix())
	if err != nil {
		return fmt.Errorf("flowstore: marshal suspend until: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE flow_status SET status = jsonb_set(
			jsonb_set(status, '{suspend}', $2::jsonb, true),
			'{suspend_until}', $3::jsonb, true
		 ) WHERE flow_id = $1`,
		flowID, remainingData, untilData)
	if err != nil {
		return fmt.Errorf("flowstore: set suspend state: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListResumeMessages(ctx context.Context, flowID uuid.UUID, step int) ([]flow.ResumeMessage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT resume_id, job, value, approver, created_at
		 FROM flow_resume_message WHERE flow_id = $1 AND step = $2
		 ORDER BY resume_id`, flowID, step)
	if err != nil {
		return nil, fmt.Errorf("flowstore: list resume messages: %w", err)
	}
	defer rows.Close()

	var out []flow.ResumeMessage
	for rows.Next() {
		var m flow.ResumeMessage
		var valueData []byte
		var approver *string
		if err := rows.Scan(&m.ResumeID, &m.Job, &valueData, &approver, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("flowstore: scan resume message: %w", err)
		}
		if valueData != nil {
			if err := json.Unmarshal(valueData, &m.Value); err != nil {
				return nil, fmt.Errorf("flowstore: unmarshal resume value: %w", err)
			}
		}
		m.Approver = approver
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendResumeMessage(ctx context.Context, flowID uuid.UUID, step int, msg flow.ResumeMessage) error {
	valueData, err := json.Marshal(msg.Value)
	if err != nil {
		return fmt.Errorf("flowstore: marshal resume value: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO flow_resume_message (flow_id, step, job, value, approver, created_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5, $6)`,
		flowID, step, msg.Job, valueData, msg.Approver, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("flowstore: append resume message: %w", err)
	}
	return nil
}
