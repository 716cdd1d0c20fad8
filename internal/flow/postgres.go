package flow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/haasonsaas/conduit/pkg/models"
)

// Schema is the DDL for the run and step tables. Applied by EnsureSchema;
// safe to run repeatedly.
const Schema = `
CREATE TABLE IF NOT EXISTS flow_runs (
	id             TEXT PRIMARY KEY,
	user_id        BIGINT,
	flow_name      TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'pending',
	execution_mode TEXT NOT NULL DEFAULT 'sync',
	progress       JSONB,
	inputs         JSONB,
	outputs        JSONB,
	error_message  TEXT,
	tokens_used    INTEGER NOT NULL DEFAULT 0,
	cost_estimate  DOUBLE PRECISION NOT NULL DEFAULT 0,
	started_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at   TIMESTAMPTZ,
	last_heartbeat TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_flow_runs_user ON flow_runs (user_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_flow_runs_status ON flow_runs (status, started_at DESC);

CREATE TABLE IF NOT EXISTS flow_step_runs (
	id                TEXT PRIMARY KEY,
	flow_run_id       TEXT NOT NULL REFERENCES flow_runs (id) ON DELETE CASCADE,
	llm_request_id    TEXT,
	step_name         TEXT NOT NULL,
	step_order        INTEGER NOT NULL,
	status            TEXT NOT NULL DEFAULT 'pending',
	inputs            JSONB,
	outputs           JSONB,
	tokens_used       INTEGER,
	cost_estimate     DOUBLE PRECISION,
	execution_time_ms BIGINT,
	error_message     TEXT,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at      TIMESTAMPTZ,
	UNIQUE (flow_run_id, step_order)
);
CREATE INDEX IF NOT EXISTS idx_flow_step_runs_run ON flow_step_runs (flow_run_id, step_order);
`

const runColumns = `id, user_id, flow_name, status, execution_mode, progress,
	inputs, outputs, error_message, tokens_used, cost_estimate,
	started_at, completed_at, last_heartbeat`

const stepColumns = `id, flow_run_id, llm_request_id, step_name, step_order,
	status, inputs, outputs, tokens_used, cost_estimate, execution_time_ms,
	error_message, created_at, completed_at`

// PostgresStore implements Store on PostgreSQL via lib/pq.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool against the DSN.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("flow: open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreWithDB wraps an existing connection pool.
func NewPostgresStoreWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema applies the flow DDL.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *models.FlowRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = models.FlowRunPending
	}
	if run.ExecutionMode == "" {
		run.ExecutionMode = models.ExecutionSync
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flow_runs (id, user_id, flow_name, status, execution_mode,
			progress, inputs, tokens_used, cost_estimate, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.ID, run.UserID, run.FlowName, string(run.Status), string(run.ExecutionMode),
		marshalJSON(run.Progress), marshalJSON(run.Inputs),
		run.TokensUsed, run.CostEstimate, run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("flow: create run: %w", err)
	}
	return nil
}

func (s *PostgresStore) RunByID(ctx context.Context, id string) (*models.FlowRun, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM flow_runs WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("flow: run by id: %w", err)
	}
	return run, nil
}

func (s *PostgresStore) MarkRunRunning(ctx context.Context, id string) error {
	return s.execRun(ctx, `
		UPDATE flow_runs SET status = 'running', last_heartbeat = now()
		WHERE id = $1`, id)
}

func (s *PostgresStore) CompleteRun(ctx context.Context, id string, outputs map[string]any, tokens int, cost float64) error {
	return s.execRun(ctx, `
		UPDATE flow_runs SET status = 'completed', outputs = $2,
			tokens_used = $3, cost_estimate = $4, completed_at = now()
		WHERE id = $1`, id, marshalJSON(outputs), tokens, cost)
}

func (s *PostgresStore) FailRun(ctx context.Context, id string, errMsg string) error {
	return s.execRun(ctx, `
		UPDATE flow_runs SET status = 'failed', error_message = $2,
			completed_at = now()
		WHERE id = $1`, id, errMsg)
}

func (s *PostgresStore) CancelRun(ctx context.Context, id string) error {
	return s.execRun(ctx, `
		UPDATE flow_runs SET status = 'cancelled', completed_at = now()
		WHERE id = $1 AND status IN ('pending', 'running')`, id)
}

func (s *PostgresStore) UpdateRunProgress(ctx context.Context, id string, progress models.FlowProgress) error {
	return s.execRun(ctx, `
		UPDATE flow_runs SET progress = $2, last_heartbeat = now()
		WHERE id = $1`, id, marshalJSON(progress))
}

func (s *PostgresStore) Heartbeat(ctx context.Context, id string) error {
	return s.execRun(ctx, `
		UPDATE flow_runs SET last_heartbeat = now() WHERE id = $1`, id)
}

func (s *PostgresStore) RunsByUser(ctx context.Context, userID int64, limit, offset int) ([]*models.FlowRun, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM flow_runs
		WHERE user_id = $1 ORDER BY started_at DESC LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("flow: runs by user: %w", err)
	}
	defer rows.Close()

	var result []*models.FlowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("flow: scan run: %w", err)
		}
		result = append(result, run)
	}
	return result, rows.Err()
}

func (s *PostgresStore) CreateStep(ctx context.Context, step *models.FlowStepRun) error {
	if step.ID == "" {
		step.ID = uuid.NewString()
	}
	if step.Status == "" {
		step.Status = models.StepPending
	}
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flow_step_runs (id, flow_run_id, step_name, step_order,
			status, inputs, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		step.ID, step.FlowRunID, step.StepName, step.StepOrder,
		string(step.Status), marshalJSON(step.Inputs), step.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("flow: create step: %w", err)
	}
	return nil
}

func (s *PostgresStore) CompleteStep(ctx context.Context, id string, done StepCompletion) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE flow_step_runs SET status = 'completed', outputs = $2,
			tokens_used = $3, cost_estimate = $4, execution_time_ms = $5,
			llm_request_id = $6, completed_at = now()
		WHERE id = $1`,
		id, marshalJSON(done.Outputs), done.TokensUsed, done.CostEstimate,
		done.ElapsedMS, nullableString(done.LLMRequestID))
	if err != nil {
		return fmt.Errorf("flow: complete step: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) FailStep(ctx context.Context, id string, errMsg string, elapsedMS int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE flow_step_runs SET status = 'failed', error_message = $2,
			execution_time_ms = $3, completed_at = now()
		WHERE id = $1`, id, errMsg, elapsedMS)
	if err != nil {
		return fmt.Errorf("flow: fail step: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) StepsByRun(ctx context.Context, runID string) ([]*models.FlowStepRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stepColumns+` FROM flow_step_runs
		WHERE flow_run_id = $1 ORDER BY step_order`, runID)
	if err != nil {
		return nil, fmt.Errorf("flow: steps by run: %w", err)
	}
	defer rows.Close()

	var result []*models.FlowStepRun
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("flow: scan step: %w", err)
		}
		result = append(result, step)
	}
	return result, rows.Err()
}

func (s *PostgresStore) execRun(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("flow: update run: %w", err)
	}
	return requireRow(result)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.FlowRun, error) {
	var (
		run           models.FlowRun
		userID        sql.NullInt64
		status        string
		mode          string
		progress      []byte
		inputs        []byte
		outputs       []byte
		errMsg        sql.NullString
		completedAt   sql.NullTime
		lastHeartbeat sql.NullTime
	)

	err := row.Scan(&run.ID, &userID, &run.FlowName, &status, &mode,
		&progress, &inputs, &outputs, &errMsg, &run.TokensUsed,
		&run.CostEstimate, &run.StartedAt, &completedAt, &lastHeartbeat)
	if err != nil {
		return nil, err
	}

	run.Status = models.FlowRunStatus(status)
	run.ExecutionMode = models.ExecutionMode(mode)
	unmarshalJSON(progress, &run.Progress)
	unmarshalJSON(inputs, &run.Inputs)
	unmarshalJSON(outputs, &run.Outputs)
	if userID.Valid {
		run.UserID = &userID.Int64
	}
	if errMsg.Valid {
		run.ErrorMessage = &errMsg.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	if lastHeartbeat.Valid {
		t := lastHeartbeat.Time
		run.LastHeartbeat = &t
	}
	return &run, nil
}

func scanStep(row rowScanner) (*models.FlowStepRun, error) {
	var (
		step         models.FlowStepRun
		llmRequestID sql.NullString
		status       string
		inputs       []byte
		outputs      []byte
		tokens       sql.NullInt64
		cost         sql.NullFloat64
		elapsed      sql.NullInt64
		errMsg       sql.NullString
		completedAt  sql.NullTime
	)

	err := row.Scan(&step.ID, &step.FlowRunID, &llmRequestID, &step.StepName,
		&step.StepOrder, &status, &inputs, &outputs, &tokens, &cost,
		&elapsed, &errMsg, &step.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	step.Status = models.StepStatus(status)
	unmarshalJSON(inputs, &step.Inputs)
	unmarshalJSON(outputs, &step.Outputs)
	if llmRequestID.Valid {
		step.LLMRequestID = &llmRequestID.String
	}
	if tokens.Valid {
		v := int(tokens.Int64)
		step.TokensUsed = &v
	}
	if cost.Valid {
		step.CostEstimate = &cost.Float64
	}
	if elapsed.Valid {
		step.ExecutionTimeMS = &elapsed.Int64
	}
	if errMsg.Valid {
		step.ErrorMessage = &errMsg.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		step.CompletedAt = &t
	}
	return &step, nil
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func marshalJSON(v any) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func unmarshalJSON(data []byte, dst any) {
	if len(data) == 0 {
		return
	}
	_ = json.Unmarshal(data, dst)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
