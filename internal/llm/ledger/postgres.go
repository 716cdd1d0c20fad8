package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/haasonsaas/conduit/pkg/models"
)

// Schema is the DDL for the ledger table. Applied by EnsureSchema; safe to
// run repeatedly.
const Schema = `
CREATE TABLE IF NOT EXISTS llm_requests (
	id                   TEXT PRIMARY KEY,
	user_id              BIGINT,
	provider             TEXT NOT NULL,
	model                TEXT NOT NULL,
	temperature          DOUBLE PRECISION,
	max_output_tokens    INTEGER,
	messages             JSONB,
	additional_params    JSONB,
	request_payload      JSONB,
	response_content     TEXT,
	response_raw         JSONB,
	tokens_used          INTEGER,
	input_tokens         INTEGER,
	output_tokens        INTEGER,
	cost_estimate        DOUBLE PRECISION,
	finish_reason        TEXT,
	status               TEXT NOT NULL DEFAULT 'pending',
	execution_time_ms    BIGINT,
	error_message        TEXT,
	error_type           TEXT,
	retry_attempt        INTEGER NOT NULL DEFAULT 0,
	cached               BOOLEAN NOT NULL DEFAULT FALSE,
	provider_response_id TEXT,
	system_fingerprint   TEXT,
	response_created_at  TIMESTAMPTZ,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_llm_requests_user ON llm_requests (user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_llm_requests_status ON llm_requests (status, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_llm_requests_provider ON llm_requests (provider, created_at DESC);
`

const requestColumns = `id, user_id, provider, model, temperature, max_output_tokens,
	messages, additional_params, request_payload, response_content, response_raw,
	tokens_used, input_tokens, output_tokens, cost_estimate, finish_reason,
	status, execution_time_ms, error_message, error_type, retry_attempt, cached,
	provider_response_id, system_fingerprint, response_created_at, created_at`

// PostgresStore implements Store on PostgreSQL via lib/pq.
type PostgresStore struct {
	db *sql.DB

	// Prepared statements for the hot paths
	stmtCreate        *sql.Stmt
	stmtUpdateSuccess *sql.Stmt
	stmtUpdateError   *sql.Stmt
	stmtAssignUser    *sql.Stmt
	stmtByID          *sql.Stmt
}

// NewPostgresStore opens a connection pool against the DSN and prepares the
// hot-path statements.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store := &PostgresStore{db: db}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithDB wraps an existing connection pool. Used by tests
// and by callers that share one pool across stores.
func NewPostgresStoreWithDB(db *sql.DB) (*PostgresStore, error) {
	store := &PostgresStore{db: db}
	if err := store.prepareStatements(); err != nil {
		return nil, err
	}
	return store, nil
}

// DB exposes the underlying pool for related stores.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// EnsureSchema applies the ledger DDL.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}

func (s *PostgresStore) prepareStatements() error {
	var err error

	s.stmtCreate, err = s.db.Prepare(`
		INSERT INTO llm_requests (id, user_id, provider, model, temperature,
			max_output_tokens, messages, additional_params, status,
			retry_attempt, cached, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`)
	if err != nil {
		return fmt.Errorf("ledger: prepare create: %w", err)
	}

	s.stmtUpdateSuccess, err = s.db.Prepare(`
		UPDATE llm_requests SET
			response_content = $2, response_raw = $3, request_payload = $4,
			input_tokens = $5, output_tokens = $6, tokens_used = $7,
			cost_estimate = $8, finish_reason = $9, provider_response_id = $10,
			system_fingerprint = $11, response_created_at = $12,
			execution_time_ms = $13, retry_attempt = $14, cached = $15,
			status = 'completed'
		WHERE id = $1`)
	if err != nil {
		return fmt.Errorf("ledger: prepare update success: %w", err)
	}

	s.stmtUpdateError, err = s.db.Prepare(`
		UPDATE llm_requests SET
			error_message = $2, error_type = $3, execution_time_ms = $4,
			retry_attempt = $5, status = 'failed'
		WHERE id = $1`)
	if err != nil {
		return fmt.Errorf("ledger: prepare update error: %w", err)
	}

	s.stmtAssignUser, err = s.db.Prepare(`
		UPDATE llm_requests SET user_id = $2
		WHERE id = $1 AND (user_id IS NULL OR user_id = $2)`)
	if err != nil {
		return fmt.Errorf("ledger: prepare assign user: %w", err)
	}

	s.stmtByID, err = s.db.Prepare(
		`SELECT ` + requestColumns + ` FROM llm_requests WHERE id = $1`)
	if err != nil {
		return fmt.Errorf("ledger: prepare by id: %w", err)
	}

	return nil
}

// Close releases the prepared statements and the pool.
func (s *PostgresStore) Close() error {
	for _, stmt := range []*sql.Stmt{
		s.stmtCreate, s.stmtUpdateSuccess, s.stmtUpdateError,
		s.stmtAssignUser, s.stmtByID,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

// Create inserts the row in pending state.
func (s *PostgresStore) Create(ctx context.Context, req *models.LLMRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Status == "" {
		req.Status = models.RequestPending
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	_, err := s.stmtCreate.ExecContext(ctx,
		req.ID,
		req.UserID,
		string(req.Provider),
		req.Model,
		req.Temperature,
		req.MaxOutputTokens,
		nullableJSON(req.Messages),
		nullableJSON(req.AdditionalParams),
		string(req.Status),
		req.RetryAttempt,
		req.Cached,
		req.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("ledger: create request: %w", err)
	}
	return nil
}

// UpdateSuccess transitions the row to completed.
func (s *PostgresStore) UpdateSuccess(ctx context.Context, id string, upd SuccessUpdate) error {
	result, err := s.stmtUpdateSuccess.ExecContext(ctx,
		id,
		upd.Content,
		nullableJSON(upd.Raw),
		nullableJSON(upd.RequestPayload),
		upd.InputTokens,
		upd.OutputTokens,
		upd.TotalTokens,
		upd.CostEstimate,
		upd.FinishReason,
		nullableString(upd.ProviderResponseID),
		nullableString(upd.SystemFingerprint),
		nullableTime(upd.ResponseCreatedAt),
		upd.ExecutionTimeMS,
		upd.RetryAttempt,
		upd.Cached,
	)
	if err != nil {
		return fmt.Errorf("ledger: update success: %w", err)
	}
	return requireRow(result)
}

// UpdateError transitions the row to failed.
func (s *PostgresStore) UpdateError(ctx context.Context, id string, upd ErrorUpdate) error {
	result, err := s.stmtUpdateError.ExecContext(ctx,
		id, upd.Message, nullableString(upd.Type), upd.ExecutionTimeMS, upd.RetryAttempt)
	if err != nil {
		return fmt.Errorf("ledger: update error: %w", err)
	}
	return requireRow(result)
}

// AssignUser late-binds ownership. Assigning the same user again is a
// no-op; assigning a different user over an existing one is rejected by
// the WHERE clause and reported as not found.
func (s *PostgresStore) AssignUser(ctx context.Context, id string, userID int64) error {
	result, err := s.stmtAssignUser.ExecContext(ctx, id, userID)
	if err != nil {
		return fmt.Errorf("ledger: assign user: %w", err)
	}
	return requireRow(result)
}

// ByID returns the row or ErrNotFound.
func (s *PostgresStore) ByID(ctx context.Context, id string) (*models.LLMRequest, error) {
	req, err := scanRequest(s.stmtByID.QueryRowContext(ctx, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: by id: %w", err)
	}
	return req, nil
}

// ByUser lists a user's rows, newest first.
func (s *PostgresStore) ByUser(ctx context.Context, userID int64, limit, offset int) ([]*models.LLMRequest, error) {
	limit, offset = normalizeWindow(limit, offset)
	return s.list(ctx,
		`SELECT `+requestColumns+` FROM llm_requests
		 WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		userID, limit, offset)
}

// ByStatus lists rows in the given state, newest first.
func (s *PostgresStore) ByStatus(ctx context.Context, status models.RequestStatus, limit, offset int) ([]*models.LLMRequest, error) {
	limit, offset = normalizeWindow(limit, offset)
	return s.list(ctx,
		`SELECT `+requestColumns+` FROM llm_requests
		 WHERE status = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		string(status), limit, offset)
}

// ByProvider lists rows for the given provider, newest first.
func (s *PostgresStore) ByProvider(ctx context.Context, provider models.Provider, limit, offset int) ([]*models.LLMRequest, error) {
	limit, offset = normalizeWindow(limit, offset)
	return s.list(ctx,
		`SELECT `+requestColumns+` FROM llm_requests
		 WHERE provider = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		string(provider), limit, offset)
}

// Recent lists the newest rows across all users.
func (s *PostgresStore) Recent(ctx context.Context, limit, offset int) ([]*models.LLMRequest, error) {
	limit, offset = normalizeWindow(limit, offset)
	return s.list(ctx,
		`SELECT `+requestColumns+` FROM llm_requests
		 ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
}

// CountAll returns the total row count.
func (s *PostgresStore) CountAll(ctx context.Context) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM llm_requests`)
}

// CountByUser returns the row count for one user.
func (s *PostgresStore) CountByUser(ctx context.Context, userID int64) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM llm_requests WHERE user_id = $1`, userID)
}

// CountByStatus returns the row count in one state.
func (s *PostgresStore) CountByStatus(ctx context.Context, status models.RequestStatus) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM llm_requests WHERE status = $1`, string(status))
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*models.LLMRequest, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	defer rows.Close()

	var result []*models.LLMRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan: %w", err)
		}
		result = append(result, req)
	}
	return result, rows.Err()
}

func (s *PostgresStore) count(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("ledger: count: %w", err)
	}
	return n, nil
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*models.LLMRequest, error) {
	var (
		req              models.LLMRequest
		userID           sql.NullInt64
		temperature      sql.NullFloat64
		maxOutputTokens  sql.NullInt64
		messages         []byte
		additionalParams []byte
		requestPayload   []byte
		responseContent  sql.NullString
		responseRaw      []byte
		tokensUsed       sql.NullInt64
		inputTokens      sql.NullInt64
		outputTokens     sql.NullInt64
		costEstimate     sql.NullFloat64
		finishReason     sql.NullString
		status           string
		executionTimeMS  sql.NullInt64
		errorMessage     sql.NullString
		errorType        sql.NullString
		providerRespID   sql.NullString
		systemFP         sql.NullString
		respCreatedAt    sql.NullTime
		provider         string
	)

	err := row.Scan(
		&req.ID, &userID, &provider, &req.Model, &temperature, &maxOutputTokens,
		&messages, &additionalParams, &requestPayload, &responseContent, &responseRaw,
		&tokensUsed, &inputTokens, &outputTokens, &costEstimate, &finishReason,
		&status, &executionTimeMS, &errorMessage, &errorType, &req.RetryAttempt, &req.Cached,
		&providerRespID, &systemFP, &respCreatedAt, &req.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	req.Provider = models.Provider(provider)
	req.Status = models.RequestStatus(status)
	req.Messages = messages
	req.AdditionalParams = additionalParams
	req.RequestPayload = requestPayload
	req.ResponseRaw = responseRaw
	if userID.Valid {
		req.UserID = &userID.Int64
	}
	if temperature.Valid {
		req.Temperature = &temperature.Float64
	}
	if maxOutputTokens.Valid {
		v := int(maxOutputTokens.Int64)
		req.MaxOutputTokens = &v
	}
	if responseContent.Valid {
		req.ResponseContent = &responseContent.String
	}
	if tokensUsed.Valid {
		v := int(tokensUsed.Int64)
		req.TokensUsed = &v
	}
	if inputTokens.Valid {
		v := int(inputTokens.Int64)
		req.InputTokens = &v
	}
	if outputTokens.Valid {
		v := int(outputTokens.Int64)
		req.OutputTokens = &v
	}
	if costEstimate.Valid {
		req.CostEstimate = &costEstimate.Float64
	}
	if finishReason.Valid {
		req.FinishReason = &finishReason.String
	}
	if executionTimeMS.Valid {
		req.ExecutionTimeMS = &executionTimeMS.Int64
	}
	if errorMessage.Valid {
		req.ErrorMessage = &errorMessage.String
	}
	if errorType.Valid {
		req.ErrorType = &errorType.String
	}
	if providerRespID.Valid {
		req.ProviderResponseID = &providerRespID.String
	}
	if systemFP.Valid {
		req.SystemFingerprint = &systemFP.String
	}
	if respCreatedAt.Valid {
		t := respCreatedAt.Time
		req.ResponseCreatedAt = &t
	}
	return &req, nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
