package conversation

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

// Schema is the DDL for the conversation tables. Applied by EnsureSchema;
// safe to run repeatedly.
const Schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id              TEXT PRIMARY KEY,
	user_id         BIGINT,
	type            TEXT NOT NULL,
	title           TEXT,
	status          TEXT NOT NULL DEFAULT 'active',
	metadata        JSONB,
	message_count   INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_message_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS conversation_messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations (id) ON DELETE CASCADE,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	ordinal         INTEGER NOT NULL,
	llm_request_id  TEXT,
	tokens_used     INTEGER,
	cost_estimate   DOUBLE PRECISION,
	metadata        JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (conversation_id, ordinal)
);
CREATE INDEX IF NOT EXISTS idx_conversation_messages_conv
	ON conversation_messages (conversation_id, ordinal);
`

const conversationColumns = `id, user_id, type, title, status, metadata,
	message_count, created_at, updated_at, last_message_at`

const messageColumns = `id, conversation_id, role, content, ordinal,
	llm_request_id, tokens_used, cost_estimate, metadata, created_at`

// PostgresStore implements Store on PostgreSQL via lib/pq.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool against the DSN.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("conversation: open database: %w", err)
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

// EnsureSchema applies the conversation DDL.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.Status == "" {
		conv.Status = models.ConversationActive
	}
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, type, title, status, metadata,
			message_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		conv.ID, conv.UserID, conv.Type, nullableString(conv.Title),
		string(conv.Status), marshalJSON(conv.Metadata),
		conv.MessageCount, conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("conversation: create: %w", err)
	}
	return nil
}

func (s *PostgresStore) ConversationByID(ctx context.Context, id string) (*models.Conversation, error) {
	conv, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("conversation: by id: %w", err)
	}
	return conv, nil
}

func (s *PostgresStore) Messages(ctx context.Context, conversationID string, limit int) ([]models.ConversationMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM conversation_messages
		WHERE conversation_id = $1 ORDER BY ordinal`
	args := []any{conversationID}
	if limit > 0 {
		// The newest N messages, returned oldest first.
		query = `SELECT ` + messageColumns + ` FROM (
			SELECT ` + messageColumns + ` FROM conversation_messages
			WHERE conversation_id = $1 ORDER BY ordinal DESC LIMIT $2
		) tail ORDER BY ordinal`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("conversation: messages: %w", err)
	}
	defer rows.Close()

	var result []models.ConversationMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("conversation: scan message: %w", err)
		}
		result = append(result, *msg)
	}
	return result, rows.Err()
}

// AppendMessage inserts the message under a transaction that locks the
// parent row, so ordinals stay dense under concurrent writers.
func (s *PostgresStore) AppendMessage(ctx context.Context, msg *models.ConversationMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("conversation: begin append: %w", err)
	}
	defer tx.Rollback()

	var count int
	err = tx.QueryRowContext(ctx,
		`SELECT message_count FROM conversations WHERE id = $1 FOR UPDATE`,
		msg.ConversationID).Scan(&count)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("conversation: lock parent: %w", err)
	}
	msg.Ordinal = count + 1

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversation_messages (id, conversation_id, role, content,
			ordinal, llm_request_id, tokens_used, cost_estimate, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		msg.ID, msg.ConversationID, string(msg.Role), msg.Content, msg.Ordinal,
		msg.LLMRequestID, msg.TokensUsed, msg.CostEstimate,
		marshalJSON(msg.Metadata), msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("conversation: insert message: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations SET message_count = $2, last_message_at = $3,
			updated_at = $3
		WHERE id = $1`,
		msg.ConversationID, msg.Ordinal, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("conversation: bump counters: %w", err)
	}

	return tx.Commit()
}

func (s *PostgresStore) SetMetadata(ctx context.Context, id string, metadata map[string]any) error {
	return s.exec(ctx, `
		UPDATE conversations SET metadata = $2, updated_at = now()
		WHERE id = $1`, id, marshalJSON(metadata))
}

func (s *PostgresStore) SetTitle(ctx context.Context, id string, title string) error {
	return s.exec(ctx, `
		UPDATE conversations SET title = $2, updated_at = now()
		WHERE id = $1`, id, title)
}

func (s *PostgresStore) SetStatus(ctx context.Context, id string, status models.ConversationStatus) error {
	return s.exec(ctx, `
		UPDATE conversations SET status = $2, updated_at = now()
		WHERE id = $1`, id, string(status))
}

func (s *PostgresStore) ConversationsByUser(ctx context.Context, userID int64, limit, offset int) ([]*models.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("conversation: by user: %w", err)
	}
	defer rows.Close()

	var result []*models.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("conversation: scan: %w", err)
		}
		result = append(result, conv)
	}
	return result, rows.Err()
}

func (s *PostgresStore) exec(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("conversation: update: %w", err)
	}
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

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var (
		conv          models.Conversation
		userID        sql.NullInt64
		title         sql.NullString
		status        string
		metadata      []byte
		lastMessageAt sql.NullTime
	)

	err := row.Scan(&conv.ID, &userID, &conv.Type, &title, &status, &metadata,
		&conv.MessageCount, &conv.CreatedAt, &conv.UpdatedAt, &lastMessageAt)
	if err != nil {
		return nil, err
	}

	conv.Status = models.ConversationStatus(status)
	if userID.Valid {
		conv.UserID = &userID.Int64
	}
	if title.Valid {
		conv.Title = title.String
	}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &conv.Metadata)
	}
	if lastMessageAt.Valid {
		t := lastMessageAt.Time
		conv.LastMessageAt = &t
	}
	return &conv, nil
}

func scanMessage(row rowScanner) (*models.ConversationMessage, error) {
	var (
		msg          models.ConversationMessage
		role         string
		llmRequestID sql.NullString
		tokens       sql.NullInt64
		cost         sql.NullFloat64
		metadata     []byte
	)

	err := row.Scan(&msg.ID, &msg.ConversationID, &role, &msg.Content,
		&msg.Ordinal, &llmRequestID, &tokens, &cost, &metadata, &msg.CreatedAt)
	if err != nil {
		return nil, err
	}

	msg.Role = models.Role(role)
	if llmRequestID.Valid {
		msg.LLMRequestID = &llmRequestID.String
	}
	if tokens.Valid {
		v := int(tokens.Int64)
		msg.TokensUsed = &v
	}
	if cost.Valid {
		msg.CostEstimate = &cost.Float64
	}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &msg.Metadata)
	}
	return &msg, nil
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

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
