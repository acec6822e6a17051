// Package services holds the Postgres-backed durable services: the agent
// message log, the broadcast event store, and agent lifecycle management.
package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sibyl-dev/sibyl/pkg/models"
)

const defaultMessagePageSize = 100

// MessageService manages the durable agent message log. Each agent's
// messages are numbered 1..N with no gaps: message_num is assigned under a
// per-agent advisory transaction lock, so concurrent appends serialize and
// the log stays a contiguous prefix even when a resume overlaps a late write.
type MessageService struct {
	db *sql.DB
}

// NewMessageService creates a new MessageService.
func NewMessageService(db *sql.DB) *MessageService {
	return &MessageService{db: db}
}

// Append persists msg and assigns the next message_num for its agent.
// On success msg.MessageNum and msg.CreatedAt are written back.
func (s *MessageService) Append(ctx context.Context, msg *models.AgentMessage) error {
	if msg.AgentID == "" {
		return models.NewValidationError("agent_id", "required")
	}
	if msg.TenantID == "" {
		return models.NewValidationError("tenant_id", "required")
	}
	if msg.Role == "" {
		return models.NewValidationError("role", "required")
	}
	if msg.Type == "" {
		return models.NewValidationError("type", "required")
	}

	var extra []byte
	if len(msg.Extra) > 0 {
		b, err := json.Marshal(msg.Extra)
		if err != nil {
			return fmt.Errorf("marshal message extra: %w", err)
		}
		extra = b
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Serialize appends per agent. The lock is transaction-scoped, so it
	// releases automatically on commit or rollback.
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, msg.AgentID); err != nil {
		return fmt.Errorf("acquire append lock: %w", err)
	}

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(message_num), 0) + 1 FROM agent_messages WHERE agent_id = $1`,
		msg.AgentID).Scan(&next); err != nil {
		return fmt.Errorf("next message_num: %w", err)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO agent_messages
		   (agent_id, message_num, tenant_id, role, msg_type, content,
		    tool_use_id, parent_tool_use_id, extra, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		msg.AgentID, next, msg.TenantID, string(msg.Role), string(msg.Type),
		msg.Content, nullIfEmpty(msg.ToolUseID), nullIfEmpty(msg.ParentToolUseID),
		nullIfNil(extra), now); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}

	msg.MessageNum = next
	msg.CreatedAt = now
	return nil
}

// List returns up to limit messages for agentID with message_num > afterNum,
// in ascending order. afterNum = 0 reads from the start.
func (s *MessageService) List(ctx context.Context, agentID string, afterNum, limit int) ([]*models.AgentMessage, error) {
	if agentID == "" {
		return nil, models.NewValidationError("agent_id", "required")
	}
	if limit <= 0 {
		limit = defaultMessagePageSize
	}
	if afterNum < 0 {
		afterNum = 0
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, message_num, tenant_id, role, msg_type, content,
		        tool_use_id, parent_tool_use_id, extra, created_at
		   FROM agent_messages
		  WHERE agent_id = $1 AND message_num > $2
		  ORDER BY message_num ASC
		  LIMIT $3`,
		agentID, afterNum, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*models.AgentMessage, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

// Count returns the number of stored messages for agentID. Because numbering
// is contiguous this equals the highest assigned message_num.
func (s *MessageService) Count(ctx context.Context, agentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(message_num), 0) FROM agent_messages WHERE agent_id = $1`,
		agentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// Latest returns the newest message for agentID, or ErrNotFound when the
// log is empty.
func (s *MessageService) Latest(ctx context.Context, agentID string) (*models.AgentMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT agent_id, message_num, tenant_id, role, msg_type, content,
		        tool_use_id, parent_tool_use_id, extra, created_at
		   FROM agent_messages
		  WHERE agent_id = $1
		  ORDER BY message_num DESC
		  LIMIT 1`,
		agentID)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (*models.AgentMessage, error) {
	var (
		msg       models.AgentMessage
		role      string
		msgType   string
		toolUse   sql.NullString
		parentUse sql.NullString
		extra     []byte
	)
	err := r.Scan(&msg.AgentID, &msg.MessageNum, &msg.TenantID, &role, &msgType,
		&msg.Content, &toolUse, &parentUse, &extra, &msg.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan message: %w", err)
	}
	msg.Role = models.MessageRole(role)
	msg.Type = models.MessageType(msgType)
	msg.ToolUseID = toolUse.String
	msg.ParentToolUseID = parentUse.String
	if len(extra) > 0 {
		if err := json.Unmarshal(extra, &msg.Extra); err != nil {
			return nil, fmt.Errorf("unmarshal message extra: %w", err)
		}
	}
	return &msg, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfNil(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}
