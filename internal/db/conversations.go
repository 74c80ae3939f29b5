package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opentalab/paperchat/internal/models"
)

// ErrConversationNotFound is returned when a conversation id is unknown.
var ErrConversationNotFound = errors.New("conversation not found")

type turnRow struct {
	Question    string          `db:"question"`
	Answer      string          `db:"answer"`
	Sources     json.RawMessage `db:"sources"`
	SearchQuery sql.NullString  `db:"search_query"`
	CreatedAt   time.Time       `db:"created_at"`
}

// SaveTurn appends one turn, creating the conversation row on first write.
// An already-set title is never overwritten, so title generation stays a
// once-per-conversation event even under write retries.
func (c *Client) SaveTurn(ctx context.Context, conversationID string, turn models.Turn, title string) error {
	now := time.Now().UTC()

	_, err := c.db.ExecContext(ctx, `
        INSERT INTO conversations (id, title, is_incognito, created_at, updated_at)
        VALUES ($1, NULLIF($2, ''), FALSE, $3, $3)
        ON CONFLICT (id) DO UPDATE
            SET title = COALESCE(conversations.title, EXCLUDED.title),
                updated_at = EXCLUDED.updated_at
    `, conversationID, title, now)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	sources, err := json.Marshal(turn.Sources)
	if err != nil {
		return fmt.Errorf("marshal sources: %w", err)
	}

	ts := turn.Timestamp
	if ts.IsZero() {
		ts = now
	}
	_, err = c.db.ExecContext(ctx, `
        INSERT INTO conversation_turns (id, conversation_id, question, answer, sources, search_query, created_at)
        VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
    `, uuid.New(), conversationID, turn.Question, turn.Answer, sources, turn.SearchQuery, ts)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

// LoadTurns returns the last limit turns in chronological order.
func (c *Client) LoadTurns(ctx context.Context, conversationID string, limit int) ([]models.Turn, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []turnRow
	err := c.db.SelectContext(ctx, &rows, `
        SELECT question, answer, sources, search_query, created_at
        FROM conversation_turns
        WHERE conversation_id = $1
        ORDER BY created_at DESC
        LIMIT $2
    `, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}

	turns := make([]models.Turn, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		turn := models.Turn{
			Question:  row.Question,
			Answer:    row.Answer,
			Timestamp: row.CreatedAt,
		}
		if row.SearchQuery.Valid {
			turn.SearchQuery = row.SearchQuery.String
		}
		if len(row.Sources) > 0 {
			if err := json.Unmarshal(row.Sources, &turn.Sources); err != nil {
				c.logger.Warn("Skipping malformed sources payload",
					zap.String("conversation_id", conversationID))
			}
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

// GetConversation fetches conversation metadata.
func (c *Client) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var row struct {
		ID        string         `db:"id"`
		Title     sql.NullString `db:"title"`
		Incognito bool           `db:"is_incognito"`
		CreatedAt time.Time      `db:"created_at"`
		UpdatedAt time.Time      `db:"updated_at"`
	}
	err := c.db.GetContext(ctx, &row, `
        SELECT id, title, is_incognito, created_at, updated_at
        FROM conversations
        WHERE id = $1
    `, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	conv := &models.Conversation{
		ID:          row.ID,
		IsIncognito: row.Incognito,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
	if row.Title.Valid {
		conv.Title = row.Title.String
	}
	return conv, nil
}
