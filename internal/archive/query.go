package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/talka/historico/internal/models"
)

const conversationColumns = `id, title, participants, message_count, last_message, last_timestamp, user_id, created_at`

// ListConversations returns a page of the user's conversations, newest first,
// each with its messages in chronological order.
func (s *Store) ListConversations(ctx context.Context, userID int64, limit, offset int) ([]models.Conversation, error) {
	limit, offset = clampPage(limit, offset)

	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE user_id = $1
		ORDER BY created_at DESC, id ASC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch conversations: %w", err)
	}

	conversations, err := scanConversations(rows)
	if err != nil {
		return nil, err
	}
	if err := s.attachMessages(ctx, conversations); err != nil {
		return nil, err
	}
	return conversations, nil
}

// SearchConversations matches query as a case-insensitive substring of the
// title. Results are capped at SearchLimit.
func (s *Store) SearchConversations(ctx context.Context, userID int64, query string) ([]models.Conversation, error) {
	pattern := "%" + escapeLike(strings.TrimSpace(query)) + "%"

	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE user_id = $1 AND LOWER(title) LIKE LOWER($2) ESCAPE '\'
		ORDER BY created_at DESC, id ASC
		LIMIT $3
	`, userID, pattern, SearchLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to search conversations: %w", err)
	}

	conversations, err := scanConversations(rows)
	if err != nil {
		return nil, err
	}
	if err := s.attachMessages(ctx, conversations); err != nil {
		return nil, err
	}
	return conversations, nil
}

func (s *Store) CountConversations(ctx context.Context, userID int64) (int64, error) {
	var total int64
	if err := s.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM conversations WHERE user_id = $1", userID,
	).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to count conversations: %w", err)
	}
	return total, nil
}

// Messages returns the stored messages of one conversation.
func (s *Store) Messages(ctx context.Context, conversationID string) ([]models.Message, error) {
	convs := []models.Conversation{{ID: conversationID, Messages: []models.Message{}}}
	if err := s.attachMessages(ctx, convs); err != nil {
		return nil, err
	}
	return convs[0].Messages, nil
}

func scanConversations(rows *sql.Rows) ([]models.Conversation, error) {
	defer rows.Close()

	conversations := make([]models.Conversation, 0)
	for rows.Next() {
		var (
			conv          models.Conversation
			participants  string
			lastTimestamp sql.NullTime
		)
		if err := rows.Scan(&conv.ID, &conv.Title, &participants, &conv.MessageCount, &conv.LastMessage,
			&lastTimestamp, &conv.UserID, &conv.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		if lastTimestamp.Valid {
			ts := lastTimestamp.Time.UTC()
			conv.LastTimestamp = &ts
		}
		if err := json.Unmarshal([]byte(participants), &conv.Participants); err != nil || conv.Participants == nil {
			conv.Participants = []string{}
		}
		conv.CreatedAt = conv.CreatedAt.UTC()
		conv.Messages = []models.Message{}
		conversations = append(conversations, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to fetch conversations: %w", err)
	}
	return conversations, nil
}

func (s *Store) attachMessages(ctx context.Context, conversations []models.Conversation) error {
	if len(conversations) == 0 {
		return nil
	}

	index := make(map[string]int, len(conversations))
	args := make([]any, 0, len(conversations))
	for i := range conversations {
		index[conversations[i].ID] = i
		args = append(args, conversations[i].ID)
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, conversation_id, sent_at, sender, content, from_me
		FROM messages
		WHERE conversation_id IN `+placeholders(1, len(args))+`
		ORDER BY conversation_id, sent_at ASC, id ASC
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to fetch messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Timestamp, &msg.Sender, &msg.Content, &msg.FromMe); err != nil {
			return fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Timestamp = msg.Timestamp.UTC()
		if i, ok := index[msg.ConversationID]; ok {
			conversations[i].Messages = append(conversations[i].Messages, msg)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to fetch messages: %w", err)
	}
	return nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
