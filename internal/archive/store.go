package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/talka/historico/internal/db"
	"github.com/talka/historico/internal/models"
)

var (
	ErrNotOwner         = errors.New("conversation not found or access denied")
	ErrOwnedByOtherUser = errors.New("conversation belongs to another user")
	ErrMessageNotFound  = errors.New("message not found")
	ErrUserNotFound     = errors.New("user not found")
	ErrEmptyUpload      = errors.New("invalid conversations payload")
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 500
	SearchLimit      = 100

	// insertBatchSize bounds the rows per multi-row INSERT; 200 rows of five
	// columns stays far below SQLite's bound-parameter limit.
	insertBatchSize = 200
)

// Store owns every conversation and message read or write. Multi-statement
// operations run inside a single transaction.
type Store struct {
	db   *db.DB
	conn *sql.DB
}

func NewStore(database *db.DB) *Store {
	return &Store{db: database, conn: database.GetConn()}
}

// UploadResult summarizes a committed bulk upload.
type UploadResult struct {
	ConversationIDs []string `json:"conversationIds"`
	Conversations   int      `json:"conversations"`
	Messages        int      `json:"messages"`
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DeleteConversation removes an owned conversation and all of its messages
// atomically. It returns the number of messages deleted.
func (s *Store) DeleteConversation(ctx context.Context, conversationID string, userID int64) (int64, error) {
	var deleted int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := checkOwnership(ctx, tx, conversationID, userID); err != nil {
			return err
		}

		result, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = $1", conversationID)
		if err != nil {
			return fmt.Errorf("failed to delete messages: %w", err)
		}
		deleted, _ = result.RowsAffected()

		if _, err := tx.ExecContext(ctx,
			"DELETE FROM conversations WHERE id = $1 AND user_id = $2", conversationID, userID,
		); err != nil {
			return fmt.Errorf("failed to delete conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// Upload upserts every conversation for userID and replaces its messages.
// The whole batch commits or nothing does. A conversation id already owned by
// another user aborts the batch with ErrOwnedByOtherUser.
func (s *Store) Upload(ctx context.Context, userID int64, conversations []models.Conversation) (*UploadResult, error) {
	if len(conversations) == 0 {
		return nil, ErrEmptyUpload
	}

	result := &UploadResult{ConversationIDs: make([]string, 0, len(conversations))}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)", userID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check user: %w", err)
		}
		if !exists {
			return ErrUserNotFound
		}

		for i := range conversations {
			conv := &conversations[i]
			if strings.TrimSpace(conv.ID) == "" {
				conv.ID = uuid.NewString()
			}
			conv.UserID = userID
			Summarize(conv)

			if err := upsertConversation(ctx, tx, conv); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = $1", conv.ID); err != nil {
				return fmt.Errorf("failed to clear messages of %s: %w", conv.ID, err)
			}
			if err := insertMessages(ctx, tx, conv.ID, conv.Messages); err != nil {
				return err
			}

			result.ConversationIDs = append(result.ConversationIDs, conv.ID)
			result.Messages += len(conv.Messages)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result.Conversations = len(result.ConversationIDs)
	return result, nil
}

func upsertConversation(ctx context.Context, tx *sql.Tx, conv *models.Conversation) error {
	participants, err := json.Marshal(conv.Participants)
	if err != nil {
		return fmt.Errorf("failed to encode participants: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, title, participants, message_count, last_message, last_timestamp, user_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			participants = excluded.participants,
			message_count = excluded.message_count,
			last_message = excluded.last_message,
			last_timestamp = excluded.last_timestamp
		WHERE conversations.user_id = excluded.user_id
	`, conv.ID, conv.Title, string(participants), conv.MessageCount, conv.LastMessage,
		nullableTime(conv.LastTimestamp), conv.UserID, db.Now())
	if err != nil {
		return fmt.Errorf("failed to upsert conversation %s: %w", conv.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrOwnedByOtherUser, conv.ID)
	}
	return nil
}

func insertMessages(ctx context.Context, tx *sql.Tx, conversationID string, messages []models.Message) error {
	for start := 0; start < len(messages); start += insertBatchSize {
		end := min(start+insertBatchSize, len(messages))
		batch := messages[start:end]

		var sb strings.Builder
		sb.WriteString("INSERT INTO messages (conversation_id, sent_at, sender, content, from_me) VALUES ")
		args := make([]any, 0, len(batch)*5)
		for i, msg := range batch {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(placeholders(len(args)+1, 5))
			args = append(args, conversationID, db.Normalize(msg.Timestamp), msg.Sender, msg.Content, msg.FromMe)
		}

		if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
			return fmt.Errorf("failed to insert messages of %s: %w", conversationID, err)
		}
	}
	return nil
}

// DeleteMessage removes one message from an owned conversation and refreshes
// the conversation summary in the same transaction.
func (s *Store) DeleteMessage(ctx context.Context, messageID int64, conversationID string, userID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := checkOwnership(ctx, tx, conversationID, userID); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			"DELETE FROM messages WHERE id = $1 AND conversation_id = $2", messageID, conversationID,
		)
		if err != nil {
			return fmt.Errorf("failed to delete message: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrMessageNotFound
		}

		return refreshSummary(ctx, tx, conversationID)
	})
}

// ClearData deletes every conversation of userID and their messages.
func (s *Store) ClearData(ctx context.Context, userID int64) (conversations int64, messages int64, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM messages
			WHERE conversation_id IN (SELECT id FROM conversations WHERE user_id = $1)
		`, userID)
		if err != nil {
			return fmt.Errorf("failed to delete messages: %w", err)
		}
		messages, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx, "DELETE FROM conversations WHERE user_id = $1", userID)
		if err != nil {
			return fmt.Errorf("failed to delete conversations: %w", err)
		}
		conversations, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return conversations, messages, nil
}

// RefreshSummaries recomputes message_count, last_message and
// last_timestamp for every conversation. It returns how many rows changed.
func (s *Store) RefreshSummaries(ctx context.Context, dryRun bool) (int, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT c.id, c.message_count, COUNT(m.id)
		FROM conversations c
		LEFT JOIN messages m ON m.conversation_id = c.id
		GROUP BY c.id, c.message_count
		ORDER BY c.id
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to read conversations: %w", err)
	}

	var stale []string
	for rows.Next() {
		var id string
		var stored, actual int64
		if err := rows.Scan(&id, &stored, &actual); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan conversation: %w", err)
		}
		if stored != actual {
			stale = append(stale, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to read conversations: %w", err)
	}

	if dryRun || len(stale) == 0 {
		return len(stale), nil
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range stale {
			if err := refreshSummary(ctx, tx, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(stale), nil
}

func checkOwnership(ctx context.Context, tx *sql.Tx, conversationID string, userID int64) error {
	var one int
	err := tx.QueryRowContext(ctx,
		"SELECT 1 FROM conversations WHERE id = $1 AND user_id = $2", conversationID, userID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotOwner
	}
	if err != nil {
		return fmt.Errorf("failed to check conversation: %w", err)
	}
	return nil
}

func refreshSummary(ctx context.Context, tx *sql.Tx, conversationID string) error {
	var count int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE conversation_id = $1", conversationID,
	).Scan(&count); err != nil {
		return fmt.Errorf("failed to count messages: %w", err)
	}

	var last models.Message
	var lastTimestamp any
	err := tx.QueryRowContext(ctx, `
		SELECT content, sent_at FROM messages
		WHERE conversation_id = $1
		ORDER BY sent_at DESC, id DESC
		LIMIT 1
	`, conversationID).Scan(&last.Content, &last.Timestamp)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		last.Content = ""
		lastTimestamp = nil
	case err != nil:
		return fmt.Errorf("failed to read last message: %w", err)
	default:
		lastTimestamp = db.Normalize(last.Timestamp)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET message_count = $1, last_message = $2, last_timestamp = $3
		WHERE id = $4
	`, count, Preview(last.Content), lastTimestamp, conversationID); err != nil {
		return fmt.Errorf("failed to update conversation summary: %w", err)
	}
	return nil
}

// placeholders renders "($start, $start+1, ...)" with n parameters.
func placeholders(start, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func nullableTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return db.Normalize(*t)
}
