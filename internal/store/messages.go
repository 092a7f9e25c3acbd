package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/matestay/matestay-chat/internal/domain"
	"github.com/matestay/matestay-chat/internal/shared"
)

var messageColumns = []string{"id", "conversation_id", "sender_id", "text", "is_read", "created_at", "updated_at"}

func scanMessage(row scanner) (*domain.Message, error) {
	var msg domain.Message
	var createdAt, updatedAt int64
	if err := row.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Text, &msg.Read, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	msg.ReadBy = []string{}
	msg.CreatedAt = fromMillis(createdAt)
	msg.UpdatedAt = fromMillis(updatedAt)
	return &msg, nil
}

// AppendMessage stores a message and bumps the owning conversation's last activity.
// The bump runs first so the transaction takes the write lock before reading, and it
// never moves the timestamp backwards.
func (s *SQLStore) AppendMessage(ctx context.Context, conversationID, senderID, text string) (*domain.Message, error) {
	ms := s.now().UnixMilli()
	msg := &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		ReadBy:         []string{},
		CreatedAt:      fromMillis(ms),
		UpdatedAt:      fromMillis(ms),
	}

	err := shared.RetryOnConflict(ctx, s.retry, "append message", func() error {
		return s.appendMessageTx(ctx, msg, ms)
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *SQLStore) appendMessageTx(ctx context.Context, msg *domain.Message, ms int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	bump, args, err := s.sb.Update("conversations").
		Set("updated_at", sq.Expr("CASE WHEN updated_at > ? THEN updated_at ELSE ? END", ms, ms)).
		Where(sq.Eq{"id": msg.ConversationID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build conversation bump: %w", err)
	}
	result, err := tx.ExecContext(ctx, bump, args...)
	if err != nil {
		return fmt.Errorf("bump conversation: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("conversation %s: %w", msg.ConversationID, domain.ErrNotFound)
	}

	insert, args, err := s.sb.Insert("messages").
		Columns(messageColumns...).
		Values(msg.ID, msg.ConversationID, msg.SenderID, msg.Text, false, ms, ms).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insert, args...); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append tx: %w", err)
	}
	return nil
}

// GetMessage retrieves a message by ID.
func (s *SQLStore) GetMessage(ctx context.Context, messageID string) (*domain.Message, error) {
	query, args, err := s.sb.Select(messageColumns...).From("messages").Where(sq.Eq{"id": messageID}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build message query: %w", err)
	}

	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", messageID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan message row: %w", err)
	}

	readBy, err := s.readBy(ctx, sq.Eq{"message_id": messageID})
	if err != nil {
		return nil, err
	}
	if readers, ok := readBy[msg.ID]; ok {
		msg.ReadBy = readers
	}
	return msg, nil
}

// ListMessages returns all messages of a conversation in append order.
func (s *SQLStore) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	query, args, err := s.sb.Select(messageColumns...).
		From("messages").
		Where(sq.Eq{"conversation_id": conversationID}).
		OrderBy("seq ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build messages query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}

	msgs := make([]domain.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msgs = append(msgs, *msg)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("close messages rows: %w", err)
	}

	if len(msgs) == 0 {
		return msgs, nil
	}

	readBy, err := s.readBy(ctx, sq.Expr("message_id IN (SELECT id FROM messages WHERE conversation_id = ?)", conversationID))
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		if readers, ok := readBy[msgs[i].ID]; ok {
			msgs[i].ReadBy = readers
		}
	}
	return msgs, nil
}

// MarkRead marks every unread message in the conversation not sent by readerID as read.
func (s *SQLStore) MarkRead(ctx context.Context, conversationID, readerID string) ([]string, error) {
	var ids []string
	err := shared.RetryOnConflict(ctx, s.retry, "mark read", func() error {
		var err error
		ids, err = s.markReadTx(ctx, conversationID, readerID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		slog.Debug("Messages marked read", "conversation_id", conversationID, "reader_id", readerID, "count", len(ids))
	}
	return ids, nil
}

func (s *SQLStore) markReadTx(ctx context.Context, conversationID, readerID string) ([]string, error) {
	ms := s.now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin mark read tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	update, args, err := s.sb.Update("messages").
		Set("is_read", true).
		Set("updated_at", ms).
		Where(sq.Eq{"conversation_id": conversationID, "is_read": false}).
		Where(sq.NotEq{"sender_id": readerID}).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build mark read: %w", err)
	}

	rows, err := tx.QueryContext(ctx, update, args...)
	if err != nil {
		return nil, fmt.Errorf("mark messages read: %w", err)
	}
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan read message id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate read message ids: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("close read rows: %w", err)
	}

	if len(ids) > 0 {
		insert := s.sb.Insert("message_reads").Columns("message_id", "user_id", "read_at")
		for _, id := range ids {
			insert = insert.Values(id, readerID, ms)
		}
		query, args, err := insert.Suffix("ON CONFLICT (message_id, user_id) DO NOTHING").ToSql()
		if err != nil {
			return nil, fmt.Errorf("build insert reads: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return nil, fmt.Errorf("insert reads: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit mark read tx: %w", err)
	}
	return ids, nil
}

// readBy maps message ID to the users that have read it, in read order.
func (s *SQLStore) readBy(ctx context.Context, where sq.Sqlizer) (map[string][]string, error) {
	query, args, err := s.sb.Select("message_id", "user_id").
		From("message_reads").
		Where(where).
		OrderBy("read_at ASC", "user_id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build read receipts query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query read receipts: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close read receipt rows", "error", closeErr)
		}
	}()

	readBy := make(map[string][]string)
	for rows.Next() {
		var messageID, userID string
		if err := rows.Scan(&messageID, &userID); err != nil {
			return nil, fmt.Errorf("scan read receipt: %w", err)
		}
		readBy[messageID] = append(readBy[messageID], userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate read receipts: %w", err)
	}
	return readBy, nil
}
