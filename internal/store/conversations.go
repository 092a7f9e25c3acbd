package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/matestay/matestay-chat/internal/domain"
	"github.com/matestay/matestay-chat/internal/shared"
)

var conversationColumns = []string{"id", "member_a", "member_b", "created_at", "updated_at"}

func scanConversation(row scanner) (*domain.Conversation, error) {
	var conv domain.Conversation
	var a, b string
	var createdAt, updatedAt int64
	if err := row.Scan(&conv.ID, &a, &b, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	conv.Members = []string{a, b}
	conv.CreatedAt = fromMillis(createdAt)
	conv.UpdatedAt = fromMillis(updatedAt)
	return &conv, nil
}

// CreateOrFindConversation returns the conversation for the unordered pair (a, b).
// The insert is a no-op when the pair already exists, so concurrent callers
// converge on the same row.
func (s *SQLStore) CreateOrFindConversation(ctx context.Context, a, b string) (*domain.Conversation, bool, error) {
	first, second, err := domain.MemberPair(a, b)
	if err != nil {
		return nil, false, err
	}

	now := s.now().UnixMilli()
	query, args, err := s.sb.Insert("conversations").
		Columns(conversationColumns...).
		Values(uuid.NewString(), first, second, now, now).
		Suffix("ON CONFLICT (member_a, member_b) DO NOTHING").
		ToSql()
	if err != nil {
		return nil, false, fmt.Errorf("build insert conversation: %w", err)
	}

	var created bool
	err = shared.RetryOnConflict(ctx, s.retry, "insert conversation", func() error {
		result, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		created = n == 1
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	conv, err := s.findConversation(ctx, sq.Eq{"member_a": first, "member_b": second})
	if err != nil {
		return nil, false, err
	}
	return conv, created, nil
}

// GetConversation retrieves a conversation by ID.
func (s *SQLStore) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	conv, err := s.findConversation(ctx, sq.Eq{"id": conversationID})
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, domain.ErrNotFound)
	}
	return conv, err
}

func (s *SQLStore) findConversation(ctx context.Context, where sq.Sqlizer) (*domain.Conversation, error) {
	query, args, err := s.sb.Select(conversationColumns...).From("conversations").Where(where).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build conversation query: %w", err)
	}

	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}
	return conv, nil
}

// ListConversations returns the user's conversations with their most recent message.
func (s *SQLStore) ListConversations(ctx context.Context, userID string) ([]domain.ConversationSummary, error) {
	query, args, err := s.sb.Select(
		"c.id", "c.member_a", "c.member_b", "c.created_at", "c.updated_at",
		"m.id", "m.sender_id", "m.text", "m.is_read", "m.created_at", "m.updated_at").
		From("conversations c").
		LeftJoin("messages m ON m.seq = (SELECT MAX(seq) FROM messages WHERE conversation_id = c.id)").
		Where(sq.Or{sq.Eq{"c.member_a": userID}, sq.Eq{"c.member_b": userID}}).
		OrderBy("c.updated_at DESC", "c.id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build conversations query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}

	summaries := make([]domain.ConversationSummary, 0)
	var lastIDs []string
	for rows.Next() {
		var sum domain.ConversationSummary
		var a, b string
		var createdAt, updatedAt int64
		var msgID, senderID, text sql.NullString
		var isRead sql.NullBool
		var msgCreated, msgUpdated sql.NullInt64
		if err := rows.Scan(&sum.ID, &a, &b, &createdAt, &updatedAt,
			&msgID, &senderID, &text, &isRead, &msgCreated, &msgUpdated); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		sum.Members = []string{a, b}
		sum.CreatedAt = fromMillis(createdAt)
		sum.UpdatedAt = fromMillis(updatedAt)
		if msgID.Valid {
			sum.LastMessage = &domain.Message{
				ID:             msgID.String,
				ConversationID: sum.ID,
				SenderID:       senderID.String,
				Text:           text.String,
				Read:           isRead.Bool,
				ReadBy:         []string{},
				CreatedAt:      fromMillis(msgCreated.Int64),
				UpdatedAt:      fromMillis(msgUpdated.Int64),
			}
			lastIDs = append(lastIDs, msgID.String)
		}
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("close conversations rows: %w", err)
	}

	if len(lastIDs) == 0 {
		return summaries, nil
	}

	readBy, err := s.readBy(ctx, sq.Eq{"message_id": lastIDs})
	if err != nil {
		return nil, err
	}
	for i := range summaries {
		if m := summaries[i].LastMessage; m != nil {
			if readers, ok := readBy[m.ID]; ok {
				m.ReadBy = readers
			}
		}
	}
	return summaries, nil
}
