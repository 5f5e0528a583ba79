package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Tyrowin/gochat-rtc/internal/protocol"
)

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// directKey identifies the one-to-one chat between two users regardless of
// who created it.
func directKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "\n" + b
}

// CreateChat returns the direct chat between initiator and recipient, creating
// it when none exists. The recipient must be a known user. A chat with
// yourself has a single member.
func (s *Store) CreateChat(ctx context.Context, initiator, recipient string) (protocol.ChatSummary, error) {
	if _, err := s.Profile(ctx, recipient); err != nil {
		return protocol.ChatSummary{}, fmt.Errorf("create chat: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return protocol.ChatSummary{}, fmt.Errorf("create chat: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	key := directKey(initiator, recipient)
	var (
		chatID    string
		createdAt time.Time
	)
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT id, created_at FROM chats WHERE direct_key = ?`), key).
		Scan(&chatID, &createdAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		chatID, createdAt = s.newID(), s.now()
		if _, err := tx.ExecContext(ctx, s.rebind(
			`INSERT INTO chats (id, direct_key, created_at) VALUES (?, ?, ?)`), chatID, key, createdAt); err != nil {
			return protocol.ChatSummary{}, fmt.Errorf("create chat: insert: %w", err)
		}
		for _, member := range distinctMembers(initiator, recipient) {
			if _, err := tx.ExecContext(ctx, s.rebind(
				`INSERT INTO chat_members (chat_id, user_id) VALUES (?, ?)`), chatID, member); err != nil {
				return protocol.ChatSummary{}, fmt.Errorf("create chat: add member: %w", err)
			}
		}
		s.logger.DebugContext(ctx, "chat created", "chat", chatID, "initiator", initiator, "recipient", recipient)
	case err != nil:
		return protocol.ChatSummary{}, fmt.Errorf("create chat: lookup: %w", err)
	}

	members, err := s.members(ctx, tx, chatID)
	if err != nil {
		return protocol.ChatSummary{}, err
	}
	if err := tx.Commit(); err != nil {
		return protocol.ChatSummary{}, fmt.Errorf("create chat: commit: %w", err)
	}
	return protocol.ChatSummary{ID: chatID, Members: members, CreatedAt: createdAt}, nil
}

// ChatMembers returns the member summaries of a chat.
func (s *Store) ChatMembers(ctx context.Context, chatID string) ([]protocol.UserSummary, error) {
	members, err := s.members(ctx, s.db, chatID)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
	}
	return members, nil
}

func (s *Store) members(ctx context.Context, q querier, chatID string) ([]protocol.UserSummary, error) {
	rows, err := q.QueryContext(ctx, s.rebind(`
		SELECT m.user_id, COALESCE(u.display_name, m.user_id), COALESCE(u.avatar_ref, '')
		FROM chat_members m
		LEFT JOIN users u ON u.id = m.user_id
		WHERE m.chat_id = ?
		ORDER BY m.user_id
	`), chatID)
	if err != nil {
		return nil, fmt.Errorf("chat members: %w", err)
	}
	defer rows.Close()

	var members []protocol.UserSummary
	for rows.Next() {
		var u protocol.UserSummary
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.AvatarRef); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chat members: %w", err)
	}
	return members, nil
}

// AppendMessage stores a message from sender and returns it together with the
// chat's member ids.
func (s *Store) AppendMessage(ctx context.Context, chatID, sender, content string) (protocol.Message, []string, error) {
	members, err := s.ChatMembers(ctx, chatID)
	if err != nil {
		return protocol.Message{}, nil, fmt.Errorf("append message: %w", err)
	}
	ids := make([]string, 0, len(members))
	isMember := false
	for _, m := range members {
		ids = append(ids, m.ID)
		if m.ID == sender {
			isMember = true
		}
	}
	if !isMember {
		return protocol.Message{}, nil, fmt.Errorf("append message to %s: %w", chatID, ErrNotMember)
	}

	msg := protocol.Message{
		ID:        s.newID(),
		ChatID:    chatID,
		SenderID:  sender,
		Content:   content,
		CreatedAt: s.now(),
	}
	if _, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO messages (id, chat_id, sender_id, content, created_at) VALUES (?, ?, ?, ?, ?)
	`), msg.ID, msg.ChatID, msg.SenderID, msg.Content, msg.CreatedAt); err != nil {
		return protocol.Message{}, nil, fmt.Errorf("append message: %w", err)
	}
	return msg, ids, nil
}

func distinctMembers(a, b string) []string {
	if a == b {
		return []string{a}
	}
	return []string{a, b}
}
