package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Tyrowin/gochat-rtc/internal/presence"
)

// SessionRecord is the persisted view of one login session.
type SessionRecord struct {
	ID           string
	UserID       string
	ConnectionID string
	Online       bool
	LastOnline   time.Time
	UpdatedAt    time.Time
}

// UpdateSession upserts the session row for a connection attach or detach.
func (s *Store) UpdateSession(ctx context.Context, u presence.SessionUpdate) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO sessions (id, user_id, connection_id, online, last_online, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			user_id = excluded.user_id,
			connection_id = excluded.connection_id,
			online = excluded.online,
			last_online = excluded.last_online,
			updated_at = excluded.updated_at
	`), u.SessionID, string(u.Identity), string(u.ConnectionID), u.Online, nullTime(u.LastOnline), s.now())
	if err != nil {
		return fmt.Errorf("update session %s: %w", u.SessionID, err)
	}
	return nil
}

// Session loads a session record.
func (s *Store) Session(ctx context.Context, id string) (SessionRecord, error) {
	var (
		rec  SessionRecord
		last sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, user_id, connection_id, online, last_online, updated_at FROM sessions WHERE id = ?
	`), id).Scan(&rec.ID, &rec.UserID, &rec.ConnectionID, &rec.Online, &last, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("session %s: %w", id, err)
	}
	if last.Valid {
		rec.LastOnline = last.Time
	}
	return rec, nil
}
