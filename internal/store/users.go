package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Tyrowin/gochat-rtc/internal/protocol"
)

func newID() string { return uuid.NewString() }

// UpsertUser records a user's display details. An empty display name keeps
// the stored one, or falls back to the id for new users.
func (s *Store) UpsertUser(ctx context.Context, u protocol.UserSummary) error {
	if u.ID == "" {
		return errors.New("upsert user: empty id")
	}
	name := u.DisplayName
	if name == "" {
		name = u.ID
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO users (id, display_name, avatar_ref, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			display_name = CASE WHEN ? = '' THEN users.display_name ELSE excluded.display_name END,
			avatar_ref = CASE WHEN ? = '' THEN users.avatar_ref ELSE excluded.avatar_ref END
	`), u.ID, name, u.AvatarRef, s.now(), u.DisplayName, u.AvatarRef)
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", u.ID, err)
	}
	return nil
}

// Profile returns one user's display details.
func (s *Store) Profile(ctx context.Context, identity string) (protocol.UserSummary, error) {
	var u protocol.UserSummary
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, display_name, avatar_ref FROM users WHERE id = ?`), identity).
		Scan(&u.ID, &u.DisplayName, &u.AvatarRef)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.UserSummary{}, fmt.Errorf("profile %s: %w", identity, ErrNotFound)
	}
	if err != nil {
		return protocol.UserSummary{}, fmt.Errorf("profile %s: %w", identity, err)
	}
	return u, nil
}

// Search matches query against display names and ids, case-insensitively,
// excluding the searching user. Results are ordered by display name.
func (s *Store) Search(ctx context.Context, exclude, query string) ([]protocol.UserSummary, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []protocol.UserSummary{}, nil
	}
	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, display_name, avatar_ref FROM users
		WHERE id <> ?
		  AND (LOWER(display_name) LIKE ? ESCAPE '\' OR LOWER(id) LIKE ? ESCAPE '\')
		ORDER BY display_name, id
		LIMIT ?
	`), exclude, pattern, pattern, s.searchLimit)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	defer rows.Close()

	results := []protocol.UserSummary{}
	for rows.Next() {
		var u protocol.UserSummary
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.AvatarRef); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		results = append(results, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	return results, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
