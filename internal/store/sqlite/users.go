package sqlite

import (
	"context"
	"fmt"
	"time"

	"spikewatch/internal/model"
)

// Users loads every account with its options decoded. A blob that fails
// to decode yields zero options and is logged once until it changes;
// one broken user must not silence detection for the rest.
func (s *Store) Users(ctx context.Context) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, login, tg_token, chat_id, options, created_at, updated_at
		FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var out []model.User
	for rows.Next() {
		var u model.User
		var blob string
		var createdAt, updatedAt int64
		if err := rows.Scan(&u.ID, &u.Login, &u.TgToken, &u.ChatID, &blob, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.CreatedAt = time.Unix(createdAt, 0).UTC()
		u.UpdatedAt = time.Unix(updatedAt, 0).UTC()

		opts, err := model.DecodeOptions(blob)
		if err != nil {
			s.logBadOptionsOnce(u.ID, blob, err)
		} else {
			s.clearBadOptions(u.ID)
		}
		u.Options = opts
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) logBadOptionsOnce(userID int64, blob string, err error) {
	s.optMu.Lock()
	seen := s.badOptions[userID] == blob
	s.badOptions[userID] = blob
	s.optMu.Unlock()
	if !seen {
		s.logger.Printf("user %d: options decode failed, using defaults: %v", userID, err)
	}
}

func (s *Store) clearBadOptions(userID int64) {
	s.optMu.Lock()
	delete(s.badOptions, userID)
	s.optMu.Unlock()
}

// UpsertUser creates or updates an account by login and returns its id.
func (s *Store) UpsertUser(ctx context.Context, login, tgToken, chatID, options string) (int64, error) {
	var id int64
	err := s.execRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO users (login, tg_token, chat_id, options)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (login) DO UPDATE SET
				tg_token = excluded.tg_token,
				chat_id  = excluded.chat_id,
				options  = excluded.options,
				updated_at = strftime('%s', 'now')`,
			login, tgToken, chatID, options)
		if err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}
		return s.db.QueryRowContext(ctx,
			`SELECT id FROM users WHERE login = ?`, login).Scan(&id)
	})
	return id, err
}

// DeleteUser removes an account; user_alerts links cascade.
func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	return s.execRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
		return err
	})
}
